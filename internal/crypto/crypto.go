// Package crypto 定义消息加解密的边界。服务层只依赖 Encryptor 接口，
// 具体算法（secretbox 或 age）在进程启动时构造一次并注入。
package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/K9Crypt/website/internal/metrics"
)

// ErrCrypto 是所有加解密失败的哨兵错误。
var ErrCrypto = errors.New("crypto failure")

type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// BatchDecrypter 是可选能力：实现者可以一次解密一整批密文。
// 返回的切片必须与输入等长且按输入顺序排列。
type BatchDecrypter interface {
	DecryptBatch(ctx context.Context, ciphertexts []string) ([]string, error)
}

// CryptoError 包装加解密失败的原因，Op 为 encrypt / decrypt / decrypt_batch。
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

// Boundary 为 Encryptor 的每次调用加上超时和 panic 保护，
// 任何失败都转换为 *CryptoError。不做重试。
type Boundary struct {
	enc     Encryptor
	timeout time.Duration
}

func NewBoundary(enc Encryptor, timeout time.Duration) *Boundary {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Boundary{enc: enc, timeout: timeout}
}

func (b *Boundary) Encrypt(ctx context.Context, plaintext string) (string, error) {
	return call(ctx, b.timeout, "encrypt", func(ctx context.Context) (string, error) {
		return b.enc.Encrypt(ctx, plaintext)
	})
}

func (b *Boundary) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return call(ctx, b.timeout, "decrypt", func(ctx context.Context) (string, error) {
		return b.enc.Decrypt(ctx, ciphertext)
	})
}

// DecryptBatch 解密一批密文，任何一条失败则整批失败。
// 底层实现支持 BatchDecrypter 时一次调用完成，否则逐条解密。
func (b *Boundary) DecryptBatch(ctx context.Context, ciphertexts []string) ([]string, error) {
	return call(ctx, b.timeout, "decrypt_batch", func(ctx context.Context) ([]string, error) {
		if bd, ok := b.enc.(BatchDecrypter); ok {
			out, err := bd.DecryptBatch(ctx, ciphertexts)
			if err != nil {
				return nil, err
			}
			if len(out) != len(ciphertexts) {
				return nil, fmt.Errorf("batch decrypt returned %d results for %d inputs", len(out), len(ciphertexts))
			}
			return out, nil
		}
		out := make([]string, len(ciphertexts))
		for i, c := range ciphertexts {
			p, err := b.enc.Decrypt(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = p
		}
		return out, nil
	})
}

type result[T any] struct {
	v   T
	err error
}

// call 在独立 goroutine 中执行 fn，调用方最多等待 timeout。
// 超时后 goroutine 的结果被丢弃（通道带缓冲，不会泄漏阻塞）。
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result[T]{zero, fmt.Errorf("encryptor panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result[T]{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			metrics.CryptoFailures.WithLabelValues(op).Inc()
			return zero, &CryptoError{Op: op, Err: r.err}
		}
		return r.v, nil
	case <-ctx.Done():
		metrics.CryptoFailures.WithLabelValues(op).Inc()
		return zero, &CryptoError{Op: op, Err: ctx.Err()}
	}
}
