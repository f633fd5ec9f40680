package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/K9Crypt/website/internal/crypto"
	"github.com/K9Crypt/website/internal/store"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrCrypto          = crypto.ErrCrypto
	ErrDecryption      = errors.New("decryption failed")
	ErrStorage         = errors.New("storage failure")
)

// StorageError 包装底层存储错误，Op 标明出错的操作。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// DecryptionError 表示批量解密中某一批失败，整个结果作废。
type DecryptionError struct {
	Batch int
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt batch %d: %v", e.Batch, e.Err)
}
func (e *DecryptionError) Unwrap() error { return e.Err }
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// Retryable 判断错误是否为暂时性的：存储故障和超时可以重试，
// 参数错误、权限错误和密文损坏不行。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, ErrStorage)
}

// MaxUserIDLen 与成员表 user_id 列宽度一致。
const MaxUserIDLen = 64

// requireIDs 校验房间和用户标识，超长的用户标识在入库前拒绝。
func requireIDs(roomID, userID string) error {
	if roomID == "" || userID == "" {
		return invalid("room id and user id are required")
	}
	if len(userID) > MaxUserIDLen {
		return invalid("user id longer than %d bytes", MaxUserIDLen)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// storageErr 把 store 的错误转换为业务错误，ErrNotFound 单独映射。
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return &StorageError{Op: op, Err: err}
}
