package service

import (
	"context"

	"github.com/rs/zerolog/log"
)

const (
	// MaxDecryptItems 是一次批量解密请求允许的最大条数。
	MaxDecryptItems = 100
	// 密文是 base64，且带 nonce 或 age 头部，上限放宽到明文上限的 4 倍。
	maxCiphertextBytes = 4 * MaxMessageBytes
)

func checkCiphertext(ciphertext string) error {
	if ciphertext == "" {
		return invalid("ciphertext is empty")
	}
	if len(ciphertext) > maxCiphertextBytes {
		return invalid("ciphertext longer than %d bytes", maxCiphertextBytes)
	}
	return nil
}

// Encrypt 加密一段独立文本并返回密文，不关联房间也不落库。
func (s *MessageService) Encrypt(ctx context.Context, plaintext string) (string, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if plaintext == "" {
		return "", invalid("message is empty")
	}
	if len(plaintext) > MaxMessageBytes {
		return "", invalid("message longer than %d bytes", MaxMessageBytes)
	}
	return s.box.Encrypt(ctx, plaintext)
}

// Decrypt 解密由 Encrypt 产生的密文。
func (s *MessageService) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if err := checkCiphertext(ciphertext); err != nil {
		return "", err
	}
	return s.box.Decrypt(ctx, ciphertext)
}

// DecryptMany 按与消息列表相同的分批方式解密，任一批失败则整体失败。
func (s *MessageService) DecryptMany(ctx context.Context, ciphertexts []string) ([]string, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if len(ciphertexts) > MaxDecryptItems {
		return nil, invalid("at most %d messages per request", MaxDecryptItems)
	}
	for _, c := range ciphertexts {
		if err := checkCiphertext(c); err != nil {
			return nil, err
		}
	}
	plain, err := s.decryptAll(ctx, ciphertexts)
	if err != nil {
		log.Warn().Err(err).Int("count", len(ciphertexts)).Msg("batch decrypt failed")
		return nil, err
	}
	return plain, nil
}
