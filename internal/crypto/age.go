package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

// AgeEncryptor 用一个 X25519 身份加解密消息，密文为 base64 编码的二进制 age 格式。
type AgeEncryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeEncryptor 解析 AGE-SECRET-KEY-1... 格式的私钥。
func NewAgeEncryptor(secretKey string) (*AgeEncryptor, error) {
	identity, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &AgeEncryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateAgeIdentity 生成新的 age 私钥字符串，供测试与初始化部署使用。
func GenerateAgeIdentity() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}
	return identity.String(), nil
}

func (a *AgeEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, a.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (a *AgeEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), a.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading plaintext: %w", err)
	}
	return string(plain), nil
}

// New 按后端名称构造 Encryptor。
func New(backend, secretKey, ageIdentity string) (Encryptor, error) {
	switch backend {
	case "", "secretbox":
		return NewSecretBox(secretKey)
	case "age":
		return NewAgeEncryptor(ageIdentity)
	default:
		return nil, fmt.Errorf("unknown crypto backend %q", backend)
	}
}
