package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrKeyLength        = errors.New("encryption key must be 32 bytes (raw or base64)")
	ErrCiphertextFormat = errors.New("ciphertext too short")
)

// Cipher шифрует секреты (OAuth токены, API ключи ATS) перед записью в БД.
// Формат: base64(nonce || ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key string) (*Cipher, error) {
	raw := []byte(key)
	if len(raw) != 32 {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, ErrKeyLength
		}
		raw = decoded
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", ErrCiphertextFormat
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// EncryptPtr / DecryptPtr сохраняют NULL как NULL.
func (c *Cipher) EncryptPtr(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	enc, err := c.Encrypt(*s)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func (c *Cipher) DecryptPtr(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	dec, err := c.Decrypt(*s)
	if err != nil {
		return nil, err
	}
	return &dec, nil
}
