package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

func NewGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.New("AES-256 requires 32 bytes key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func Encrypt(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

func Decrypt(aead cipher.AEAD, data []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(data) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, data[:ns], data[ns:], nil)
}

// ContentCipher seals message bodies for storage. A nil *ContentCipher is a passthrough.
type ContentCipher struct {
	aead cipher.AEAD
}

func NewContentCipher(key string) (*ContentCipher, error) {
	if key == "" {
		return nil, nil
	}
	aead, err := NewGCM([]byte(key))
	if err != nil {
		return nil, err
	}
	return &ContentCipher{aead: aead}, nil
}

func (c *ContentCipher) Seal(plain string) (string, error) {
	if c == nil || plain == "" {
		return plain, nil
	}
	b, err := Encrypt(c.aead, []byte(plain))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (c *ContentCipher) Open(sealed string) (string, error) {
	if c == nil || sealed == "" {
		return sealed, nil
	}
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	out, err := Decrypt(c.aead, b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
