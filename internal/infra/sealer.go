package infra

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"qkd-mail-crypto/internal/domain"
)

// LocalSealer はローカルの鍵でXChaCha20-Poly1305により鍵素材を暗号化するシーラー。
// KMSを使えない環境向け。
type LocalSealer struct {
	key []byte
}

// NewLocalSealer は16進表記の32バイト鍵からLocalSealerを生成する。
func NewLocalSealer(hexKey string) (*LocalSealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding seal key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &LocalSealer{key: key}, nil
}

// Seal はノンスを先頭に付けた暗号文を返す。
func (s *LocalSealer) Seal(_ context.Context, keyID string, material []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(material)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, material, []byte(keyID)), nil
}

// Open は Seal の出力を復号する。
func (s *LocalSealer) Open(_ context.Context, keyID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed material too short", domain.ErrIntegrityFailure)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	material, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: opening sealed material for %s", domain.ErrIntegrityFailure, keyID)
	}
	return material, nil
}
