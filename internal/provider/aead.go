package provider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"qkd-mail-crypto/internal/domain"
)

const symmetricKeySize = 32

// HKDFのinfo文字列。レベルごとに鍵を分離する。
const (
	infoQuantumAided = "qkd-mail:quantum-aided:v1"
	infoPostQuantum  = "qkd-mail:post-quantum:v1"
	infoStandard     = "qkd-mail:standard:v1"
)

func deriveSHA512(secret, salt []byte, info string) ([]byte, error) {
	return derive(hkdf.New(sha512.New, secret, salt, []byte(info)))
}

func deriveSHA256(secret, salt []byte, info string) ([]byte, error) {
	return derive(hkdf.New(sha256.New, secret, salt, []byte(info)))
}

func derive(r io.Reader) ([]byte, error) {
	key := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// associatedData はレベル・アルゴリズム・鍵IDを認証対象に含める。
func associatedData(tier domain.SecurityTier, algorithm, keyID string) []byte {
	return []byte(string(tier) + "|" + algorithm + "|" + keyID)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func newChaCha(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// seal はランダムなノンスで暗号化し、ノンスと暗号文を返す。
func seal(newAEAD func([]byte) (cipher.AEAD, error), key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// open は認証タグを検証して復号する。タグ不一致は ErrIntegrityFailure になる。
func open(newAEAD func([]byte) (cipher.AEAD, error), key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size %d, want %d", domain.ErrInvalidPayload, len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrIntegrityFailure)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, domain.ErrIntegrityFailure
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
