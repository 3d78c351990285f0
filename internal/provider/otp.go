package provider

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"qkd-mail-crypto/internal/domain"
)

// minOTPBits は空の平文でも要求する鍵の最小サイズ。
const minOTPBits = 8

// OneTimePad はQKD鍵素材とのXORによるワンタイムパッド暗号。
// 鍵素材は1回の操作でのみ使用し、使用後すぐに消去する。
type OneTimePad struct {
	keys KeySource
	now  func() time.Time
}

// NewOneTimePad は新しいOneTimePadを生成する。
func NewOneTimePad(keys KeySource) *OneTimePad {
	return &OneTimePad{keys: keys, now: time.Now}
}

// Tier はセキュリティレベルを返す。
func (p *OneTimePad) Tier() domain.SecurityTier {
	return domain.TierQuantumSecure
}

// Encrypt は平文長以上のワンタイムパッド鍵を取得してXORする。
func (p *OneTimePad) Encrypt(ctx context.Context, plaintext []byte, opts domain.CryptoOptions) (*domain.EncryptedPayload, error) {
	sizeBits := max(len(plaintext)*8, minOTPBits)
	keys, err := p.keys.RequestOTPKeys(ctx, opts.PeerEntityID, 1, sizeBits)
	if err != nil {
		return nil, fmt.Errorf("requesting one-time pad: %w", err)
	}
	if len(keys) != 1 {
		for _, k := range keys {
			domain.Wipe(k.Material)
		}
		return nil, fmt.Errorf("%w: key manager returned %d pads", domain.ErrInvalidKeyCount, len(keys))
	}
	key := keys[0]
	defer domain.Wipe(key.Material)

	if key.Kind != domain.KeyKindOneTimePad {
		return nil, fmt.Errorf("%w: key %s has kind %q", domain.ErrInvalidPayload, key.KeyID, key.Kind)
	}
	if len(key.Material) < len(plaintext) {
		return nil, fmt.Errorf("%w: pad %d bytes, plaintext %d bytes", domain.ErrKeyTooShort, len(key.Material), len(plaintext))
	}

	ciphertext := make([]byte, len(plaintext))
	subtle.XORBytes(ciphertext, plaintext, key.Material[:len(plaintext)])

	return &domain.EncryptedPayload{
		Ciphertext: ciphertext,
		Tier:       domain.TierQuantumSecure,
		Algorithm:  domain.AlgorithmOTP,
		KeyID:      key.KeyID,
		Origin:     key.OwnerEntityID,
		CreatedAt:  p.now().UTC(),
	}, nil
}

// Decrypt は鍵IDで同じパッドを取得して再度XORする。
// 鍵の取得は既存レコードの参照であり、鍵を再消費しない。
func (p *OneTimePad) Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error) {
	if err := checkPayload(payload, domain.TierQuantumSecure, domain.AlgorithmOTP); err != nil {
		return nil, err
	}
	if payload.KeyID == "" {
		return nil, fmt.Errorf("%w: missing key_id", domain.ErrInvalidPayload)
	}

	key, err := p.keys.FetchKey(ctx, payload.Origin, payload.KeyID)
	if err != nil {
		return nil, fmt.Errorf("fetching one-time pad %s: %w", payload.KeyID, err)
	}
	defer domain.Wipe(key.Material)

	if key.Kind != domain.KeyKindOneTimePad {
		return nil, fmt.Errorf("%w: key %s has kind %q", domain.ErrInvalidPayload, key.KeyID, key.Kind)
	}
	if len(key.Material) < len(payload.Ciphertext) {
		return nil, fmt.Errorf("%w: pad %d bytes, ciphertext %d bytes", domain.ErrKeyTooShort, len(key.Material), len(payload.Ciphertext))
	}

	plaintext := make([]byte, len(payload.Ciphertext))
	subtle.XORBytes(plaintext, payload.Ciphertext, key.Material[:len(payload.Ciphertext)])
	return plaintext, nil
}
