package provider

import (
	"context"
	"fmt"
	"time"

	"qkd-mail-crypto/internal/domain"
)

// SeedBits は量子シードのサイズ。
const SeedBits = 256

// QuantumAided はQKDシードからHKDFで導出した鍵によるAES-256-GCM暗号。
type QuantumAided struct {
	keys KeySource
	now  func() time.Time
}

// NewQuantumAided は新しいQuantumAidedを生成する。
func NewQuantumAided(keys KeySource) *QuantumAided {
	return &QuantumAided{keys: keys, now: time.Now}
}

// Tier はセキュリティレベルを返す。
func (p *QuantumAided) Tier() domain.SecurityTier {
	return domain.TierQuantumAided
}

func (p *QuantumAided) deriveKey(seed *domain.KeyRecord) ([]byte, error) {
	if seed.Kind != domain.KeyKindEncryption {
		return nil, fmt.Errorf("%w: key %s has kind %q", domain.ErrInvalidPayload, seed.KeyID, seed.Kind)
	}
	if len(seed.Material)*8 < SeedBits {
		return nil, fmt.Errorf("%w: seed %d bits", domain.ErrKeyTooShort, len(seed.Material)*8)
	}
	return deriveSHA512(seed.Material[:SeedBits/8], []byte(seed.KeyID), infoQuantumAided)
}

// Encrypt は量子シードを取得し、導出鍵で暗号化する。
func (p *QuantumAided) Encrypt(ctx context.Context, plaintext []byte, opts domain.CryptoOptions) (*domain.EncryptedPayload, error) {
	seed, err := p.keys.RequestEncryptionKey(ctx, opts.PeerEntityID, SeedBits)
	if err != nil {
		return nil, fmt.Errorf("requesting quantum seed: %w", err)
	}
	defer domain.Wipe(seed.Material)

	key, err := p.deriveKey(seed)
	if err != nil {
		return nil, err
	}
	defer domain.Wipe(key)

	aad := associatedData(domain.TierQuantumAided, domain.AlgorithmQuantumAided, seed.KeyID)
	nonce, ciphertext, err := seal(newAESGCM, key, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}

	return &domain.EncryptedPayload{
		Ciphertext: ciphertext,
		Tier:       domain.TierQuantumAided,
		Algorithm:  domain.AlgorithmQuantumAided,
		KeyID:      seed.KeyID,
		Origin:     seed.OwnerEntityID,
		Auxiliary:  domain.Auxiliary{IV: nonce},
		CreatedAt:  p.now().UTC(),
	}, nil
}

// Decrypt は鍵IDでシードを再取得して同じ鍵を導出し、復号する。
func (p *QuantumAided) Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error) {
	if err := checkPayload(payload, domain.TierQuantumAided, domain.AlgorithmQuantumAided); err != nil {
		return nil, err
	}
	if payload.KeyID == "" {
		return nil, fmt.Errorf("%w: missing key_id", domain.ErrInvalidPayload)
	}

	seed, err := p.keys.FetchKey(ctx, payload.Origin, payload.KeyID)
	if err != nil {
		return nil, fmt.Errorf("fetching quantum seed %s: %w", payload.KeyID, err)
	}
	defer domain.Wipe(seed.Material)

	key, err := p.deriveKey(seed)
	if err != nil {
		return nil, err
	}
	defer domain.Wipe(key)

	aad := associatedData(domain.TierQuantumAided, domain.AlgorithmQuantumAided, payload.KeyID)
	return open(newAESGCM, key, payload.Auxiliary.IV, payload.Ciphertext, aad)
}
