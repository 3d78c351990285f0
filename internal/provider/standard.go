package provider

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"time"

	"qkd-mail-crypto/internal/domain"
)

// Standard はX25519の一時鍵交換とChaCha20-Poly1305による従来型暗号。
type Standard struct {
	curve       ecdh.Curve
	ring        *keyRing[*ecdh.PrivateKey]
	defaultPeer string
	now         func() time.Time
}

// NewStandard は鍵ペアを1つ生成したStandardを返す。
// defaultPeerID は CryptoOptions で相手先が指定されない場合の受信側SAE。
func NewStandard(defaultPeerID string) (*Standard, error) {
	p := &Standard{
		curve:       ecdh.X25519(),
		ring:        newKeyRing[*ecdh.PrivateKey](),
		defaultPeer: defaultPeerID,
		now:         time.Now,
	}
	if err := p.RotateKeypair(); err != nil {
		return nil, err
	}
	return p, nil
}

// Tier はセキュリティレベルを返す。
func (p *Standard) Tier() domain.SecurityTier {
	return domain.TierStandard
}

// RotateKeypair は新しい鍵ペアを生成して現在の鍵にする。以前の秘密鍵は復号用に保持する。
func (p *Standard) RotateKeypair() error {
	priv, err := p.curve.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating X25519 keypair: %w", err)
	}
	p.ring.addLocal(priv.PublicKey().Bytes(), priv)
	return nil
}

// PublicKey は現在の公開鍵を返す。
func (p *Standard) PublicKey() []byte {
	return p.ring.currentPublic()
}

// RegisterPeer は相手先SAEの公開鍵を登録する。
func (p *Standard) RegisterPeer(peerID string, pub []byte) error {
	if peerID == "" {
		return domain.ErrInvalidSAEID
	}
	if _, err := p.curve.NewPublicKey(pub); err != nil {
		return fmt.Errorf("%w: invalid X25519 public key: %v", domain.ErrInvalidPayload, err)
	}
	p.ring.setPeer(peerID, pub)
	return nil
}

func (p *Standard) deriveKey(shared, ephemeral, recipient []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeral)+len(recipient))
	salt = append(salt, ephemeral...)
	salt = append(salt, recipient...)
	return deriveSHA256(shared, salt, infoStandard)
}

// Encrypt は一時鍵ペアで受信者と鍵交換し、導出鍵で暗号化する。
func (p *Standard) Encrypt(_ context.Context, plaintext []byte, opts domain.CryptoOptions) (*domain.EncryptedPayload, error) {
	recipient, err := p.ring.recipient(peerOf(opts, p.defaultPeer), opts.ToSelf)
	if err != nil {
		return nil, err
	}
	pub, err := p.curve.NewPublicKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("loading recipient public key: %w", err)
	}

	eph, err := p.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	shared, err := eph.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	defer domain.Wipe(shared)

	ephPub := eph.PublicKey().Bytes()
	key, err := p.deriveKey(shared, ephPub, recipient)
	if err != nil {
		return nil, err
	}
	defer domain.Wipe(key)

	aad := associatedData(domain.TierStandard, domain.AlgorithmStandard, "")
	nonce, ciphertext, err := seal(newChaCha, key, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}

	return &domain.EncryptedPayload{
		Ciphertext: ciphertext,
		Tier:       domain.TierStandard,
		Algorithm:  domain.AlgorithmStandard,
		Auxiliary: domain.Auxiliary{
			IV:              nonce,
			PublicKey:       recipient,
			EncapsulatedKey: ephPub,
		},
		CreatedAt: p.now().UTC(),
	}, nil
}

// Decrypt は受信者の秘密鍵と一時公開鍵で鍵交換し、復号する。
func (p *Standard) Decrypt(_ context.Context, payload *domain.EncryptedPayload) ([]byte, error) {
	if err := checkPayload(payload, domain.TierStandard, domain.AlgorithmStandard); err != nil {
		return nil, err
	}
	ephPub, err := p.curve.NewPublicKey(payload.Auxiliary.EncapsulatedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ephemeral key: %v", domain.ErrInvalidPayload, err)
	}

	priv, err := p.ring.local(payload.Auxiliary.PublicKey)
	if err != nil {
		return nil, err
	}

	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", domain.ErrIntegrityFailure, err)
	}
	defer domain.Wipe(shared)

	key, err := p.deriveKey(shared, payload.Auxiliary.EncapsulatedKey, payload.Auxiliary.PublicKey)
	if err != nil {
		return nil, err
	}
	defer domain.Wipe(key)

	aad := associatedData(domain.TierStandard, domain.AlgorithmStandard, "")
	return open(newChaCha, key, payload.Auxiliary.IV, payload.Ciphertext, aad)
}
