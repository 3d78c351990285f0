package provider

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"qkd-mail-crypto/internal/domain"
)

// PostQuantum はML-KEM-768のカプセル化鍵によるAES-256-GCM暗号。
type PostQuantum struct {
	scheme      kem.Scheme
	ring        *keyRing[kem.PrivateKey]
	defaultPeer string
	now         func() time.Time
}

// NewPostQuantum は鍵ペアを1つ生成したPostQuantumを返す。
// defaultPeerID は CryptoOptions で相手先が指定されない場合の受信側SAE。
func NewPostQuantum(defaultPeerID string) (*PostQuantum, error) {
	p := &PostQuantum{
		scheme:      mlkem768.Scheme(),
		ring:        newKeyRing[kem.PrivateKey](),
		defaultPeer: defaultPeerID,
		now:         time.Now,
	}
	if err := p.RotateKeypair(); err != nil {
		return nil, err
	}
	return p, nil
}

// Tier はセキュリティレベルを返す。
func (p *PostQuantum) Tier() domain.SecurityTier {
	return domain.TierPostQuantum
}

// RotateKeypair は新しい鍵ペアを生成して現在の鍵にする。以前の秘密鍵は復号用に保持する。
func (p *PostQuantum) RotateKeypair() error {
	pk, sk, err := p.scheme.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating ML-KEM keypair: %w", err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling ML-KEM public key: %w", err)
	}
	p.ring.addLocal(pub, sk)
	return nil
}

// PublicKey は現在の公開鍵を返す。
func (p *PostQuantum) PublicKey() []byte {
	return p.ring.currentPublic()
}

// RegisterPeer は相手先SAEの公開鍵を登録する。
func (p *PostQuantum) RegisterPeer(peerID string, pub []byte) error {
	if peerID == "" {
		return domain.ErrInvalidSAEID
	}
	if _, err := p.scheme.UnmarshalBinaryPublicKey(pub); err != nil {
		return fmt.Errorf("%w: invalid ML-KEM public key: %v", domain.ErrInvalidPayload, err)
	}
	p.ring.setPeer(peerID, pub)
	return nil
}

// Encrypt は受信者の公開鍵に共有秘密をカプセル化し、導出鍵で暗号化する。
func (p *PostQuantum) Encrypt(_ context.Context, plaintext []byte, opts domain.CryptoOptions) (*domain.EncryptedPayload, error) {
	recipient, err := p.ring.recipient(peerOf(opts, p.defaultPeer), opts.ToSelf)
	if err != nil {
		return nil, err
	}
	pk, err := p.scheme.UnmarshalBinaryPublicKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("loading recipient public key: %w", err)
	}

	ct, ss, err := p.scheme.Encapsulate(pk)
	if err != nil {
		return nil, fmt.Errorf("encapsulating: %w", err)
	}
	defer domain.Wipe(ss)

	salt := sha256.Sum256(ct)
	key, err := deriveSHA512(ss, salt[:], infoPostQuantum)
	if err != nil {
		return nil, err
	}
	defer domain.Wipe(key)

	aad := associatedData(domain.TierPostQuantum, domain.AlgorithmPostQuantum, "")
	nonce, ciphertext, err := seal(newAESGCM, key, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}

	return &domain.EncryptedPayload{
		Ciphertext: ciphertext,
		Tier:       domain.TierPostQuantum,
		Algorithm:  domain.AlgorithmPostQuantum,
		Auxiliary: domain.Auxiliary{
			IV:              nonce,
			PublicKey:       recipient,
			EncapsulatedKey: ct,
		},
		CreatedAt: p.now().UTC(),
	}, nil
}

// Decrypt は受信者の秘密鍵でカプセル化鍵を開き、復号する。
func (p *PostQuantum) Decrypt(_ context.Context, payload *domain.EncryptedPayload) ([]byte, error) {
	if err := checkPayload(payload, domain.TierPostQuantum, domain.AlgorithmPostQuantum); err != nil {
		return nil, err
	}
	ct := payload.Auxiliary.EncapsulatedKey
	if len(ct) != p.scheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: encapsulated key %d bytes, want %d", domain.ErrInvalidPayload, len(ct), p.scheme.CiphertextSize())
	}

	sk, err := p.ring.local(payload.Auxiliary.PublicKey)
	if err != nil {
		return nil, err
	}

	ss, err := p.scheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: decapsulating: %v", domain.ErrIntegrityFailure, err)
	}
	defer domain.Wipe(ss)

	salt := sha256.Sum256(ct)
	key, err := deriveSHA512(ss, salt[:], infoPostQuantum)
	if err != nil {
		return nil, err
	}
	defer domain.Wipe(key)

	aad := associatedData(domain.TierPostQuantum, domain.AlgorithmPostQuantum, "")
	return open(newAESGCM, key, payload.Auxiliary.IV, payload.Ciphertext, aad)
}
