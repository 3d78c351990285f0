package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"qkd-mail-crypto/internal/domain"
)

// fakeProvider はテスト用の暗号プロバイダ。XORで可逆変換する。
type fakeProvider struct {
	tier       domain.SecurityTier
	encryptErr func(plaintext []byte) error
	mu         sync.Mutex
	decryptErr map[string]error
	seq        atomic.Int64
	calls      atomic.Int64
}

func newFakeProvider(tier domain.SecurityTier) *fakeProvider {
	return &fakeProvider{tier: tier, decryptErr: make(map[string]error)}
}

func (p *fakeProvider) Tier() domain.SecurityTier { return p.tier }

func (p *fakeProvider) Encrypt(ctx context.Context, plaintext []byte, opts domain.CryptoOptions) (*domain.EncryptedPayload, error) {
	p.calls.Add(1)
	if p.encryptErr != nil {
		if err := p.encryptErr(plaintext); err != nil {
			return nil, err
		}
	}
	info, _ := p.tier.Info()
	ct := make([]byte, len(plaintext))
	for i, b := range plaintext {
		ct[i] = b ^ 0x5a
	}
	return &domain.EncryptedPayload{
		Ciphertext: ct,
		Tier:       p.tier,
		Algorithm:  info.Algorithm,
		KeyID:      fmt.Sprintf("%s-%d", p.tier, p.seq.Add(1)),
	}, nil
}

func (p *fakeProvider) Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error) {
	p.mu.Lock()
	err := p.decryptErr[payload.KeyID]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(payload.Ciphertext))
	for i, b := range payload.Ciphertext {
		pt[i] = b ^ 0x5a
	}
	return pt, nil
}

func (p *fakeProvider) failDecrypt(keyID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decryptErr[keyID] = err
}

func fakeProviders() map[domain.SecurityTier]*fakeProvider {
	m := make(map[domain.SecurityTier]*fakeProvider)
	for _, t := range domain.AllTiers() {
		m[t] = newFakeProvider(t)
	}
	return m
}

func asProviders(m map[domain.SecurityTier]*fakeProvider) []CryptoProvider {
	var ps []CryptoProvider
	for _, t := range domain.AllTiers() {
		ps = append(ps, m[t])
	}
	return ps
}
