package usecase

import (
	"context"
	"errors"
	"testing"

	"qkd-mail-crypto/internal/domain"
)

func TestNewSecurityService(t *testing.T) {
	if _, err := NewSecurityService(domain.TierStandard); !errors.Is(err, domain.ErrInvalidTierForOperation) {
		t.Errorf("no providers: error = %v, want ErrInvalidTierForOperation", err)
	}

	p := newFakeProvider(domain.TierStandard)
	if _, err := NewSecurityService(domain.TierStandard, p, p); err == nil {
		t.Error("duplicate providers: expected error")
	}
}

func TestSecurityService_DefaultTier(t *testing.T) {
	svc, err := NewSecurityService(domain.TierQuantumAided, asProviders(fakeProviders())...)
	if err != nil {
		t.Fatalf("NewSecurityService() error = %v", err)
	}

	payload, err := svc.Encrypt(context.Background(), []byte("x"), "", domain.CryptoOptions{})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if payload.Tier != domain.TierQuantumAided {
		t.Errorf("Tier = %q, want quantum_aided", payload.Tier)
	}

	if err := svc.SetDefaultTier(domain.TierQuantumSecure); err != nil {
		t.Fatalf("SetDefaultTier() error = %v", err)
	}
	if got := svc.DefaultTier(); got != domain.TierQuantumSecure {
		t.Errorf("DefaultTier() = %q, want quantum_secure", got)
	}
	if err := svc.SetDefaultTier("bogus"); !errors.Is(err, domain.ErrInvalidTierForOperation) {
		t.Errorf("SetDefaultTier(bogus) error = %v, want ErrInvalidTierForOperation", err)
	}
	if got := svc.DefaultTier(); got != domain.TierQuantumSecure {
		t.Errorf("DefaultTier() after invalid set = %q, want quantum_secure", got)
	}
}

func TestSecurityService_DecryptDispatchesByPayloadTier(t *testing.T) {
	ctx := context.Background()
	fakes := fakeProviders()
	svc, err := NewSecurityService(domain.TierStandard, asProviders(fakes)...)
	if err != nil {
		t.Fatalf("NewSecurityService() error = %v", err)
	}

	for _, tier := range domain.AllTiers() {
		payload, err := svc.Encrypt(ctx, []byte("hello"), tier, domain.CryptoOptions{})
		if err != nil {
			t.Fatalf("Encrypt(%s) error = %v", tier, err)
		}
		got, err := svc.Decrypt(ctx, payload)
		if err != nil {
			t.Fatalf("Decrypt(%s) error = %v", tier, err)
		}
		if string(got) != "hello" {
			t.Errorf("Decrypt(%s) = %q, want hello", tier, got)
		}
	}
	for _, tier := range domain.AllTiers() {
		if n := fakes[tier].calls.Load(); n != 1 {
			t.Errorf("%s provider calls = %d, want 1", tier, n)
		}
	}
}

func TestSecurityService_DecryptRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	svc, err := NewSecurityService(domain.TierStandard, asProviders(fakeProviders())...)
	if err != nil {
		t.Fatalf("NewSecurityService() error = %v", err)
	}

	tests := []struct {
		name    string
		payload *domain.EncryptedPayload
		wantErr error
	}{
		{"nil", nil, domain.ErrInvalidPayload},
		{"unknown tier", &domain.EncryptedPayload{Tier: "bogus"}, domain.ErrInvalidTierForOperation},
		{"algorithm mismatch", &domain.EncryptedPayload{Tier: domain.TierQuantumSecure, Algorithm: domain.AlgorithmStandard}, domain.ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Decrypt(ctx, tt.payload); !errors.Is(err, tt.wantErr) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecurityService_ErrorsPassThrough(t *testing.T) {
	fakes := fakeProviders()
	fakes[domain.TierQuantumSecure].encryptErr = func([]byte) error {
		return &domain.InsufficientKeysError{Available: 0, Requested: 1}
	}
	svc, err := NewSecurityService(domain.TierStandard, asProviders(fakes)...)
	if err != nil {
		t.Fatalf("NewSecurityService() error = %v", err)
	}

	_, err = svc.Encrypt(context.Background(), []byte("x"), domain.TierQuantumSecure, domain.CryptoOptions{})
	var insufficient *domain.InsufficientKeysError
	if !errors.As(err, &insufficient) {
		t.Errorf("error = %v, want InsufficientKeysError", err)
	}
}

func TestSecurityService_Describe(t *testing.T) {
	svc, err := NewSecurityService(domain.TierStandard, asProviders(fakeProviders())...)
	if err != nil {
		t.Fatalf("NewSecurityService() error = %v", err)
	}

	info, err := svc.Describe(domain.TierQuantumSecure)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if !info.QuantumResistant || !info.RequiresKeyManager {
		t.Errorf("quantum_secure info = %+v", info)
	}

	info, err = svc.Describe(domain.TierStandard)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if info.QuantumResistant || info.RequiresKeyManager {
		t.Errorf("standard info = %+v", info)
	}

	tiers := svc.Tiers()
	if len(tiers) != 4 || tiers[0] != domain.TierQuantumSecure || tiers[3] != domain.TierStandard {
		t.Errorf("Tiers() = %v", tiers)
	}
}
