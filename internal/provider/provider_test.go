package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qkd-mail-crypto/internal/domain"
)

// fakeKeySource はテスト用のインメモリ鍵供給元。
type fakeKeySource struct {
	mu       sync.Mutex
	keys     map[string]*domain.KeyRecord
	seq      int
	shortBy  int
	err      error
	requests int
}

func newFakeKeySource() *fakeKeySource {
	return &fakeKeySource{keys: make(map[string]*domain.KeyRecord)}
}

func (f *fakeKeySource) issue(kind domain.KeyKind, peerID string, sizeBits int) (*domain.KeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	material := make([]byte, sizeBits/8-f.shortBy)
	if _, err := rand.Read(material); err != nil {
		return nil, err
	}
	rec := &domain.KeyRecord{
		KeyID:         fmt.Sprintf("key-%d", f.seq),
		Material:      material,
		SizeBits:      sizeBits,
		Kind:          kind,
		State:         domain.KeyStateConsumed,
		OwnerEntityID: "SAE_A",
		PeerEntityID:  peerID,
	}
	f.keys[rec.KeyID] = rec
	return rec.Clone(), nil
}

func (f *fakeKeySource) RequestEncryptionKey(_ context.Context, peerID string, sizeBits int) (*domain.KeyRecord, error) {
	return f.issue(domain.KeyKindEncryption, peerID, sizeBits)
}

func (f *fakeKeySource) RequestOTPKeys(_ context.Context, peerID string, count, sizeBits int) ([]*domain.KeyRecord, error) {
	keys := make([]*domain.KeyRecord, 0, count)
	for range count {
		k, err := f.issue(domain.KeyKindOneTimePad, peerID, sizeBits)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeKeySource) FetchKey(_ context.Context, _, keyID string) (*domain.KeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return k.Clone(), nil
}

type cryptoProvider interface {
	Tier() domain.SecurityTier
	Encrypt(ctx context.Context, plaintext []byte, opts domain.CryptoOptions) (*domain.EncryptedPayload, error)
	Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error)
}

// testPeer は単体テストで使う既定の相手先SAE。
const testPeer = "SAE_B"

// newLoopback は自分の公開鍵を testPeer として登録した非対称プロバイダを返す。
// 同じインスタンスで暗号化と復号を確かめるために使う。
func newLoopback(t *testing.T) (*PostQuantum, *Standard) {
	t.Helper()
	pq, err := NewPostQuantum(testPeer)
	require.NoError(t, err)
	require.NoError(t, pq.RegisterPeer(testPeer, pq.PublicKey()))
	std, err := NewStandard(testPeer)
	require.NoError(t, err)
	require.NoError(t, std.RegisterPeer(testPeer, std.PublicKey()))
	return pq, std
}

func allProviders(t *testing.T, keys KeySource) []cryptoProvider {
	t.Helper()
	pq, std := newLoopback(t)
	return []cryptoProvider{NewOneTimePad(keys), NewQuantumAided(keys), pq, std}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestProviders_RoundTrip(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()

	inputs := map[string][]byte{
		"empty":  {},
		"single": {0x42},
		"text":   []byte("Quarterly report attached."),
		"large":  randomBytes(t, 1<<20+17),
	}

	for _, p := range allProviders(t, keys) {
		for name, plaintext := range inputs {
			t.Run(string(p.Tier())+"/"+name, func(t *testing.T) {
				payload, err := p.Encrypt(ctx, plaintext, domain.CryptoOptions{PeerEntityID: "SAE_B"})
				require.NoError(t, err)
				assert.Equal(t, p.Tier(), payload.Tier)
				assert.True(t, p.Tier().Supports(payload.Algorithm))
				if len(plaintext) >= 16 {
					assert.False(t, bytes.Equal(plaintext, payload.Ciphertext[:len(plaintext)]))
				}

				got, err := p.Decrypt(ctx, payload)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(plaintext, got), "plaintext mismatch")

				again, err := p.Decrypt(ctx, payload)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(plaintext, again), "second decrypt mismatch")
			})
		}
	}
}

func TestProviders_TamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	pq, std := newLoopback(t)

	for _, p := range []cryptoProvider{NewQuantumAided(keys), pq, std} {
		t.Run(string(p.Tier()), func(t *testing.T) {
			payload, err := p.Encrypt(ctx, []byte("do not modify"), domain.CryptoOptions{})
			require.NoError(t, err)

			payload.Ciphertext[0] ^= 0x01
			_, err = p.Decrypt(ctx, payload)
			require.ErrorIs(t, err, domain.ErrIntegrityFailure)
		})
	}
}

func TestProviders_TamperedMetadata(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	qa := NewQuantumAided(keys)

	payload, err := qa.Encrypt(ctx, []byte("bound to key"), domain.CryptoOptions{})
	require.NoError(t, err)
	other, err := qa.Encrypt(ctx, []byte("another"), domain.CryptoOptions{})
	require.NoError(t, err)

	payload.KeyID = other.KeyID
	_, err = qa.Decrypt(ctx, payload)
	require.ErrorIs(t, err, domain.ErrIntegrityFailure)
}

func TestProviders_WrongTier(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	_, std := newLoopback(t)

	payload, err := std.Encrypt(ctx, []byte("hello"), domain.CryptoOptions{})
	require.NoError(t, err)

	_, err = NewQuantumAided(keys).Decrypt(ctx, payload)
	require.ErrorIs(t, err, domain.ErrInvalidTierForOperation)
}

func TestOneTimePad_KeyConsumedPerOperation(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	otp := NewOneTimePad(keys)

	a, err := otp.Encrypt(ctx, []byte("same"), domain.CryptoOptions{})
	require.NoError(t, err)
	b, err := otp.Encrypt(ctx, []byte("same"), domain.CryptoOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, a.KeyID, b.KeyID)
	assert.Equal(t, 2, keys.requests)
}

func TestOneTimePad_MinimumPadForEmptyPlaintext(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	otp := NewOneTimePad(keys)

	payload, err := otp.Encrypt(ctx, nil, domain.CryptoOptions{})
	require.NoError(t, err)
	assert.Empty(t, payload.Ciphertext)

	rec, err := keys.FetchKey(ctx, "", payload.KeyID)
	require.NoError(t, err)
	assert.Equal(t, 8, rec.SizeBits)
}

func TestOneTimePad_KeyTooShort(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	otp := NewOneTimePad(keys)

	keys.shortBy = 1
	_, err := otp.Encrypt(ctx, []byte("four"), domain.CryptoOptions{})
	require.ErrorIs(t, err, domain.ErrKeyTooShort)
}

func TestOneTimePad_DecryptUnknownKey(t *testing.T) {
	ctx := context.Background()
	otp := NewOneTimePad(newFakeKeySource())

	_, err := otp.Decrypt(ctx, &domain.EncryptedPayload{
		Ciphertext: []byte{1, 2, 3},
		Tier:       domain.TierQuantumSecure,
		Algorithm:  domain.AlgorithmOTP,
		KeyID:      "missing",
	})
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestQuantumAided_KeyManagerFailure(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	keys.err = domain.ErrKeyManagerUnreachable

	_, err := NewQuantumAided(keys).Encrypt(ctx, []byte("x"), domain.CryptoOptions{})
	require.ErrorIs(t, err, domain.ErrKeyManagerUnreachable)
}

func TestAsymmetric_PeerKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("post quantum", func(t *testing.T) {
		alice, err := NewPostQuantum("SAE_B")
		require.NoError(t, err)
		bob, err := NewPostQuantum("SAE_A")
		require.NoError(t, err)

		require.NoError(t, alice.RegisterPeer("SAE_B", bob.PublicKey()))
		payload, err := alice.Encrypt(ctx, []byte("for bob"), domain.CryptoOptions{PeerEntityID: "SAE_B"})
		require.NoError(t, err)
		assert.Equal(t, bob.PublicKey(), payload.Auxiliary.PublicKey)

		got, err := bob.Decrypt(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, []byte("for bob"), got)

		_, err = alice.Decrypt(ctx, payload)
		require.ErrorIs(t, err, domain.ErrKeyNotFound)
	})

	t.Run("standard", func(t *testing.T) {
		alice, err := NewStandard("SAE_B")
		require.NoError(t, err)
		bob, err := NewStandard("SAE_A")
		require.NoError(t, err)

		require.NoError(t, alice.RegisterPeer("SAE_B", bob.PublicKey()))
		payload, err := alice.Encrypt(ctx, []byte("for bob"), domain.CryptoOptions{PeerEntityID: "SAE_B"})
		require.NoError(t, err)

		got, err := bob.Decrypt(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, []byte("for bob"), got)

		_, err = alice.Decrypt(ctx, payload)
		require.ErrorIs(t, err, domain.ErrKeyNotFound)
	})

	t.Run("invalid peer key", func(t *testing.T) {
		std, err := NewStandard(testPeer)
		require.NoError(t, err)
		require.ErrorIs(t, std.RegisterPeer("SAE_B", []byte{1, 2, 3}), domain.ErrInvalidPayload)

		pq, err := NewPostQuantum(testPeer)
		require.NoError(t, err)
		require.ErrorIs(t, pq.RegisterPeer("SAE_B", []byte{1, 2, 3}), domain.ErrInvalidPayload)
		require.ErrorIs(t, pq.RegisterPeer("", pq.PublicKey()), domain.ErrInvalidSAEID)
	})
}

func TestAsymmetric_UnregisteredRecipient(t *testing.T) {
	ctx := context.Background()

	pq, err := NewPostQuantum("SAE_B")
	require.NoError(t, err)
	std, err := NewStandard("SAE_B")
	require.NoError(t, err)
	noDefault, err := NewStandard("")
	require.NoError(t, err)

	for _, p := range []cryptoProvider{pq, std} {
		t.Run(string(p.Tier()), func(t *testing.T) {
			// 未登録の相手先にも既定の相手先にも自分の鍵で暗号化しない
			_, err := p.Encrypt(ctx, []byte("for bob"), domain.CryptoOptions{PeerEntityID: "SAE_NEVER_REGISTERED"})
			require.ErrorIs(t, err, domain.ErrPeerKeyNotRegistered)
			require.ErrorIs(t, err, domain.ErrKeyNotFound)

			_, err = p.Encrypt(ctx, []byte("for bob"), domain.CryptoOptions{})
			require.ErrorIs(t, err, domain.ErrPeerKeyNotRegistered)

			// 明示した場合のみ自分宛てに暗号化する
			payload, err := p.Encrypt(ctx, []byte("note to self"), domain.CryptoOptions{ToSelf: true})
			require.NoError(t, err)
			got, err := p.Decrypt(ctx, payload)
			require.NoError(t, err)
			assert.Equal(t, []byte("note to self"), got)
		})
	}

	_, err = noDefault.Encrypt(ctx, []byte("x"), domain.CryptoOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidSAEID)
}

func TestAsymmetric_RotationKeepsOldKeys(t *testing.T) {
	ctx := context.Background()
	_, std := newLoopback(t)

	before, err := std.Encrypt(ctx, []byte("old"), domain.CryptoOptions{})
	require.NoError(t, err)
	oldPub := std.PublicKey()

	require.NoError(t, std.RotateKeypair())
	assert.NotEqual(t, oldPub, std.PublicKey())
	assert.Equal(t, 2, std.ring.size())

	got, err := std.Decrypt(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)
}

func TestPostQuantum_InvalidEncapsulation(t *testing.T) {
	ctx := context.Background()
	pq, _ := newLoopback(t)

	payload, err := pq.Encrypt(ctx, []byte("x"), domain.CryptoOptions{})
	require.NoError(t, err)

	short := *payload
	short.Auxiliary.EncapsulatedKey = payload.Auxiliary.EncapsulatedKey[:10]
	_, err = pq.Decrypt(ctx, &short)
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	flipped := *payload
	flipped.Auxiliary.EncapsulatedKey = append([]byte(nil), payload.Auxiliary.EncapsulatedKey...)
	flipped.Auxiliary.EncapsulatedKey[0] ^= 0xff
	_, err = pq.Decrypt(ctx, &flipped)
	require.ErrorIs(t, err, domain.ErrIntegrityFailure)
}

func TestProviders_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeySource()
	providers := allProviders(t, keys)

	var wg sync.WaitGroup
	errs := make(chan error, 4*25)
	for _, p := range providers {
		for i := range 25 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				msg := []byte(fmt.Sprintf("message %d", i))
				payload, err := p.Encrypt(ctx, msg, domain.CryptoOptions{})
				if err != nil {
					errs <- err
					return
				}
				got, err := p.Decrypt(ctx, payload)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(msg, got) {
					errs <- fmt.Errorf("%s: mismatch", p.Tier())
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
