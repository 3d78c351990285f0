package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qkd-mail-crypto/internal/domain"
)

// seedPool はテスト用に利用可能な鍵を n 件登録する。
func seedPool(t *testing.T, store *MemoryKeyStore, n int, kind domain.KeyKind, sizeBits int) []*domain.KeyRecord {
	t.Helper()
	records := make([]*domain.KeyRecord, n)
	for i := 0; i < n; i++ {
		rec, err := store.Allocate(context.Background(), domain.AllocateRequest{
			Kind:          kind,
			SizeBits:      sizeBits,
			OwnerEntityID: "sae-alice",
			PeerEntityID:  "sae-bob",
		})
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		records[i] = rec
	}
	return records
}

func TestMemoryKeyStore_Allocate(t *testing.T) {
	store := NewMemoryKeyStore()

	rec, err := store.Allocate(context.Background(), domain.AllocateRequest{
		Kind:     domain.KeyKindOneTimePad,
		SizeBits: 256,
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if rec.KeyID == "" {
		t.Error("expected key ID to be generated")
	}
	if len(rec.Material) != 32 {
		t.Errorf("expected 32 bytes of material, got %d", len(rec.Material))
	}
	if rec.State != domain.KeyStateAvailable {
		t.Errorf("expected state=available, got %s", rec.State)
	}

	// 不正なサイズ
	if _, err := store.Allocate(context.Background(), domain.AllocateRequest{Kind: domain.KeyKindOneTimePad}); !errors.Is(err, domain.ErrInvalidKeySize) {
		t.Errorf("want ErrInvalidKeySize, got %v", err)
	}
}

func TestMemoryKeyStore_Reserve(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	seedPool(t, store, 3, domain.KeyKindOneTimePad, 256)
	seedPool(t, store, 2, domain.KeyKindEncryption, 256)

	keys, err := store.Reserve(ctx, domain.ReserveRequest{Count: 2, Kind: domain.KeyKindOneTimePad, MinSizeBits: 128})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.State != domain.KeyStateConsumed {
			t.Errorf("expected state=consumed, got %s", k.State)
		}
		if k.Kind != domain.KeyKindOneTimePad {
			t.Errorf("expected kind=one_time_pad, got %s", k.Kind)
		}
	}

	// 使用済みの鍵は再び予約されない
	keys2, err := store.Reserve(ctx, domain.ReserveRequest{Count: 1, Kind: domain.KeyKindOneTimePad, MinSizeBits: 128})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	for _, k := range keys {
		if k.KeyID == keys2[0].KeyID {
			t.Errorf("key %s reserved twice", k.KeyID)
		}
	}
}

func TestMemoryKeyStore_Reserve_Insufficient(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	seeded := seedPool(t, store, 3, domain.KeyKindOneTimePad, 256)

	_, err := store.Reserve(ctx, domain.ReserveRequest{Count: 5, Kind: domain.KeyKindOneTimePad, MinSizeBits: 256})
	var insufficient *domain.InsufficientKeysError
	if !errors.As(err, &insufficient) {
		t.Fatalf("want InsufficientKeysError, got %v", err)
	}
	if insufficient.Available != 3 || insufficient.Requested != 5 {
		t.Errorf("want available=3 requested=5, got available=%d requested=%d", insufficient.Available, insufficient.Requested)
	}
	if !errors.Is(err, domain.ErrInsufficientKeys) {
		t.Error("expected errors.Is(err, ErrInsufficientKeys)")
	}

	// 既存の3件は変更されていない
	for _, rec := range seeded {
		got, err := store.Lookup(ctx, rec.KeyID)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if got.State != domain.KeyStateAvailable {
			t.Errorf("key %s: expected state=available, got %s", rec.KeyID, got.State)
		}
	}
}

func TestMemoryKeyStore_Reserve_FiltersPeerAndSize(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	seedPool(t, store, 2, domain.KeyKindEncryption, 128)

	_, err := store.Reserve(ctx, domain.ReserveRequest{Count: 1, Kind: domain.KeyKindEncryption, MinSizeBits: 256})
	if !errors.Is(err, domain.ErrInsufficientKeys) {
		t.Errorf("want ErrInsufficientKeys for undersized keys, got %v", err)
	}

	_, err = store.Reserve(ctx, domain.ReserveRequest{Count: 1, Kind: domain.KeyKindEncryption, MinSizeBits: 128, PeerEntityID: "sae-carol"})
	if !errors.Is(err, domain.ErrInsufficientKeys) {
		t.Errorf("want ErrInsufficientKeys for other peer, got %v", err)
	}

	if _, err := store.Reserve(ctx, domain.ReserveRequest{Count: 0, Kind: domain.KeyKindEncryption}); !errors.Is(err, domain.ErrInvalidKeyCount) {
		t.Errorf("want ErrInvalidKeyCount, got %v", err)
	}
}

func TestMemoryKeyStore_Reserve_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	seedPool(t, store, 50, domain.KeyKindOneTimePad, 256)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
		seen         = make(map[string]int)
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys, err := store.Reserve(ctx, domain.ReserveRequest{Count: 1, Kind: domain.KeyKindOneTimePad, MinSizeBits: 256})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrInsufficientKeys) {
				insufficient++
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			successes++
			for _, k := range keys {
				seen[k.KeyID]++
			}
		}()
	}
	wg.Wait()

	if successes != 50 {
		t.Errorf("expected 50 successes, got %d", successes)
	}
	if insufficient != 50 {
		t.Errorf("expected 50 insufficient, got %d", insufficient)
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("key %s allocated %d times", id, n)
		}
	}
}

func TestMemoryKeyStore_Reserve_ConcurrentBatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	seedPool(t, store, 30, domain.KeyKindOneTimePad, 256)

	// 需要と在庫が等しいので、複数件の予約同士が重なっても全件成功する
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < 20; i++ {
		count := 1
		if i%2 == 0 {
			count = 2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys, err := store.Reserve(ctx, domain.ReserveRequest{Count: count, Kind: domain.KeyKindOneTimePad, MinSizeBits: 256})
			if err != nil {
				t.Errorf("Reserve(count=%d) failed: %v", count, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, k := range keys {
				seen[k.KeyID]++
			}
		}()
	}
	wg.Wait()

	if len(seen) != 30 {
		t.Errorf("expected 30 distinct keys, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("key %s reserved %d times", id, n)
		}
	}

	_, err := store.Reserve(ctx, domain.ReserveRequest{Count: 2, Kind: domain.KeyKindOneTimePad, MinSizeBits: 256})
	var insufficient *domain.InsufficientKeysError
	if !errors.As(err, &insufficient) || insufficient.Available != 0 {
		t.Errorf("want InsufficientKeysError with available=0, got %v", err)
	}
}

func TestMemoryKeyStore_Expire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	seeded := seedPool(t, store, 2, domain.KeyKindEncryption, 256)

	if err := store.Expire(ctx, seeded[0].KeyID); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	got, _ := store.Lookup(ctx, seeded[0].KeyID)
	if got.State != domain.KeyStateExpired {
		t.Errorf("expected state=expired, got %s", got.State)
	}

	// 使用済みの鍵の失効は何もしない
	consumed, err := store.Reserve(ctx, domain.ReserveRequest{Count: 1, Kind: domain.KeyKindEncryption, MinSizeBits: 256})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.Expire(ctx, consumed[0].KeyID); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	got, _ = store.Lookup(ctx, consumed[0].KeyID)
	if got.State != domain.KeyStateConsumed {
		t.Errorf("expected state=consumed, got %s", got.State)
	}

	if err := store.Expire(ctx, "missing"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestMemoryKeyStore_ExpireIssuedBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	store.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	seedPool(t, store, 3, domain.KeyKindOneTimePad, 64)
	store.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	seedPool(t, store, 1, domain.KeyKindOneTimePad, 64)

	n, err := store.ExpireIssuedBefore(ctx, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ExpireIssuedBefore failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 expired, got %d", n)
	}
	count, _ := store.CountAvailable(ctx, domain.ReserveRequest{Kind: domain.KeyKindOneTimePad})
	if count != 1 {
		t.Errorf("expected 1 available, got %d", count)
	}
}

func TestMemoryKeyStore_Import(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	rec := &domain.KeyRecord{
		KeyID:    "b8f7b2a2-0000-4000-8000-000000000001",
		Material: make([]byte, 32),
		SizeBits: 256,
		Kind:     domain.KeyKindEncryption,
		State:    domain.KeyStateConsumed,
	}
	if err := store.Import(ctx, rec); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if err := store.Import(ctx, rec); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Errorf("want ErrDuplicateKey, got %v", err)
	}

	got, err := store.Lookup(ctx, rec.KeyID)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.State != domain.KeyStateConsumed {
		t.Errorf("expected state=consumed, got %s", got.State)
	}

	short := &domain.KeyRecord{KeyID: "short", Material: make([]byte, 2), SizeBits: 256, Kind: domain.KeyKindOneTimePad}
	if err := store.Import(ctx, short); !errors.Is(err, domain.ErrInvalidKeySize) {
		t.Errorf("want ErrInvalidKeySize, got %v", err)
	}
}
