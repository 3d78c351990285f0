// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"crypto/rand"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"qkd-mail-crypto/internal/domain"
)

// スロット状態。claiming は予約処理中の一時状態で外部には available として見える。
const (
	slotAvailable int32 = iota
	slotClaiming
	slotConsumed
	slotExpired
)

type keySlot struct {
	record *domain.KeyRecord
	state  atomic.Int32
}

func (s *keySlot) snapshot() *domain.KeyRecord {
	c := s.record.Clone()
	c.State = stateOf(s.state.Load())
	return c
}

func stateOf(v int32) domain.KeyState {
	switch v {
	case slotConsumed:
		return domain.KeyStateConsumed
	case slotExpired:
		return domain.KeyStateExpired
	default:
		return domain.KeyStateAvailable
	}
}

func slotOf(s domain.KeyState) int32 {
	switch s {
	case domain.KeyStateConsumed:
		return slotConsumed
	case domain.KeyStateExpired:
		return slotExpired
	default:
		return slotAvailable
	}
}

// MemoryKeyStore はメモリ上の鍵ストア。
// スロット配列は追記のみで、状態遷移はスロットごとのCASで行う。
type MemoryKeyStore struct {
	mu sync.RWMutex
	// batchMu は複数件の予約同士を直列化する。1件の予約はCASだけで行う。
	batchMu sync.Mutex
	slots   []*keySlot
	index   map[string]*keySlot
	now     func() time.Time
}

// NewMemoryKeyStore は新しいMemoryKeyStoreを生成する。
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		index: make(map[string]*keySlot),
		now:   time.Now,
	}
}

func (m *MemoryKeyStore) snapshotSlots() []*keySlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots
}

func (m *MemoryKeyStore) insert(records ...*domain.KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if _, exists := m.index[rec.KeyID]; exists {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, rec.KeyID)
		}
	}
	for _, rec := range records {
		slot := &keySlot{record: rec.Clone()}
		slot.state.Store(slotOf(rec.State))
		m.slots = append(m.slots, slot)
		m.index[rec.KeyID] = slot
	}
	return nil
}

// Allocate は新しい鍵素材を生成して登録する。
func (m *MemoryKeyStore) Allocate(ctx context.Context, req domain.AllocateRequest) (*domain.KeyRecord, error) {
	rec, err := newKeyRecord(req, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.insert(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Import はKMから払い出された鍵を指定された状態のまま登録する。
func (m *MemoryKeyStore) Import(ctx context.Context, records ...*domain.KeyRecord) error {
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("importing key %s: %w", rec.KeyID, err)
		}
	}
	return m.insert(records...)
}

// reserveAttempts は他の予約と競合して件数が揃わなかった場合の試行回数。
const reserveAttempts = 2

// Reserve は条件に合う利用可能な鍵を count 件まとめて使用済みにする。
// 件数に満たない場合は何も変更せず InsufficientKeysError を返す。
func (m *MemoryKeyStore) Reserve(ctx context.Context, req domain.ReserveRequest) ([]*domain.KeyRecord, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidKeyCount, req.Count)
	}
	if req.Count > 1 {
		m.batchMu.Lock()
		defer m.batchMu.Unlock()
	}

	for attempt := 1; ; attempt++ {
		records, available := m.tryReserve(req)
		if records != nil {
			return records, nil
		}
		if available < req.Count || attempt == reserveAttempts {
			n, _ := m.CountAvailable(ctx, req)
			return nil, &domain.InsufficientKeysError{Available: n, Requested: req.Count}
		}
		runtime.Gosched()
	}
}

// tryReserve は候補をCASで確保する。件数が揃わなければ確保した分を戻し、nil と候補数を返す。
func (m *MemoryKeyStore) tryReserve(req domain.ReserveRequest) ([]*domain.KeyRecord, int) {
	var candidates []*keySlot
	for _, slot := range m.snapshotSlots() {
		if slot.state.Load() == slotAvailable && req.Matches(slot.record) {
			candidates = append(candidates, slot)
		}
	}
	if len(candidates) < req.Count {
		return nil, len(candidates)
	}

	claimed := make([]*keySlot, 0, req.Count)
	for _, slot := range candidates {
		if slot.state.CompareAndSwap(slotAvailable, slotClaiming) {
			claimed = append(claimed, slot)
			if len(claimed) == req.Count {
				break
			}
		}
	}
	if len(claimed) < req.Count {
		for _, slot := range claimed {
			slot.state.Store(slotAvailable)
		}
		return nil, len(candidates)
	}

	records := make([]*domain.KeyRecord, len(claimed))
	for i, slot := range claimed {
		slot.state.Store(slotConsumed)
		records[i] = slot.snapshot()
	}
	return records, len(candidates)
}

// Lookup は鍵IDで鍵を取得する。
func (m *MemoryKeyStore) Lookup(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	m.mu.RLock()
	slot, ok := m.index[keyID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	return slot.snapshot(), nil
}

// Expire は利用可能な鍵を失効させる。使用済みの鍵に対しては何もしない。
func (m *MemoryKeyStore) Expire(ctx context.Context, keyID string) error {
	m.mu.RLock()
	slot, ok := m.index[keyID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	expireSlot(slot)
	return nil
}

func expireSlot(slot *keySlot) bool {
	for {
		switch slot.state.Load() {
		case slotAvailable:
			if slot.state.CompareAndSwap(slotAvailable, slotExpired) {
				return true
			}
		case slotClaiming:
			runtime.Gosched()
		default:
			return false
		}
	}
}

// ExpireIssuedBefore は cutoff より前に発行された利用可能な鍵を失効させ、件数を返す。
func (m *MemoryKeyStore) ExpireIssuedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	for _, slot := range m.snapshotSlots() {
		if slot.record.IssuedAt.Before(cutoff) && expireSlot(slot) {
			n++
		}
	}
	return n, nil
}

// CountAvailable は条件に合う利用可能な鍵の件数を返す。Count は無視する。
func (m *MemoryKeyStore) CountAvailable(ctx context.Context, filter domain.ReserveRequest) (int, error) {
	n := 0
	for _, slot := range m.snapshotSlots() {
		if slot.state.Load() == slotAvailable && filter.Matches(slot.record) {
			n++
		}
	}
	return n, nil
}

// newKeyRecord は乱数から鍵素材を生成する。
func newKeyRecord(req domain.AllocateRequest, now time.Time) (*domain.KeyRecord, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("unknown key kind %q", req.Kind)
	}
	if req.SizeBits <= 0 {
		return nil, fmt.Errorf("%w: %d bits", domain.ErrInvalidKeySize, req.SizeBits)
	}
	material := make([]byte, (req.SizeBits+7)/8)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return &domain.KeyRecord{
		KeyID:         uuid.New().String(),
		Material:      material,
		SizeBits:      req.SizeBits,
		Kind:          req.Kind,
		IssuedAt:      now.UTC(),
		State:         domain.KeyStateAvailable,
		OwnerEntityID: req.OwnerEntityID,
		PeerEntityID:  req.PeerEntityID,
	}, nil
}
