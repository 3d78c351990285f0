// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/metrics"
)

// KeyStore は鍵レコードを保管するリポジトリのインターフェース。
type KeyStore interface {
	Allocate(ctx context.Context, req domain.AllocateRequest) (*domain.KeyRecord, error)
	Import(ctx context.Context, records ...*domain.KeyRecord) error
	Reserve(ctx context.Context, req domain.ReserveRequest) ([]*domain.KeyRecord, error)
	Lookup(ctx context.Context, keyID string) (*domain.KeyRecord, error)
	Expire(ctx context.Context, keyID string) error
	ExpireIssuedBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountAvailable(ctx context.Context, filter domain.ReserveRequest) (int, error)
}

// RemoteKM は鍵配送サービス(KM)のインターフェース。
// 呼び出し元SAEの識別は実装側が持つ。
type RemoteKM interface {
	IssueKeys(ctx context.Context, peerID string, count, sizeBits int, kind domain.KeyKind) ([]*domain.KeyRecord, error)
	FetchKeys(ctx context.Context, originID string, keyIDs []string) ([]*domain.KeyRecord, error)
	Status(ctx context.Context, peerID string) (*domain.KeyManagerStatus, error)
}

// KeyManager はローカルのKeyStoreをキャッシュとしてKMから鍵を取得する。
// 失敗時に別のセキュリティレベルへ切り替えることはしない。
type KeyManager struct {
	store   KeyStore
	remote  RemoteKM
	localID string
	peerID  string
	now     func() time.Time
}

// NewKeyManager は新しいKeyManagerを生成する。remote が nil の場合はローカルの鍵のみを使う。
func NewKeyManager(store KeyStore, remote RemoteKM, localID, defaultPeerID string) *KeyManager {
	return &KeyManager{
		store:   store,
		remote:  remote,
		localID: localID,
		peerID:  defaultPeerID,
		now:     time.Now,
	}
}

// LocalEntityID は自身のSAE IDを返す。
func (m *KeyManager) LocalEntityID() string {
	return m.localID
}

func (m *KeyManager) peer(peerID string) string {
	if peerID == "" {
		return m.peerID
	}
	return peerID
}

// remoteError はKMからのエラーを分類する。分類済みのエラー以外は到達不能として扱う。
func remoteError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientKeys),
		errors.Is(err, domain.ErrKeyManagerUnreachable),
		errors.Is(err, domain.ErrKeyNotFound),
		errors.Is(err, domain.ErrKeyNotAuthorized),
		errors.Is(err, domain.ErrInvalidKeySize),
		errors.Is(err, domain.ErrInvalidKeyCount),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidSAEID):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrKeyManagerUnreachable, err)
	}
}

// RequestEncryptionKey は鍵導出用のシード鍵を1件取得する。
func (m *KeyManager) RequestEncryptionKey(ctx context.Context, peerID string, sizeBits int) (*domain.KeyRecord, error) {
	keys, err := m.request(ctx, m.peer(peerID), domain.KeyKindEncryption, 1, sizeBits)
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

// RequestOTPKeys はワンタイムパッド用の鍵を count 件取得する。
func (m *KeyManager) RequestOTPKeys(ctx context.Context, peerID string, count, sizeBits int) ([]*domain.KeyRecord, error) {
	return m.request(ctx, m.peer(peerID), domain.KeyKindOneTimePad, count, sizeBits)
}

func (m *KeyManager) request(ctx context.Context, peerID string, kind domain.KeyKind, count, sizeBits int) ([]*domain.KeyRecord, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidKeyCount, count)
	}
	if sizeBits <= 0 {
		return nil, fmt.Errorf("%w: %d bits", domain.ErrInvalidKeySize, sizeBits)
	}

	keys, err := m.store.Reserve(ctx, domain.ReserveRequest{
		Count:         count,
		Kind:          kind,
		MinSizeBits:   sizeBits,
		OwnerEntityID: m.localID,
		PeerEntityID:  peerID,
	})
	if err == nil {
		metrics.RecordKeyRequest(kind, metrics.SourceCache, len(keys), nil)
		return keys, nil
	}
	if !errors.Is(err, domain.ErrInsufficientKeys) || m.remote == nil {
		metrics.RecordKeyRequest(kind, metrics.SourceCache, 0, err)
		return nil, err
	}

	// キャッシュにない場合はKMから払い出し、使用済みとしてKeyStoreに登録してから返す
	issued, err := m.remote.IssueKeys(ctx, peerID, count, sizeBits, kind)
	if err != nil {
		err = remoteError(err)
		metrics.RecordKeyRequest(kind, metrics.SourceRemote, 0, err)
		slog.WarnContext(ctx, "key manager request failed",
			"operation", "request_keys",
			"kind", kind,
			"peer", peerID,
			"count", count,
			"error", err,
		)
		return nil, fmt.Errorf("issuing keys: %w", err)
	}
	if len(issued) != count {
		wipeAll(issued)
		return nil, fmt.Errorf("%w: key manager returned %d keys, requested %d", domain.ErrInvalidKeyCount, len(issued), count)
	}

	for _, k := range issued {
		k.State = domain.KeyStateConsumed
		if k.Kind == "" {
			k.Kind = kind
		}
		if k.OwnerEntityID == "" {
			k.OwnerEntityID = m.localID
		}
		if k.PeerEntityID == "" {
			k.PeerEntityID = peerID
		}
		if k.Kind != kind {
			wipeAll(issued)
			return nil, fmt.Errorf("%w: key %s has kind %q, want %q", domain.ErrInvalidPayload, k.KeyID, k.Kind, kind)
		}
	}
	if err := m.store.Import(ctx, issued...); err != nil {
		wipeAll(issued)
		metrics.RecordKeyRequest(kind, metrics.SourceRemote, 0, err)
		return nil, fmt.Errorf("caching issued keys: %w", err)
	}

	metrics.RecordKeyRequest(kind, metrics.SourceRemote, len(issued), nil)
	return issued, nil
}

// FetchKey は鍵IDで既存の鍵を取得する。鍵の状態は変更しない。
// ローカルにない場合は originID のSAEが取得した鍵としてKMに問い合わせる。
func (m *KeyManager) FetchKey(ctx context.Context, originID, keyID string) (*domain.KeyRecord, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: empty key_id", domain.ErrKeyNotFound)
	}

	rec, err := m.store.Lookup(ctx, keyID)
	if err == nil {
		if rec.OwnerEntityID != m.localID && rec.PeerEntityID != m.localID {
			domain.Wipe(rec.Material)
			return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotAuthorized, keyID)
		}
		return rec, nil
	}
	if !errors.Is(err, domain.ErrKeyNotFound) || m.remote == nil {
		return nil, err
	}

	origin := originID
	if origin == "" {
		origin = m.peerID
	}
	fetched, err := m.remote.FetchKeys(ctx, origin, []string{keyID})
	if err != nil {
		err = remoteError(err)
		slog.WarnContext(ctx, "key fetch failed",
			"operation", "fetch_key",
			"key_id", keyID,
			"origin", origin,
			"error", err,
		)
		return nil, fmt.Errorf("fetching key %s: %w", keyID, err)
	}

	var found *domain.KeyRecord
	for _, k := range fetched {
		if k.KeyID == keyID {
			found = k
			continue
		}
		domain.Wipe(k.Material)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}

	found.State = domain.KeyStateConsumed
	if found.OwnerEntityID == "" {
		found.OwnerEntityID = origin
	}
	if found.PeerEntityID == "" {
		found.PeerEntityID = m.localID
	}
	if err := m.store.Import(ctx, found); err != nil && !errors.Is(err, domain.ErrDuplicateKey) {
		domain.Wipe(found.Material)
		return nil, fmt.Errorf("caching fetched key: %w", err)
	}
	return found, nil
}

// GetStatus はローカルの利用可能鍵数とKMの状態を返す。
// KMに到達できない場合もエラーにはせず Reachable=false を返す。
func (m *KeyManager) GetStatus(ctx context.Context, peerID string) (*domain.KeyManagerStatus, error) {
	peerID = m.peer(peerID)
	filter := domain.ReserveRequest{OwnerEntityID: m.localID, PeerEntityID: peerID}

	local := 0
	for _, kind := range []domain.KeyKind{domain.KeyKindEncryption, domain.KeyKindOneTimePad} {
		filter.Kind = kind
		n, err := m.store.CountAvailable(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("counting local keys: %w", err)
		}
		local += n
	}

	status := &domain.KeyManagerStatus{LocalKeyCount: local}
	if m.remote == nil {
		status.AvailableKeyCount = local
		return status, nil
	}

	remote, err := m.remote.Status(ctx, peerID)
	if err != nil {
		slog.WarnContext(ctx, "key manager status unavailable",
			"operation", "get_status",
			"peer", peerID,
			"error", err,
		)
		status.AvailableKeyCount = local
		return status, nil
	}
	status.Reachable = true
	status.RemoteKeyCount = remote.AvailableKeyCount
	status.AvailableKeyCount = local + remote.AvailableKeyCount
	status.KeySizeBits = remote.KeySizeBits
	status.MaxKeyPerRequest = remote.MaxKeyPerRequest
	return status, nil
}

// Replenish はKMから鍵を取得し、利用可能な状態でローカルに蓄える。
func (m *KeyManager) Replenish(ctx context.Context, peerID string, kind domain.KeyKind, count, sizeBits int) (int, error) {
	if m.remote == nil {
		return 0, fmt.Errorf("%w: no remote key manager configured", domain.ErrKeyManagerUnreachable)
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidPayload, kind)
	}
	peerID = m.peer(peerID)

	issued, err := m.remote.IssueKeys(ctx, peerID, count, sizeBits, kind)
	if err != nil {
		err = remoteError(err)
		metrics.RecordKeyRequest(kind, metrics.SourceRemote, 0, err)
		return 0, fmt.Errorf("replenishing keys: %w", err)
	}
	for _, k := range issued {
		k.State = domain.KeyStateAvailable
		k.Kind = kind
		if k.OwnerEntityID == "" {
			k.OwnerEntityID = m.localID
		}
		if k.PeerEntityID == "" {
			k.PeerEntityID = peerID
		}
	}
	err = m.store.Import(ctx, issued...)
	wipeAll(issued)
	if err != nil {
		return 0, fmt.Errorf("storing replenished keys: %w", err)
	}
	metrics.RecordKeyRequest(kind, metrics.SourceRemote, len(issued), nil)
	return len(issued), nil
}

// SweepExpired は ttl より前に発行された未使用の鍵を失効させる。
func (m *KeyManager) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	n, err := m.store.ExpireIssuedBefore(ctx, m.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("expiring keys: %w", err)
	}
	metrics.RecordExpired(n)
	return n, nil
}

func wipeAll(keys []*domain.KeyRecord) {
	for _, k := range keys {
		domain.Wipe(k.Material)
	}
}
