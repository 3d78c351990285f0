package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"qkd-mail-crypto/internal/domain"
)

// KMEの制限値
const (
	MaxKeysPerRequest  = 128
	MinKeySizeBits     = 8
	MaxKeySizeBits     = 1 << 24
	DefaultKeySizeBits = 256
)

// reserveAttempts は自動生成時に予約を再試行する回数。
const reserveAttempts = 3

// KMService は鍵配送サービス(KME)として鍵を払い出す。
// 払い出した鍵は相手先SAEまたは取得元SAEにのみ開示する。
type KMService struct {
	store        KeyStore
	kmeID        string
	poolSize     int
	autoGenerate bool
}

// NewKMService は新しいKMServiceを生成する。
func NewKMService(store KeyStore, kmeID string, poolSize int, autoGenerate bool) *KMService {
	return &KMService{
		store:        store,
		kmeID:        kmeID,
		poolSize:     poolSize,
		autoGenerate: autoGenerate,
	}
}

// KMEID はKMEの識別子を返す。
func (s *KMService) KMEID() string {
	return s.kmeID
}

func validateSAEPair(masterID, slaveID string) error {
	if masterID == "" || slaveID == "" {
		return fmt.Errorf("%w: master %q, slave %q", domain.ErrInvalidSAEID, masterID, slaveID)
	}
	return nil
}

// ValidateKeyRequest は払い出し要求の件数とサイズを検証する。
func ValidateKeyRequest(count, sizeBits int) error {
	if count < 1 || count > MaxKeysPerRequest {
		return fmt.Errorf("%w: %d (allowed 1..%d)", domain.ErrInvalidKeyCount, count, MaxKeysPerRequest)
	}
	if sizeBits < MinKeySizeBits || sizeBits > MaxKeySizeBits || sizeBits%8 != 0 {
		return fmt.Errorf("%w: %d bits (allowed %d..%d, multiple of 8)", domain.ErrInvalidKeySize, sizeBits, MinKeySizeBits, MaxKeySizeBits)
	}
	return nil
}

// Provision は master/slave 間の鍵を count 件生成して蓄える。
func (s *KMService) Provision(ctx context.Context, masterID, slaveID string, kind domain.KeyKind, count, sizeBits int) (int, error) {
	if err := validateSAEPair(masterID, slaveID); err != nil {
		return 0, err
	}
	if sizeBits < MinKeySizeBits || sizeBits > MaxKeySizeBits || sizeBits%8 != 0 {
		return 0, fmt.Errorf("%w: %d bits", domain.ErrInvalidKeySize, sizeBits)
	}
	for i := range count {
		if _, err := s.store.Allocate(ctx, domain.AllocateRequest{
			Kind:          kind,
			SizeBits:      sizeBits,
			OwnerEntityID: masterID,
			PeerEntityID:  slaveID,
		}); err != nil {
			return i, fmt.Errorf("allocating key: %w", err)
		}
	}
	return count, nil
}

// IssueKeys は master SAE からの要求に対して鍵を払い出す。払い出した鍵は使用済みになる。
func (s *KMService) IssueKeys(ctx context.Context, masterID, slaveID string, count, sizeBits int, kind domain.KeyKind) ([]*domain.KeyRecord, error) {
	if err := validateSAEPair(masterID, slaveID); err != nil {
		return nil, err
	}
	if err := ValidateKeyRequest(count, sizeBits); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = domain.KeyKindEncryption
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidPayload, kind)
	}

	req := domain.ReserveRequest{
		Count:         count,
		Kind:          kind,
		MinSizeBits:   sizeBits,
		OwnerEntityID: masterID,
		PeerEntityID:  slaveID,
	}

	var insufficient *domain.InsufficientKeysError
	for range reserveAttempts {
		keys, err := s.store.Reserve(ctx, req)
		if err == nil {
			return keys, nil
		}
		if !errors.As(err, &insufficient) || !s.autoGenerate {
			return nil, err
		}
		if _, err := s.Provision(ctx, masterID, slaveID, kind, count-insufficient.Available, sizeBits); err != nil {
			return nil, err
		}
	}
	slog.WarnContext(ctx, "key pool exhausted under contention",
		"operation", "issue_keys",
		"master", masterID,
		"slave", slaveID,
		"count", count,
	)
	return nil, insufficient
}

// FetchKeys は master SAE が取得した鍵を callerID のSAEに開示する。
// 呼び出し元がその鍵の相手先でも取得元でもない場合は ErrKeyNotAuthorized を返す。
func (s *KMService) FetchKeys(ctx context.Context, callerID, masterID string, keyIDs []string) ([]*domain.KeyRecord, error) {
	if err := validateSAEPair(masterID, callerID); err != nil {
		return nil, err
	}
	if len(keyIDs) == 0 || len(keyIDs) > MaxKeysPerRequest {
		return nil, fmt.Errorf("%w: %d key IDs", domain.ErrInvalidKeyCount, len(keyIDs))
	}

	keys := make([]*domain.KeyRecord, 0, len(keyIDs))
	fail := func(err error) ([]*domain.KeyRecord, error) {
		wipeAll(keys)
		return nil, err
	}
	for _, id := range keyIDs {
		rec, err := s.store.Lookup(ctx, id)
		if err != nil {
			return fail(err)
		}
		keys = append(keys, rec)
		if rec.State != domain.KeyStateConsumed || rec.OwnerEntityID != masterID {
			return fail(fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id))
		}
		if rec.PeerEntityID != callerID && rec.OwnerEntityID != callerID {
			slog.WarnContext(ctx, "key release denied",
				"operation", "fetch_keys",
				"caller", callerID,
				"key_id", id,
			)
			return fail(fmt.Errorf("%w: %s", domain.ErrKeyNotAuthorized, id))
		}
	}
	return keys, nil
}

// Status は master/slave 間で払い出し可能な鍵の状態を返す。
func (s *KMService) Status(ctx context.Context, masterID, slaveID string) (*domain.KeyManagerStatus, error) {
	if err := validateSAEPair(masterID, slaveID); err != nil {
		return nil, err
	}
	filter := domain.ReserveRequest{OwnerEntityID: masterID, PeerEntityID: slaveID}
	stored := 0
	for _, kind := range []domain.KeyKind{domain.KeyKindEncryption, domain.KeyKindOneTimePad} {
		filter.Kind = kind
		n, err := s.store.CountAvailable(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("counting keys: %w", err)
		}
		stored += n
	}
	return &domain.KeyManagerStatus{
		Reachable:         true,
		AvailableKeyCount: stored,
		LocalKeyCount:     stored,
		KeySizeBits:       DefaultKeySizeBits,
		MaxKeyCount:       s.poolSize,
		MaxKeyPerRequest:  MaxKeysPerRequest,
	}, nil
}

// LocalKM は同一プロセス内のKMServiceを RemoteKM として使うアダプタ。
type LocalKM struct {
	svc   *KMService
	saeID string
}

// NewLocalKM は saeID のSAEとしてKMServiceを呼び出すLocalKMを生成する。
func NewLocalKM(svc *KMService, saeID string) *LocalKM {
	return &LocalKM{svc: svc, saeID: saeID}
}

// IssueKeys は自身を master として鍵を払い出す。
func (l *LocalKM) IssueKeys(ctx context.Context, peerID string, count, sizeBits int, kind domain.KeyKind) ([]*domain.KeyRecord, error) {
	return l.svc.IssueKeys(ctx, l.saeID, peerID, count, sizeBits, kind)
}

// FetchKeys は originID が取得した鍵を自身に開示させる。
func (l *LocalKM) FetchKeys(ctx context.Context, originID string, keyIDs []string) ([]*domain.KeyRecord, error) {
	return l.svc.FetchKeys(ctx, l.saeID, originID, keyIDs)
}

// Status は自身と peerID の間の鍵の状態を返す。
func (l *LocalKM) Status(ctx context.Context, peerID string) (*domain.KeyManagerStatus, error) {
	return l.svc.Status(ctx, l.saeID, peerID)
}
