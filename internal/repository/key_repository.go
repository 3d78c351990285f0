package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"qkd-mail-crypto/internal/domain"
)

// KeyRecordModel はgorm用のモデル定義。
type KeyRecordModel struct {
	KeyID          string    `gorm:"column:key_id;type:varchar(64);primaryKey"`
	Kind           string    `gorm:"type:varchar(16);not null;index:idx_pool,priority:1"`
	State          string    `gorm:"type:varchar(16);not null;default:'available';index:idx_pool,priority:2"`
	SizeBits       int       `gorm:"not null;index:idx_pool,priority:3"`
	SealedMaterial []byte    `gorm:"type:mediumblob;not null"`
	OwnerEntityID  string    `gorm:"type:varchar(64);not null;index:idx_owner_peer"`
	PeerEntityID   string    `gorm:"type:varchar(64);not null;index:idx_owner_peer"`
	IssuedAt       time.Time `gorm:"type:datetime(6);not null;index:idx_issued_at"`
	UpdatedAt      time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// MaterialSealer は保存時に鍵素材を暗号化する。
// keyID は追加認証データとして使い、レコード間の素材の入れ替えを検出する。
type MaterialSealer interface {
	Seal(ctx context.Context, keyID string, material []byte) ([]byte, error)
	Open(ctx context.Context, keyID string, sealed []byte) ([]byte, error)
}

// KeyRepository はデータベースに永続化する鍵ストア。
// 使用済みの状態は再起動後も維持される。
type KeyRepository struct {
	db     *gorm.DB
	sealer MaterialSealer
	now    func() time.Time
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB, sealer MaterialSealer) *KeyRepository {
	return &KeyRepository{db: db, sealer: sealer, now: time.Now}
}

func (r *KeyRepository) toModel(ctx context.Context, rec *domain.KeyRecord) (*KeyRecordModel, error) {
	sealed, err := r.sealer.Seal(ctx, rec.KeyID, rec.Material)
	if err != nil {
		return nil, fmt.Errorf("sealing key material: %w", err)
	}
	return &KeyRecordModel{
		KeyID:          rec.KeyID,
		Kind:           string(rec.Kind),
		State:          string(rec.State),
		SizeBits:       rec.SizeBits,
		SealedMaterial: sealed,
		OwnerEntityID:  rec.OwnerEntityID,
		PeerEntityID:   rec.PeerEntityID,
		IssuedAt:       rec.IssuedAt,
	}, nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (r *KeyRepository) toDomain(ctx context.Context, m *KeyRecordModel) (*domain.KeyRecord, error) {
	material, err := r.sealer.Open(ctx, m.KeyID, m.SealedMaterial)
	if err != nil {
		return nil, fmt.Errorf("opening key material: %w", err)
	}
	return &domain.KeyRecord{
		KeyID:         m.KeyID,
		Material:      material,
		SizeBits:      m.SizeBits,
		Kind:          domain.KeyKind(m.Kind),
		IssuedAt:      m.IssuedAt,
		State:         domain.KeyState(m.State),
		OwnerEntityID: m.OwnerEntityID,
		PeerEntityID:  m.PeerEntityID,
	}, nil
}

// Allocate は新しい鍵素材を生成して保存する。
func (r *KeyRepository) Allocate(ctx context.Context, req domain.AllocateRequest) (*domain.KeyRecord, error) {
	rec, err := newKeyRecord(req, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.Import(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Import はKMから払い出された鍵を指定された状態のまま保存する。
func (r *KeyRepository) Import(ctx context.Context, records ...*domain.KeyRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]*KeyRecordModel, len(records))
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("importing key %s: %w", rec.KeyID, err)
		}
		m, err := r.toModel(ctx, rec)
		if err != nil {
			return err
		}
		models[i] = m
	}

	if err := r.db.WithContext(ctx).Create(&models).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %v", domain.ErrDuplicateKey, err)
		}
		slog.ErrorContext(ctx, "failed to create key records",
			"operation", "import",
			"count", len(models),
			"error", err,
		)
		return err
	}
	return nil
}

func poolQuery(tx *gorm.DB, filter domain.ReserveRequest) *gorm.DB {
	q := tx.Model(&KeyRecordModel{}).
		Where("kind = ? AND state = ? AND size_bits >= ?", string(filter.Kind), string(domain.KeyStateAvailable), filter.MinSizeBits)
	if filter.PeerEntityID != "" {
		q = q.Where("peer_entity_id = ?", filter.PeerEntityID)
	}
	if filter.OwnerEntityID != "" {
		q = q.Where("owner_entity_id = ?", filter.OwnerEntityID)
	}
	return q
}

// Reserve は条件に合う利用可能な鍵を count 件まとめて使用済みにする。
// 状態条件付きUPDATEの更新件数で競合を検出し、不足時はトランザクションごと取り消して一度だけやり直す。
func (r *KeyRepository) Reserve(ctx context.Context, req domain.ReserveRequest) ([]*domain.KeyRecord, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidKeyCount, req.Count)
	}

	var (
		models []KeyRecordModel
		err    error
	)
	for attempt := 1; attempt <= reserveAttempts; attempt++ {
		models, err = r.reserveOnce(ctx, req)
		if !errors.Is(err, errReserveConflict) {
			break
		}
	}
	if errors.Is(err, errReserveConflict) {
		n, countErr := r.CountAvailable(ctx, req)
		if countErr != nil {
			return nil, countErr
		}
		return nil, &domain.InsufficientKeysError{Available: n, Requested: req.Count}
	}
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientKeys) {
			return nil, err
		}
		slog.ErrorContext(ctx, "failed to reserve keys",
			"operation", "reserve",
			"kind", req.Kind,
			"count", req.Count,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.KeyRecord, len(models))
	for i := range models {
		rec, err := r.toDomain(ctx, &models[i])
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}

// errReserveConflict は選んだ鍵の一部を他の予約に先取りされたことを示す。
var errReserveConflict = errors.New("reserve conflict")

// reserveOnce は1回分の予約をトランザクションで行う。
func (r *KeyRepository) reserveOnce(ctx context.Context, req domain.ReserveRequest) ([]KeyRecordModel, error) {
	var models []KeyRecordModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := poolQuery(tx, req).Order("issued_at ASC").Limit(req.Count).Pluck("key_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) < req.Count {
			return &domain.InsufficientKeysError{Available: len(ids), Requested: req.Count}
		}

		res := tx.Model(&KeyRecordModel{}).
			Where("key_id IN ? AND state = ?", ids, string(domain.KeyStateAvailable)).
			Update("state", string(domain.KeyStateConsumed))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return errReserveConflict
		}
		return tx.Where("key_id IN ?", ids).Order("issued_at ASC").Find(&models).Error
	})
	return models, err
}

// Lookup は鍵IDで鍵を取得する。
func (r *KeyRepository) Lookup(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).Where("key_id = ?", keyID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "lookup",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return r.toDomain(ctx, &model)
}

// Expire は利用可能な鍵を失効させる。使用済みの鍵に対しては何もしない。
func (r *KeyRepository) Expire(ctx context.Context, keyID string) error {
	res := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("key_id = ? AND state = ?", keyID, string(domain.KeyStateAvailable)).
		Update("state", string(domain.KeyStateExpired))
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to expire key",
			"operation", "expire",
			"key_id", keyID,
			"error", res.Error,
		)
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&KeyRecordModel{}).Where("key_id = ?", keyID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	return nil
}

// ExpireIssuedBefore は cutoff より前に発行された利用可能な鍵を失効させ、件数を返す。
func (r *KeyRepository) ExpireIssuedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("state = ? AND issued_at < ?", string(domain.KeyStateAvailable), cutoff.UTC()).
		Update("state", string(domain.KeyStateExpired))
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to expire stale keys",
			"operation", "expire_issued_before",
			"cutoff", cutoff,
			"error", res.Error,
		)
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// CountAvailable は条件に合う利用可能な鍵の件数を返す。
func (r *KeyRepository) CountAvailable(ctx context.Context, filter domain.ReserveRequest) (int, error) {
	var count int64
	if err := poolQuery(r.db.WithContext(ctx), filter).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count available keys",
			"operation", "count_available",
			"kind", filter.Kind,
			"error", err,
		)
		return 0, err
	}
	return int(count), nil
}
