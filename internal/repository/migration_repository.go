package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"qkd-mail-crypto/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Checksum  string    `gorm:"column:checksum;type:char(64);not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository は key_records スキーマの適用履歴を管理する。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は履歴テーブルを用意する。checksum 列のない古い履歴テーブルには列を追加する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	migrator := r.db.WithContext(ctx).Migrator()

	var err error
	switch {
	case !migrator.HasTable(&SchemaMigrationModel{}):
		err = migrator.CreateTable(&SchemaMigrationModel{})
	case !migrator.HasColumn(&SchemaMigrationModel{}, "Checksum"):
		err = migrator.AddColumn(&SchemaMigrationModel{}, "Checksum")
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to prepare schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーションをバージョン順に返す。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	applied := make([]*domain.Migration, len(models))
	for i, model := range models {
		at := model.AppliedAt
		applied[i] = &domain.Migration{
			Version:   model.Version,
			Checksum:  model.Checksum,
			AppliedAt: &at,
			Status:    domain.MigrationStatusApplied,
		}
	}
	return applied, nil
}

// RecordMigration は適用履歴をチェックサム付きで記録する。tx が nil の場合は新しいセッションで記録する。
func (r *MigrationRepository) RecordMigration(ctx context.Context, tx *gorm.DB, m *domain.Migration) error {
	if tx == nil {
		tx = r.db
	}
	model := &SchemaMigrationModel{
		Version:  m.Version,
		Checksum: m.Checksum,
	}
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record_migration",
			"version", m.Version,
			"error", err,
		)
		return err
	}
	return nil
}
