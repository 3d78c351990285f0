package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"gorm.io/gorm"

	"qkd-mail-crypto/internal/domain"
)

// MigrationRepository はスキーマ適用履歴の永続化を抽象化する。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	RecordMigration(ctx context.Context, tx *gorm.DB, m *domain.Migration) error
}

// MigrationService は永続KeyStoreのスキーマを最新に保つ。
type MigrationService struct {
	repo  MigrationRepository
	db    *gorm.DB
	files fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
// files には {version}_{name}.sql 形式のファイルを直下に置いたファイルシステムを渡す。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, files fs.FS) *MigrationService {
	return &MigrationService{
		repo:  repo,
		db:    db,
		files: files,
	}
}

// migrationFile はディスク上のマイグレーションとその本文。
type migrationFile struct {
	migration *domain.Migration
	sql       string
}

// readFiles は .sql ファイルを読み込み、バージョンごとに返す。
func (s *MigrationService) readFiles() (map[string]migrationFile, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	files := make(map[string]migrationFile)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := files[version]; dup {
			return nil, fmt.Errorf("%w: version %s used by %s and %s",
				domain.ErrInvalidMigrationFile, version, prev.migration.FileName, entry.Name())
		}

		body, err := fs.ReadFile(s.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMigrationFileNotFound, entry.Name(), err)
		}
		sum := sha256.Sum256(body)

		files[version] = migrationFile{
			migration: &domain.Migration{
				Version:  version,
				Name:     name,
				FileName: entry.Name(),
				Checksum: hex.EncodeToString(sum[:]),
				Status:   domain.MigrationStatusPending,
			},
			sql: string(body),
		}
	}
	return files, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_key_records.sql)
func parseMigrationFileName(filename string) (string, string, error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return version, name, nil
}

// splitStatements はSQLをセミコロン区切りの文に分割する。行コメントは除く。
func splitStatements(sql string) []string {
	var lines []string
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var stmts []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// plan はファイルと適用履歴を突き合わせ、バージョン順の一覧を返す。
// 履歴のチェックサムが空の行は比較しない。
func (s *MigrationService) plan(ctx context.Context, operation string) ([]*domain.Migration, map[string]migrationFile, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to prepare schema_migrations: %w", err)
	}

	files, err := s.readFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", operation,
			"error", err,
		)
		return nil, nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", operation,
			"error", err,
		)
		return nil, nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}

	all := make([]*domain.Migration, 0, len(files)+len(applied))
	for _, f := range files {
		all = append(all, f.migration)
	}
	for _, a := range applied {
		f, ok := files[a.Version]
		if !ok {
			a.Status = domain.MigrationStatusMissing
			all = append(all, a)
			continue
		}
		m := f.migration
		m.AppliedAt = a.AppliedAt
		m.Status = domain.MigrationStatusApplied
		if a.Checksum != "" && a.Checksum != m.Checksum {
			m.Status = domain.MigrationStatusModified
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Version < all[j].Version
	})
	return all, files, nil
}

// ApplyMigrations は未適用マイグレーションを番号順に実行する。
// 適用済みのSQLが書き換えられている場合は何も実行せず ErrMigrationModified を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	all, files, err := s.plan(ctx, "apply_migrations")
	if err != nil {
		return 0, err
	}

	for _, m := range domain.DriftedMigrations(all) {
		if m.Status == domain.MigrationStatusModified {
			slog.ErrorContext(ctx, "applied migration was modified",
				"operation", "apply_migrations",
				"version", m.Version,
				"file", m.FileName,
			)
			return 0, fmt.Errorf("%w: version %s (%s)", domain.ErrMigrationModified, m.Version, m.FileName)
		}
		slog.WarnContext(ctx, "applied migration has no file",
			"operation", "apply_migrations",
			"version", m.Version,
		)
	}

	appliedCount := 0
	for _, m := range domain.PendingMigrations(all) {
		if err := s.applyMigration(ctx, m, files[m.Version].sql); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", m.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", m.Version,
			"name", m.Name,
		)
		appliedCount++
	}

	return appliedCount, nil
}

// applyMigration は単一のマイグレーションを実行し、同じトランザクションで履歴を残す。
// MySQLのDDLは暗黙にコミットされるため、失敗時の巻き戻しは履歴の記録のみに効く。
func (s *MigrationService) applyMigration(ctx context.Context, m *domain.Migration, sql string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range splitStatements(sql) {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
		}
		if err := s.repo.RecordMigration(ctx, tx, m); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// GetMigrationStatus はファイルと履歴を突き合わせた状況を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	all, _, err := s.plan(ctx, "get_migration_status")
	return all, err
}
