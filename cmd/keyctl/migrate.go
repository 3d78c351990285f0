package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"qkd-mail-crypto/config"
	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/infra"
	"qkd-mail-crypto/internal/repository"
	"qkd-mail-crypto/internal/usecase"
	"qkd-mail-crypto/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  "Manage database migrations for the persisted key store",
}

// newMigrationService は環境変数の設定でDBに接続してMigrationServiceを生成する。
// MIGRATIONS_DIR が空の場合はバイナリに埋め込んだマイグレーションを使う。
func newMigrationService() (*usecase.MigrationService, *gorm.DB, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrationRepo := repository.NewMigrationRepository(db)
	return usecase.NewMigrationService(migrationRepo, db, migrations.Source(cfg.MigrationsDir)), db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long:  "Apply all pending migrations to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, db, err := newMigrationService()
		if err != nil {
			return err
		}
		defer closeDB(db)

		// マイグレーション実行
		appliedCount, err := migrationService.ApplyMigrations(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		if appliedCount == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
		}

		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show the status of all migrations (applied/pending)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, db, err := newMigrationService()
		if err != nil {
			return err
		}
		defer closeDB(db)

		// マイグレーションステータスを取得
		all, err := migrationService.GetMigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT\tCHECKSUM")

		for _, m := range all {
			appliedAt := "-"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			checksum := "-"
			if len(m.Checksum) >= 12 {
				checksum = m.Checksum[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Version, m.Name, m.Status, appliedAt, checksum)
		}

		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}

		if drifted := domain.DriftedMigrations(all); len(drifted) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d migration(s) differ from the recorded history. 'keyctl migrate up' will refuse to run.\n", len(drifted))
		}
		if pending := domain.PendingMigrations(all); len(pending) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d pending migration(s). Run 'keyctl migrate up' to apply.\n", len(pending))
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
