package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending  MigrationStatus = "pending"
	MigrationStatusApplied  MigrationStatus = "applied"
	MigrationStatusModified MigrationStatus = "modified" // 適用後にSQLが変わった
	MigrationStatusMissing  MigrationStatus = "missing"  // 履歴のみ残りファイルがない
)

// Migration は key_records スキーマの1ステップを表す。
type Migration struct {
	Version   string
	Name      string
	FileName  string
	Checksum  string // SQLのSHA-256（16進）。適用済みの場合は適用時の値
	AppliedAt *time.Time
	Status    MigrationStatus
}

// PendingMigrations は未適用のマイグレーションだけを返す。
func PendingMigrations(migrations []*Migration) []*Migration {
	return filterMigrations(migrations, MigrationStatusPending)
}

// DriftedMigrations は履歴とファイルが食い違うマイグレーションを返す。
func DriftedMigrations(migrations []*Migration) []*Migration {
	return filterMigrations(migrations, MigrationStatusModified, MigrationStatusMissing)
}

func filterMigrations(migrations []*Migration, statuses ...MigrationStatus) []*Migration {
	var out []*Migration
	for _, m := range migrations {
		for _, s := range statuses {
			if m.Status == s {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
