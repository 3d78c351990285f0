package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientKeys は条件に合う利用可能な鍵が不足している場合のエラー。
	ErrInsufficientKeys = errors.New("insufficient keys")

	// ErrKeyManagerUnreachable はKMに到達できない場合のエラー。
	ErrKeyManagerUnreachable = errors.New("key manager unreachable")

	// ErrKeyNotFound は指定された鍵IDが存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrPeerKeyNotRegistered は相手先SAEの公開鍵が未登録の場合のエラー。ErrKeyNotFound として扱える。
	ErrPeerKeyNotRegistered = fmt.Errorf("peer public key not registered: %w", ErrKeyNotFound)

	// ErrDuplicateKey は同じ鍵IDのレコードが既に存在する場合のエラー。
	ErrDuplicateKey = errors.New("key already exists")

	// ErrKeyNotAuthorized は要求元SAEが鍵の取得を許可されていない場合のエラー。
	ErrKeyNotAuthorized = errors.New("key not authorized for entity")

	// ErrKeyTooShort はワンタイムパッドの鍵素材が平文より短い場合のエラー。
	ErrKeyTooShort = errors.New("key material shorter than plaintext")

	// ErrIntegrityFailure は認証タグの検証に失敗した場合のエラー。改ざんの可能性がある。
	ErrIntegrityFailure = errors.New("integrity check failed")

	// ErrInvalidTierForOperation は操作に対してセキュリティレベルが不正な場合のエラー。
	ErrInvalidTierForOperation = errors.New("invalid security tier for operation")

	// ErrInvalidPayload は暗号化ペイロードの構造が不正な場合のエラー。
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrChecksumMismatch は添付ファイルの長さまたはハッシュが一致しない場合のエラー。
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidSAEID はSAE IDの形式が不正な場合のエラー。
	ErrInvalidSAEID = errors.New("invalid SAE ID")

	// ErrInvalidKeySize は鍵サイズが不正な場合のエラー。
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidKeyCount は鍵の要求数が不正な場合のエラー。
	ErrInvalidKeyCount = errors.New("invalid key count")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrMigrationModified は適用済みマイグレーションのSQLが書き換えられている場合のエラー。
	ErrMigrationModified = errors.New("applied migration was modified")
)

// InsufficientKeysError は鍵不足の詳細（利用可能数と要求数）を保持する。
type InsufficientKeysError struct {
	Available int
	Requested int
}

func (e *InsufficientKeysError) Error() string {
	return fmt.Sprintf("insufficient keys: available %d, requested %d", e.Available, e.Requested)
}

// Unwrap は ErrInsufficientKeys を返す。
func (e *InsufficientKeysError) Unwrap() error {
	return ErrInsufficientKeys
}

// IsRecoverable は再試行またはレベル低下で回復しうるエラーかどうかを返す。
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, ErrIntegrityFailure) {
		return false
	}
	return errors.Is(err, ErrInsufficientKeys) || errors.Is(err, ErrKeyManagerUnreachable)
}
