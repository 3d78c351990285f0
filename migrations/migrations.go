// Package migrations はバイナリに埋め込むSQLマイグレーションを提供する。
package migrations

import (
	"embed"
	"io/fs"
	"os"
)

// Files は {version}_{name}.sql 形式のマイグレーションファイル。
//
//go:embed *.sql
var Files embed.FS

// Source はマイグレーションの読み込み元を返す。dir が空の場合は埋め込みファイルを使う。
func Source(dir string) fs.FS {
	if dir == "" {
		return Files
	}
	return os.DirFS(dir)
}
