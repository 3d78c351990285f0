// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"

	"qkd-mail-crypto/pkg/etsi"
)

// SAEIDHeader は呼び出し元SAEを識別するヘッダー。
const SAEIDHeader = etsi.SAEIDHeader

type saeIDKey struct{}

// WriteAuditLog は監査ログを出力する。鍵素材や平文は渡さないこと。
func WriteAuditLog(ctx context.Context, operation, entity, subject, result string) {
	slog.InfoContext(ctx, "operation completed",
		"operation", operation,
		"entity", entity,
		"subject", subject,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}

// WithSAEID はSAE IDを持つコンテキストを返す。
func WithSAEID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, saeIDKey{}, id)
}

// SAEIDFromContext はコンテキストからSAE IDを取り出す。
func SAEIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(saeIDKey{}).(string)
	return id, ok && id != ""
}
