package infra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"qkd-mail-crypto/config"
)

// secretAttrKeys は値を出力しない属性名。
var secretAttrKeys = map[string]bool{
	"key":         true,
	"material":    true,
	"plaintext":   true,
	"seed":        true,
	"private_key": true,
	"shared":      true,
	"seal_key":    true,
}

// TraceHandler はOpenTelemetryのトレース情報をログに付与するslogハンドラ。
type TraceHandler struct {
	next      slog.Handler
	projectID string
	enabled   bool
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(next slog.Handler, cfg *config.Config) *TraceHandler {
	return &TraceHandler{
		next:      next,
		projectID: cfg.GoogleCloudProject,
		enabled:   cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle はスパンが有効な場合にトレースIDとCloud Logging連携用フィールドを付けて次のハンドラへ渡す。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.enabled {
		r.AddAttrs(h.traceAttrs(trace.SpanContextFromContext(ctx))...)
	}
	return h.next.Handle(ctx, r)
}

func (h *TraceHandler) traceAttrs(sc trace.SpanContext) []slog.Attr {
	if !sc.IsValid() {
		return nil
	}
	traceID, spanID := sc.TraceID().String(), sc.SpanID().String()
	attrs := []slog.Attr{
		slog.String("trace", traceID),
		slog.String("spanId", spanID),
		slog.Bool("traceSampled", sc.IsSampled()),
	}
	if h.projectID != "" {
		attrs = append(attrs,
			slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
			slog.String("logging.googleapis.com/spanId", spanID),
		)
	}
	return attrs
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	return &c
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	return &c
}

// redactSecrets は鍵素材になりうる属性を伏せる。[]byte の値は属性名に関わらず長さだけ残す。
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if secretAttrKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if b, ok := a.Value.Any().([]byte); ok && a.Value.Kind() == slog.KindAny {
		return slog.String(a.Key, fmt.Sprintf("[REDACTED %d bytes]", len(b)))
	}
	return a
}

// NewLogger はトレース情報とSAE IDを付与するJSONロガーを生成する。
func NewLogger(w io.Writer, cfg *config.Config, level slog.Level) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSecrets,
	})
	return slog.New(NewTraceHandler(jsonHandler, cfg)).With(slog.String("sae_id", cfg.LocalSAEID))
}

// SetupLogger はグローバルロガーを設定する。
func SetupLogger(cfg *config.Config, level slog.Level) {
	slog.SetDefault(NewLogger(os.Stdout, cfg, level))
}

// ParseLogLevel はLOG_LEVELの文字列をslog.Levelに変換する。未知の値はINFOとして扱う。
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
