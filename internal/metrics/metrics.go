// Package metrics は暗号処理と鍵管理のPrometheusメトリクスを提供する。
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"qkd-mail-crypto/internal/domain"
)

const namespace = "qkd_mail"

// ステータスラベル
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// 操作名
const (
	OpEncrypt        = "encrypt"
	OpDecrypt        = "decrypt"
	OpEncryptMessage = "encrypt_message"
	OpDecryptMessage = "decrypt_message"
)

// 鍵の取得元
const (
	SourceCache  = "cache"
	SourceRemote = "remote"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of crypto operations by operation, tier, and status",
		},
		[]string{"operation", "tier", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of crypto operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation", "tier"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	keyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "requests_total",
			Help:      "Total number of key requests by kind, source, and status",
		},
		[]string{"kind", "source", "status"},
	)

	keysIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "issued_total",
			Help:      "Total number of key records handed out by kind",
		},
		[]string{"kind"},
	)

	keysExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "expired_total",
			Help:      "Total number of key records expired by the sweeper",
		},
	)

	tierFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_fallbacks_total",
			Help:      "Total number of messages encrypted at a lower tier than requested",
		},
		[]string{"from", "to"},
	)

	partFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "part_failures_total",
			Help:      "Total number of message parts that failed to encrypt or decrypt",
		},
		[]string{"operation", "part"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{"method", "status_code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// ErrorType はエラーをメトリクスのラベル値に分類する。
func ErrorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientKeys):
		return "insufficient_keys"
	case errors.Is(err, domain.ErrKeyManagerUnreachable):
		return "unreachable"
	case errors.Is(err, domain.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, domain.ErrIntegrityFailure):
		return "integrity_failure"
	case errors.Is(err, domain.ErrInvalidTierForOperation):
		return "invalid_tier"
	case errors.Is(err, domain.ErrKeyTooShort):
		return "key_too_short"
	case errors.Is(err, domain.ErrKeyNotAuthorized):
		return "not_authorized"
	case errors.Is(err, domain.ErrChecksumMismatch):
		return "checksum_mismatch"
	default:
		return "other"
	}
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordOperation は暗号操作の件数と所要時間を記録する。
func RecordOperation(operation string, tier domain.SecurityTier, start time.Time, err error) {
	operationsTotal.WithLabelValues(operation, string(tier), status(err)).Inc()
	operationDuration.WithLabelValues(operation, string(tier)).Observe(time.Since(start).Seconds())
	if err != nil {
		errorsTotal.WithLabelValues(operation, ErrorType(err)).Inc()
	}
}

// RecordKeyRequest は鍵要求の結果を記録する。
func RecordKeyRequest(kind domain.KeyKind, source string, count int, err error) {
	keyRequestsTotal.WithLabelValues(string(kind), source, status(err)).Inc()
	if err == nil && count > 0 {
		keysIssued.WithLabelValues(string(kind)).Add(float64(count))
	}
}

// RecordExpired は失効させた鍵の数を記録する。
func RecordExpired(n int) {
	if n > 0 {
		keysExpired.Add(float64(n))
	}
}

// RecordFallback はセキュリティレベルの低下を記録する。
func RecordFallback(from, to domain.SecurityTier) {
	tierFallbacks.WithLabelValues(string(from), string(to)).Inc()
}

// RecordPartFailure はメッセージパートの失敗を記録する。
func RecordPartFailure(operation, part string) {
	partFailures.WithLabelValues(operation, part).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware はHTTPリクエストの件数と所要時間を記録する。
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
