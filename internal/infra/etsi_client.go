package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"qkd-mail-crypto/config"
	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/pkg/etsi"
)

// StatusError はKMがエラーステータスを返した場合のエラー。
type StatusError struct {
	StatusCode int
	Message    string
	cause      error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("key manager returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("key manager returned %d", e.StatusCode)
}

// Unwrap はステータスコードに対応するドメインエラーを返す。
func (e *StatusError) Unwrap() error {
	return e.cause
}

func statusCause(code int) error {
	switch code {
	case http.StatusServiceUnavailable:
		return domain.ErrInsufficientKeys
	case http.StatusNotFound:
		return domain.ErrKeyNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrKeyNotAuthorized
	case http.StatusBadRequest:
		return domain.ErrInvalidPayload
	default:
		return domain.ErrKeyManagerUnreachable
	}
}

// retryable は同じリクエストを再送してよいステータスかどうかを返す。
// 503は鍵不足を表すため再送しない。
func retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ETSIClient はETSI GS QKD 014 のREST APIでKMと通信するクライアント。
type ETSIClient struct {
	baseURL    string
	saeID      string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxTries   uint
	interval   time.Duration
	now        func() time.Time
}

// NewETSIClient は設定からETSIClientを生成する。
func NewETSIClient(cfg *config.Config) (*ETSIClient, error) {
	if cfg.KMURL == "" {
		return nil, errors.New("KM_URL is required")
	}
	if _, err := url.Parse(cfg.KMURL); err != nil {
		return nil, fmt.Errorf("parsing KM_URL: %w", err)
	}
	burst := int(cfg.KMRateLimit)
	if burst < 1 {
		burst = 1
	}
	tlsCfg, err := newClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport
	if tlsCfg != nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = tlsCfg
		transport = t
	}
	return &ETSIClient{
		baseURL: strings.TrimRight(cfg.KMURL, "/"),
		saeID:   cfg.LocalSAEID,
		token:   cfg.KMToken,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.KMTimeout,
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.KMRateLimit), burst),
		maxTries: uint(max(cfg.KMMaxRetries, 0)) + 1,
		interval: 200 * time.Millisecond,
		now:      time.Now,
	}, nil
}

// IssueKeys は enc_keys で peerID との共有鍵を取得する。
func (c *ETSIClient) IssueKeys(ctx context.Context, peerID string, count, sizeBits int, kind domain.KeyKind) ([]*domain.KeyRecord, error) {
	body := (&etsi.KeyRequest{Number: count, Size: sizeBits}).WithKind(string(kind))

	var container etsi.KeyContainer
	path := "/api/v1/keys/" + url.PathEscape(peerID) + "/enc_keys"
	if err := c.do(ctx, http.MethodPost, path, body, &container); err != nil {
		return nil, err
	}
	return c.records(container, c.saeID, peerID, kind)
}

// FetchKeys は dec_keys で originID が取得した鍵を取得する。
func (c *ETSIClient) FetchKeys(ctx context.Context, originID string, keyIDs []string) ([]*domain.KeyRecord, error) {
	var container etsi.KeyContainer
	path := "/api/v1/keys/" + url.PathEscape(originID) + "/dec_keys"
	if err := c.do(ctx, http.MethodPost, path, etsi.NewKeyIDs(keyIDs...), &container); err != nil {
		return nil, err
	}
	return c.records(container, originID, c.saeID, "")
}

// Status はKMの状態を取得する。
func (c *ETSIClient) Status(ctx context.Context, peerID string) (*domain.KeyManagerStatus, error) {
	var st etsi.Status
	path := "/api/v1/keys/" + url.PathEscape(peerID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &domain.KeyManagerStatus{
		Reachable:         true,
		AvailableKeyCount: st.StoredKeyCount,
		KeySizeBits:       st.KeySize,
		MaxKeyCount:       st.MaxKeyCount,
		MaxKeyPerRequest:  st.MaxKeyPerRequest,
	}, nil
}

func (c *ETSIClient) records(container etsi.KeyContainer, ownerID, peerID string, kind domain.KeyKind) ([]*domain.KeyRecord, error) {
	issuedAt := c.now().UTC()
	records := make([]*domain.KeyRecord, 0, len(container.Keys))
	for _, k := range container.Keys {
		material, err := k.Material()
		if err != nil {
			wipeRecords(records)
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		recKind := domain.KeyKind(k.Kind())
		if recKind == "" {
			recKind = kind
		}
		if recKind == "" {
			recKind = domain.KeyKindEncryption
		}
		rec := &domain.KeyRecord{
			KeyID:         k.KeyID,
			Material:      material,
			SizeBits:      len(material) * 8,
			Kind:          recKind,
			IssuedAt:      issuedAt,
			State:         domain.KeyStateConsumed,
			OwnerEntityID: ownerID,
			PeerEntityID:  peerID,
		}
		records = append(records, rec)
		if err := rec.Validate(); err != nil {
			wipeRecords(records)
			return nil, fmt.Errorf("%w: key %s: %v", domain.ErrInvalidPayload, k.KeyID, err)
		}
	}
	return records, nil
}

func (c *ETSIClient) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	operation := func() (*http.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set(etsi.SAEIDHeader, c.saeID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode < 400 {
			return resp, nil
		}
		statusErr := readStatusError(resp)
		if retryable(resp.StatusCode) {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.interval
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "retrying key manager request",
				"operation", "etsi_request",
				"path", path,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrKeyManagerUnreachable, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decoding response: %v", domain.ErrKeyManagerUnreachable, err)
	}
	return nil
}

func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	statusErr := &StatusError{StatusCode: resp.StatusCode, cause: statusCause(resp.StatusCode)}
	var etsiErr etsi.Error
	if err := json.Unmarshal(data, &etsiErr); err == nil && etsiErr.Message != "" {
		statusErr.Message = etsiErr.Message
	}
	return statusErr
}

func wipeRecords(records []*domain.KeyRecord) {
	for _, r := range records {
		domain.Wipe(r.Material)
	}
}
