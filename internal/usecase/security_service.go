package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/metrics"
)

const tracerName = "qkd-mail-crypto/internal/usecase"

// CryptoProvider はセキュリティレベルごとの暗号方式のインターフェース。
type CryptoProvider interface {
	Tier() domain.SecurityTier
	Encrypt(ctx context.Context, plaintext []byte, opts domain.CryptoOptions) (*domain.EncryptedPayload, error)
	Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error)
}

// SecurityService はセキュリティレベルに応じて暗号プロバイダを選択する。
// 既定のセキュリティレベル以外の状態を持たない。
type SecurityService struct {
	providers   map[domain.SecurityTier]CryptoProvider
	defaultTier atomic.Value
	tracer      trace.Tracer
}

// NewSecurityService は新しいSecurityServiceを生成する。
func NewSecurityService(defaultTier domain.SecurityTier, providers ...CryptoProvider) (*SecurityService, error) {
	s := &SecurityService{
		providers: make(map[domain.SecurityTier]CryptoProvider, len(providers)),
		tracer:    otel.Tracer(tracerName),
	}
	for _, p := range providers {
		if !p.Tier().Valid() {
			return nil, fmt.Errorf("%w: provider for unknown tier %q", domain.ErrInvalidTierForOperation, p.Tier())
		}
		if _, dup := s.providers[p.Tier()]; dup {
			return nil, fmt.Errorf("duplicate provider for tier %q", p.Tier())
		}
		s.providers[p.Tier()] = p
	}
	if err := s.SetDefaultTier(defaultTier); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SecurityService) provider(tier domain.SecurityTier) (CryptoProvider, error) {
	p, ok := s.providers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for tier %q", domain.ErrInvalidTierForOperation, tier)
	}
	return p, nil
}

// DefaultTier は既定のセキュリティレベルを返す。
func (s *SecurityService) DefaultTier() domain.SecurityTier {
	return s.defaultTier.Load().(domain.SecurityTier)
}

// SetDefaultTier は既定のセキュリティレベルを変更する。
func (s *SecurityService) SetDefaultTier(tier domain.SecurityTier) error {
	if _, err := s.provider(tier); err != nil {
		return err
	}
	s.defaultTier.Store(tier)
	return nil
}

// Tiers は利用可能なセキュリティレベルを保証の高い順に返す。
func (s *SecurityService) Tiers() []domain.SecurityTier {
	tiers := make([]domain.SecurityTier, 0, len(s.providers))
	for t := range s.providers {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].Level() < tiers[j].Level()
	})
	return tiers
}

// Describe はセキュリティレベルの特性を返す。
func (s *SecurityService) Describe(tier domain.SecurityTier) (domain.TierInfo, error) {
	if _, err := s.provider(tier); err != nil {
		return domain.TierInfo{}, err
	}
	return tier.Info()
}

// Encrypt は指定のセキュリティレベルで暗号化する。tier が空の場合は既定のレベルを使う。
// プロバイダのエラーはそのまま返す。
func (s *SecurityService) Encrypt(ctx context.Context, data []byte, tier domain.SecurityTier, opts domain.CryptoOptions) (payload *domain.EncryptedPayload, err error) {
	if tier == "" {
		tier = s.DefaultTier()
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "SecurityService.Encrypt", trace.WithAttributes(
		attribute.String("qkd.tier", string(tier)),
		attribute.Int("qkd.plaintext_bytes", len(data)),
	))
	defer func() {
		finishSpan(span, err)
		metrics.RecordOperation(metrics.OpEncrypt, tier, start, err)
	}()

	p, err := s.provider(tier)
	if err != nil {
		return nil, err
	}
	payload, err = p.Encrypt(ctx, data, opts)
	if err != nil {
		return nil, err
	}
	if payload.Tier != tier {
		return nil, fmt.Errorf("%w: provider produced tier %q", domain.ErrInvalidTierForOperation, payload.Tier)
	}
	span.SetAttributes(attribute.String("qkd.algorithm", payload.Algorithm))
	return payload, nil
}

// Decrypt はペイロードに記録されたセキュリティレベルで復号する。
func (s *SecurityService) Decrypt(ctx context.Context, payload *domain.EncryptedPayload) (plaintext []byte, err error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", domain.ErrInvalidPayload)
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "SecurityService.Decrypt", trace.WithAttributes(
		attribute.String("qkd.tier", string(payload.Tier)),
		attribute.String("qkd.algorithm", payload.Algorithm),
	))
	defer func() {
		finishSpan(span, err)
		metrics.RecordOperation(metrics.OpDecrypt, payload.Tier, start, err)
	}()

	p, err := s.provider(payload.Tier)
	if err != nil {
		return nil, err
	}
	if !payload.Tier.Supports(payload.Algorithm) {
		return nil, fmt.Errorf("%w: algorithm %q not supported by tier %q", domain.ErrInvalidPayload, payload.Algorithm, payload.Tier)
	}
	return p.Decrypt(ctx, payload)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, metrics.ErrorType(err))
	}
	span.End()
}
