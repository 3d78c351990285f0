package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/metrics"
)

// パート名
const (
	PartSubject = "subject"
	PartBody    = "body"
)

// PayloadCipher はパート単位の暗号化・復号のインターフェース。
type PayloadCipher interface {
	Encrypt(ctx context.Context, data []byte, tier domain.SecurityTier, opts domain.CryptoOptions) (*domain.EncryptedPayload, error)
	Decrypt(ctx context.Context, payload *domain.EncryptedPayload) ([]byte, error)
	DefaultTier() domain.SecurityTier
}

// EngineOptions はEncryptionEngineの動作設定。
type EngineOptions struct {
	// Fallback が true の場合、件名・本文が回復可能なエラーで失敗したときに下位レベルで再試行する。
	Fallback bool
	// MaxParallel は1メッセージ内で同時に処理するパート数。0以下は無制限。
	MaxParallel int
}

// EncryptionEngine はメッセージを件名・本文・添付に分けて暗号化・復号する。
type EncryptionEngine struct {
	cipher PayloadCipher
	opts   EngineOptions
	tracer trace.Tracer
	now    func() time.Time
}

// NewEncryptionEngine は新しいEncryptionEngineを生成する。
func NewEncryptionEngine(cipher PayloadCipher, opts EngineOptions) *EncryptionEngine {
	return &EncryptionEngine{
		cipher: cipher,
		opts:   opts,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// AttachmentPart は添付ファイルのパート名を返す。
func AttachmentPart(i int, name string) string {
	return fmt.Sprintf("attachment[%d]:%s", i, name)
}

// EncryptMessage はメッセージ全体を1つのセキュリティレベルで暗号化する。
// 添付の暗号化失敗は平文のまま失敗フラグ付きで封筒に含め、件名・本文の失敗はメッセージ全体の失敗とする。
func (e *EncryptionEngine) EncryptMessage(ctx context.Context, msg domain.Message, tier domain.SecurityTier, opts domain.CryptoOptions) (env *domain.EncryptedMessageEnvelope, err error) {
	if tier == "" {
		tier = e.cipher.DefaultTier()
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTierForOperation, tier)
	}

	start := time.Now()
	requested := tier
	ctx, span := e.tracer.Start(ctx, "EncryptionEngine.EncryptMessage", trace.WithAttributes(
		attribute.String("qkd.requested_tier", string(requested)),
		attribute.Int("qkd.attachments", len(msg.Attachments)),
	))
	defer func() {
		finishSpan(span, err)
		metrics.RecordOperation(metrics.OpEncryptMessage, requested, start, err)
	}()

	for {
		env, err = e.encryptAt(ctx, msg, tier, opts)
		if err == nil {
			env.RequestedTier = requested
			span.SetAttributes(attribute.String("qkd.tier", string(tier)))
			if tier != requested {
				metrics.RecordFallback(requested, tier)
			}
			return env, nil
		}
		if !e.opts.Fallback || !domain.IsRecoverable(err) {
			return nil, err
		}
		next, ok := tier.Fallback()
		if !ok {
			return nil, err
		}
		slog.WarnContext(ctx, "falling back to lower security tier",
			"operation", "encrypt_message",
			"from", tier,
			"to", next,
			"error", err,
		)
		tier = next
	}
}

func (e *EncryptionEngine) newGroup(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if e.opts.MaxParallel > 0 {
		g.SetLimit(e.opts.MaxParallel)
	}
	return g, gctx
}

func (e *EncryptionEngine) encryptAt(ctx context.Context, msg domain.Message, tier domain.SecurityTier, opts domain.CryptoOptions) (*domain.EncryptedMessageEnvelope, error) {
	env := &domain.EncryptedMessageEnvelope{
		Version:     domain.EnvelopeVersion,
		Tier:        tier,
		Attachments: make([]domain.EncryptedAttachment, len(msg.Attachments)),
		CreatedAt:   e.now().UTC(),
	}

	g, gctx := e.newGroup(ctx)
	g.Go(func() error {
		p, err := e.cipher.Encrypt(gctx, []byte(msg.Subject), tier, opts)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", PartSubject, err)
		}
		env.Subject = p
		return nil
	})
	g.Go(func() error {
		p, err := e.cipher.Encrypt(gctx, []byte(msg.Body), tier, opts)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", PartBody, err)
		}
		env.Body = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 件名と本文が暗号化できてから添付の鍵を消費する
	ag, actx := e.newGroup(ctx)
	for i, a := range msg.Attachments {
		ag.Go(func() error {
			env.Attachments[i] = e.encryptAttachment(actx, i, a, tier, opts)
			return nil
		})
	}
	_ = ag.Wait()
	return env, nil
}

func (e *EncryptionEngine) encryptAttachment(ctx context.Context, i int, a domain.Attachment, tier domain.SecurityTier, opts domain.CryptoOptions) domain.EncryptedAttachment {
	ea := domain.EncryptedAttachment{Name: a.Name, MimeType: a.MimeType}
	sealed := domain.SealAttachment(a.Content)
	p, err := e.cipher.Encrypt(ctx, sealed, tier, opts)
	clear(sealed)
	if err != nil {
		part := AttachmentPart(i, a.Name)
		metrics.RecordPartFailure(metrics.OpEncryptMessage, "attachment")
		slog.WarnContext(ctx, "attachment carried unencrypted",
			"operation", "encrypt_message",
			"part", part,
			"tier", tier,
			"error", err,
		)
		ea.FailureReason = err.Error()
		ea.Size = len(a.Content)
		ea.Checksum = domain.Checksum(a.Content)
		ea.Content = append([]byte{}, a.Content...)
		return ea
	}
	ea.Encrypted = true
	ea.Payload = p
	return ea
}

// DecryptMessage は封筒を復号する。失敗したパートはプレースホルダと失敗理由に置き換え、他のパートの復号は続ける。
func (e *EncryptionEngine) DecryptMessage(ctx context.Context, env *domain.EncryptedMessageEnvelope) (out *domain.DecryptedMessage, err error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", domain.ErrInvalidPayload)
	}
	if env.Version != domain.EnvelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", domain.ErrInvalidPayload, env.Version)
	}
	if !env.Tier.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTierForOperation, env.Tier)
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "EncryptionEngine.DecryptMessage", trace.WithAttributes(
		attribute.String("qkd.tier", string(env.Tier)),
		attribute.Int("qkd.attachments", len(env.Attachments)),
	))
	defer func() {
		finishSpan(span, err)
		metrics.RecordOperation(metrics.OpDecryptMessage, env.Tier, start, err)
	}()

	out = &domain.DecryptedMessage{
		Tier:        env.Tier,
		Attachments: make([]domain.DecryptedAttachment, len(env.Attachments)),
	}
	// 0: 件名, 1: 本文, 2以降: 添付
	failures := make([]*domain.PartFailure, 2+len(env.Attachments))
	var mu sync.Mutex
	fail := func(slot int, part string, err error) string {
		reason := err.Error()
		mu.Lock()
		failures[slot] = &domain.PartFailure{Part: part, Reason: reason}
		mu.Unlock()
		metrics.RecordPartFailure(metrics.OpDecryptMessage, partLabel(slot))
		slog.WarnContext(ctx, "message part failed to decrypt",
			"operation", "decrypt_message",
			"part", part,
			"error", err,
		)
		return reason
	}

	// 各パートは独立して失敗するので、グループのコンテキストは使わない
	g, _ := e.newGroup(ctx)
	g.Go(func() error {
		b, err := e.decryptPart(ctx, env.Tier, env.Subject)
		if err != nil {
			out.Subject = domain.FailurePlaceholder(fail(0, PartSubject, err))
			return nil
		}
		out.Subject = string(b)
		return nil
	})
	g.Go(func() error {
		b, err := e.decryptPart(ctx, env.Tier, env.Body)
		if err != nil {
			out.Body = domain.FailurePlaceholder(fail(1, PartBody, err))
			return nil
		}
		out.Body = string(b)
		return nil
	})
	for i, a := range env.Attachments {
		g.Go(func() error {
			da, err := e.decryptAttachment(ctx, env.Tier, a)
			if err != nil {
				da.Failed = true
				da.FailureReason = fail(2+i, AttachmentPart(i, a.Name), err)
			}
			out.Attachments[i] = da
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failures {
		if f != nil {
			out.Failures = append(out.Failures, *f)
		}
	}
	span.SetAttributes(attribute.Int("qkd.failed_parts", len(out.Failures)))
	return out, nil
}

func partLabel(slot int) string {
	switch slot {
	case 0:
		return PartSubject
	case 1:
		return PartBody
	default:
		return "attachment"
	}
}

func (e *EncryptionEngine) decryptPart(ctx context.Context, tier domain.SecurityTier, p *domain.EncryptedPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: missing payload", domain.ErrInvalidPayload)
	}
	if p.Tier != tier {
		return nil, fmt.Errorf("%w: part tier %q in %q envelope", domain.ErrInvalidTierForOperation, p.Tier, tier)
	}
	return e.cipher.Decrypt(ctx, p)
}

func (e *EncryptionEngine) decryptAttachment(ctx context.Context, tier domain.SecurityTier, a domain.EncryptedAttachment) (domain.DecryptedAttachment, error) {
	da := domain.DecryptedAttachment{Name: a.Name, MimeType: a.MimeType}

	if a.Encrypted {
		b, err := e.decryptPart(ctx, tier, a.Payload)
		if err != nil {
			return da, err
		}
		content, err := domain.OpenAttachment(b)
		if err != nil {
			return da, err
		}
		da.Content = content
		return da, nil
	}

	da.Unencrypted = true
	da.FailureReason = a.FailureReason
	content := a.Content
	if content == nil {
		content = []byte{}
	}
	if err := domain.VerifyContent(content, a.Size, a.Checksum); err != nil {
		return da, err
	}
	da.Content = content
	return da, nil
}
