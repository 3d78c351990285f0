// Package provider はセキュリティレベルごとの暗号プロバイダを提供する。
//
// 4つのプロバイダはいずれも Encrypt/Decrypt の同じ操作を持ち、呼び出しごとに状態を持たない。
// 非対称方式のプロバイダが保持するローカル鍵ペアは追加のみで、生成後に変更されない。
package provider

import (
	"context"
	"fmt"

	"qkd-mail-crypto/internal/domain"
)

// KeySource は量子鍵素材の取得元のインターフェース。
// 返される KeyRecord は呼び出し側が所有する複製で、使用後に消去する。
type KeySource interface {
	RequestEncryptionKey(ctx context.Context, peerID string, sizeBits int) (*domain.KeyRecord, error)
	RequestOTPKeys(ctx context.Context, peerID string, count, sizeBits int) ([]*domain.KeyRecord, error)
	FetchKey(ctx context.Context, originID, keyID string) (*domain.KeyRecord, error)
}

// peerOf は暗号化先のSAEを返す。未指定の場合は既定の相手先を使う。
func peerOf(opts domain.CryptoOptions, defaultPeer string) string {
	if opts.PeerEntityID != "" {
		return opts.PeerEntityID
	}
	return defaultPeer
}

// checkPayload はペイロードのレベルとアルゴリズムを照合する。
func checkPayload(payload *domain.EncryptedPayload, tier domain.SecurityTier, algorithm string) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload", domain.ErrInvalidPayload)
	}
	if payload.Tier != tier {
		return fmt.Errorf("%w: payload tier %q, provider tier %q", domain.ErrInvalidTierForOperation, payload.Tier, tier)
	}
	if payload.Algorithm != algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", domain.ErrInvalidPayload, payload.Algorithm)
	}
	return nil
}
