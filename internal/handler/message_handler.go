// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"io"
	"mime"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/middleware"
	"qkd-mail-crypto/pkg/httputil"
)

var saeIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func validateSAEID(id string) error {
	if id == "" || len(id) > 64 || !saeIDRegex.MatchString(id) {
		return domain.ErrInvalidSAEID
	}
	return nil
}

// MessageEngine はメッセージ単位の暗号化・復号を行う。
type MessageEngine interface {
	EncryptMessage(ctx context.Context, msg domain.Message, tier domain.SecurityTier, opts domain.CryptoOptions) (*domain.EncryptedMessageEnvelope, error)
	DecryptMessage(ctx context.Context, env *domain.EncryptedMessageEnvelope) (*domain.DecryptedMessage, error)
}

// TierRegistry は利用可能なセキュリティレベルを管理する。
type TierRegistry interface {
	DefaultTier() domain.SecurityTier
	SetDefaultTier(tier domain.SecurityTier) error
	Tiers() []domain.SecurityTier
	Describe(tier domain.SecurityTier) (domain.TierInfo, error)
}

// KeyStatusReader は鍵の残量を返す。
type KeyStatusReader interface {
	LocalEntityID() string
	GetStatus(ctx context.Context, peerID string) (*domain.KeyManagerStatus, error)
}

// PeerKeyDirectory は公開鍵を使うセキュリティレベルの鍵ディレクトリ。
type PeerKeyDirectory interface {
	Tier() domain.SecurityTier
	PublicKey() []byte
	RegisterPeer(peerID string, pub []byte) error
}

// MessageHandler はメッセージ暗号化APIのハンドラ。
type MessageHandler struct {
	engine    MessageEngine
	tiers     TierRegistry
	keys      KeyStatusReader
	directory map[domain.SecurityTier]PeerKeyDirectory
}

// NewMessageHandler は新しいMessageHandlerを生成する。
func NewMessageHandler(engine MessageEngine, tiers TierRegistry, keys KeyStatusReader, directories ...PeerKeyDirectory) *MessageHandler {
	dir := make(map[domain.SecurityTier]PeerKeyDirectory, len(directories))
	for _, d := range directories {
		dir[d.Tier()] = d
	}
	return &MessageHandler{
		engine:    engine,
		tiers:     tiers,
		keys:      keys,
		directory: dir,
	}
}

// EncryptRequest は暗号化リクエストの形式。
type EncryptRequest struct {
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Tier        string              `json:"tier,omitempty"`
	PeerSAEID   string              `json:"peer_sae_id,omitempty"`
	// ToSelf は非対称方式で自分宛てに暗号化する場合に指定する。
	ToSelf bool `json:"to_self,omitempty"`
}

// TierListResponse はセキュリティレベル一覧のレスポンス形式。
type TierListResponse struct {
	DefaultTier domain.SecurityTier `json:"default_tier"`
	Tiers       []domain.TierInfo   `json:"tiers"`
}

// SetDefaultTierRequest は既定レベル変更リクエストの形式。
type SetDefaultTierRequest struct {
	Tier string `json:"tier"`
}

// KeyStatusResponse は鍵残量のレスポンス形式。
type KeyStatusResponse struct {
	LocalSAEID        string `json:"local_sae_id"`
	PeerSAEID         string `json:"peer_sae_id,omitempty"`
	Reachable         bool   `json:"reachable"`
	AvailableKeyCount int    `json:"available_key_count"`
	LocalKeyCount     int    `json:"local_key_count"`
	RemoteKeyCount    int    `json:"remote_key_count"`
	KeySizeBits       int    `json:"key_size,omitempty"`
	MaxKeyPerRequest  int    `json:"max_key_per_request,omitempty"`
}

// PublicKeysResponse は自身の公開鍵のレスポンス形式。鍵はBase64で表す。
type PublicKeysResponse struct {
	SAEID string                         `json:"sae_id"`
	Keys  map[domain.SecurityTier][]byte `json:"keys"`
}

func (h *MessageHandler) requester(r *http.Request) string {
	if id, ok := middleware.SAEIDFromContext(r.Context()); ok {
		return id
	}
	return h.keys.LocalEntityID()
}

// EncryptMessage はメッセージを暗号化して封筒を返す。?format=armor の場合はテキスト形式で返す。
func (h *MessageHandler) EncryptMessage(w http.ResponseWriter, r *http.Request) {
	var req EncryptRequest
	if err := httputil.DecodeJSON(w, r, &req, 0); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var tier domain.SecurityTier
	if req.Tier != "" {
		t, err := domain.ParseSecurityTier(req.Tier)
		if err != nil {
			writeError(w, err)
			return
		}
		tier = t
	}
	if req.PeerSAEID != "" {
		if err := validateSAEID(req.PeerSAEID); err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_SAE_ID", "invalid peer SAE ID format")
			return
		}
	}

	msg := domain.Message{Subject: req.Subject, Body: req.Body, Attachments: req.Attachments}
	env, err := h.engine.EncryptMessage(r.Context(), msg, tier, domain.CryptoOptions{PeerEntityID: req.PeerSAEID, ToSelf: req.ToSelf})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ENCRYPT_MESSAGE", h.requester(r), req.Tier, "FAILED")
		writeError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "ENCRYPT_MESSAGE", h.requester(r), string(env.Tier), "SUCCESS")

	if r.URL.Query().Get("format") == "armor" {
		text, err := domain.ArmorEnvelope(env)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.Text(w, http.StatusOK, text)
		return
	}
	httputil.JSON(w, http.StatusOK, env)
}

// DecryptMessage は封筒を復号する。JSONまたはテキスト形式の封筒を受け付ける。
// パート単位の失敗はレスポンスの failures に含め、ステータスは200とする。
func (h *MessageHandler) DecryptMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.DefaultMaxBodyBytes))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body")
		return
	}

	var env *domain.EncryptedMessageEnvelope
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		env, err = domain.DearmorEnvelope(string(data))
	} else {
		env, err = domain.ParseEnvelope(data)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.engine.DecryptMessage(r.Context(), env)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DECRYPT_MESSAGE", h.requester(r), string(env.Tier), "FAILED")
		writeError(w, err)
		return
	}

	result := "SUCCESS"
	if len(out.Failures) > 0 {
		result = "PARTIAL"
	}
	middleware.WriteAuditLog(r.Context(), "DECRYPT_MESSAGE", h.requester(r), string(env.Tier), result)
	httputil.JSON(w, http.StatusOK, out)
}

// ListTiers は利用可能なセキュリティレベルを返す。
func (h *MessageHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	resp := TierListResponse{DefaultTier: h.tiers.DefaultTier()}
	for _, t := range h.tiers.Tiers() {
		info, err := h.tiers.Describe(t)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Tiers = append(resp.Tiers, info)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// DescribeTier はセキュリティレベルの特性を返す。レベル番号も受け付ける。
func (h *MessageHandler) DescribeTier(w http.ResponseWriter, r *http.Request) {
	tier, err := domain.ParseSecurityTier(chi.URLParam(r, "tier"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.tiers.Describe(tier)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, info)
}

// SetDefaultTier は既定のセキュリティレベルを変更する。
func (h *MessageHandler) SetDefaultTier(w http.ResponseWriter, r *http.Request) {
	var req SetDefaultTierRequest
	if err := httputil.DecodeJSON(w, r, &req, 4<<10); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	tier, err := domain.ParseSecurityTier(req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.tiers.SetDefaultTier(tier); err != nil {
		middleware.WriteAuditLog(r.Context(), "SET_DEFAULT_TIER", h.requester(r), string(tier), "FAILED")
		writeError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "SET_DEFAULT_TIER", h.requester(r), string(tier), "SUCCESS")
	httputil.JSON(w, http.StatusOK, SetDefaultTierRequest{Tier: string(tier)})
}

// KeyStatus は相手先SAEとの鍵の残量を返す。?peer= で相手先を指定できる。
func (h *MessageHandler) KeyStatus(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer != "" {
		if err := validateSAEID(peer); err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_SAE_ID", "invalid peer SAE ID format")
			return
		}
	}
	st, err := h.keys.GetStatus(r.Context(), peer)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, KeyStatusResponse{
		LocalSAEID:        h.keys.LocalEntityID(),
		PeerSAEID:         peer,
		Reachable:         st.Reachable,
		AvailableKeyCount: st.AvailableKeyCount,
		LocalKeyCount:     st.LocalKeyCount,
		RemoteKeyCount:    st.RemoteKeyCount,
		KeySizeBits:       st.KeySizeBits,
		MaxKeyPerRequest:  st.MaxKeyPerRequest,
	})
}

// PublicKeys は公開鍵を使うセキュリティレベルの自身の公開鍵を返す。
func (h *MessageHandler) PublicKeys(w http.ResponseWriter, r *http.Request) {
	resp := PublicKeysResponse{
		SAEID: h.keys.LocalEntityID(),
		Keys:  make(map[domain.SecurityTier][]byte, len(h.directory)),
	}
	for tier, d := range h.directory {
		resp.Keys[tier] = d.PublicKey()
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// RegisterPeerKeys は相手先SAEの公開鍵を登録する。ボディはレベル名から公開鍵(Base64)への対応。
func (h *MessageHandler) RegisterPeerKeys(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "sae_id")
	if err := validateSAEID(peerID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SAE_ID", "invalid SAE ID format")
		return
	}

	var req map[domain.SecurityTier][]byte
	if err := httputil.DecodeJSON(w, r, &req, 64<<10); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if len(req) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "no public keys given")
		return
	}
	for tier := range req {
		if _, ok := h.directory[tier]; !ok {
			writeError(w, domain.ErrInvalidTierForOperation)
			return
		}
	}
	for tier, pub := range req {
		if err := h.directory[tier].RegisterPeer(peerID, pub); err != nil {
			middleware.WriteAuditLog(r.Context(), "REGISTER_PEER_KEY", h.requester(r), peerID, "FAILED")
			writeError(w, err)
			return
		}
	}
	middleware.WriteAuditLog(r.Context(), "REGISTER_PEER_KEY", h.requester(r), peerID, "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}
