package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/middleware"
)

// mockEngine はテスト用のモックエンジン。
type mockEngine struct {
	encryptErr  error
	decryptErr  error
	decryptOut  *domain.DecryptedMessage
	gotTier     domain.SecurityTier
	gotOpts     domain.CryptoOptions
	gotMessage  domain.Message
	gotEnvelope *domain.EncryptedMessageEnvelope
}

func (m *mockEngine) EncryptMessage(ctx context.Context, msg domain.Message, tier domain.SecurityTier, opts domain.CryptoOptions) (*domain.EncryptedMessageEnvelope, error) {
	m.gotMessage, m.gotTier, m.gotOpts = msg, tier, opts
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	if tier == "" {
		tier = domain.TierQuantumAided
	}
	payload := &domain.EncryptedPayload{Ciphertext: []byte("ct"), Tier: tier, Algorithm: "test", CreatedAt: time.Now()}
	return &domain.EncryptedMessageEnvelope{
		Version:       domain.EnvelopeVersion,
		Tier:          tier,
		RequestedTier: tier,
		Subject:       payload,
		Body:          payload,
		CreatedAt:     time.Now(),
	}, nil
}

func (m *mockEngine) DecryptMessage(ctx context.Context, env *domain.EncryptedMessageEnvelope) (*domain.DecryptedMessage, error) {
	m.gotEnvelope = env
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	if m.decryptOut != nil {
		return m.decryptOut, nil
	}
	return &domain.DecryptedMessage{Tier: env.Tier, Subject: "hello", Body: "world"}, nil
}

// mockTiers はテスト用のモックレジストリ。
type mockTiers struct {
	defaultTier domain.SecurityTier
	available   []domain.SecurityTier
}

func (m *mockTiers) DefaultTier() domain.SecurityTier { return m.defaultTier }

func (m *mockTiers) SetDefaultTier(tier domain.SecurityTier) error {
	for _, t := range m.available {
		if t == tier {
			m.defaultTier = tier
			return nil
		}
	}
	return domain.ErrInvalidTierForOperation
}

func (m *mockTiers) Tiers() []domain.SecurityTier { return m.available }

func (m *mockTiers) Describe(tier domain.SecurityTier) (domain.TierInfo, error) {
	return tier.Info()
}

// mockKeyStatus はテスト用のモック鍵状態。
type mockKeyStatus struct {
	status  *domain.KeyManagerStatus
	err     error
	gotPeer string
}

func (m *mockKeyStatus) LocalEntityID() string { return "SAE_A" }

func (m *mockKeyStatus) GetStatus(ctx context.Context, peerID string) (*domain.KeyManagerStatus, error) {
	m.gotPeer = peerID
	return m.status, m.err
}

// mockDirectory はテスト用の公開鍵ディレクトリ。
type mockDirectory struct {
	tier  domain.SecurityTier
	peers map[string][]byte
	err   error
}

func (m *mockDirectory) Tier() domain.SecurityTier { return m.tier }
func (m *mockDirectory) PublicKey() []byte         { return []byte("pub-" + string(m.tier)) }

func (m *mockDirectory) RegisterPeer(peerID string, pub []byte) error {
	if m.err != nil {
		return m.err
	}
	m.peers[peerID] = pub
	return nil
}

func setupMessageHandler() (*MessageHandler, *mockEngine, *mockTiers, *mockKeyStatus, *mockDirectory) {
	engine := &mockEngine{}
	tiers := &mockTiers{defaultTier: domain.TierQuantumAided, available: domain.AllTiers()}
	keys := &mockKeyStatus{status: &domain.KeyManagerStatus{Reachable: true, AvailableKeyCount: 10, LocalKeyCount: 4, RemoteKeyCount: 6}}
	dir := &mockDirectory{tier: domain.TierStandard, peers: map[string][]byte{}}
	return NewMessageHandler(engine, tiers, keys, dir), engine, tiers, keys, dir
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestEncryptMessage_Success(t *testing.T) {
	h, engine, _, _, _ := setupMessageHandler()

	body := `{"subject":"s","body":"b","tier":"1","peer_sae_id":"SAE_B","attachments":[{"name":"a.txt","mime_type":"text/plain","content":"aGk="}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/encrypt", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.EncryptMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.gotTier != domain.TierQuantumSecure {
		t.Errorf("want tier quantum_secure, got %s", engine.gotTier)
	}
	if engine.gotOpts.PeerEntityID != "SAE_B" {
		t.Errorf("want peer SAE_B, got %s", engine.gotOpts.PeerEntityID)
	}
	if len(engine.gotMessage.Attachments) != 1 || string(engine.gotMessage.Attachments[0].Content) != "hi" {
		t.Errorf("attachment not decoded: %+v", engine.gotMessage.Attachments)
	}

	env, err := domain.ParseEnvelope(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("response is not an envelope: %v", err)
	}
	if env.Tier != domain.TierQuantumSecure {
		t.Errorf("want envelope tier quantum_secure, got %s", env.Tier)
	}
}

func TestEncryptMessage_DefaultTierAndArmor(t *testing.T) {
	h, engine, _, _, _ := setupMessageHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/encrypt?format=armor", strings.NewReader(`{"subject":"s","body":"b"}`))
	rec := httptest.NewRecorder()
	h.EncryptMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if engine.gotTier != "" {
		t.Errorf("want empty tier passed to engine, got %s", engine.gotTier)
	}
	if !strings.HasPrefix(rec.Body.String(), "-----BEGIN QKD MESSAGE-----") {
		t.Errorf("want armored body, got %q", rec.Body.String())
	}
	if _, err := domain.DearmorEnvelope(rec.Body.String()); err != nil {
		t.Errorf("armored body does not parse: %v", err)
	}
}

func TestEncryptMessage_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		engineErr  error
		wantStatus int
		wantCode   string
	}{
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "unknown tier", body: `{"tier":"classical"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_TIER"},
		{name: "invalid peer", body: `{"peer_sae_id":"bad id!"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_SAE_ID"},
		{
			name:       "insufficient keys",
			body:       `{"subject":"s"}`,
			engineErr:  &domain.InsufficientKeysError{Available: 0, Requested: 1},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "INSUFFICIENT_KEYS",
		},
		{
			name:       "unreachable",
			body:       `{"subject":"s"}`,
			engineErr:  domain.ErrKeyManagerUnreachable,
			wantStatus: http.StatusBadGateway,
			wantCode:   "UNREACHABLE",
		},
		{
			name:       "internal",
			body:       `{"subject":"s"}`,
			engineErr:  errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, engine, _, _, _ := setupMessageHandler()
			engine.encryptErr = tt.engineErr

			req := httptest.NewRequest(http.MethodPost, "/v1/messages/encrypt", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.EncryptMessage(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
			var resp map[string]string
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp["code"] != tt.wantCode {
				t.Errorf("want code %s, got %s", tt.wantCode, resp["code"])
			}
			if tt.wantStatus == http.StatusInternalServerError && strings.Contains(resp["message"], "boom") {
				t.Error("internal error detail leaked")
			}
		})
	}
}

func TestDecryptMessage_JSONAndArmor(t *testing.T) {
	h, engine, _, _, _ := setupMessageHandler()

	env, _ := engine.EncryptMessage(context.Background(), domain.Message{}, domain.TierStandard, domain.CryptoOptions{})
	data, _ := json.Marshal(env)
	armored, _ := domain.ArmorEnvelope(env)

	tests := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{name: "json", contentType: "application/json", body: data},
		{name: "armor", contentType: "text/plain; charset=utf-8", body: []byte("Hi Bob,\n\n" + armored)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages/decrypt", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			h.DecryptMessage(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("want status 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var out domain.DecryptedMessage
			json.NewDecoder(rec.Body).Decode(&out)
			if out.Subject != "hello" || out.Tier != domain.TierStandard {
				t.Errorf("unexpected result %+v", out)
			}
		})
	}
}

func TestDecryptMessage_PartialFailureIs200(t *testing.T) {
	h, engine, _, _, _ := setupMessageHandler()
	engine.decryptOut = &domain.DecryptedMessage{
		Subject:  domain.FailurePlaceholder("integrity check failed"),
		Body:     "ok",
		Failures: []domain.PartFailure{{Part: "subject", Reason: "integrity check failed"}},
	}

	env, _ := engine.EncryptMessage(context.Background(), domain.Message{}, domain.TierQuantumAided, domain.CryptoOptions{})
	data, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/decrypt", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.DecryptMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var out domain.DecryptedMessage
	json.NewDecoder(rec.Body).Decode(&out)
	if len(out.Failures) != 1 || out.Failures[0].Part != "subject" {
		t.Errorf("want one subject failure, got %+v", out.Failures)
	}
}

func TestDecryptMessage_InvalidEnvelope(t *testing.T) {
	h, engine, _, _, _ := setupMessageHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/decrypt", strings.NewReader(`{"nope":true}`))
	rec := httptest.NewRecorder()
	h.DecryptMessage(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
	if engine.gotEnvelope != nil {
		t.Error("engine should not be called for an invalid envelope")
	}
}

func TestListTiers(t *testing.T) {
	h, _, _, _, _ := setupMessageHandler()

	rec := httptest.NewRecorder()
	h.ListTiers(rec, httptest.NewRequest(http.MethodGet, "/v1/tiers", nil))

	var resp TierListResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.DefaultTier != domain.TierQuantumAided {
		t.Errorf("want default quantum_aided, got %s", resp.DefaultTier)
	}
	if len(resp.Tiers) != 4 || resp.Tiers[0].Level != 1 {
		t.Errorf("unexpected tiers %+v", resp.Tiers)
	}
}

func TestDescribeTier(t *testing.T) {
	h, _, _, _, _ := setupMessageHandler()

	rec := httptest.NewRecorder()
	h.DescribeTier(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/v1/tiers/post_quantum", nil), "tier", "post_quantum"))
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var info domain.TierInfo
	json.NewDecoder(rec.Body).Decode(&info)
	if info.Level != 3 || !info.QuantumResistant {
		t.Errorf("unexpected info %+v", info)
	}

	rec = httptest.NewRecorder()
	h.DescribeTier(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/v1/tiers/x", nil), "tier", "x"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestSetDefaultTier(t *testing.T) {
	h, _, tiers, _, _ := setupMessageHandler()

	req := httptest.NewRequest(http.MethodPut, "/v1/tiers/default", strings.NewReader(`{"tier":"standard"}`))
	rec := httptest.NewRecorder()
	h.SetDefaultTier(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if tiers.defaultTier != domain.TierStandard {
		t.Errorf("want default standard, got %s", tiers.defaultTier)
	}

	tiers.available = []domain.SecurityTier{domain.TierStandard}
	req = httptest.NewRequest(http.MethodPut, "/v1/tiers/default", strings.NewReader(`{"tier":"quantum_secure"}`))
	rec = httptest.NewRecorder()
	h.SetDefaultTier(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestKeyStatus(t *testing.T) {
	h, _, _, keys, _ := setupMessageHandler()

	rec := httptest.NewRecorder()
	h.KeyStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/keys/status?peer=SAE_B", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if keys.gotPeer != "SAE_B" {
		t.Errorf("want peer SAE_B, got %s", keys.gotPeer)
	}
	var resp KeyStatusResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Reachable || resp.AvailableKeyCount != 10 || resp.LocalSAEID != "SAE_A" {
		t.Errorf("unexpected status %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.KeyStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/keys/status?peer=%20", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestPublicKeysAndRegisterPeer(t *testing.T) {
	h, _, _, _, dir := setupMessageHandler()

	rec := httptest.NewRecorder()
	h.PublicKeys(rec, httptest.NewRequest(http.MethodGet, "/v1/keys/public", nil))
	var resp PublicKeysResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if string(resp.Keys[domain.TierStandard]) != "pub-standard" {
		t.Errorf("unexpected public keys %+v", resp.Keys)
	}

	req := httptest.NewRequest(http.MethodPut, "/v1/peers/SAE_B/public-keys", strings.NewReader(`{"standard":"cGVlcg=="}`))
	req = withURLParam(req.WithContext(middleware.WithSAEID(req.Context(), "SAE_A")), "sae_id", "SAE_B")
	rec = httptest.NewRecorder()
	h.RegisterPeerKeys(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("want status 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(dir.peers["SAE_B"]) != "peer" {
		t.Errorf("peer key not registered: %+v", dir.peers)
	}

	req = withURLParam(httptest.NewRequest(http.MethodPut, "/v1/peers/SAE_B/public-keys", strings.NewReader(`{"quantum_secure":"cGVlcg=="}`)), "sae_id", "SAE_B")
	rec = httptest.NewRecorder()
	h.RegisterPeerKeys(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400 for tier without public keys, got %d", rec.Code)
	}

	dir.err = domain.ErrInvalidPayload
	req = withURLParam(httptest.NewRequest(http.MethodPut, "/v1/peers/SAE_C/public-keys", strings.NewReader(`{"standard":"AA=="}`)), "sae_id", "SAE_C")
	rec = httptest.NewRecorder()
	h.RegisterPeerKeys(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400 for invalid key, got %d", rec.Code)
	}
}
