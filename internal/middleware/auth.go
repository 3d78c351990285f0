package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"qkd-mail-crypto/pkg/etsi"
	"qkd-mail-crypto/pkg/httputil"
)

// 認証エラー
var (
	ErrInvalidCredentials = errors.New("invalid SAE credentials")
	ErrSAEIDMismatch      = errors.New("SAE ID does not match authenticated identity")
)

// SAEAuthenticator は呼び出し元SAEを認証する。
// 検証済みのクライアント証明書があれば Subject の CN をSAE IDとし、
// なければ X-SAE-ID と Authorization: Bearer のトークンの組を設定と照合する。
type SAEAuthenticator struct {
	tokens map[string][32]byte
}

// NewSAEAuthenticator はSAE IDからトークンへの対応を持つ SAEAuthenticator を生成する。
func NewSAEAuthenticator(tokens map[string]string) *SAEAuthenticator {
	a := &SAEAuthenticator{tokens: make(map[string][32]byte, len(tokens))}
	for id, token := range tokens {
		if id != "" && token != "" {
			a.tokens[id] = sha256.Sum256([]byte(token))
		}
	}
	return a
}

// Authenticate はリクエストの呼び出し元SAE IDを返す。
// 資格情報が提示されていない場合は空文字列を返す。
func (a *SAEAuthenticator) Authenticate(r *http.Request) (string, error) {
	claimed := r.Header.Get(SAEIDHeader)

	if r.TLS != nil && len(r.TLS.VerifiedChains) > 0 && len(r.TLS.VerifiedChains[0]) > 0 {
		subject := r.TLS.VerifiedChains[0][0].Subject.CommonName
		if subject == "" {
			return "", ErrInvalidCredentials
		}
		if claimed != "" && claimed != subject {
			return "", ErrSAEIDMismatch
		}
		return subject, nil
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", nil
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" || claimed == "" {
		return "", ErrInvalidCredentials
	}
	want, known := a.tokens[claimed]
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 || !known {
		return "", ErrInvalidCredentials
	}
	return claimed, nil
}

// Middleware は認証済みのSAE IDだけをコンテキストに格納する。
// 資格情報のない X-SAE-ID ヘッダーは無視し、不正な資格情報は401で拒否する。
func (a *SAEAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			slog.WarnContext(r.Context(), "SAE authentication failed",
				"operation", "authenticate",
				"claimed", r.Header.Get(SAEIDHeader),
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			httputil.JSON(w, http.StatusUnauthorized, etsi.Error{Message: err.Error()})
			return
		}
		if id != "" {
			r = r.WithContext(WithSAEID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
