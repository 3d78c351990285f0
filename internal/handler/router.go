package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qkd-mail-crypto/internal/metrics"
	"qkd-mail-crypto/internal/middleware"
)

// NewRouter はルーターを生成する。km が nil の場合は鍵配送APIを公開しない。
// 鍵配送APIの呼び出し元は auth で認証されたSAEに限る。
func NewRouter(h *MessageHandler, km *KMHandler, auth *middleware.SAEAuthenticator) http.Handler {
	if auth == nil {
		auth = middleware.NewSAEAuthenticator(nil)
	}
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(metrics.HTTPMiddleware)
	r.Use(auth.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages/encrypt", h.EncryptMessage)
		r.Post("/messages/decrypt", h.DecryptMessage)
		r.Get("/tiers", h.ListTiers)
		r.Put("/tiers/default", h.SetDefaultTier)
		r.Get("/tiers/{tier}", h.DescribeTier)
		r.Get("/keys/status", h.KeyStatus)
		r.Get("/keys/public", h.PublicKeys)
		r.Put("/peers/{sae_id}/public-keys", h.RegisterPeerKeys)
	})

	if km != nil {
		r.Route("/api/v1/keys", func(r chi.Router) {
			r.Get("/{sae_id}/status", km.Status)
			r.Get("/{sae_id}/enc_keys", km.GetEncKeys)
			r.Post("/{sae_id}/enc_keys", km.PostEncKeys)
			r.Post("/{sae_id}/dec_keys", km.PostDecKeys)
		})
	}

	return otelhttp.NewHandler(r, "qkd-mail-crypto")
}
