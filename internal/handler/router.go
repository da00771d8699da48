package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"access-credential-service/config"
)

// NewRouter はルーターを生成する。
func NewRouter(h *PurchaseHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Route("/v1/purchases", func(r chi.Router) {
		r.Post("/", h.CreatePurchase)
		r.Get("/{purchase_id}", h.GetPurchase)
		r.Post("/{purchase_id}/checkout", h.Checkout)
		r.Post("/{purchase_id}/watch", h.ResumeWatch)
		r.Post("/{purchase_id}/credential", h.IssueCredential)
		r.Post("/{purchase_id}/redeem", h.RedeemCredential)
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
