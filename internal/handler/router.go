package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fhe-emotion-client/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *InferenceHandler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Get("/health", h.Health)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireBearer(h.service))
		r.Post("/he/register-key", h.RegisterKey)
		r.Post("/emotion/analyze-today", h.AnalyzeToday)
		r.Get("/emotion/history", h.History)
	})

	return otelhttp.NewHandler(r, "fhe-emotion-server")
}
