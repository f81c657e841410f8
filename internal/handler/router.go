package handler

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpub/internal/metrics"
	"github.com/hitoshi/feedpub/internal/middleware"
	"github.com/hitoshi/feedpub/internal/signature"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	DB          *sql.DB
	RateLimiter *middleware.RateLimiter
	KeyResolver signature.KeyResolver
	Registry    *prometheus.Registry

	APHandler        *APHandler
	WebfingerHandler *WebfingerHandler

	// SignatureCheckDisabled は受信署名検証を無効化する（開発用）。
	SignatureCheckDisabled bool
}

// NewRouter は連合向けエンドポイントのルーティングとミドルウェアチェーンを
// 構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → (inboxのみ) RateLimit → Signature
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	r.Get("/.well-known/webfinger", deps.WebfingerHandler.Resolve)

	r.Route("/feed/{name}", func(r chi.Router) {
		r.Get("/", deps.APHandler.GetActor)
		r.Get("/outbox", deps.APHandler.GetOutbox)
		r.Get("/followers", deps.APHandler.GetFollowers)

		r.With(
			deps.RateLimiter.Middleware(),
			middleware.NewSignatureMiddleware(deps.KeyResolver, deps.SignatureCheckDisabled),
		).Post("/inbox", deps.APHandler.PostInbox)
	})

	r.Get("/health", newHealthHandler(deps.DB))
	r.Method(http.MethodGet, "/metrics", metrics.SetupMetricsRoute(deps.Registry))

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	}
}
