package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/socialarch/internal/metrics"
	"github.com/hitoshi/socialarch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger   *slog.Logger
	Subs     SubscriptionReader
	Jobs     JobReader
	Trigger  RunTriggerer
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを
// 構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	statusHandler := NewStatusHandler(deps.Subs, deps.Jobs, deps.Trigger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler.GetStatus)
		r.Get("/jobs", statusHandler.ListJobs)
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", statusHandler.ListSubscriptions)
			r.Get("/{id}", statusHandler.GetSubscription)
			r.Post("/{id}/poll", statusHandler.TriggerPoll)
		})
	})

	return r
}
