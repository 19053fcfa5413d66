// Package handler は運用状態の参照と手動トリガのHTTP APIを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialarch/internal/middleware"
	"github.com/hitoshi/socialarch/internal/model"
)

// SubscriptionReader は購読キャッシュの参照インターフェース。
type SubscriptionReader interface {
	List() []*model.Subscription
	Get(id string) (*model.Subscription, error)
	Online() bool
	QueueLength() int
}

// JobReader はジョブストアの参照インターフェース。
type JobReader interface {
	ListJobs(status string, platform string) ([]*model.PendingJob, error)
}

// RunTriggerer は購読の手動ポーリング実行インターフェース。
type RunTriggerer interface {
	TriggerOne(ctx context.Context, subscriptionID string) (*model.SubscriptionRun, error)
}

// StatusHandler は状態参照と手動トリガのHTTPハンドラー。
type StatusHandler struct {
	subs    SubscriptionReader
	jobs    JobReader
	trigger RunTriggerer
}

// NewStatusHandler はStatusHandlerの新しいインスタンスを生成する。
func NewStatusHandler(subs SubscriptionReader, jobs JobReader, trigger RunTriggerer) *StatusHandler {
	return &StatusHandler{subs: subs, jobs: jobs, trigger: trigger}
}

// successResponse は成功レスポンスの統一フォーマット。
type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// writeSuccess は成功レスポンスを書き込む。
func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(successResponse{Success: true, Data: data})
}

// writeError はエラーをHTTPステータスへ対応付けてレスポンスを書き込む。
func writeError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteErrorResponse(w, statusCodeFor(apiErr.Code), apiErr)
}

// statusCodeFor はエラーコードをHTTPステータスコードへ対応付ける。
func statusCodeFor(code string) int {
	switch code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeSubscriptionNotFound, model.ErrCodeJobNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateActiveJob:
		return http.StatusConflict
	case model.ErrCodeNetwork, model.ErrCodeTimeout:
		return http.StatusBadGateway
	case model.ErrCodeAuthExpired:
		return http.StatusUnauthorized
	case model.ErrCodeStorageQuota:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// GetStatus はエンジンの稼働状態を返す。
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"online":        h.subs.Online(),
		"queuedChanges": h.subs.QueueLength(),
		"subscriptions": len(h.subs.List()),
	})
}

// ListSubscriptions はキャッシュ中の購読一覧を返す。
// GET /api/subscriptions
func (h *StatusHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"subscriptions": h.subs.List(),
	})
}

// GetSubscription は購読1件を返す。
// GET /api/subscriptions/{id}
func (h *StatusHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.subs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, sub)
}

// ListJobs は処理待ちジョブの一覧を返す。
// GET /api/jobs?status=pending&platform=rss
func (h *StatusHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListJobs(r.URL.Query().Get("status"), r.URL.Query().Get("platform"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// TriggerPoll は購読の手動ポーリングを即時実行する。
// POST /api/subscriptions/{id}/poll
func (h *StatusHandler) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.trigger.TriggerOne(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, run)
}
