package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/socialarch/internal/jobs"
	"github.com/hitoshi/socialarch/internal/model"
	"github.com/hitoshi/socialarch/internal/storage"
)

// fakeSubs はSubscriptionReaderのテスト用実装。
type fakeSubs struct {
	subs   []*model.Subscription
	online bool
	queued int
}

func (f *fakeSubs) List() []*model.Subscription { return f.subs }

func (f *fakeSubs) Get(id string) (*model.Subscription, error) {
	for _, sub := range f.subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, model.NewSubscriptionNotFoundError(id)
}

func (f *fakeSubs) Online() bool { return f.online }

func (f *fakeSubs) QueueLength() int { return f.queued }

// fakeTrigger はRunTriggererのテスト用実装。
type fakeTrigger struct {
	run *model.SubscriptionRun
	err error
}

func (f *fakeTrigger) TriggerOne(ctx context.Context, subscriptionID string) (*model.SubscriptionRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.run, nil
}

func newTestRouter(t *testing.T, subs *fakeSubs, trigger *fakeTrigger) http.Handler {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("ストア生成に失敗: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store, err := jobs.NewStore(fs, logger, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ジョブストア生成に失敗: %v", err)
	}
	if err := store.Add(&model.PendingJob{
		ID:        "job-1",
		URL:       "https://example.com/post/1",
		Platform:  model.PlatformRSS,
		Status:    model.JobStatusPending,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("ジョブ登録に失敗: %v", err)
	}
	return NewRouter(&RouterDeps{
		Logger:  logger,
		Subs:    subs,
		Jobs:    &JobStoreAdapter{Store: store},
		Trigger: trigger,
	})
}

func doRequest(t *testing.T, router http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスJSONのパースに失敗: %v", err)
	}
	return body
}

// TestGetStatus は稼働状態レスポンスの形式をテストする。
func TestGetStatus(t *testing.T) {
	subs := &fakeSubs{
		subs:   []*model.Subscription{{ID: "sub-1"}, {ID: "sub-2"}},
		online: true,
		queued: 3,
	}
	router := newTestRouter(t, subs, &fakeTrigger{})

	rec := doRequest(t, router, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, 期待値 200", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["success"] != true {
		t.Error("success = false, 期待値 true")
	}
	data := body["data"].(map[string]any)
	if data["online"] != true {
		t.Error("online = false, 期待値 true")
	}
	if data["queuedChanges"] != float64(3) {
		t.Errorf("queuedChanges = %v, 期待値 3", data["queuedChanges"])
	}
	if data["subscriptions"] != float64(2) {
		t.Errorf("subscriptions = %v, 期待値 2", data["subscriptions"])
	}
}

// TestGetSubscription_NotFound は未知の購読IDが404になることをテストする。
func TestGetSubscription_NotFound(t *testing.T) {
	router := newTestRouter(t, &fakeSubs{}, &fakeTrigger{})

	rec := doRequest(t, router, http.MethodGet, "/api/subscriptions/no-such")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ステータスコード = %d, 期待値 404", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["code"] != model.ErrCodeSubscriptionNotFound {
		t.Errorf("code = %v, 期待値 %s", body["code"], model.ErrCodeSubscriptionNotFound)
	}
}

// TestGetSubscription は購読1件の取得をテストする。
func TestGetSubscription(t *testing.T) {
	subs := &fakeSubs{subs: []*model.Subscription{{ID: "sub-1", Platform: model.PlatformRSS}}}
	router := newTestRouter(t, subs, &fakeTrigger{})

	rec := doRequest(t, router, http.MethodGet, "/api/subscriptions/sub-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, 期待値 200", rec.Code)
	}
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	if data["id"] != "sub-1" {
		t.Errorf("id = %v, 期待値 sub-1", data["id"])
	}
}

// TestListJobs はジョブ一覧の取得とフィルタをテストする。
func TestListJobs(t *testing.T) {
	router := newTestRouter(t, &fakeSubs{}, &fakeTrigger{})

	rec := doRequest(t, router, http.MethodGet, "/api/jobs?status=pending&platform=rss")
	if rec.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, 期待値 200", rec.Code)
	}
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	if data["total"] != float64(1) {
		t.Errorf("total = %v, 期待値 1", data["total"])
	}
}

// TestListJobs_InvalidStatus は不正なフィルタ値が400になることをテストする。
func TestListJobs_InvalidStatus(t *testing.T) {
	router := newTestRouter(t, &fakeSubs{}, &fakeTrigger{})

	rec := doRequest(t, router, http.MethodGet, "/api/jobs?status=sleeping")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ステータスコード = %d, 期待値 400", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/jobs?platform=myspace")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ステータスコード = %d, 期待値 400", rec.Code)
	}
}

// TestTriggerPoll は手動ポーリングの実行結果が返ることをテストする。
func TestTriggerPoll(t *testing.T) {
	trigger := &fakeTrigger{
		run: &model.SubscriptionRun{ID: "run-1", SubscriptionID: "sub-1", Status: model.RunStatusCompleted},
	}
	router := newTestRouter(t, &fakeSubs{}, trigger)

	rec := doRequest(t, router, http.MethodPost, "/api/subscriptions/sub-1/poll")
	if rec.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, 期待値 200", rec.Code)
	}
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	if data["status"] != "completed" {
		t.Errorf("status = %v, 期待値 completed", data["status"])
	}
}

// TestTriggerPoll_NetworkError はネットワークエラーが502へ対応付けられる
// ことをテストする。
func TestTriggerPoll_NetworkError(t *testing.T) {
	trigger := &fakeTrigger{err: model.NewNetworkError(context.DeadlineExceeded)}
	router := newTestRouter(t, &fakeSubs{}, trigger)

	rec := doRequest(t, router, http.MethodPost, "/api/subscriptions/sub-1/poll")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("ステータスコード = %d, 期待値 502", rec.Code)
	}
}

// TestHealthz はヘルスチェックエンドポイントをテストする。
func TestHealthz(t *testing.T) {
	router := newTestRouter(t, &fakeSubs{}, &fakeTrigger{})

	rec := doRequest(t, router, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("ステータスコード = %d, 期待値 200", rec.Code)
	}
}
