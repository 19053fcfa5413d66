package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/socialarch/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.Client(), srv.URL, "test-token", testLogger())
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

// TestClient_ListSubscriptions は購読一覧の取得とベアラー認証ヘッダをテストする。
func TestClient_ListSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions" || r.Method != http.MethodGet {
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %s, 期待値 Bearer test-token", got)
		}
		writeEnvelope(w, map[string]any{
			"subscriptions": []map[string]any{
				{"id": "sub-1", "platform": "rss", "enabled": true},
				{"id": "sub-2", "platform": "bluesky", "enabled": false},
			},
			"total": 2,
		})
	}))
	defer srv.Close()

	subs, err := newTestClient(srv).ListSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("購読一覧の取得に失敗: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("件数 = %d, 期待値 2", len(subs))
	}
	if subs[0].ID != "sub-1" || subs[0].Platform != model.PlatformRSS {
		t.Errorf("1件目のパース結果が不正: %+v", subs[0])
	}
}

// TestClient_NotFound は404応答がErrNotFoundへ分類されることをテストする。
func TestClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv).DeleteSubscription(context.Background(), "no-such")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("エラー = %v, 期待値 ErrNotFound", err)
	}
}

// TestClient_AuthExpired は401応答が認証失効エラーへ分類されることをテストする。
func TestClient_AuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListSubscriptions(context.Background())
	if model.ErrorCode(err) != model.ErrCodeAuthExpired {
		t.Errorf("エラーコード = %s, 期待値 AUTH_EXPIRED", model.ErrorCode(err))
	}
}

// TestClient_ServerError は5xx応答がリモートAPIエラーへ分類されることをテストする。
func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListSubscriptions(context.Background())
	if model.ErrorCode(err) != model.ErrCodeRemoteAPI {
		t.Errorf("エラーコード = %s, 期待値 REMOTE_API_ERROR", model.ErrorCode(err))
	}
}

// TestClient_EnvelopeFailure はsuccess=false応答がエラーになることをテストする。
func TestClient_EnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "limit exceeded"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListSubscriptions(context.Background())
	if err == nil {
		t.Fatal("success=falseはエラーになるはず")
	}
}

// TestClient_CheckDedup は重複判定のリクエスト形式とレスポンスのパースをテストする。
func TestClient_CheckDedup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions/sub-1/check-dedup" || r.Method != http.MethodPost {
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
		var reqBody struct {
			Posts []DedupPost `json:"posts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Errorf("リクエストボディのパースに失敗: %v", err)
		}
		if len(reqBody.Posts) != 2 || reqBody.Posts[0].TextHash == "" {
			t.Errorf("リクエスト内容が不正: %+v", reqBody.Posts)
		}
		writeEnvelope(w, map[string]any{
			"duplicates": []string{"post-1"},
			"new":        []string{"post-2"},
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv).CheckDedup(context.Background(), "sub-1", []DedupPost{
		{ID: "post-1", TextHash: "aaaa"},
		{ID: "post-2", TextHash: "bbbb"},
	})
	if err != nil {
		t.Fatalf("重複判定に失敗: %v", err)
	}
	if len(result.Duplicates) != 1 || result.Duplicates[0] != "post-1" {
		t.Errorf("重複一覧 = %v, 期待値 [post-1]", result.Duplicates)
	}
	if len(result.New) != 1 || result.New[0] != "post-2" {
		t.Errorf("新規一覧 = %v, 期待値 [post-2]", result.New)
	}
}

// TestClient_UpdateState は状態更新のリクエスト形式と更新後レコードの
// パースをテストする。
func TestClient_UpdateState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions/sub-1/update-state" || r.Method != http.MethodPost {
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
		var reqBody map[string]any
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Errorf("リクエストボディのパースに失敗: %v", err)
		}
		if reqBody["cursor"] != "cursor-1" {
			t.Errorf("cursor = %v, 期待値 cursor-1", reqBody["cursor"])
		}
		if _, ok := reqBody["unitsUsed"]; ok {
			t.Error("nilのフィールドは送信されないはず")
		}
		writeEnvelope(w, map[string]any{
			"id":       "sub-1",
			"platform": "rss",
			"state":    map[string]any{"cursor": "cursor-1"},
		})
	}))
	defer srv.Close()

	cursor := "cursor-1"
	sub, err := newTestClient(srv).UpdateState(context.Background(), "sub-1", StateUpdate{Cursor: &cursor})
	if err != nil {
		t.Fatalf("状態更新に失敗: %v", err)
	}
	if sub.State.Cursor != "cursor-1" {
		t.Errorf("更新後カーソル = %s, 期待値 cursor-1", sub.State.Cursor)
	}
}

// TestClient_PendingNotifications は保留通知の取得をテストする。
func TestClient_PendingNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions/pending-notifications" {
			t.Errorf("予期しないパス: %s", r.URL.Path)
		}
		writeEnvelope(w, map[string]any{
			"notifications": []map[string]any{
				{"id": "n-1", "subscriptionId": "sub-1", "sourceUrl": "https://example.com/x", "status": "pending"},
			},
		})
	}))
	defer srv.Close()

	notifications, err := newTestClient(srv).PendingNotifications(context.Background())
	if err != nil {
		t.Fatalf("保留通知の取得に失敗: %v", err)
	}
	if len(notifications) != 1 || notifications[0].ID != "n-1" {
		t.Errorf("通知一覧のパース結果が不正: %+v", notifications)
	}
	if notifications[0].Status != model.NotificationPending {
		t.Errorf("状態 = %s, 期待値 pending", notifications[0].Status)
	}
}

// TestClient_AckNotificationsEmpty は空のID一覧のACKがリクエストを発行しない
// ことをテストする。
func TestClient_AckNotificationsEmpty(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeEnvelope(w, map[string]any{})
	}))
	defer srv.Close()

	if err := newTestClient(srv).AckNotifications(context.Background(), nil); err != nil {
		t.Fatalf("空のACKに失敗: %v", err)
	}
	if called {
		t.Error("空のID一覧ではリクエストが発行されないはず")
	}
}

// TestClient_TriggerRun は実行トリガの受付チケットのパースをテストする。
func TestClient_TriggerRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions/sub-1/run" || r.Method != http.MethodPost {
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
		var reqBody map[string]bool
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Errorf("リクエストボディのパースに失敗: %v", err)
		}
		if !reqBody["force"] {
			t.Error("force = false, 期待値 true")
		}
		writeEnvelope(w, map[string]any{"runId": "run-1", "status": "accepted"})
	}))
	defer srv.Close()

	ticket, err := newTestClient(srv).TriggerRun(context.Background(), "sub-1", true)
	if err != nil {
		t.Fatalf("実行トリガに失敗: %v", err)
	}
	if ticket.RunID != "run-1" || ticket.Status != "accepted" {
		t.Errorf("チケットのパース結果が不正: %+v", ticket)
	}
}
