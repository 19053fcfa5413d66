package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestRecoveryMiddleware_PanicReturnsErrorEnvelope はpanicが統一エラー
// フォーマットの500レスポンスへ変換されることをテストする。
func TestRecoveryMiddleware_PanicReturnsErrorEnvelope(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("ステータスコード = %d, 期待値 500", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %s, 期待値 application/json", got)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスJSONのパースに失敗: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %s, 期待値 INTERNAL_ERROR", body.Code)
	}
	if body.Category != "system" {
		t.Errorf("category = %s, 期待値 system", body.Category)
	}
}

// TestRecoveryMiddleware_PassThrough はpanicしないハンドラーがそのまま
// 処理されることをテストする。
func TestRecoveryMiddleware_PassThrough(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("ステータスコード = %d, 期待値 204", rec.Code)
	}
}
