package model

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCode はラップされたエラーからもコードが取り出せることをテストする。
func TestErrorCode(t *testing.T) {
	err := NewNetworkError(errors.New("connection refused"))
	if got := ErrorCode(err); got != ErrCodeNetwork {
		t.Errorf("ErrorCode = %s, 期待値 %s", got, ErrCodeNetwork)
	}

	wrapped := fmt.Errorf("スイープ中のエラー: %w", err)
	if got := ErrorCode(wrapped); got != ErrCodeNetwork {
		t.Errorf("ラップ後のErrorCode = %s, 期待値 %s", got, ErrCodeNetwork)
	}

	if got := ErrorCode(errors.New("plain error")); got != "" {
		t.Errorf("APIErrorでないエラーは空文字列のはず: %s", got)
	}
	if got := ErrorCode(nil); got != "" {
		t.Errorf("nilは空文字列のはず: %s", got)
	}
}

// TestAPIErrorUnwrap は下位エラーの連鎖判定をテストする。
func TestAPIErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageQuotaError(cause)
	if !errors.Is(err, cause) {
		t.Error("下位エラーへ連鎖するはず")
	}

	noCause := NewValidationError("empty url")
	if noCause.Unwrap() != nil {
		t.Error("下位エラーの無い場合はnilを返すはず")
	}
}

// TestAPIErrorMessage はエラー文字列にコードとメッセージが含まれることをテストする。
func TestAPIErrorMessage(t *testing.T) {
	err := NewDuplicateActiveJobError("https://example.com/post/1", PlatformRSS)
	msg := err.Error()
	if msg == "" {
		t.Fatal("エラー文字列が空")
	}
	if got := ErrorCode(err); got != ErrCodeDuplicateActiveJob {
		t.Errorf("コード = %s, 期待値 %s", got, ErrCodeDuplicateActiveJob)
	}
}
