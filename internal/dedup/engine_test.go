package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hitoshi/socialarch/internal/adapter"
	"github.com/hitoshi/socialarch/internal/remote"
)

// fakeChecker はCheckerのテスト用実装。
type fakeChecker struct {
	result   *remote.DedupResult
	err      error
	received []remote.DedupPost
}

func (f *fakeChecker) CheckDedup(ctx context.Context, subscriptionID string, posts []remote.DedupPost) (*remote.DedupResult, error) {
	f.received = posts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// TestFilterNew_KeepsOnlyNew はオーソリティが新規と報告したアイテムのみ残ることをテストする。
func TestFilterNew_KeepsOnlyNew(t *testing.T) {
	checker := &fakeChecker{result: &remote.DedupResult{New: []string{"a", "c"}}}
	engine := NewEngine(checker, testLogger())

	items := []adapter.Item{
		{SourceID: "a", Text: "first post"},
		{SourceID: "b", Text: "second post"},
		{SourceID: "c", Text: "third post"},
	}

	kept, duplicates, err := engine.FilterNew(context.Background(), "sub-1", items)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("残存件数 = %d, 期待値 2", len(kept))
	}
	if kept[0].SourceID != "a" || kept[1].SourceID != "c" {
		t.Errorf("残存アイテム = %s, %s, 期待値 a, c", kept[0].SourceID, kept[1].SourceID)
	}
	if duplicates != 1 {
		t.Errorf("重複件数 = %d, 期待値 1", duplicates)
	}
}

// TestFilterNew_AttachesTextHash は残存アイテムにフィンガープリントが付与されることをテストする。
func TestFilterNew_AttachesTextHash(t *testing.T) {
	checker := &fakeChecker{result: &remote.DedupResult{New: []string{"a"}}}
	engine := NewEngine(checker, testLogger())

	items := []adapter.Item{{SourceID: "a", Text: "Some Post"}}
	kept, _, err := engine.FilterNew(context.Background(), "sub-1", items)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	want := Fingerprint("Some Post")
	if kept[0].Metadata["textHash"] != want {
		t.Errorf("textHash = %s, 期待値 %s", kept[0].Metadata["textHash"], want)
	}
}

// TestFilterNew_CollapsesInBatchDuplicates はバッチ内の同一フィンガープリントが
// 1件に畳まれることをテストする。
func TestFilterNew_CollapsesInBatchDuplicates(t *testing.T) {
	checker := &fakeChecker{result: &remote.DedupResult{New: []string{"a"}}}
	engine := NewEngine(checker, testLogger())

	items := []adapter.Item{
		{SourceID: "a", Text: "Same Text"},
		{SourceID: "b", Text: "same   text"}, // 正規化後は同一
	}

	kept, duplicates, err := engine.FilterNew(context.Background(), "sub-1", items)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(checker.received) != 1 {
		t.Errorf("オーソリティへの問い合わせ件数 = %d, 期待値 1", len(checker.received))
	}
	if len(kept) != 1 {
		t.Errorf("残存件数 = %d, 期待値 1", len(kept))
	}
	if duplicates != 1 {
		t.Errorf("重複件数 = %d, 期待値 1", duplicates)
	}
}

// TestFilterNew_EmptyInput は空入力でオーソリティへ問い合わせないことをテストする。
func TestFilterNew_EmptyInput(t *testing.T) {
	checker := &fakeChecker{err: errors.New("呼ばれてはいけない")}
	engine := NewEngine(checker, testLogger())

	kept, duplicates, err := engine.FilterNew(context.Background(), "sub-1", nil)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(kept) != 0 || duplicates != 0 {
		t.Errorf("空入力の結果 = (%d, %d), 期待値 (0, 0)", len(kept), duplicates)
	}
}

// TestFilterNew_CheckerError はオーソリティのエラーが伝播することをテストする。
func TestFilterNew_CheckerError(t *testing.T) {
	checker := &fakeChecker{err: errors.New("network down")}
	engine := NewEngine(checker, testLogger())

	_, _, err := engine.FilterNew(context.Background(), "sub-1", []adapter.Item{{SourceID: "a", Text: "x"}})
	if err == nil {
		t.Fatal("エラーが返るはず")
	}
}
