package dedup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/socialarch/internal/adapter"
	"github.com/hitoshi/socialarch/internal/remote"
)

// Checker はリモートオーソリティへの重複判定のインターフェース。
type Checker interface {
	CheckDedup(ctx context.Context, subscriptionID string, posts []remote.DedupPost) (*remote.DedupResult, error)
}

// Engine は候補アイテムのフィンガープリント計算と重複排除を行う。
// リモートオーソリティが「新規」と報告したフィンガープリントのアイテムのみを残す。
type Engine struct {
	checker Checker
	logger  *slog.Logger
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(checker Checker, logger *slog.Logger) *Engine {
	return &Engine{
		checker: checker,
		logger:  logger,
	}
}

// FilterNew は候補アイテムのうちリモートオーソリティが未知とした分のみを返す。
// 第2戻り値は重複として除外された件数。
// フィンガープリントが同一のアイテムがバッチ内に複数ある場合、最初の1件のみ残す。
func (e *Engine) FilterNew(ctx context.Context, subscriptionID string, items []adapter.Item) ([]adapter.Item, int, error) {
	if len(items) == 0 {
		return nil, 0, nil
	}

	// バッチ内の重複を先に畳む（リトライや再フェッチで同一投稿が並ぶことがある）
	seen := make(map[string]bool, len(items))
	posts := make([]remote.DedupPost, 0, len(items))
	unique := make([]adapter.Item, 0, len(items))
	hashes := make([]string, 0, len(items))
	for _, item := range items {
		hash := Fingerprint(item.Text)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		posts = append(posts, remote.DedupPost{ID: item.SourceID, TextHash: hash})
		unique = append(unique, item)
		hashes = append(hashes, hash)
	}

	result, err := e.checker.CheckDedup(ctx, subscriptionID, posts)
	if err != nil {
		return nil, 0, fmt.Errorf("重複判定に失敗: %w", err)
	}

	newIDs := make(map[string]bool, len(result.New))
	for _, id := range result.New {
		newIDs[id] = true
	}

	kept := make([]adapter.Item, 0, len(unique))
	for i, item := range unique {
		if newIDs[item.SourceID] {
			if item.Metadata == nil {
				item.Metadata = make(map[string]string)
			}
			item.Metadata["textHash"] = hashes[i]
			kept = append(kept, item)
		}
	}

	duplicates := len(items) - len(kept)
	e.logger.Info("重複判定が完了しました",
		slog.String("subscription_id", subscriptionID),
		slog.Int("candidates", len(items)),
		slog.Int("new", len(kept)),
		slog.Int("duplicates", duplicates),
	)

	return kept, duplicates, nil
}
