// Package poller はポーリングサイクルの実行とスケジューリングを提供する。
//
// 1回のポーリングサイクルは、必要に応じたキャッチアップパスと通常パスの
// 順で構成される。各パスはフェッチ、キーワードフィルタ、重複判定、
// ジョブ登録、リモートへの状態プッシュの順に進む。カーソルが前進するのは
// 状態プッシュが成功した場合のみで、プッシュ失敗時は次回のサイクルが
// 同じ範囲を冪等に再取得する。
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/socialarch/internal/adapter"
	"github.com/hitoshi/socialarch/internal/catchup"
	"github.com/hitoshi/socialarch/internal/dedup"
	"github.com/hitoshi/socialarch/internal/jobs"
	"github.com/hitoshi/socialarch/internal/metrics"
	"github.com/hitoshi/socialarch/internal/model"
	"github.com/hitoshi/socialarch/internal/remote"
)

// StatePusher はリモートへの購読状態プッシュのインターフェース。
type StatePusher interface {
	UpdateState(ctx context.Context, subscriptionID string, update remote.StateUpdate) (*model.Subscription, error)
}

// ServerRecordSink は状態プッシュが返した正式な購読レコードの反映先。
type ServerRecordSink interface {
	ApplyServerRecord(sub *model.Subscription)
}

// Cycle は単一購読のポーリングサイクルを実行する。
type Cycle struct {
	adapters  map[model.Platform]adapter.ContentAdapter
	dedup     *dedup.Engine
	jobStore  *jobs.Store
	pusher    StatePusher
	sink      ServerRecordSink
	collector metrics.MetricsCollector
	logger    *slog.Logger

	defaultMaxItems     int
	defaultBackfillDays int
	now                 func() time.Time
}

// NewCycle はCycleの新しいインスタンスを生成する。
func NewCycle(
	adapters []adapter.ContentAdapter,
	dedupEngine *dedup.Engine,
	jobStore *jobs.Store,
	pusher StatePusher,
	sink ServerRecordSink,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	defaultMaxItems int,
	defaultBackfillDays int,
) *Cycle {
	byPlatform := make(map[model.Platform]adapter.ContentAdapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}
	return &Cycle{
		adapters:            byPlatform,
		dedup:               dedupEngine,
		jobStore:            jobStore,
		pusher:              pusher,
		sink:                sink,
		collector:           collector,
		logger:              logger,
		defaultMaxItems:     defaultMaxItems,
		defaultBackfillDays: defaultBackfillDays,
		now:                 time.Now,
	}
}

// Run は購読1件のポーリングサイクルを実行し、実行レコードを返す。
// 個別アイテムのジョブ登録失敗はサイクル全体を失敗させず、件数として
// 記録する。状態プッシュの失敗はサイクルを失敗させ、カーソルは前進しない。
func (c *Cycle) Run(ctx context.Context, sub *model.Subscription, trigger model.RunTrigger) *model.SubscriptionRun {
	start := c.now()
	run := &model.SubscriptionRun{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		Status:         model.RunStatusRunning,
		Trigger:        trigger,
		StartedAt:      start,
	}

	defer func() {
		done := c.now()
		run.CompletedAt = &done
		c.collector.RecordCycleLatency(done.Sub(start))
	}()

	src, ok := c.adapters[sub.Platform]
	if !ok {
		c.fail(run, sub, model.NewValidationError(fmt.Sprintf("アダプタ未登録のプラットフォームです: %s", sub.Platform)))
		return run
	}

	// キャッチアップ判定: 最終実行からの経過がしきい値を超えている場合、
	// カーソルを使わずにバックフィルウィンドウで取りこぼし分を先に回収する
	plan := catchup.PlanCatchUp(sub.State.LastRunAt, start)
	if plan.Needed {
		c.logger.Info("キャッチアップパスを実行します",
			slog.String("subscription_id", sub.ID),
			slog.Int("days", plan.Days),
		)
		if err := c.runPass(ctx, src, sub, run, passConfig{
			cursor:       "",
			backfillDays: plan.Days,
			filterSince:  plan.Since,
			advance:      false,
		}); err != nil {
			c.fail(run, sub, err)
			return run
		}
	}

	if err := ctx.Err(); err != nil {
		c.cancel(run, sub, err)
		return run
	}

	// 通常パス: 現在カーソルからの増分取得
	if err := c.runPass(ctx, src, sub, run, passConfig{
		cursor:       sub.State.Cursor,
		backfillDays: c.backfillDays(sub),
		advance:      true,
	}); err != nil {
		c.fail(run, sub, err)
		return run
	}

	run.Status = model.RunStatusCompleted
	c.collector.RecordCycleSuccess(string(sub.Platform))
	c.collector.RecordItemsArchived(run.ItemsArchived)
	c.logger.Info("ポーリングサイクルが完了しました",
		slog.String("subscription_id", sub.ID),
		slog.String("run_id", run.ID),
		slog.Int("items_archived", run.ItemsArchived),
		slog.String("trigger", string(trigger)),
	)
	return run
}

// passConfig は1パス分の取得設定。
type passConfig struct {
	cursor       string
	backfillDays int
	filterSince  time.Time // ゼロ値でない場合、この時刻より厳密に新しいアイテムのみ残す
	advance      bool      // trueの場合、状態プッシュでカーソルを前進させる
}

// runPass はフェッチから状態プッシュまでの1パスを実行する。
func (c *Cycle) runPass(ctx context.Context, src adapter.ContentAdapter, sub *model.Subscription, run *model.SubscriptionRun, cfg passConfig) error {
	result, err := src.FetchItems(ctx, sub, adapter.FetchRequest{
		Cursor:       cfg.cursor,
		Limit:        c.maxItems(sub),
		BackfillDays: cfg.backfillDays,
	})
	if err != nil {
		return err
	}

	// 未変更応答はアイテム0件として以降を続行する。状態プッシュは
	// このパスでも行われ、lastRunAtが前進することで次回のIsDue判定と
	// キャッチアップ判定が正しく働く。カーソルは取得済みの値のまま変わらない
	if result.NotModified {
		c.collector.RecordNotModified()
		c.logger.Info("ソース未変更のため取得を省略します",
			slog.String("subscription_id", sub.ID),
		)
		result.Items = nil
	}

	items := result.Items
	if !cfg.filterSince.IsZero() {
		items = catchup.FilterSince(items, cfg.filterSince)
	}
	items = filterKeywords(items, sub.Options.KeywordFilter)

	fresh, duplicates, err := c.dedup.FilterNew(ctx, sub.ID, items)
	if err != nil {
		return err
	}
	c.collector.RecordDuplicates(duplicates)

	archivedIDs := make([]string, 0, len(fresh))
	archivedHashes := make([]string, 0, len(fresh))
	enqueued := 0
	for i := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := &fresh[i]
		if err := c.enqueueJob(sub, item); err != nil {
			if model.ErrorCode(err) == model.ErrCodeDuplicateActiveJob {
				c.collector.RecordJobConflict()
			} else if model.ErrorCode(err) == model.ErrCodeStorageQuota {
				// 容量回復が尽きた場合のみ到達する。パスごと失敗させる
				return err
			}
			c.logger.Warn("ジョブ登録に失敗しました",
				slog.String("subscription_id", sub.ID),
				slog.String("item_url", item.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		enqueued++
		archivedIDs = append(archivedIDs, item.SourceID)
		archivedHashes = append(archivedHashes, item.Metadata["textHash"])
	}

	// 状態プッシュ: 成功した場合のみカーソルが前進する。失敗した場合は
	// 次回のサイクルが同じカーソルから冪等に再取得する
	update := remote.StateUpdate{
		ArchivedPostIDs:    archivedIDs,
		ArchivedPostHashes: archivedHashes,
	}
	if enqueued > 0 {
		n := enqueued
		update.PostsArchived = &n
		units := enqueued
		update.UnitsUsed = &units
	}
	if cfg.advance {
		lastRun := c.now()
		update.LastRunAt = &lastRun
		if result.NextCursor != "" {
			cursor := result.NextCursor
			update.Cursor = &cursor
		}
	}

	updated, err := c.pusher.UpdateState(ctx, sub.ID, update)
	if err != nil {
		return fmt.Errorf("購読状態のプッシュに失敗: %w", err)
	}
	if updated != nil {
		c.sink.ApplyServerRecord(updated)
		// 以降のパスとIsDue判定がサーバー確定後の状態を見るようにする
		sub.State = updated.State
		sub.Usage = updated.Usage
	}

	run.ItemsArchived += enqueued
	run.UnitsUsed += enqueued
	if cfg.advance {
		run.NewCursor = result.NextCursor
	}
	return nil
}

// enqueueJob は新規アイテムを処理待ちジョブとして登録する。
func (c *Cycle) enqueueJob(sub *model.Subscription, item *adapter.Item) error {
	metadata := map[string]string{
		"subscriptionId": sub.ID,
		"sourceId":       item.SourceID,
		"title":          item.Title,
		"folder":         sub.Destination.Folder,
	}
	for k, v := range item.Metadata {
		metadata[k] = v
	}
	return c.jobStore.Add(&model.PendingJob{
		ID:        uuid.New().String(),
		URL:       item.URL,
		Platform:  sub.Platform,
		Status:    model.JobStatusPending,
		Timestamp: c.now(),
		Metadata:  metadata,
	})
}

// fail は実行レコードを失敗として確定し、メトリクスとログへ記録する。
func (c *Cycle) fail(run *model.SubscriptionRun, sub *model.Subscription, err error) {
	run.Status = model.RunStatusFailed
	run.Error = err.Error()
	c.collector.RecordCycleFailure(string(sub.Platform), model.ErrorCode(err))
	c.logger.Error("ポーリングサイクルが失敗しました",
		slog.String("subscription_id", sub.ID),
		slog.String("run_id", run.ID),
		slog.String("error", err.Error()),
	)
}

// cancel は実行レコードをキャンセルとして確定する。
func (c *Cycle) cancel(run *model.SubscriptionRun, sub *model.Subscription, err error) {
	run.Status = model.RunStatusCancelled
	run.Error = err.Error()
	c.logger.Warn("ポーリングサイクルがキャンセルされました",
		slog.String("subscription_id", sub.ID),
		slog.String("run_id", run.ID),
	)
}

// maxItems は購読の1回あたりの処理上限を返す。
func (c *Cycle) maxItems(sub *model.Subscription) int {
	if sub.Options.MaxItemsPerRun > 0 {
		return sub.Options.MaxItemsPerRun
	}
	return c.defaultMaxItems
}

// backfillDays は購読のバックフィルウィンドウを返す。
func (c *Cycle) backfillDays(sub *model.Subscription) int {
	if sub.Options.BackfillDays > 0 {
		return sub.Options.BackfillDays
	}
	return c.defaultBackfillDays
}

// filterKeywords はキーワードフィルタが設定されている場合、
// いずれかのキーワードをタイトルまたは本文に含むアイテムのみ残す。
// 照合は大文字小文字を区別しない。
func filterKeywords(items []adapter.Item, keywords []string) []adapter.Item {
	if len(keywords) == 0 {
		return items
	}
	filtered := make([]adapter.Item, 0, len(items))
	for _, item := range items {
		haystack := strings.ToLower(item.Title + " " + item.Text)
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(kw)) {
				filtered = append(filtered, item)
				break
			}
		}
	}
	return filtered
}
