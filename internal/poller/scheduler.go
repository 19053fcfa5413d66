package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/socialarch/internal/events"
	"github.com/hitoshi/socialarch/internal/metrics"
	"github.com/hitoshi/socialarch/internal/model"
	"github.com/hitoshi/socialarch/internal/subscription"
)

// NotificationClient はリモート通知の取得と確認応答のインターフェース。
type NotificationClient interface {
	PendingNotifications(ctx context.Context) ([]model.PendingNotification, error)
	AckNotifications(ctx context.Context, notificationIDs []string) error
}

// Flusher はスケジューラー停止時に永続化が必要なコンポーネント。
type Flusher interface {
	Flush() error
}

// JobSink はスイープが使用するジョブストア操作のインターフェース。
type JobSink interface {
	Add(job *model.PendingJob) error
	ClearOldJobs() (int, error)
}

// SweepSummary はスイープ完了イベントのペイロード。
type SweepSummary struct {
	Polled    int
	Skipped   int
	Succeeded int
	Failed    int
	Archived  int
	Duration  time.Duration
}

// Scheduler は定期スイープの起動とポーリングサイクルの逐次実行を管理する。
//
// スイープは単一のゴルーチンで実行され、購読を1件ずつ順に処理する。
// 購読間の意図的なレート制限により、同一ホストへのバーストを避ける。
// 再入ガードにより、前回のスイープが長引いた場合でも重複実行されない。
type Scheduler struct {
	subs      *subscription.Service
	cycle     *Cycle
	notifier  NotificationClient
	bus       *events.Bus
	collector metrics.MetricsCollector
	logger    *slog.Logger
	flushers  []Flusher
	jobs      JobSink

	interval         time.Duration
	kickoffDelay     time.Duration
	minIntervalHours int
	limiter          *rate.Limiter

	sweeping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

// SchedulerConfig はSchedulerの生成パラメータ。
type SchedulerConfig struct {
	Interval         time.Duration
	KickoffDelay     time.Duration
	MinIntervalHours int
	ItemDelay        time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	subs *subscription.Service,
	cycle *Cycle,
	notifier NotificationClient,
	bus *events.Bus,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg SchedulerConfig,
	jobSink JobSink,
	flushers ...Flusher,
) *Scheduler {
	delay := cfg.ItemDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Scheduler{
		subs:             subs,
		cycle:            cycle,
		notifier:         notifier,
		bus:              bus,
		collector:        collector,
		logger:           logger,
		flushers:         flushers,
		jobs:             jobSink,
		interval:         cfg.Interval,
		kickoffDelay:     cfg.KickoffDelay,
		minIntervalHours: cfg.MinIntervalHours,
		limiter:          rate.NewLimiter(rate.Every(delay), 1),
		now:              time.Now,
	}
}

// Start は初回スイープの遅延起動と定期スイープを開始する。
// 初回スイープは起動直後の負荷を避けるためkickoffDelay後に実行される。
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		kickoff := time.NewTimer(s.kickoffDelay)
		defer kickoff.Stop()

		select {
		case <-ctx.Done():
			return
		case <-kickoff.C:
			s.PollAll(ctx)
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.PollAll(ctx)
			}
		}
	}()

	s.logger.Info("スケジューラーを開始しました",
		slog.Duration("interval", s.interval),
		slog.Duration("kickoff_delay", s.kickoffDelay),
	)
}

// Stop はスケジューラーを停止し、キャッシュ等の永続化を行う。
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, f := range s.flushers {
		if err := f.Flush(); err != nil {
			s.logger.Error("停止時の永続化に失敗しました", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("スケジューラーを停止しました")
}

// PollAll は全購読のスイープを1回実行する。
// 前回のスイープが進行中の場合は何もせずに戻る（再入ガード）。
// 個別購読の失敗はログとメトリクスに記録され、残りの購読の処理は継続する。
func (s *Scheduler) PollAll(ctx context.Context) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Warn("前回のスイープが進行中のため今回はスキップします")
		return
	}
	defer s.sweeping.Store(false)

	start := s.now()
	s.collector.RecordSweep()

	// 最新の購読一覧の取得を試みる。失敗してもキャッシュ済み一覧で続行する
	if err := s.subs.Refresh(ctx); err != nil {
		s.logger.Warn("購読一覧の更新に失敗しました。キャッシュで続行します",
			slog.String("error", err.Error()),
		)
	} else {
		// 取得成功時のリプレイはRefresh自身が行う。ここでは接続状態の
		// 明示だけを行う（既にオンラインなら何もしない）
		s.subs.SetOnline(ctx, true)
	}

	summary := SweepSummary{}
	for _, sub := range s.subs.List() {
		if ctx.Err() != nil {
			break
		}
		if !sub.Enabled || !s.IsDue(sub) {
			summary.Skipped++
			continue
		}

		// 購読間のレート制限
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}

		summary.Polled++
		run := s.cycle.Run(ctx, sub, model.TriggerScheduled)
		s.bus.Publish(events.TopicRunCompleted, run)
		if run.Status == model.RunStatusCompleted {
			summary.Succeeded++
			summary.Archived += run.ItemsArchived
		} else {
			summary.Failed++
		}
	}

	s.drainNotifications(ctx)
	s.cleanupJobs()

	summary.Duration = s.now().Sub(start)
	s.bus.Publish(events.TopicSweepCompleted, summary)
	s.logger.Info("スイープが完了しました",
		slog.Int("polled", summary.Polled),
		slog.Int("skipped", summary.Skipped),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("archived", summary.Archived),
		slog.Float64("duration_ms", float64(summary.Duration.Milliseconds())),
	)
}

// TriggerOne は指定購読のポーリングサイクルを即時実行する。
// 手動トリガAPIから使用される。isDue判定は行わない。
func (s *Scheduler) TriggerOne(ctx context.Context, subscriptionID string) (*model.SubscriptionRun, error) {
	sub, err := s.subs.Get(subscriptionID)
	if err != nil {
		return nil, err
	}
	run := s.cycle.Run(ctx, sub, model.TriggerManual)
	s.bus.Publish(events.TopicRunCompleted, run)
	return run, nil
}

// IsDue は購読が実行対象かを判定する。
// 最終実行が無い購読は常に対象。それ以外は最終実行からの経過時間を
// ミリ秒の整数除算で時間単位へ切り捨て、最小間隔以上なら対象とする。
// 切り捨てにより、59分の経過は0時間として扱われる。
func (s *Scheduler) IsDue(sub *model.Subscription) bool {
	if sub.State.LastRunAt == nil {
		return true
	}
	elapsed := s.now().Sub(*sub.State.LastRunAt)
	hours := int(elapsed.Milliseconds() / (60 * 60 * 1000))
	min := s.minIntervalHours
	if min <= 0 {
		min = 1
	}
	return hours >= min
}

// drainNotifications はリモートの保留通知を取得し、本文取得のジョブを登録して
// 確認応答を返す。確認応答は冪等であり、失敗しても次回のスイープで
// 再取得・再応答される。ジョブ登録に失敗した通知はACKせず、次回へ持ち越す。
func (s *Scheduler) drainNotifications(ctx context.Context) {
	notifications, err := s.notifier.PendingNotifications(ctx)
	if err != nil {
		if model.ErrorCode(err) == model.ErrCodeNetwork || model.ErrorCode(err) == model.ErrCodeTimeout {
			s.subs.SetOnline(ctx, false)
		}
		s.logger.Warn("保留通知の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if len(notifications) == 0 {
		return
	}

	ids := make([]string, 0, len(notifications))
	for _, n := range notifications {
		if n.Status != model.NotificationPending {
			continue
		}
		s.logger.Info("新着通知を受信しました",
			slog.String("notification_id", n.ID),
			slog.String("subscription_id", n.SubscriptionID),
			slog.String("source_url", n.SourceURL),
		)
		if !s.enqueueNotification(&n) {
			continue
		}
		ids = append(ids, n.ID)
	}
	if err := s.notifier.AckNotifications(ctx, ids); err != nil {
		s.logger.Warn("通知の確認応答に失敗しました", slog.String("error", err.Error()))
	}
}

// enqueueNotification は通知1件を処理待ちジョブとして登録する。
// 戻り値は通知をACKしてよいかを示す。対象購読の無い孤児通知と
// 既存ジョブとの重複はACK対象とする。
func (s *Scheduler) enqueueNotification(n *model.PendingNotification) bool {
	if s.jobs == nil {
		return true
	}
	sub, err := s.subs.Get(n.SubscriptionID)
	if err != nil {
		s.logger.Warn("通知の対象購読が見つかりません",
			slog.String("notification_id", n.ID),
			slog.String("subscription_id", n.SubscriptionID),
		)
		return true
	}
	job := &model.PendingJob{
		ID:        uuid.New().String(),
		URL:       n.SourceURL,
		Platform:  sub.Platform,
		Status:    model.JobStatusPending,
		Timestamp: s.now(),
		Metadata: map[string]string{
			"subscriptionId": n.SubscriptionID,
			"sourceId":       n.SourceItemID,
			"notificationId": n.ID,
		},
	}
	if err := s.jobs.Add(job); err != nil {
		if model.ErrorCode(err) == model.ErrCodeDuplicateActiveJob {
			return true
		}
		s.logger.Warn("通知のジョブ登録に失敗しました",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.bus.Publish(events.TopicJobEnqueued, job)
	return true
}

// cleanupJobs は期限切れジョブの削除を行う。
func (s *Scheduler) cleanupJobs() {
	if s.jobs == nil {
		return
	}
	if _, err := s.jobs.ClearOldJobs(); err != nil {
		s.logger.Warn("ジョブクリーンアップに失敗しました", slog.String("error", err.Error()))
	}
}
