// Package app はアプリケーションの初期化、依存関係のワイヤリング、
// サブコマンドの起動を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/socialarch/internal/adapter"
	"github.com/hitoshi/socialarch/internal/config"
	"github.com/hitoshi/socialarch/internal/dedup"
	"github.com/hitoshi/socialarch/internal/events"
	"github.com/hitoshi/socialarch/internal/fetchcache"
	"github.com/hitoshi/socialarch/internal/handler"
	"github.com/hitoshi/socialarch/internal/jobs"
	"github.com/hitoshi/socialarch/internal/logger"
	"github.com/hitoshi/socialarch/internal/metrics"
	"github.com/hitoshi/socialarch/internal/poller"
	"github.com/hitoshi/socialarch/internal/remote"
	"github.com/hitoshi/socialarch/internal/security"
	"github.com/hitoshi/socialarch/internal/storage"
	"github.com/hitoshi/socialarch/internal/subscription"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("authority", cfg.AuthorityBaseURL),
	)

	switch cmd {
	case CommandOnce:
		return runOnce(cfg)
	default:
		return runEngine(cfg)
	}
}

// engine はワイヤリング済みの実行コンポーネント一式。
type engine struct {
	scheduler *poller.Scheduler
	subs      *subscription.Service
	jobStore  *jobs.Store
	cache     *fetchcache.Cache
	registry  *prometheus.Registry
	router    http.Handler
}

// buildEngine は全依存関係をワイヤリングする。
func buildEngine(cfg *config.Config) (*engine, error) {
	log := slog.Default()

	// ローカルストレージ
	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	// メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// リモートオーソリティクライアント
	client := remote.NewClient(
		&http.Client{Timeout: cfg.FetchTimeout},
		cfg.AuthorityBaseURL, cfg.AuthorityToken, log,
	)

	// セキュリティ
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 条件付きフェッチキャッシュ（RSSソース用）
	cache := fetchcache.New(store, "rss", cfg.CacheCapacity, cfg.CacheTTL, log, time.Now)

	// ジョブストア
	jobStore, err := jobs.NewStore(store, log, cfg.JobMaxAge,
		jobs.WithQuotaRecoveryHook(collector.RecordQuotaRecovery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load job store: %w", err)
	}

	// 購読サービスと重複判定エンジン
	subs := subscription.NewService(client, log)
	dedupEngine := dedup.NewEngine(client, log)

	// コンテンツアダプタ
	rssAdapter := adapter.NewRSSAdapter(cache, ssrfGuard, sanitizer, log, cfg.FetchTimeout, cfg.FetchMaxSize)

	// ポーリングサイクルとスケジューラー
	cycle := poller.NewCycle(
		[]adapter.ContentAdapter{rssAdapter},
		dedupEngine, jobStore, client, subs, collector, log,
		cfg.DefaultMaxItemsPerRun, cfg.DefaultBackfillDays,
	)
	bus := events.NewBus()
	scheduler := poller.NewScheduler(
		subs, cycle, client, bus, collector, log,
		poller.SchedulerConfig{
			Interval:         cfg.PollInterval,
			KickoffDelay:     cfg.KickoffDelay,
			MinIntervalHours: cfg.MinIntervalHours,
			ItemDelay:        cfg.ItemDelay,
		},
		jobStore,
		cache,
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:   log,
		Subs:     subs,
		Jobs:     &handler.JobStoreAdapter{Store: jobStore},
		Trigger:  scheduler,
		Gatherer: registry,
	})

	return &engine{
		scheduler: scheduler,
		subs:      subs,
		jobStore:  jobStore,
		cache:     cache,
		registry:  registry,
		router:    router,
	}, nil
}

// runEngine はポーリングエンジンとAPIサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runEngine(cfg *config.Config) error {
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.scheduler.Start(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      eng.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	eng.scheduler.Stop()

	slog.Info("stopped gracefully")
	return nil
}

// runOnce は1回のスイープのみ実行して終了する。
// cronやCIからの単発実行を想定し、APIサーバーは起動しない。
func runOnce(cfg *config.Config) error {
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PollInterval)
	defer cancel()

	eng.scheduler.PollAll(ctx)

	if err := eng.cache.Flush(); err != nil {
		slog.Error("cache flush failed", slog.String("error", err.Error()))
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}
