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

	"github.com/hitoshi/feedsync/internal/api"
	"github.com/hitoshi/feedsync/internal/backend"
	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/logger"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/realtime"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/session"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
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

	// devserver はバックエンド側の設定のみで起動する（API_BASE_URL不要）
	if cmd == CommandDevserver {
		logger.SetupDefault(w)
		cfg := config.LoadServer()
		slog.Info("starting application",
			slog.String("command", string(cmd)),
			slog.String("port", cfg.ServerPort),
		)
		return runDevserver(cfg)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("realtime_url", cfg.RealtimeURL),
	)

	return runWatch(cfg)
}

// runDevserver は参照バックエンドサーバーモードで起動する。
// インメモリストア・WebSocketハブ・APIルーティングをワイヤリングし、
// SEED_FEED_URLSが設定されていれば実フィードからデモデータを投入する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runDevserver(cfg *config.Config) error {
	// 1. ストアとサーバーの初期化
	store := backend.NewStore()
	defer store.Close()
	server := backend.NewServer(store, slog.Default(), backend.ServerConfig{
		AuthToken: cfg.AuthToken,
	})

	// 2. デモデータの投入（バックグラウンド）
	if len(cfg.SeedFeedURLs) > 0 {
		ingestor := backend.NewIngestor(
			store, security.NewSSRFGuard(), security.NewContentSanitizer(), slog.Default(),
		)
		go seedFeeds(ingestor, cfg.SeedFeedURLs)
	}

	// 3. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     server.Routes(),
		ReadTimeout: 15 * time.Second,
		// WebSocket接続を書き込みタイムアウトで切らない。配信側の期限はハブが管理する。
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("devserver starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down devserver...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("devserver stopped gracefully")
	return nil
}

// seedFeeds は起動時にシードフィードを順次取り込む。
// 個々の失敗は記録するだけで起動は止めない。
func seedFeeds(ingestor *backend.Ingestor, urls []string) {
	for i, feedURL := range urls {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		subscriptionID := fmt.Sprintf("seed-%d", i+1)
		if _, err := ingestor.IngestFeed(ctx, feedURL, subscriptionID, nil); err != nil {
			slog.Warn("seed feed ingest failed",
				slog.String("feed_url", feedURL),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// runWatch はフィード監視クライアントモードで起動する。
// APIクライアント・セッション・リアルタイムクライアントをワイヤリングし、
// 既定ビューの初回フェッチ後にプッシュイベントの受信ループへ入る。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWatch(cfg *config.Config) error {
	// 1. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	if cfg.MetricsPort != "" {
		go func() {
			addr := ":" + cfg.MetricsPort
			slog.Info("metrics endpoint starting", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, metrics.SetupMetricsRoute(registry)); err != nil {
				slog.Error("metrics listen error", slog.String("error", err.Error()))
			}
		}()
	}

	// 2. APIクライアントの初期化
	sanitizer := security.NewContentSanitizer()
	apiClient := api.NewHTTPClient(
		&http.Client{Timeout: cfg.RequestTimeout},
		cfg.APIBaseURL, cfg.AuthToken, sanitizer, slog.Default(),
	)

	// 3. セッションの初期化
	sess := session.New(session.Options{
		API:               apiClient,
		Metrics:           collector,
		Logger:            slog.Default(),
		PageLimit:         cfg.PageLimit,
		PrefetchThreshold: cfg.PrefetchThreshold,
		RequestTimeout:    cfg.RequestTimeout,
	})

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down watcher...")
		cancel()
	}()

	// 4. 既定ビューの初回フェッチ
	view := sess.ListView(model.ListFilter{})
	if err := view.Fetch(ctx); err != nil {
		// 起動直後の失敗は再接続後の同期に任せて継続する
		slog.Warn("initial list fetch failed", slog.String("error", err.Error()))
	} else {
		slog.Info("initial list fetched",
			slog.Int("entries", len(view.Entries())),
			slog.Bool("has_more", view.HasMore()),
		)
	}

	// 5. リアルタイム受信ループをメインgoroutineで実行（ブロッキング）
	rt := realtime.NewClient(realtime.ClientConfig{
		URL:                 cfg.RealtimeURL,
		AuthToken:           cfg.AuthToken,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		ReconnectMaxBackoff: cfg.ReconnectMaxBackoff,
	}, sess, apiClient, slog.Default(), collector)

	err := rt.Run(ctx)

	// 発行済みの書き込みを完了させてから終了する
	sess.Wait()

	if err != nil && err != context.Canceled {
		return fmt.Errorf("realtime client stopped: %w", err)
	}

	slog.Info("watcher stopped gracefully")
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
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
