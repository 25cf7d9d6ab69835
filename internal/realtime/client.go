package realtime

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
)

// EventHandler は受信したプッシュイベントの処理インターフェース。
// セッションが実装し、デルタストアとキャッシュへ反映する。
type EventHandler interface {
	HandleEvent(event model.Event)
}

// Syncer はポーリングフォールバック用の同期インターフェース。
// api.ClientのSyncSinceがこれを満たす。
type Syncer interface {
	SyncSince(ctx context.Context, since time.Time) ([]model.Event, error)
}

// ClientConfig はリアルタイムクライアントの設定。
type ClientConfig struct {
	URL                 string
	AuthToken           string
	HeartbeatInterval   time.Duration
	ReconnectMaxBackoff time.Duration
}

// Client はWebSocketのプッシュイベント受信クライアント。
// 切断時は指数バックオフで再接続し、イベント種別ごとの最終カーソルを
// 送ってサーバーに欠落イベントをリプレイさせる。連続失敗が閾値を超えた
// 場合はタイムスタンプベースのポーリング同期へフォールバックする。
type Client struct {
	cfg      ClientConfig
	dialer   *websocket.Dialer
	handler  EventHandler
	fallback Syncer
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	limiter  *rate.Limiter

	mu       sync.Mutex
	cursors  map[model.EventType]string
	lastSeen time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
// fallbackがnilの場合はポーリングフォールバックを行わない。
func NewClient(cfg ClientConfig, handler EventHandler, fallback Syncer, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Client{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		handler:  handler,
		fallback: fallback,
		logger:   logger,
		metrics:  collector,
		// 再接続の嵐を防ぐ。バックオフとは独立に毎秒1接続までに制限する。
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		cursors:  make(map[model.EventType]string),
		lastSeen: time.Now().UTC(),
	}
}

// Run は受信ループを起動する。コンテキストがキャンセルされるか、
// サーバーが意図的に切断するまで再接続を続ける。
func (c *Client) Run(ctx context.Context) error {
	consecutiveFailures := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		conn, err := c.connect(ctx)
		if err != nil {
			consecutiveFailures++
			c.metrics.RecordRealtimeReconnect()
			c.logger.Warn("リアルタイム接続に失敗しました",
				slog.String("error", err.Error()),
				slog.Int("consecutive_failures", consecutiveFailures),
			)

			// 接続できない間もポーリングで遅延同期を続ける
			if consecutiveFailures >= pollFallbackThreshold {
				c.pollOnce(ctx)
			}

			delay := CalculateBackoff(consecutiveFailures, c.cfg.ReconnectMaxBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		consecutiveFailures = 0
		c.logger.Info("リアルタイム接続を確立しました", slog.String("url", c.cfg.URL))

		err = c.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsFatalCloseError(err) {
			c.logger.Info("サーバーが接続を終了しました", slog.String("reason", err.Error()))
			return nil
		}

		c.metrics.RecordRealtimeReconnect()
		c.logger.Warn("リアルタイム接続が切断されました。再接続します",
			slog.String("error", err.Error()),
		)
	}
}

// connect はカーソルリプレイパラメータ付きでWebSocket接続を確立する。
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	c.mu.Lock()
	for eventType, cursor := range c.cursors {
		q.Set("cursor_"+string(eventType), cursor)
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()

	header := map[string][]string{}
	if c.cfg.AuthToken != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.AuthToken}
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	return conn, err
}

// readLoop はハートビートを送りながらイベントを受信し続ける。
// 読み取り期限はハートビート間隔の2倍とし、pong受信で延長する。
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	readTimeout := c.cfg.HeartbeatInterval * 2
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var event model.Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(event)
	}
}

// pollOnce は最終観測時刻以降のイベントをポーリングで取得して処理する。
func (c *Client) pollOnce(ctx context.Context) {
	if c.fallback == nil {
		return
	}
	c.mu.Lock()
	since := c.lastSeen
	c.mu.Unlock()

	events, err := c.fallback.SyncSince(ctx, since)
	if err != nil {
		c.logger.Warn("ポーリング同期に失敗しました", slog.String("error", err.Error()))
		return
	}
	for _, event := range events {
		c.dispatch(event)
	}
}

// dispatch はイベントをハンドラへ渡し、カーソルと最終観測時刻を更新する。
func (c *Client) dispatch(event model.Event) {
	c.mu.Lock()
	if event.Cursor != "" {
		c.cursors[event.Type] = event.Cursor
	}
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()

	c.metrics.RecordRealtimeEvent(string(event.Type))
	c.handler.HandleEvent(event)
}

// Cursors は現在のイベント種別ごとの最終カーソルのコピーを返す。
func (c *Client) Cursors() map[model.EventType]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.EventType]string, len(c.cursors))
	for k, v := range c.cursors {
		out[k] = v
	}
	return out
}
