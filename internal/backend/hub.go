package backend

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/feedsync/internal/model"
)

// sendBufferSize はクライアントごとの送信キューの容量。
// キューが溢れた遅いクライアントは切断して再接続とリプレイに任せる。
const sendBufferSize = 64

// Hub はWebSocketプッシュ配信のハブ。
// 接続中の全クライアントへイベントをブロードキャストし、
// 再接続時はカーソル以降のイベントをリプレイする。
type Hub struct {
	store    *Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan model.Event
}

// NewHub はHubの新しいインスタンスを生成し、ストアのイベント配信に接続する。
func NewHub(store *Store, logger *slog.Logger) *Hub {
	h := &Hub{
		store:   store,
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
	store.OnEvent(h.Broadcast)
	return h
}

// Broadcast はイベントを接続中の全クライアントへ配信する。
func (h *Hub) Broadcast(event model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			// 送信キューが溢れた。切断して再接続時のリプレイに任せる
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// ServeWS はWebSocket接続を受け付ける。
// クエリのcursor_<type>パラメータがあれば、そのカーソル以降の
// 欠落イベントを接続直後にリプレイする。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}

	c := &hubClient{
		conn: conn,
		send: make(chan model.Event, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go h.writePump(c)

	// 欠落イベントのリプレイ。writePump起動後に送るため、
	// リプレイ量が送信キュー容量を超えても詰まらない
	q := r.URL.Query()
	for _, eventType := range []model.EventType{
		model.EventNewEntry,
		model.EventEntryUpdated,
		model.EventSubscriptionCreated,
		model.EventImportProgress,
	} {
		cursor := q.Get("cursor_" + string(eventType))
		if cursor == "" {
			continue
		}
		for _, ev := range h.store.EventsAfterCursor(eventType, cursor) {
			select {
			case c.send <- ev:
			default:
			}
		}
	}

	h.readPump(c)
}

// writePump は送信キューのイベントをクライアントへ書き込む。
func (h *Hub) writePump(c *hubClient) {
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(event); err != nil {
			h.remove(c)
			return
		}
	}
}

// readPump はクライアントからの制御フレームを処理する。
// pingへのpong応答はgorillaの既定ハンドラが行うため、
// ここでは切断の検知のみを行う。
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// remove はクライアントをハブから取り除く。
func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
