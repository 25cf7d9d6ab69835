package backend

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/api"
	"github.com/hitoshi/feedsync/internal/model"
)

// ServerConfig は参照バックエンドの設定。
type ServerConfig struct {
	// AuthToken が空でない場合、全APIルートでBearerトークンを検証する。
	AuthToken string
	// RequestsPerSecond はAPI全体のレート制限。0以下なら既定値50を使う。
	RequestsPerSecond float64
	// Burst はレート制限のバーストサイズ。0以下なら既定値100を使う。
	Burst int
}

// Server は参照バックエンドのHTTPサーバー。
// ストア・プッシュハブ・ルーティングを束ねる。
type Server struct {
	store   *Store
	hub     *Hub
	logger  *slog.Logger
	cfg     ServerConfig
	limiter *rate.Limiter
}

// NewServer はServerの新しいインスタンスを生成する。
func NewServer(store *Store, logger *slog.Logger, cfg ServerConfig) *Server {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	return &Server{
		store:   store,
		hub:     NewHub(store, logger),
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Routes は全APIエンドポイントのルーティングとミドルウェアチェーンを構成した
// chi.Routerを返す。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// ヘルスチェックは認証・レート制限の外に置く
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Route("/api/entries", func(r chi.Router) {
			r.Get("/", s.listEntries)
			r.Post("/read", s.markRead)
			r.Post("/read-all", s.markAllRead)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getEntry)
				r.Put("/star", s.setStarred)
				r.Put("/score", s.setScore)
			})
		})

		r.Get("/api/sync", s.sync)
	})

	// WebSocketはトークンをヘッダで検証した上でアップグレードする
	r.With(s.authMiddleware).Get("/api/realtime", s.hub.ServeWS)

	return r
}

// authMiddleware はBearerトークンを検証する。トークン未設定時は素通しする。
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			writeErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware はAPI全体のレート制限を適用する。
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			retryAfterSec := int(math.Ceil(1.0 / float64(s.limiter.Limit())))
			if retryAfterSec < 1 {
				retryAfterSec = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"code":     "rate_limit_exceeded",
				"message":  "リクエストが多すぎます。",
				"category": "system",
				"action":   "しばらく待ってから再度お試しください。",
			})
			s.logger.Warn("レート制限を超過しました", slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// listEntries はフィルタ条件に一致する記事一覧を返す。
// GET /api/entries?subscription_id&tag_id&uncategorized&filter=unread|starred&type&sort&cursor&limit
func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := model.ListFilter{
		SubscriptionID: q.Get("subscription_id"),
		TagID:          q.Get("tag_id"),
		Uncategorized:  q.Get("uncategorized") == "true",
		Type:           model.EntryType(q.Get("type")),
		Sort:           model.SortOrder(q.Get("sort")),
	}
	switch q.Get("filter") {
	case "":
	case "unread":
		f.UnreadOnly = true
	case "starred":
		f.StarredOnly = true
	default:
		writeErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError(q.Get("filter")))
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	page := s.store.List(f, q.Get("cursor"), limit)
	writeJSON(w, api.ListResult{
		Items:      page.Entries,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// getEntry は記事詳細を返す。
// GET /api/entries/{id}
func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := s.store.Entry(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	writeJSON(w, e)
}

// markRead は複数記事の既読・未読状態を更新する。
// POST /api/entries/read
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req api.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	result := api.MarkReadResult{}
	for _, change := range req.Entries {
		e, ok := s.store.SetRead(change.ID, req.Read, change.ChangedAt)
		if !ok {
			writeErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(change.ID))
			return
		}
		result.Entries = append(result.Entries, e)
	}
	result.UnreadCounts = s.store.UnreadCounts()
	writeJSON(w, result)
}

// setStarred は記事のスター状態を更新する。
// PUT /api/entries/{id}/star
func (s *Server) setStarred(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req api.SetStarredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	e, ok := s.store.SetStarred(id, req.Starred, req.ChangedAt)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	writeJSON(w, api.MutationResult{Entry: e, UnreadCounts: s.store.UnreadCounts()})
}

// setScore は記事の評価を更新する。
// PUT /api/entries/{id}/score
func (s *Server) setScore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req api.SetScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	e, ok := s.store.SetScore(id, req.Score, req.ImplicitScore, req.ChangedAt)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	writeJSON(w, api.MutationResult{Entry: e, UnreadCounts: s.store.UnreadCounts()})
}

// markAllReadRequest は一括既読化リクエストのボディ。
type markAllReadRequest struct {
	SubscriptionID string    `json:"subscription_id"`
	TagID          string    `json:"tag_id"`
	Uncategorized  bool      `json:"uncategorized"`
	Type           string    `json:"type"`
	ChangedAt      time.Time `json:"changed_at"`
}

// markAllRead はフィルタ条件に一致する全記事を既読化する。
// POST /api/entries/read-all
func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	var req markAllReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	f := model.ListFilter{
		SubscriptionID: req.SubscriptionID,
		TagID:          req.TagID,
		Uncategorized:  req.Uncategorized,
		Type:           model.EntryType(req.Type),
	}
	updated := s.store.MarkAllRead(f, req.ChangedAt)
	writeJSON(w, api.MarkAllReadResult{
		UpdatedIDs:   updated,
		UnreadCounts: s.store.UnreadCounts(),
	})
}

// sync は指定時刻以降のイベントを返す。
// GET /api/sync?since=RFC3339Nano
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	since, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w)
		return
	}
	events := s.store.EventsSince(since)
	writeJSON(w, map[string][]model.Event{"events": events})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func writeErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"code":     apiErr.Code,
		"message":  apiErr.Message,
		"category": apiErr.Category,
		"action":   apiErr.Action,
	})
}

func writeBadRequest(w http.ResponseWriter) {
	writeErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}
