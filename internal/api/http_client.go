package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

// HTTPClient はREST APIに対するClientの実装。
// 記事本文はレスポンス受信時にサニタイズしてからキャッシュ層へ渡す。
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
	sanitizer  security.ContentSanitizerService
	logger     *slog.Logger
}

// NewHTTPClient はHTTPClientの新しいインスタンスを生成する。
func NewHTTPClient(httpClient *http.Client, baseURL, authToken string, sanitizer security.ContentSanitizerService, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		authToken:  authToken,
		sanitizer:  sanitizer,
		logger:     logger,
	}
}

// ListEntries はフィルタ条件に一致する記事一覧を1ページ取得する。
func (c *HTTPClient) ListEntries(ctx context.Context, req ListRequest) (*ListResult, error) {
	q := url.Values{}
	f := req.Filter
	if f.SubscriptionID != "" {
		q.Set("subscription_id", f.SubscriptionID)
	}
	if f.TagID != "" {
		q.Set("tag_id", f.TagID)
	}
	if f.Uncategorized {
		q.Set("uncategorized", "true")
	}
	switch {
	case f.UnreadOnly:
		q.Set("filter", "unread")
	case f.StarredOnly:
		q.Set("filter", "starred")
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.Sort != "" {
		q.Set("sort", string(f.Sort))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var result ListResult
	if err := c.doJSON(ctx, http.MethodGet, "/api/entries?"+q.Encode(), nil, &result); err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	return &result, nil
}

// GetEntry は記事詳細を取得し、本文をサニタイズして返す。
func (c *HTTPClient) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	var entry model.Entry
	if err := c.doJSON(ctx, http.MethodGet, "/api/entries/"+url.PathEscape(id), nil, &entry); err != nil {
		return nil, err
	}
	if c.sanitizer != nil {
		entry.Content = c.sanitizer.Sanitize(entry.Content)
		entry.Summary = c.sanitizer.Sanitize(entry.Summary)
	}
	return &entry, nil
}

// MarkRead は複数記事の既読・未読状態を更新する。
func (c *HTTPClient) MarkRead(ctx context.Context, req MarkReadRequest) (*MarkReadResult, error) {
	var result MarkReadResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/entries/read", req, &result); err != nil {
		return nil, fmt.Errorf("既読状態の更新に失敗しました: %w", err)
	}
	return &result, nil
}

// SetStarred は記事のスター状態を更新する。
func (c *HTTPClient) SetStarred(ctx context.Context, req SetStarredRequest) (*MutationResult, error) {
	var result MutationResult
	path := "/api/entries/" + url.PathEscape(req.ID) + "/star"
	if err := c.doJSON(ctx, http.MethodPut, path, req, &result); err != nil {
		return nil, fmt.Errorf("スター状態の更新に失敗しました: %w", err)
	}
	return &result, nil
}

// SetScore は記事の評価を更新する。
func (c *HTTPClient) SetScore(ctx context.Context, req SetScoreRequest) (*MutationResult, error) {
	var result MutationResult
	path := "/api/entries/" + url.PathEscape(req.ID) + "/score"
	if err := c.doJSON(ctx, http.MethodPut, path, req, &result); err != nil {
		return nil, fmt.Errorf("評価の更新に失敗しました: %w", err)
	}
	return &result, nil
}

// MarkAllRead はフィルタ条件に一致する全記事を既読化する。
func (c *HTTPClient) MarkAllRead(ctx context.Context, req MarkAllReadRequest) (*MarkAllReadResult, error) {
	f := req.Filter
	body := struct {
		SubscriptionID string    `json:"subscription_id,omitempty"`
		TagID          string    `json:"tag_id,omitempty"`
		Uncategorized  bool      `json:"uncategorized,omitempty"`
		Type           string    `json:"type,omitempty"`
		ChangedAt      time.Time `json:"changed_at"`
	}{
		SubscriptionID: f.SubscriptionID,
		TagID:          f.TagID,
		Uncategorized:  f.Uncategorized,
		Type:           string(f.Type),
		ChangedAt:      req.ChangedAt,
	}

	var result MarkAllReadResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/entries/read-all", body, &result); err != nil {
		return nil, fmt.Errorf("一括既読化に失敗しました: %w", err)
	}
	return &result, nil
}

// SyncSince は指定時刻以降のイベントを取得する。
func (c *HTTPClient) SyncSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))

	var result struct {
		Events []model.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sync?"+q.Encode(), nil, &result); err != nil {
		return nil, fmt.Errorf("ポーリング同期に失敗しました: %w", err)
	}
	return result.Events, nil
}

// doJSON はJSONリクエストを送信し、JSONレスポンスをoutへデコードする。
// エラーステータスはHTTPコードに応じたAPIErrorへ変換する。
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Feedsync/1.0 Feed Reader Client")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("APIリクエストに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.NewEntryNotFoundError(path)
	case resp.StatusCode == http.StatusUnauthorized:
		return model.NewUnauthorizedError()
	case resp.StatusCode >= 400:
		c.logger.Error("APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		// サーバーが構造化エラーを返していればカテゴリと対処指示を保って伝播する
		if data, err := io.ReadAll(resp.Body); err == nil {
			var apiErr model.APIError
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
				return &apiErr
			}
		}
		return fmt.Errorf("APIがステータス %d を返しました", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
