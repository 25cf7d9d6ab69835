// Package api はバックエンドへの型付きコマンドインターフェースを提供する。
// 1操作につき1メソッドの明示的な入出力契約で、トランスポートの実装
// （REST/RPC）を差し替え可能にする。
package api

import (
	"context"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// ListRequest は記事一覧クエリの入力。
type ListRequest struct {
	Filter model.ListFilter
	Cursor string
	Limit  int
}

// ListResult は記事一覧クエリの出力。
type ListResult struct {
	Items      []model.Entry `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

// EntryChange は一括既読化リクエストの記事1件分。
// changed_atはクライアントが打った変更時刻で、サーバー側の
// 後勝ち判定に使用される。
type EntryChange struct {
	ID        string    `json:"id"`
	ChangedAt time.Time `json:"changed_at"`
}

// MarkReadRequest は既読・未読化リクエストの入力。
type MarkReadRequest struct {
	Entries  []EntryChange `json:"entries"`
	Read     bool          `json:"read"`
	FromList string        `json:"from_list,omitempty"` // 発生元一覧のフィルタ同一性キー（監査用）
}

// MarkReadResult は既読・未読化リクエストの出力。
// サーバーが確定した書き込み後の記事状態と、影響スコープの未読数を含む。
type MarkReadResult struct {
	Entries      []model.Entry      `json:"entries"`
	UnreadCounts model.UnreadCounts `json:"unread_counts,omitempty"`
}

// SetStarredRequest はスター状態変更リクエストの入力。
type SetStarredRequest struct {
	ID        string    `json:"id"`
	Starred   bool      `json:"starred"`
	ChangedAt time.Time `json:"changed_at"`
}

// SetScoreRequest は評価変更リクエストの入力。
// Scoreは明示的な評価、ImplicitScoreは閲覧行動からの暗黙的シグナル。
// nilフィールドは変更しない。
type SetScoreRequest struct {
	ID            string    `json:"id"`
	Score         *int      `json:"score,omitempty"`
	ImplicitScore *int      `json:"implicit_score,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}

// MutationResult は単一記事への状態変更リクエストの出力。
type MutationResult struct {
	Entry        model.Entry        `json:"entry"`
	UnreadCounts model.UnreadCounts `json:"unread_counts,omitempty"`
}

// MarkAllReadRequest は一括既読化リクエストの入力。
type MarkAllReadRequest struct {
	Filter    model.ListFilter `json:"-"`
	ChangedAt time.Time        `json:"changed_at"`
}

// MarkAllReadResult は一括既読化リクエストの出力。
type MarkAllReadResult struct {
	UpdatedIDs   []string           `json:"updated_ids"`
	UnreadCounts model.UnreadCounts `json:"unread_counts,omitempty"`
}

// Client はバックエンドAPIの型付きコマンドインターフェース。
// 各メソッドの成功レスポンスはサーバー確定のupdated_atを含む
// 書き込み後の記事状態を返す。
type Client interface {
	// ListEntries はフィルタ条件に一致する記事一覧を1ページ取得する。
	ListEntries(ctx context.Context, req ListRequest) (*ListResult, error)

	// GetEntry は記事本文を含む記事詳細を取得する。
	// 見つからない場合はENTRY_NOT_FOUNDエラーを返す。
	GetEntry(ctx context.Context, id string) (*model.Entry, error)

	// MarkRead は複数記事の既読・未読状態を更新する。
	MarkRead(ctx context.Context, req MarkReadRequest) (*MarkReadResult, error)

	// SetStarred は記事のスター状態を更新する。
	SetStarred(ctx context.Context, req SetStarredRequest) (*MutationResult, error)

	// SetScore は記事の評価（明示・暗黙）を更新する。
	SetScore(ctx context.Context, req SetScoreRequest) (*MutationResult, error)

	// MarkAllRead はフィルタ条件に一致する全記事を既読化する。
	MarkAllRead(ctx context.Context, req MarkAllReadRequest) (*MarkAllReadResult, error)

	// SyncSince は指定時刻以降のイベントを取得する。
	// リアルタイム接続が不通の間のポーリング同期に使用する。
	SyncSince(ctx context.Context, since time.Time) ([]model.Event, error)
}
