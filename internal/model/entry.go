// Package model はドメインモデルを定義する。
package model

import "time"

// Entry はフィードの記事を表すイミュータブルなスナップショット。
// 状態遷移は必ず新しいスナップショットを生成し、共有オブジェクトの
// 破壊的変更は行わない（古いクロージャが新しいデータを壊さないための規約）。
// APIのワイヤ形式と1対1で対応する。
type Entry struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id,omitempty"` // 所属する購読。未分類の場合は空文字列。
	TagIDs         []string  `json:"tag_ids,omitempty"`
	Type           EntryType `json:"type"`
	Title          string    `json:"title"`
	Link           string    `json:"link"`
	Author         string    `json:"author,omitempty"`
	Content        string    `json:"content,omitempty"` // サニタイズ済みHTML
	Summary        string    `json:"summary,omitempty"`
	Read           bool      `json:"is_read"`
	Starred        bool      `json:"is_starred"`
	Score          *int      `json:"score,omitempty"`          // ユーザーによる明示的な評価。未評価の場合はnil。
	ImplicitScore  *int      `json:"implicit_score,omitempty"` // 閲覧行動から導出される暗黙的なシグナル。
	PublishedAt    time.Time `json:"published_at"`
	FetchedAt      time.Time `json:"fetched_at"`
	UpdatedAt      time.Time `json:"updated_at"` // サーバーが割り当てる論理タイムスタンプ
}

// Clone はEntryの深いコピーを返す。
// スライス・ポインタフィールドも複製するため、返り値への変更は元に影響しない。
func (e Entry) Clone() Entry {
	c := e
	if e.TagIDs != nil {
		c.TagIDs = make([]string, len(e.TagIDs))
		copy(c.TagIDs, e.TagIDs)
	}
	if e.Score != nil {
		v := *e.Score
		c.Score = &v
	}
	if e.ImplicitScore != nil {
		v := *e.ImplicitScore
		c.ImplicitScore = &v
	}
	return c
}

// Apply は部分的な状態変更を適用した新しいスナップショットを返す。
// nilフィールドは変更せず既存の値を維持する。元のEntryは変更されない。
func (e Entry) Apply(change StateChange) Entry {
	c := e.Clone()
	if change.Read != nil {
		c.Read = *change.Read
	}
	if change.Starred != nil {
		c.Starred = *change.Starred
	}
	if change.Score != nil {
		v := *change.Score
		c.Score = &v
	}
	if change.ImplicitScore != nil {
		v := *change.ImplicitScore
		c.ImplicitScore = &v
	}
	if change.ChangedAt != nil {
		c.UpdatedAt = *change.ChangedAt
	}
	return c
}

// OrderingKey は一覧の並び順に使用する時刻を返す。
// published_atが未設定の記事はfetched_atで代用する。
func (e Entry) OrderingKey() time.Time {
	if e.PublishedAt.IsZero() {
		return e.FetchedAt
	}
	return e.PublishedAt
}

// StateChange は記事状態への部分更新を表す。
// nilフィールドは「変更なし」を意味する。
type StateChange struct {
	Read          *bool
	Starred       *bool
	Score         *int
	ImplicitScore *int
	ChangedAt     *time.Time
}

// EntryType は記事の種別を表す。
type EntryType string

const (
	// EntryTypeArticle は通常の記事。
	EntryTypeArticle EntryType = "article"
	// EntryTypeVideo は動画エントリ。
	EntryTypeVideo EntryType = "video"
	// EntryTypeAudio は音声（ポッドキャスト等）エントリ。
	EntryTypeAudio EntryType = "audio"
)

// EntryStub はリアルタイムイベントで先行通知された未取得の記事スタブ。
// 次の一覧フェッチで完全なEntryに置き換わるまでの間、
// 「新着あり」の提示にのみ使用する。
type EntryStub struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Title          string    `json:"title"`
	PublishedAt    time.Time `json:"published_at"`
}
