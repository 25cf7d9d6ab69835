// Package listnav はカーソルページネーション一覧上の記事ナビゲーションを提供する。
// 開いている記事が絞り込みで一覧から消えた後も、記憶した隣接関係で
// 次・前の解決を継続する。
package listnav

import (
	"sync"

	"github.com/hitoshi/feedsync/internal/model"
)

// defaultPrefetchThreshold は先読みフェッチを発火させる残り件数の既定値。
// 開いている位置から一覧末尾までがこの件数以下になったら次ページを要求し、
// 通常の順方向の読み進めで「次へ」がネットワーク往復で止まらないようにする。
const defaultPrefetchThreshold = 3

// Adjacency は開いている記事から見た直前・直後の記事IDの記録。
// 記事が一覧から絞り込み除外された後も参照できるよう、
// 一覧の再計算経路の外でNavigatorが保持する。
type Adjacency struct {
	PrevID string
	NextID string
}

// Navigator は(フィルタ, 開いている記事)の組ごとの一覧ナビゲーション状態機械。
// 隣接記録はNavigatorインスタンスが所有するキー付きマップであり、
// ビューの生存期間に縛られない。フィルタ変更時にClearで破棄する。
type Navigator struct {
	mu                sync.Mutex
	adjacency         map[string]Adjacency
	prefetchThreshold int
}

// NewNavigator はNavigatorの新しいインスタンスを生成する。
// thresholdが0以下の場合は既定値3を使用する。
func NewNavigator(threshold int) *Navigator {
	if threshold <= 0 {
		threshold = defaultPrefetchThreshold
	}
	return &Navigator{
		adjacency:         make(map[string]Adjacency),
		prefetchThreshold: threshold,
	}
}

// Observe は一覧更新のたびに開いている記事の隣接関係を記録する。
// 記事が一覧に見つからない場合は既存の記録を保持する。
func (n *Navigator) Observe(entries []model.Entry, openID string) {
	if openID == "" {
		return
	}
	index := find(entries, openID)
	if index < 0 {
		return
	}
	rec := Adjacency{}
	if index > 0 {
		rec.PrevID = entries[index-1].ID
	}
	if index < len(entries)-1 {
		rec.NextID = entries[index+1].ID
	}
	n.mu.Lock()
	n.adjacency[openID] = rec
	n.mu.Unlock()
}

// NextID は開いている記事の次の記事IDを返す。I/Oは行わない純粋な解決であり、
// 返したIDに対するフェッチは呼び出し元の責務。
//
// 解決順序: 一覧内の実位置 → 隣接記録の最終値 → 一覧の先頭。
// 完全ロード済み系列の末尾にいる場合は空文字列を返す。
func (n *Navigator) NextID(entries []model.Entry, openID string) string {
	if index := find(entries, openID); index >= 0 {
		if index < len(entries)-1 {
			return entries[index+1].ID
		}
		return ""
	}
	n.mu.Lock()
	rec, ok := n.adjacency[openID]
	n.mu.Unlock()
	if ok && rec.NextID != "" {
		return rec.NextID
	}
	if len(entries) > 0 {
		return entries[0].ID
	}
	return ""
}

// PrevID は開いている記事の前の記事IDを返す。
// 解決順序: 一覧内の実位置 → 隣接記録の最終値 → 一覧の末尾。
func (n *Navigator) PrevID(entries []model.Entry, openID string) string {
	if index := find(entries, openID); index >= 0 {
		if index > 0 {
			return entries[index-1].ID
		}
		return ""
	}
	n.mu.Lock()
	rec, ok := n.adjacency[openID]
	n.mu.Unlock()
	if ok && rec.PrevID != "" {
		return rec.PrevID
	}
	if len(entries) > 0 {
		return entries[len(entries)-1].ID
	}
	return ""
}

// ShouldPrefetch は次ページの先読みフェッチを発火すべきかを判定する。
// 開いている位置から末尾までの残り件数が閾値以下、かつ次ページが存在し、
// かつフェッチが実行中でない場合にtrueを返す。
func (n *Navigator) ShouldPrefetch(entries []model.Entry, openID string, hasMore, fetching bool) bool {
	if !hasMore || fetching {
		return false
	}
	index := find(entries, openID)
	if index < 0 {
		return false
	}
	return len(entries)-index <= n.prefetchThreshold
}

// Forget は指定記事の隣接記録を破棄する。記事を閉じた時に呼ぶ。
func (n *Navigator) Forget(openID string) {
	n.mu.Lock()
	delete(n.adjacency, openID)
	n.mu.Unlock()
}

// Clear は全隣接記録を破棄する。フィルタ変更で系列が切り替わる時に呼ぶ。
func (n *Navigator) Clear() {
	n.mu.Lock()
	n.adjacency = make(map[string]Adjacency)
	n.mu.Unlock()
}

// find は一覧から指定IDの位置を探す。見つからない場合は-1を返す。
func find(entries []model.Entry, id string) int {
	if id == "" {
		return -1
	}
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
