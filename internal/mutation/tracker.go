// Package mutation は記事ごとの実行中書き込み操作の台帳を提供する。
// 同一記事への複数の並行書き込みをサーバーのupdated_atで勝者決定し、
// 全滅時には楽観的更新前の状態へ巻き戻すための情報を保持する。
package mutation

import (
	"sync"

	"github.com/hitoshi/feedsync/internal/model"
)

// record は実行中の書き込みがある記事1件分の台帳。
// pendingCountが0になった瞬間にアトミックに削除される。
type record struct {
	pendingCount    int
	winning         *model.Entry // 完了済み操作のうちupdated_at最大のスナップショット
	originalRead    bool
	originalStarred bool
	hasOriginal     bool
}

// Resolution は書き込み完了の解決結果を表す。
type Resolution struct {
	// AllComplete は該当記事の全書き込みが完了したかを示す。
	AllComplete bool
	// Winning は勝者となった記事スナップショット。勝者不在（全滅）の場合はnil。
	Winning *model.Entry
	// OriginalRead / OriginalStarred は最初の楽観的更新前に記録した状態。
	// HasOriginalがfalseの場合は値に意味がない。
	OriginalRead    bool
	OriginalStarred bool
	HasOriginal     bool
}

// Tracker は記事IDごとの実行中書き込みの台帳。
// レスポンスの到着順ではなくサーバーのupdated_atで勝敗を決めるため、
// ネットワークの順序入れ替わりに関わらず最終状態はサーバーの真実と一致する。
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewTracker はTrackerの新しいインスタンスを生成する。
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*record)}
}

// StartTracking は書き込み開始を記録する。
// 台帳がなければpendingCount=1で作成して更新前の状態を保存し、
// あればpendingCountをインクリメントする。
// 楽観的更新を適用する同一ターン内で、ネットワーク呼び出しの前に呼ぶこと。
func (t *Tracker) StartTracking(entryID string, originalRead, originalStarred bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[entryID]; ok {
		r.pendingCount++
		return
	}
	t.records[entryID] = &record{
		pendingCount:    1,
		originalRead:    originalRead,
		originalStarred: originalStarred,
		hasOriginal:     true,
	}
}

// StartTrackingWithoutOriginal は更新前の状態が不明な書き込み開始を記録する。
// 一括既読化のようにキャッシュにない記事へ書き込む場合に使用する。
// 全滅時の巻き戻し先がないため、失敗時は全体再同期へエスカレーションされる。
func (t *Tracker) StartTrackingWithoutOriginal(entryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[entryID]; ok {
		r.pendingCount++
		return
	}
	t.records[entryID] = &record{pendingCount: 1}
}

// RecordSuccess は書き込み成功を記録し、解決結果を返す。
// 台帳がない場合（単発で既に解決済みの書き込み）はresultを即時勝者として返す。
// updated_atの比較は>=で行い、同時刻は後から観測した結果を優先する。
func (t *Tracker) RecordSuccess(entryID string, result model.Entry) Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[entryID]
	if !ok {
		win := result.Clone()
		return Resolution{AllComplete: true, Winning: &win}
	}

	if r.winning == nil || !result.UpdatedAt.Before(r.winning.UpdatedAt) {
		win := result.Clone()
		r.winning = &win
	}

	r.pendingCount--
	if r.pendingCount > 0 {
		return Resolution{AllComplete: false}
	}

	delete(t.records, entryID)
	return Resolution{
		AllComplete:     true,
		Winning:         r.winning,
		OriginalRead:    r.originalRead,
		OriginalStarred: r.originalStarred,
		HasOriginal:     r.hasOriginal,
	}
}

// RecordFailure は書き込み失敗を記録し、解決結果を返す。
// 最後の1件が失敗で完了した場合、他の書き込みが成功していればその勝者を、
// 全滅なら巻き戻し用の更新前状態を返す。
func (t *Tracker) RecordFailure(entryID string) Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[entryID]
	if !ok {
		// 追跡されていない失敗。解決すべきものはない。
		return Resolution{AllComplete: true}
	}

	r.pendingCount--
	if r.pendingCount > 0 {
		return Resolution{AllComplete: false}
	}

	delete(t.records, entryID)
	return Resolution{
		AllComplete:     true,
		Winning:         r.winning,
		OriginalRead:    r.originalRead,
		OriginalStarred: r.originalStarred,
		HasOriginal:     r.hasOriginal,
	}
}

// Pending は指定記事の実行中書き込み数を返す。
func (t *Tracker) Pending(entryID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[entryID]; ok {
		return r.pendingCount
	}
	return 0
}
