package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/api"
	"github.com/hitoshi/feedsync/internal/delta"
	"github.com/hitoshi/feedsync/internal/listnav"
	"github.com/hitoshi/feedsync/internal/model"
)

// ListView はフィルタ条件の組1つに対応する一覧ビュー。
// フェッチ済みページ列にデルタオーバーレイとフィルタを適用した
// 実効一覧と、開いている記事からのナビゲーションを提供する。
//
// フィルタ条件の組がページネーション系列の同一性を決定するため、
// 条件が変われば新しいListViewを取得する。
type ListView struct {
	session  *Session
	filter   model.ListFilter
	identity string
	nav      *listnav.Navigator
	limit    int

	mu       sync.Mutex
	openID   string
	fetching bool
	loading  bool
	seq      int // フェッチ系列番号。新しいフェッチが古い結果を追い越す
	err      error
}

// ListView はフィルタ条件に対応する一覧ビューを返す。
// 同一条件のビューは使い回され、セッションの生存中は同一インスタンスを返す。
func (s *Session) ListView(f model.ListFilter) *ListView {
	identity := f.Identity()
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[identity]; ok {
		return v
	}
	v := &ListView{
		session:  s,
		filter:   f,
		identity: identity,
		nav:      listnav.NewNavigator(s.prefetchThreshold),
		limit:    s.pageLimit,
	}
	s.views[identity] = v
	return v
}

// DiscardView はフィルタ条件に対応するビューを破棄する。
// 隣接記録も系列の切り替わりとして全て破棄される。
func (s *Session) DiscardView(f model.ListFilter) {
	identity := f.Identity()
	s.mu.Lock()
	v, ok := s.views[identity]
	delete(s.views, identity)
	s.mu.Unlock()
	if ok {
		v.nav.Clear()
	}
}

// UnreadCount はスコープ（購読またはタグ）の実効未読数を返す。
// サーバー確定数に楽観的な差分を重ねた値で、サイドバーのバッジ表示に使う。
func (s *Session) UnreadCount(scopeID string) int {
	return s.delta.Snapshot().UnreadCount(scopeID)
}

// Fetch は一覧の1ページ目を取得して系列を置き換える。
// 同一系列への実行中フェッチがあっても、後から発行したフェッチの結果が勝つ。
func (v *ListView) Fetch(ctx context.Context) error {
	v.mu.Lock()
	v.seq++
	seq := v.seq
	v.loading = true
	v.fetching = true
	v.err = nil
	v.mu.Unlock()

	start := time.Now()
	result, err := v.session.api.ListEntries(ctx, api.ListRequest{Filter: v.filter, Limit: v.limit})
	v.session.metrics.RecordListFetchLatency(time.Since(start))

	v.mu.Lock()
	if seq != v.seq {
		// 新しいフェッチに追い越された。結果は破棄する
		v.mu.Unlock()
		return nil
	}
	v.loading = false
	v.fetching = false
	if err != nil {
		apiErr := model.NewListFetchFailedError(err.Error())
		v.err = apiErr
		v.mu.Unlock()
		v.session.logger.Warn("一覧フェッチに失敗しました",
			slog.String("identity", v.identity),
			slog.String("error", err.Error()),
		)
		return apiErr
	}
	// 追い越し判定とキャッシュへの公開は同一クリティカルセクション内で行う。
	// 判定後にロックを手放すと、その隙に完了した新しいフェッチの結果を
	// 古い結果が上書きできてしまう
	v.session.cache.ReplaceList(v.identity, model.EntryPage{
		Entries:    result.Items,
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
	})
	v.mu.Unlock()

	// 新着スタブは完全なEntryに置き換わったので取り下げる
	v.session.delta.ClearPending(v.filter.SubscriptionID)
	return nil
}

// Refetch は系列を1ページ目から取得し直す。
func (v *ListView) Refetch(ctx context.Context) error {
	return v.Fetch(ctx)
}

// FetchMore は系列の次ページを取得して末尾に追加する。
// 実行中のフェッチがある場合、または次ページが存在しない場合は何もしない。
func (v *ListView) FetchMore(ctx context.Context) error {
	_, cursor, hasMore, ok := v.session.cache.ListPages(v.identity)
	if !ok {
		return v.Fetch(ctx)
	}
	if !hasMore {
		return nil
	}

	v.mu.Lock()
	if v.fetching {
		v.mu.Unlock()
		return nil
	}
	seq := v.seq
	v.fetching = true
	v.err = nil
	v.mu.Unlock()

	start := time.Now()
	result, err := v.session.api.ListEntries(ctx, api.ListRequest{Filter: v.filter, Cursor: cursor, Limit: v.limit})
	v.session.metrics.RecordListFetchLatency(time.Since(start))

	v.mu.Lock()
	if seq != v.seq {
		// 取得中に系列が置き換えられた。古い系列のページは追加しない
		v.mu.Unlock()
		return nil
	}
	v.fetching = false
	if err != nil {
		apiErr := model.NewListFetchFailedError(err.Error())
		v.err = apiErr
		v.mu.Unlock()
		return apiErr
	}
	openID := v.openID
	// Fetchと同様、系列チェックとページ追加は同一クリティカルセクション内で行う
	v.session.cache.AppendList(v.identity, model.EntryPage{
		Entries:    result.Items,
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
	})
	v.mu.Unlock()

	if openID != "" {
		v.maybePrefetch(v.Entries(), openID)
	}
	return nil
}

// Entries はデルタ適用・フィルタ再判定後の実効一覧を返す。
// デルタ適用でフィルタ所属を失った記事は再フェッチなしで消える。
// 開いている記事の隣接関係はこの時点の一覧で更新される。
func (v *ListView) Entries() []model.Entry {
	pages, _, _, ok := v.session.cache.ListPages(v.identity)
	if !ok {
		return nil
	}
	merged := delta.MergeList(pages, v.session.delta.Snapshot(), v.filter)

	v.mu.Lock()
	openID := v.openID
	v.mu.Unlock()
	v.nav.Observe(merged, openID)
	return merged
}

// Open は記事を開く。本文が未キャッシュならフェッチし、
// 隣接関係を記録した上で、必要なら次ページの先読みを発火する。
func (v *ListView) Open(ctx context.Context, id string) error {
	v.mu.Lock()
	v.openID = id
	v.mu.Unlock()

	merged := v.Entries()

	if _, ok := v.session.cache.Entry(id); !ok {
		entry, err := v.session.api.GetEntry(ctx, id)
		if err != nil {
			v.session.logger.Warn("記事の取得に失敗しました",
				slog.String("entry_id", id),
				slog.String("error", err.Error()),
			)
			return err
		}
		v.session.cache.PutEntry(*entry)
	}

	v.session.RecordOpen(id)
	v.maybePrefetch(merged, id)
	return nil
}

// Close は開いている記事を閉じ、その隣接記録を破棄する。
func (v *ListView) Close() {
	v.mu.Lock()
	openID := v.openID
	v.openID = ""
	v.mu.Unlock()
	if openID != "" {
		v.nav.Forget(openID)
	}
}

// OpenID は現在開いている記事IDを返す。開いていない場合は空文字列。
func (v *ListView) OpenID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openID
}

// NextEntryID は開いている記事の次の記事IDを返す。I/Oは行わない。
// 開いている記事が一覧から絞り込み除外されていても、記憶した
// 隣接関係から解決する。系列の真の末尾では空文字列を返す。
func (v *ListView) NextEntryID() string {
	v.mu.Lock()
	openID := v.openID
	v.mu.Unlock()
	return v.nav.NextID(v.Entries(), openID)
}

// PrevEntryID は開いている記事の前の記事IDを返す。
func (v *ListView) PrevEntryID() string {
	v.mu.Lock()
	openID := v.openID
	v.mu.Unlock()
	return v.nav.PrevID(v.Entries(), openID)
}

// Loading は1ページ目のフェッチが実行中かを返す。
func (v *ListView) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

// Err は直近のフェッチ失敗を返す。この一覧に限定された
// リトライ可能なエラーであり、他のビューには影響しない。
func (v *ListView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// HasMore は系列に未取得の次ページが存在するかを返す。
func (v *ListView) HasMore() bool {
	_, _, hasMore, ok := v.session.cache.ListPages(v.identity)
	return ok && hasMore
}

// PendingCount はこのビューに関係する新着スタブの件数を返す。
// 「新着n件」バナーの表示に使う。スタブは一覧本体には挿入されず、
// 再フェッチで完全なEntryとして取り込まれる。
func (v *ListView) PendingCount() int {
	sn := v.session.delta.Snapshot()
	if v.filter.SubscriptionID == "" {
		return len(sn.Pending)
	}
	count := 0
	for _, stub := range sn.Pending {
		if stub.SubscriptionID == v.filter.SubscriptionID {
			count++
		}
	}
	return count
}

// maybePrefetch は開いている位置が読み込み済み末尾に近づいたら
// 次ページのフェッチをバックグラウンドで発火する。
// 通常の順方向の読み進めで「次へ」がネットワーク往復で止まらないようにする。
func (v *ListView) maybePrefetch(merged []model.Entry, openID string) {
	_, _, hasMore, ok := v.session.cache.ListPages(v.identity)
	if !ok {
		return
	}
	v.mu.Lock()
	fetching := v.fetching
	v.mu.Unlock()

	if !v.nav.ShouldPrefetch(merged, openID, hasMore, fetching) {
		return
	}
	v.session.metrics.RecordPrefetch()
	v.session.wg.Add(1)
	go func() {
		defer v.session.wg.Done()
		ctx, cancel := v.session.writeContext()
		defer cancel()
		v.FetchMore(ctx)
	}()
}
