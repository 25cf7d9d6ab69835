// Package cache は記事と一覧のクライアント側キャッシュを提供する。
// 楽観的更新は単一記事ビューと一覧メンバービューの両方を
// ネットワーク確認前に同期的に書き換える。
package cache

import (
	"sync"

	"github.com/hitoshi/feedsync/internal/model"
)

// listState はフィルタ同一性キーごとのページネーション系列。
type listState struct {
	pages      [][]model.Entry
	nextCursor string
	hasMore    bool
}

// EntryCache は単一記事キャッシュと一覧キャッシュを束ねる。
// 格納・取得は常にスナップショットのコピーで行い、共有参照の
// 破壊的変更を許さない。全変更は定義された操作を通してのみ行う。
type EntryCache struct {
	mu      sync.Mutex
	entries map[string]model.Entry
	lists   map[string]*listState

	listeners  map[int]func()
	nextListen int
}

// New はEntryCacheの新しいインスタンスを生成する。
func New() *EntryCache {
	return &EntryCache{
		entries:   make(map[string]model.Entry),
		lists:     make(map[string]*listState),
		listeners: make(map[int]func()),
	}
}

// Entry は単一記事キャッシュから記事を取得する。
func (c *EntryCache) Entry(id string) (model.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return model.Entry{}, false
	}
	return e.Clone(), true
}

// PutEntry は記事を単一記事キャッシュに格納する。
func (c *EntryCache) PutEntry(e model.Entry) {
	c.mu.Lock()
	c.entries[e.ID] = e.Clone()
	c.mu.Unlock()
	c.notify()
}

// LookupMember は一覧キャッシュを横断して記事を検索する。
// 単一記事キャッシュに未格納の一覧メンバーへの楽観的更新で
// 更新前状態を取得するために使用する。
func (c *EntryCache) LookupMember(id string) (model.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.Clone(), true
	}
	for _, ls := range c.lists {
		for _, page := range ls.pages {
			for _, e := range page {
				if e.ID == id {
					return e.Clone(), true
				}
			}
		}
	}
	return model.Entry{}, false
}

// ReplaceList はフィルタ同一性キーの系列を1ページ目から置き換える。
// 初回フェッチおよび再フェッチ（最後の読み勝ち）で使用する。
func (c *EntryCache) ReplaceList(identity string, page model.EntryPage) {
	c.mu.Lock()
	c.lists[identity] = &listState{
		pages:      [][]model.Entry{clonePage(page.Entries)},
		nextCursor: page.NextCursor,
		hasMore:    page.HasMore,
	}
	c.mu.Unlock()
	c.notify()
}

// AppendList は系列の末尾にページを追加する。
// 系列が存在しない場合はReplaceListと同等に振る舞う。
func (c *EntryCache) AppendList(identity string, page model.EntryPage) {
	c.mu.Lock()
	ls, ok := c.lists[identity]
	if !ok {
		ls = &listState{}
		c.lists[identity] = ls
	}
	ls.pages = append(ls.pages, clonePage(page.Entries))
	ls.nextCursor = page.NextCursor
	ls.hasMore = page.HasMore
	c.mu.Unlock()
	c.notify()
}

// ListPages は系列のページ列とページネーション状態のコピーを返す。
func (c *EntryCache) ListPages(identity string) (pages [][]model.Entry, nextCursor string, hasMore bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, found := c.lists[identity]
	if !found {
		return nil, "", false, false
	}
	pages = make([][]model.Entry, len(ls.pages))
	for i, p := range ls.pages {
		pages[i] = clonePage(p)
	}
	return pages, ls.nextCursor, ls.hasMore, true
}

// ApplyChange は部分的な状態変更を単一記事キャッシュと
// 全一覧メンバーに同期的に適用する。新しいスナップショットを生成し、
// 既存オブジェクトの書き換えは行わない。
func (c *EntryCache) ApplyChange(id string, change model.StateChange) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.entries[id] = e.Apply(change)
	}
	for _, ls := range c.lists {
		for _, page := range ls.pages {
			for i, e := range page {
				if e.ID == id {
					page[i] = e.Apply(change)
				}
			}
		}
	}
	c.mu.Unlock()
	c.notify()
}

// ApplyWinningState は勝者スナップショットをキャッシュへ反映する。
// 鮮度ガード: キャッシュ済みのupdated_atが勝者より新しい場合は書き込まない。
// 適用済みの新しい更新を、遅れて到着した古い確認が巻き戻してはならない。
// 反映した場合はtrueを返す。
func (c *EntryCache) ApplyWinningState(id string, winning model.Entry) bool {
	c.mu.Lock()
	if cur, ok := c.entries[id]; ok && cur.UpdatedAt.After(winning.UpdatedAt) {
		c.mu.Unlock()
		return false
	}
	c.entries[id] = winning.Clone()
	for _, ls := range c.lists {
		for _, page := range ls.pages {
			for i, e := range page {
				if e.ID == id && !e.UpdatedAt.After(winning.UpdatedAt) {
					page[i] = winning.Clone()
				}
			}
		}
	}
	c.mu.Unlock()
	c.notify()
	return true
}

// InvalidateList は系列を破棄する。一覧フェッチ失敗後の再試行や
// 全体再同期の際に使用する。
func (c *EntryCache) InvalidateList(identity string) {
	c.mu.Lock()
	delete(c.lists, identity)
	c.mu.Unlock()
	c.notify()
}

// InvalidateAll は全キャッシュ領域を破棄する。
// 回復不能な乖離からのブルートフォース再同期でのみ使用する。
func (c *EntryCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]model.Entry)
	c.lists = make(map[string]*listState)
	c.mu.Unlock()
	c.notify()
}

// ListIdentities は現在キャッシュされている系列のキー一覧を返す。
func (c *EntryCache) ListIdentities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.lists))
	for id := range c.lists {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe は変更リスナーを登録し、解除用の関数を返す。
func (c *EntryCache) Subscribe(fn func()) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *EntryCache) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func clonePage(entries []model.Entry) []model.Entry {
	page := make([]model.Entry, len(entries))
	for i, e := range entries {
		page[i] = e.Clone()
	}
	return page
}
