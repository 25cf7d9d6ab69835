// Package backend は開発・統合テスト用のインメモリ参照バックエンドを提供する。
// クライアントエンジンが依存するAPI契約（一覧クエリ、状態更新の後勝ち判定、
// スコープ別未読数、プッシュイベント）を外部サービスなしで再現する。
package backend

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// Store は記事とイベントログを保持するインメモリストア。
//
// 状態更新はクライアントが打ったchanged_atによる後勝ちで解決する。
// 現在のupdated_atより古いchanged_atの書き込みは無視され、
// レスポンスには常に確定後の状態が載る。
type Store struct {
	mu       sync.Mutex
	entries  map[string]model.Entry
	byLink   map[string]string // 記事リンク → ID。取り込みの重複排除に使う
	events   []model.Event
	eventSeq int
	clock    func() time.Time
	closed   bool

	onEvent  []func(model.Event)
	dispatch chan eventDispatch
}

// eventDispatch は配信キューの1要素。コールバック一覧はイベント発生時点の
// スナップショットを運ぶ
type eventDispatch struct {
	event model.Event
	fns   []func(model.Event)
}

const dispatchBuffer = 256

// NewStore はStoreの新しいインスタンスを生成する。
func NewStore() *Store {
	s := &Store{
		entries:  make(map[string]model.Entry),
		byLink:   make(map[string]string),
		clock:    time.Now,
		dispatch: make(chan eventDispatch, dispatchBuffer),
	}
	go s.dispatchLoop()
	return s
}

// Close はイベント配信を停止する。以降のイベントは配信されない。
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.dispatch)
	}
}

// dispatchLoop はイベントログへの追加順どおりにコールバックを呼び出す。
// 単一ゴルーチンで配信することで、カーソルの単調増加と配信順序を一致させる。
func (s *Store) dispatchLoop() {
	for d := range s.dispatch {
		for _, fn := range d.fns {
			fn(d.event)
		}
	}
}

// OnEvent はイベント発生時のコールバックを登録する。
// プッシュハブがブロードキャストのために使用する。
func (s *Store) OnEvent(fn func(model.Event)) {
	s.mu.Lock()
	s.onEvent = append(s.onEvent, fn)
	s.mu.Unlock()
}

// Upsert は記事を登録または更新し、新規登録ならtrueを返す。
// 同一リンクの既存記事は取り込みの重複として内容のみ更新する。
func (s *Store) Upsert(e model.Entry) bool {
	now := s.clock().UTC()
	if e.FetchedAt.IsZero() {
		e.FetchedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}

	s.mu.Lock()
	if e.Link != "" {
		if existingID, ok := s.byLink[e.Link]; ok && existingID != e.ID {
			existing := s.entries[existingID]
			existing.Title = e.Title
			existing.Content = e.Content
			existing.Summary = e.Summary
			existing.Author = e.Author
			s.entries[existingID] = existing
			s.mu.Unlock()
			return false
		}
		s.byLink[e.Link] = e.ID
	}
	_, existed := s.entries[e.ID]
	s.entries[e.ID] = e
	var event model.Event
	if existed {
		snapshot := e.Clone()
		event = model.Event{Type: model.EventEntryUpdated, Entry: &snapshot}
	} else {
		event = model.Event{
			Type: model.EventNewEntry,
			Stub: &model.EntryStub{
				ID:             e.ID,
				SubscriptionID: e.SubscriptionID,
				Title:          e.Title,
				PublishedAt:    e.PublishedAt,
			},
		}
	}
	s.appendEventLocked(event)
	s.mu.Unlock()
	return !existed
}

// Entry は記事を取得する。見つからない場合はfalseを返す。
func (s *Store) Entry(id string) (model.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.Entry{}, false
	}
	return e.Clone(), true
}

// List はフィルタ条件に一致する記事を並び順とカーソルに従って1ページ返す。
// limit+1件を切り出して次ページの有無を判定する。
func (s *Store) List(f model.ListFilter, cursor string, limit int) model.EntryPage {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	matched := make([]model.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Matches(e) {
			matched = append(matched, e.Clone())
		}
	}
	s.mu.Unlock()

	newestFirst := f.Sort != model.SortOldestFirst
	sort.Slice(matched, func(i, j int) bool {
		ki, kj := matched[i].OrderingKey(), matched[j].OrderingKey()
		if ki.Equal(kj) {
			return matched[i].ID < matched[j].ID
		}
		if newestFirst {
			return ki.After(kj)
		}
		return ki.Before(kj)
	})

	start := 0
	if cursor != "" {
		if at, id, ok := parseCursor(cursor); ok {
			for i, e := range matched {
				if e.OrderingKey().Equal(at) && e.ID == id {
					start = i + 1
					break
				}
			}
		}
	}
	if start > len(matched) {
		start = len(matched)
	}

	window := matched[start:]
	hasMore := len(window) > limit
	if hasMore {
		window = window[:limit]
	}

	page := model.EntryPage{Entries: window, HasMore: hasMore}
	if hasMore && len(window) > 0 {
		last := window[len(window)-1]
		page.NextCursor = model.FormatCursor(last.OrderingKey(), last.ID)
	}
	return page
}

// SetRead は記事の既読状態を後勝ちで更新し、確定後の状態を返す。
func (s *Store) SetRead(id string, read bool, changedAt time.Time) (model.Entry, bool) {
	return s.apply(id, changedAt, func(e *model.Entry) {
		e.Read = read
	})
}

// SetStarred は記事のスター状態を後勝ちで更新し、確定後の状態を返す。
func (s *Store) SetStarred(id string, starred bool, changedAt time.Time) (model.Entry, bool) {
	return s.apply(id, changedAt, func(e *model.Entry) {
		e.Starred = starred
	})
}

// SetScore は記事の評価を後勝ちで更新し、確定後の状態を返す。
// nilフィールドは変更しない。
func (s *Store) SetScore(id string, score, implicitScore *int, changedAt time.Time) (model.Entry, bool) {
	return s.apply(id, changedAt, func(e *model.Entry) {
		if score != nil {
			v := *score
			e.Score = &v
		}
		if implicitScore != nil {
			v := *implicitScore
			e.ImplicitScore = &v
		}
	})
}

// MarkAllRead はフィルタ条件に一致する未読記事を全て既読化し、
// 更新した記事IDを返す。
func (s *Store) MarkAllRead(f model.ListFilter, changedAt time.Time) []string {
	s.mu.Lock()
	var updated []string
	for id, e := range s.entries {
		if e.Read || !f.Matches(e) {
			continue
		}
		if changedAt.Before(e.UpdatedAt) {
			continue
		}
		e.Read = true
		e.UpdatedAt = changedAt
		s.entries[id] = e
		updated = append(updated, id)
		snapshot := e.Clone()
		s.appendEventLocked(model.Event{Type: model.EventEntryUpdated, Entry: &snapshot})
	}
	s.mu.Unlock()
	sort.Strings(updated)
	return updated
}

// UnreadCounts は購読とタグごとの現在の未読数を返す。
func (s *Store) UnreadCounts() model.UnreadCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(model.UnreadCounts)
	for _, e := range s.entries {
		if e.Read {
			continue
		}
		if e.SubscriptionID != "" {
			counts[e.SubscriptionID]++
		}
		for _, tagID := range e.TagIDs {
			counts[tagID]++
		}
	}
	return counts
}

// EventsSince は指定時刻以降に発生したイベントを返す。
// ポーリング同期に使用する。
func (s *Store) EventsSince(since time.Time) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, ev := range s.events {
		if at, ok := eventTime(ev); ok && !at.After(since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// EventsAfterCursor は指定種別のイベントのうち、カーソルより後のものを返す。
// 再接続時のリプレイに使用する。
func (s *Store) EventsAfterCursor(eventType model.EventType, cursor string) []model.Event {
	after, err := strconv.Atoi(cursor)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, ev := range s.events {
		if ev.Type != eventType {
			continue
		}
		if seq, err := strconv.Atoi(ev.Cursor); err == nil && seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// apply は記事への後勝ち更新を実行し、確定後の状態と適用有無を返す。
func (s *Store) apply(id string, changedAt time.Time, mutate func(*model.Entry)) (model.Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return model.Entry{}, false
	}
	if changedAt.Before(e.UpdatedAt) {
		// 古い書き込みは無視して現在の確定状態を返す
		s.mu.Unlock()
		return e.Clone(), true
	}
	mutate(&e)
	e.UpdatedAt = changedAt
	s.entries[id] = e
	snapshot := e.Clone()
	s.appendEventLocked(model.Event{Type: model.EventEntryUpdated, Entry: &snapshot})
	s.mu.Unlock()
	return snapshot, true
}

// appendEventLocked はイベントにカーソルを付与してログへ追加し、
// 登録済みコールバックへ配信する。呼び出し元がロックを保持していること。
func (s *Store) appendEventLocked(event model.Event) {
	s.eventSeq++
	event.Cursor = strconv.Itoa(s.eventSeq)
	s.events = append(s.events, event)
	if s.closed {
		return
	}
	// キューへの投入もロック下で行うため、ログ上の順序と配信順序が一致する。
	// dispatchLoopはストアのロックを取らないため、キューが満杯でも進行する
	s.dispatch <- eventDispatch{
		event: event,
		fns:   append([]func(model.Event){}, s.onEvent...),
	}
}

// eventTime はイベントの発生時刻を返す。
// ポーリング同期の絞り込みに使える時刻を持たないイベントはfalseを返す。
func eventTime(ev model.Event) (time.Time, bool) {
	switch {
	case ev.Entry != nil:
		return ev.Entry.UpdatedAt, true
	case ev.Stub != nil:
		return ev.Stub.PublishedAt, true
	}
	return time.Time{}, false
}

// parseCursor はカーソル文字列を並び順キーの時刻と記事IDに分解する。
func parseCursor(cursor string) (time.Time, string, bool) {
	parts := strings.SplitN(cursor, "~", 2)
	if len(parts) != 2 {
		return time.Time{}, "", false
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", false
	}
	return at, parts[1], true
}
