// Package delta はサーバースナップショットに未反映の状態変更オーバーレイを管理する。
// 楽観的更新とリアルタイムイベントの両方がここに書き込み、
// 一覧・記事のマージ時に最後に観測した状態として重ね合わされる。
package delta

import (
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// Store はセッション生存期間のデルタオーバーレイ。
// 既読/未読・スター/スター解除の4つのIDセット（対ごとに排他）、
// スコープ（購読またはタグ）ごとの未読数差分、
// 次の一覧フェッチに先行して通知された新着スタブのキューを保持する。
//
// 各セットはID→変更時刻のマップで、サーバースナップショットの
// updated_atがこの時刻以上になった時点でオーバーレイは役目を終えて消える。
// 外部からの直接変更は許可せず、定義された操作のみで更新する。
type Store struct {
	mu           sync.Mutex
	readIDs      map[string]time.Time
	unreadIDs    map[string]time.Time
	starredIDs   map[string]time.Time
	unstarredIDs map[string]time.Time
	unreadDeltas map[string]int // スコープID → 未読数差分
	serverCounts map[string]int // サーバーが返した確定未読数（判明分のみ）
	pending      []model.EntryStub

	listeners  map[int]func()
	nextListen int
}

// New はStoreの新しいインスタンスを生成する。
// セッション開始時に1回生成し、ログアウトまで使い回す。
func New() *Store {
	return &Store{
		readIDs:      make(map[string]time.Time),
		unreadIDs:    make(map[string]time.Time),
		starredIDs:   make(map[string]time.Time),
		unstarredIDs: make(map[string]time.Time),
		unreadDeltas: make(map[string]int),
		serverCounts: make(map[string]int),
		listeners:    make(map[int]func()),
	}
}

// MarkRead は記事を既読セットに移し、未読セットから取り除く。
// スコープと所属タグの未読数差分を-1ずつ調整する。
// 同一記事への連続操作は後勝ち（反対セットからの除去）で解決する。
func (s *Store) MarkRead(id string, changedAt time.Time, scopeID string, tagIDs []string) {
	s.mu.Lock()
	if _, wasUnread := s.unreadIDs[id]; !wasUnread {
		if _, alreadyRead := s.readIDs[id]; alreadyRead {
			// 既に既読デルタがある場合は時刻のみ更新し、二重減算を防ぐ
			s.readIDs[id] = changedAt
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	delete(s.unreadIDs, id)
	s.readIDs[id] = changedAt
	s.adjustCountsLocked(scopeID, tagIDs, -1)
	s.mu.Unlock()
	s.notify()
}

// MarkUnread は記事を未読セットに移し、既読セットから取り除く。
// スコープと所属タグの未読数差分を+1ずつ調整する。
func (s *Store) MarkUnread(id string, changedAt time.Time, scopeID string, tagIDs []string) {
	s.mu.Lock()
	if _, wasRead := s.readIDs[id]; !wasRead {
		if _, alreadyUnread := s.unreadIDs[id]; alreadyUnread {
			s.unreadIDs[id] = changedAt
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	delete(s.readIDs, id)
	s.unreadIDs[id] = changedAt
	s.adjustCountsLocked(scopeID, tagIDs, +1)
	s.mu.Unlock()
	s.notify()
}

// SetStarred は記事をスター/スター解除セットに移す。
// スター状態は未読数の集計に影響しないため、差分調整は行わない。
func (s *Store) SetStarred(id string, starred bool, changedAt time.Time) {
	s.mu.Lock()
	if starred {
		delete(s.unstarredIDs, id)
		s.starredIDs[id] = changedAt
	} else {
		delete(s.starredIDs, id)
		s.unstarredIDs[id] = changedAt
	}
	s.mu.Unlock()
	s.notify()
}

// PushPending は新着記事スタブをキューに追加する。
// 同一IDのスタブが既にある場合は追加しない。
func (s *Store) PushPending(stub model.EntryStub) {
	s.mu.Lock()
	for _, p := range s.pending {
		if p.ID == stub.ID {
			s.mu.Unlock()
			return
		}
	}
	s.pending = append(s.pending, stub)
	s.mu.Unlock()
	s.notify()
}

// ClearPending は指定購読の新着スタブをキューから取り除く。
// subscriptionIDが空文字列の場合は全スタブを取り除く。
// 一覧の再フェッチでスタブが完全なEntryに置き換わった時に呼ばれる。
func (s *Store) ClearPending(subscriptionID string) {
	s.mu.Lock()
	if subscriptionID == "" {
		s.pending = nil
	} else {
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.SubscriptionID != subscriptionID {
				kept = append(kept, p)
			}
		}
		s.pending = kept
	}
	s.mu.Unlock()
	s.notify()
}

// ReconcileEntry はサーバースナップショットによって包含されたデルタを消す。
// serverUpdatedAtがデルタの変更時刻以上の場合のみ該当IDのオーバーレイを
// 削除する。より新しいデルタはサーバーの追い付きを待って残る。
func (s *Store) ReconcileEntry(id string, serverUpdatedAt time.Time) {
	s.mu.Lock()
	changed := false
	for _, set := range []map[string]time.Time{s.readIDs, s.unreadIDs, s.starredIDs, s.unstarredIDs} {
		if at, ok := set[id]; ok && !serverUpdatedAt.Before(at) {
			delete(set, id)
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// ApplyServerCounts はサーバーが返した確定未読数を記録する。
// 確定数を得たスコープの差分は以後サーバー値に織り込み済みとして破棄する。
func (s *Store) ApplyServerCounts(counts model.UnreadCounts) {
	if len(counts) == 0 {
		return
	}
	s.mu.Lock()
	for scopeID, count := range counts {
		s.serverCounts[scopeID] = count
		delete(s.unreadDeltas, scopeID)
	}
	s.mu.Unlock()
	s.notify()
}

// Reset は全セット・差分・スタブを破棄する。
// 楽観的状態とサーバー状態が回復不能に乖離した場合の最終手段としてのみ使用する。
func (s *Store) Reset() {
	s.mu.Lock()
	s.readIDs = make(map[string]time.Time)
	s.unreadIDs = make(map[string]time.Time)
	s.starredIDs = make(map[string]time.Time)
	s.unstarredIDs = make(map[string]time.Time)
	s.unreadDeltas = make(map[string]int)
	s.serverCounts = make(map[string]int)
	s.pending = nil
	s.mu.Unlock()
	s.notify()
}

// Subscribe は変更リスナーを登録し、解除用の関数を返す。
// リスナーはStoreへの書き込みのたびに呼ばれる。UIフレームワークに依存しない
// 汎用のオブザーバとして動作する。
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Snapshot は現在のオーバーレイのイミュータブルなコピーを返す。
// マージ処理はこのコピーに対して行い、Storeの内部状態を参照しない。
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ReadIDs:      copyTimeSet(s.readIDs),
		UnreadIDs:    copyTimeSet(s.unreadIDs),
		StarredIDs:   copyTimeSet(s.starredIDs),
		UnstarredIDs: copyTimeSet(s.unstarredIDs),
		UnreadDeltas: copyCountMap(s.unreadDeltas),
		ServerCounts: copyCountMap(s.serverCounts),
		Pending:      append([]model.EntryStub(nil), s.pending...),
	}
}

// adjustCountsLocked はスコープと全タグの未読数差分をdだけ調整する。
// 呼び出し元がロックを保持していること。
func (s *Store) adjustCountsLocked(scopeID string, tagIDs []string, d int) {
	if scopeID != "" {
		s.unreadDeltas[scopeID] += d
	}
	for _, tagID := range tagIDs {
		s.unreadDeltas[tagID] += d
	}
}

// notify は登録済みリスナーを全て呼び出す。
// ロック外で呼ぶこと（リスナーがStoreを読み戻せるようにするため）。
func (s *Store) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Snapshot はStoreのある時点のイミュータブルなコピー。
type Snapshot struct {
	ReadIDs      map[string]time.Time
	UnreadIDs    map[string]time.Time
	StarredIDs   map[string]time.Time
	UnstarredIDs map[string]time.Time
	UnreadDeltas map[string]int
	ServerCounts map[string]int
	Pending      []model.EntryStub
}

// UnreadCount はスコープの実効未読数を返す。
// サーバー確定数が判明していればそれに差分を加え、
// 未判明の場合は差分のみ（基準値に対する調整量）を返す。
func (sn Snapshot) UnreadCount(scopeID string) int {
	return sn.ServerCounts[scopeID] + sn.UnreadDeltas[scopeID]
}

func copyTimeSet(m map[string]time.Time) map[string]time.Time {
	c := make(map[string]time.Time, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyCountMap(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
