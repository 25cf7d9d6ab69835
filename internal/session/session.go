// Package session は状態整合エンジンの中心となるセッションを提供する。
// デルタストア・書き込み台帳・キャッシュ・通知・APIクライアントを束ね、
// UI層へ状態更新API・一覧読み取りAPI・ナビゲーションAPIを公開する。
//
// セッションはログイン時に明示的に生成し、ログアウトで破棄する。
// コンポーネントは言語レベルのグローバル変数には依存せず、
// このオブジェクトを参照で受け取る。
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/api"
	"github.com/hitoshi/feedsync/internal/cache"
	"github.com/hitoshi/feedsync/internal/delta"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/mutation"
	"github.com/hitoshi/feedsync/internal/notify"
)

const defaultRequestTimeout = 10 * time.Second

// Options はセッション生成時の依存と設定。
type Options struct {
	API               api.Client
	Notifier          *notify.Notifier
	Metrics           metrics.MetricsCollector
	Logger            *slog.Logger
	PageLimit         int
	PrefetchThreshold int
	RequestTimeout    time.Duration
}

// Session はユーザーセッション1つ分の共有可変状態の持ち主。
//
// 状態更新は楽観的適用と台帳記録を同一クリティカルセクション内で
// 同期的に行い、ネットワーク書き込みはその後に発行する。
// 書き込みは表示中のビューから離れても必ず完了まで実行され、
// 結果は台帳の勝者決定を通じて共有キャッシュへ整合される。
type Session struct {
	api      api.Client
	delta    *delta.Store
	tracker  *mutation.Tracker
	cache    *cache.EntryCache
	notifier *notify.Notifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	clock    func() time.Time

	pageLimit         int
	prefetchThreshold int
	requestTimeout    time.Duration

	// mu はストア横断で原子的でなければならない操作列を守る。
	// 各ストア自身のロックとは別で、楽観的適用＋台帳記録、
	// 勝者反映＋デルタ包含の組をこの下で実行する。
	mu     sync.Mutex
	views  map[string]*ListView
	scored map[string]bool // セッション中に暗黙評価を加算済みの記事ID
	wg     sync.WaitGroup
}

// New はSessionの新しいインスタンスを生成する。
func New(opts Options) *Session {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNotifier()
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Session{
		api:               opts.API,
		delta:             delta.New(),
		tracker:           mutation.NewTracker(),
		cache:             cache.New(),
		notifier:          opts.Notifier,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		clock:             time.Now,
		pageLimit:         opts.PageLimit,
		prefetchThreshold: opts.PrefetchThreshold,
		requestTimeout:    opts.RequestTimeout,
		views:             make(map[string]*ListView),
		scored:            make(map[string]bool),
	}
}

// Delta はセッションのデルタストアを返す。
func (s *Session) Delta() *delta.Store { return s.delta }

// Cache はセッションの記事・一覧キャッシュを返す。
func (s *Session) Cache() *cache.EntryCache { return s.cache }

// Notifier はセッションの通知センターを返す。
func (s *Session) Notifier() *notify.Notifier { return s.notifier }

// Wait は実行中の全ネットワーク書き込みの完了を待つ。
// ログアウト時のフラッシュとテストの決定的な待ち合わせに使用する。
func (s *Session) Wait() {
	s.wg.Wait()
}

// MarkRead は記事を楽観的に既読化し、サーバーへ書き込む。
func (s *Session) MarkRead(id string) {
	s.mutateRead(id, true)
}

// MarkUnread は記事を楽観的に未読化し、サーバーへ書き込む。
func (s *Session) MarkUnread(id string) {
	s.mutateRead(id, false)
}

// ToggleRead は記事の既読状態を現在の実効ビューから反転する。
func (s *Session) ToggleRead(id string) {
	e, ok := s.effectiveEntry(id)
	if !ok {
		return
	}
	s.mutateRead(id, !e.Read)
}

// Star は記事に楽観的にスターを付け、サーバーへ書き込む。
func (s *Session) Star(id string) {
	s.mutateStarred(id, true)
}

// Unstar は記事のスターを楽観的に外し、サーバーへ書き込む。
func (s *Session) Unstar(id string) {
	s.mutateStarred(id, false)
}

// ToggleStar は記事のスター状態を現在の実効ビューから反転する。
func (s *Session) ToggleStar(id string) {
	e, ok := s.effectiveEntry(id)
	if !ok {
		return
	}
	s.mutateStarred(id, !e.Starred)
}

// SetScore は記事の明示的な評価を楽観的に設定し、サーバーへ書き込む。
func (s *Session) SetScore(id string, score int) {
	changedAt := s.clock().UTC()

	s.mu.Lock()
	s.beginTrackingLocked(id)
	s.cache.ApplyChange(id, model.StateChange{Score: &score, ChangedAt: &changedAt})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.writeContext()
		defer cancel()
		result, err := s.api.SetScore(ctx, api.SetScoreRequest{ID: id, Score: &score, ChangedAt: changedAt})
		if err != nil {
			s.resolveFailure("set_score", id, err)
			return
		}
		s.resolveSuccess("set_score", id, result.Entry, result.UnreadCounts)
	}()
}

// RecordOpen は記事を開いた行動を暗黙評価として1回だけ加算する。
// 同一記事への加算はセッションにつき1回に制限される。
func (s *Session) RecordOpen(id string) {
	s.mu.Lock()
	if s.scored[id] {
		s.mu.Unlock()
		return
	}
	s.scored[id] = true

	implicit := 0
	if e, ok := s.cache.LookupMember(id); ok && e.ImplicitScore != nil {
		implicit = *e.ImplicitScore
	}
	implicit++
	changedAt := s.clock().UTC()
	s.beginTrackingLocked(id)
	s.cache.ApplyChange(id, model.StateChange{ImplicitScore: &implicit, ChangedAt: &changedAt})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.writeContext()
		defer cancel()
		result, err := s.api.SetScore(ctx, api.SetScoreRequest{ID: id, ImplicitScore: &implicit, ChangedAt: changedAt})
		if err != nil {
			s.resolveFailure("set_score", id, err)
			return
		}
		s.resolveSuccess("set_score", id, result.Entry, result.UnreadCounts)
	}()
}

// MarkAllRead はフィルタ条件に一致する全記事を既読化する。
// キャッシュ済みの一覧メンバーには楽観的に既読を適用し、
// 未キャッシュ分はサーバーの確定未読数とデルタ包含で追い付かせる。
func (s *Session) MarkAllRead(f model.ListFilter) {
	changedAt := s.clock().UTC()
	read := true

	s.mu.Lock()
	var targets []model.Entry
	pages, _, _, ok := s.cache.ListPages(f.Identity())
	if ok {
		sn := s.delta.Snapshot()
		for _, e := range delta.MergeList(pages, sn, f) {
			if !e.Read {
				targets = append(targets, e)
			}
		}
	}
	for _, e := range targets {
		s.tracker.StartTracking(e.ID, e.Read, e.Starred)
		s.cache.ApplyChange(e.ID, model.StateChange{Read: &read, ChangedAt: &changedAt})
		s.delta.MarkRead(e.ID, changedAt, e.SubscriptionID, e.TagIDs)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.writeContext()
		defer cancel()
		result, err := s.api.MarkAllRead(ctx, api.MarkAllReadRequest{Filter: f, ChangedAt: changedAt})
		if err != nil {
			s.metrics.RecordMutationFailure("mark_all_read")
			for _, e := range targets {
				s.resolveFailureQuiet("mark_all_read", e.ID)
			}
			s.notifier.PushError(model.NewMutationFailedError("mark_all_read"))
			return
		}

		s.metrics.RecordMutationSuccess("mark_all_read")
		for _, e := range targets {
			confirmed := e.Apply(model.StateChange{Read: &read, ChangedAt: &changedAt})
			res := s.tracker.RecordSuccess(e.ID, confirmed)
			s.applyResolution(e.ID, res)
		}
		// キャッシュ外で既読化された分もデルタ包含の対象にする
		for _, id := range result.UpdatedIDs {
			s.delta.ReconcileEntry(id, changedAt)
		}
		s.delta.ApplyServerCounts(result.UnreadCounts)
	}()
}

// HandleEvent はリアルタイムイベントをデルタストアとキャッシュへ反映する。
// realtime.EventHandlerを実装する。
func (s *Session) HandleEvent(event model.Event) {
	switch event.Type {
	case model.EventNewEntry:
		if event.Stub == nil {
			return
		}
		s.delta.PushPending(*event.Stub)

	case model.EventEntryUpdated:
		if event.Entry == nil {
			return
		}
		// 鮮度ガードとデルタ包含判定に任せる。古いイベントは
		// 実行中の楽観的更新を上書きできない。
		s.mu.Lock()
		s.cache.ApplyWinningState(event.Entry.ID, *event.Entry)
		s.delta.ReconcileEntry(event.Entry.ID, event.Entry.UpdatedAt)
		s.mu.Unlock()

	case model.EventSubscriptionCreated:
		s.logger.Info("購読が追加されました", slog.String("subscription_id", event.SubscriptionID))

	case model.EventImportProgress:
		s.logger.Info("インポートが進行中です",
			slog.Int("imported", event.ImportedCount),
			slog.Int("total", event.TotalCount),
		)
	}
}

// Recover は楽観的状態とサーバー状態の回復不能な乖離からの最終手段の復旧。
// 投機的状態を全破棄し、全キャッシュ領域を無効化した上で、
// 生存中の全一覧ビューを再フェッチする。
func (s *Session) Recover() {
	s.logger.Warn("ローカル状態がサーバーと乖離したため全体再同期を行います")
	s.metrics.RecordDeltaReset()
	s.notifier.PushError(model.NewStateDivergedError())

	s.mu.Lock()
	s.delta.Reset()
	s.cache.InvalidateAll()
	views := make([]*ListView, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	for _, v := range views {
		v := v
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := s.writeContext()
			defer cancel()
			v.Refetch(ctx)
		}()
	}
}

// mutateRead は既読・未読の楽観的更新とネットワーク書き込みを行う。
func (s *Session) mutateRead(id string, read bool) {
	changedAt := s.clock().UTC()
	op := "mark_read"
	if !read {
		op = "mark_unread"
	}

	s.mu.Lock()
	scopeID, tagIDs := s.scopeOfLocked(id)
	// 実効状態がすでに目標と一致している場合はデルタを書かない。
	// 書くと未読数が二重に増減し、巻き戻しはそれを戻さない
	transitions := true
	if e, ok := s.cache.LookupMember(id); ok {
		transitions = delta.MergeEntry(e, s.delta.Snapshot()).Read != read
	}
	s.beginTrackingLocked(id)
	s.cache.ApplyChange(id, model.StateChange{Read: &read, ChangedAt: &changedAt})
	if transitions {
		if read {
			s.delta.MarkRead(id, changedAt, scopeID, tagIDs)
		} else {
			s.delta.MarkUnread(id, changedAt, scopeID, tagIDs)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.writeContext()
		defer cancel()
		result, err := s.api.MarkRead(ctx, api.MarkReadRequest{
			Entries: []api.EntryChange{{ID: id, ChangedAt: changedAt}},
			Read:    read,
		})
		if err != nil {
			s.resolveFailure(op, id, err)
			return
		}
		if len(result.Entries) == 0 {
			s.resolveFailure(op, id, model.NewEntryNotFoundError(id))
			return
		}
		s.resolveSuccess(op, id, result.Entries[0], result.UnreadCounts)
	}()
}

// mutateStarred はスター状態の楽観的更新とネットワーク書き込みを行う。
func (s *Session) mutateStarred(id string, starred bool) {
	changedAt := s.clock().UTC()

	s.mu.Lock()
	s.beginTrackingLocked(id)
	s.cache.ApplyChange(id, model.StateChange{Starred: &starred, ChangedAt: &changedAt})
	s.delta.SetStarred(id, starred, changedAt)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.writeContext()
		defer cancel()
		result, err := s.api.SetStarred(ctx, api.SetStarredRequest{ID: id, Starred: starred, ChangedAt: changedAt})
		if err != nil {
			s.resolveFailure("set_starred", id, err)
			return
		}
		s.resolveSuccess("set_starred", id, result.Entry, result.UnreadCounts)
	}()
}

// beginTrackingLocked は楽観的更新の開始を台帳に記録する。
// キャッシュに更新前の状態があれば巻き戻し用に保存する。
// 呼び出し元がs.muを保持していること。
func (s *Session) beginTrackingLocked(id string) {
	if e, ok := s.cache.LookupMember(id); ok {
		s.tracker.StartTracking(id, e.Read, e.Starred)
		return
	}
	s.tracker.StartTrackingWithoutOriginal(id)
}

// scopeOfLocked は未読数調整に使うスコープと所属タグを返す。
// キャッシュにない記事はスコープ不明として差分調整を行わない。
func (s *Session) scopeOfLocked(id string) (scopeID string, tagIDs []string) {
	if e, ok := s.cache.LookupMember(id); ok {
		return e.SubscriptionID, e.TagIDs
	}
	return "", nil
}

// resolveSuccess は書き込み成功を台帳で解決し、勝者をキャッシュへ反映する。
func (s *Session) resolveSuccess(op, id string, result model.Entry, counts model.UnreadCounts) {
	s.metrics.RecordMutationSuccess(op)
	res := s.tracker.RecordSuccess(id, result)
	s.applyResolution(id, res)
	s.delta.ApplyServerCounts(counts)
}

// resolveFailure は書き込み失敗を台帳で解決する。
// 同一記事への書き込みグループ全体が完了した時点で通知を1件だけ発行する。
func (s *Session) resolveFailure(op, id string, err error) {
	s.metrics.RecordMutationFailure(op)
	s.logger.Warn("状態更新に失敗しました",
		slog.String("op", op),
		slog.String("entry_id", id),
		slog.String("error", err.Error()),
	)

	res := s.tracker.RecordFailure(id)
	if !res.AllComplete {
		return
	}
	s.notifier.PushError(model.NewMutationFailedError(op))
	s.finishFailedGroup(id, res)
}

// resolveFailureQuiet は通知を発行しない失敗解決。
// 一括操作で記事ごとに通知が乱立するのを防ぐため、
// 呼び出し元がグループ単位で1件だけ通知する。
func (s *Session) resolveFailureQuiet(op, id string) {
	res := s.tracker.RecordFailure(id)
	if !res.AllComplete {
		return
	}
	s.finishFailedGroup(id, res)
}

// finishFailedGroup は全書き込み完了後の失敗グループを片付ける。
// 他の書き込みが成功していればその勝者を適用し、全滅なら更新前の状態へ
// 巻き戻す。巻き戻し先が不明な場合は全体再同期へエスカレーションする。
func (s *Session) finishFailedGroup(id string, res mutation.Resolution) {
	if res.Winning != nil {
		s.applyResolution(id, res)
		return
	}
	if !res.HasOriginal {
		s.Recover()
		return
	}
	s.rollback(id, res.OriginalRead, res.OriginalStarred)
}

// applyResolution は完了した書き込みグループの勝者をキャッシュとデルタへ反映する。
func (s *Session) applyResolution(id string, res mutation.Resolution) {
	if !res.AllComplete || res.Winning == nil {
		return
	}
	s.metrics.RecordWinnerResolution()
	s.mu.Lock()
	s.cache.ApplyWinningState(id, *res.Winning)
	s.delta.ReconcileEntry(id, res.Winning.UpdatedAt)
	s.mu.Unlock()
}

// rollback は楽観的更新を最初の書き込み前の状態へ巻き戻す。
// 実際に変化したフィールドだけを逆適用し、未読数差分も相殺する。
func (s *Session) rollback(id string, originalRead, originalStarred bool) {
	s.metrics.RecordRollback()
	changedAt := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cache.LookupMember(id)
	if !ok {
		return
	}
	change := model.StateChange{ChangedAt: &changedAt}
	if cur.Read != originalRead {
		read := originalRead
		change.Read = &read
		scopeID, tagIDs := s.scopeOfLocked(id)
		if originalRead {
			s.delta.MarkRead(id, changedAt, scopeID, tagIDs)
		} else {
			s.delta.MarkUnread(id, changedAt, scopeID, tagIDs)
		}
	}
	if cur.Starred != originalStarred {
		starred := originalStarred
		change.Starred = &starred
		s.delta.SetStarred(id, originalStarred, changedAt)
	}
	if change.Read != nil || change.Starred != nil {
		s.cache.ApplyChange(id, change)
	}
}

// effectiveEntry はデルタ適用後の記事の実効状態を返す。
func (s *Session) effectiveEntry(id string) (model.Entry, bool) {
	e, ok := s.cache.LookupMember(id)
	if !ok {
		return model.Entry{}, false
	}
	return delta.MergeEntry(e, s.delta.Snapshot()), true
}

// writeContext はネットワーク書き込み用のコンテキストを生成する。
// 書き込みはビューのライフサイクルと切り離して必ず完了させるため、
// 親はバックグラウンドコンテキストとし、タイムアウトのみを課す。
func (s *Session) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.requestTimeout)
}
