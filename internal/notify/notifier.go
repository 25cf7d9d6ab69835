// Package notify はユーザー向けの一時通知を管理する。
// 状態更新の失敗は致命的に扱わず、破棄可能な通知として表示した上で
// 楽観的更新を静かに巻き戻す。
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/feedsync/internal/model"
)

// Notification は画面に表示される一時通知1件を表す。
type Notification struct {
	ID        string
	Code      string
	Message   string
	Action    string
	CreatedAt time.Time
}

// Notifier は一時通知のキューを保持する。
// UIフレームワークに依存しないオブザーバで購読する。
type Notifier struct {
	mu         sync.Mutex
	active     []Notification
	listeners  map[int]func()
	nextListen int
	clock      func() time.Time
}

// NewNotifier はNotifierの新しいインスタンスを生成する。
func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make(map[int]func()),
		clock:     time.Now,
	}
}

// PushError はAPIErrorを通知として追加し、通知IDを返す。
func (n *Notifier) PushError(apiErr *model.APIError) string {
	n.mu.Lock()
	id := uuid.NewString()
	n.active = append(n.active, Notification{
		ID:        id,
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Action:    apiErr.Action,
		CreatedAt: n.clock().UTC(),
	})
	n.mu.Unlock()
	n.notify()
	return id
}

// Dismiss は指定IDの通知を破棄する。
func (n *Notifier) Dismiss(id string) {
	n.mu.Lock()
	kept := n.active[:0]
	for _, nt := range n.active {
		if nt.ID != id {
			kept = append(kept, nt)
		}
	}
	n.active = kept
	n.mu.Unlock()
	n.notify()
}

// Active は現在表示中の通知のコピーを返す。
func (n *Notifier) Active() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.active...)
}

// Subscribe は変更リスナーを登録し、解除用の関数を返す。
func (n *Notifier) Subscribe(fn func()) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextListen
	n.nextListen++
	n.listeners[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) notify() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
