package model

// EventType はリアルタイムプッシュイベントの種別を表す。
type EventType string

const (
	// EventNewEntry は新着記事の通知イベント。
	EventNewEntry EventType = "new_entry"
	// EventEntryUpdated は既存記事の状態変更イベント。
	EventEntryUpdated EventType = "entry_updated"
	// EventSubscriptionCreated は購読追加の通知イベント。
	EventSubscriptionCreated EventType = "subscription_created"
	// EventImportProgress はOPMLインポートの進捗イベント。
	EventImportProgress EventType = "import_progress"
)

// Event はプッシュストリームで配信されるイベントを表す。
// フィード単位またはユーザー単位のチャンネルにスコープされる。
// Cursorはイベント種別ごとの再接続時リプレイに使用する。
type Event struct {
	Type    EventType `json:"type"`
	Channel string    `json:"channel,omitempty"`
	Cursor  string    `json:"cursor,omitempty"`

	// EventNewEntry のペイロード
	Stub *EntryStub `json:"stub,omitempty"`

	// EventEntryUpdated のペイロード
	Entry *Entry `json:"entry,omitempty"`

	// EventSubscriptionCreated のペイロード
	SubscriptionID string `json:"subscription_id,omitempty"`

	// EventImportProgress のペイロード
	ImportedCount int `json:"imported_count,omitempty"`
	TotalCount    int `json:"total_count,omitempty"`
}
