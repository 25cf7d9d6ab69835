// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: sync, network, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMutationFailed       = "MUTATION_FAILED"
	ErrCodeListFetchFailed      = "LIST_FETCH_FAILED"
	ErrCodeEntryNotFound        = "ENTRY_NOT_FOUND"
	ErrCodeRealtimeDisconnected = "REALTIME_DISCONNECTED"
	ErrCodeStateDiverged        = "STATE_DIVERGED"
	ErrCodeInvalidFilter        = "INVALID_FILTER"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
)

// NewMutationFailedError は状態更新の失敗エラーを生成する。
// 楽観的更新は巻き戻し済みであることを前提とし、一時通知として表示される。
func NewMutationFailedError(op string) *APIError {
	return &APIError{
		Code:     ErrCodeMutationFailed,
		Message:  fmt.Sprintf("記事の状態更新に失敗しました: %s", op),
		Category: "sync",
		Action:   "表示は元の状態に戻されました。しばらく待ってから再度お試しください。",
	}
}

// NewListFetchFailedError は一覧取得の失敗エラーを生成する。
// 該当一覧のみに限定されたリトライ可能なエラーとして扱う。
func NewListFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeListFetchFailed,
		Message:  fmt.Sprintf("記事一覧の取得に失敗しました: %s", reason),
		Category: "network",
		Action:   "通信環境を確認して再読み込みしてください。",
	}
}

// NewEntryNotFoundError は記事未検出エラーを生成する。
func NewEntryNotFoundError(entryID string) *APIError {
	return &APIError{
		Code:     ErrCodeEntryNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", entryID),
		Category: "sync",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewRealtimeDisconnectedError はリアルタイム接続の切断エラーを生成する。
func NewRealtimeDisconnectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRealtimeDisconnected,
		Message:  fmt.Sprintf("リアルタイム接続が切断されました: %s", reason),
		Category: "network",
		Action:   "自動的に再接続します。更新が反映されない場合は再読み込みしてください。",
	}
}

// NewStateDivergedError はクライアント状態とサーバー状態の回復不能な乖離エラーを生成する。
// このエラーの発生時は投機的状態を全破棄してサーバーから再同期する。
func NewStateDivergedError() *APIError {
	return &APIError{
		Code:     ErrCodeStateDiverged,
		Message:  "ローカルの状態がサーバーと一致しなくなりました。",
		Category: "system",
		Action:   "サーバーから最新の状態を再取得しました。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "フィルタには all、unread、starred のいずれかを指定してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}
