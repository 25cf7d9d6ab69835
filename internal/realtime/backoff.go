// Package realtime はプッシュイベントストリームの受信を提供する。
// WebSocket接続、ハートビート、カーソルリプレイ付き再接続、
// ポーリングフォールバックを含む。
package realtime

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// initialBackoff は再接続の指数バックオフの初回遅延。
	initialBackoff = 5 * time.Second
	// defaultMaxBackoff は再接続バックオフの既定上限。
	defaultMaxBackoff = 5 * time.Minute
	// pollFallbackThreshold はポーリング同期へフォールバックする連続失敗回数の閾値。
	pollFallbackThreshold = 3
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回5秒、2倍ずつ増加、maxを上限とする。maxが0以下の場合は既定上限を使う。
func CalculateBackoff(consecutiveFailures int, max time.Duration) time.Duration {
	if max <= 0 {
		max = defaultMaxBackoff
	}
	delay := initialBackoff
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// IsFatalCloseError は再接続してはならない切断かを判定する。
// 正常クローズとポリシー違反はサーバーの意図的な切断であり、再接続しない。
func IsFatalCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.ClosePolicyViolation,
	)
}
