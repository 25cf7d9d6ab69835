package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandWatch はフィード監視クライアントモードで起動することを示す。
	CommandWatch Command = "watch"
	// CommandDevserver は参照バックエンドサーバーモードで起動することを示す。
	CommandDevserver Command = "devserver"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandWatchを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandWatch
	}

	switch args[0] {
	case "watch":
		return CommandWatch
	case "devserver":
		return CommandDevserver
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandWatch
	}
}
