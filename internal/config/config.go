package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	APIBaseURL   string
	RealtimeURL  string
	AuthToken    string

	// List
	PageLimit         int
	PrefetchThreshold int

	// Network
	RequestTimeout time.Duration

	// Realtime
	HeartbeatInterval   time.Duration
	ReconnectMaxBackoff time.Duration

	// Devserver
	ServerPort   string
	SeedFeedURLs []string

	// Metrics
	MetricsPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIBaseURL = os.Getenv("API_BASE_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RealtimeURL = getEnvString("REALTIME_URL", deriveRealtimeURL(cfg.APIBaseURL))
	cfg.AuthToken = getEnvString("AUTH_TOKEN", "")
	cfg.PageLimit = getEnvInt("PAGE_LIMIT", 50)
	cfg.PrefetchThreshold = getEnvInt("PREFETCH_THRESHOLD", 3)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 10*time.Second)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.ReconnectMaxBackoff = getEnvDuration("RECONNECT_MAX_BACKOFF", 5*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "")

	return cfg, nil
}

// LoadServer はdevserverモード用の設定を環境変数から読み込む。
// サーバーは自分自身のURLを必要としないため必須環境変数はない。
func LoadServer() *Config {
	return &Config{
		AuthToken:         getEnvString("AUTH_TOKEN", ""),
		PageLimit:         getEnvInt("PAGE_LIMIT", 50),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ServerPort:        getEnvString("SERVER_PORT", "8080"),
		SeedFeedURLs:      getEnvList("SEED_FEED_URLS"),
		MetricsPort:       getEnvString("METRICS_PORT", ""),
	}
}

// deriveRealtimeURL はAPIベースURLからWebSocketエンドポイントURLを導出する。
// http(s)スキームをws(s)に置き換えて/api/realtimeを付与する。
func deriveRealtimeURL(base string) string {
	ws := base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/api/realtime"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数をスライスに分解する。空要素は捨てる。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
