package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Instance
	Domain       string // このインスタンスのドメイン名（例: feeds.example.com）
	ServerPort   string
	BaseURL      string // https://<Domain>
	AdminAccount string // adminフィードのアカウント名

	// Circuit breaker
	FeedErrorMax  int // これを超えたフィードはリフレッシュされない
	ActorErrorMax int // これを超えたアクターはクリーンアップで削除される

	// Delivery
	DeliveryWorkers int
	DeliveryTimeout time.Duration

	// Refresh
	RefreshInterval time.Duration // この間隔より古いフィードがstale扱いになる
	RefreshTimeout  time.Duration // fetch-parse-deliver全体のウォールクロック上限
	FetchMaxSize    int64

	// Retention
	MessageRetentionDays int

	// Rate limit
	RateLimitInbox int // 受信inboxのホストごとreq/min

	// Debug
	SignatureCheckDisabled bool // テスト/デバッグ専用。本番では常にfalse。
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.Domain = os.Getenv("DOMAIN")
	if cfg.Domain == "" {
		missing = append(missing, "DOMAIN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.BaseURL = "https://" + cfg.Domain
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AdminAccount = getEnvString("ADMIN_ACCOUNT", "admin")
	cfg.FeedErrorMax = getEnvInt("FEED_ERROR_MAX", 10)
	cfg.ActorErrorMax = getEnvInt("ACTOR_ERROR_MAX", 10)
	cfg.DeliveryWorkers = getEnvInt("DELIVERY_WORKERS", 10)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 15*time.Second)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 30*time.Minute)
	cfg.RefreshTimeout = getEnvDuration("REFRESH_TIMEOUT", 2*time.Minute)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.MessageRetentionDays = getEnvInt("MESSAGE_RETENTION_DAYS", 14)
	cfg.RateLimitInbox = getEnvInt("RATE_LIMIT_INBOX", 120)
	cfg.SignatureCheckDisabled = getEnvBool("SIGNATURE_CHECK_DISABLED", false)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
