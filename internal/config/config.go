// Package config は環境変数と.envファイルからリレーサービスの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はリレーサービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DBPath はSQLiteデータベースのパス。
	DBPath string
	// JWTSecret はサービスアカウントトークンの署名鍵。
	JWTSecret string
	// ServiceAccounts はAPIの利用を許可するアカウントID。
	ServiceAccounts []string
	// WWWRoot はホスト自身の公開URL。ピアへのジャンプリンクの組み立てに使う。
	WWWRoot string
	// EventStoreURL はリレーイベントの送信先。空なら送信しない。
	EventStoreURL   string
	EventStoreToken string
	LogLevel        string
	LogPretty       bool
	GinMode         string
	// DispatchInterval は配信待ちエントリのポーリング間隔。
	DispatchInterval time.Duration
	// DispatchRate は1秒あたりに処理する配信待ちエントリの上限。0なら制限しない。
	DispatchRate int
}

// Load は.envファイルと環境変数から設定を読み込む。
// 環境変数は.envファイルの値より優先される。files省略時はカレントディレクトリの.envを読み、
// 存在しなければ環境変数のみを使う。
func Load(files ...string) (*Config, error) {
	getenv, err := lookup(files)
	if err != nil {
		return nil, err
	}
	return FromEnv(getenv)
}

// lookup は環境変数を優先し、なければ.envファイルの値を返す取得関数を作る。
func lookup(files []string) (func(string) string, error) {
	dotenv := map[string]string{}
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		values, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf(".envファイル %s の読み込みに失敗: %w", f, err)
		}
		for k, v := range values {
			if _, ok := dotenv[k]; !ok {
				dotenv[k] = v
			}
		}
	}

	return func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}, nil
}

// FromEnv はgetenvで取得した値から設定を組み立てて検証する。
func FromEnv(getenv func(string) string) (*Config, error) {
	get := getter(getenv)
	cfg := &Config{
		Port:            get("PORT", "8090"),
		DBPath:          get("DB_PATH", "/data/relay.db"),
		JWTSecret:       get("JWT_SECRET", ""),
		ServiceAccounts: splitList(get("SERVICE_ACCOUNTS", "")),
		WWWRoot:         get("WWWROOT", ""),
		EventStoreURL:   get("EVENTSTORE_URL", ""),
		EventStoreToken: get("EVENTSTORE_TOKEN", ""),
		LogLevel:        get("LOG_LEVEL", "info"),
		GinMode:         get("GIN_MODE", "release"),
	}

	pretty, err := parseLogPretty(get)
	if err != nil {
		return nil, err
	}
	cfg.LogPretty = pretty

	interval, err := time.ParseDuration(get("DISPATCH_INTERVAL", "3s"))
	if err != nil {
		return nil, fmt.Errorf("DISPATCH_INTERVALの値が不正です: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("DISPATCH_INTERVALは正の値を指定してください: %s", interval)
	}
	cfg.DispatchInterval = interval

	dispatchRate, err := strconv.Atoi(get("DISPATCH_RATE", "0"))
	if err != nil || dispatchRate < 0 {
		return nil, fmt.Errorf("DISPATCH_RATEは0以上の整数で指定してください: %q", get("DISPATCH_RATE", "0"))
	}
	cfg.DispatchRate = dispatchRate

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は必須項目が設定されていることを検証する。
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRETが設定されていません")
	}
	if c.WWWRoot == "" {
		return errors.New("WWWROOTが設定されていません")
	}
	if u, err := url.Parse(c.WWWRoot); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("WWWROOTは絶対URLで指定してください: %q", c.WWWRoot)
	}
	if c.EventStoreURL != "" {
		if u, err := url.Parse(c.EventStoreURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("EVENTSTORE_URLは絶対URLで指定してください: %q", c.EventStoreURL)
		}
	}
	return nil
}

// splitList はカンマ区切りの値を分割し、空要素を除く。
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// EventStoreConfig はイベントストアサービスの設定。
type EventStoreConfig struct {
	Port      string
	DBPath    string
	JWTSecret string
	// ServiceAccounts はイベントの送信を許可するアカウントID。
	ServiceAccounts []string
	LogLevel        string
	LogPretty       bool
	GinMode         string
}

// LoadEventStore は.envファイルと環境変数からイベントストアの設定を読み込む。
func LoadEventStore(files ...string) (*EventStoreConfig, error) {
	getenv, err := lookup(files)
	if err != nil {
		return nil, err
	}
	return EventStoreFromEnv(getenv)
}

// EventStoreFromEnv はgetenvで取得した値からイベントストアの設定を組み立てる。
func EventStoreFromEnv(getenv func(string) string) (*EventStoreConfig, error) {
	get := getter(getenv)
	cfg := &EventStoreConfig{
		Port:            get("PORT", "8084"),
		DBPath:          get("DB_PATH", "/data/eventstore.db"),
		JWTSecret:       get("JWT_SECRET", ""),
		ServiceAccounts: splitList(get("SERVICE_ACCOUNTS", "")),
		LogLevel:        get("LOG_LEVEL", "info"),
		GinMode:         get("GIN_MODE", "release"),
	}
	pretty, err := parseLogPretty(get)
	if err != nil {
		return nil, err
	}
	cfg.LogPretty = pretty

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRETが設定されていません")
	}
	return cfg, nil
}

// getter は空文字列を未設定として既定値に置き換える取得関数を返す。
func getter(getenv func(string) string) func(key, defaultValue string) string {
	return func(key, defaultValue string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return defaultValue
	}
}

func parseLogPretty(get func(key, defaultValue string) string) (bool, error) {
	pretty, err := strconv.ParseBool(get("LOG_PRETTY", "false"))
	if err != nil {
		return false, fmt.Errorf("LOG_PRETTYの値が不正です: %w", err)
	}
	return pretty, nil
}
