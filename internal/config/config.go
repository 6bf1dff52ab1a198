package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env             string
	LogLevel        string
	APIBaseURL      string
	WSURL           string
	StorageDSN      string
	ListenAddr      string
	AllowedOrigins  []string
	ReconnectDelay  time.Duration
	RefreshInterval time.Duration
	InitialPageSize int
	HistoryPageSize int
	FetchDebounce   time.Duration
	RequestTimeout  time.Duration
	APIRateLimit    float64
	Email           string
	Password        string
	RememberMe      bool
}

const (
	defaultAPIBaseURL      = "http://localhost:8080/api"
	defaultWSURL           = "ws://localhost:8080/api/ws/websocket"
	defaultReconnectDelay  = 5 * time.Second
	defaultRefreshInterval = 30 * time.Second
	defaultInitialPageSize = 20
	defaultHistoryPageSize = 50
	defaultFetchDebounce   = time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultAPIRateLimit    = 20
)

// Load 从环境变量（以及可选的 CHAT_CONFIG_FILE 指向的 YAML 文件）读取配置，非法数值回退到默认值。
func Load() Config {
	v := viper.New()
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_BASE_URL", defaultAPIBaseURL)
	v.SetDefault("WS_URL", defaultWSURL)
	v.SetDefault("STORAGE_DSN", "chatclient.db")
	v.SetDefault("LISTEN_ADDR", "127.0.0.1:7070")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("REMEMBER_ME", false)
	v.AutomaticEnv()

	if file := v.GetString("CHAT_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		// 配置文件缺失时继续使用环境变量。
		_ = v.ReadInConfig()
	}

	return Config{
		Env:             v.GetString("APP_ENV"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		APIBaseURL:      strings.TrimRight(v.GetString("API_BASE_URL"), "/"),
		WSURL:           v.GetString("WS_URL"),
		StorageDSN:      v.GetString("STORAGE_DSN"),
		ListenAddr:      v.GetString("LISTEN_ADDR"),
		AllowedOrigins:  splitList(v.GetString("ALLOWED_ORIGINS")),
		ReconnectDelay:  durationOr(v, "RECONNECT_DELAY", defaultReconnectDelay),
		RefreshInterval: durationOr(v, "REFRESH_INTERVAL", defaultRefreshInterval),
		InitialPageSize: intOr(v, "INITIAL_PAGE_SIZE", defaultInitialPageSize),
		HistoryPageSize: intOr(v, "HISTORY_PAGE_SIZE", defaultHistoryPageSize),
		FetchDebounce:   durationOr(v, "FETCH_DEBOUNCE", defaultFetchDebounce),
		RequestTimeout:  durationOr(v, "REQUEST_TIMEOUT", defaultRequestTimeout),
		APIRateLimit:    floatOr(v, "API_RATE_LIMIT", defaultAPIRateLimit),
		Email:           v.GetString("CHAT_EMAIL"),
		Password:        v.GetString("CHAT_PASSWORD"),
		RememberMe:      v.GetBool("REMEMBER_ME"),
	}
}

// Validate 检查启动所必需的配置项。
func Validate(cfg Config) error {
	if cfg.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	if cfg.WSURL == "" {
		return errors.New("WS_URL is required")
	}
	if cfg.StorageDSN == "" {
		return errors.New("STORAGE_DSN is required")
	}
	if cfg.InitialPageSize <= 0 || cfg.HistoryPageSize <= 0 {
		return errors.New("page sizes must be positive")
	}
	if cfg.ReconnectDelay <= 0 || cfg.RefreshInterval <= 0 {
		return errors.New("reconnect delay and refresh interval must be positive")
	}
	if cfg.Env == "prod" && strings.HasPrefix(cfg.APIBaseURL, "http://localhost") {
		return errors.New("API_BASE_URL must not point at localhost in prod")
	}
	return nil
}

func intOr(v *viper.Viper, key string, def int) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return def
}

func floatOr(v *viper.Viper, key string, def float64) float64 {
	if f := v.GetFloat64(key); f > 0 {
		return f
	}
	return def
}

func durationOr(v *viper.Viper, key string, def time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
