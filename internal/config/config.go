package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config 聚合客户端的全部配置项。
type Config struct {
	Server    ServerConfig
	Remote    RemoteConfig
	Transport TransportConfig
	Turn      TurnConfig
	Session   SessionConfig
	Log       LogConfig
}

// Load 从环境变量加载配置；设置了 COACH_CONFIG_FILE 时先读取 YAML 文件，环境变量优先。
func Load() (*Config, error) {
	overlay, err := loadOverlay(strings.TrimSpace(os.Getenv("COACH_CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig(overlay)
	if err != nil {
		return nil, err
	}

	remote, err := loadRemoteConfig(overlay)
	if err != nil {
		return nil, err
	}

	transport, err := loadTransportConfig(overlay)
	if err != nil {
		return nil, err
	}

	turn, err := loadTurnConfig(overlay)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:    server,
		Remote:    remote,
		Transport: transport,
		Turn:      turn,
		Session:   loadSessionConfig(overlay),
		Log:       loadLogConfig(overlay),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate 校验配置的取值范围。
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Remote),
		validation.Field(&c.Transport),
		validation.Field(&c.Log),
	)
}

// ServerConfig 本地桥接 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
}

func loadServerConfig(overlay fileConfig) (ServerConfig, error) {
	port := getEnvOrDefault("PORT", overlay.Port)
	if port == "" {
		port = "8080"
	}

	origins := splitList(getEnvOrDefault("COACH_CORS_ORIGINS", firstNonEmpty(overlay.CORSOrigins, "http://localhost:5173")))

	if strings.Contains(port, ":") {
		// 允许直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, CORSOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, CORSOrigins: origins}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var (
	httpURLPattern = regexp.MustCompile(`^https?://\S+$`)
	wsURLPattern   = regexp.MustCompile(`^wss?://\S+$`)
)

// RemoteConfig 远端服务地址。
type RemoteConfig struct {
	APIURL      string
	WSURL       string
	HTTPTimeout time.Duration
}

func (c RemoteConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.APIURL, validation.Required, validation.Match(httpURLPattern).Error("must be an http(s) URL")),
		validation.Field(&c.WSURL, validation.Required, validation.Match(wsURLPattern).Error("must be a ws(s) URL")),
		validation.Field(&c.HTTPTimeout, validation.Min(time.Second)),
	)
}

func loadRemoteConfig(overlay fileConfig) (RemoteConfig, error) {
	apiURL := strings.TrimRight(getEnvOrDefault("COACH_API_URL", firstNonEmpty(overlay.APIURL, "http://localhost:8000")), "/")

	wsURL := getEnvOrDefault("COACH_WS_URL", overlay.WSURL)
	if wsURL == "" {
		wsURL = deriveWSURL(apiURL)
	}

	timeout, err := parseOptionalIntEnv("COACH_HTTP_TIMEOUT_SEC")
	if err != nil {
		return RemoteConfig{}, err
	}
	timeoutSeconds := 30
	if overlay.HTTPTimeoutSec > 0 {
		timeoutSeconds = overlay.HTTPTimeoutSec
	}
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	return RemoteConfig{
		APIURL:      apiURL,
		WSURL:       strings.TrimRight(wsURL, "/"),
		HTTPTimeout: time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// deriveWSURL 把 http(s) 地址转换成对应的 ws(s) 地址。
func deriveWSURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

// TransportConfig 长连接重连与心跳参数。
type TransportConfig struct {
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PingInterval time.Duration
}

func (c TransportConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BackoffBase, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.BackoffMax, validation.Required, validation.Min(c.BackoffBase)),
		validation.Field(&c.PingInterval, validation.Required, validation.Min(time.Second)),
	)
}

func loadTransportConfig(overlay fileConfig) (TransportConfig, error) {
	base, err := durationSetting("COACH_BACKOFF_BASE_MS", overlay.BackoffBaseMS, time.Millisecond, time.Second)
	if err != nil {
		return TransportConfig{}, err
	}

	maxDelay, err := durationSetting("COACH_BACKOFF_MAX_MS", overlay.BackoffMaxMS, time.Millisecond, 60*time.Second)
	if err != nil {
		return TransportConfig{}, err
	}

	ping, err := durationSetting("COACH_PING_INTERVAL_SEC", overlay.PingIntervalSec, time.Second, 30*time.Second)
	if err != nil {
		return TransportConfig{}, err
	}

	return TransportConfig{BackoffBase: base, BackoffMax: maxDelay, PingInterval: ping}, nil
}

// TurnConfig 逐步对话模式的参数。
type TurnConfig struct {
	Stage  string
	Pacing time.Duration
}

func loadTurnConfig(overlay fileConfig) (TurnConfig, error) {
	pacing, err := durationSetting("COACH_PACING_MS", overlay.PacingMS, time.Millisecond, 800*time.Millisecond)
	if err != nil {
		return TurnConfig{}, err
	}

	return TurnConfig{
		Stage:  getEnvOrDefault("COACH_STAGE", firstNonEmpty(overlay.Stage, "level-1")),
		Pacing: pacing,
	}, nil
}

// SessionConfig 登录与会话持久化。
type SessionConfig struct {
	MagicLink string
	File      string
}

func loadSessionConfig(overlay fileConfig) SessionConfig {
	file := getEnvOrDefault("COACH_SESSION_FILE", overlay.SessionFile)
	if file == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			file = filepath.Join(dir, "coach-chat", "session.yaml")
		}
	}

	return SessionConfig{
		MagicLink: strings.TrimSpace(os.Getenv("COACH_MAGIC_LINK")),
		File:      file,
	}
}

// LogConfig 日志输出格式与级别。
type LogConfig struct {
	Format string
	Level  string
}

func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Format, validation.In("text", "json")),
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
	)
}

// SlogLevel 返回对应的 slog 级别。
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger 按配置创建 text 或 json 格式的 slog.Logger。
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadLogConfig(overlay fileConfig) LogConfig {
	return LogConfig{
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", firstNonEmpty(overlay.LogFormat, "text"))),
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", firstNonEmpty(overlay.LogLevel, "info"))),
	}
}

// fileConfig COACH_CONFIG_FILE 指向的 YAML 文件结构。
type fileConfig struct {
	Port            string `yaml:"port"`
	CORSOrigins     string `yaml:"cors_origins"`
	APIURL          string `yaml:"api_url"`
	WSURL           string `yaml:"ws_url"`
	HTTPTimeoutSec  int    `yaml:"http_timeout_sec"`
	Stage           string `yaml:"stage"`
	SessionFile     string `yaml:"session_file"`
	BackoffBaseMS   int    `yaml:"backoff_base_ms"`
	BackoffMaxMS    int    `yaml:"backoff_max_ms"`
	PingIntervalSec int    `yaml:"ping_interval_sec"`
	PacingMS        *int   `yaml:"pacing_ms"`
	LogFormat       string `yaml:"log_format"`
	LogLevel        string `yaml:"log_level"`
}

func loadOverlay(path string) (fileConfig, error) {
	if path == "" {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	var overlay fileConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return overlay, nil
}

// durationSetting 解析整数型时长：环境变量优先，其次 YAML，最后默认值。
func durationSetting(key string, fromFile any, unit, defaultValue time.Duration) (time.Duration, error) {
	override, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if override != nil {
		if *override < 0 {
			return 0, fmt.Errorf("invalid %s value %d: must not be negative", key, *override)
		}
		return time.Duration(*override) * unit, nil
	}

	switch v := fromFile.(type) {
	case int:
		if v > 0 {
			return time.Duration(v) * unit, nil
		}
	case *int:
		if v != nil && *v >= 0 {
			return time.Duration(*v) * unit, nil
		}
	}
	return defaultValue, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
