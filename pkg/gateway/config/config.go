// Package config loads gateway configuration from ATELIER_* environment
// variables with strict validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	MaxBodyBytes int64

	// Decoded size cap for uploaded media payloads.
	MaxMediaBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Vendor endpoints.
	GeminiAPIKey string
	ImageModel   string
	LiveModel    string
	VoiceName    string
	SystemPrompt string

	// Optional durable session archive; empty disables it.
	DatabaseURL string

	// Live WebSocket mode (/v1/live).
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveMaxPromptChars      int
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveWSReadTimeout       time.Duration
	LiveHandshakeTimeout    time.Duration
	LiveMaxSessionDuration  time.Duration
	LiveReconnectDelay      time.Duration
	LiveMaxBufferedPlayback time.Duration

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxLiveSessions       int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("ATELIER_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("ATELIER_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		MaxBodyBytes:               envInt64Or("ATELIER_MAX_BODY_BYTES", 24<<20), // 24 MiB; bodies carry base64 images
		MaxMediaBytes:              envInt64Or("ATELIER_MAX_MEDIA_BYTES", 16<<20),
		CORSAllowedOrigins:         make(map[string]struct{}),
		GeminiAPIKey:               strings.TrimSpace(os.Getenv("ATELIER_GEMINI_API_KEY")),
		ImageModel:                 envOr("ATELIER_IMAGE_MODEL", "gemini-2.5-flash-image"),
		LiveModel:                  envOr("ATELIER_LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		VoiceName:                  envOr("ATELIER_VOICE", "Kore"),
		SystemPrompt:               strings.TrimSpace(os.Getenv("ATELIER_SYSTEM_PROMPT")),
		DatabaseURL:                strings.TrimSpace(os.Getenv("ATELIER_DATABASE_URL")),
		LiveMaxAudioFrameBytes:     envIntOr("ATELIER_LIVE_MAX_AUDIO_FRAME_BYTES", 64*1024),
		LiveMaxJSONMessageBytes:    envInt64Or("ATELIER_LIVE_MAX_JSON_MESSAGE_BYTES", 256*1024),
		LiveMaxPromptChars:         envIntOr("ATELIER_LIVE_MAX_PROMPT_CHARS", 2000),
		LiveWSPingInterval:         envDurationOr("ATELIER_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("ATELIER_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("ATELIER_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:       envDurationOr("ATELIER_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveMaxSessionDuration:     envDurationOr("ATELIER_LIVE_MAX_DURATION", 2*time.Hour),
		LiveReconnectDelay:         envDurationOr("ATELIER_LIVE_RECONNECT_DELAY", 2*time.Second),
		LiveMaxBufferedPlayback:    envDurationOr("ATELIER_LIVE_MAX_BUFFERED_PLAYBACK", 30*time.Second),
		LimitRPS:                   envFloat64Or("ATELIER_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                 envIntOr("ATELIER_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests: envIntOr("ATELIER_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxLiveSessions:       envIntOr("ATELIER_MAX_LIVE_PER_PRINCIPAL", 2),
		ReadHeaderTimeout:          envDurationOr("ATELIER_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("ATELIER_READ_TIMEOUT", 60*time.Second),
		ShutdownGracePeriod:        envDurationOr("ATELIER_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:                   strings.ToLower(envOr("ATELIER_LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(envOr("ATELIER_LOG_FORMAT", "json")),
		LogFile:                    strings.TrimSpace(os.Getenv("ATELIER_LOG_FILE")),
		LogMaxSizeMB:               envIntOr("ATELIER_LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:              envIntOr("ATELIER_LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays:              envIntOr("ATELIER_LOG_MAX_AGE_DAYS", 28),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("ATELIER_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("ATELIER_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("ATELIER_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("ATELIER_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxMediaBytes <= 0 {
		return Config{}, fmt.Errorf("ATELIER_MAX_MEDIA_BYTES must be > 0")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("ATELIER_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.ImageModel) == "" {
		return Config{}, fmt.Errorf("ATELIER_IMAGE_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.LiveModel) == "" {
		return Config{}, fmt.Errorf("ATELIER_LIVE_MODEL must not be empty")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxPromptChars <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_MAX_PROMPT_CHARS must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.LiveReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_RECONNECT_DELAY must be > 0")
	}
	if cfg.LiveMaxBufferedPlayback <= 0 {
		return Config{}, fmt.Errorf("ATELIER_LIVE_MAX_BUFFERED_PLAYBACK must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("ATELIER_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("ATELIER_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("ATELIER_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxLiveSessions < 0 {
		return Config{}, fmt.Errorf("ATELIER_MAX_LIVE_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("ATELIER_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("ATELIER_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("ATELIER_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("ATELIER_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("ATELIER_LOG_FORMAT must be one of json|text")
	}
	if cfg.LogFile != "" {
		if cfg.LogMaxSizeMB <= 0 {
			return Config{}, fmt.Errorf("ATELIER_LOG_MAX_SIZE_MB must be > 0")
		}
		if cfg.LogMaxBackups < 0 {
			return Config{}, fmt.Errorf("ATELIER_LOG_MAX_BACKUPS must be >= 0")
		}
		if cfg.LogMaxAgeDays < 0 {
			return Config{}, fmt.Errorf("ATELIER_LOG_MAX_AGE_DAYS must be >= 0")
		}
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("ATELIER_API_KEYS must be set when ATELIER_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
