package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreRedis    StoreBackend = "redis"
	StorePostgres StoreBackend = "postgres"
)

type Config struct {
	Addr string

	// Conversation limits.
	MaxHistoryLength int
	APITimeout       time.Duration

	// Session persistence.
	StoreBackend  StoreBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
	SessionIdle   time.Duration
	ReapInterval  time.Duration

	// Inbound audio budgets (decoded bytes of 16-bit mono PCM).
	MaxAudioChunkBytes  int
	MaxAudioSeconds     int
	MaxJSONMessageBytes int64

	// Live WebSocket keepalive.
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSReadTimeout  time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Upstream providers.
	AssemblyAIKey string
	MurfKey       string
	GeminiKey     string
	TavilyKey     string

	Model      string
	VoiceID    string
	VoiceStyle string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICE_AGENT_ADDR", ":8080"),
		MaxHistoryLength:    envIntOr("VOICE_AGENT_MAX_HISTORY", 50),
		APITimeout:          envDurationOr("VOICE_AGENT_API_TIMEOUT", 30*time.Second),
		StoreBackend:        StoreBackend(envOr("VOICE_AGENT_STORE", string(StoreMemory))),
		RedisAddr:           envOr("REDIS_ADDR", ""),
		RedisPassword:       envOr("REDIS_PASSWORD", ""),
		RedisDB:             envIntOr("REDIS_DB", 0),
		DatabaseURL:         envOr("DATABASE_URL", ""),
		SessionIdle:         envDurationOr("VOICE_AGENT_SESSION_IDLE", 24*time.Hour),
		ReapInterval:        envDurationOr("VOICE_AGENT_REAP_INTERVAL", time.Hour),
		MaxAudioChunkBytes:  envIntOr("VOICE_AGENT_MAX_AUDIO_CHUNK_BYTES", 64*1024),
		MaxAudioSeconds:     envIntOr("VOICE_AGENT_MAX_AUDIO_SECONDS", 120),
		MaxJSONMessageBytes: envInt64Or("VOICE_AGENT_MAX_JSON_MESSAGE_BYTES", 256*1024),
		WSPingInterval:      envDurationOr("VOICE_AGENT_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("VOICE_AGENT_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:       envDurationOr("VOICE_AGENT_WS_READ_TIMEOUT", 0),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("VOICE_AGENT_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICE_AGENT_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		AssemblyAIKey:       envOr("ASSEMBLYAI_API_KEY", ""),
		MurfKey:             envOr("MURF_API_KEY", ""),
		GeminiKey:           envOr("GEMINI_API_KEY", ""),
		TavilyKey:           envOr("TAVILY_API_KEY", ""),
		Model:               envOr("VOICE_AGENT_MODEL", "gemini-2.0-flash"),
		VoiceID:             envOr("VOICE_AGENT_VOICE_ID", "en-US-amara"),
		VoiceStyle:          envOr("VOICE_AGENT_VOICE_STYLE", "Conversational"),
	}

	for _, origin := range splitCSV(os.Getenv("VOICE_AGENT_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.StoreBackend {
	case StoreMemory, StoreRedis, StorePostgres:
	default:
		return Config{}, fmt.Errorf("VOICE_AGENT_STORE must be one of memory|redis|postgres")
	}
	if cfg.StoreBackend == StoreRedis && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("REDIS_ADDR must be set when VOICE_AGENT_STORE=redis")
	}
	if cfg.StoreBackend == StorePostgres && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set when VOICE_AGENT_STORE=postgres")
	}

	if cfg.MaxHistoryLength <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_MAX_HISTORY must be > 0")
	}
	if cfg.APITimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_API_TIMEOUT must be > 0")
	}
	if cfg.SessionIdle <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_SESSION_IDLE must be > 0")
	}
	if cfg.ReapInterval <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_REAP_INTERVAL must be > 0")
	}
	if cfg.MaxAudioChunkBytes <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_MAX_AUDIO_CHUNK_BYTES must be > 0")
	}
	if cfg.MaxAudioSeconds <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_MAX_AUDIO_SECONDS must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("VOICE_AGENT_MODEL must not be empty")
	}

	if cfg.AssemblyAIKey == "" {
		return Config{}, fmt.Errorf("ASSEMBLYAI_API_KEY must be set")
	}
	if cfg.MurfKey == "" {
		return Config{}, fmt.Errorf("MURF_API_KEY must be set")
	}
	if cfg.GeminiKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
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
