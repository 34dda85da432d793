package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// PrometheusBind serves /metrics on a separate listener when set;
	// otherwise /metrics shares the main HTTP server.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Cache       CacheConfig      `yaml:"cache"`
	Chunks      ChunksConfig     `yaml:"chunks"`
	Speech      SpeechConfig     `yaml:"speech"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TTSConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, openai
	Model          string `yaml:"model"`
	FallbackModel  string `yaml:"fallback_model"`
	Voice          string `yaml:"voice"`
	Format         string `yaml:"format"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Command        string `yaml:"command"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	BusEnabled     bool   `yaml:"bus_enabled"`

	// RateLimitRPS caps upstream calls per second; 0 disables the limit.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

func (c TTSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type ChunksConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

func (c ChunksConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type SpeechConfig struct {
	MaxVoiceChars   int    `yaml:"max_voice_chars"`
	MaxSentences    int    `yaml:"max_sentences"`
	MinFragment     int    `yaml:"min_fragment"`
	LineLimit       int    `yaml:"line_limit"`
	DefaultLanguage string `yaml:"default_language"`
	ApplyTone       bool   `yaml:"apply_tone"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8080,
			MaxBodyBytes: 64 << 10,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Mode:           "mock",
			Model:          "gpt-4o-mini-tts",
			FallbackModel:  "tts-1",
			Voice:          "alloy",
			Format:         "mp3",
			Endpoint:       "https://api.openai.com",
			TimeoutMS:      30000,
			MaxConcurrency: 4,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTLSeconds: 86400,
		},
		Chunks: ChunksConfig{
			MaxEntries: 10000,
			TTLSeconds: 600,
		},
		Speech: SpeechConfig{
			MaxVoiceChars:   900,
			MaxSentences:    12,
			MinFragment:     8,
			LineLimit:       180,
			DefaultLanguage: "English",
			ApplyTone:       true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LOQA_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Model, "TTS_MODEL")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.FallbackModel, "LOQA_TTS_FALLBACK_MODEL")
	overrideString(&cfg.TTS.Voice, "TTS_VOICE")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Format, "TTS_FORMAT")
	overrideString(&cfg.TTS.Format, "LOQA_TTS_FORMAT")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MaxConcurrency, "LOQA_TTS_MAX_CONCURRENCY")
	overrideBool(&cfg.TTS.BusEnabled, "LOQA_TTS_BUS_ENABLED")
	overrideFloat(&cfg.TTS.RateLimitRPS, "LOQA_TTS_RATE_LIMIT_RPS")
	overrideInt(&cfg.TTS.RateLimitBurst, "LOQA_TTS_RATE_LIMIT_BURST")
	overrideInt(&cfg.Cache.MaxEntries, "LOQA_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Cache.TTLSeconds, "LOQA_CACHE_TTL_SECONDS")
	overrideInt(&cfg.Chunks.MaxEntries, "LOQA_CHUNKS_MAX_ENTRIES")
	overrideInt(&cfg.Chunks.TTLSeconds, "LOQA_CHUNKS_TTL_SECONDS")
	overrideInt(&cfg.Speech.MaxVoiceChars, "LOQA_SPEECH_MAX_VOICE_CHARS")
	overrideInt(&cfg.Speech.MaxSentences, "LOQA_SPEECH_MAX_SENTENCES")
	overrideInt(&cfg.Speech.MinFragment, "LOQA_SPEECH_MIN_FRAGMENT")
	overrideInt(&cfg.Speech.LineLimit, "LOQA_SPEECH_LINE_LIMIT")
	overrideString(&cfg.Speech.DefaultLanguage, "LOQA_SPEECH_DEFAULT_LANGUAGE")
	overrideBool(&cfg.Speech.ApplyTone, "LOQA_SPEECH_APPLY_TONE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if cfg.TTS.BusEnabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "openai":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=openai")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Model == "" {
		return errors.New("tts.model must not be empty")
	}
	if cfg.TTS.Voice == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.MaxConcurrency <= 0 {
		return errors.New("tts.max_concurrency must be >= 1")
	}
	if cfg.TTS.RateLimitRPS < 0 || cfg.TTS.RateLimitBurst < 0 {
		return errors.New("tts.rate_limit_rps and tts.rate_limit_burst must be >= 0")
	}
	if cfg.Cache.MaxEntries <= 0 || cfg.Cache.TTLSeconds <= 0 {
		return errors.New("cache.max_entries and cache.ttl_seconds must be positive")
	}
	if cfg.Chunks.MaxEntries <= 0 || cfg.Chunks.TTLSeconds <= 0 {
		return errors.New("chunks.max_entries and chunks.ttl_seconds must be positive")
	}
	if cfg.Speech.MaxVoiceChars <= 0 {
		return errors.New("speech.max_voice_chars must be positive")
	}
	if cfg.Speech.MaxSentences <= 0 {
		return errors.New("speech.max_sentences must be positive")
	}
	if cfg.Speech.MinFragment <= 0 {
		return errors.New("speech.min_fragment must be positive")
	}
	if cfg.Speech.LineLimit <= cfg.Speech.MinFragment {
		return errors.New("speech.line_limit must be greater than speech.min_fragment")
	}
	return nil
}
