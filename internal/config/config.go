package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Audio       AudioConfig      `yaml:"audio"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Cache       CacheConfig      `yaml:"cache"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode               string `yaml:"mode"` // mock, exec, whisper
	Command            string `yaml:"command"`
	ModelPath          string `yaml:"model_path"`
	Language           string `yaml:"language"`
	Endpoint           string `yaml:"endpoint"`
	TimeoutMS          int    `yaml:"timeout_ms"`
	AmbientWindowMS    int    `yaml:"ambient_window_ms"`
	BreakerMaxFailures int    `yaml:"breaker_max_failures"`
	BreakerResetMS     int    `yaml:"breaker_reset_ms"`
}

type AudioConfig struct {
	FFmpegPath      string  `yaml:"ffmpeg_path"`
	LowPassCutoffHz float64 `yaml:"lowpass_cutoff_hz"`
	MinSilenceMS    int     `yaml:"min_silence_ms"`
	SilenceMarginDB float64 `yaml:"silence_margin_db"`
	KeepSilenceMS   int     `yaml:"keep_silence_ms"`
	ScratchDir      string  `yaml:"scratch_dir"`
}

type PipelineConfig struct {
	MaxRetries          int  `yaml:"max_retries"`
	BackoffMS           int  `yaml:"backoff_ms"`
	ChunkConcurrency    int  `yaml:"chunk_concurrency"`
	MaxConcurrentJobs   int  `yaml:"max_concurrent_jobs"`
	JobTimeoutMS        int  `yaml:"job_timeout_ms"`
	AbortOnServiceError bool `yaml:"abort_on_service_error"`
}

type CacheConfig struct {
	Capacity      int  `yaml:"capacity"`
	TTLSeconds    int  `yaml:"ttl_seconds"`
	StoreDegraded bool `yaml:"store_degraded"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           5000,
			MaxUploadBytes: 64 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "scribe",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-scribe.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		STT: STTConfig{
			Mode:               "mock",
			Language:           "en",
			Endpoint:           "http://localhost:8080",
			TimeoutMS:          30000,
			AmbientWindowMS:    1000,
			BreakerMaxFailures: 5,
			BreakerResetMS:     30000,
		},
		Audio: AudioConfig{
			FFmpegPath:      "ffmpeg",
			LowPassCutoffHz: 3000,
			MinSilenceMS:    500,
			SilenceMarginDB: 14,
			KeepSilenceMS:   500,
		},
		Pipeline: PipelineConfig{
			MaxRetries:        3,
			BackoffMS:         1000,
			ChunkConcurrency:  1,
			MaxConcurrentJobs: 4,
			JobTimeoutMS:      10 * 60 * 1000,
		},
		Cache: CacheConfig{
			Capacity: 1024,
		},
	}
}

// Load reads path over Default, applies LOQA_* environment overrides and
// validates the result. A missing file is an error unless optional is set.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err != nil && os.IsNotExist(err) && optional:
		case err != nil && os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
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
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "LOQA_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.AmbientWindowMS, "LOQA_STT_AMBIENT_WINDOW_MS")
	overrideInt(&cfg.STT.BreakerMaxFailures, "LOQA_STT_BREAKER_MAX_FAILURES")
	overrideInt(&cfg.STT.BreakerResetMS, "LOQA_STT_BREAKER_RESET_MS")
	overrideString(&cfg.Audio.FFmpegPath, "LOQA_AUDIO_FFMPEG_PATH")
	overrideFloat(&cfg.Audio.LowPassCutoffHz, "LOQA_AUDIO_LOWPASS_CUTOFF_HZ")
	overrideInt(&cfg.Audio.MinSilenceMS, "LOQA_AUDIO_MIN_SILENCE_MS")
	overrideFloat(&cfg.Audio.SilenceMarginDB, "LOQA_AUDIO_SILENCE_MARGIN_DB")
	overrideInt(&cfg.Audio.KeepSilenceMS, "LOQA_AUDIO_KEEP_SILENCE_MS")
	overrideString(&cfg.Audio.ScratchDir, "LOQA_AUDIO_SCRATCH_DIR")
	overrideInt(&cfg.Pipeline.MaxRetries, "LOQA_PIPELINE_MAX_RETRIES")
	overrideInt(&cfg.Pipeline.BackoffMS, "LOQA_PIPELINE_BACKOFF_MS")
	overrideInt(&cfg.Pipeline.ChunkConcurrency, "LOQA_PIPELINE_CHUNK_CONCURRENCY")
	overrideInt(&cfg.Pipeline.MaxConcurrentJobs, "LOQA_PIPELINE_MAX_CONCURRENT_JOBS")
	overrideInt(&cfg.Pipeline.JobTimeoutMS, "LOQA_PIPELINE_JOB_TIMEOUT_MS")
	overrideBool(&cfg.Pipeline.AbortOnServiceError, "LOQA_PIPELINE_ABORT_ON_SERVICE_ERROR")
	overrideInt(&cfg.Cache.Capacity, "LOQA_CACHE_CAPACITY")
	overrideInt(&cfg.Cache.TTLSeconds, "LOQA_CACHE_TTL_SECONDS")
	overrideBool(&cfg.Cache.StoreDegraded, "LOQA_CACHE_STORE_DEGRADED")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxJobs < 0 {
		return errors.New("event_store.max_jobs must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=whisper")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.AmbientWindowMS < 0 {
		return errors.New("stt.ambient_window_ms must be >= 0")
	}
	if cfg.Audio.LowPassCutoffHz <= 0 {
		return errors.New("audio.lowpass_cutoff_hz must be positive")
	}
	if cfg.Audio.MinSilenceMS <= 0 {
		return errors.New("audio.min_silence_ms must be positive")
	}
	if cfg.Audio.KeepSilenceMS < 0 {
		return errors.New("audio.keep_silence_ms must be >= 0")
	}
	if cfg.Audio.FFmpegPath == "" {
		return errors.New("audio.ffmpeg_path must not be empty")
	}
	if cfg.Pipeline.MaxRetries <= 0 {
		return errors.New("pipeline.max_retries must be >= 1")
	}
	if cfg.Pipeline.BackoffMS < 0 {
		return errors.New("pipeline.backoff_ms must be >= 0")
	}
	if cfg.Pipeline.ChunkConcurrency <= 0 {
		return errors.New("pipeline.chunk_concurrency must be >= 1")
	}
	if cfg.Pipeline.MaxConcurrentJobs <= 0 {
		return errors.New("pipeline.max_concurrent_jobs must be >= 1")
	}
	if cfg.Cache.Capacity < 0 {
		return errors.New("cache.capacity must be >= 0")
	}
	if cfg.Cache.TTLSeconds < 0 {
		return errors.New("cache.ttl_seconds must be >= 0")
	}
	return nil
}
