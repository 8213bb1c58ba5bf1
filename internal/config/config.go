// Package config loads and validates the runtime settings for the
// hotpin session orchestrator from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the session orchestrator.
type Config struct {
	Host string
	Port int

	WSToken string

	TempDir string

	ChunkSizeBytes            int
	MinRecordDurationSec      float64
	MaxRerecordAttempts       int
	PlaybackReadyTimeout      time.Duration
	ChunkArrivalTimeout       time.Duration
	SessionGrace              time.Duration
	MaxSessionDiskMB          int
	MaxRecordingBytes         int
	AudioSequenceGapTolerance int
	AudioAckEveryNFrames      int

	STTConfidenceThreshold float64
	STTSampleRate          int
	STTSilenceRMSThreshold float64
	STTLoudRMSThreshold    float64

	PlaybackChunkBytes  int
	DownloadURLExpiry   time.Duration
	TempSweepInterval   time.Duration
	SessionEventLogCap  int
	ConversationHistory int

	ImageMaxDimension int
	ImageMaxBytes     int
	ImageSoftPercent  int

	GeneratorHTTPURL       string
	GeneratorTimeout       time.Duration
	GeneratorRetryAttempts int
	GeneratorBackoffBase   time.Duration
	GeneratorBackoffCap    time.Duration
	GeneratorSystemPrompt  string
	GeneratorPromptBudgetChars int

	RecognizerHTTPURL string
	SynthesizerHTTPURL string

	DatabaseURL string

	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool
}

// Load reads environment variables and applies safe defaults, validating
// the result before the server binds any socket.
func Load() (Config, error) {
	cfg := Config{
		Host:    envOrDefault("HOST", "0.0.0.0"),
		WSToken: envOrDefault("WS_TOKEN", "mysecrettoken123"),
		TempDir: envOrDefault("TEMP_DIR", "./temp"),

		ChunkSizeBytes:            16000,
		MinRecordDurationSec:      0.5,
		MaxRerecordAttempts:       2,
		MaxSessionDiskMB:          100,
		MaxRecordingBytes:         50 << 20,
		AudioSequenceGapTolerance: 10,
		AudioAckEveryNFrames:      4,

		STTConfidenceThreshold: 0.5,
		STTSampleRate:          16000,
		STTSilenceRMSThreshold: 50,
		STTLoudRMSThreshold:    5000,

		PlaybackChunkBytes:  16000,
		SessionEventLogCap:  100,
		ConversationHistory: 8,

		ImageMaxDimension: 1600,
		ImageMaxBytes:     2 << 20,
		ImageSoftPercent:  20,

		GeneratorHTTPURL:      envOrDefault("GENERATOR_HTTP_URL", ""),
		GeneratorRetryAttempts: 3,
		GeneratorBackoffBase:  time.Second,
		GeneratorBackoffCap:   60 * time.Second,
		GeneratorSystemPrompt: envOrDefault("GENERATOR_SYSTEM_PROMPT", "You are a helpful voice assistant speaking through a small hardware device. Keep replies short and conversational."),
		GeneratorPromptBudgetChars: 4000,

		RecognizerHTTPURL:  envOrDefault("RECOGNIZER_HTTP_URL", ""),
		SynthesizerHTTPURL: envOrDefault("SYNTHESIZER_HTTP_URL", ""),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "hotpin"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = intFromEnv("PORT", 8000)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkSizeBytes, err = intFromEnv("CHUNK_SIZE_BYTES", cfg.ChunkSizeBytes)
	if err != nil {
		return Config{}, err
	}
	if v := stringsTrimSpace("MIN_RECORD_DURATION_SEC"); v != "" {
		cfg.MinRecordDurationSec, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("MIN_RECORD_DURATION_SEC parse error: %w", err)
		}
	}
	cfg.MaxRerecordAttempts, err = intFromEnv("MAX_RERECORD_ATTEMPTS", cfg.MaxRerecordAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackReadyTimeout, err = durationFromEnv("PLAYBACK_READY_TIMEOUT_SEC", 5*time.Second, true)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkArrivalTimeout, err = durationFromEnv("CHUNK_ARRIVAL_TIMEOUT_SEC", 5*time.Second, true)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionGrace, err = durationFromEnv("SESSION_GRACE_SEC", 30*time.Second, true)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionDiskMB, err = intFromEnv("MAX_SESSION_DISK_MB", cfg.MaxSessionDiskMB)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSequenceGapTolerance, err = intFromEnv("AUDIO_SEQUENCE_GAP_TOLERANCE", cfg.AudioSequenceGapTolerance)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioAckEveryNFrames, err = intFromEnv("AUDIO_ACK_EVERY_N_FRAMES", cfg.AudioAckEveryNFrames)
	if err != nil {
		return Config{}, err
	}
	if v := stringsTrimSpace("STT_CONFIDENCE_THRESHOLD"); v != "" {
		cfg.STTConfidenceThreshold, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("STT_CONFIDENCE_THRESHOLD parse error: %w", err)
		}
	}
	if v := stringsTrimSpace("STT_SILENCE_RMS_THRESHOLD"); v != "" {
		cfg.STTSilenceRMSThreshold, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("STT_SILENCE_RMS_THRESHOLD parse error: %w", err)
		}
	}
	if v := stringsTrimSpace("STT_LOUD_RMS_THRESHOLD"); v != "" {
		cfg.STTLoudRMSThreshold, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("STT_LOUD_RMS_THRESHOLD parse error: %w", err)
		}
	}
	cfg.STTSampleRate, err = intFromEnv("STT_SAMPLE_RATE", cfg.STTSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackChunkBytes, err = intFromEnv("PLAYBACK_CHUNK_BYTES", cfg.PlaybackChunkBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.DownloadURLExpiry, err = durationFromEnv("DOWNLOAD_URL_EXPIRY_SEC", 300*time.Second, true)
	if err != nil {
		return Config{}, err
	}
	cfg.TempSweepInterval, err = durationFromEnv("TEMP_SWEEP_INTERVAL_SEC", 60*time.Second, true)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionEventLogCap, err = intFromEnv("SESSION_EVENT_LOG_CAP", cfg.SessionEventLogCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationHistory, err = intFromEnv("CONVERSATION_HISTORY_TURNS", cfg.ConversationHistory)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageMaxDimension, err = intFromEnv("IMAGE_MAX_DIMENSION", cfg.ImageMaxDimension)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageMaxBytes, err = intFromEnv("MAX_IMAGE_SIZE_BYTES", cfg.ImageMaxBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageSoftPercent, err = intFromEnv("IMAGE_SOFT_PERCENT", cfg.ImageSoftPercent)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorTimeout, err = durationFromEnv("GENERATOR_TIMEOUT_SEC", 60*time.Second, true)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorRetryAttempts, err = intFromEnv("GENERATOR_RETRY_ATTEMPTS", cfg.GeneratorRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorPromptBudgetChars, err = intFromEnv("GENERATOR_PROMPT_BUDGET_CHARS", cfg.GeneratorPromptBudgetChars)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRecordingBytes, err = intFromEnv("MAX_RECORDING_BYTES", cfg.MaxRecordingBytes)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d is not in valid range (1-65535)", c.Port)
	}
	if c.ChunkSizeBytes <= 0 || c.ChunkSizeBytes%2 != 0 {
		return fmt.Errorf("CHUNK_SIZE_BYTES must be a positive multiple of 2")
	}
	if c.ChunkSizeBytes > 512<<10 {
		return fmt.Errorf("CHUNK_SIZE_BYTES seems too large (> 512KB)")
	}
	if c.MaxRerecordAttempts < 0 {
		return fmt.Errorf("MAX_RERECORD_ATTEMPTS must be >= 0")
	}
	if c.MaxSessionDiskMB <= 0 {
		return fmt.Errorf("MAX_SESSION_DISK_MB must be positive")
	}
	if c.SessionEventLogCap <= 0 {
		return fmt.Errorf("SESSION_EVENT_LOG_CAP must be positive")
	}
	if c.ConversationHistory <= 0 {
		return fmt.Errorf("CONVERSATION_HISTORY_TURNS must be positive")
	}
	if err := ensureWritableDir(c.TempDir); err != nil {
		return fmt.Errorf("TEMP_DIR %q is not usable: %w", c.TempDir, err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := dir + "/.write_test"
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration, seconds bool) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	if seconds {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s parse error: %w", key, err)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
