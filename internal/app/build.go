// Package app wires the session orchestrator's components into one
// running server: config, the Session Store, the collaborator
// adapters, the Interaction Archive, metrics, and the HTTP/WS surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hotpin/hotpinserver/internal/archive"
	"github.com/hotpin/hotpinserver/internal/audio"
	"github.com/hotpin/hotpinserver/internal/config"
	"github.com/hotpin/hotpinserver/internal/controller"
	"github.com/hotpin/hotpinserver/internal/downloadstore"
	"github.com/hotpin/hotpinserver/internal/generator"
	"github.com/hotpin/hotpinserver/internal/httpapi"
	"github.com/hotpin/hotpinserver/internal/image"
	"github.com/hotpin/hotpinserver/internal/observability"
	"github.com/hotpin/hotpinserver/internal/playback"
	"github.com/hotpin/hotpinserver/internal/session"
	"github.com/hotpin/hotpinserver/internal/voice"
)

// BuildResult is everything main needs to start serving and to shut
// down cleanly.
type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Store
	Buffer   *audio.Buffer
	Metrics  *observability.Metrics
	Cleanup  func() error
}

// Build constructs every component named in the component table and
// wires them into a Controller and an HTTP server, choosing HTTP,
// mock, or failover collaborator adapters the way the original voice
// provider resolution chose between a live backend and a local one.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	buffer := audio.NewBuffer(cfg.TempDir)

	sessions := session.NewStore(cfg.SessionEventLogCap, cfg.SessionGrace)
	sessions.SetExpireHook(func(sess *session.Session) {
		if err := buffer.PurgeSession(sess.ID); err != nil {
			logger.Warn("temp purge failed", "session", sess.ID, "error", err)
		}
		logger.Info("session expired", "session", sess.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	archiveStore, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	if cfg.DatabaseURL == "" {
		logger.Info("interaction archive disabled (DATABASE_URL not set)")
	} else {
		logger.Info("interaction archive enabled")
	}

	recognizer := resolveRecognizer(cfg, logger)
	synthesizer := resolveSynthesizer(cfg, logger)
	gen := resolveGenerator(cfg, logger)

	downloads := downloadstore.New(cfg.DownloadURLExpiry)
	streamer := playback.NewStreamer(cfg.PlaybackChunkBytes, cfg.TempDir, downloads)

	ctrl := controller.New(controller.Deps{
		Buffer:      buffer,
		Recognizer:  recognizer,
		Generator:   gen,
		Synthesizer: synthesizer,
		Streamer:    streamer,
		Archive:     archiveStore,
		Metrics:     metrics,

		SystemPrompt:             cfg.GeneratorSystemPrompt,
		SampleRate:               cfg.STTSampleRate,
		ChunkMaxBytes:            cfg.ChunkSizeBytes,
		AudioSeqGapTolerance:     cfg.AudioSequenceGapTolerance,
		AudioAckEveryN:           cfg.AudioAckEveryNFrames,
		MaxRecordingBytes:        cfg.MaxRecordingBytes,
		MaxSessionDiskMB:         cfg.MaxSessionDiskMB,
		ConversationHistoryTurns: cfg.ConversationHistory,
		PromptBudgetChars:        cfg.GeneratorPromptBudgetChars,
		MaxRerecordAttempts:      cfg.MaxRerecordAttempts,
		ChunkArrivalTimeout:      cfg.ChunkArrivalTimeout,
		PlaybackReadyTimeout:     cfg.PlaybackReadyTimeout,
	})

	imageOpts := image.Options{
		MaxBytes:     cfg.ImageMaxBytes,
		MaxDimension: cfg.ImageMaxDimension,
		SoftPercent:  cfg.ImageSoftPercent,
	}

	api := httpapi.New(cfg, sessions, ctrl, downloads, imageOpts, metrics, logger)

	cleanup := func() error {
		return archiveStore.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Buffer:   buffer,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// resolveRecognizer prefers an HTTP-backed collaborator, falling back to
// a deterministic mock when none is configured so the server still
// boots for local development without a live STT backend.
func resolveRecognizer(cfg config.Config, logger *slog.Logger) voice.Recognizer {
	if strings.TrimSpace(cfg.RecognizerHTTPURL) == "" {
		logger.Info("recognizer adapter: mock (RECOGNIZER_HTTP_URL not set)")
		return voice.NewMockRecognizer()
	}
	minDuration := time.Duration(cfg.MinRecordDurationSec * float64(time.Second))
	http := voice.NewHTTPRecognizer(
		cfg.RecognizerHTTPURL,
		cfg.STTConfidenceThreshold,
		cfg.STTSilenceRMSThreshold,
		cfg.STTLoudRMSThreshold,
		minDuration,
		30*time.Second,
	)
	logger.Info("recognizer adapter: http with mock failover", "url", cfg.RecognizerHTTPURL)
	return voice.NewFailoverRecognizer(http, voice.NewMockRecognizer())
}

func resolveSynthesizer(cfg config.Config, logger *slog.Logger) voice.Synthesizer {
	if strings.TrimSpace(cfg.SynthesizerHTTPURL) == "" {
		logger.Info("synthesizer adapter: mock (SYNTHESIZER_HTTP_URL not set)")
		return voice.NewMockSynthesizer()
	}
	http := voice.NewHTTPSynthesizer(cfg.SynthesizerHTTPURL, 30*time.Second)
	logger.Info("synthesizer adapter: http with mock failover", "url", cfg.SynthesizerHTTPURL)
	return voice.NewFailoverSynthesizer(http, voice.NewMockSynthesizer())
}

func resolveGenerator(cfg config.Config, logger *slog.Logger) generator.Generator {
	var inner generator.Generator
	if strings.TrimSpace(cfg.GeneratorHTTPURL) == "" {
		logger.Info("generator adapter: mock (GENERATOR_HTTP_URL not set)")
		inner = generator.NewMockGenerator()
	} else {
		logger.Info("generator adapter: http", "url", cfg.GeneratorHTTPURL)
		inner = generator.NewHTTPGenerator(cfg.GeneratorHTTPURL, cfg.GeneratorTimeout)
	}
	return generator.NewRetryingGenerator(inner, cfg.GeneratorRetryAttempts, cfg.GeneratorBackoffBase, cfg.GeneratorBackoffCap)
}
