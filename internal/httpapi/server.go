// Package httpapi implements the HTTP and WebSocket surface: the duplex
// channel endpoint, the Image Intake upload, the Download Store's
// retrieval endpoint, a diagnostic state snapshot, health, and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hotpin/hotpinserver/internal/config"
	"github.com/hotpin/hotpinserver/internal/controller"
	"github.com/hotpin/hotpinserver/internal/downloadstore"
	"github.com/hotpin/hotpinserver/internal/image"
	"github.com/hotpin/hotpinserver/internal/observability"
	"github.com/hotpin/hotpinserver/internal/protocol"
	"github.com/hotpin/hotpinserver/internal/session"
)

// Server exposes the session orchestrator's wire protocol and its
// supporting HTTP endpoints.
type Server struct {
	cfg        config.Config
	sessions   *session.Store
	ctrl       *controller.Controller
	downloads  *downloadstore.Store
	imageOpts  image.Options
	metrics    *observability.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	startedAt  time.Time

	sendersMu sync.Mutex
	senders   map[string]protocol.Sender
}

func New(cfg config.Config, sessions *session.Store, ctrl *controller.Controller, downloads *downloadstore.Store, imageOpts image.Options, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		ctrl:      ctrl,
		downloads: downloads,
		imageOpts: imageOpts,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
		senders:   make(map[string]protocol.Sender),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Firmware and other non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Post("/image", s.handleImage)
	r.Get("/download/{token}", s.handleDownload)
	r.Get("/ws", s.handleWS)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"uptime": time.Since(s.startedAt).Seconds(),
		"models": []string{},
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session", "query parameter session is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session":         sess.ID,
		"state":           string(sess.State()),
		"image_uploading": sess.ImageUploading(),
		"retry_counter":   sess.RetryCounter(),
		"events":          sess.RecentEvents(20),
		"stages":          s.metrics.Stages.Snapshot(),
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusUnauthorized, "auth_failed", "missing or invalid bearer token")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session", "query parameter session is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	raw, filename, err := readImageUpload(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}

	sess.SetImageUploading(true)
	ctxImg, err := image.Decode(raw, filename, s.imageOpts)
	sess.SetImageUploading(false)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}

	sess.SetImage(&session.ImageContext{
		Bytes:      ctxImg.Bytes,
		Thumbnail:  ctxImg.Thumbnail,
		MimeType:   ctxImg.MimeType,
		CapturedAt: ctxImg.CapturedAt,
		Filename:   ctxImg.Filename,
	})
	sess.AppendEvent("image_uploaded", ctxImg.Filename)

	if sender, ok := s.lookupSender(sessionID); ok {
		if payload, err := protocol.EncodeImageReceived(ctxImg.Filename); err == nil {
			_ = sender.SendText(payload)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"type":     "image_received",
		"filename": ctxImg.Filename,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	path, err := s.downloads.Take(token)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "download artifact is no longer available")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/wav")
	_, _ = io.Copy(w, f)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	if sessionID == "" || token != s.cfg.WSToken {
		respondError(w, http.StatusUnauthorized, "auth_failed", "missing or invalid session/token")
		return
	}

	sess, err := s.sessions.Attach(sessionID)
	if err != nil {
		respondError(w, http.StatusConflict, "session_conflict", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("channel attached", "session", sessionID)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sender := &wsSender{conn: conn, writeTimeout: 10 * time.Second}
	s.registerSender(sessionID, sender)
	defer s.unregisterSender(sessionID)

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	inbound := make(chan any, 256)
	codec := protocol.NewCodec()

	// The pipeline task and the frame reader are two halves of one
	// connection's lifetime: either one ending (a protocol violation, a
	// closed socket, ctx cancellation) must tear the other down too,
	// which is exactly what errgroup's shared context gives us.
	g, gctx := errgroup.WithContext(ctx)
	// ReadMessage does not watch gctx; closing the socket unblocks it.
	go func() {
		<-gctx.Done()
		_ = conn.Close()
	}()
	g.Go(func() error {
		return s.ctrl.Run(gctx, sess, inbound, sender)
	})
	g.Go(func() error {
		return s.readFrames(gctx, conn, codec, inbound)
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("channel closed", "session", sessionID, "error", err)
	} else {
		s.logger.Info("channel detached", "session", sessionID)
	}
	cancel()

	s.sessions.Detach(sessionID)
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

// readFrames decodes inbound frames off conn and forwards the resulting
// typed events to inbound, closing it when the socket closes, ctx is
// cancelled, or the Frame Codec reports a protocol violation.
func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, codec *protocol.Codec, inbound chan any) error {
	defer close(inbound)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var event any
		switch msgType {
		case websocket.TextMessage:
			event, err = codec.AcceptText(data)
		case websocket.BinaryMessage:
			event, err = codec.AcceptBinary(data)
		default:
			continue
		}
		if err != nil {
			// frame_protocol_violation: the pairing contract was broken.
			return err
		}
		if event == nil {
			if msgType == websocket.TextMessage && !codec.AwaitingBinary() {
				s.logger.Warn("dropped malformed or unsupported text frame", "bytes", len(data))
			}
			// A meta frame queued awaiting its binary pair is also nil,
			// nil — nothing to dispatch yet, nothing to warn about.
			continue
		}

		s.metrics.WSMessages.WithLabelValues("inbound", inboundTypeLabel(event)).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inbound <- event:
		}
	}
}

func (s *Server) registerSender(sessionID string, sender protocol.Sender) {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	s.senders[sessionID] = sender
}

func (s *Server) unregisterSender(sessionID string) {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	delete(s.senders, sessionID)
}

func (s *Server) lookupSender(sessionID string) (protocol.Sender, bool) {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	sender, ok := s.senders[sessionID]
	return sender, ok
}

func (s *Server) authorized(r *http.Request) bool {
	return bearerToken(r.Header.Get("Authorization")) == s.cfg.WSToken
}

// wsSender adapts a gorilla websocket connection to protocol.Sender.
// The Session Controller's pipeline goroutine and the image upload
// handler (image_received) can both write to one connection, so the
// mutex serializes writes (gorilla's Conn forbids concurrent writers).
type wsSender struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (w *wsSender) SendText(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsSender) SendBinary(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, prefix))
	}
	return header
}

func readImageUpload(r *http.Request) ([]byte, string, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		raw, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		return raw, header.Filename, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		filename = strings.TrimSpace(r.Header.Get("X-Filename"))
	}
	if filename == "" {
		filename = "capture.jpg"
	}
	return raw, filename, nil
}

func inboundTypeLabel(event any) string {
	switch event.(type) {
	case protocol.Hello:
		return string(protocol.TypeHello)
	case protocol.ClientOn:
		return string(protocol.TypeClientOn)
	case protocol.RecordingStarted:
		return string(protocol.TypeRecordingStarted)
	case protocol.RecordingStopped:
		return string(protocol.TypeRecordingStopped)
	case protocol.ImageCaptured:
		return string(protocol.TypeImageCaptured)
	case protocol.ReadyForPlayback:
		return string(protocol.TypeReadyForPlayback)
	case protocol.PlaybackComplete:
		return string(protocol.TypePlaybackComplete)
	case protocol.Ping:
		return string(protocol.TypePing)
	case protocol.ClientError:
		return string(protocol.TypeError)
	case protocol.Reject:
		return string(protocol.TypeReject)
	case protocol.AudioChunk:
		return "audio_chunk"
	default:
		return "unknown"
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
