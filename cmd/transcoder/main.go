// Command transcoder is the conversion sidecar behind the "http" media
// driver. It accepts raw audio on POST /transcode and answers with MP3.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"loop-library/internal/media"
	"loop-library/internal/observability/logging"
)

const defaultMaxInputBytes = 16 << 20

type server struct {
	transcoder media.Transcoder
	token      string
	maxInput   int64
	logger     *slog.Logger
}

func main() {
	logger := logging.Init(logging.Config{
		Level:   os.Getenv("TRANSCODER_LOG_LEVEL"),
		Service: "transcoder",
	})
	bind := envOrDefault("TRANSCODER_BIND", ":8081")

	transcoder, err := media.NewExecTranscoder(media.ExecConfig{
		FFmpegPath:   os.Getenv("TRANSCODER_FFMPEG_PATH"),
		TimidityPath: os.Getenv("TRANSCODER_TIMIDITY_PATH"),
		Bitrate:      envOrDefault("TRANSCODER_BITRATE", "192k"),
		Logger:       logger,
	})
	if err != nil {
		logger.Error("initialise transcoder", "error", err)
		os.Exit(1)
	}
	maxInput, err := strconv.ParseInt(envOrDefault("TRANSCODER_MAX_INPUT_BYTES", strconv.Itoa(defaultMaxInputBytes)), 10, 64)
	if err != nil || maxInput <= 0 {
		logger.Error("invalid TRANSCODER_MAX_INPUT_BYTES")
		os.Exit(1)
	}

	srv := &server{
		transcoder: transcoder,
		token:      strings.TrimSpace(os.Getenv("TRANSCODER_TOKEN")),
		maxInput:   maxInput,
		logger:     logger,
	}
	httpServer := &http.Server{
		Addr:              bind,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("transcoder listening", "addr", bind, "midi", transcoder.SupportsMIDI())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	logger.Info("transcoder stopped")
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /transcode", s.handleTranscode)
	return logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    s.logger,
		SkipPaths: []string{"/healthz"},
	})(mux)
}

func (s *server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[7:])
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "midi": s.transcoder.SupportsMIDI()})
}

func (s *server) handleTranscode(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content type required"})
		return
	}
	if r.ContentLength > s.maxInput {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "input too large"})
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxInput))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "input too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return
	}

	out, err := s.transcoder.Transcode(r.Context(), mediaType, data)
	if err != nil {
		if errors.Is(err, media.ErrUnsupported) {
			writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "unsupported media type"})
			return
		}
		s.logger.Error("transcode failed", "media_type", mediaType, "bytes", len(data), "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "transcode failed"})
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
