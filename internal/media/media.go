// Package media converts uploaded audio to the MP3 rendition every loop is
// served as.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// ErrUnsupported is returned for media types a transcoder cannot handle.
var ErrUnsupported = errors.New("media: unsupported media type")

// Transcoder converts an upload of mediaType into MP3 bytes.
type Transcoder interface {
	Transcode(ctx context.Context, mediaType string, data []byte) ([]byte, error)
	SupportsMIDI() bool
}

// IsMIDI reports whether mediaType names a MIDI file.
func IsMIDI(mediaType string) bool {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "audio/midi", "audio/x-midi", "audio/mid":
		return true
	}
	return false
}

// Passthrough stores uploads unchanged. It is meant for development and
// tests, where uploads are already MP3 or their encoding does not matter.
type Passthrough struct{}

func (Passthrough) Transcode(_ context.Context, mediaType string, data []byte) ([]byte, error) {
	if IsMIDI(mediaType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
	}
	return bytes.Clone(data), nil
}

func (Passthrough) SupportsMIDI() bool { return false }

// HTTPTranscoder posts uploads to an external processing service that
// answers with the MP3 body.
type HTTPTranscoder struct {
	endpoint string
	token    string
	midi     bool
	client   *http.Client
}

// HTTPConfig configures HTTPTranscoder.
type HTTPConfig struct {
	Endpoint  string
	Token     string
	AllowMIDI bool
	Timeout   time.Duration
}

func NewHTTPTranscoder(cfg HTTPConfig) (*HTTPTranscoder, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("transcoder endpoint required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPTranscoder{
		endpoint: endpoint,
		token:    strings.TrimSpace(cfg.Token),
		midi:     cfg.AllowMIDI,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (t *HTTPTranscoder) SupportsMIDI() bool { return t.midi }

func (t *HTTPTranscoder) Transcode(ctx context.Context, mediaType string, data []byte) ([]byte, error) {
	if IsMIDI(mediaType) && !t.midi {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build transcode request: %w", err)
	}
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Accept", "audio/mpeg")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcode request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transcode request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read transcoded body: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("transcode request: empty response")
	}
	return out, nil
}

// ExecConfig locates the local binaries used by ExecTranscoder.
type ExecConfig struct {
	FFmpegPath   string
	TimidityPath string
	Bitrate      string
	Logger       *slog.Logger
}

// ExecTranscoder shells out to ffmpeg, and to timidity to render MIDI first.
type ExecTranscoder struct {
	ffmpeg   string
	timidity string
	bitrate  string
	logger   *slog.Logger
}

// NewExecTranscoder resolves the binaries on PATH. MIDI support is enabled
// only when timidity is available.
func NewExecTranscoder(cfg ExecConfig) (*ExecTranscoder, error) {
	ffmpegPath := cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("locate ffmpeg: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &ExecTranscoder{ffmpeg: resolved, bitrate: cfg.Bitrate, logger: logger}
	if t.bitrate == "" {
		t.bitrate = "192k"
	}
	timidityPath := cfg.TimidityPath
	if timidityPath == "" {
		timidityPath = "timidity"
	}
	if resolvedTimidity, err := exec.LookPath(timidityPath); err == nil {
		t.timidity = resolvedTimidity
	} else {
		logger.Info("timidity not found; MIDI uploads disabled", "path", timidityPath)
	}
	return t, nil
}

func (t *ExecTranscoder) SupportsMIDI() bool { return t.timidity != "" }

func (t *ExecTranscoder) Transcode(ctx context.Context, mediaType string, data []byte) ([]byte, error) {
	input := data
	if IsMIDI(mediaType) {
		if t.timidity == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
		}
		wav, err := t.run(ctx, t.timidity, []string{"-", "-Ow", "-o", "-"}, data)
		if err != nil {
			return nil, fmt.Errorf("render midi: %w", err)
		}
		input = wav
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn", "-codec:a", "libmp3lame", "-b:a", t.bitrate,
		"-f", "mp3", "pipe:1",
	}
	out, err := t.run(ctx, t.ffmpeg, args, input)
	if err != nil {
		return nil, fmt.Errorf("encode mp3: %w", err)
	}
	return out, nil
}

func (t *ExecTranscoder) run(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedBuffer{max: 4096, buf: &stderr}
	started := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	t.logger.Debug("transcode step finished", "binary", bin, "duration", time.Since(started), "bytes", stdout.Len())
	return stdout.Bytes(), nil
}

type limitedBuffer struct {
	max int
	buf *bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := l.max - l.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			l.buf.Write(p[:remaining])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

var (
	_ Transcoder = Passthrough{}
	_ Transcoder = (*HTTPTranscoder)(nil)
	_ Transcoder = (*ExecTranscoder)(nil)
)
