package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loop-library/internal/media"
)

type fakeTranscoder struct {
	midi      bool
	err       error
	gotType   string
	gotLength int
}

func (f *fakeTranscoder) Transcode(_ context.Context, mediaType string, data []byte) ([]byte, error) {
	f.gotType = mediaType
	f.gotLength = len(data)
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("ID3"), data...), nil
}

func (f *fakeTranscoder) SupportsMIDI() bool { return f.midi }

func newTestServer(t *testing.T, transcoder media.Transcoder, token string) *httptest.Server {
	t.Helper()
	srv := &server{
		transcoder: transcoder,
		token:      token,
		maxInput:   1024,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPTranscoderRoundTrip(t *testing.T) {
	fake := &fakeTranscoder{midi: true}
	ts := newTestServer(t, fake, "sidecar-token")

	client, err := media.NewHTTPTranscoder(media.HTTPConfig{
		Endpoint:  ts.URL + "/transcode",
		Token:     "sidecar-token",
		AllowMIDI: true,
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTPTranscoder: %v", err)
	}
	out, err := client.Transcode(context.Background(), "audio/midi", []byte("MThd"))
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if string(out) != "ID3MThd" {
		t.Fatalf("unexpected output %q", out)
	}
	if fake.gotType != "audio/midi" || fake.gotLength != 4 {
		t.Fatalf("sidecar saw type=%q len=%d", fake.gotType, fake.gotLength)
	}
}

func TestTranscodeRequiresToken(t *testing.T) {
	ts := newTestServer(t, &fakeTranscoder{}, "sidecar-token")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/transcode", strings.NewReader("RIFF"))
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestTranscodeRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, &fakeTranscoder{}, "")

	cases := []struct {
		name        string
		contentType string
		body        []byte
		status      int
	}{
		{"missing content type", "", []byte("RIFF"), http.StatusBadRequest},
		{"empty body", "audio/wav", nil, http.StatusBadRequest},
		{"too large", "audio/wav", bytes.Repeat([]byte("a"), 2048), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/transcode", bytes.NewReader(tc.body))
		if tc.contentType != "" {
			req.Header.Set("Content-Type", tc.contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: request: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, resp.StatusCode)
		}
	}
}

func TestTranscodeMapsFailures(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{media.ErrUnsupported, http.StatusUnsupportedMediaType},
		{errors.New("ffmpeg exited 1"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		ts := newTestServer(t, &fakeTranscoder{err: tc.err}, "")
		resp, err := http.Post(ts.URL+"/transcode", "audio/flac", strings.NewReader("fLaC"))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.status, resp.StatusCode)
		}
	}
}

func TestHealthzReportsMIDI(t *testing.T) {
	ts := newTestServer(t, &fakeTranscoder{midi: true}, "secret")
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"midi":true`) {
		t.Fatalf("unexpected health response %d %s", resp.StatusCode, body)
	}
}
