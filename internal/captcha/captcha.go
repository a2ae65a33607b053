// Package captcha verifies Cloudflare Turnstile responses.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultSiteVerifyURL is Cloudflare's Turnstile verification endpoint.
const DefaultSiteVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// ErrUnavailable wraps transport and decoding failures talking to the
// verification service.
var ErrUnavailable = errors.New("captcha verification unavailable")

// Result is the verification outcome. Score is nil when the provider does not
// report one.
type Result struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
}

// Passes reports whether the result clears minScore. A missing score passes.
func (r Result) Passes(minScore float64) bool {
	if !r.Success {
		return false
	}
	return r.Score == nil || *r.Score >= minScore
}

// Verifier checks a captcha response token.
type Verifier interface {
	Verify(ctx context.Context, response, remoteIP string) (Result, error)
}

// TurnstileConfig configures the Turnstile client.
type TurnstileConfig struct {
	Secret    string
	VerifyURL string
	Timeout   time.Duration
	Client    *http.Client
}

// TurnstileVerifier posts responses to the siteverify endpoint.
type TurnstileVerifier struct {
	secret    string
	verifyURL string
	client    *http.Client
}

// NewTurnstile builds a verifier. An empty secret is rejected.
func NewTurnstile(cfg TurnstileConfig) (*TurnstileVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("turnstile secret required")
	}
	verifyURL := strings.TrimSpace(cfg.VerifyURL)
	if verifyURL == "" {
		verifyURL = DefaultSiteVerifyURL
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &TurnstileVerifier{secret: secret, verifyURL: verifyURL, client: client}, nil
}

func (v *TurnstileVerifier) Verify(ctx context.Context, response, remoteIP string) (Result, error) {
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("%w: siteverify returned %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("%w: decode siteverify response: %v", ErrUnavailable, err)
	}
	return result, nil
}

// StaticVerifier returns a fixed result and records the calls it receives.
type StaticVerifier struct {
	Result Result
	Err    error

	mu    sync.Mutex
	calls []string
}

func (s *StaticVerifier) Verify(_ context.Context, response, _ string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, response)
	return s.Result, s.Err
}

// Calls returns the responses verified so far.
func (s *StaticVerifier) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Score is a convenience for building Results in tests and fixtures.
func Score(v float64) *float64 {
	return &v
}

var (
	_ Verifier = (*TurnstileVerifier)(nil)
	_ Verifier = (*StaticVerifier)(nil)
)
