// Package lifecycle moves a loop submission through contribution, email
// confirmation and moderation, and serves the published catalogue.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"loop-library/internal/captcha"
	"loop-library/internal/media"
	"loop-library/internal/notify"
	"loop-library/internal/objectstore"
	"loop-library/internal/storage"
	"loop-library/internal/token"
)

const (
	DefaultTokenTTL        = 24 * time.Hour
	DefaultMinCaptchaScore = 0.5
	// MaxPageSize bounds the loops listing and is the default page size.
	MaxPageSize = 128

	// PenaltyInvalidRequest is charged against the client's rate budget for
	// malformed submissions and failed captchas.
	PenaltyInvalidRequest = 4
	// PenaltyAdminAuth is charged for a failed moderator credential check.
	PenaltyAdminAuth = 32
)

// Transition names reported to the Recorder.
const (
	TransitionContribute = "contribute"
	TransitionConfirm    = "confirm"
	TransitionApprove    = "approve"
	TransitionDeny       = "deny"
	TransitionTakeDown   = "takedown"
)

// Penalizer charges extra weight against a client's rate-limit budget.
type Penalizer interface {
	Penalize(ctx context.Context, clientIP string, weight int)
}

// Recorder observes the outcome of every state transition.
type Recorder interface {
	ObserveTransition(transition, outcome string)
}

// Config wires the service to its collaborators. Store, Objects and Notifier
// are required; the rest have usable defaults.
type Config struct {
	Store      storage.Repository
	Objects    objectstore.Store
	Captcha    captcha.Verifier
	Notifier   notify.Notifier
	Templates  *notify.Templates
	Transcoder media.Transcoder
	Tokens     token.Generator
	Penalizer  Penalizer
	Recorder   Recorder
	Logger     *slog.Logger
	Clock      func() time.Time

	// Production enforces captcha verification. Outside production the
	// captcha is skipped and logged.
	Production      bool
	MinCaptchaScore float64
	TokenTTL        time.Duration
	// ConfirmURL is the absolute URL of the confirmation endpoint; the token
	// is appended as the "token" query parameter.
	ConfirmURL string

	SubmissionsBucket string
	LoopsBucket       string
}

// Service implements the submission lifecycle.
type Service struct {
	store      storage.Repository
	objects    objectstore.Store
	captcha    captcha.Verifier
	notifier   notify.Notifier
	templates  *notify.Templates
	transcoder media.Transcoder
	tokens     token.Generator
	penalizer  Penalizer
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time

	production      bool
	minCaptchaScore float64
	tokenTTL        time.Duration
	confirmURL      string

	submissionsBucket string
	loopsBucket       string
}

// New validates cfg and returns a ready Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("lifecycle: object store is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("lifecycle: notifier is required")
	}
	if cfg.Production && cfg.Captcha == nil {
		return nil, errors.New("lifecycle: captcha verifier is required in production")
	}
	confirmURL := strings.TrimSpace(cfg.ConfirmURL)
	if confirmURL == "" {
		return nil, errors.New("lifecycle: confirm URL is required")
	}
	if _, err := url.Parse(confirmURL); err != nil {
		return nil, fmt.Errorf("lifecycle: confirm URL: %w", err)
	}

	svc := &Service{
		store:             cfg.Store,
		objects:           cfg.Objects,
		captcha:           cfg.Captcha,
		notifier:          cfg.Notifier,
		templates:         cfg.Templates,
		transcoder:        cfg.Transcoder,
		tokens:            cfg.Tokens,
		penalizer:         cfg.Penalizer,
		recorder:          cfg.Recorder,
		logger:            cfg.Logger,
		now:               cfg.Clock,
		production:        cfg.Production,
		minCaptchaScore:   cfg.MinCaptchaScore,
		tokenTTL:          cfg.TokenTTL,
		confirmURL:        confirmURL,
		submissionsBucket: cfg.SubmissionsBucket,
		loopsBucket:       cfg.LoopsBucket,
	}
	if svc.templates == nil {
		templates, err := notify.NewTemplates()
		if err != nil {
			return nil, err
		}
		svc.templates = templates
	}
	if svc.transcoder == nil {
		svc.transcoder = media.Passthrough{}
	}
	if svc.tokens == nil {
		svc.tokens = token.Default
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.minCaptchaScore <= 0 {
		svc.minCaptchaScore = DefaultMinCaptchaScore
	}
	if svc.tokenTTL <= 0 {
		svc.tokenTTL = DefaultTokenTTL
	}
	if svc.submissionsBucket == "" {
		svc.submissionsBucket = objectstore.DefaultSubmissionsBucket
	}
	if svc.loopsBucket == "" {
		svc.loopsBucket = objectstore.DefaultLoopsBucket
	}
	return svc, nil
}

// SupportsMIDI reports whether MIDI uploads are accepted.
func (s *Service) SupportsMIDI() bool {
	return s.transcoder.SupportsMIDI()
}

// Penalize forwards a rate-limit penalty when a Penalizer is configured.
func (s *Service) Penalize(ctx context.Context, clientIP string, weight int) {
	if s.penalizer == nil || clientIP == "" || weight <= 0 {
		return
	}
	s.penalizer.Penalize(ctx, clientIP, weight)
}

func (s *Service) observe(transition string, err error) {
	if s.recorder != nil {
		s.recorder.ObserveTransition(transition, Outcome(err))
	}
}

func (s *Service) confirmationLink(tok string) string {
	link, err := url.Parse(s.confirmURL)
	if err != nil {
		return s.confirmURL + "?token=" + url.QueryEscape(tok)
	}
	query := link.Query()
	query.Set("token", tok)
	link.RawQuery = query.Encode()
	return link.String()
}

// notify renders and queues an email. Failures are logged; they never fail
// the transition that triggered them.
func (s *Service) notify(kind string, build func() (notify.Message, error)) {
	msg, err := build()
	if err != nil {
		s.logger.Error("render email", "template", kind, "error", err)
		return
	}
	if !s.notifier.Dispatch(msg) {
		s.logger.Warn("email not queued", "template", kind, "to", msg.To)
	}
}
