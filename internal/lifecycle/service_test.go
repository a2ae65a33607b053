package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loop-library/internal/captcha"
	"loop-library/internal/media"
	"loop-library/internal/models"
	"loop-library/internal/notify"
	"loop-library/internal/objectstore"
	"loop-library/internal/storage"
	"loop-library/internal/testsupport"
	"loop-library/internal/token"
	"loop-library/internal/validation"
)

const (
	testClientIP   = "203.0.113.7"
	testConfirmURL = "http://localhost:8080/confirm"
)

type harness struct {
	svc         *Service
	store       *storage.Storage
	objects     *objectstore.Memory
	mailer      *notify.RecordingMailer
	clock       *testsupport.Clock
	penalties   *testsupport.Penalties
	transitions *testsupport.Transitions
	verifier    *captcha.StaticVerifier
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	var ids, tokens atomic.Int64
	h := &harness{
		store: storage.NewStorage(storage.WithIDGenerator(func() string {
			return fmt.Sprintf("sub-%d", ids.Add(1))
		})),
		objects:     objectstore.NewMemory(),
		mailer:      &notify.RecordingMailer{},
		clock:       testsupport.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		penalties:   &testsupport.Penalties{},
		transitions: &testsupport.Transitions{},
		verifier:    &captcha.StaticVerifier{Result: captcha.Result{Success: true}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Store:      h.store,
		Objects:    h.objects,
		Captcha:    h.verifier,
		Notifier:   notify.Inline{Mailer: h.mailer, Logger: logger},
		Transcoder: media.Passthrough{},
		Tokens: token.GeneratorFunc(func() (string, error) {
			return fmt.Sprintf("tok-%d", tokens.Add(1)), nil
		}),
		Penalizer:  h.penalties,
		Recorder:   h.transitions,
		Logger:     logger,
		Clock:      h.clock.Now,
		ConfirmURL: testConfirmURL,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	return h
}

func validForm() validation.Form {
	return validation.Form{
		Title:           "Funky Bass Groove",
		Author:          "Ann",
		Key:             "C minor",
		Tempo:           "120",
		TimeSig1:        "4",
		TimeSig2:        "4",
		SubmissionEmail: "ann@example.com",
		Instrument:      "bass",
		CaptchaResponse: "captcha-ok",
		File:            &validation.Upload{Filename: "groove.mp3", MediaType: "audio/mpeg", Data: []byte("ID3-groove")},
	}
}

// midiTranscoder renders MIDI to a fixed MP3 payload.
type midiTranscoder struct{}

func (midiTranscoder) Transcode(_ context.Context, mediaType string, data []byte) ([]byte, error) {
	if media.IsMIDI(mediaType) {
		return []byte("rendered-mp3"), nil
	}
	return bytes.Clone(data), nil
}

func (midiTranscoder) SupportsMIDI() bool { return true }

type failingTranscoder struct{ err error }

func (f failingTranscoder) Transcode(context.Context, string, []byte) ([]byte, error) {
	return nil, f.err
}

func (failingTranscoder) SupportsMIDI() bool { return false }

func (h *harness) contribute(t *testing.T) models.Submission {
	t.Helper()
	sub, err := h.svc.Contribute(context.Background(), validForm(), testClientIP)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	return sub
}

func (h *harness) confirmed(t *testing.T) models.Submission {
	t.Helper()
	sub := h.contribute(t)
	conf := h.tokenFor(t, sub.ID)
	if err := h.svc.Confirm(context.Background(), conf); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return sub
}

// tokenFor relies on the harness issuing ids and tokens in lockstep.
func (h *harness) tokenFor(t *testing.T, submissionID string) string {
	t.Helper()
	return "tok-" + strings.TrimPrefix(submissionID, "sub-")
}

func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	store := storage.NewStorage()
	objects := objectstore.NewMemory()
	notifier := notify.Inline{Mailer: &notify.RecordingMailer{}}

	cases := map[string]Config{
		"store":      {Objects: objects, Notifier: notifier, ConfirmURL: testConfirmURL},
		"objects":    {Store: store, Notifier: notifier, ConfirmURL: testConfirmURL},
		"notifier":   {Store: store, Objects: objects, ConfirmURL: testConfirmURL},
		"captcha":    {Store: store, Objects: objects, Notifier: notifier, ConfirmURL: testConfirmURL, Production: true},
		"confirmURL": {Store: store, Objects: objects, Notifier: notifier},
	}
	for name, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	svc, err := New(Config{Store: store, Objects: objects, Notifier: notifier, ConfirmURL: testConfirmURL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.tokenTTL != DefaultTokenTTL || svc.minCaptchaScore != DefaultMinCaptchaScore {
		t.Fatalf("defaults not applied: ttl=%v score=%v", svc.tokenTTL, svc.minCaptchaScore)
	}
	if svc.SupportsMIDI() {
		t.Fatal("passthrough transcoder should not accept MIDI")
	}
}

func TestContributeStoresSubmissionAndSendsConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.contribute(t)

	if sub.Confirmed {
		t.Fatal("new submission must start unconfirmed")
	}
	if sub.Name != "funky-bass-groove" || sub.TimeSignature != "4/4" || sub.Type != models.LoopTypeAudio {
		t.Fatalf("unexpected derived fields: %+v", sub)
	}
	if sub.SubmissionIP != testClientIP || !sub.CreatedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected provenance: ip=%q date=%v", sub.SubmissionIP, sub.CreatedAt)
	}
	if got := h.objects.Bytes(objectstore.DefaultSubmissionsBucket, sub.ID+".mp3"); string(got) != "ID3-groove" {
		t.Fatalf("stored object = %q", got)
	}

	conf, err := h.store.GetConfirmation(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("GetConfirmation: %v", err)
	}
	if conf.SubmissionID != sub.ID || conf.SubmissionEmail != "ann@example.com" {
		t.Fatalf("unexpected confirmation: %+v", conf)
	}

	msgs := h.mailer.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one email, got %d", len(msgs))
	}
	if msgs[0].To != "ann@example.com" || msgs[0].Template != notify.TemplateConfirmation {
		t.Fatalf("unexpected email: %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Text, testConfirmURL+"?token=tok-1") {
		t.Fatalf("email missing confirmation link: %s", msgs[0].Text)
	}
	if got := h.transitions.Outcomes(TransitionContribute); len(got) != 1 || got[0] != "success" {
		t.Fatalf("transition outcomes = %v", got)
	}
}

func TestContributeRejectsInvalidForm(t *testing.T) {
	h := newHarness(t, nil)
	form := validForm()
	form.Title = ""
	form.Instrument = "banjo"
	form.Unknown = []string{"extra"}

	_, err := h.svc.Contribute(context.Background(), form, testClientIP)
	assertKind(t, err, ErrValidation)

	fields := FieldErrors(err)
	for _, field := range []string{validation.FieldTitle, validation.FieldInstrument, "extra"} {
		if !fields.Has(field) {
			t.Fatalf("expected error for %s, got %v", field, fields)
		}
	}
	if got := h.penalties.Total(testClientIP); got != PenaltyInvalidRequest {
		t.Fatalf("penalty = %d, want %d", got, PenaltyInvalidRequest)
	}
	all, _ := h.store.ListSubmissions(context.Background(), storage.SubmissionFilter{})
	if len(all) != 0 || len(h.objects.Keys(objectstore.DefaultSubmissionsBucket)) != 0 {
		t.Fatal("invalid submission must not be persisted")
	}
	if len(h.mailer.Messages()) != 0 {
		t.Fatal("invalid submission must not send email")
	}
	if got := h.transitions.Outcomes(TransitionContribute); len(got) != 1 || got[0] != "invalid" {
		t.Fatalf("transition outcomes = %v", got)
	}
}

func TestContributeCaptchaInProduction(t *testing.T) {
	cases := []struct {
		name    string
		result  captcha.Result
		err     error
		kind    error
		penalty int
	}{
		{name: "pass", result: captcha.Result{Success: true}},
		{name: "pass with score", result: captcha.Result{Success: true, Score: captcha.Score(0.9)}},
		{name: "fail", result: captcha.Result{Success: false}, kind: ErrCaptcha, penalty: PenaltyInvalidRequest},
		{name: "low score", result: captcha.Result{Success: true, Score: captcha.Score(0.2)}, kind: ErrCaptcha, penalty: PenaltyInvalidRequest},
		{name: "unavailable", err: errors.New("dial tcp: timeout"), kind: ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *Config) { cfg.Production = true })
			h.verifier.Result = tc.result
			h.verifier.Err = tc.err

			_, err := h.svc.Contribute(context.Background(), validForm(), testClientIP)
			if tc.kind == nil {
				if err != nil {
					t.Fatalf("Contribute: %v", err)
				}
			} else {
				assertKind(t, err, tc.kind)
				all, _ := h.store.ListSubmissions(context.Background(), storage.SubmissionFilter{})
				if len(all) != 0 {
					t.Fatal("rejected captcha must not persist a submission")
				}
			}
			if got := h.penalties.Total(testClientIP); got != tc.penalty {
				t.Fatalf("penalty = %d, want %d", got, tc.penalty)
			}
			if calls := h.verifier.Calls(); len(calls) != 1 || calls[0] != "captcha-ok" {
				t.Fatalf("verifier calls = %v", calls)
			}
		})
	}
}

func TestContributeSkipsCaptchaOutsideProduction(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.Result = captcha.Result{Success: false}
	h.contribute(t)
	if calls := h.verifier.Calls(); len(calls) != 0 {
		t.Fatalf("verifier should not be called, got %v", calls)
	}
}

func TestContributeMIDI(t *testing.T) {
	midiForm := validForm()
	midiForm.File = &validation.Upload{Filename: "groove.mid", MediaType: "audio/midi", Data: []byte("MThd-groove")}

	t.Run("unsupported", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.svc.Contribute(context.Background(), midiForm, testClientIP)
		assertKind(t, err, ErrValidation)
		if !FieldErrors(err).Has(validation.FieldFile) {
			t.Fatalf("expected file error, got %v", err)
		}
	})

	t.Run("supported", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) { cfg.Transcoder = midiTranscoder{} })
		sub, err := h.svc.Contribute(context.Background(), midiForm, testClientIP)
		if err != nil {
			t.Fatalf("Contribute: %v", err)
		}
		if sub.Type != models.LoopTypeMIDI || len(sub.Files) != 2 {
			t.Fatalf("unexpected submission: %+v", sub)
		}
		if got := h.objects.Bytes(objectstore.DefaultSubmissionsBucket, sub.ID+".mp3"); string(got) != "rendered-mp3" {
			t.Fatalf("mp3 object = %q", got)
		}
		if got := h.objects.Bytes(objectstore.DefaultSubmissionsBucket, sub.ID+".mid"); string(got) != "MThd-groove" {
			t.Fatalf("mid object = %q", got)
		}
	})
}

func TestContributeTranscodeFailure(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Transcoder = failingTranscoder{err: errors.New("ffmpeg exited 1")} })
	_, err := h.svc.Contribute(context.Background(), validForm(), testClientIP)
	assertKind(t, err, ErrMedia)
	all, _ := h.store.ListSubmissions(context.Background(), storage.SubmissionFilter{})
	if len(all) != 0 {
		t.Fatal("failed transcode must not persist a submission")
	}
}

func TestContributeUploadFailureKeepsMetadata(t *testing.T) {
	h := newHarness(t, nil)
	h.objects.SetFault("put", objectstore.DefaultSubmissionsBucket, "sub-1.mp3", errors.New("bucket offline"))

	_, err := h.svc.Contribute(context.Background(), validForm(), testClientIP)
	assertKind(t, err, ErrStorage)
	if Message(err, "") != "Error uploading file" {
		t.Fatalf("message = %q", Message(err, ""))
	}
	if _, err := h.store.GetSubmission(context.Background(), "sub-1"); err != nil {
		t.Fatalf("metadata should remain after upload failure: %v", err)
	}
	if len(h.mailer.Messages()) != 1 {
		t.Fatal("confirmation email precedes the upload")
	}
}

func TestContributeSurvivesEmailFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.mailer.FailWith(errors.New("smtp down"))
	h.contribute(t)
}

func TestContributeStorageFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.store.FailOn("CreateSubmissionWithToken", errors.New("connection reset"))
	_, err := h.svc.Contribute(context.Background(), validForm(), testClientIP)
	assertKind(t, err, ErrStorage)
	if len(h.mailer.Messages()) != 0 || len(h.objects.Keys(objectstore.DefaultSubmissionsBucket)) != 0 {
		t.Fatal("nothing should follow a failed metadata write")
	}
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sub := h.contribute(t)

	if err := h.svc.Confirm(ctx, "tok-1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	stored, err := h.store.GetSubmission(ctx, sub.ID)
	if err != nil || !stored.Confirmed {
		t.Fatalf("submission not confirmed: %+v, %v", stored, err)
	}
	if _, err := h.store.GetConfirmation(ctx, "tok-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("token should be consumed, got %v", err)
	}

	assertKind(t, h.svc.Confirm(ctx, "tok-1"), ErrNotFound)
	assertKind(t, h.svc.Confirm(ctx, "  "), ErrValidation)
	assertKind(t, h.svc.Confirm(ctx, "never-issued"), ErrNotFound)
}

func TestConfirmExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("boundary is inclusive", func(t *testing.T) {
		h := newHarness(t, nil)
		h.contribute(t)
		h.clock.Advance(DefaultTokenTTL)
		if err := h.svc.Confirm(ctx, "tok-1"); err != nil {
			t.Fatalf("token at exactly the TTL should be valid: %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		h := newHarness(t, nil)
		sub := h.contribute(t)
		h.clock.Advance(DefaultTokenTTL + time.Second)

		assertKind(t, h.svc.Confirm(ctx, "tok-1"), ErrTokenExpired)
		if _, err := h.store.GetConfirmation(ctx, "tok-1"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expired token should be removed, got %v", err)
		}
		stored, _ := h.store.GetSubmission(ctx, sub.ID)
		if stored.Confirmed {
			t.Fatal("expired token must not confirm")
		}
		assertKind(t, h.svc.Confirm(ctx, "tok-1"), ErrNotFound)
	})
}

func TestConfirmConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.contribute(t)

	const callers = 16
	var wg sync.WaitGroup
	var wins atomic.Int32
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := h.svc.Confirm(context.Background(), "tok-1")
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, ErrNotFound):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestConfirmAfterDeny(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sub := h.contribute(t)
	if err := h.svc.Deny(ctx, sub.ID, "duplicate"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	assertKind(t, h.svc.Confirm(ctx, "tok-1"), ErrNotFound)
}
