package lifecycle

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"loop-library/internal/media"
	"loop-library/internal/models"
	"loop-library/internal/notify"
	"loop-library/internal/objectstore"
	"loop-library/internal/slug"
	"loop-library/internal/storage"
	"loop-library/internal/validation"
)

type upload struct {
	ext         string
	contentType string
	data        []byte
}

// Contribute validates an upload, records it as an unconfirmed submission,
// emails the confirmation link and stores the audio. Metadata already
// persisted is kept when the upload step fails.
func (s *Service) Contribute(ctx context.Context, form validation.Form, clientIP string) (sub models.Submission, err error) {
	defer func() { s.observe(TransitionContribute, err) }()

	valid, err := validation.ValidateSubmission(form, validation.Capabilities{AllowMIDI: s.transcoder.SupportsMIDI()})
	if err != nil {
		s.Penalize(ctx, clientIP, PenaltyInvalidRequest)
		return models.Submission{}, newError(ErrValidation, "Invalid submission", err)
	}

	if err := s.verifyCaptcha(ctx, valid.CaptchaResponse, clientIP); err != nil {
		return models.Submission{}, err
	}

	uploads, err := s.prepareUploads(ctx, valid)
	if err != nil {
		return models.Submission{}, err
	}

	tok, err := s.tokens.Generate()
	if err != nil {
		return models.Submission{}, newError(ErrStorage, "Error creating confirmation token", err)
	}

	files := valid.Files()
	sub, confirmation, err := s.store.CreateSubmissionWithToken(ctx, storage.CreateSubmissionParams{
		Title:           valid.Title,
		Author:          valid.Author,
		Files:           files,
		Key:             valid.Key,
		Tempo:           valid.Tempo,
		Type:            models.LoopTypeForFiles(files),
		TimeSignature:   valid.TimeSignature.String(),
		Instrument:      valid.Instrument,
		Name:            slug.Make(valid.Title),
		SubmissionEmail: valid.SubmissionEmail,
		SubmissionIP:    clientIP,
		CreatedAt:       s.now().UTC(),
		Token:           tok,
	})
	if err != nil {
		s.logger.Error("create submission", "error", err)
		return models.Submission{}, newError(ErrStorage, "Error saving submission", err)
	}

	logger := s.logger.With("submission_id", sub.ID)
	link := s.confirmationLink(confirmation.Token)
	if !s.production {
		logger.Info("confirmation link issued", "link", link)
	}
	s.notify(notify.TemplateConfirmation, func() (notify.Message, error) {
		return s.templates.Confirmation(sub.SubmissionEmail, link, s.tokenTTL)
	})

	group, groupCtx := errgroup.WithContext(ctx)
	for _, item := range uploads {
		group.Go(func() error {
			return s.objects.Put(groupCtx, s.submissionsBucket, objectstore.Key(sub.ID, item.ext), item.contentType, item.data)
		})
	}
	if err := group.Wait(); err != nil {
		logger.Error("upload submission files", "error", err)
		return models.Submission{}, newError(ErrStorage, "Error uploading file", err)
	}

	logger.Info("submission received", "instrument", sub.Instrument, "files", sub.Files)
	return sub, nil
}

func (s *Service) verifyCaptcha(ctx context.Context, response, clientIP string) error {
	if !s.production {
		s.logger.Debug("captcha verification skipped outside production")
		return nil
	}
	result, err := s.captcha.Verify(ctx, response, clientIP)
	if err != nil {
		s.logger.Error("captcha verification unavailable", "error", err)
		return newError(ErrUnavailable, "Captcha verification unavailable", err)
	}
	if !result.Passes(s.minCaptchaScore) {
		s.Penalize(ctx, clientIP, PenaltyInvalidRequest)
		s.logger.Info("captcha rejected", "codes", result.ErrorCodes)
		return newError(ErrCaptcha, "Captcha verification failed", nil)
	}
	return nil
}

// prepareUploads converts the upload to MP3 and keeps MIDI originals.
func (s *Service) prepareUploads(ctx context.Context, valid validation.Submission) ([]upload, error) {
	mp3, err := s.transcoder.Transcode(ctx, valid.MediaType, valid.Data)
	if err != nil {
		if errors.Is(err, media.ErrUnsupported) {
			fields := validation.Errors{{Field: validation.FieldFile, Message: "Invalid file type"}}
			return nil, newError(ErrValidation, "Invalid submission", fields)
		}
		s.logger.Error("transcode upload", "media_type", valid.MediaType, "error", err)
		return nil, newError(ErrMedia, "Could not process audio file", err)
	}
	uploads := []upload{{ext: models.ExtensionMP3, contentType: models.ContentTypeForExtension(models.ExtensionMP3), data: mp3}}
	if valid.MIDI {
		uploads = append(uploads, upload{ext: models.ExtensionMIDI, contentType: models.ContentTypeForExtension(models.ExtensionMIDI), data: valid.Data})
	}
	return uploads, nil
}

// Confirm consumes a confirmation token. The token is deleted before the
// submission is marked so that only one concurrent caller succeeds.
func (s *Service) Confirm(ctx context.Context, tok string) (err error) {
	defer func() { s.observe(TransitionConfirm, err) }()

	tok = strings.TrimSpace(tok)
	if tok == "" {
		return newError(ErrValidation, "Token is required", nil)
	}
	confirmation, err := s.store.GetConfirmation(ctx, tok)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(ErrNotFound, "Invalid token", nil)
		}
		return newError(ErrStorage, "Error confirming submission", err)
	}

	logger := s.logger.With("submission_id", confirmation.SubmissionID)
	if confirmation.Expired(s.now(), s.tokenTTL) {
		if err := s.store.DeleteConfirmation(ctx, tok); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("delete expired token", "error", err)
		}
		return newError(ErrTokenExpired, "Token expired", nil)
	}

	if err := s.store.DeleteConfirmation(ctx, tok); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(ErrNotFound, "Invalid token", nil)
		}
		return newError(ErrStorage, "Error confirming submission", err)
	}
	if err := s.store.MarkSubmissionConfirmed(ctx, confirmation.SubmissionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(ErrNotFound, "Submission not found", nil)
		}
		logger.Error("mark submission confirmed", "error", err)
		return newError(ErrStorage, "Error confirming submission", err)
	}
	logger.Info("submission confirmed")
	return nil
}

// Approve publishes a confirmed submission as a loop. Overrides replace the
// submitted metadata; Files narrows the published file set. Objects are
// copied before any metadata changes, so a failed copy leaves the
// submission intact for a retry.
func (s *Service) Approve(ctx context.Context, id string, overrides validation.Approval) (loop models.Loop, err error) {
	defer func() { s.observe(TransitionApprove, err) }()

	sub, err := s.loadSubmission(ctx, id)
	if err != nil {
		return models.Loop{}, err
	}
	if !sub.Confirmed {
		return models.Loop{}, newError(ErrNotConfirmed, "Submission has not been confirmed", nil)
	}
	approved, err := validation.ValidateApproval(sub, overrides)
	if err != nil {
		return models.Loop{}, newError(ErrValidation, "Invalid approval", err)
	}

	logger := s.logger.With("submission_id", sub.ID)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, ext := range approved.Files {
		group.Go(func() error {
			return s.objects.Copy(groupCtx, s.submissionsBucket, s.loopsBucket, objectstore.Key(sub.ID, ext))
		})
	}
	if err := group.Wait(); err != nil {
		logger.Error("publish loop files", "error", err)
		s.removeObjects(ctx, s.loopsBucket, sub.ID, approved.Files)
		return models.Loop{}, newError(ErrStorage, "Error publishing files", err)
	}

	loop, err = s.store.CreateLoop(ctx, models.Loop{
		ID:            sub.ID,
		Title:         approved.Title,
		Author:        sub.Author,
		Files:         approved.Files,
		Key:           approved.Key,
		Tempo:         approved.Tempo,
		Type:          models.LoopTypeForFiles(approved.Files),
		TimeSignature: approved.TimeSignature,
		Name:          slug.Make(approved.Title),
		Instrument:    approved.Instrument,
		Added:         s.now().UTC(),
	})
	if err != nil {
		logger.Error("create loop", "error", err)
		if !errors.Is(err, storage.ErrConflict) {
			s.removeObjects(ctx, s.loopsBucket, sub.ID, approved.Files)
		}
		return models.Loop{}, newError(ErrStorage, "Error publishing loop", err)
	}

	if err := s.store.DeleteSubmission(ctx, sub.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("delete approved submission", "error", err)
	}
	s.removeObjects(ctx, s.submissionsBucket, sub.ID, sub.Files)

	s.notify(notify.TemplateAccepted, func() (notify.Message, error) {
		return s.templates.Accepted(sub.SubmissionEmail)
	})
	logger.Info("submission approved", "files", loop.Files)
	return loop, nil
}

// Deny removes a submission and its stored files, then tells the submitter
// why. Objects go first so a storage failure leaves the metadata in place
// for a retry.
func (s *Service) Deny(ctx context.Context, id, reason string) (err error) {
	defer func() { s.observe(TransitionDeny, err) }()

	sub, err := s.loadSubmission(ctx, id)
	if err != nil {
		return err
	}
	logger := s.logger.With("submission_id", sub.ID)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ext := range sub.Files {
		group.Go(func() error {
			return s.objects.Delete(groupCtx, s.submissionsBucket, objectstore.Key(sub.ID, ext))
		})
	}
	if err := group.Wait(); err != nil {
		logger.Error("delete submission files", "error", err)
		return newError(ErrStorage, "Error deleting files", err)
	}

	if err := s.store.DeleteSubmission(ctx, sub.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(ErrNotFound, "Submission not found", nil)
		}
		logger.Error("delete submission", "error", err)
		return newError(ErrStorage, "Error deleting submission", err)
	}

	reason = strings.TrimSpace(reason)
	// Mailed only after both deletes succeed.
	s.notify(notify.TemplateRejected, func() (notify.Message, error) {
		return s.templates.Rejected(sub.SubmissionEmail, reason)
	})
	logger.Info("submission denied", "reason", reason)
	return nil
}

// TakeDown unpublishes a loop and removes its files.
func (s *Service) TakeDown(ctx context.Context, id string) (err error) {
	defer func() { s.observe(TransitionTakeDown, err) }()

	loop, err := s.loadLoop(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteLoop(ctx, loop.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(ErrNotFound, "Loop not found", nil)
		}
		return newError(ErrStorage, "Error removing loop", err)
	}
	s.removeObjects(ctx, s.loopsBucket, loop.ID, loop.Files)
	s.logger.Info("loop taken down", "loop_id", loop.ID)
	return nil
}

func (s *Service) loadSubmission(ctx context.Context, id string) (models.Submission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Submission{}, newError(ErrValidation, "Submission id is required", nil)
	}
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Submission{}, newError(ErrNotFound, "Submission not found", nil)
		}
		return models.Submission{}, newError(ErrStorage, "Error loading submission", err)
	}
	return sub, nil
}

func (s *Service) loadLoop(ctx context.Context, id string) (models.Loop, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Loop{}, newError(ErrNotFound, "Loop not found", nil)
	}
	loop, err := s.store.GetLoop(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Loop{}, newError(ErrNotFound, "Loop not found", nil)
		}
		return models.Loop{}, newError(ErrStorage, "Error loading loop", err)
	}
	return loop, nil
}

// removeObjects deletes best-effort and only logs failures.
func (s *Service) removeObjects(ctx context.Context, bucket, id string, files []string) {
	for _, ext := range files {
		key := objectstore.Key(id, ext)
		if err := s.objects.Delete(ctx, bucket, key); err != nil {
			s.logger.Warn("remove object", "bucket", bucket, "key", key, "error", err)
		}
	}
}
