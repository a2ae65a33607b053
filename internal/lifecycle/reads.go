package lifecycle

import (
	"context"
	"errors"
	"math"
	"strings"

	"loop-library/internal/models"
	"loop-library/internal/objectstore"
	"loop-library/internal/storage"
	"loop-library/internal/validation"
)

// LoopQuery is the caller's view of a catalogue page request. A zero Limit
// selects MaxPageSize.
type LoopQuery struct {
	Instrument string
	Page       int
	Limit      int
}

// LoopListing is one page of the catalogue.
type LoopListing struct {
	Loops []models.Loop
	Total int
	Page  int
	Limit int
}

// LoopFile is an open published file. The caller closes Body.
type LoopFile struct {
	objectstore.Object
	Loop      models.Loop
	Extension string
}

// ListLoops returns one page of published loops, optionally filtered by
// instrument.
func (s *Service) ListLoops(ctx context.Context, query LoopQuery) (LoopListing, error) {
	var fields validation.Errors
	var instrument models.Instrument
	if raw := strings.TrimSpace(query.Instrument); raw != "" {
		parsed, ok := models.ParseInstrument(raw)
		if !ok {
			fields = append(fields, validation.FieldError{Field: validation.FieldInstrument, Message: "Unknown instrument"})
		}
		instrument = parsed
	}
	limit := query.Limit
	switch {
	case limit == 0:
		limit = MaxPageSize
	case limit < 0 || limit > MaxPageSize:
		fields = append(fields, validation.FieldError{Field: "limit", Message: "Limit must be between 1 and 128"})
	}
	switch {
	case query.Page < 0:
		fields = append(fields, validation.FieldError{Field: "page", Message: "Page must not be negative"})
	case limit > 0 && limit <= MaxPageSize && query.Page > math.MaxInt32/limit:
		// page*limit is the store's OFFSET and must stay within int32.
		fields = append(fields, validation.FieldError{Field: "page", Message: "Page is out of range"})
	}
	if len(fields) > 0 {
		return LoopListing{}, newError(ErrValidation, "Invalid query", fields)
	}

	page, err := s.store.ListLoops(ctx, storage.LoopQuery{Instrument: instrument, Page: query.Page, Limit: limit})
	if err != nil {
		s.logger.Error("list loops", "error", err)
		return LoopListing{}, newError(ErrStorage, "Error loading loops", err)
	}
	return LoopListing{Loops: page.Loops, Total: page.Total, Page: query.Page, Limit: limit}, nil
}

// ListInstruments returns the instruments that have at least one published
// loop.
func (s *Service) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	instruments, err := s.store.Instruments(ctx)
	if err != nil {
		s.logger.Error("list instruments", "error", err)
		return nil, newError(ErrStorage, "Error loading instruments", err)
	}
	return instruments, nil
}

// ListSubmissions returns confirmed submissions awaiting moderation.
func (s *Service) ListSubmissions(ctx context.Context) ([]models.Submission, error) {
	submissions, err := s.store.ListSubmissions(ctx, storage.SubmissionFilter{ConfirmedOnly: true})
	if err != nil {
		s.logger.Error("list submissions", "error", err)
		return nil, newError(ErrStorage, "Error loading submissions", err)
	}
	return submissions, nil
}

// OpenLoopFile resolves "<id>.<ext>" to a published file.
func (s *Service) OpenLoopFile(ctx context.Context, filename string) (LoopFile, error) {
	id, ext, ok := objectstore.SplitKey(filename)
	if !ok || !models.ValidExtension(ext) {
		return LoopFile{}, newError(ErrNotFound, "File not found", nil)
	}
	loop, err := s.loadLoop(ctx, id)
	if err != nil {
		return LoopFile{}, err
	}
	if !containsExt(loop.Files, ext) {
		return LoopFile{}, newError(ErrNotFound, "File not found", nil)
	}
	object, err := s.objects.Get(ctx, s.loopsBucket, objectstore.Key(loop.ID, ext))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return LoopFile{}, newError(ErrNotFound, "File not found", nil)
		}
		s.logger.Error("open loop file", "loop_id", loop.ID, "error", err)
		return LoopFile{}, newError(ErrStorage, "Error loading file", err)
	}
	if object.ContentType == "" {
		object.ContentType = models.ContentTypeForExtension(ext)
	}
	return LoopFile{Object: object, Loop: loop, Extension: ext}, nil
}

// Ping reports whether the metadata store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func containsExt(files []string, ext string) bool {
	for _, f := range files {
		if f == ext {
			return true
		}
	}
	return false
}
