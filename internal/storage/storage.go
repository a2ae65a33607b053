package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"loop-library/internal/models"
)

type dataset struct {
	Submissions   map[string]models.Submission
	Confirmations map[string]models.ConfirmationID
	Loops         map[string]models.Loop
}

func newDataset() dataset {
	return dataset{
		Submissions:   make(map[string]models.Submission),
		Confirmations: make(map[string]models.ConfirmationID),
		Loops:         make(map[string]models.Loop),
	}
}

// Storage is the in-memory repository used by tests and by deployments that
// run without a DATABASE_URL.
type Storage struct {
	mu    sync.RWMutex
	data  dataset
	newID func() string
	// failOn lets tests make a named operation fail.
	failOn map[string]error
}

// NewStorage returns an empty in-memory repository.
func NewStorage(opts ...Option) *Storage {
	store := &Storage{data: newDataset(), newID: generateID}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(store)
		}
	}
	return store
}

// FailOn makes every subsequent call to op return err until cleared with a
// nil err. Op names match the Repository method names.
func (s *Storage) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == nil {
		s.failOn = make(map[string]error)
	}
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

func (s *Storage) injected(op string) error {
	if s.failOn == nil {
		return nil
	}
	return s.failOn[op]
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) CreateSubmissionWithToken(ctx context.Context, params CreateSubmissionParams) (models.Submission, models.ConfirmationID, error) {
	if err := ctx.Err(); err != nil {
		return models.Submission{}, models.ConfirmationID{}, err
	}
	token := strings.TrimSpace(params.Token)
	if token == "" {
		return models.Submission{}, models.ConfirmationID{}, fmt.Errorf("confirmation token required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateSubmissionWithToken"); err != nil {
		return models.Submission{}, models.ConfirmationID{}, err
	}
	if _, exists := s.data.Confirmations[token]; exists {
		return models.Submission{}, models.ConfirmationID{}, fmt.Errorf("confirmation token: %w", ErrConflict)
	}
	id := s.newID()
	if _, exists := s.data.Submissions[id]; exists {
		return models.Submission{}, models.ConfirmationID{}, fmt.Errorf("submission %s: %w", id, ErrConflict)
	}

	submission := models.Submission{
		ID:              id,
		Title:           params.Title,
		Author:          params.Author,
		Files:           slices.Clone(params.Files),
		Key:             params.Key,
		Tempo:           params.Tempo,
		Type:            params.Type,
		TimeSignature:   params.TimeSignature,
		Instrument:      params.Instrument,
		Name:            params.Name,
		SubmissionEmail: params.SubmissionEmail,
		SubmissionIP:    params.SubmissionIP,
		CreatedAt:       params.CreatedAt.UTC(),
	}
	confirmation := models.ConfirmationID{
		Token:           token,
		SubmissionID:    id,
		SubmissionEmail: params.SubmissionEmail,
		CreatedAt:       params.CreatedAt.UTC(),
	}
	s.data.Submissions[id] = submission
	s.data.Confirmations[token] = confirmation
	return submission.Clone(), confirmation, nil
}

func (s *Storage) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	if err := ctx.Err(); err != nil {
		return models.Submission{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("GetSubmission"); err != nil {
		return models.Submission{}, err
	}
	submission, ok := s.data.Submissions[strings.TrimSpace(id)]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return submission.Clone(), nil
}

func (s *Storage) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("ListSubmissions"); err != nil {
		return nil, err
	}
	submissions := make([]models.Submission, 0, len(s.data.Submissions))
	for _, submission := range s.data.Submissions {
		if filter.ConfirmedOnly && !submission.Confirmed {
			continue
		}
		submissions = append(submissions, submission.Clone())
	}
	sort.Slice(submissions, func(i, j int) bool {
		if submissions[i].CreatedAt.Equal(submissions[j].CreatedAt) {
			return submissions[i].ID < submissions[j].ID
		}
		return submissions[i].CreatedAt.After(submissions[j].CreatedAt)
	})
	return submissions, nil
}

func (s *Storage) MarkSubmissionConfirmed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MarkSubmissionConfirmed"); err != nil {
		return err
	}
	submission, ok := s.data.Submissions[strings.TrimSpace(id)]
	if !ok {
		return ErrNotFound
	}
	submission.Confirmed = true
	s.data.Submissions[submission.ID] = submission
	return nil
}

// DeleteSubmission removes the submission and any confirmation token that
// still references it.
func (s *Storage) DeleteSubmission(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteSubmission"); err != nil {
		return err
	}
	if _, ok := s.data.Submissions[id]; !ok {
		return ErrNotFound
	}
	delete(s.data.Submissions, id)
	for token, confirmation := range s.data.Confirmations {
		if confirmation.SubmissionID == id {
			delete(s.data.Confirmations, token)
		}
	}
	return nil
}

func (s *Storage) GetConfirmation(ctx context.Context, token string) (models.ConfirmationID, error) {
	if err := ctx.Err(); err != nil {
		return models.ConfirmationID{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("GetConfirmation"); err != nil {
		return models.ConfirmationID{}, err
	}
	confirmation, ok := s.data.Confirmations[token]
	if !ok {
		return models.ConfirmationID{}, ErrNotFound
	}
	return confirmation, nil
}

// DeleteConfirmation removes token. Exactly one concurrent caller observes a
// nil error; the rest see ErrNotFound.
func (s *Storage) DeleteConfirmation(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteConfirmation"); err != nil {
		return err
	}
	if _, ok := s.data.Confirmations[token]; !ok {
		return ErrNotFound
	}
	delete(s.data.Confirmations, token)
	return nil
}

func (s *Storage) CreateLoop(ctx context.Context, loop models.Loop) (models.Loop, error) {
	if err := ctx.Err(); err != nil {
		return models.Loop{}, err
	}
	if strings.TrimSpace(loop.ID) == "" {
		return models.Loop{}, fmt.Errorf("loop id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateLoop"); err != nil {
		return models.Loop{}, err
	}
	if _, exists := s.data.Loops[loop.ID]; exists {
		return models.Loop{}, fmt.Errorf("loop %s: %w", loop.ID, ErrConflict)
	}
	stored := loop.Clone()
	stored.Added = stored.Added.UTC()
	s.data.Loops[loop.ID] = stored
	return stored.Clone(), nil
}

func (s *Storage) GetLoop(ctx context.Context, id string) (models.Loop, error) {
	if err := ctx.Err(); err != nil {
		return models.Loop{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("GetLoop"); err != nil {
		return models.Loop{}, err
	}
	loop, ok := s.data.Loops[strings.TrimSpace(id)]
	if !ok {
		return models.Loop{}, ErrNotFound
	}
	return loop.Clone(), nil
}

// ListLoops orders by title, breaking ties on ID so pages are stable.
func (s *Storage) ListLoops(ctx context.Context, query LoopQuery) (LoopPage, error) {
	if err := ctx.Err(); err != nil {
		return LoopPage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("ListLoops"); err != nil {
		return LoopPage{}, err
	}
	matching := make([]models.Loop, 0, len(s.data.Loops))
	for _, loop := range s.data.Loops {
		if query.Instrument != "" && loop.Instrument != query.Instrument {
			continue
		}
		matching = append(matching, loop)
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].Title == matching[j].Title {
			return matching[i].ID < matching[j].ID
		}
		return matching[i].Title < matching[j].Title
	})

	page := LoopPage{Total: len(matching), Loops: []models.Loop{}}
	if query.Limit <= 0 {
		return page, nil
	}
	start := query.Page * query.Limit
	if start >= len(matching) || start < 0 {
		return page, nil
	}
	end := min(start+query.Limit, len(matching))
	for _, loop := range matching[start:end] {
		page.Loops = append(page.Loops, loop.Clone())
	}
	return page, nil
}

func (s *Storage) Instruments(ctx context.Context) ([]models.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("Instruments"); err != nil {
		return nil, err
	}
	seen := make(map[models.Instrument]struct{})
	instruments := []models.Instrument{}
	for _, loop := range s.data.Loops {
		if _, ok := seen[loop.Instrument]; ok {
			continue
		}
		seen[loop.Instrument] = struct{}{}
		instruments = append(instruments, loop.Instrument)
	}
	slices.Sort(instruments)
	return instruments, nil
}

func (s *Storage) DeleteLoop(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteLoop"); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if _, ok := s.data.Loops[id]; !ok {
		return ErrNotFound
	}
	delete(s.data.Loops, id)
	return nil
}

var _ Repository = (*Storage)(nil)
