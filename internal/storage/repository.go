package storage

import (
	"context"
	"errors"
	"time"

	"loop-library/internal/models"
)

var (
	// ErrNotFound is returned when a submission, confirmation token, or loop
	// does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert collides with an existing record.
	ErrConflict = errors.New("storage: conflict")
)

// CreateSubmissionParams carries the metadata persisted for a new submission.
// The repository assigns the ID and stores the confirmation token in the same
// unit of work.
type CreateSubmissionParams struct {
	Title           string
	Author          string
	Files           []string
	Key             string
	Tempo           int
	Type            string
	TimeSignature   string
	Instrument      models.Instrument
	Name            string
	SubmissionEmail string
	SubmissionIP    string
	CreatedAt       time.Time
	Token           string
}

// SubmissionFilter narrows ListSubmissions.
type SubmissionFilter struct {
	ConfirmedOnly bool
}

// LoopQuery selects one page of the loop catalogue.
type LoopQuery struct {
	Instrument models.Instrument
	Page       int
	Limit      int
}

// LoopPage is one page of loops plus the total matching the filter.
type LoopPage struct {
	Loops []models.Loop
	Total int
}

// Repository exposes the datastore operations required by the submission
// lifecycle and the read-only catalogue handlers.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateSubmissionWithToken(ctx context.Context, params CreateSubmissionParams) (models.Submission, models.ConfirmationID, error)
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
	MarkSubmissionConfirmed(ctx context.Context, id string) error
	DeleteSubmission(ctx context.Context, id string) error

	GetConfirmation(ctx context.Context, token string) (models.ConfirmationID, error)
	DeleteConfirmation(ctx context.Context, token string) error

	CreateLoop(ctx context.Context, loop models.Loop) (models.Loop, error)
	GetLoop(ctx context.Context, id string) (models.Loop, error)
	ListLoops(ctx context.Context, query LoopQuery) (LoopPage, error)
	// Instruments returns the distinct instruments of published loops, sorted.
	Instruments(ctx context.Context) ([]models.Instrument, error)
	DeleteLoop(ctx context.Context, id string) error
}
