package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"loop-library/internal/models"
)

// ErrPostgresUnavailable is returned when the pool has not been opened.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

const uniqueViolation = "23505"

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure database migrations have been applied prior to invoking this
// constructor.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) acquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < r.cfg.AcquireTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func (r *postgresRepository) CreateSubmissionWithToken(ctx context.Context, params CreateSubmissionParams) (models.Submission, models.ConfirmationID, error) {
	if r == nil || r.pool == nil {
		return models.Submission{}, models.ConfirmationID{}, ErrPostgresUnavailable
	}
	token := strings.TrimSpace(params.Token)
	if token == "" {
		return models.Submission{}, models.ConfirmationID{}, fmt.Errorf("confirmation token required")
	}
	files := append([]string(nil), params.Files...)
	if files == nil {
		files = []string{}
	}
	createdAt := params.CreatedAt.UTC()
	submission := models.Submission{
		ID:              r.cfg.NewID(),
		Title:           params.Title,
		Author:          params.Author,
		Files:           files,
		Key:             params.Key,
		Tempo:           params.Tempo,
		Type:            params.Type,
		TimeSignature:   params.TimeSignature,
		Instrument:      params.Instrument,
		Name:            params.Name,
		SubmissionEmail: params.SubmissionEmail,
		SubmissionIP:    params.SubmissionIP,
		CreatedAt:       createdAt,
	}
	confirmation := models.ConfirmationID{
		Token:           token,
		SubmissionID:    submission.ID,
		SubmissionEmail: params.SubmissionEmail,
		CreatedAt:       createdAt,
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO submissions (id, title, author, files, key, tempo, type, timesig, instrument, name, submission_email, submission_ip, created_at, confirmed)
			 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, false)`,
			submission.ID, submission.Title, submission.Author, submission.Files, submission.Key, submission.Tempo,
			submission.Type, submission.TimeSignature, string(submission.Instrument), submission.Name,
			submission.SubmissionEmail, submission.SubmissionIP, submission.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert submission: %w", translateError(err))
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO confirmation_ids (token, submission_id, submission_email, created_at) VALUES ($1, $2::uuid, $3, $4)`,
			confirmation.Token, confirmation.SubmissionID, confirmation.SubmissionEmail, confirmation.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert confirmation token: %w", translateError(err))
		}
		return nil
	})
	if err != nil {
		return models.Submission{}, models.ConfirmationID{}, err
	}
	return submission, confirmation, nil
}

const submissionColumns = `id::text, title, author, files, key, tempo, type, timesig, instrument, name, submission_email, submission_ip, created_at, confirmed`

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var (
		submission models.Submission
		instrument string
	)
	err := row.Scan(&submission.ID, &submission.Title, &submission.Author, &submission.Files, &submission.Key,
		&submission.Tempo, &submission.Type, &submission.TimeSignature, &instrument, &submission.Name,
		&submission.SubmissionEmail, &submission.SubmissionIP, &submission.CreatedAt, &submission.Confirmed)
	if err != nil {
		return models.Submission{}, err
	}
	submission.Instrument = models.Instrument(instrument)
	submission.CreatedAt = submission.CreatedAt.UTC()
	return submission, nil
}

func (r *postgresRepository) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	if r == nil || r.pool == nil {
		return models.Submission{}, ErrPostgresUnavailable
	}
	normalized, ok := normalizeID(id)
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1::uuid`, normalized)
	submission, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, ErrNotFound
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("get submission %s: %w", normalized, err)
	}
	return submission, nil
}

func (r *postgresRepository) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	if r == nil || r.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE ($1 = false OR confirmed) ORDER BY created_at DESC, id`,
		filter.ConfirmedOnly)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	submissions := []models.Submission{}
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return submissions, nil
}

func (r *postgresRepository) MarkSubmissionConfirmed(ctx context.Context, id string) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	normalized, ok := normalizeID(id)
	if !ok {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `UPDATE submissions SET confirmed = true WHERE id = $1::uuid`, normalized)
	if err != nil {
		return fmt.Errorf("confirm submission %s: %w", normalized, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) DeleteSubmission(ctx context.Context, id string) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	normalized, ok := normalizeID(id)
	if !ok {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM submissions WHERE id = $1::uuid`, normalized)
	if err != nil {
		return fmt.Errorf("delete submission %s: %w", normalized, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) GetConfirmation(ctx context.Context, token string) (models.ConfirmationID, error) {
	if r == nil || r.pool == nil {
		return models.ConfirmationID{}, ErrPostgresUnavailable
	}
	var confirmation models.ConfirmationID
	err := r.pool.QueryRow(ctx,
		`SELECT token, submission_id::text, submission_email, created_at FROM confirmation_ids WHERE token = $1`, token).
		Scan(&confirmation.Token, &confirmation.SubmissionID, &confirmation.SubmissionEmail, &confirmation.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ConfirmationID{}, ErrNotFound
	}
	if err != nil {
		return models.ConfirmationID{}, fmt.Errorf("get confirmation token: %w", err)
	}
	confirmation.CreatedAt = confirmation.CreatedAt.UTC()
	return confirmation, nil
}

func (r *postgresRepository) DeleteConfirmation(ctx context.Context, token string) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM confirmation_ids WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete confirmation token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) CreateLoop(ctx context.Context, loop models.Loop) (models.Loop, error) {
	if r == nil || r.pool == nil {
		return models.Loop{}, ErrPostgresUnavailable
	}
	normalized, ok := normalizeID(loop.ID)
	if !ok {
		return models.Loop{}, fmt.Errorf("loop id %q is not a uuid", loop.ID)
	}
	stored := loop.Clone()
	stored.ID = normalized
	stored.Added = stored.Added.UTC()
	if stored.Files == nil {
		stored.Files = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO loops (id, title, author, files, key, tempo, type, timesig, name, instrument, added)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		stored.ID, stored.Title, stored.Author, stored.Files, stored.Key, stored.Tempo, stored.Type,
		stored.TimeSignature, stored.Name, string(stored.Instrument), stored.Added)
	if err != nil {
		return models.Loop{}, fmt.Errorf("insert loop %s: %w", stored.ID, translateError(err))
	}
	return stored, nil
}

const loopColumns = `id::text, title, author, files, key, tempo, type, timesig, name, instrument, added`

func scanLoop(row pgx.Row) (models.Loop, error) {
	var (
		loop       models.Loop
		instrument string
	)
	err := row.Scan(&loop.ID, &loop.Title, &loop.Author, &loop.Files, &loop.Key, &loop.Tempo, &loop.Type,
		&loop.TimeSignature, &loop.Name, &instrument, &loop.Added)
	if err != nil {
		return models.Loop{}, err
	}
	loop.Instrument = models.Instrument(instrument)
	loop.Added = loop.Added.UTC()
	return loop, nil
}

func (r *postgresRepository) GetLoop(ctx context.Context, id string) (models.Loop, error) {
	if r == nil || r.pool == nil {
		return models.Loop{}, ErrPostgresUnavailable
	}
	normalized, ok := normalizeID(id)
	if !ok {
		return models.Loop{}, ErrNotFound
	}
	loop, err := scanLoop(r.pool.QueryRow(ctx, `SELECT `+loopColumns+` FROM loops WHERE id = $1::uuid`, normalized))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Loop{}, ErrNotFound
	}
	if err != nil {
		return models.Loop{}, fmt.Errorf("get loop %s: %w", normalized, err)
	}
	return loop, nil
}

func (r *postgresRepository) ListLoops(ctx context.Context, query LoopQuery) (LoopPage, error) {
	if r == nil || r.pool == nil {
		return LoopPage{}, ErrPostgresUnavailable
	}
	instrument := string(query.Instrument)
	page := LoopPage{Loops: []models.Loop{}}
	if err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM loops WHERE ($1 = '' OR instrument = $1)`, instrument).Scan(&page.Total); err != nil {
		return LoopPage{}, fmt.Errorf("count loops: %w", err)
	}
	if query.Limit <= 0 || query.Page < 0 {
		return page, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+loopColumns+` FROM loops WHERE ($1 = '' OR instrument = $1) ORDER BY title, id LIMIT $2 OFFSET $3`,
		instrument, query.Limit, query.Page*query.Limit)
	if err != nil {
		return LoopPage{}, fmt.Errorf("list loops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		loop, err := scanLoop(rows)
		if err != nil {
			return LoopPage{}, fmt.Errorf("scan loop: %w", err)
		}
		page.Loops = append(page.Loops, loop)
	}
	if err := rows.Err(); err != nil {
		return LoopPage{}, fmt.Errorf("iterate loops: %w", err)
	}
	return page, nil
}

func (r *postgresRepository) Instruments(ctx context.Context) ([]models.Instrument, error) {
	if r == nil || r.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT instrument FROM loops ORDER BY instrument`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	instruments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Instrument, error) {
		var name string
		err := row.Scan(&name)
		return models.Instrument(name), err
	})
	if err != nil {
		return nil, fmt.Errorf("scan instruments: %w", err)
	}
	return instruments, nil
}

func (r *postgresRepository) DeleteLoop(ctx context.Context, id string) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	normalized, ok := normalizeID(id)
	if !ok {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM loops WHERE id = $1::uuid`, normalized)
	if err != nil {
		return fmt.Errorf("delete loop %s: %w", normalized, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}

var _ Repository = (*postgresRepository)(nil)
