// Package pgstore persists render jobs in PostgreSQL, with asset and
// metadata stored as JSONB.
package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	claimed     BOOLEAN NOT NULL DEFAULT FALSE,
	template    TEXT NOT NULL,
	asset       JSONB NOT NULL DEFAULT '{}'::jsonb,
	video_url   TEXT NOT NULL DEFAULT '',
	max_retries INTEGER NOT NULL DEFAULT 0,
	output_path TEXT NOT NULL DEFAULT '',
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS render_jobs_eligible_idx
	ON render_jobs (status, claimed, created_at);

CREATE TABLE IF NOT EXISTS render_job_events (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES render_jobs(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS render_job_events_job_idx
	ON render_job_events (job_id, created_at);
`

const jobColumns = `id, status, claimed, template, asset, video_url, max_retries, output_path, metadata, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger
	now  func() time.Time
}

var _ ports.JobStore = (*Store)(nil)

// Connect opens a pool, pings it and applies the schema.
func Connect(ctx context.Context, databaseURL string, log *logger.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.StoreUnavailable("pgstore.connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.StoreUnavailable("pgstore.connect", err)
	}

	s := New(pool, log)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool, log *logger.Logger) *Store {
	return &Store{pool: pool, log: log.WithComponent("pgstore"), now: time.Now}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return mapErr("pgstore.ensure_schema", err)
	}
	return nil
}

func (s *Store) FetchEligible(ctx context.Context, q ports.Query) ([]*models.Job, error) {
	sql, args := eligibleQuery(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr("pgstore.fetch_eligible", err)
	}
	return collectJobs(rows, "pgstore.fetch_eligible")
}

func (s *Store) Claim(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE render_jobs
		SET claimed = TRUE, status = 'processing', updated_at = $2
		WHERE id = $1 AND status = 'pending' AND NOT claimed
		RETURNING `+jobColumns,
		id, s.now().UTC())

	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, s.missOrConflict(ctx, "pgstore.claim", id, "job is no longer claimable")
		}
		return nil, mapErr("pgstore.claim", err)
	}
	return job, nil
}

func (s *Store) Update(ctx context.Context, id string, u ports.Update) error {
	sql, args, err := buildUpdate(id, u, s.now())
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr("pgstore.update", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "pgstore.update", id, "job is not "+string(u.IfStatus))
	}
	return nil
}

func (s *Store) missOrConflict(ctx context.Context, op, id, msg string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM render_jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return mapErr(op, err)
	}
	if !exists {
		return errors.NotFound("job", id)
	}
	return errors.Conflict(msg).WithField("job_id", id)
}

func (s *Store) AppendEvent(ctx context.Context, id string, ev models.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO render_job_events (id, job_id, type, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), id, string(ev.Type), ev.Message, s.now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return errors.NotFound("job", id)
		}
		return mapErr("pgstore.append_event", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, job *models.Job) (string, error) {
	if job == nil {
		return "", errors.Validation("job is required")
	}

	j := job.Clone()
	now := s.now().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	if j.Asset == nil {
		j.Asset = map[string]any{}
	}
	if err := j.Validate(); err != nil {
		return "", err
	}

	asset, err := json.Marshal(j.Asset)
	if err != nil {
		return "", errors.ValidationField("asset", "asset is not JSON encodable")
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return "", errors.ValidationField("metadata", "metadata is not JSON encodable")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO render_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, j.ID, string(j.Status), j.Claimed, j.Template, string(asset), j.VideoURL,
		j.MaxRetries, j.OutputPath, string(meta), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return "", mapErr("pgstore.create", err)
	}
	return j.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("job", id)
		}
		return nil, mapErr("pgstore.get", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, q ports.ListQuery) ([]*models.Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM render_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(q.Status), limit)
	if err != nil {
		return nil, mapErr("pgstore.list", err)
	}
	return collectJobs(rows, "pgstore.list")
}

func (s *Store) Events(ctx context.Context, id string) ([]models.Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, type, message, created_at
		FROM render_job_events
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, mapErr("pgstore.events", err)
	}
	defer rows.Close()

	out := []models.Event{}
	for rows.Next() {
		var ev models.Event
		var typ string
		if err := rows.Scan(&ev.ID, &ev.JobID, &typ, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, mapErr("pgstore.events", err)
		}
		ev.Type = models.EventType(typ)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("pgstore.events", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.StoreUnavailable("pgstore.ping", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var status string
	err := row.Scan(
		&j.ID,
		&status,
		&j.Claimed,
		&j.Template,
		&j.Asset,
		&j.VideoURL,
		&j.MaxRetries,
		&j.OutputPath,
		&j.Metadata,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.Status(status)
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows, op string) ([]*models.Job, error) {
	defer rows.Close()

	out := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}
