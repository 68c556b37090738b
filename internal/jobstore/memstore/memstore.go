// Package memstore is an in-process JobStore. It backs tests and
// STORE_DRIVER=memory and follows the same conditional-write rules as the
// database stores.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/ports"
)

type Store struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	events map[string][]models.Event
	now    func() time.Time
}

type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		jobs:   make(map[string]*models.Job),
		events: make(map[string][]models.Event),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.JobStore = (*Store)(nil)

func (s *Store) FetchEligible(ctx context.Context, q ports.Query) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable("memstore.fetch_eligible", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if q.Matches(j) {
			out = append(out, j.Clone())
		}
	}
	sortOldestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, id string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable("memstore.claim", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	if j.Status != models.StatusPending || j.Claimed {
		return nil, errors.Conflict("job is no longer claimable").WithField("job_id", id)
	}
	j.Claimed = true
	j.Status = models.StatusProcessing
	j.UpdatedAt = s.now().UTC()
	return j.Clone(), nil
}

func (s *Store) Update(ctx context.Context, id string, u ports.Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable("memstore.update", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	if u.IfStatus != "" && j.Status != u.IfStatus {
		return errors.Conflict(fmt.Sprintf("job status is %s, expected %s", j.Status, u.IfStatus)).
			WithField("job_id", id)
	}

	// Apply to a copy so a bad value leaves the stored job untouched.
	next := j.Clone()
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	for path, v := range u.Set {
		if err := applySet(next, path, v); err != nil {
			return err
		}
	}
	for path, delta := range u.Inc {
		key, _ := ports.MetaKey(path)
		cur, _ := models.AsInt(next.Metadata[key])
		next.Metadata[key] = cur + delta
	}
	next.UpdatedAt = s.now().UTC()
	s.jobs[id] = next
	return nil
}

func applySet(j *models.Job, path string, v any) error {
	if key, ok := ports.MetaKey(path); ok {
		j.Metadata[key] = v
		return nil
	}
	val, err := ports.NormalizeValue(path, v)
	if err != nil {
		return err
	}
	switch path {
	case models.FieldStatus:
		j.Status = models.Status(val.(string))
	case models.FieldClaimed:
		j.Claimed = val.(bool)
	case models.FieldOutputPath:
		j.OutputPath = val.(string)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, id string, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable("memstore.append_event", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return errors.NotFound("job", id)
	}
	ev.ID = uuid.NewString()
	ev.JobID = id
	ev.CreatedAt = s.now().UTC()
	s.events[id] = append(s.events[id], ev)
	return nil
}

func (s *Store) Create(ctx context.Context, job *models.Job) (string, error) {
	if job == nil {
		return "", errors.Validation("job is required")
	}
	if err := ctx.Err(); err != nil {
		return "", errors.StoreUnavailable("memstore.create", err)
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
	if err := j.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return "", errors.Conflict("job already exists").WithField("job_id", j.ID)
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable("memstore.get", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, q ports.ListQuery) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable("memstore.list", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if q.Status == "" || j.Status == q.Status {
			out = append(out, j.Clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Events(ctx context.Context, id string) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable("memstore.events", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, errors.NotFound("job", id)
	}
	out := make([]models.Event, len(s.events[id]))
	copy(out, s.events[id])
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable("memstore.ping", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error { return nil }

// sortOldestFirst orders by created_at, then id for a stable result.
func sortOldestFirst(jobs []*models.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}
