package ports

import (
	"context"
	"strings"
	"time"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
)

// Query selects jobs eligible for a worker pass.
type Query struct {
	Status  models.Status
	Claimed bool
	Limit   int
	// DueBy, when set, skips jobs whose metadata.next_attempt_at is later.
	DueBy time.Time
}

// Matches is the in-process form of the query filter.
func (q Query) Matches(j *models.Job) bool {
	if j.Status != q.Status || j.Claimed != q.Claimed {
		return false
	}
	return q.DueBy.IsZero() || j.DueBy(q.DueBy)
}

// ListQuery is the operator listing filter. Empty Status lists all jobs.
type ListQuery struct {
	Status models.Status
	Limit  int
}

// Update is a partial mutation. Keys of Set and Inc are field paths: status,
// claimed, output_path, or metadata.<key>. Metadata paths merge into the
// existing map. When IfStatus is set the write only happens if the job is
// still in that status; otherwise the store returns a CONFLICT error.
type Update struct {
	Set      map[string]any
	Inc      map[string]int
	IfStatus models.Status
}

const metaPrefix = "metadata."

// MetaKey splits a metadata path. ok is false for top-level paths.
func MetaKey(path string) (key string, ok bool) {
	if !strings.HasPrefix(path, metaPrefix) {
		return "", false
	}
	return strings.TrimPrefix(path, metaPrefix), true
}

// Validate rejects empty updates and paths outside the writable set.
func (u Update) Validate() error {
	if len(u.Set) == 0 && len(u.Inc) == 0 {
		return errors.Validation("update has no fields")
	}
	for path := range u.Set {
		if err := validatePath(path, false); err != nil {
			return err
		}
	}
	for path := range u.Inc {
		if err := validatePath(path, true); err != nil {
			return err
		}
	}
	if u.IfStatus != "" && !u.IfStatus.Valid() {
		return errors.ValidationField("if_status", "unknown status "+string(u.IfStatus))
	}
	return nil
}

func validatePath(path string, inc bool) error {
	if key, ok := MetaKey(path); ok {
		if key == "" || strings.ContainsAny(key, ".$") {
			return errors.ValidationField(path, "invalid metadata key")
		}
		return nil
	}
	if inc {
		return errors.ValidationField(path, "only metadata fields can be incremented")
	}
	switch path {
	case models.FieldStatus, models.FieldClaimed, models.FieldOutputPath:
		return nil
	}
	return errors.ValidationField(path, "field is not writable")
}

// NormalizeValue checks a Set value for a top-level path and returns it in
// the form stores persist: status as a plain string, claimed as bool,
// output_path as string. Metadata values pass through.
func NormalizeValue(path string, v any) (any, error) {
	if _, ok := MetaKey(path); ok {
		return v, nil
	}
	switch path {
	case models.FieldStatus:
		var st models.Status
		switch t := v.(type) {
		case models.Status:
			st = t
		case string:
			st = models.Status(t)
		}
		if !st.Valid() {
			return nil, errors.ValidationField(path, "invalid status")
		}
		return string(st), nil
	case models.FieldClaimed:
		b, ok := v.(bool)
		if !ok {
			return nil, errors.ValidationField(path, "claimed must be a bool")
		}
		return b, nil
	case models.FieldOutputPath:
		s, ok := v.(string)
		if !ok {
			return nil, errors.ValidationField(path, "output_path must be a string")
		}
		return s, nil
	}
	return nil, errors.ValidationField(path, "field is not writable")
}

// JobStore persists render jobs and their event log.
//
// Errors: UNAVAILABLE when the backend cannot be reached, NOT_FOUND for an
// unknown id, CONFLICT when a conditional write loses.
type JobStore interface {
	FetchEligible(ctx context.Context, q Query) ([]*models.Job, error)
	// Claim atomically moves a pending, unclaimed job to processing and
	// returns the claimed snapshot.
	Claim(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, u Update) error
	AppendEvent(ctx context.Context, id string, ev models.Event) error

	Create(ctx context.Context, job *models.Job) (string, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, q ListQuery) ([]*models.Job, error)
	Events(ctx context.Context, id string) ([]models.Event, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
