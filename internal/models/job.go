package models

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"cre8/internal/pkg/errors"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRendering  Status = "rendering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRendering, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metadata keys written by the worker.
const (
	MetaRenderID          = "render_id"
	MetaRetryCount        = "retry_count"
	MetaError             = "error"
	MetaOutputURL         = "output_url"
	MetaFinishedAt        = "finished_at"
	MetaRenderStatus      = "render_status"
	MetaSubmittedAt       = "submitted_at"
	MetaArchivedObjectKey = "archived_object_key"
	MetaNextAttemptAt     = "next_attempt_at"
	// MetaOpenIssue holds the event type of a problem that is still ongoing,
	// so repeated polls do not log it again.
	MetaOpenIssue = "open_issue"
)

// Field paths accepted by JobStore.Update.
const (
	FieldStatus     = "status"
	FieldClaimed    = "claimed"
	FieldOutputPath = "output_path"
)

// MetaPath returns the update path for a metadata key, e.g. "metadata.render_id".
func MetaPath(key string) string { return "metadata." + key }

// Job is a unit of render work tracked in the job store.
type Job struct {
	ID         string         `json:"id" bson:"_id"`
	Status     Status         `json:"status" bson:"status" validate:"required,job_status"`
	Claimed    bool           `json:"claimed" bson:"claimed"`
	Template   string         `json:"template" bson:"template" validate:"required,max=128"`
	Asset      map[string]any `json:"asset,omitempty" bson:"asset,omitempty"`
	VideoURL   string         `json:"video_url,omitempty" bson:"video_url,omitempty" validate:"omitempty,url"`
	MaxRetries int            `json:"max_retries,omitempty" bson:"max_retries,omitempty" validate:"gte=0,lte=100"`
	OutputPath string         `json:"output_path,omitempty" bson:"output_path,omitempty"`
	Metadata   map[string]any `json:"metadata" bson:"metadata"`
	CreatedAt  time.Time      `json:"created_at" bson:"created_at" validate:"required"`
	UpdatedAt  time.Time      `json:"updated_at" bson:"updated_at"`
}

// NewPendingJob returns an unclaimed pending job stamped with now.
func NewPendingJob(template string, asset map[string]any, now time.Time) *Job {
	if asset == nil {
		asset = map[string]any{}
	}
	return &Job{
		Status:    StatusPending,
		Template:  template,
		Asset:     asset,
		Metadata:  map[string]any{},
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (j *Job) meta(key string) (any, bool) {
	if j.Metadata == nil {
		return nil, false
	}
	v, ok := j.Metadata[key]
	return v, ok
}

func (j *Job) metaString(key string) string {
	v, ok := j.meta(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (j *Job) RenderID() string     { return j.metaString(MetaRenderID) }
func (j *Job) ErrorMessage() string { return j.metaString(MetaError) }
func (j *Job) OutputURL() string    { return j.metaString(MetaOutputURL) }
func (j *Job) RenderStatus() string { return j.metaString(MetaRenderStatus) }
func (j *Job) OpenIssue() string    { return j.metaString(MetaOpenIssue) }

// RetryCount tolerates the numeric types the stores decode (int32, int64, float64).
func (j *Job) RetryCount() int {
	v, ok := j.meta(MetaRetryCount)
	if !ok {
		return 0
	}
	n, _ := AsInt(v)
	return n
}

// SubmittedAt parses metadata.submitted_at. Zero when absent or malformed.
func (j *Job) SubmittedAt() time.Time { return j.metaTime(MetaSubmittedAt) }

// NextAttemptAt is when a requeued job may be submitted again. Zero means now.
func (j *Job) NextAttemptAt() time.Time { return j.metaTime(MetaNextAttemptAt) }

// DueBy reports whether the job may be picked up at t.
func (j *Job) DueBy(t time.Time) bool {
	next := j.NextAttemptAt()
	return next.IsZero() || !next.After(t)
}

func (j *Job) metaTime(key string) time.Time {
	v, ok := j.meta(key)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	}
	return time.Time{}
}

// RetryLimit is the job's own ceiling, or fallback when unset.
func (j *Job) RetryLimit(fallback int) int {
	if j.MaxRetries > 0 {
		return j.MaxRetries
	}
	return fallback
}

// Clone returns a deep enough copy for callers that mutate maps.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Asset = cloneMap(j.Asset)
	c.Metadata = cloneMap(j.Metadata)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = cloneMap(nested)
		}
		out[k] = v
	}
	return out
}

// AsInt converts the numeric shapes found in decoded documents.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// AsFloat is AsInt for fractional values such as clip start and length.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// FormatTime is the timestamp format stored in metadata.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type EventType string

const (
	EventCreated          EventType = "created"
	EventProcessing       EventType = "processing"
	EventRenderSubmitted  EventType = "render_submitted"
	EventError            EventType = "error"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventStatusCheckError EventType = "status_check_error"
	EventAnomaly          EventType = "anomaly"
	EventArchived         EventType = "archived"
	EventArchiveFailed    EventType = "archive_failed"
	EventReset            EventType = "reset"
)

// Event is an append-only audit record for a job.
type Event struct {
	ID        string    `json:"id" bson:"_id"`
	JobID     string    `json:"job_id" bson:"job_id"`
	Type      EventType `json:"type" bson:"type"`
	Message   string    `json:"message" bson:"message"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

func NewEvent(t EventType, message string) Event {
	return Event{Type: t, Message: message}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("job_status", func(fl validator.FieldLevel) bool {
		return Status(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks a job before it is persisted.
func (j *Job) Validate() error {
	return ValidateStruct(j)
}

// ValidateStruct runs the shared validator and reports the first failing
// field as a VALIDATION_ERROR.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return errors.ValidationField(fe.Field(), fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
	}
	return errors.Wrap(err, "models.validate", "validation failed")
}
