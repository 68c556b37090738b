// Package archive copies completed renders from the render service's CDN
// into the configured storage provider.
package archive

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"cre8/internal/models"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
)

const defaultContentType = "video/mp4"

type Archiver struct {
	store ports.JobStore
	sp    ports.StorageProvider
	http  *http.Client
	log   *logger.Logger
}

type Option func(*Archiver)

func WithHTTPClient(hc *http.Client) Option {
	return func(a *Archiver) { a.http = hc }
}

func New(store ports.JobStore, sp ports.StorageProvider, timeout time.Duration, log *logger.Logger, opts ...Option) *Archiver {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	a := &Archiver{
		store: store,
		sp:    sp,
		http:  &http.Client{Timeout: timeout},
		log:   log.WithComponent("archiver"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive downloads the job's output and stores it. Success records
// metadata.archived_object_key and an archived event; failure records an
// archive_failed event. The job's status is never changed.
func (a *Archiver) Archive(ctx context.Context, job *models.Job) error {
	log := a.log.WithJobID(job.ID)

	key, err := a.archive(ctx, job)
	if err != nil {
		a.appendEvent(ctx, job.ID, models.EventArchiveFailed, err.Error())
		return err
	}

	log.Info("render archived", "provider", a.sp.Provider(), "object_key", key)
	a.appendEvent(ctx, job.ID, models.EventArchived, fmt.Sprintf("archived to %s:%s", a.sp.Provider(), key))
	return nil
}

func (a *Archiver) archive(ctx context.Context, job *models.Job) (string, error) {
	src := job.OutputURL()
	if src == "" {
		src = job.OutputPath
	}
	if src == "" {
		return "", errors.ValidationField("output_url", "job has no output to archive")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", errors.Wrap(err, "archive.download", "build download request")
	}
	res, err := a.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "archive.download", "download output")
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return "", errors.Newf(errors.CodeUnavailable, "download output: http %d", res.StatusCode)
	}

	contentType := mediaType(res.Header.Get("Content-Type"))
	out, err := a.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   ObjectKey(job.ID, contentType),
		ContentType: contentType,
		Reader:      res.Body,
		Size:        res.ContentLength,
	})
	if err != nil {
		return "", errors.Wrap(err, "archive.put", "store output")
	}

	err = a.store.Update(ctx, job.ID, ports.Update{
		IfStatus: models.StatusCompleted,
		Set: map[string]any{
			models.MetaPath(models.MetaArchivedObjectKey): out.ObjectKey,
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "archive.record", "record archived object")
	}
	return out.ObjectKey, nil
}

func (a *Archiver) appendEvent(ctx context.Context, jobID string, t models.EventType, msg string) {
	if err := a.store.AppendEvent(ctx, jobID, models.NewEvent(t, msg)); err != nil {
		a.log.WithJobID(jobID).Warn("failed to append event", "type", string(t), "error", err.Error())
	}
}

// ObjectKey is where a job's output is stored, e.g. renders/<job>/output.mp4.
func ObjectKey(jobID, contentType string) string {
	return fmt.Sprintf("renders/%s/output%s", sanitize(jobID), extFromMime(contentType))
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil || mt == "" || mt == "application/octet-stream" || mt == "binary/octet-stream" {
		return defaultContentType
	}
	return mt
}

func extFromMime(mt string) string {
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "image/gif":
		return ".gif"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".bin"
	}
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "job"
	}
	return s
}
