package ports

import "context"

// RenderState is the normalized lifecycle of a remote render.
type RenderState string

const (
	RenderQueued    RenderState = "queued"
	RenderFetching  RenderState = "fetching"
	RenderRendering RenderState = "rendering"
	RenderDone      RenderState = "done"
	RenderFailed    RenderState = "failed"
	RenderUnknown   RenderState = "unknown"
)

// InProgress reports states that need another poll.
func (s RenderState) InProgress() bool {
	return s == RenderQueued || s == RenderFetching || s == RenderRendering
}

type RenderStatus struct {
	State RenderState
	// OutputURL is set only when State is done.
	OutputURL string
	// Error is the provider's failure reason, when it gives one.
	Error string
	Raw   map[string]any
}

// RenderService submits render payloads and reports their progress.
// Submit failures carry SUBMISSION_ERROR; Status transport failures carry
// STATUS_CHECK_ERROR and are distinct from a render that reports failed.
type RenderService interface {
	Submit(ctx context.Context, payload map[string]any) (string, error)
	Status(ctx context.Context, renderID string) (*RenderStatus, error)
}
