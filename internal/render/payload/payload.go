// Package payload turns a job's template name and asset parameters into a
// Shotstack render payload. Unrecognized vocabulary is replaced with safe
// defaults instead of being sent upstream.
package payload

import (
	"sort"
	"strings"

	"cre8/internal/models"
)

const (
	TemplateDemoTitle      = "demo-title"
	TemplateTitleOverVideo = "title-over-video"

	DefaultText   = "Cre8 Studio Render"
	DefaultStart  = 0.0
	DefaultLength = 5.0
	DefaultFPS    = 25
)

// Builder renders one template.
type Builder func(job *models.Job) map[string]any

type Registry struct {
	builders map[string]Builder
	fallback string
}

// NewRegistry returns the built-in templates with demo-title as the fallback.
func NewRegistry() *Registry {
	r := &Registry{builders: map[string]Builder{}, fallback: TemplateDemoTitle}
	r.Register(TemplateDemoTitle, buildDemoTitle)
	r.Register(TemplateTitleOverVideo, buildTitleOverVideo)
	return r
}

func (r *Registry) Register(name string, b Builder) {
	r.builders[name] = b
}

// Resolve returns the template used for name. Unknown and empty names fall
// back to the default template.
func (r *Registry) Resolve(name string) string {
	if _, ok := r.builders[strings.TrimSpace(name)]; ok {
		return strings.TrimSpace(name)
	}
	return r.fallback
}

// Build produces the payload for job using its template.
func (r *Registry) Build(job *models.Job) map[string]any {
	return r.builders[r.Resolve(job.Template)](job)
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.builders))
	for name := range r.builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Default() string { return r.fallback }

func buildDemoTitle(job *models.Job) map[string]any {
	asset := job.Asset
	return envelope(asset, []any{
		track(titleClip(asset)),
	})
}

// buildTitleOverVideo lays the title over the job's source clip. Without a
// source URL it renders exactly what demo-title renders.
func buildTitleOverVideo(job *models.Job) map[string]any {
	src := job.VideoURL
	if src == "" {
		src, _ = job.Asset["video_url"].(string)
	}
	if src == "" {
		return buildDemoTitle(job)
	}

	asset := job.Asset
	start, length := timing(asset)
	video := map[string]any{
		"asset": map[string]any{
			"type": "video",
			"src":  src,
		},
		"start":  start,
		"length": length,
	}
	// First track is drawn on top.
	return envelope(asset, []any{
		track(titleClip(asset)),
		track(video),
	})
}

func titleClip(asset map[string]any) map[string]any {
	text, _ := asset["text"].(string)
	if strings.TrimSpace(text) == "" {
		text = DefaultText
	}
	transition := pick(transitions, asset["transition"], DefaultTransition)
	start, length := timing(asset)

	return map[string]any{
		"asset": map[string]any{
			"type":  "title",
			"text":  text,
			"style": pick(styles, asset["style"], DefaultStyle),
		},
		"start":  start,
		"length": length,
		"effect": pick(effects, asset["effect"], DefaultEffect),
		"transition": map[string]any{
			"in":  transition,
			"out": transition,
		},
	}
}

func timing(asset map[string]any) (start, length float64) {
	start, length = DefaultStart, DefaultLength
	if v, ok := models.AsFloat(asset["start"]); ok && v >= 0 {
		start = v
	}
	if v, ok := models.AsFloat(asset["length"]); ok && v > 0 {
		length = v
	}
	return start, length
}

func track(clips ...map[string]any) map[string]any {
	list := make([]any, len(clips))
	for i, c := range clips {
		list[i] = c
	}
	return map[string]any{"clips": list}
}

func envelope(asset map[string]any, tracks []any) map[string]any {
	timeline := map[string]any{"tracks": tracks}
	if src, ok := asset["soundtrack"].(string); ok && src != "" {
		timeline["soundtrack"] = map[string]any{
			"src":    src,
			"effect": "fadeInFadeOut",
		}
	}
	return map[string]any{
		"timeline": timeline,
		"output": map[string]any{
			"format":     "mp4",
			"resolution": pick(resolutions, asset["resolution"], DefaultResolution),
			"fps":        DefaultFPS,
		},
	}
}
