package payload

import (
	"testing"
	"time"

	"cre8/internal/models"
)

func firstClip(t *testing.T, p map[string]any, trackIdx int) map[string]any {
	t.Helper()
	tracks := p["timeline"].(map[string]any)["tracks"].([]any)
	if len(tracks) <= trackIdx {
		t.Fatalf("expected at least %d tracks, got %d", trackIdx+1, len(tracks))
	}
	clips := tracks[trackIdx].(map[string]any)["clips"].([]any)
	return clips[0].(map[string]any)
}

func TestDemoTitle(t *testing.T) {
	job := models.NewPendingJob("demo-title", map[string]any{
		"type":   "title",
		"text":   "Hello",
		"style":  "blockbuster",
		"effect": "slideLeftFast",
		"start":  1,
		"length": "7.5",
	}, time.Now())

	p := NewRegistry().Build(job)
	clip := firstClip(t, p, 0)
	asset := clip["asset"].(map[string]any)

	if asset["type"] != "title" || asset["text"] != "Hello" || asset["style"] != "blockbuster" {
		t.Errorf("unexpected asset %v", asset)
	}
	if clip["effect"] != "slideLeftFast" {
		t.Errorf("expected effect kept, got %v", clip["effect"])
	}
	if clip["start"] != 1.0 || clip["length"] != 7.5 {
		t.Errorf("unexpected timing %v %v", clip["start"], clip["length"])
	}

	out := p["output"].(map[string]any)
	if out["format"] != "mp4" || out["resolution"] != "sd" || out["fps"] != DefaultFPS {
		t.Errorf("unexpected output %v", out)
	}
	if _, ok := p["timeline"].(map[string]any)["soundtrack"]; ok {
		t.Error("soundtrack should be omitted when not requested")
	}
}

func TestFallbacks(t *testing.T) {
	job := models.NewPendingJob("demo-title", map[string]any{
		"effect":     "bogus",
		"style":      "comic-sans",
		"transition": 12,
		"resolution": "8k",
		"start":      -3,
		"length":     0,
	}, time.Now())

	p := NewRegistry().Build(job)
	clip := firstClip(t, p, 0)

	if clip["effect"] != "zoomIn" {
		t.Errorf("expected zoomIn fallback, got %v", clip["effect"])
	}
	if clip["asset"].(map[string]any)["style"] != "minimal" {
		t.Errorf("expected minimal fallback")
	}
	if clip["asset"].(map[string]any)["text"] != DefaultText {
		t.Errorf("expected default text")
	}
	tr := clip["transition"].(map[string]any)
	if tr["in"] != "fade" || tr["out"] != "fade" {
		t.Errorf("expected fade fallback, got %v", tr)
	}
	if clip["start"] != DefaultStart || clip["length"] != DefaultLength {
		t.Errorf("expected default timing, got %v %v", clip["start"], clip["length"])
	}
	if p["output"].(map[string]any)["resolution"] != "sd" {
		t.Errorf("expected sd fallback")
	}
}

func TestUnknownTemplateUsesDefault(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"", "nope", "  "} {
		if got := r.Resolve(name); got != TemplateDemoTitle {
			t.Errorf("Resolve(%q) = %s", name, got)
		}
	}

	job := models.NewPendingJob("nope", map[string]any{"text": "x"}, time.Now())
	if firstClip(t, r.Build(job), 0)["asset"].(map[string]any)["text"] != "x" {
		t.Error("unknown template should render as demo-title")
	}
}

func TestTitleOverVideo(t *testing.T) {
	job := models.NewPendingJob(TemplateTitleOverVideo, map[string]any{
		"text":       "Over",
		"soundtrack": "https://cdn/music.mp3",
		"resolution": "hd",
	}, time.Now())
	job.VideoURL = "https://cdn/source.mp4"

	p := NewRegistry().Build(job)
	tracks := p["timeline"].(map[string]any)["tracks"].([]any)
	if len(tracks) != 2 {
		t.Fatalf("expected title and video tracks, got %d", len(tracks))
	}
	if firstClip(t, p, 0)["asset"].(map[string]any)["type"] != "title" {
		t.Error("title should be the top track")
	}
	video := firstClip(t, p, 1)["asset"].(map[string]any)
	if video["type"] != "video" || video["src"] != "https://cdn/source.mp4" {
		t.Errorf("unexpected video asset %v", video)
	}

	st := p["timeline"].(map[string]any)["soundtrack"].(map[string]any)
	if st["src"] != "https://cdn/music.mp3" {
		t.Errorf("unexpected soundtrack %v", st)
	}
	if p["output"].(map[string]any)["resolution"] != "hd" {
		t.Error("expected hd resolution")
	}
}

func TestTitleOverVideoWithoutSource(t *testing.T) {
	r := NewRegistry()
	asset := map[string]any{"text": "Same"}
	now := time.Now()

	over := r.Build(models.NewPendingJob(TemplateTitleOverVideo, asset, now))
	demo := r.Build(models.NewPendingJob(TemplateDemoTitle, asset, now))

	if len(over["timeline"].(map[string]any)["tracks"].([]any)) != 1 {
		t.Fatal("expected a single title track")
	}
	if firstClip(t, over, 0)["asset"].(map[string]any)["text"] != firstClip(t, demo, 0)["asset"].(map[string]any)["text"] {
		t.Error("expected the demo-title rendering")
	}
}

func TestNamesAndAllowlists(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	if len(names) != 2 || names[0] != TemplateDemoTitle || names[1] != TemplateTitleOverVideo {
		t.Errorf("unexpected names %v", names)
	}

	al := CurrentAllowlists()
	contains := func(list []string, v string) bool {
		for _, s := range list {
			if s == v {
				return true
			}
		}
		return false
	}
	if !contains(al.Effects, "zoomIn") || contains(al.Effects, "bogus") {
		t.Error("unexpected effect allowlist")
	}
	if !contains(al.Transitions, "fade") || !contains(al.Transitions, "zoom") {
		t.Error("unexpected transition allowlist")
	}
	if !contains(al.Styles, "minimal") || !contains(al.Resolutions, "1080") {
		t.Error("unexpected style or resolution allowlist")
	}
}
