package payload

import "sort"

const (
	DefaultEffect     = "zoomIn"
	DefaultTransition = "fade"
	DefaultStyle      = "minimal"
	DefaultResolution = "sd"
)

func withSpeeds(names ...string) []string {
	out := make([]string, 0, len(names)*3)
	for _, n := range names {
		out = append(out, n, n+"Slow", n+"Fast")
	}
	return out
}

func set(values ...[]string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, vs := range values {
		for _, v := range vs {
			m[v] = struct{}{}
		}
	}
	return m
}

// Shotstack clip effects.
var effects = set(withSpeeds("zoomIn", "zoomOut", "slideLeft", "slideRight", "slideUp", "slideDown"))

// Shotstack clip transitions, applied to both in and out.
var transitions = set(
	withSpeeds("fade", "reveal", "wipeLeft", "wipeRight", "slideLeft", "slideRight", "slideUp", "slideDown",
		"carouselLeft", "carouselRight", "carouselUp", "carouselDown",
		"shuffleTopRight", "shuffleRightTop", "shuffleRightBottom", "shuffleBottomRight",
		"shuffleBottomLeft", "shuffleLeftBottom", "shuffleLeftTop", "shuffleTopLeft"),
	[]string{"zoom"},
)

// Shotstack title asset styles.
var styles = set([]string{
	"minimal", "blockbuster", "vogue", "sketchy", "skinny",
	"chunk", "chunkLight", "marker", "future", "subtitle",
})

var resolutions = set([]string{"preview", "mobile", "sd", "hd", "1080"})

// pick returns v when it is allowed, otherwise fallback.
func pick(allowed map[string]struct{}, v any, fallback string) string {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	if _, ok := allowed[s]; ok {
		return s
	}
	return fallback
}

func sortedNames(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Allowlists is the vocabulary accepted in job assets.
type Allowlists struct {
	Effects     []string `json:"effects"`
	Transitions []string `json:"transitions"`
	Styles      []string `json:"styles"`
	Resolutions []string `json:"resolutions"`
}

func CurrentAllowlists() Allowlists {
	return Allowlists{
		Effects:     sortedNames(effects),
		Transitions: sortedNames(transitions),
		Styles:      sortedNames(styles),
		Resolutions: sortedNames(resolutions),
	}
}
