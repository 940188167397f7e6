// Package probe normalizes media-probe responses into a canonical
// format/video/audio summary. The NVR's probe endpoint has changed its
// response envelope across versions, so the payload is located by trying a
// fixed list of shapes in priority order; an unrecognized shape yields an
// empty summary, never an error.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Result is the canonical summary of one probed URL. All fields are
// optional; a nil pointer or empty string means the probe did not report
// the value.
type Result struct {
	URL      string  `json:"url"`
	Protocol string  `json:"protocol,omitempty"`
	Format   Format  `json:"format"`
	Video    *Video  `json:"video,omitempty"`
	Audio    *Audio  `json:"audio,omitempty"`
}

// Format describes the container.
type Format struct {
	Name        string   `json:"name,omitempty"`
	LongName    string   `json:"longName,omitempty"`
	DurationSec *float64 `json:"durationSec,omitempty"`
	BitRate     *int64   `json:"bitRate,omitempty"`
}

// Video describes the selected video stream.
type Video struct {
	Codec       string   `json:"codec,omitempty"`
	Width       *int     `json:"width,omitempty"`
	Height      *int     `json:"height,omitempty"`
	FPS         *float64 `json:"fps,omitempty"`
	PixelFormat string   `json:"pixelFormat,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	Level       *int     `json:"level,omitempty"`
}

// Audio describes the selected audio stream.
type Audio struct {
	Codec      string `json:"codec,omitempty"`
	Channels   *int   `json:"channels,omitempty"`
	SampleRate *int   `json:"sampleRate,omitempty"`
	BitRate    *int64 `json:"bitRate,omitempty"`
}

// LocalProbeFunc inspects a URL with a local tool and returns the parsed
// probe document. It is the fallback when the backend reports a definitive
// probe failure.
type LocalProbeFunc func(ctx context.Context, url string) (any, error)

// Normalizer turns raw probe responses into Results.
type Normalizer struct {
	localProbe LocalProbeFunc
}

// NewNormalizer returns a Normalizer that falls back to a local ffprobe
// invocation on definitive backend failures.
func NewNormalizer() *Normalizer {
	return &Normalizer{localProbe: runFFprobe}
}

// NewNormalizerWithFallback returns a Normalizer with a custom local-probe
// fallback. Used in tests.
func NewNormalizerWithFallback(fallback LocalProbeFunc) *Normalizer {
	return &Normalizer{localProbe: fallback}
}

// Normalize extracts the canonical summary for probedURL from raw.
//
// A numeric return_code of exactly 1 in the primary result entry is a
// definitive backend failure: the same URL is probed locally, and only if
// that also fails is an error returned, carrying both the backend stderr
// and the local failure.
func (n *Normalizer) Normalize(ctx context.Context, raw any, probedURL string) (Result, error) {
	res := Result{
		URL:      probedURL,
		Protocol: protocolOf(probedURL),
	}

	if stderr, failed := definitiveFailure(raw); failed {
		local, err := n.localProbe(ctx, probedURL)
		if err != nil {
			if stderr != "" {
				return res, fmt.Errorf("probe failed: %s: local fallback: %w", stderr, err)
			}
			return res, fmt.Errorf("probe failed: local fallback: %w", err)
		}
		raw = local
	}

	payload, ok := locatePayload(raw, probedURL)
	if !ok {
		return res, nil
	}

	res.Format = normalizeFormat(payload["format"])

	streams, _ := payload["streams"].([]any)
	if v := selectVideo(streams); v != nil {
		res.Video = normalizeVideo(v)
	}
	if a := selectAudio(streams); a != nil {
		res.Audio = normalizeAudio(a)
	}
	return res, nil
}

// definitiveFailure reports whether raw signals a hard backend-side probe
// failure (return_code == 1 on the primary entry) and returns its stderr.
func definitiveFailure(raw any) (stderr string, failed bool) {
	var primary map[string]any
	switch v := raw.(type) {
	case []any:
		if len(v) > 0 {
			primary, _ = v[0].(map[string]any)
		}
	case map[string]any:
		primary = v
	}
	if primary == nil {
		return "", false
	}
	code, ok := asFloat(primary["return_code"])
	if !ok || code != 1 {
		return "", false
	}
	stderr, _ = primary["stderr"].(string)
	return stderr, true
}

// locatePayload finds the object carrying "streams"/"format". The shapes
// are tried in priority order and the first match wins.
func locatePayload(raw any, probedURL string) (map[string]any, bool) {
	type strategy func(any) (map[string]any, bool)

	strategies := []strategy{
		// Array of result entries wrapping the document in "stdout".
		func(v any) (map[string]any, bool) {
			arr, ok := v.([]any)
			if !ok || len(arr) == 0 {
				return nil, false
			}
			entry, ok := arr[0].(map[string]any)
			if !ok {
				return nil, false
			}
			return asDocument(entry["stdout"])
		},
		// Array of result entries carrying streams/format directly.
		func(v any) (map[string]any, bool) {
			arr, ok := v.([]any)
			if !ok || len(arr) == 0 {
				return nil, false
			}
			entry, ok := arr[0].(map[string]any)
			if !ok || !hasProbeKeys(entry) {
				return nil, false
			}
			return entry, true
		},
		// Object with a "stdout" wrapper.
		func(v any) (map[string]any, bool) {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			return asDocument(obj["stdout"])
		},
		// Object carrying streams/format directly.
		func(v any) (map[string]any, bool) {
			obj, ok := v.(map[string]any)
			if !ok || !hasProbeKeys(obj) {
				return nil, false
			}
			return obj, true
		},
		// Object with a "result" wrapper.
		func(v any) (map[string]any, bool) {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			inner, ok := obj["result"]
			if !ok {
				return nil, false
			}
			return locatePayload(inner, probedURL)
		},
		// Object keyed by the probed URL.
		func(v any) (map[string]any, bool) {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			inner, ok := obj[probedURL]
			if !ok {
				return nil, false
			}
			return locatePayload(inner, probedURL)
		},
		// Last resort: first object value, in stable key order.
		func(v any) (map[string]any, bool) {
			obj, ok := v.(map[string]any)
			if !ok || len(obj) == 0 {
				return nil, false
			}
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if inner, ok := obj[k].(map[string]any); ok && hasProbeKeys(inner) {
					return inner, true
				}
			}
			return nil, false
		},
	}

	for _, try := range strategies {
		if doc, ok := try(raw); ok {
			return doc, true
		}
	}
	return nil, false
}

// asDocument accepts either an embedded object or a JSON-encoded string
// (older backends serialized stdout as a string).
func asDocument(v any) (map[string]any, bool) {
	switch d := v.(type) {
	case map[string]any:
		return d, true
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(d), &obj); err != nil {
			return nil, false
		}
		return obj, true
	default:
		return nil, false
	}
}

func hasProbeKeys(obj map[string]any) bool {
	_, hasStreams := obj["streams"]
	_, hasFormat := obj["format"]
	return hasStreams || hasFormat
}

// selectVideo picks the stream tagged video, or an untagged stream with
// numeric width and height.
func selectVideo(streams []any) map[string]any {
	for _, s := range streams {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if t, tagged := m["codec_type"].(string); tagged {
			if t == "video" {
				return m
			}
			continue
		}
		_, hasW := asFloat(m["width"])
		_, hasH := asFloat(m["height"])
		if hasW && hasH {
			return m
		}
	}
	return nil
}

// selectAudio picks the stream tagged audio, or an untagged stream without
// width/height.
func selectAudio(streams []any) map[string]any {
	for _, s := range streams {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if t, tagged := m["codec_type"].(string); tagged {
			if t == "audio" {
				return m
			}
			continue
		}
		_, hasW := asFloat(m["width"])
		_, hasH := asFloat(m["height"])
		if !hasW && !hasH {
			return m
		}
	}
	return nil
}

func normalizeFormat(v any) Format {
	m, ok := v.(map[string]any)
	if !ok {
		return Format{}
	}
	f := Format{}
	f.Name, _ = m["format_name"].(string)
	f.LongName, _ = m["format_long_name"].(string)
	f.DurationSec = floatPtr(m["duration"])
	f.BitRate = int64Ptr(m["bit_rate"])
	return f
}

func normalizeVideo(m map[string]any) *Video {
	v := &Video{}
	v.Codec, _ = m["codec_name"].(string)
	v.Width = intPtr(m["width"])
	v.Height = intPtr(m["height"])
	v.PixelFormat, _ = m["pix_fmt"].(string)
	v.Profile, _ = m["profile"].(string)
	v.Level = intPtr(m["level"])
	v.FPS = parseFrameRate(m["avg_frame_rate"])
	if v.FPS == nil {
		v.FPS = parseFrameRate(m["r_frame_rate"])
	}
	return v
}

func normalizeAudio(m map[string]any) *Audio {
	a := &Audio{}
	a.Codec, _ = m["codec_name"].(string)
	a.Channels = intPtr(m["channels"])
	a.SampleRate = intPtr(m["sample_rate"])
	a.BitRate = int64Ptr(m["bit_rate"])
	return a
}

// parseFrameRate handles ffprobe's fraction strings ("30000/1001") as well
// as plain numbers. A zero or invalid denominator means the rate is not
// reported.
func parseFrameRate(v any) *float64 {
	switch r := v.(type) {
	case string:
		num, den, found := strings.Cut(r, "/")
		if !found {
			return floatPtr(r)
		}
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d == 0 {
			return nil
		}
		return finitePtr(n / d)
	default:
		return floatPtr(v)
	}
}

// asFloat reports the numeric value of v. Strings are parsed as decimal;
// non-finite values do not count as numbers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return asFloat(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return asFloat(f)
	default:
		return 0, false
	}
}

func floatPtr(v any) *float64 {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func finitePtr(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func intPtr(v any) *int {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}

func int64Ptr(v any) *int64 {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	n := int64(f)
	return &n
}

var schemeRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*):`)

// protocolOf derives the protocol from the URL scheme, falling back to a
// leading-scheme match when the URL does not parse.
func protocolOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	if m := schemeRe.FindStringSubmatch(raw); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}
