package discovery

import (
	"time"

	"nvr-bridge/internal/probe"
)

// Source classifies where a stream's bytes come from.
type Source string

const (
	// SourceRelayed streams are served by the local relay under a stable
	// name from the relay registry.
	SourceRelayed Source = "relayed"
	// SourceDirect streams keep the camera's originally configured input
	// path.
	SourceDirect Source = "direct"
)

// StreamDescriptor is the persisted record for one camera input. Identity
// is StreamID, stable per configured input ordinal; each discovery run
// replaces a camera's descriptor list wholesale.
type StreamDescriptor struct {
	CameraName string        `json:"cameraName"`
	StreamName string        `json:"streamName"`
	StreamID   string        `json:"streamId"`
	Source     Source        `json:"source"`
	URL        string        `json:"url"`
	Roles      []string      `json:"roles,omitempty"`
	ProbedAt   time.Time     `json:"probedAt,omitzero"`
	Probe      *probe.Result `json:"probeResult,omitempty"`
	ProbeError string        `json:"probeError,omitempty"`
}
