package tracking

import (
	"context"

	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/record"
)

// Track is one confirmed track's state in one frame.
type Track struct {
	ID        int64
	Box       record.Box
	Score     float64
	ClassID   int
	ClassName string
}

// FrameTracks lists the confirmed tracks for one frame. A frame that the
// tracker processed but confirmed nothing in has an empty Tracks slice; a
// frame the tracker never reported is simply absent from Result.Frames.
type FrameTracks struct {
	FrameID int
	Tracks  []Track
}

// Result is the outcome of one Track call.
type Result struct {
	Frames []FrameTracks
	// NextID is the identity the IDSpace will issue next, or 0 when the
	// allocation happened remotely and is unknown.
	NextID int64
}

// Tracker is the frame-level tracking collaborator.
type Tracker interface {
	// ResetIDs clears identity allocation for a new request.
	ResetIDs(ctx context.Context, ids *IDSpace) error
	// Track runs one segment's ordered detections through a fresh tracking
	// state, drawing identities from ids.
	Track(ctx context.Context, ids *IDSpace, seq []detect.Detection) (*Result, error)
}
