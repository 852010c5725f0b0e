// Package record holds the TrackRecord model shared by the segment worker,
// the reconciler and the sink.
package record

import (
	"errors"
	"fmt"
	"math"
)

// Box is an axis-aligned bounding box in absolute pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }
func (b Box) Area() float64   { return b.Width() * b.Height() }

// AspectRatio returns width/height. A box with no height has an infinite ratio.
func (b Box) AspectRatio() float64 {
	h := b.Height()
	if h <= 0 {
		return math.Inf(1)
	}
	return b.Width() / h
}

// NullReason tags why a record carries no geometry or identity.
type NullReason string

const (
	MissingFields NullReason = "missing_fields" // detection envelope incomplete
	NoDetections  NullReason = "no_detections"  // detector found nothing
	NoTracks      NullReason = "no_tracks"      // tracker confirmed nothing
	Filtered      NullReason = "filtered"       // every confirmed track failed the area/aspect filters
	Dropped       NullReason = "dropped"        // tracker omitted the frame from its response
)

// TrackRecord is one frame's tracking output. A record with a nil TrackID is a
// null record: the frame was processed but carries no confirmed track.
type TrackRecord struct {
	RequestID  string     `json:"request_id"`
	FrameID    int        `json:"frame_id"`
	Timestamp  float64    `json:"timestamp"`
	TrackID    *int64     `json:"track_id"`
	Box        *Box       `json:"box"`
	Confidence *float64   `json:"confidence"`
	ClassID    *int       `json:"class_id"`
	ClassName  *string    `json:"class_name"`
	NullReason NullReason `json:"null_reason,omitempty"`
}

// Null returns a record with every geometry and identity field nil.
func Null(requestID string, frameID int, timestamp float64, reason NullReason) TrackRecord {
	return TrackRecord{
		RequestID:  requestID,
		FrameID:    frameID,
		Timestamp:  timestamp,
		NullReason: reason,
	}
}

// Populated returns a record for one confirmed track.
func Populated(requestID string, frameID int, timestamp float64, trackID int64, box Box, confidence float64, classID int, className string) TrackRecord {
	return TrackRecord{
		RequestID:  requestID,
		FrameID:    frameID,
		Timestamp:  timestamp,
		TrackID:    &trackID,
		Box:        &box,
		Confidence: &confidence,
		ClassID:    &classID,
		ClassName:  &className,
	}
}

// IsNull reports whether the record has no track identity.
func (r TrackRecord) IsNull() bool { return r.TrackID == nil }

// ErrPartialNull is returned by Validate for a record with a nil TrackID but
// some other geometry or identity field set.
var ErrPartialNull = errors.New("null record is partially populated")

// Validate checks the null-record invariant: a nil TrackID implies a nil Box,
// Confidence, ClassID and ClassName.
func (r TrackRecord) Validate() error {
	if !r.IsNull() {
		if r.NullReason != "" {
			return fmt.Errorf("frame %d: populated record tagged %q", r.FrameID, r.NullReason)
		}
		return nil
	}
	if r.Box != nil || r.Confidence != nil || r.ClassID != nil || r.ClassName != nil {
		return fmt.Errorf("frame %d: %w", r.FrameID, ErrPartialNull)
	}
	return nil
}

// Label is the annotation text for a populated record: "#{id} {class} {conf}".
func (r TrackRecord) Label() string {
	if r.IsNull() {
		return ""
	}
	class := ""
	if r.ClassName != nil {
		class = *r.ClassName
	}
	conf := 0.0
	if r.Confidence != nil {
		conf = *r.Confidence
	}
	return fmt.Sprintf("#%d %s %.2f", *r.TrackID, class, conf)
}

// WithTrackID returns a copy of r with its identity replaced.
func (r TrackRecord) WithTrackID(id int64) TrackRecord {
	r.TrackID = &id
	return r
}
