// Package detect defines the per-frame detection envelope and clients for the
// object detector collaborator.
package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/segtrack/internal/ffmpeg"
	"github.com/banshee-data/segtrack/internal/record"
)

// Detection is the detector's answer for one frame. The box, confidence,
// class_id and class_name arrays are parallel. A nil slice means the field
// was absent; an empty slice means the detector found nothing.
type Detection struct {
	RequestID  string      `json:"request_id"`
	FrameID    *int        `json:"frame_id"`
	Timestamp  *float64    `json:"timestamp"`
	Boxes      [][]float64 `json:"box"`
	Confidence []float64   `json:"confidence"`
	ClassID    []int       `json:"class_id"`
	ClassName  []string    `json:"class_name"`
	Shape      string      `json:"shape"`
}

// ErrMissingFields marks an envelope that cannot be tracked.
var ErrMissingFields = errors.New("detection is missing required fields")

// Validate reports ErrMissingFields (wrapped with detail) when a required
// field is absent, the arrays disagree in length, or a box is not x1,y1,x2,y2.
func (d Detection) Validate() error {
	var missing []string
	if d.FrameID == nil {
		missing = append(missing, "frame_id")
	}
	if d.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if d.Boxes == nil {
		missing = append(missing, "box")
	}
	if d.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if d.ClassID == nil {
		missing = append(missing, "class_id")
	}
	if d.ClassName == nil {
		missing = append(missing, "class_name")
	}
	if d.Shape == "" {
		missing = append(missing, "shape")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingFields, missing)
	}

	n := len(d.Boxes)
	if len(d.Confidence) != n || len(d.ClassID) != n || len(d.ClassName) != n {
		return fmt.Errorf("%w: %d boxes, %d scores, %d class ids, %d class names",
			ErrMissingFields, n, len(d.Confidence), len(d.ClassID), len(d.ClassName))
	}
	for i, b := range d.Boxes {
		if len(b) != 4 {
			return fmt.Errorf("%w: box %d has %d coordinates", ErrMissingFields, i, len(b))
		}
	}
	return nil
}

// Len is the number of detected objects.
func (d Detection) Len() int { return len(d.Boxes) }

// Box returns detection i as a record.Box. Callers must Validate first.
func (d Detection) Box(i int) record.Box {
	b := d.Boxes[i]
	return record.Box{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}
}

// Detector is the object-detector collaborator. It is treated as a pure
// function of the frame.
type Detector interface {
	Detect(ctx context.Context, requestID string, frame ffmpeg.Frame) (Detection, error)
}

// frameRequest is the wire form of a frame sent to a remote detector.
type frameRequest struct {
	RequestID string  `json:"request_id"`
	FrameID   int     `json:"frame_id"`
	Timestamp float64 `json:"timestamp"`
	Shape     string  `json:"shape"`
	Image     string  `json:"image"` // base64 JPEG
}
