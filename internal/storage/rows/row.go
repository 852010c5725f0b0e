// Package rows flattens timeline records into key/value rows for point
// lookups by request and frame. Numeric values are kept as exact decimal
// strings so that they read back exactly as written.
package rows

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/banshee-data/segtrack/internal/record"
)

// Row is one TrackRecord keyed by (request_id, frame_track_key). Nil fields
// come from null records.
type Row struct {
	RequestID     string  `json:"request_id"`
	FrameTrackKey string  `json:"frame_track_key"`
	FrameID       int     `json:"frame_id"`
	TrackID       *string `json:"track_id"`
	ClassName     *string `json:"class_name"`
	ClassID       *string `json:"class_id"`
	Confidence    *string `json:"confidence"`
	Timestamp     string  `json:"timestamp"`
	Box           *string `json:"box"` // JSON [x1,y1,x2,y2]
}

// Store persists rows. Put replaces any row with the same key.
type Store interface {
	Put(ctx context.Context, row Row) error
	Rows(ctx context.Context, requestID string, frame *int) ([]Row, error)
	Close() error
}

// FrameTrackKey renders "{frame}#{track}", with "null" for a null track.
func FrameTrackKey(frameID int, trackID *int64) string {
	t := "null"
	if trackID != nil {
		t = strconv.FormatInt(*trackID, 10)
	}
	return strconv.Itoa(frameID) + "#" + t
}

// Decimal renders v in the shortest form that parses back to v.
func Decimal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FromRecord flattens rec. Partially null records and non-finite numbers
// are rejected.
func FromRecord(rec record.TrackRecord) (Row, error) {
	if rec.RequestID == "" {
		return Row{}, fmt.Errorf("frame %d: record has no request id", rec.FrameID)
	}
	if err := rec.Validate(); err != nil {
		return Row{}, fmt.Errorf("frame %d: %w", rec.FrameID, err)
	}
	if err := finite(rec); err != nil {
		return Row{}, fmt.Errorf("frame %d: %w", rec.FrameID, err)
	}
	row := Row{
		RequestID:     rec.RequestID,
		FrameTrackKey: FrameTrackKey(rec.FrameID, rec.TrackID),
		FrameID:       rec.FrameID,
		Timestamp:     Decimal(rec.Timestamp),
		ClassName:     rec.ClassName,
	}
	if rec.TrackID != nil {
		s := strconv.FormatInt(*rec.TrackID, 10)
		row.TrackID = &s
	}
	if rec.ClassID != nil {
		s := strconv.Itoa(*rec.ClassID)
		row.ClassID = &s
	}
	if rec.Confidence != nil {
		s := Decimal(*rec.Confidence)
		row.Confidence = &s
	}
	if rec.Box != nil {
		b, err := json.Marshal([]json.Number{
			json.Number(Decimal(rec.Box.X1)),
			json.Number(Decimal(rec.Box.Y1)),
			json.Number(Decimal(rec.Box.X2)),
			json.Number(Decimal(rec.Box.Y2)),
		})
		if err != nil {
			return Row{}, err
		}
		s := string(b)
		row.Box = &s
	}
	return row, nil
}

// finite rejects NaN and infinite values, which have no decimal form.
func finite(rec record.TrackRecord) error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is %v", name, v)
		}
		return nil
	}
	if err := check("timestamp", rec.Timestamp); err != nil {
		return err
	}
	if rec.Confidence != nil {
		if err := check("confidence", *rec.Confidence); err != nil {
			return err
		}
	}
	if b := rec.Box; b != nil {
		for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
			if err := check("box coordinate", v); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortRows orders rows by frame, then key, matching the SQLite ordering.
func sortRows(rs []Row) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].FrameID != rs[j].FrameID {
			return rs[i].FrameID < rs[j].FrameID
		}
		return rs[i].FrameTrackKey < rs[j].FrameTrackKey
	})
}
