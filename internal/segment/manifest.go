// Package segment describes how a source video is partitioned and where each
// stage's artifacts live in the blob store.
//
// The Manifest is written once by the Segmenter and is read-only afterwards:
// workers use it to locate their segment, the reconciler uses it as the
// authoritative order and completeness list.
package segment

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/storage/blob"
)

// Segment is one time-bounded slice of the source video.
type Segment struct {
	RequestID     string  `json:"request_id"`
	SegmentFile   string  `json:"segment_file"`
	SegmentNumber int     `json:"segment_number"`
	StartTime     float64 `json:"start_time"` // nominal offset in the source, metadata only
	Duration      float64 `json:"duration"`   // requested duration, not the encoded length
	OriginalVideo string  `json:"original_video"`
}

// Base returns the segment file name without its extension.
func (s Segment) Base() string {
	return strings.TrimSuffix(s.SegmentFile, path.Ext(s.SegmentFile))
}

// Manifest is the ordered description of a request's segments.
type Manifest struct {
	RequestID    string    `json:"request_id"`
	SegmentCount int       `json:"segment_count"`
	Segments     []Segment `json:"segments"`
}

// Validate checks that segment_count matches, and that segment numbers are
// dense from 0 and listed in ascending order.
func (m Manifest) Validate() error {
	if m.SegmentCount != len(m.Segments) {
		return fmt.Errorf("segment_count %d does not match %d segments", m.SegmentCount, len(m.Segments))
	}
	for i, s := range m.Segments {
		if s.SegmentNumber != i {
			return fmt.Errorf("segment at position %d has number %d", i, s.SegmentNumber)
		}
		if s.SegmentFile == "" {
			return fmt.Errorf("segment %d has no file", i)
		}
	}
	return nil
}

// LoadManifest reads and validates {requestID}/manifest.json.
func LoadManifest(ctx context.Context, store blob.Store, requestID string) (*Manifest, error) {
	const op = "segment.load_manifest"
	var m Manifest
	if err := blob.GetJSON(ctx, store, ManifestKey(requestID), &m); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fault.Newf(fault.Input, op, "no manifest for request %q", requestID)
		}
		return nil, fault.Wrap(fault.Storage, op, err)
	}
	if m.RequestID == "" {
		m.RequestID = requestID
	}
	if err := m.Validate(); err != nil {
		return nil, fault.Wrap(fault.Input, op, err)
	}
	return &m, nil
}
