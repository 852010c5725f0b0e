// Package reconcile stitches independently tracked segments into one
// request-wide timeline. It performs no I/O: callers hand it the manifest
// and every segment's local records once all workers have finished.
//
// Reconciliation is bookkeeping only. Frame numbers and timestamps are
// shifted onto the source timeline, the merged set is sorted, and track
// identities are renumbered densely from 1. Objects that cross a segment
// boundary are not re-identified.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/record"
	"github.com/banshee-data/segtrack/internal/segment"
)

// RemapKey selects what a local track id is keyed on when global ids are
// assigned.
type RemapKey string

const (
	// ByValue keys on the raw id. Equal ids from different segments merge
	// into one global id, which is only correct when every segment of a
	// request draws ids from one shared space.
	ByValue RemapKey = "value"
	// BySegment keys on (segment_number, id), so ids never merge across
	// segments.
	BySegment RemapKey = "segment"
)

// ParseRemapKey accepts "value", "segment", or "" (meaning value).
func ParseRemapKey(s string) (RemapKey, error) {
	switch RemapKey(s) {
	case "", ByValue:
		return ByValue, nil
	case BySegment:
		return BySegment, nil
	}
	return "", fmt.Errorf("unknown remap key %q (want %q or %q)", s, ByValue, BySegment)
}

const DefaultFrameRate = 25.0

// Reconciler merges segment outputs. The zero value uses 25 fps and value
// keying.
type Reconciler struct {
	FrameDuration float64 // seconds between frames; the time offset step
	Key           RemapKey
}

// New returns a Reconciler for frames decoded at fps.
func New(fps float64, key RemapKey) *Reconciler {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return &Reconciler{FrameDuration: 1 / fps, Key: key}
}

// tagged carries a record with the segment it came from through the sort.
type tagged struct {
	seg int
	rec record.TrackRecord
}

type segmentID struct {
	seg int
	id  int64
}

// Reconcile returns the global timeline for m. Every segment listed in m
// must have an entry in outputs (an empty slice counts); otherwise it
// fails with an incomplete-manifest error. Inputs are not modified, and the
// result depends only on their content.
func (r *Reconciler) Reconcile(m *segment.Manifest, outputs map[int][]record.TrackRecord) ([]record.TrackRecord, error) {
	const op = "reconcile"
	if m == nil {
		return nil, fault.New(fault.Input, op, "no manifest")
	}

	var missing []int
	total := 0
	for _, s := range m.Segments {
		recs, ok := outputs[s.SegmentNumber]
		if !ok {
			missing = append(missing, s.SegmentNumber)
			continue
		}
		total += len(recs)
	}
	if len(missing) > 0 {
		return nil, fault.Newf(fault.IncompleteManifest, op,
			"%d of %d segments have no output: %v", len(missing), len(m.Segments), missing)
	}

	frameDur := r.FrameDuration
	if frameDur <= 0 {
		frameDur = 1 / DefaultFrameRate
	}

	segs := append([]segment.Segment(nil), m.Segments...)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].SegmentNumber < segs[j].SegmentNumber })

	all := make([]tagged, 0, total)
	frameOffset, timeOffset := 0, 0.0
	for _, s := range segs {
		recs := outputs[s.SegmentNumber]
		for _, rec := range recs {
			rec.FrameID += frameOffset
			rec.Timestamp += timeOffset
			all = append(all, tagged{seg: s.SegmentNumber, rec: rec})
		}
		if len(recs) == 0 {
			continue
		}
		// The last record has already been shifted, so the offsets
		// accumulate across segments.
		last := all[len(all)-1].rec
		frameOffset = last.FrameID + 1
		timeOffset = last.Timestamp + frameDur
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].rec, all[j].rec
		if a.FrameID != b.FrameID {
			return a.FrameID < b.FrameID
		}
		return a.Timestamp < b.Timestamp
	})

	out := make([]record.TrackRecord, len(all))
	byValue := make(map[int64]int64)
	bySegment := make(map[segmentID]int64)
	var next int64
	for i, t := range all {
		rec := t.rec
		if rec.IsNull() {
			out[i] = rec
			continue
		}
		var (
			global int64
			seen   bool
		)
		if r.Key == BySegment {
			k := segmentID{seg: t.seg, id: *rec.TrackID}
			if global, seen = bySegment[k]; !seen {
				next++
				global = next
				bySegment[k] = global
			}
		} else {
			if global, seen = byValue[*rec.TrackID]; !seen {
				next++
				global = next
				byValue[*rec.TrackID] = global
			}
		}
		out[i] = rec.WithTrackID(global)
	}
	return out, nil
}
