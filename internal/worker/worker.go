// Package worker runs one segment through decode, detection and tracking
// and turns the result into a dense per-frame TrackRecord sequence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
	"github.com/banshee-data/segtrack/internal/monitoring"
	"github.com/banshee-data/segtrack/internal/record"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/storage/blob"
	"github.com/banshee-data/segtrack/internal/tracking"
)

const (
	DefaultMinBoxArea     = 1.0
	DefaultMaxAspectRatio = 10.0
)

// Decoder opens a local video file for sequential frame reads.
// *ffmpeg.Decoder satisfies it.
type Decoder interface {
	Open(ctx context.Context, path string) (ffmpeg.FrameReader, error)
}

// Worker processes segments. Its collaborators are shared and must be safe
// for concurrent use; the Worker itself holds no per-segment state.
type Worker struct {
	Store    blob.Store
	Decoder  Decoder
	Detector detect.Detector
	Tracker  tracking.Tracker

	MinBoxArea     float64       // tracks with area at or below this are dropped
	MaxAspectRatio float64       // tracks with width/height above this are dropped
	Timeout        time.Duration // per collaborator call; zero means none
	WorkDir        string        // parent for temporary chunk downloads
}

// Stats counts the records a segment produced by outcome.
type Stats struct {
	Frames    int
	Populated int
	Nulls     map[record.NullReason]int
}

func (s Stats) String() string {
	return fmt.Sprintf("frames=%d populated=%d missing_fields=%d no_detections=%d no_tracks=%d filtered=%d dropped=%d",
		s.Frames, s.Populated, s.Nulls[record.MissingFields], s.Nulls[record.NoDetections],
		s.Nulls[record.NoTracks], s.Nulls[record.Filtered], s.Nulls[record.Dropped])
}

// frameInput pairs a decoded frame's position with what the detector said
// about it.
type frameInput struct {
	index     int
	timestamp float64
	det       detect.Detection
	invalid   bool
}

// Process downloads seg's chunk, runs it through the collaborators and
// stores the local record sequence at its processed-chunk key. Any
// collaborator or storage failure aborts the whole segment.
func (w *Worker) Process(ctx context.Context, seg segment.Segment, ids *tracking.IDSpace) ([]record.TrackRecord, error) {
	op := fmt.Sprintf("worker.segment_%d", seg.SegmentNumber)
	if w.Store == nil || w.Decoder == nil || w.Detector == nil || w.Tracker == nil {
		return nil, fault.New(fault.Input, op, "worker is missing a collaborator")
	}

	dir, err := os.MkdirTemp(w.WorkDir, "segtrack-chunk-")
	if err != nil {
		return nil, fault.Wrap(fault.Storage, op, err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, filepath.Base(seg.SegmentFile))
	if err := blob.DownloadFile(ctx, w.Store, segment.ChunkKey(seg.RequestID, seg.SegmentFile), local); err != nil {
		return nil, fault.Wrap(fault.Storage, op, fmt.Errorf("download chunk: %w", err))
	}

	frames, err := w.detectAll(ctx, seg.RequestID, local)
	if err != nil {
		return nil, fault.Wrap(fault.Collaborator, op, err)
	}

	seq := make([]detect.Detection, len(frames))
	for i, f := range frames {
		seq[i] = f.det
	}
	tctx, cancel := w.callContext(ctx)
	res, err := w.Tracker.Track(tctx, ids, seq)
	cancel()
	if err != nil {
		return nil, fault.Wrap(fault.Collaborator, op, fmt.Errorf("track: %w", err))
	}

	records, stats := w.assemble(seg.RequestID, frames, res)
	if err := blob.PutJSON(ctx, w.Store, segment.ProcessedKey(seg), records); err != nil {
		return nil, fault.Wrap(fault.Storage, op, err)
	}
	monitoring.Logf("segment %d of %s: %s", seg.SegmentNumber, seg.RequestID, stats)
	return records, nil
}

func (w *Worker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.Timeout > 0 {
		return context.WithTimeout(ctx, w.Timeout)
	}
	return context.WithCancel(ctx)
}

// detectAll decodes path and calls the detector once per frame. A
// detection that fails validation is kept but marked invalid, and the
// tracker sees an empty detection in its place so frame timing is
// preserved.
func (w *Worker) detectAll(ctx context.Context, requestID, path string) ([]frameInput, error) {
	fr, err := w.Decoder.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	frames, err := w.readFrames(ctx, requestID, fr)
	if err != nil {
		fr.Close()
		return nil, err
	}
	// A decoder that exits non-zero reports it only on Close.
	if err := fr.Close(); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return frames, nil
}

func (w *Worker) readFrames(ctx context.Context, requestID string, fr ffmpeg.FrameReader) ([]frameInput, error) {
	var frames []frameInput
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", len(frames), err)
		}

		dctx, cancel := w.callContext(ctx)
		det, err := w.Detector.Detect(dctx, requestID, frame)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("detect frame %d: %w", frame.Index, err)
		}

		in := frameInput{index: frame.Index, timestamp: frame.Timestamp}
		if det.Validate() != nil {
			in.invalid = true
			det = emptyDetection(requestID, frame)
		} else {
			// Decode order is authoritative for the local timeline.
			idx, ts := frame.Index, frame.Timestamp
			det.FrameID, det.Timestamp = &idx, &ts
		}
		in.det = det
		frames = append(frames, in)
	}
	return frames, nil
}

func emptyDetection(requestID string, frame ffmpeg.Frame) detect.Detection {
	idx, ts := frame.Index, frame.Timestamp
	return detect.Detection{
		RequestID:  requestID,
		FrameID:    &idx,
		Timestamp:  &ts,
		Boxes:      [][]float64{},
		Confidence: []float64{},
		ClassID:    []int{},
		ClassName:  []string{},
		Shape:      frame.Shape(),
	}
}

// assemble applies the per-frame policy in order: invalid detection, no
// detections, frame dropped by the tracker, no confirmed tracks, all tracks
// filtered. Every decoded frame yields at least one record.
func (w *Worker) assemble(requestID string, frames []frameInput, res *tracking.Result) ([]record.TrackRecord, Stats) {
	byFrame := make(map[int][]tracking.Track)
	if res != nil {
		for _, ft := range res.Frames {
			byFrame[ft.FrameID] = append(byFrame[ft.FrameID], ft.Tracks...)
		}
	}

	stats := Stats{Frames: len(frames), Nulls: make(map[record.NullReason]int)}
	out := make([]record.TrackRecord, 0, len(frames))
	null := func(f frameInput, reason record.NullReason) {
		stats.Nulls[reason]++
		out = append(out, record.Null(requestID, f.index, f.timestamp, reason))
	}

	for _, f := range frames {
		if f.invalid {
			null(f, record.MissingFields)
			continue
		}
		if f.det.Len() == 0 {
			null(f, record.NoDetections)
			continue
		}
		tracks, ok := byFrame[f.index]
		if !ok {
			null(f, record.Dropped)
			continue
		}
		if len(tracks) == 0 {
			null(f, record.NoTracks)
			continue
		}
		kept := 0
		for _, t := range tracks {
			if !w.keep(t.Box) {
				continue
			}
			kept++
			out = append(out, record.Populated(requestID, f.index, f.timestamp, t.ID, t.Box, t.Score, t.ClassID, t.ClassName))
		}
		if kept == 0 {
			null(f, record.Filtered)
			continue
		}
		stats.Populated += kept
	}
	return out, stats
}

// keep applies the anti-noise filters.
func (w *Worker) keep(b record.Box) bool {
	minArea := w.MinBoxArea
	if minArea <= 0 {
		minArea = DefaultMinBoxArea
	}
	maxAspect := w.MaxAspectRatio
	if maxAspect <= 0 {
		maxAspect = DefaultMaxAspectRatio
	}
	return b.Area() > minArea && b.AspectRatio() <= maxAspect
}

// LoadOutputs reads back the processed-chunk artifact of every segment in
// m. A segment without one makes the manifest incomplete.
func LoadOutputs(ctx context.Context, store blob.Store, m *segment.Manifest) (map[int][]record.TrackRecord, error) {
	const op = "worker.load_outputs"
	out := make(map[int][]record.TrackRecord, len(m.Segments))
	var missing []int
	for _, seg := range m.Segments {
		var recs []record.TrackRecord
		err := blob.GetJSON(ctx, store, segment.ProcessedKey(seg), &recs)
		switch {
		case errors.Is(err, blob.ErrNotFound):
			missing = append(missing, seg.SegmentNumber)
		case err != nil:
			return nil, fault.Wrap(fault.Storage, op, err)
		default:
			out[seg.SegmentNumber] = recs
		}
	}
	if len(missing) > 0 {
		return nil, fault.Newf(fault.IncompleteManifest, op, "no processed output for segments %v", missing)
	}
	return out, nil
}
