// Package sink persists a reconciled timeline: the primary artifact, the
// flattened row table, and the optional video and report outputs.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
	"github.com/banshee-data/segtrack/internal/monitoring"
	"github.com/banshee-data/segtrack/internal/record"
	"github.com/banshee-data/segtrack/internal/report"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/storage/blob"
	"github.com/banshee-data/segtrack/internal/storage/rows"
)

// VideoTool is the part of the transcoder the sink drives.
// *ffmpeg.Transcoder satisfies it.
type VideoTool interface {
	Concat(ctx context.Context, files []string, out string) error
	Annotate(ctx context.Context, src, out string, overlays []ffmpeg.Overlay) error
}

// Sink writes results for one request at a time. Rows and Video may be nil.
type Sink struct {
	Store blob.Store
	Rows  rows.Store
	Video VideoTool

	MergeVideo bool
	Annotate   bool
	Report     bool
	WorkDir    string
}

// Result reports what was written. Outputs maps an output name to its
// storage key; failed optional outputs are absent and listed in Warnings.
type Result struct {
	FinalKey    string            `json:"final_key"`
	Records     int               `json:"records"`
	RowsWritten int               `json:"rows_written"`
	RowsFailed  int               `json:"rows_failed"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
}

func (r *Result) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	monitoring.Logf("sink %s: %s", r.FinalKey, msg)
	r.Warnings = append(r.Warnings, msg)
}

// Write persists timeline for m. Only a failure to store the primary
// artifact is returned as an error; everything after it is best effort.
func (s *Sink) Write(ctx context.Context, m *segment.Manifest, timeline []record.TrackRecord) (*Result, error) {
	const op = "sink.write"
	if s.Store == nil {
		return nil, fault.New(fault.Input, op, "no blob store")
	}
	if timeline == nil {
		timeline = []record.TrackRecord{}
	}

	res := &Result{
		FinalKey: segment.FinalResultsKey(m.RequestID),
		Records:  len(timeline),
		Outputs:  make(map[string]string),
	}
	if err := blob.PutJSON(ctx, s.Store, res.FinalKey, timeline); err != nil {
		return nil, fault.Wrap(fault.Storage, op, err)
	}
	res.Outputs["final_results"] = res.FinalKey

	if s.Rows != nil {
		s.writeRows(ctx, timeline, res)
	}
	if s.Report {
		s.writeReport(ctx, m.RequestID, timeline, res)
	}
	if (s.MergeVideo || s.Annotate) && s.Video != nil {
		s.writeVideo(ctx, m, timeline, res)
	}
	return res, nil
}

func (s *Sink) writeRows(ctx context.Context, timeline []record.TrackRecord, res *Result) {
	for _, rec := range timeline {
		row, err := rows.FromRecord(rec)
		if err == nil {
			err = s.Rows.Put(ctx, row)
		}
		if err != nil {
			res.RowsFailed++
			monitoring.Logf("sink: skipping row for frame %d: %v", rec.FrameID, err)
			continue
		}
		res.RowsWritten++
	}
	if res.RowsFailed > 0 {
		res.warn("%d of %d rows failed", res.RowsFailed, len(timeline))
	}
}

func (s *Sink) writeReport(ctx context.Context, requestID string, timeline []record.TrackRecord, res *Result) {
	summary := report.Summarize(requestID, timeline)

	key := segment.SummaryKey(requestID)
	if err := blob.PutJSON(ctx, s.Store, key, summary); err != nil {
		res.warn("summary: %v", err)
	} else {
		res.Outputs["summary"] = key
	}

	var html bytes.Buffer
	key = segment.ReportKey(requestID)
	if err := report.RenderHTML(&html, summary, timeline); err != nil {
		res.warn("report: %v", err)
	} else if err := s.Store.Put(ctx, key, &html, blob.ContentTypeHTML); err != nil {
		res.warn("report: %v", err)
	} else {
		res.Outputs["report"] = key
	}

	var img bytes.Buffer
	key = segment.PlotKey(requestID)
	if err := report.RenderPNG(&img, requestID, timeline); err != nil {
		res.warn("plot: %v", err)
	} else if err := s.Store.Put(ctx, key, &img, blob.ContentTypePNG); err != nil {
		res.warn("plot: %v", err)
	} else {
		res.Outputs["plot"] = key
	}
}

// writeVideo concatenates the split chunks in manifest order and, when
// enabled, draws every populated record onto the merged video.
func (s *Sink) writeVideo(ctx context.Context, m *segment.Manifest, timeline []record.TrackRecord, res *Result) {
	dir, err := os.MkdirTemp(s.WorkDir, "segtrack-sink-")
	if err != nil {
		res.warn("video: %v", err)
		return
	}
	defer os.RemoveAll(dir)

	files := make([]string, 0, len(m.Segments))
	for _, seg := range m.Segments {
		local := filepath.Join(dir, filepath.Base(seg.SegmentFile))
		if err := blob.DownloadFile(ctx, s.Store, segment.ChunkKey(m.RequestID, seg.SegmentFile), local); err != nil {
			res.warn("video: chunk %d: %v", seg.SegmentNumber, err)
			return
		}
		files = append(files, local)
	}

	merged := filepath.Join(dir, "merged_video.mp4")
	if err := s.Video.Concat(ctx, files, merged); err != nil {
		res.warn("merge: %v", err)
		return
	}
	if s.MergeVideo {
		key := segment.MergedVideoKey(m.RequestID)
		if err := blob.UploadFile(ctx, s.Store, key, merged, blob.ContentTypeMP4); err != nil {
			res.warn("merge upload: %v", err)
		} else {
			res.Outputs["merged_video"] = key
		}
	}

	if !s.Annotate {
		return
	}
	annotated := filepath.Join(dir, "annotated_video.mp4")
	if err := s.Video.Annotate(ctx, merged, annotated, Overlays(timeline)); err != nil {
		res.warn("annotate: %v", err)
		return
	}
	key := segment.AnnotatedVideoKey(m.RequestID)
	if err := blob.UploadFile(ctx, s.Store, key, annotated, blob.ContentTypeMP4); err != nil {
		res.warn("annotate upload: %v", err)
		return
	}
	res.Outputs["annotated_video"] = key
}

// Overlays converts the populated records of a timeline into drawing
// instructions keyed by global frame.
func Overlays(timeline []record.TrackRecord) []ffmpeg.Overlay {
	var out []ffmpeg.Overlay
	for _, rec := range timeline {
		if rec.IsNull() || rec.Box == nil {
			continue
		}
		out = append(out, ffmpeg.Overlay{
			Frame: rec.FrameID,
			X1:    rec.Box.X1,
			Y1:    rec.Box.Y1,
			X2:    rec.Box.X2,
			Y2:    rec.Box.Y2,
			Label: rec.Label(),
		})
	}
	return out
}
