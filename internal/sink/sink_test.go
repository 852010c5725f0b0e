package sink

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
	"github.com/banshee-data/segtrack/internal/fsutil"
	"github.com/banshee-data/segtrack/internal/record"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/storage/blob"
	"github.com/banshee-data/segtrack/internal/storage/rows"
)

// flakyStore fails Put for the listed keys.
type flakyStore struct {
	blob.Store
	fail map[string]bool
}

func (f *flakyStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if f.fail[key] {
		return errors.New("put refused")
	}
	return f.Store.Put(ctx, key, body, contentType)
}

type memRows struct {
	rows []rows.Row
	fail string
}

func (m *memRows) Put(_ context.Context, r rows.Row) error {
	if r.FrameTrackKey == m.fail {
		return errors.New("conditional check failed")
	}
	m.rows = append(m.rows, r)
	return nil
}

func (m *memRows) Rows(context.Context, string, *int) ([]rows.Row, error) { return m.rows, nil }
func (m *memRows) Close() error                                          { return nil }

type fakeVideo struct {
	concatErr   error
	annotateErr error
	concatIn    []string
	overlays    []ffmpeg.Overlay
}

func (f *fakeVideo) Concat(_ context.Context, files []string, out string) error {
	f.concatIn = files
	if f.concatErr != nil {
		return f.concatErr
	}
	return os.WriteFile(out, []byte("merged"), 0o644)
}

func (f *fakeVideo) Annotate(_ context.Context, _, out string, overlays []ffmpeg.Overlay) error {
	f.overlays = overlays
	if f.annotateErr != nil {
		return f.annotateErr
	}
	return os.WriteFile(out, []byte("annotated"), 0o644)
}

func manifest() *segment.Manifest {
	return &segment.Manifest{RequestID: "req", SegmentCount: 2, Segments: []segment.Segment{
		{RequestID: "req", SegmentFile: "output0000.mp4", SegmentNumber: 0},
		{RequestID: "req", SegmentFile: "output0001.mp4", SegmentNumber: 1},
	}}
}

func timeline() []record.TrackRecord {
	box := record.Box{X1: 4, Y1: 5, X2: 40, Y2: 50}
	return []record.TrackRecord{
		record.Populated("req", 0, 0, 1, box, 0.9, 2, "car"),
		record.Null("req", 1, 0.04, record.NoDetections),
		record.Populated("req", 2, 0.08, 1, box, 0.75, 2, "car"),
	}
}

func newStore() (*blob.FSStore, *fsutil.MemoryFileSystem) {
	mem := fsutil.NewMemoryFileSystem()
	for _, s := range manifest().Segments {
		mem.WriteFile("out/"+segment.ChunkKey("req", s.SegmentFile), []byte(s.SegmentFile))
	}
	return blob.NewFSStore("out", mem), mem
}

func TestWrite_AllOutputs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newStore()
	table := &memRows{}
	video := &fakeVideo{}
	s := &Sink{Store: store, Rows: table, Video: video, MergeVideo: true, Annotate: true, Report: true, WorkDir: t.TempDir()}

	res, err := s.Write(ctx, manifest(), timeline())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 3, res.RowsWritten)

	var back []record.TrackRecord
	require.NoError(t, blob.GetJSON(ctx, store, "req/final_results.json", &back))
	assert.Equal(t, timeline(), back)

	for name, key := range map[string]string{
		"summary":         "req/summary.json",
		"report":          "req/report.html",
		"plot":            "req/tracks.png",
		"merged_video":    "req/merged_video.mp4",
		"annotated_video": "req/annotated_video.mp4",
	} {
		assert.Equal(t, key, res.Outputs[name], name)
		_, err := blob.Get(ctx, store, key)
		assert.NoError(t, err, name)
	}

	require.Len(t, video.concatIn, 2)
	assert.Equal(t, "output0000.mp4", filepath.Base(video.concatIn[0]))
	assert.Equal(t, "output0001.mp4", filepath.Base(video.concatIn[1]))
	require.Len(t, video.overlays, 2)
	assert.Equal(t, "#1 car 0.75", video.overlays[1].Label)
	assert.Equal(t, 2, video.overlays[1].Frame)

	assert.Equal(t, "1#null", table.rows[1].FrameTrackKey)
}

func TestWrite_PrimaryFailureIsFatal(t *testing.T) {
	t.Parallel()
	store, _ := newStore()
	s := &Sink{Store: &flakyStore{Store: store, fail: map[string]bool{"req/final_results.json": true}}, Report: true}

	res, err := s.Write(context.Background(), manifest(), timeline())
	assert.Nil(t, res)
	assert.True(t, fault.Is(err, fault.Storage), "got %v", err)
}

func TestWrite_OptionalFailuresAreWarnings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mem := newStore()
	recs := timeline()
	partial := record.Null("req", 3, 0.12, record.NoTracks)
	partial.Confidence = new(float64)
	recs = append(recs, partial)

	s := &Sink{
		Store:      &flakyStore{Store: store, fail: map[string]bool{"req/report.html": true}},
		Rows:       &memRows{fail: "0#1"},
		Video:      &fakeVideo{annotateErr: errors.New("drawtext: no font")},
		MergeVideo: true,
		Annotate:   true,
		Report:     true,
		WorkDir:    t.TempDir(),
	}
	res, err := s.Write(ctx, manifest(), recs)
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowsWritten)
	assert.Equal(t, 2, res.RowsFailed, "one refused row and one partially null record")
	assert.Contains(t, res.Outputs, "merged_video")
	assert.Contains(t, res.Outputs, "summary")
	assert.NotContains(t, res.Outputs, "report")
	assert.NotContains(t, res.Outputs, "annotated_video")

	joined := strings.Join(res.Warnings, "\n")
	assert.Contains(t, joined, "2 of 4 rows failed")
	assert.Contains(t, joined, "report")
	assert.Contains(t, joined, "annotate")
	assert.Empty(t, mem.Paths("out/req/annotated_video.mp4"))
}

func TestWrite_MissingChunkSkipsVideo(t *testing.T) {
	t.Parallel()
	video := &fakeVideo{}
	s := &Sink{Store: blob.NewFSStore("out", fsutil.NewMemoryFileSystem()), Video: video, MergeVideo: true, WorkDir: t.TempDir()}

	res, err := s.Write(context.Background(), manifest(), nil)
	require.NoError(t, err)
	assert.Nil(t, video.concatIn)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "chunk 0")
	assert.Equal(t, 0, res.Records)
}

func TestOverlays(t *testing.T) {
	t.Parallel()
	got := Overlays(timeline())
	require.Len(t, got, 2)
	assert.Equal(t, ffmpeg.Overlay{Frame: 0, X1: 4, Y1: 5, X2: 40, Y2: 50, Label: "#1 car 0.90"}, got[0])
	assert.Empty(t, Overlays([]record.TrackRecord{record.Null("req", 0, 0, record.Dropped)}))
}
