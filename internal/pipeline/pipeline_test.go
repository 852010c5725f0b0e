package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
	"github.com/banshee-data/segtrack/internal/fsutil"
	"github.com/banshee-data/segtrack/internal/reconcile"
	"github.com/banshee-data/segtrack/internal/record"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/sink"
	"github.com/banshee-data/segtrack/internal/storage/blob"
	"github.com/banshee-data/segtrack/internal/testutil"
	"github.com/banshee-data/segtrack/internal/timeutil"
	"github.com/banshee-data/segtrack/internal/tracking"
	"github.com/banshee-data/segtrack/internal/worker"
)

// fakeSplitter writes n placeholder chunk files.
type fakeSplitter struct {
	n   int
	err error
}

func (f *fakeSplitter) Split(_ context.Context, _, outDir string, _ float64) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var names []string
	for i := 0; i < f.n; i++ {
		name := fmt.Sprintf("chunk_%04d.mp4", i)
		if err := os.WriteFile(filepath.Join(outDir, name), []byte(name), 0o644); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// failingDecoder refuses to open one chunk.
type failingDecoder struct {
	testutil.Decoder
	fail string
}

func (d *failingDecoder) Open(ctx context.Context, path string) (ffmpeg.FrameReader, error) {
	if strings.HasSuffix(path, d.fail) {
		return nil, errors.New("corrupt chunk")
	}
	return d.Decoder.Open(ctx, path)
}

// countingDecoder records how many frame readers are open at once.
type countingDecoder struct {
	testutil.Decoder
	mu     sync.Mutex
	active int
	peak   int
}

type countedReader struct {
	ffmpeg.FrameReader
	d *countingDecoder
}

func (r countedReader) Close() error {
	r.d.mu.Lock()
	r.d.active--
	r.d.mu.Unlock()
	return r.FrameReader.Close()
}

func (d *countingDecoder) Open(ctx context.Context, path string) (ffmpeg.FrameReader, error) {
	fr, err := d.Decoder.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.active++
	if d.active > d.peak {
		d.peak = d.active
	}
	d.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return countedReader{FrameReader: fr, d: d}, nil
}

type resetFailTracker struct {
	tracking.Tracker
}

func (resetFailTracker) ResetIDs(context.Context, *tracking.IDSpace) error {
	return errors.New("reset refused")
}

func sourceFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "drive.mp4")
	require.NoError(t, os.WriteFile(p, []byte("video"), 0o644))
	return p
}

func newTestPipeline(segments int, dec worker.Decoder, det detect.Detector) (*Pipeline, blob.Store) {
	store := blob.NewFSStore("data", fsutil.NewMemoryFileSystem())
	tr := tracking.NewLocalTracker(tracking.DefaultConfig())
	clk := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	clk.Step = time.Millisecond
	p := &Pipeline{
		Segmenter:  &segment.Segmenter{Store: store, Splitter: &fakeSplitter{n: segments}},
		Worker:     &worker.Worker{Store: store, Decoder: dec, Detector: det, Tracker: tr},
		Tracker:    tr,
		Reconciler: reconcile.New(25, reconcile.ByValue),
		Sink:       &sink.Sink{Store: store},
		MaxWorkers: 2,
		Clock:      clk,
	}
	return p, store
}

func TestRun_TwoSegmentsEndToEnd(t *testing.T) {
	dec := &testutil.Decoder{Default: 75}
	det := &testutil.Detector{Script: testutil.MovingBoxExcept(40)}
	p, store := newTestPipeline(2, dec, det)

	out, err := p.Run(context.Background(), Request{RequestID: "req-e2e", SourcePath: sourceFile(t)})
	require.NoError(t, err)
	assert.Equal(t, "req-e2e", out.RequestID)
	assert.Equal(t, 2, out.Segments)
	assert.Equal(t, 150, out.Records)
	assert.Equal(t, 150, det.Calls())
	assert.Positive(t, out.Elapsed)

	var timeline []record.TrackRecord
	require.NoError(t, blob.GetJSON(context.Background(), store, segment.FinalResultsKey("req-e2e"), &timeline))
	require.Len(t, timeline, 150)

	for i, rec := range timeline {
		assert.Equal(t, i, rec.FrameID, "record %d", i)
	}
	assert.True(t, timeline[40].IsNull())
	assert.Equal(t, record.NoDetections, timeline[40].NullReason)
	assert.True(t, timeline[115].IsNull(), "local frame 40 of the second segment")

	require.False(t, timeline[75].IsNull())
	assert.Equal(t, 75, timeline[75].FrameID)
	assert.InDelta(t, 3.0, timeline[75].Timestamp, 1e-9)

	// First appearance order: the first segment's car is 1, the second's is 2.
	require.False(t, timeline[0].IsNull())
	assert.Equal(t, int64(1), *timeline[0].TrackID)
	assert.Equal(t, int64(2), *timeline[75].TrackID)
	assert.Equal(t, int64(2), *timeline[149].TrackID)
}

func TestRun_GeneratesRequestID(t *testing.T) {
	p, _ := newTestPipeline(1, &testutil.Decoder{Default: 5}, &testutil.Detector{Script: testutil.MovingBox})

	out, err := p.Run(context.Background(), Request{SourcePath: sourceFile(t)})
	require.NoError(t, err)
	assert.Len(t, out.RequestID, 36)
	assert.Equal(t, 5, out.Records)
}

func TestRun_Failures(t *testing.T) {
	t.Run("invalid request id", func(t *testing.T) {
		p, _ := newTestPipeline(1, &testutil.Decoder{Default: 5}, &testutil.Detector{})
		_, err := p.Run(context.Background(), Request{RequestID: "../escape", SourcePath: sourceFile(t)})
		assert.True(t, fault.Is(err, fault.Input), "got %v", err)
	})

	t.Run("missing stage", func(t *testing.T) {
		_, err := (&Pipeline{}).Run(context.Background(), Request{RequestID: "r1", SourcePath: "x.mp4"})
		assert.True(t, fault.Is(err, fault.Input), "got %v", err)
	})

	t.Run("split failure", func(t *testing.T) {
		p, _ := newTestPipeline(1, &testutil.Decoder{Default: 5}, &testutil.Detector{})
		p.Segmenter.Splitter = &fakeSplitter{err: errors.New("ffmpeg exited 1")}
		_, err := p.Run(context.Background(), Request{RequestID: "r2", SourcePath: sourceFile(t)})
		assert.True(t, fault.Is(err, fault.Collaborator), "got %v", err)
	})

	t.Run("segment failure makes the manifest incomplete", func(t *testing.T) {
		dec := &failingDecoder{Decoder: testutil.Decoder{Default: 10}, fail: "chunk_0001.mp4"}
		p, store := newTestPipeline(3, dec, &testutil.Detector{Script: testutil.MovingBox})

		_, err := p.Run(context.Background(), Request{RequestID: "r3", SourcePath: sourceFile(t)})
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.IncompleteManifest), "got %v", err)
		assert.Contains(t, err.Error(), "segment 1")
		assert.Contains(t, err.Error(), "corrupt chunk")

		_, getErr := blob.Get(context.Background(), store, segment.FinalResultsKey("r3"))
		assert.ErrorIs(t, getErr, blob.ErrNotFound)
	})

	t.Run("reset ids failure", func(t *testing.T) {
		det := &testutil.Detector{}
		p, _ := newTestPipeline(2, &testutil.Decoder{Default: 5}, det)
		p.Tracker = resetFailTracker{}
		_, err := p.Run(context.Background(), Request{RequestID: "r4", SourcePath: sourceFile(t)})
		assert.True(t, fault.Is(err, fault.Collaborator), "got %v", err)
		assert.Contains(t, err.Error(), "reset refused")
		assert.Zero(t, det.Calls())
	})
}

func TestProcess_BoundsConcurrency(t *testing.T) {
	dec := &countingDecoder{Decoder: testutil.Decoder{Default: 3}}
	p, _ := newTestPipeline(6, dec, &testutil.Detector{Script: testutil.MovingBox})
	p.MaxWorkers = 2

	out, err := p.Run(context.Background(), Request{RequestID: "bounded", SourcePath: sourceFile(t)})
	require.NoError(t, err)
	assert.Equal(t, 18, out.Records)
	assert.LessOrEqual(t, dec.peak, 2)
	assert.GreaterOrEqual(t, dec.peak, 1)
}

func TestProcess_RejectsBadManifest(t *testing.T) {
	p, _ := newTestPipeline(1, &testutil.Decoder{}, &testutil.Detector{})

	_, err := p.Process(context.Background(), nil)
	assert.True(t, fault.Is(err, fault.Input))

	_, err = p.Process(context.Background(), &segment.Manifest{RequestID: "r", SegmentCount: 2})
	assert.True(t, fault.Is(err, fault.Input))
}

func TestProcess_CancelledContext(t *testing.T) {
	p, _ := newTestPipeline(1, &testutil.Decoder{Default: 5}, &testutil.Detector{})
	m := &segment.Manifest{RequestID: "c", SegmentCount: 2, Segments: []segment.Segment{
		{RequestID: "c", SegmentFile: "chunk_0000.mp4", SegmentNumber: 0},
		{RequestID: "c", SegmentFile: "chunk_0001.mp4", SegmentNumber: 1},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outputs, err := p.Process(ctx, m)
	require.Error(t, err)
	assert.Empty(t, outputs)
	assert.Contains(t, err.Error(), "segment 0")
	assert.Contains(t, err.Error(), "segment 1")
}

func TestJoinFailures(t *testing.T) {
	assert.NoError(t, joinFailures(nil))

	err := joinFailures(map[int]error{
		2: fault.New(fault.Storage, "worker.segment_2", "disk full"),
		0: fault.New(fault.Collaborator, "worker.segment_0", "detector down"),
	})
	require.Error(t, err)
	msg := err.Error()
	assert.Less(t, strings.Index(msg, "segment 0"), strings.Index(msg, "segment 2"))
	assert.Equal(t, fault.Collaborator, fault.KindOf(err))
}
