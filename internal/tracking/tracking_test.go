package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/httputil"
	"github.com/banshee-data/segtrack/internal/record"
)

// frameDet builds a valid detection for frame i with the given boxes, all
// scored at score and classed as "car".
func frameDet(i int, score float64, boxes ...[]float64) detect.Detection {
	ts := float64(i) / 25
	d := detect.Detection{
		RequestID:  "r",
		FrameID:    &i,
		Timestamp:  &ts,
		Boxes:      [][]float64{},
		Confidence: []float64{},
		ClassID:    []int{},
		ClassName:  []string{},
		Shape:      "360,640,3",
	}
	for _, b := range boxes {
		d.Boxes = append(d.Boxes, b)
		d.Confidence = append(d.Confidence, score)
		d.ClassID = append(d.ClassID, 2)
		d.ClassName = append(d.ClassName, "car")
	}
	return d
}

// moving returns a 40x30 box translated by 2px per frame.
func moving(i int, x0 float64) []float64 {
	x := x0 + 2*float64(i)
	return []float64{x, 100, x + 40, 130}
}

func TestIDSpace(t *testing.T) {
	t.Parallel()

	var zero IDSpace
	assert.Equal(t, int64(1), zero.Next())

	s := NewIDSpace()
	assert.Equal(t, int64(0), s.Issued())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Issued())

	require.NoError(t, s.Reset())
	assert.Equal(t, int64(0), s.Issued())
	assert.Equal(t, int64(1), s.Next())
}

func TestIDSpace_Concurrent(t *testing.T) {
	t.Parallel()
	s := NewIDSpace()

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := s.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	assert.Equal(t, int64(800), s.Issued())
}

func TestIoU(t *testing.T) {
	t.Parallel()
	a := record.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
	assert.Equal(t, 1.0, IoU(a, a))
	assert.Equal(t, 0.0, IoU(a, record.Box{X1: 20, Y1: 20, X2: 30, Y2: 30}))
	assert.InDelta(t, 25.0/175.0, IoU(a, record.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}), 1e-12)
}

func TestLocalTracker_SingleObjectKeepsIdentity(t *testing.T) {
	t.Parallel()

	var seq []detect.Detection
	for i := 0; i < 75; i++ {
		if i == 40 {
			seq = append(seq, frameDet(i, 0.9))
			continue
		}
		seq = append(seq, frameDet(i, 0.9, moving(i, 50)))
	}

	ids := NewIDSpace()
	res, err := NewLocalTracker(DefaultConfig()).Track(context.Background(), ids, seq)
	require.NoError(t, err)
	require.Len(t, res.Frames, 75)

	for i, ft := range res.Frames {
		assert.Equal(t, i, ft.FrameID)
		if i == 40 {
			assert.Empty(t, ft.Tracks, "no detection in frame 40")
			continue
		}
		require.Len(t, ft.Tracks, 1, "frame %d", i)
		tr := ft.Tracks[0]
		assert.Equal(t, int64(1), tr.ID, "frame %d", i)
		assert.Equal(t, "car", tr.ClassName)
		assert.Equal(t, 2, tr.ClassID)
		assert.InDelta(t, 0.9, tr.Score, 1e-12)
	}

	first := res.Frames[0].Tracks[0].Box
	assert.Equal(t, record.Box{X1: 50, Y1: 100, X2: 90, Y2: 130}, first)
	assert.Equal(t, int64(2), res.NextID)
}

func TestLocalTracker_LateObjectNeedsConfirmation(t *testing.T) {
	t.Parallel()

	seq := []detect.Detection{
		frameDet(0, 0.9, moving(0, 50)),
		frameDet(1, 0.9, moving(1, 50), moving(1, 400)),
		frameDet(2, 0.9, moving(2, 50), moving(2, 400)),
	}
	res, err := NewLocalTracker(DefaultConfig()).Track(context.Background(), NewIDSpace(), seq)
	require.NoError(t, err)

	require.Len(t, res.Frames[1].Tracks, 1, "second object is tentative on its first frame")
	require.Len(t, res.Frames[2].Tracks, 2)
	assert.Equal(t, int64(1), res.Frames[2].Tracks[0].ID)
	assert.Equal(t, int64(2), res.Frames[2].Tracks[1].ID)
}

func TestLocalTracker_LowScoreOnlyExtendsTracks(t *testing.T) {
	t.Parallel()

	seq := []detect.Detection{
		frameDet(0, 0.3, moving(0, 50)), // low score never starts a track
		frameDet(1, 0.9, moving(1, 50)),
		frameDet(2, 0.9, moving(2, 50)),
		frameDet(3, 0.3, moving(3, 50)), // but keeps a confirmed one alive
	}
	res, err := NewLocalTracker(DefaultConfig()).Track(context.Background(), NewIDSpace(), seq)
	require.NoError(t, err)

	assert.Empty(t, res.Frames[0].Tracks)
	assert.Empty(t, res.Frames[1].Tracks)
	require.Len(t, res.Frames[2].Tracks, 1)
	require.Len(t, res.Frames[3].Tracks, 1)
	assert.Equal(t, res.Frames[2].Tracks[0].ID, res.Frames[3].Tracks[0].ID)
	assert.InDelta(t, 0.3, res.Frames[3].Tracks[0].Score, 1e-12)
}

func TestLocalTracker_InvalidFrameIsEmpty(t *testing.T) {
	t.Parallel()

	bad := frameDet(1, 0.9, moving(1, 50))
	bad.Shape = ""
	seq := []detect.Detection{frameDet(0, 0.9, moving(0, 50)), bad, frameDet(2, 0.9, moving(2, 50))}

	res, err := NewLocalTracker(DefaultConfig()).Track(context.Background(), NewIDSpace(), seq)
	require.NoError(t, err)
	assert.Empty(t, res.Frames[1].Tracks)
	require.Len(t, res.Frames[2].Tracks, 1)
	assert.Equal(t, int64(1), res.Frames[2].Tracks[0].ID)
}

func TestLocalTracker_SharedSpaceAcrossSegments(t *testing.T) {
	t.Parallel()
	lt := NewLocalTracker(DefaultConfig())
	ids := NewIDSpace()

	seg := []detect.Detection{frameDet(0, 0.9, moving(0, 50))}
	a, err := lt.Track(context.Background(), ids, seg)
	require.NoError(t, err)
	b, err := lt.Track(context.Background(), ids, seg)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Frames[0].Tracks[0].ID)
	assert.Equal(t, int64(2), b.Frames[0].Tracks[0].ID, "second segment draws from the same space")

	require.NoError(t, lt.ResetIDs(context.Background(), ids))
	c, err := lt.Track(context.Background(), ids, seg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Frames[0].Tracks[0].ID)
}

func TestLocalTracker_LostTrackExpires(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.TrackBuffer = 3
	cfg.FrameRate = 30

	seq := []detect.Detection{frameDet(0, 0.9, moving(0, 50))}
	for i := 1; i <= 5; i++ {
		seq = append(seq, frameDet(i, 0.9))
	}
	seq = append(seq, frameDet(6, 0.9, moving(0, 50)), frameDet(7, 0.9, moving(0, 50)))

	res, err := NewLocalTracker(cfg).Track(context.Background(), NewIDSpace(), seq)
	require.NoError(t, err)
	assert.Empty(t, res.Frames[6].Tracks, "reappearance after expiry starts a tentative track")
	require.Len(t, res.Frames[7].Tracks, 1)
	assert.Equal(t, int64(2), res.Frames[7].Tracks[0].ID)
}

func TestLocalTracker_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalTracker(DefaultConfig()).Track(ctx, NewIDSpace(), []detect.Detection{frameDet(0, 0.9)})
	assert.True(t, fault.Is(err, fault.Collaborator))
}

func TestHTTPTracker_Track(t *testing.T) {
	t.Parallel()

	recs := []record.TrackRecord{
		record.Populated("r", 0, 0, 4, record.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}, 0.8, 0, "person"),
		record.Populated("r", 0, 0, 9, record.Box{X1: 10, Y1: 1, X2: 15, Y2: 5}, 0.7, 0, "person"),
		record.Null("r", 1, 0.04, ""),
		record.Populated("r", 3, 0.12, 4, record.Box{X1: 2, Y1: 1, X2: 6, Y2: 5}, 0.8, 0, "person"),
	}
	body, err := json.Marshal(recs)
	require.NoError(t, err)
	mock := httputil.NewMockHTTPClient().AddResponse(200, string(body))

	res, err := NewHTTPTracker("http://tracker/", mock).Track(context.Background(), nil, []detect.Detection{frameDet(0, 0.9)})
	require.NoError(t, err)

	require.Len(t, res.Frames, 3, "frame 2 was dropped by the service")
	assert.Equal(t, 0, res.Frames[0].FrameID)
	assert.Len(t, res.Frames[0].Tracks, 2)
	assert.Equal(t, 1, res.Frames[1].FrameID)
	assert.Empty(t, res.Frames[1].Tracks)
	assert.Equal(t, 3, res.Frames[2].FrameID)
	assert.Equal(t, int64(4), res.Frames[2].Tracks[0].ID)

	req := mock.GetRequest(0)
	assert.Equal(t, "http://tracker/track", req.URL.String())
	sent, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var envelopes []detect.Detection
	require.NoError(t, json.Unmarshal(sent, &envelopes))
	assert.Len(t, envelopes, 1)
}

func TestHTTPTracker_TrackErrors(t *testing.T) {
	t.Parallel()
	cases := map[string]*httputil.MockHTTPClient{
		"status":    httputil.NewMockHTTPClient().AddResponse(502, "bad gateway"),
		"transport": httputil.NewMockHTTPClient().AddErrorResponse(errors.New("timeout")),
		"decode":    httputil.NewMockHTTPClient().AddResponse(200, `{"not":"a list"}`),
		"no box":    httputil.NewMockHTTPClient().AddResponse(200, `[{"frame_id":0,"timestamp":0,"track_id":3}]`),
	}
	for name, mock := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewHTTPTracker("http://t", mock).Track(context.Background(), nil, nil)
			assert.True(t, fault.Is(err, fault.Collaborator), "got %v", err)
		})
	}
}

func TestHTTPTracker_ResetIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok := httputil.NewMockHTTPClient().AddResponse(200, `{"next_id":1,"count":0}`)
	ids := NewIDSpace()
	ids.Next()
	require.NoError(t, NewHTTPTracker("http://t", ok).ResetIDs(ctx, ids))
	assert.Equal(t, "http://t/reset_ids", ok.GetRequest(0).URL.String())
	assert.Equal(t, int64(0), ids.Issued())

	empty := httputil.NewMockHTTPClient().AddResponse(200, "")
	assert.NoError(t, NewHTTPTracker("http://t", empty).ResetIDs(ctx, nil))

	for name, body := range map[string]string{
		"count":   `{"count":3}`,
		"next id": `{"next_id":7}`,
		"garbage": `not json`,
	} {
		mock := httputil.NewMockHTTPClient().AddResponse(200, body)
		err := NewHTTPTracker("http://t", mock).ResetIDs(ctx, nil)
		assert.True(t, fault.Is(err, fault.Collaborator), "%s: got %v", name, err)
	}

	failing := httputil.NewMockHTTPClient().AddResponse(500, "counter not zero")
	assert.True(t, fault.Is(NewHTTPTracker("http://t", failing).ResetIDs(ctx, nil), fault.Collaborator))
}
