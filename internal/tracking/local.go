package tracking

import (
	"context"
	"sort"

	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/record"
)

// Config holds the local tracker's parameters.
type Config struct {
	TrackThresh   float64 // detections at or above this score are "high"
	LowThresh     float64 // detections below this score are ignored entirely
	MatchThresh   float64 // maximum 1-IoU cost in the first association pass
	TrackBuffer   int     // frames a lost track survives, at 30 fps
	FrameRate     float64 // scales TrackBuffer to the decode rate
	HitsToConfirm int     // consecutive hits before a later-born track is confirmed

	ProcessNoisePos  float32 // position process noise per frame (px²)
	ProcessNoiseVel  float32 // velocity process noise per frame (px²/frame²)
	MeasurementNoise float32 // centre measurement noise (px²)
}

// DefaultConfig mirrors the ByteTrack defaults used by the pipeline.
func DefaultConfig() Config {
	return Config{
		TrackThresh:      0.5,
		LowThresh:        0.1,
		MatchThresh:      0.8,
		TrackBuffer:      50,
		FrameRate:        25,
		HitsToConfirm:    2,
		ProcessNoisePos:  1,
		ProcessNoiseVel:  0.5,
		MeasurementNoise: 4,
	}
}

// maxLost is the number of consecutive misses a confirmed track survives.
func (c Config) maxLost() int {
	if c.FrameRate <= 0 {
		return c.TrackBuffer
	}
	n := int(c.FrameRate / 30 * float64(c.TrackBuffer))
	if n < 1 {
		n = 1
	}
	return n
}

// LocalTracker is an in-process Tracker. It holds no state between calls.
type LocalTracker struct {
	Config Config
}

// NewLocalTracker returns a tracker with cfg.
func NewLocalTracker(cfg Config) *LocalTracker {
	return &LocalTracker{Config: cfg}
}

func (lt *LocalTracker) ResetIDs(_ context.Context, ids *IDSpace) error {
	if err := ids.Reset(); err != nil {
		return fault.Wrap(fault.Collaborator, "tracking.reset_ids", err)
	}
	return nil
}

// Track runs seq through a fresh state. A detection that fails validation is
// treated as an empty frame so that motion timing stays frame-accurate.
func (lt *LocalTracker) Track(ctx context.Context, ids *IDSpace, seq []detect.Detection) (*Result, error) {
	r := &run{cfg: lt.Config, ids: ids}
	res := &Result{Frames: make([]FrameTracks, 0, len(seq))}
	for i, det := range seq {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Collaborator, "tracking.local", err)
		}
		frameID := i
		if det.FrameID != nil {
			frameID = *det.FrameID
		}
		if det.Validate() != nil {
			det = detect.Detection{Boxes: [][]float64{}}
		}
		res.Frames = append(res.Frames, FrameTracks{FrameID: frameID, Tracks: r.step(i, det)})
	}
	res.NextID = ids.Issued() + 1
	return res, nil
}

type trackState int

const (
	stateTentative trackState = iota
	stateConfirmed
	stateLost
	stateRemoved
)

type track struct {
	id        int64 // zero until confirmed
	state     trackState
	kf        kalman
	w, h      float32
	hits      int
	misses    int
	score     float64
	classID   int
	className string
	matchedAt int
}

func (t *track) box() record.Box {
	return record.Box{
		X1: float64(t.kf.x - t.w/2),
		Y1: float64(t.kf.y - t.h/2),
		X2: float64(t.kf.x + t.w/2),
		Y2: float64(t.kf.y + t.h/2),
	}
}

// run is the state of one Track call.
type run struct {
	cfg    Config
	ids    *IDSpace
	tracks []*track
}

type candidate struct {
	box       record.Box
	score     float64
	classID   int
	className string
}

// step advances the run by one frame and returns the confirmed tracks that
// were matched in it, ordered by id.
func (r *run) step(frame int, det detect.Detection) []Track {
	var high, low []candidate
	for i := 0; i < det.Len(); i++ {
		c := candidate{box: det.Box(i), score: det.Confidence[i], classID: det.ClassID[i], className: det.ClassName[i]}
		switch {
		case c.score >= r.cfg.TrackThresh:
			high = append(high, c)
		case c.score >= r.cfg.LowThresh:
			low = append(low, c)
		}
	}

	var pool, unconfirmed []*track
	for _, t := range r.tracks {
		t.kf.predict(r.cfg.ProcessNoisePos, r.cfg.ProcessNoiseVel)
		switch t.state {
		case stateConfirmed, stateLost:
			pool = append(pool, t)
		case stateTentative:
			unconfirmed = append(unconfirmed, t)
		}
	}

	// First pass: confirmed and lost tracks against high-score detections.
	matchedTracks, restHigh := r.associate(pool, high, r.cfg.MatchThresh, frame)

	// Second pass: still-active confirmed tracks against low-score detections.
	var active []*track
	for _, t := range pool {
		if !matchedTracks[t] && t.state == stateConfirmed {
			active = append(active, t)
		}
	}
	matchedLow, _ := r.associate(active, low, 0.5, frame)
	for t := range matchedLow {
		matchedTracks[t] = true
	}

	// Third pass: tentative tracks against what is left of the high set.
	matchedNew, restHigh := r.associate(unconfirmed, restHigh, 0.7, frame)
	for _, t := range unconfirmed {
		if !matchedNew[t] {
			t.state = stateRemoved
		} else if t.hits >= r.cfg.HitsToConfirm {
			t.state = stateConfirmed
			t.id = r.ids.Next()
		}
	}

	for _, t := range pool {
		if matchedTracks[t] {
			continue
		}
		t.misses++
		if t.state == stateConfirmed {
			t.state = stateLost
		}
		if t.misses > r.cfg.maxLost() {
			t.state = stateRemoved
		}
	}

	for _, c := range restHigh {
		t := &track{
			kf:        newKalman(c.box, r.cfg.MeasurementNoise),
			w:         float32(c.box.Width()),
			h:         float32(c.box.Height()),
			hits:      1,
			score:     c.score,
			classID:   c.classID,
			className: c.className,
			matchedAt: frame,
		}
		if frame == 0 || r.cfg.HitsToConfirm <= 1 {
			t.state = stateConfirmed
			t.id = r.ids.Next()
		}
		r.tracks = append(r.tracks, t)
	}

	live := r.tracks[:0]
	var out []Track
	for _, t := range r.tracks {
		if t.state == stateRemoved {
			continue
		}
		live = append(live, t)
		if t.state == stateConfirmed && t.matchedAt == frame {
			out = append(out, Track{ID: t.id, Box: t.box(), Score: t.score, ClassID: t.classID, ClassName: t.className})
		}
	}
	r.tracks = live
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// associate matches tracks to candidates with a 1-IoU cost, forbidding
// pairs above maxCost. Matched tracks are updated in place. It returns the
// matched set and the unmatched candidates in their original order.
func (r *run) associate(tracks []*track, cands []candidate, maxCost float64, frame int) (map[*track]bool, []candidate) {
	matched := make(map[*track]bool)
	if len(tracks) == 0 || len(cands) == 0 {
		return matched, cands
	}

	cost := make([][]float32, len(tracks))
	for i, t := range tracks {
		cost[i] = make([]float32, len(cands))
		tb := t.box()
		for j, c := range cands {
			d := 1 - IoU(tb, c.box)
			if d > maxCost {
				cost[i][j] = hungarianInf
			} else {
				cost[i][j] = float32(d)
			}
		}
	}

	used := make([]bool, len(cands))
	for i, j := range HungarianAssign(cost) {
		if j < 0 {
			continue
		}
		t, c := tracks[i], cands[j]
		t.kf.update(c.box, r.cfg.MeasurementNoise)
		t.w = 0.5*t.w + 0.5*float32(c.box.Width())
		t.h = 0.5*t.h + 0.5*float32(c.box.Height())
		t.hits++
		t.misses = 0
		t.score, t.classID, t.className = c.score, c.classID, c.className
		t.matchedAt = frame
		if t.state == stateLost {
			t.state = stateConfirmed
		}
		matched[t] = true
		used[j] = true
	}

	var rest []candidate
	for j, c := range cands {
		if !used[j] {
			rest = append(rest, c)
		}
	}
	return matched, rest
}

// IoU is the intersection over union of two boxes.
func IoU(a, b record.Box) float64 {
	ix := min(a.X2, b.X2) - max(a.X1, b.X1)
	iy := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
