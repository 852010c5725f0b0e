// Package testutil provides shared test fixtures: scripted stand-ins for the
// video decoder and the detector, and an HTTP status assertion.
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// FrameSource yields Count blank frames at FPS. Err, when set, is returned
// by Next at frame FailAt instead of the frame. CloseErr is returned by
// Close, the way a decoder subprocess reports a non-zero exit.
type FrameSource struct {
	Count    int
	FPS      float64
	Width    int
	Height   int
	FailAt   int
	Err      error
	CloseErr error

	next   int
	closed bool
}

func (s *FrameSource) Next() (ffmpeg.Frame, error) {
	if s.Err != nil && s.next == s.FailAt {
		return ffmpeg.Frame{}, s.Err
	}
	if s.next >= s.Count {
		return ffmpeg.Frame{}, io.EOF
	}
	w, h := s.Width, s.Height
	if w == 0 || h == 0 {
		w, h = 64, 36
	}
	fps := s.FPS
	if fps <= 0 {
		fps = 25
	}
	f := ffmpeg.Frame{Index: s.next, Timestamp: float64(s.next) / fps, Width: w, Height: h, Pix: make([]byte, w*h*3)}
	s.next++
	return f, nil
}

func (s *FrameSource) Close() error {
	s.closed = true
	return s.CloseErr
}

// Closed reports whether Close was called.
func (s *FrameSource) Closed() bool { return s.closed }

// Decoder opens a FrameSource per path. Frames maps the base name of the
// opened file to its frame count; unknown files yield Default frames.
// CloseErr is handed to every FrameSource it opens.
type Decoder struct {
	mu       sync.Mutex
	Frames   map[string]int
	Default  int
	FPS      float64
	OpenErr  error
	CloseErr error
	Opened   []string
}

func (d *Decoder) Open(_ context.Context, path string) (ffmpeg.FrameReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Opened = append(d.Opened, path)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	n := d.Default
	for name, count := range d.Frames {
		if len(path) >= len(name) && path[len(path)-len(name):] == name {
			n = count
		}
	}
	return &FrameSource{Count: n, FPS: d.FPS, CloseErr: d.CloseErr}, nil
}

// Detector answers each frame with the boxes Script returns for its index.
// Every box gets score Score (0.9 when zero) and class "car". Override, when
// set, replaces the envelope entirely for a frame.
type Detector struct {
	Script   func(frame int) [][]float64
	Score    float64
	Override func(frame int) (detect.Detection, bool)
	FailAt   int
	Err      error

	mu    sync.Mutex
	calls int
}

func (d *Detector) Detect(ctx context.Context, requestID string, f ffmpeg.Frame) (detect.Detection, error) {
	if err := ctx.Err(); err != nil {
		return detect.Detection{}, err
	}
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.Err != nil && f.Index == d.FailAt {
		return detect.Detection{}, fmt.Errorf("frame %d: %w", f.Index, d.Err)
	}
	if d.Override != nil {
		if det, ok := d.Override(f.Index); ok {
			return det, nil
		}
	}
	score := d.Score
	if score == 0 {
		score = 0.9
	}
	idx, ts := f.Index, f.Timestamp
	det := detect.Detection{
		RequestID:  requestID,
		FrameID:    &idx,
		Timestamp:  &ts,
		Boxes:      [][]float64{},
		Confidence: []float64{},
		ClassID:    []int{},
		ClassName:  []string{},
		Shape:      f.Shape(),
	}
	if d.Script != nil {
		for _, b := range d.Script(f.Index) {
			det.Boxes = append(det.Boxes, b)
			det.Confidence = append(det.Confidence, score)
			det.ClassID = append(det.ClassID, 2)
			det.ClassName = append(det.ClassName, "car")
		}
	}
	return det, nil
}

// Calls reports how many frames were sent to the detector.
func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// MovingBox is a 40x30 box that starts at x=50 and moves 2px per frame.
func MovingBox(frame int) [][]float64 {
	x := 50 + 2*float64(frame)
	return [][]float64{{x, 100, x + 40, 130}}
}

// MovingBoxExcept is MovingBox with the given frames left empty.
func MovingBoxExcept(empty ...int) func(int) [][]float64 {
	skip := make(map[int]bool, len(empty))
	for _, e := range empty {
		skip[e] = true
	}
	return func(frame int) [][]float64 {
		if skip[frame] {
			return nil
		}
		return MovingBox(frame)
	}
}
