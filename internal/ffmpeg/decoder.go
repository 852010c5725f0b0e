package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
)

// Frame is one decoded RGB24 frame. Index and Timestamp are local to the
// decoded file: Index counts from 0, Timestamp is Index/fps seconds.
type Frame struct {
	Index     int
	Timestamp float64
	Width     int
	Height    int
	Pix       []byte
}

// Shape is the "h,w,c" descriptor carried in detection payloads.
func (f Frame) Shape() string {
	return strconv.Itoa(f.Height) + "," + strconv.Itoa(f.Width) + ",3"
}

// Image converts the frame to an *image.RGBA for encoding.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FrameReader yields frames in decode order. Next returns io.EOF after the
// last frame.
type FrameReader interface {
	Next() (Frame, error)
	Close() error
}

// Decoder turns a video file into a FrameReader at a fixed frame rate.
type Decoder struct {
	Transcoder *Transcoder
	FPS        float64
}

// Open probes path for its resolution and starts decoding it.
func (d *Decoder) Open(ctx context.Context, path string) (FrameReader, error) {
	if d.FPS <= 0 {
		return nil, fmt.Errorf("decoder fps must be positive, got %v", d.FPS)
	}
	t := d.Transcoder
	if t == nil {
		t = &Transcoder{}
	}
	info, err := t.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vf", "fps=" + formatSeconds(d.FPS),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	}
	stream, err := t.runner().Stream(ctx, t.ffmpeg(), args...)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return NewRawReader(stream, info.Width, info.Height, d.FPS), nil
}

// RawReader reads fixed-size rgb24 frames from a stream.
type RawReader struct {
	r      io.ReadCloser
	width  int
	height int
	fps    float64
	next   int
}

// NewRawReader wraps r, which must carry width*height*3 bytes per frame.
func NewRawReader(r io.ReadCloser, width, height int, fps float64) *RawReader {
	return &RawReader{r: r, width: width, height: height, fps: fps}
}

func (rr *RawReader) Next() (Frame, error) {
	buf := make([]byte, rr.width*rr.height*3)
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("truncated frame %d", rr.next)
		}
		return Frame{}, fmt.Errorf("read frame %d: %w", rr.next, err)
	}
	f := Frame{
		Index:     rr.next,
		Timestamp: float64(rr.next) / rr.fps,
		Width:     rr.width,
		Height:    rr.height,
		Pix:       buf,
	}
	rr.next++
	return f, nil
}

func (rr *RawReader) Close() error { return rr.r.Close() }
