package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
	"github.com/banshee-data/segtrack/internal/httputil"
)

// maxResponseBytes bounds a detector response body.
const maxResponseBytes = 8 << 20

// HTTPDetector posts frames to {Endpoint}/detect.
type HTTPDetector struct {
	Endpoint string
	Client   httputil.HTTPClient
	// JPEGQuality defaults to 90.
	JPEGQuality int
}

// NewHTTPDetector returns a detector using client, or http.DefaultClient when nil.
func NewHTTPDetector(endpoint string, client httputil.HTTPClient) *HTTPDetector {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPDetector{Endpoint: strings.TrimRight(endpoint, "/"), Client: client}
}

func (d *HTTPDetector) Detect(ctx context.Context, requestID string, frame ffmpeg.Frame) (Detection, error) {
	const op = "detect.http"

	body, err := encodeFrame(requestID, frame, d.JPEGQuality)
	if err != nil {
		return Detection{}, fault.Wrap(fault.Input, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint+"/detect", bytes.NewReader(body))
	if err != nil {
		return Detection{}, fault.Wrap(fault.Input, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return Detection{}, fault.Wrap(fault.Collaborator, op, fmt.Errorf("frame %d: %w", frame.Index, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Detection{}, fault.Wrap(fault.Collaborator, op, fmt.Errorf("frame %d: read body: %w", frame.Index, err))
	}
	if resp.StatusCode != http.StatusOK {
		return Detection{}, fault.Newf(fault.Collaborator, op, "frame %d: status %d: %s", frame.Index, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var det Detection
	if err := json.Unmarshal(data, &det); err != nil {
		return Detection{}, fault.Wrap(fault.Collaborator, op, fmt.Errorf("frame %d: decode: %w", frame.Index, err))
	}
	return det, nil
}

func encodeFrame(requestID string, frame ffmpeg.Frame, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 90
	}
	var img bytes.Buffer
	if err := jpeg.Encode(&img, frame.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}
	return json.Marshal(frameRequest{
		RequestID: requestID,
		FrameID:   frame.Index,
		Timestamp: frame.Timestamp,
		Shape:     frame.Shape(),
		Image:     base64.StdEncoding.EncodeToString(img.Bytes()),
	})
}
