package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/httputil"
	"github.com/banshee-data/segtrack/internal/record"
)

const maxTrackResponseBytes = 64 << 20

// HTTPTracker calls a remote tracking service that keeps its own identity
// counter. POST /track takes the detection sequence and returns one
// TrackRecord per tracked object per frame; POST /reset_ids clears the
// counter.
type HTTPTracker struct {
	Endpoint string
	Client   httputil.HTTPClient
}

// NewHTTPTracker returns a client for endpoint.
func NewHTTPTracker(endpoint string, client httputil.HTTPClient) *HTTPTracker {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPTracker{Endpoint: strings.TrimRight(endpoint, "/"), Client: client}
}

// resetResponse is what /reset_ids reports; either field may be absent.
type resetResponse struct {
	NextID *int64 `json:"next_id"`
	Count  *int64 `json:"count"`
}

// ResetIDs resets the remote counter and the local space. A response
// showing a counter other than empty is a failure, not a silent success.
func (h *HTTPTracker) ResetIDs(ctx context.Context, ids *IDSpace) error {
	const op = "tracking.reset_ids"

	data, err := h.post(ctx, "/reset_ids", []byte("{}"))
	if err != nil {
		return fault.Wrap(fault.Collaborator, op, err)
	}
	var rr resetResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &rr); err != nil {
			return fault.Wrap(fault.Collaborator, op, fmt.Errorf("decode: %w", err))
		}
	}
	if rr.Count != nil && *rr.Count != 0 {
		return fault.Newf(fault.Collaborator, op, "tracker counter is %d after reset", *rr.Count)
	}
	if rr.NextID != nil && *rr.NextID != 1 {
		return fault.Newf(fault.Collaborator, op, "tracker next id is %d after reset", *rr.NextID)
	}
	if ids != nil {
		if err := ids.Reset(); err != nil {
			return fault.Wrap(fault.Collaborator, op, err)
		}
	}
	return nil
}

// Track posts seq and groups the returned records by frame. Null records
// mark frames the service processed without confirming a track.
func (h *HTTPTracker) Track(ctx context.Context, _ *IDSpace, seq []detect.Detection) (*Result, error) {
	const op = "tracking.http"

	body, err := json.Marshal(seq)
	if err != nil {
		return nil, fault.Wrap(fault.Input, op, err)
	}
	data, err := h.post(ctx, "/track", body)
	if err != nil {
		return nil, fault.Wrap(fault.Collaborator, op, err)
	}
	var recs []record.TrackRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fault.Wrap(fault.Collaborator, op, fmt.Errorf("decode: %w", err))
	}

	res := &Result{}
	index := make(map[int]int)
	for _, rec := range recs {
		pos, ok := index[rec.FrameID]
		if !ok {
			pos = len(res.Frames)
			index[rec.FrameID] = pos
			res.Frames = append(res.Frames, FrameTracks{FrameID: rec.FrameID})
		}
		if rec.IsNull() {
			continue
		}
		if rec.Box == nil {
			return nil, fault.Newf(fault.Collaborator, op, "frame %d: track %d has no box", rec.FrameID, *rec.TrackID)
		}
		t := Track{ID: *rec.TrackID, Box: *rec.Box}
		if rec.Confidence != nil {
			t.Score = *rec.Confidence
		}
		if rec.ClassID != nil {
			t.ClassID = *rec.ClassID
		}
		if rec.ClassName != nil {
			t.ClassName = *rec.ClassName
		}
		res.Frames[pos].Tracks = append(res.Frames[pos].Tracks, t)
	}
	return res, nil
}

func (h *HTTPTracker) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTrackResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
