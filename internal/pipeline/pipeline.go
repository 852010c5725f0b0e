// Package pipeline orchestrates one request end to end: split the source,
// process every segment in parallel, wait for all of them, reconcile the
// outputs into a global timeline and hand it to the sink.
//
// Segments share nothing but the request's IDSpace. The barrier is
// explicit: reconciliation starts only once every worker has returned, and
// any failed segment makes the manifest incomplete.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/reconcile"
	"github.com/banshee-data/segtrack/internal/record"
	"github.com/banshee-data/segtrack/internal/security"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/sink"
	"github.com/banshee-data/segtrack/internal/timeutil"
	"github.com/banshee-data/segtrack/internal/tracking"
	"github.com/banshee-data/segtrack/internal/worker"
)

// DefaultMaxWorkers bounds segment concurrency when MaxWorkers is unset.
const DefaultMaxWorkers = 4

// Pipeline wires the stages together. Tracker is the same collaborator the
// Worker uses; the orchestrator only calls ResetIDs on it.
type Pipeline struct {
	Segmenter  *segment.Segmenter
	Worker     *worker.Worker
	Tracker    tracking.Tracker
	Reconciler *reconcile.Reconciler
	Sink       *sink.Sink

	MaxWorkers int
	Clock      timeutil.Clock
}

// Request describes one job.
type Request struct {
	RequestID  string  `json:"request_id,omitempty"`
	SourcePath string  `json:"source"`
	Duration   float64 `json:"segment_duration_secs,omitempty"`
}

// Outcome is what a completed run produced.
type Outcome struct {
	RequestID string            `json:"request_id"`
	Segments  int               `json:"segments"`
	Records   int               `json:"records"`
	Sink      *sink.Result      `json:"sink"`
	Started   time.Time         `json:"started"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
	Manifest  *segment.Manifest `json:"-"`
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

func (p *Pipeline) clock() timeutil.Clock {
	if p.Clock == nil {
		return timeutil.RealClock{}
	}
	return p.Clock
}

// Run executes the whole pipeline for req. An empty RequestID is replaced
// with a new one; the id actually used is reported in the Outcome.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	const op = "pipeline.run"
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	if err := security.ValidateRequestID(req.RequestID); err != nil {
		return nil, fault.Wrap(fault.Input, op, err)
	}
	if p.Segmenter == nil || p.Worker == nil || p.Tracker == nil || p.Reconciler == nil || p.Sink == nil {
		return nil, fault.New(fault.Input, op, "pipeline is missing a stage")
	}

	clk := p.clock()
	started := clk.Now()
	diagf("request %s: splitting %s", req.RequestID, req.SourcePath)

	m, err := p.Segmenter.Split(ctx, segment.SplitRequest{
		RequestID:  req.RequestID,
		SourcePath: req.SourcePath,
		Duration:   req.Duration,
	})
	if err != nil {
		opsf("request %s: split failed: %v", req.RequestID, err)
		return nil, err
	}

	res, err := p.Finish(ctx, m)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		RequestID: req.RequestID,
		Segments:  m.SegmentCount,
		Records:   res.Records,
		Sink:      res,
		Started:   started,
		Elapsed:   clk.Since(started),
		Manifest:  m,
	}
	diagf("request %s: %d segments, %d records in %v", out.RequestID, out.Segments, out.Records, out.Elapsed)
	return out, nil
}

// Finish runs every stage after splitting: process, reconcile, sink.
func (p *Pipeline) Finish(ctx context.Context, m *segment.Manifest) (*sink.Result, error) {
	const op = "pipeline.finish"

	outputs, segErr := p.Process(ctx, m)
	if outputs == nil {
		return nil, segErr
	}
	timeline, err := p.Reconciler.Reconcile(m, outputs)
	if err != nil {
		if segErr != nil && fault.Is(err, fault.IncompleteManifest) {
			cause := errors.Join(err, segErr)
			return nil, &fault.Error{Kind: fault.IncompleteManifest, Op: op, Msg: cause.Error(), Err: cause}
		}
		return nil, err
	}

	res, err := p.Sink.Write(ctx, m, timeline)
	if err != nil {
		opsf("request %s: sink failed: %v", m.RequestID, err)
		return nil, err
	}
	for _, w := range res.Warnings {
		opsf("request %s: %s", m.RequestID, w)
	}
	return res, nil
}

// Process resets identity allocation for the request and runs the workers,
// at most MaxWorkers at a time. It returns the outputs of the segments
// that succeeded together with the joined errors of those that did not.
func (p *Pipeline) Process(ctx context.Context, m *segment.Manifest) (map[int][]record.TrackRecord, error) {
	const op = "pipeline.process"
	if m == nil {
		return nil, fault.New(fault.Input, op, "manifest is required")
	}
	if err := m.Validate(); err != nil {
		return nil, fault.Wrap(fault.Input, op, err)
	}

	ids := tracking.NewIDSpace()
	if err := p.Tracker.ResetIDs(ctx, ids); err != nil {
		opsf("request %s: reset ids failed: %v", m.RequestID, err)
		return nil, fault.Wrap(fault.Collaborator, op, err)
	}

	limit := p.MaxWorkers
	if limit <= 0 {
		limit = DefaultMaxWorkers
	}
	sem := semaphore.NewWeighted(int64(limit))
	clk := p.clock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		outputs = make(map[int][]record.TrackRecord, len(m.Segments))
		failed  = make(map[int]error)
	)
	for _, seg := range m.Segments {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed[seg.SegmentNumber] = fault.Wrap(fault.Collaborator, op, err)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(seg segment.Segment) {
			defer wg.Done()
			defer sem.Release(1)

			start := clk.Now()
			recs, err := p.Worker.Process(ctx, seg, ids)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[seg.SegmentNumber] = err
				opsf("request %s: segment %d failed: %v", seg.RequestID, seg.SegmentNumber, err)
				return
			}
			outputs[seg.SegmentNumber] = recs
			tracef("request %s: segment %d produced %d records in %v", seg.RequestID, seg.SegmentNumber, len(recs), clk.Since(start))
		}(seg)
	}
	wg.Wait()

	diagf("request %s: %d of %d segments processed, %d ids issued", m.RequestID, len(outputs), len(m.Segments), ids.Issued())
	return outputs, joinFailures(failed)
}

// joinFailures orders segment errors by segment number so the joined
// message is deterministic.
func joinFailures(failed map[int]error) error {
	if len(failed) == 0 {
		return nil
	}
	nums := make([]int, 0, len(failed))
	for n := range failed {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	errs := make([]error, 0, len(nums))
	for _, n := range nums {
		errs = append(errs, fmt.Errorf("segment %d: %w", n, failed[n]))
	}
	return errors.Join(errs...)
}
