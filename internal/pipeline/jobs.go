package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/security"
)

// State is the lifecycle position of a submitted job.
type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	RequestID string       `json:"request_id"`
	Source    string       `json:"source"`
	State     State        `json:"state"`
	Submitted time.Time    `json:"submitted"`
	Finished  *time.Time   `json:"finished,omitempty"`
	Outcome   *Outcome     `json:"outcome,omitempty"`
	Error     *fault.Error `json:"error,omitempty"`
}

// Jobs runs pipeline requests in the background and remembers their status
// for the lifetime of the process.
type Jobs struct {
	Pipeline *Pipeline

	mu   sync.Mutex
	jobs map[string]*JobStatus
	wg   sync.WaitGroup
}

// NewJobs returns an empty registry driving p.
func NewJobs(p *Pipeline) *Jobs {
	return &Jobs{Pipeline: p, jobs: make(map[string]*JobStatus)}
}

// Submit registers req and starts it. The returned status is a snapshot
// taken before the run begins. Resubmitting a request id that is still
// queued or running is an input error.
func (j *Jobs) Submit(ctx context.Context, req Request) (JobStatus, error) {
	const op = "jobs.submit"
	if req.SourcePath == "" {
		return JobStatus{}, fault.New(fault.Input, op, "source is required")
	}
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	if err := security.ValidateRequestID(req.RequestID); err != nil {
		return JobStatus{}, fault.Wrap(fault.Input, op, err)
	}

	clk := j.Pipeline.clock()
	j.mu.Lock()
	if prev, ok := j.jobs[req.RequestID]; ok && (prev.State == Queued || prev.State == Running) {
		j.mu.Unlock()
		return JobStatus{}, fault.Newf(fault.Input, op, "request %s is already %s", req.RequestID, prev.State)
	}
	st := &JobStatus{RequestID: req.RequestID, Source: req.SourcePath, State: Queued, Submitted: clk.Now()}
	j.jobs[req.RequestID] = st
	snapshot := *st
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.update(req.RequestID, func(s *JobStatus) { s.State = Running })

		out, err := j.Pipeline.Run(ctx, req)
		done := clk.Now()
		j.update(req.RequestID, func(s *JobStatus) {
			s.Finished = &done
			if err != nil {
				s.State = Failed
				s.Error = fault.AsError(err, fault.Collaborator)
				return
			}
			s.State = Succeeded
			s.Outcome = out
		})
	}()
	return snapshot, nil
}

func (j *Jobs) update(id string, fn func(*JobStatus)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.jobs[id]; ok {
		fn(s)
	}
}

// Get returns a copy of the job's status.
func (j *Jobs) Get(id string) (JobStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return *s, true
}

// List returns every known job, most recently submitted first.
func (j *Jobs) List() []JobStatus {
	j.mu.Lock()
	out := make([]JobStatus, 0, len(j.jobs))
	for _, s := range j.jobs {
		out = append(out, *s)
	}
	j.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].Submitted.Equal(out[b].Submitted) {
			return out[a].RequestID < out[b].RequestID
		}
		return out[a].Submitted.After(out[b].Submitted)
	})
	return out
}

// Wait blocks until every submitted job has finished.
func (j *Jobs) Wait() {
	j.wg.Wait()
}
