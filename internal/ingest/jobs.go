package ingest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// ASYNC JOBS
// =============================================================================

// JobStatus is the lifecycle of an async ingestion.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job tracks one async ingestion.
type Job struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Result *Result   `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Jobs is an in-process registry for async ingestions. Large uploads run
// here so the HTTP handler can return 202 and let clients poll.
type Jobs struct {
	pipeline *Pipeline

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobs creates a job registry over a pipeline.
func NewJobs(p *Pipeline) *Jobs {
	return &Jobs{pipeline: p, jobs: make(map[string]*Job)}
}

// Start launches an async ingestion and returns its job id immediately.
// The job runs detached from the caller's request context.
func (j *Jobs) Start(policyID string, data []byte, mime string) string {
	job := &Job{ID: uuid.NewString(), Status: JobPending}
	j.mu.Lock()
	j.jobs[job.ID] = job
	j.mu.Unlock()

	go func() {
		j.setStatus(job.ID, JobRunning, nil, nil)
		res, err := j.pipeline.Ingest(context.Background(), policyID, data, mime)
		if err != nil {
			logging.Ingest("job %s failed: %v", job.ID, err)
			j.setStatus(job.ID, JobFailed, nil, err)
			return
		}
		j.setStatus(job.ID, JobDone, &res, nil)
	}()

	return job.ID
}

// Get returns a job snapshot.
func (j *Jobs) Get(id string) (Job, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, policy.ErrNotFound
	}
	return *job, nil
}

func (j *Jobs) setStatus(id string, status JobStatus, res *Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job := j.jobs[id]
	job.Status = status
	job.Result = res
	if err != nil {
		job.Error = err.Error()
	}
}
