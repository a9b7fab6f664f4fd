package model

import (
	"time"

	"github.com/google/uuid"
)

// FineTuningJob is the job aggregate root. Progress counters are pointers
// because the scheduler reports them only once training has started.
type FineTuningJob struct {
	ID           string
	UserID       string
	BaseModelID  string
	DatasetID    string
	Name         string // unique per (user, name)
	Status       JobStatus
	CurrentStep  *int
	TotalSteps   *int
	CurrentEpoch *int
	TotalEpochs  *int
	NumTokens    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobDetail is 1:1 with FineTuningJob. Parameters are written once at
// creation; timestamps and metrics are owned by the reconciliation paths.
type JobDetail struct {
	JobID      string
	Parameters map[string]any
	Metrics    map[string]any
	Timestamps map[string]string // lowercase internal status -> ISO timestamp
}

// Progress is a monotonic training-progress snapshot.
type Progress struct {
	CurrentStep  int
	TotalSteps   int
	CurrentEpoch int
	TotalEpochs  int
}

// Supersedes reports whether p carries newer information than the job's
// stored counters. Stale or duplicate snapshots must be dropped, not applied.
func (p Progress) Supersedes(job *FineTuningJob) bool {
	current := -1
	if job.CurrentStep != nil {
		current = *job.CurrentStep
	}
	return p.CurrentStep > current
}

func NewFineTuningJob(userID, name, baseModelID, datasetID string, params map[string]any) (*FineTuningJob, *JobDetail) {
	now := time.Now().UTC()
	job := &FineTuningJob{
		ID:          uuid.NewString(),
		UserID:      userID,
		BaseModelID: baseModelID,
		DatasetID:   datasetID,
		Name:        name,
		Status:      JobStatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	detail := &JobDetail{
		JobID:      job.ID,
		Parameters: params,
		Metrics:    map[string]any{},
		Timestamps: map[string]string{},
	}
	return job, detail
}
