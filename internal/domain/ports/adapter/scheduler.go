package adapter

import (
	"context"

	"finetune-api/internal/domain/model"
)

// JobUpdate is one entry of the scheduler's batched job-details response.
type JobUpdate struct {
	JobID      string            `json:"job_id"`
	Status     string            `json:"status"`
	Timestamps map[string]string `json:"timestamps"`
	Artifacts  *ArtifactBundle   `json:"artifacts"`
	Metrics    map[string]any    `json:"metrics"`
}

// ArtifactBundle carries the scheduler's job_logger event stream.
type ArtifactBundle struct {
	JobLogger []LogEntry `json:"job_logger"`
}

type LogEntry struct {
	Operation string       `json:"operation"` // "step" | "weights"
	Data      LogEntryData `json:"data"`
}

// LogEntryData is a union of the per-operation payloads; unused fields stay
// at their zero values.
type LogEntryData struct {
	StepNum     int      `json:"step_num"`
	StepLen     int      `json:"step_len"`
	EpochNum    int      `json:"epoch_num"`
	EpochLen    int      `json:"epoch_len"`
	BaseURL     string   `json:"base_url"`
	WeightFiles []string `json:"weight_files"`
	OtherFiles  []string `json:"other_files"`
}

// MaxProgress folds the step events of a bundle into a single snapshot.
// ok is false when the bundle carries no step events.
func (b *ArtifactBundle) MaxProgress() (p model.Progress, ok bool) {
	if b == nil {
		return p, false
	}
	for _, e := range b.JobLogger {
		if e.Operation != "step" {
			continue
		}
		ok = true
		if e.Data.StepNum > p.CurrentStep {
			p.CurrentStep = e.Data.StepNum
		}
		if e.Data.EpochNum > p.CurrentEpoch {
			p.CurrentEpoch = e.Data.EpochNum
		}
		p.TotalSteps = e.Data.StepLen
		p.TotalEpochs = e.Data.EpochLen
	}
	return p, ok
}

// Weights returns the artifact payloads of any weights events in the bundle.
func (b *ArtifactBundle) Weights() []model.Artifacts {
	if b == nil {
		return nil
	}
	var out []model.Artifacts
	for _, e := range b.JobLogger {
		if e.Operation != "weights" {
			continue
		}
		out = append(out, model.Artifacts{
			BaseURL:     e.Data.BaseURL,
			WeightFiles: e.Data.WeightFiles,
			OtherFiles:  e.Data.OtherFiles,
		})
	}
	return out
}

// SchedulerGateway talks to the external scheduler's HTTP API. Submit is the
// only operation whose failure mutates job state (caller moves the job to
// FAILED); FetchBatch and Stop are advisory and never mutate on failure.
type SchedulerGateway interface {
	Submit(ctx context.Context, job *model.FineTuningJob, detail *model.JobDetail, dataset *model.Dataset, baseModel *model.BaseModel) error
	// FetchBatch issues a single batched call for all of one user's jobs.
	FetchBatch(ctx context.Context, userID string, jobIDs []string) ([]JobUpdate, error)
	// Stop requests cancelation. A scheduler 404 maps to domain.ErrJobNotRunning.
	Stop(ctx context.Context, jobID, userID string) error
}
