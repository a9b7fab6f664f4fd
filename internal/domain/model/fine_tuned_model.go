package model

import (
	"time"

	"github.com/google/uuid"
)

type FineTunedModelStatus string

const (
	FineTunedModelStatusActive  FineTunedModelStatus = "ACTIVE"
	FineTunedModelStatusDeleted FineTunedModelStatus = "DELETED"
)

// Artifacts references the trained output files reported by the scheduler.
type Artifacts struct {
	BaseURL     string   `json:"base_url"`
	WeightFiles []string `json:"weight_files"`
	OtherFiles  []string `json:"other_files"`
}

// FineTunedModel is created at most once per job, when final weights arrive.
type FineTunedModel struct {
	ID        string
	UserID    string
	JobID     string
	Name      string // derived: <job_name>_model
	Status    FineTunedModelStatus
	Artifacts Artifacts
	CreatedAt time.Time
}

func NewFineTunedModel(userID, jobID, jobName string, artifacts Artifacts) *FineTunedModel {
	return &FineTunedModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		JobID:     jobID,
		Name:      jobName + "_model",
		Status:    FineTunedModelStatusActive,
		Artifacts: artifacts,
		CreatedAt: time.Now().UTC(),
	}
}
