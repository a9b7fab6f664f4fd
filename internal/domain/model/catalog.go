package model

import "time"

type DatasetStatus string

const (
	DatasetStatusUploaded  DatasetStatus = "UPLOADED"
	DatasetStatusValidated DatasetStatus = "VALIDATED"
	DatasetStatusError     DatasetStatus = "ERROR"
	DatasetStatusDeleted   DatasetStatus = "DELETED"
)

type Dataset struct {
	ID        string
	UserID    string
	Name      string
	FileName  string // object name inside the per-user dataset bucket prefix
	Status    DatasetStatus
	CreatedAt time.Time
}

type BaseModelStatus string

const (
	BaseModelStatusActive     BaseModelStatus = "ACTIVE"
	BaseModelStatusInactive   BaseModelStatus = "INACTIVE"
	BaseModelStatusDeprecated BaseModelStatus = "DEPRECATED"
)

// ClusterConfig describes the compute shape a base model trains on for a
// given fine-tuning flavor (qlora, lora, full).
type ClusterConfig struct {
	NumGPUs int    `json:"num_gpus"`
	GPUType string `json:"gpu_type"`
}

type BaseModel struct {
	ID            string
	Name          string
	Status        BaseModelStatus
	ClusterConfig map[string]ClusterConfig // keyed by "qlora" | "lora" | "full"
	CreatedAt     time.Time
}
