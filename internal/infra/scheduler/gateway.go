// File: internal/infra/scheduler/gateway.go
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"finetune-api/internal/config"
	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/adapter"
)

var _ adapter.SchedulerGateway = (*Gateway)(nil)

// Gateway talks to the compute scheduler over its internal HTTP API. With
// enabled=false every call is a logged no-op so the rest of the system can run
// detached from real compute.
type Gateway struct {
	baseURL string
	enabled bool
	bucket  string
	envName string
	client  *http.Client
	log     *zerolog.Logger
}

func NewGateway(cfg config.SchedulerConfig, logger *zerolog.Logger) *Gateway {
	l := logger.With().Str("component", "SchedulerGateway").Logger()
	return &Gateway{
		baseURL: cfg.BaseURL,
		enabled: cfg.Enabled,
		bucket:  cfg.DatasetBucket,
		envName: cfg.EnvName,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     &l,
	}
}

type submitArgs struct {
	JobConfigName string `json:"job_config_name"`
	DatasetID     string `json:"dataset_id"`
	BatchSize     int    `json:"batch_size"`
	Shuffle       bool   `json:"shuffle"`
	NumEpochs     int    `json:"num_epochs"`
	UseLoRA       bool   `json:"use_lora"`
	UseQLoRA      bool   `json:"use_qlora"`
	NumGPUs       int    `json:"num_gpus"`
	OverrideEnv   string `json:"override_env,omitempty"`
}

type submitPayload struct {
	JobID     string     `json:"job_id"`
	Workflow  string     `json:"workflow"`
	Args      submitArgs `json:"args"`
	GPUType   string     `json:"gpu_type"`
	NumGPUs   int        `json:"num_gpus"`
	UserID    string     `json:"user_id"`
	KeepAlive bool       `json:"keep_alive"`
}

func (g *Gateway) Submit(ctx context.Context, job *model.FineTuningJob, detail *model.JobDetail, dataset *model.Dataset, baseModel *model.BaseModel) error {
	if !g.enabled {
		g.log.Info().Str("job_id", job.ID).Msg("scheduler disabled, skipping submit")
		return nil
	}

	useLoRA := boolParam(detail.Parameters, "use_lora", true)
	useQLoRA := boolParam(detail.Parameters, "use_qlora", false)
	if !useLoRA && !useQLoRA {
		return domain.ErrFullFineTuningDisabled
	}
	if !useLoRA {
		useQLoRA = false
	}

	flavor := "lora"
	if useQLoRA {
		flavor = "qlora"
	}
	cluster, ok := baseModel.ClusterConfig[flavor]
	if !ok {
		return fmt.Errorf("%w: base model %q has no %q cluster config", domain.ErrInvalidArgument, baseModel.Name, flavor)
	}

	payload := submitPayload{
		JobID:    job.ID,
		Workflow: "torchtunewrapper",
		Args: submitArgs{
			JobConfigName: baseModel.Name,
			DatasetID:     fmt.Sprintf("gs://%s/%s/%s", g.bucket, job.UserID, dataset.FileName),
			BatchSize:     intParam(detail.Parameters, "batch_size", 2),
			Shuffle:       boolParam(detail.Parameters, "shuffle", true),
			NumEpochs:     intParam(detail.Parameters, "num_epochs", 1),
			UseLoRA:       useLoRA,
			UseQLoRA:      useQLoRA,
			NumGPUs:       cluster.NumGPUs,
		},
		GPUType:   cluster.GPUType,
		NumGPUs:   cluster.NumGPUs,
		UserID:    job.UserID,
		KeepAlive: false,
	}
	if g.envName == "dev" || g.envName == "prod" {
		payload.Args.OverrideEnv = g.envName
	}

	resp, err := g.postJSON(ctx, g.baseURL+"/jobs/gcp", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		g.log.Info().Str("job_id", job.ID).Msg("submitted fine-tuning job")
		return nil
	case http.StatusUnprocessableEntity:
		// The scheduler reports validation failures as {"message": ...}.
		var e struct {
			Message string `json:"message"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&e); derr == nil && e.Message != "" {
			return fmt.Errorf("scheduler rejected job %s: %s", job.ID, e.Message)
		}
		return fmt.Errorf("scheduler rejected job %s", job.ID)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("scheduler submit for job %s: status %d: %s", job.ID, resp.StatusCode, string(body))
	}
}

func (g *Gateway) FetchBatch(ctx context.Context, userID string, jobIDs []string) ([]adapter.JobUpdate, error) {
	if !g.enabled {
		g.log.Info().Msg("scheduler disabled, skipping fetch")
		return nil, nil
	}

	payload := map[string]any{"user_id": userID, "job_ids": jobIDs}
	resp, err := g.postJSON(ctx, g.baseURL+"/jobs/get_by_user_and_ids", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrJobRefresh, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrJobRefresh, resp.StatusCode, string(body))
	}

	var updates []adapter.JobUpdate
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrJobRefresh, err)
	}
	return updates, nil
}

func (g *Gateway) Stop(ctx context.Context, jobID, userID string) error {
	if !g.enabled {
		g.log.Info().Str("job_id", jobID).Msg("scheduler disabled, skipping stop")
		return nil
	}

	url := fmt.Sprintf("%s/jobs/gcp/stop/%s/%s", g.baseURL, jobID, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrJobCancelation, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return domain.ErrJobNotRunning
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", domain.ErrJobCancelation, resp.StatusCode, string(body))
	}
}

func (g *Gateway) postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.client.Do(req)
}

// boolParam and intParam read loosely typed job parameters. Values arrive via
// JSON, so numbers may be float64.
func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
