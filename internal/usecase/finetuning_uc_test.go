//go:build !integration

package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
)

type ftFixture struct {
	uc      *fineTuningUC
	users   *memUserRepo
	jobs    *memJobRepo
	models  *memModelRepo
	gateway *mockGateway
}

func newFTFixture() *ftFixture {
	users := newMemUserRepo(&model.User{
		ID: "user-1", Email: "dev@example.com", EmailVerified: true, CreditsBalance: 100,
	})
	jobs := newMemJobRepo()
	models := newMemModelRepo()
	dsets := &memDatasetRepo{datasets: map[string]*model.Dataset{
		"my-dataset": {ID: "ds-1", UserID: "user-1", Name: "my-dataset", FileName: "train.jsonl"},
	}}
	bases := &memBaseModelRepo{models: map[string]*model.BaseModel{
		"llm_llama3_1_8b": {
			ID: "bm-1", Name: "llm_llama3_1_8b", Status: model.BaseModelStatusActive,
			ClusterConfig: map[string]model.ClusterConfig{
				"lora":  {NumGPUs: 4, GPUType: "a100-40gb"},
				"qlora": {NumGPUs: 1, GPUType: "a100-40gb"},
			},
		},
	}}
	gateway := &mockGateway{}
	logger := zerolog.Nop()
	uc := NewFineTuningUseCase(users, jobs, models, dsets, bases, gateway, mockTM{}, 1.0, &logger)
	return &ftFixture{uc: uc, users: users, jobs: jobs, models: models, gateway: gateway}
}

func createReq() CreateJobRequest {
	return CreateJobRequest{
		Name:          "my-run",
		BaseModelName: "llm_llama3_1_8b",
		DatasetName:   "my-dataset",
		Type:          JobTypeLoRA,
		Parameters:    map[string]any{"batch_size": 8, "num_epochs": 2},
	}
}

func TestCreateJob(t *testing.T) {
	t.Run("creates and submits", func(t *testing.T) {
		f := newFTFixture()

		var submitted *model.JobDetail
		f.gateway.SubmitFn = func(_ context.Context, _ *model.FineTuningJob, detail *model.JobDetail, _ *model.Dataset, _ *model.BaseModel) error {
			submitted = detail
			return nil
		}

		job, err := f.uc.CreateJob(context.Background(), "user-1", createReq())
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if job.Status != model.JobStatusNew {
			t.Errorf("status = %s, want NEW", job.Status)
		}
		if submitted == nil {
			t.Fatal("job was not submitted")
		}
		if submitted.Parameters["use_lora"] != true || submitted.Parameters["use_qlora"] != false {
			t.Errorf("parameters = %v", submitted.Parameters)
		}
		if submitted.Parameters["batch_size"] != 8 {
			t.Errorf("caller parameters were not preserved: %v", submitted.Parameters)
		}
	})

	t.Run("qlora sets both flags", func(t *testing.T) {
		f := newFTFixture()
		var submitted *model.JobDetail
		f.gateway.SubmitFn = func(_ context.Context, _ *model.FineTuningJob, detail *model.JobDetail, _ *model.Dataset, _ *model.BaseModel) error {
			submitted = detail
			return nil
		}

		req := createReq()
		req.Type = JobTypeQLoRA
		if _, err := f.uc.CreateJob(context.Background(), "user-1", req); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if submitted.Parameters["use_lora"] != true || submitted.Parameters["use_qlora"] != true {
			t.Errorf("parameters = %v", submitted.Parameters)
		}
	})

	t.Run("unverified email is rejected", func(t *testing.T) {
		f := newFTFixture()
		f.users.users["user-1"].EmailVerified = false

		_, err := f.uc.CreateJob(context.Background(), "user-1", createReq())
		if !errors.Is(err, domain.ErrEmailNotVerified) {
			t.Fatalf("err = %v, want ErrEmailNotVerified", err)
		}
	})

	t.Run("insufficient balance is rejected", func(t *testing.T) {
		f := newFTFixture()
		f.users.users["user-1"].CreditsBalance = 0.5

		_, err := f.uc.CreateJob(context.Background(), "user-1", createReq())
		if !errors.Is(err, domain.ErrInsufficientCredits) {
			t.Fatalf("err = %v, want ErrInsufficientCredits", err)
		}
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		f := newFTFixture()
		if _, err := f.uc.CreateJob(context.Background(), "user-1", createReq()); err != nil {
			t.Fatalf("first create: %v", err)
		}
		_, err := f.uc.CreateJob(context.Background(), "user-1", createReq())
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("err = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("unknown base model is rejected", func(t *testing.T) {
		f := newFTFixture()
		req := createReq()
		req.BaseModelName = "llm_unknown"
		if _, err := f.uc.CreateJob(context.Background(), "user-1", req); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("failed submission persists FAILED", func(t *testing.T) {
		f := newFTFixture()
		f.gateway.SubmitFn = func(context.Context, *model.FineTuningJob, *model.JobDetail, *model.Dataset, *model.BaseModel) error {
			return errors.New("scheduler unreachable")
		}

		job, err := f.uc.CreateJob(context.Background(), "user-1", createReq())
		if !errors.Is(err, domain.ErrJobSubmission) {
			t.Fatalf("err = %v, want ErrJobSubmission", err)
		}
		if job == nil || job.Status != model.JobStatusFailed {
			t.Fatalf("job = %+v, want FAILED", job)
		}
		stored, _ := f.jobs.FindByName(context.Background(), nil, "user-1", "my-run")
		if stored.Status != model.JobStatusFailed {
			t.Errorf("stored status = %s, want FAILED", stored.Status)
		}
	})
}

func TestGetJob(t *testing.T) {
	t.Run("returns the job with detail and catalog rows", func(t *testing.T) {
		f := newFTFixture()
		job, err := f.uc.CreateJob(context.Background(), "user-1", createReq())
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		f.jobs.putCatalog(job.ID,
			&model.Dataset{ID: "ds-1", UserID: "user-1", Name: "my-dataset", FileName: "train.jsonl"},
			&model.BaseModel{ID: "bm-1", Name: "llm_llama3_1_8b"},
		)

		agg, err := f.uc.GetJob(context.Background(), "user-1", "my-run")
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if agg.Job.ID != job.ID {
			t.Errorf("job id = %s, want %s", agg.Job.ID, job.ID)
		}
		if agg.Detail.Parameters["use_lora"] != true {
			t.Errorf("parameters = %v", agg.Detail.Parameters)
		}
		if agg.Dataset.Name != "my-dataset" || agg.BaseModel.Name != "llm_llama3_1_8b" {
			t.Errorf("catalog rows = %q / %q", agg.Dataset.Name, agg.BaseModel.Name)
		}
	})

	t.Run("unknown job is not found", func(t *testing.T) {
		f := newFTFixture()
		if _, err := f.uc.GetJob(context.Background(), "user-1", "no-such-run"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCancelJob(t *testing.T) {
	t.Run("running job moves to STOPPING and stop is requested", func(t *testing.T) {
		f := newFTFixture()
		f.jobs.put(&model.FineTuningJob{
			ID: "job-1", UserID: "user-1", Name: "my-run", Status: model.JobStatusRunning,
		}, "llm_llama3_1_8b")

		stopCalled := make(chan string, 1)
		f.gateway.StopFn = func(_ context.Context, jobID, _ string) error {
			stopCalled <- jobID
			return nil
		}

		job, err := f.uc.CancelJob(context.Background(), "user-1", "my-run")
		if err != nil {
			t.Fatalf("CancelJob: %v", err)
		}
		if job.Status != model.JobStatusStopping {
			t.Errorf("status = %s, want STOPPING", job.Status)
		}
		select {
		case id := <-stopCalled:
			if id != "job-1" {
				t.Errorf("stopped job %s", id)
			}
		case <-time.After(time.Second):
			t.Fatal("stop request never reached the gateway")
		}
	})

	t.Run("stop failure does not revert the local state", func(t *testing.T) {
		f := newFTFixture()
		f.jobs.put(&model.FineTuningJob{
			ID: "job-1", UserID: "user-1", Name: "my-run", Status: model.JobStatusRunning,
		}, "llm_llama3_1_8b")

		done := make(chan struct{})
		f.gateway.StopFn = func(context.Context, string, string) error {
			defer close(done)
			return domain.ErrJobNotRunning
		}

		job, err := f.uc.CancelJob(context.Background(), "user-1", "my-run")
		if err != nil {
			t.Fatalf("CancelJob: %v", err)
		}
		<-done
		if job.Status != model.JobStatusStopping {
			t.Errorf("status = %s, want STOPPING", job.Status)
		}
	})

	t.Run("only RUNNING can be canceled", func(t *testing.T) {
		f := newFTFixture()
		for _, status := range []model.JobStatus{
			model.JobStatusNew, model.JobStatusQueued, model.JobStatusCompleted, model.JobStatusFailed,
		} {
			f.jobs.jobs = map[string]*model.FineTuningJob{}
			f.jobs.put(&model.FineTuningJob{
				ID: "job-1", UserID: "user-1", Name: "my-run", Status: status,
			}, "llm_llama3_1_8b")

			job, err := f.uc.CancelJob(context.Background(), "user-1", "my-run")
			if !errors.Is(err, domain.ErrInvalidJobState) {
				t.Errorf("status %s: err = %v, want ErrInvalidJobState", status, err)
			}
			if job == nil || job.Status != status {
				t.Errorf("status %s: job state changed to %v", status, job)
			}
		}
	})
}

func TestDeleteJob(t *testing.T) {
	t.Run("terminal job and its model are marked deleted", func(t *testing.T) {
		f := newFTFixture()
		f.jobs.put(&model.FineTuningJob{
			ID: "job-1", UserID: "user-1", Name: "my-run", Status: model.JobStatusCompleted,
		}, "llm_llama3_1_8b")
		m := model.NewFineTunedModel("user-1", "job-1", "my-run", model.Artifacts{})
		_ = f.models.Create(context.Background(), nil, m)

		if err := f.uc.DeleteJob(context.Background(), "user-1", "my-run"); err != nil {
			t.Fatalf("DeleteJob: %v", err)
		}
		if f.jobs.jobs["job-1"].Status != model.JobStatusDeleted {
			t.Errorf("job status = %s, want DELETED", f.jobs.jobs["job-1"].Status)
		}
		if f.models.models["job-1"].Status != model.FineTunedModelStatusDeleted {
			t.Errorf("model status = %s, want DELETED", f.models.models["job-1"].Status)
		}
	})

	t.Run("job without model deletes cleanly", func(t *testing.T) {
		f := newFTFixture()
		f.jobs.put(&model.FineTuningJob{
			ID: "job-1", UserID: "user-1", Name: "my-run", Status: model.JobStatusFailed,
		}, "llm_llama3_1_8b")

		if err := f.uc.DeleteJob(context.Background(), "user-1", "my-run"); err != nil {
			t.Fatalf("DeleteJob: %v", err)
		}
	})

	t.Run("non-terminal job cannot be deleted", func(t *testing.T) {
		f := newFTFixture()
		f.jobs.put(&model.FineTuningJob{
			ID: "job-1", UserID: "user-1", Name: "my-run", Status: model.JobStatusRunning,
		}, "llm_llama3_1_8b")

		if err := f.uc.DeleteJob(context.Background(), "user-1", "my-run"); !errors.Is(err, domain.ErrInvalidJobState) {
			t.Fatalf("err = %v, want ErrInvalidJobState", err)
		}
	})
}
