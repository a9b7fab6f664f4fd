//go:build !integration

package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/repository"
)

type mockIngest struct {
	ApplyProgressFn   func(ctx context.Context, tx repository.Tx, jobID, userID string, p model.Progress) (bool, error)
	IngestArtifactsFn func(ctx context.Context, tx repository.Tx, jobID, userID string, a model.Artifacts) (bool, error)
}

func (m *mockIngest) ApplyProgress(ctx context.Context, tx repository.Tx, jobID, userID string, p model.Progress) (bool, error) {
	if m.ApplyProgressFn == nil {
		return true, nil
	}
	return m.ApplyProgressFn(ctx, tx, jobID, userID, p)
}

func (m *mockIngest) IngestArtifacts(ctx context.Context, tx repository.Tx, jobID, userID string, a model.Artifacts) (bool, error) {
	if m.IngestArtifactsFn == nil {
		return true, nil
	}
	return m.IngestArtifactsFn(ctx, tx, jobID, userID, a)
}

func testConsumer(ingest *mockIngest) *Consumer {
	logger := zerolog.Nop()
	l := logger.With().Logger()
	return &Consumer{ingest: ingest, log: &l}
}

func intPtr(n int) *int { return &n }

func TestRouteDropsSentinelUsers(t *testing.T) {
	ingest := &mockIngest{
		ApplyProgressFn: func(context.Context, repository.Tx, string, string, model.Progress) (bool, error) {
			t.Error("sentinel users must not reach the ingestion layer")
			return false, nil
		},
	}
	c := testConsumer(ingest)

	for _, userID := range []string{"0", "-1"} {
		ev := jobEvent{UserID: userID, Workflow: "torchtunewrapper", Sender: "job_logger", Operation: "step", StepNum: intPtr(1)}
		if got := c.route(context.Background(), ev); got != outcomeDrop {
			t.Errorf("user %q: outcome = %v, want drop", userID, got)
		}
	}
}

func TestRouteLeavesUnsupportedWorkflowPending(t *testing.T) {
	ingest := &mockIngest{
		ApplyProgressFn: func(context.Context, repository.Tx, string, string, model.Progress) (bool, error) {
			t.Error("unsupported workflows must not reach the ingestion layer")
			return false, nil
		},
	}
	c := testConsumer(ingest)
	ev := jobEvent{UserID: "user-1", Workflow: "batch_inference", Sender: "job_logger", Operation: "step", StepNum: intPtr(1)}
	if got := c.route(context.Background(), ev); got != outcomeReject {
		t.Errorf("outcome = %v, want reject so the message stays unacknowledged", got)
	}
}

func TestRouteStepEvents(t *testing.T) {
	t.Run("valid step applies progress", func(t *testing.T) {
		var got model.Progress
		ingest := &mockIngest{
			ApplyProgressFn: func(_ context.Context, _ repository.Tx, jobID, userID string, p model.Progress) (bool, error) {
				if jobID != "job-1" || userID != "user-1" {
					t.Errorf("routed to job %s user %s", jobID, userID)
				}
				got = p
				return true, nil
			},
		}
		c := testConsumer(ingest)
		ev := jobEvent{
			JobID: "job-1", UserID: "user-1", Workflow: "torchtunewrapper",
			Sender: "job_logger", Operation: "step",
			StepNum: intPtr(7), StepLen: 100, EpochNum: 1, EpochLen: 3,
		}
		if outcome := c.route(context.Background(), ev); outcome != outcomeAck {
			t.Fatalf("outcome = %v, want ack", outcome)
		}
		if got.CurrentStep != 7 || got.TotalSteps != 100 || got.CurrentEpoch != 1 || got.TotalEpochs != 3 {
			t.Errorf("progress = %+v", got)
		}
	})

	t.Run("negative step is not handled", func(t *testing.T) {
		c := testConsumer(&mockIngest{
			ApplyProgressFn: func(context.Context, repository.Tx, string, string, model.Progress) (bool, error) {
				t.Error("negative steps must not be applied")
				return false, nil
			},
		})
		ev := jobEvent{
			JobID: "job-1", UserID: "user-1", Workflow: "torchtunewrapper",
			Sender: "job_logger", Operation: "step", StepNum: intPtr(-1),
		}
		if got := c.route(context.Background(), ev); got != outcomeReject {
			t.Errorf("outcome = %v, want reject", got)
		}
	})

	t.Run("missing step_num is not handled", func(t *testing.T) {
		c := testConsumer(&mockIngest{})
		ev := jobEvent{
			JobID: "job-1", UserID: "user-1", Workflow: "torchtunewrapper",
			Sender: "job_logger", Operation: "step",
		}
		if got := c.route(context.Background(), ev); got != outcomeReject {
			t.Errorf("outcome = %v, want reject", got)
		}
	})
}

func TestRouteArtifactsEvent(t *testing.T) {
	var got model.Artifacts
	ingest := &mockIngest{
		IngestArtifactsFn: func(_ context.Context, _ repository.Tx, _, _ string, a model.Artifacts) (bool, error) {
			got = a
			return true, nil
		},
	}
	c := testConsumer(ingest)
	ev := jobEvent{
		JobID: "job-1", UserID: "user-1", Workflow: "torchtunewrapper",
		Sender: "job_logger", Operation: "artifacts",
		Data: model.Artifacts{BaseURL: "gs://out/job-1", WeightFiles: []string{"adapter_0.pt"}},
	}
	if outcome := c.route(context.Background(), ev); outcome != outcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}
	if got.BaseURL != "gs://out/job-1" || len(got.WeightFiles) != 1 {
		t.Errorf("artifacts = %+v", got)
	}
}

func TestRouteKeepsFailedEventsPending(t *testing.T) {
	t.Run("handler error", func(t *testing.T) {
		c := testConsumer(&mockIngest{
			IngestArtifactsFn: func(context.Context, repository.Tx, string, string, model.Artifacts) (bool, error) {
				return false, errors.New("db down")
			},
		})
		ev := jobEvent{JobID: "job-1", UserID: "user-1", Workflow: "torchtunewrapper", Sender: "job_logger", Operation: "artifacts"}
		if got := c.route(context.Background(), ev); got != outcomeError {
			t.Errorf("outcome = %v, want error", got)
		}
	})

	t.Run("handler declines", func(t *testing.T) {
		c := testConsumer(&mockIngest{
			IngestArtifactsFn: func(context.Context, repository.Tx, string, string, model.Artifacts) (bool, error) {
				return false, nil
			},
		})
		ev := jobEvent{JobID: "job-1", UserID: "user-1", Workflow: "torchtunewrapper", Sender: "job_logger", Operation: "artifacts"}
		if got := c.route(context.Background(), ev); got != outcomeReject {
			t.Errorf("outcome = %v, want reject", got)
		}
	})

	t.Run("unknown operation", func(t *testing.T) {
		c := testConsumer(&mockIngest{})
		ev := jobEvent{JobID: "job-1", UserID: "user-1", Workflow: "torchtunewrapper", Sender: "job_logger", Operation: "checkpoint"}
		if got := c.route(context.Background(), ev); got != outcomeReject {
			t.Errorf("outcome = %v, want reject", got)
		}
	})
}
