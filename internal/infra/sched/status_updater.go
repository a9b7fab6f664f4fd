// File: internal/infra/sched/status_updater.go
package sched

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/adapter"
	"finetune-api/internal/domain/ports/repository"
	"finetune-api/internal/infra/metrics"
	"finetune-api/internal/infra/redis"
	"finetune-api/internal/usecase"
)

const reconcileLockKey = "jobs:reconcile"

// StatusUpdater periodically reconciles local job state against the scheduler.
// It selects every non-terminal job plus recently completed ones (late metric
// and artifact events), fetches scheduler state in one batched call per user,
// and commits each user's batch in its own transaction so one bad batch cannot
// poison the rest of the pass.
type StatusUpdater struct {
	interval        time.Duration
	completedWindow time.Duration
	lockTTL         time.Duration

	jobs    repository.JobRepository
	tm      repository.TransactionManager
	gateway adapter.SchedulerGateway
	ingest  usecase.IngestionUseCase
	locker  redis.Locker
	log     *zerolog.Logger
}

func NewStatusUpdater(
	interval, completedWindow, lockTTL time.Duration,
	jobs repository.JobRepository,
	tm repository.TransactionManager,
	gateway adapter.SchedulerGateway,
	ingest usecase.IngestionUseCase,
	locker redis.Locker,
	logger *zerolog.Logger,
) *StatusUpdater {
	l := logger.With().Str("component", "StatusUpdater").Logger()
	return &StatusUpdater{
		interval:        interval,
		completedWindow: completedWindow,
		lockTTL:         lockTTL,
		jobs:            jobs,
		tm:              tm,
		gateway:         gateway,
		ingest:          ingest,
		locker:          locker,
		log:             &l,
	}
}

func (w *StatusUpdater) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting status updater")
	// Run once on startup, then on every tick
	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping status updater")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *StatusUpdater) runOnce(ctx context.Context) {
	token, err := w.locker.TryLock(ctx, reconcileLockKey, w.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			w.log.Debug().Msg("reconciliation already running elsewhere, skipping pass")
			metrics.IncReconcilePass("skipped")
			return
		}
		w.log.Error().Err(err).Msg("reconciliation lock error")
		metrics.IncReconcilePass("error")
		return
	}
	defer func() {
		if err := w.locker.Unlock(ctx, reconcileLockKey, token); err != nil {
			w.log.Warn().Err(err).Msg("failed to release reconciliation lock")
		}
	}()

	jobs, err := w.jobs.FindForReconciliation(ctx, nil, w.completedWindow)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to select jobs for reconciliation")
		metrics.IncReconcilePass("error")
		return
	}
	if len(jobs) == 0 {
		metrics.IncReconcilePass("ok")
		return
	}
	metrics.AddReconcileJobsScanned(len(jobs))

	for userID, userJobs := range groupByUser(jobs) {
		w.reconcileUser(ctx, userID, userJobs)
	}
	metrics.IncReconcilePass("ok")
}

func groupByUser(jobs []*model.FineTuningJob) map[string][]*model.FineTuningJob {
	grouped := make(map[string][]*model.FineTuningJob)
	for _, j := range jobs {
		grouped[j.UserID] = append(grouped[j.UserID], j)
	}
	return grouped
}

// reconcileUser fetches and commits one user's batch. Failures are logged and
// counted, never propagated: the next user's batch proceeds regardless.
func (w *StatusUpdater) reconcileUser(ctx context.Context, userID string, jobs []*model.FineTuningJob) {
	ids := make([]string, 0, len(jobs))
	byID := make(map[string]*model.FineTuningJob, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
		byID[j.ID] = j
	}

	updates, err := w.gateway.FetchBatch(ctx, userID, ids)
	if err != nil {
		w.log.Error().Err(err).Str("user_id", userID).Int("jobs", len(ids)).Msg("batch fetch failed")
		metrics.IncReconcileBatchFailure("fetch")
		return
	}
	if len(updates) == 0 {
		return
	}

	err = w.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return w.applyUpdates(ctx, tx, userID, byID, updates)
	})
	if err != nil {
		w.log.Error().Err(err).Str("user_id", userID).Msg("batch commit failed")
		metrics.IncReconcileBatchFailure("commit")
	}
}

func (w *StatusUpdater) applyUpdates(ctx context.Context, tx repository.Tx, userID string, byID map[string]*model.FineTuningJob, updates []adapter.JobUpdate) error {
	for _, upd := range updates {
		job, ok := byID[upd.JobID]
		if !ok {
			w.log.Warn().Str("job_id", upd.JobID).Str("user_id", userID).Msg("scheduler reported a job we did not ask about")
			continue
		}

		if upd.Status != "" {
			mapped := model.MapSchedulerStatus(upd.Status)
			if !mapped.Known() {
				w.log.Warn().Str("job_id", job.ID).Str("status", upd.Status).Msg("unknown scheduler status, keeping current")
			} else if mapped != job.Status {
				if err := w.jobs.UpdateStatus(ctx, tx, job.ID, mapped); err != nil {
					return err
				}
				metrics.IncJobTransition(string(mapped))
				w.log.Info().Str("job_id", job.ID).Str("from", string(job.Status)).Str("to", string(mapped)).Msg("job status changed")
			}
		}

		if len(upd.Timestamps) > 0 || len(upd.Metrics) > 0 {
			if err := w.applyDetail(ctx, tx, job.ID, upd); err != nil {
				return err
			}
		}

		if p, ok := upd.Artifacts.MaxProgress(); ok {
			if _, err := w.ingest.ApplyProgress(ctx, tx, job.ID, userID, p); err != nil {
				return err
			}
		}
		for _, artifacts := range upd.Artifacts.Weights() {
			if _, err := w.ingest.IngestArtifacts(ctx, tx, job.ID, userID, artifacts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *StatusUpdater) applyDetail(ctx context.Context, tx repository.Tx, jobID string, upd adapter.JobUpdate) error {
	detail, err := w.jobs.FindDetail(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.log.Warn().Str("job_id", jobID).Msg("job has no detail row")
			return nil
		}
		return err
	}

	if len(upd.Timestamps) > 0 {
		merged := model.MergeTimestamps(detail.Timestamps, upd.Timestamps)
		if !equalStringMaps(detail.Timestamps, merged) {
			if err := w.jobs.UpdateDetailTimestamps(ctx, tx, jobID, merged); err != nil {
				return err
			}
		}
	}

	if len(upd.Metrics) > 0 {
		merged := make(map[string]any, len(detail.Metrics)+len(upd.Metrics))
		for k, v := range detail.Metrics {
			merged[k] = v
		}
		for k, v := range upd.Metrics {
			merged[k] = v
		}
		if err := w.jobs.UpdateDetailMetrics(ctx, tx, jobID, merged); err != nil {
			return err
		}
	}
	return nil
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
