//go:build !integration

package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/adapter"
	"finetune-api/internal/domain/ports/repository"
)

// In-memory repositories and function-field mocks shared by the use case
// tests. The in-memory stores mirror the SQL-level guarantees the real
// repositories provide (unique ledger keys, monotonic progress).

type mockTM struct{}

func (mockTM) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, struct{}{})
}

// ---- users ----

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemUserRepo(users ...*model.User) *memUserRepo {
	r := &memUserRepo{users: map[string]*model.User{}}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *memUserRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) FindByStripeCustomerID(_ context.Context, _ repository.Tx, customerID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memUserRepo) AdjustBalance(_ context.Context, _ repository.Tx, userID string, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.CreditsBalance += delta
	return nil
}

// ---- jobs ----

type memJobRepo struct {
	mu             sync.Mutex
	jobs           map[string]*model.FineTuningJob
	details        map[string]*model.JobDetail
	baseModelNames map[string]string           // baseModelID -> name
	datasets       map[string]*model.Dataset   // jobID -> dataset row
	baseModels     map[string]*model.BaseModel // jobID -> base model row
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{
		jobs:           map[string]*model.FineTuningJob{},
		details:        map[string]*model.JobDetail{},
		baseModelNames: map[string]string{},
		datasets:       map[string]*model.Dataset{},
		baseModels:     map[string]*model.BaseModel{},
	}
}

func (r *memJobRepo) put(job *model.FineTuningJob, baseModelName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	r.baseModelNames[job.BaseModelID] = baseModelName
}

func (r *memJobRepo) putCatalog(jobID string, ds *model.Dataset, bm *model.BaseModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets[jobID] = ds
	r.baseModels[jobID] = bm
}

func (r *memJobRepo) Create(_ context.Context, _ repository.Tx, job *model.FineTuningJob, detail *model.JobDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	r.details[job.ID] = detail
	return nil
}

func (r *memJobRepo) FindByID(_ context.Context, _ repository.Tx, jobID, userID string) (*model.FineTuningJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (r *memJobRepo) FindByName(_ context.Context, _ repository.Tx, userID, name string) (*model.FineTuningJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.UserID == userID && j.Name == name && j.Status != model.JobStatusDeleted {
			return j, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memJobRepo) FindDetail(_ context.Context, _ repository.Tx, jobID string) (*model.JobDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.details[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (r *memJobRepo) FindAggregate(_ context.Context, _ repository.Tx, jobID, userID string) (*repository.JobAggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.UserID != userID {
		return nil, domain.ErrNotFound
	}
	ds, bm := r.datasets[jobID], r.baseModels[jobID]
	if ds == nil || bm == nil {
		return nil, domain.ErrNotFound
	}
	d := r.details[jobID]
	if d == nil {
		d = &model.JobDetail{JobID: jobID, Parameters: map[string]any{}, Metrics: map[string]any{}, Timestamps: map[string]string{}}
	}
	return &repository.JobAggregate{Job: j, Detail: d, Dataset: ds, BaseModel: bm}, nil
}

func (r *memJobRepo) FindForReconciliation(context.Context, repository.Tx, time.Duration) ([]*model.FineTuningJob, error) {
	return nil, nil
}

func (r *memJobRepo) UpdateStatus(_ context.Context, _ repository.Tx, jobID string, status model.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	return nil
}

func (r *memJobRepo) UpdateProgress(_ context.Context, _ repository.Tx, jobID string, p model.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.CurrentStep != nil && *j.CurrentStep >= p.CurrentStep {
		return nil
	}
	j.CurrentStep = &p.CurrentStep
	j.TotalSteps = &p.TotalSteps
	j.CurrentEpoch = &p.CurrentEpoch
	j.TotalEpochs = &p.TotalEpochs
	return nil
}

func (r *memJobRepo) UpdateNumTokens(_ context.Context, _ repository.Tx, jobID string, numTokens int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.NumTokens = numTokens
	return nil
}

func (r *memJobRepo) UpdateDetailTimestamps(_ context.Context, _ repository.Tx, jobID string, ts map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.details[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	d.Timestamps = ts
	return nil
}

func (r *memJobRepo) UpdateDetailMetrics(_ context.Context, _ repository.Tx, jobID string, metrics map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.details[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	d.Metrics = metrics
	return nil
}

func (r *memJobRepo) FindForCredits(_ context.Context, _ repository.Tx, jobID, userID string) (*model.FineTuningJob, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.UserID != userID {
		return nil, "", domain.ErrNotFound
	}
	return j, r.baseModelNames[j.BaseModelID], nil
}

// ---- fine-tuned models ----

type memModelRepo struct {
	mu     sync.Mutex
	models map[string]*model.FineTunedModel // keyed by job id
}

func newMemModelRepo() *memModelRepo {
	return &memModelRepo{models: map[string]*model.FineTunedModel{}}
}

func (r *memModelRepo) Create(_ context.Context, _ repository.Tx, m *model.FineTunedModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[m.JobID]; ok {
		return domain.ErrAlreadyExists
	}
	r.models[m.JobID] = m
	return nil
}

func (r *memModelRepo) FindByJob(_ context.Context, _ repository.Tx, jobID, userID string) (*model.FineTunedModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[jobID]
	if !ok || m.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

func (r *memModelRepo) UpdateStatus(_ context.Context, _ repository.Tx, modelID string, status model.FineTunedModelStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.models {
		if m.ID == modelID {
			m.Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

// ---- billing ----

type memBillingRepo struct {
	mu      sync.Mutex
	credits []*model.BillingCredit
	usages  []*model.Usage
}

func newMemBillingRepo() *memBillingRepo { return &memBillingRepo{} }

func (r *memBillingRepo) FindCredit(_ context.Context, _ repository.Tx, userID, transactionID string, txType model.TransactionType) (*model.BillingCredit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.credits {
		if c.UserID == userID && c.TransactionID == transactionID && c.TransactionType == txType {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memBillingRepo) SaveCredit(_ context.Context, _ repository.Tx, c *model.BillingCredit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.credits {
		if existing.UserID == c.UserID && existing.TransactionID == c.TransactionID && existing.TransactionType == c.TransactionType {
			return domain.ErrDuplicateTransaction
		}
	}
	r.credits = append(r.credits, c)
	return nil
}

func (r *memBillingRepo) SaveUsage(_ context.Context, _ repository.Tx, u *model.Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usages = append(r.usages, u)
	return nil
}

func (r *memBillingRepo) ListCredits(_ context.Context, _ repository.Tx, userID string, from, to time.Time, offset, limit int) ([]*model.BillingCredit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BillingCredit
	for _, c := range r.credits {
		if c.UserID != userID {
			continue
		}
		if !from.IsZero() && c.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && c.CreatedAt.After(to) {
			continue
		}
		out = append(out, c)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- catalog ----

type memDatasetRepo struct {
	datasets map[string]*model.Dataset // keyed by name
}

func (r *memDatasetRepo) FindByName(_ context.Context, _ repository.Tx, userID, name string) (*model.Dataset, error) {
	d, ok := r.datasets[name]
	if !ok || d.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

type memBaseModelRepo struct {
	models map[string]*model.BaseModel // keyed by name
}

func (r *memBaseModelRepo) FindByName(_ context.Context, _ repository.Tx, name string) (*model.BaseModel, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

// ---- adapters ----

type mockGateway struct {
	SubmitFn     func(ctx context.Context, job *model.FineTuningJob, detail *model.JobDetail, dataset *model.Dataset, baseModel *model.BaseModel) error
	FetchBatchFn func(ctx context.Context, userID string, jobIDs []string) ([]adapter.JobUpdate, error)
	StopFn       func(ctx context.Context, jobID, userID string) error
}

func (m *mockGateway) Submit(ctx context.Context, job *model.FineTuningJob, detail *model.JobDetail, dataset *model.Dataset, baseModel *model.BaseModel) error {
	if m.SubmitFn == nil {
		return nil
	}
	return m.SubmitFn(ctx, job, detail, dataset, baseModel)
}

func (m *mockGateway) FetchBatch(ctx context.Context, userID string, jobIDs []string) ([]adapter.JobUpdate, error) {
	if m.FetchBatchFn == nil {
		return nil, nil
	}
	return m.FetchBatchFn(ctx, userID, jobIDs)
}

func (m *mockGateway) Stop(ctx context.Context, jobID, userID string) error {
	if m.StopFn == nil {
		return nil
	}
	return m.StopFn(ctx, jobID, userID)
}

type mockPayment struct {
	ChargeOfflineFn         func(ctx context.Context, user *model.User, amountDollars float64) (string, error)
	CreateCheckoutSessionFn func(ctx context.Context, user *model.User, amountDollars float64, successURL, cancelURL string) (string, error)
}

func (m *mockPayment) ChargeOffline(ctx context.Context, user *model.User, amountDollars float64) (string, error) {
	if m.ChargeOfflineFn == nil {
		return "in_test", nil
	}
	return m.ChargeOfflineFn(ctx, user, amountDollars)
}

func (m *mockPayment) CreateCheckoutSession(ctx context.Context, user *model.User, amountDollars float64, successURL, cancelURL string) (string, error) {
	if m.CreateCheckoutSessionFn == nil {
		return "https://checkout.test/session", nil
	}
	return m.CreateCheckoutSessionFn(ctx, user, amountDollars, successURL, cancelURL)
}
