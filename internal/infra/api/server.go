package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/usecase"
)

// Server exposes the internal HTTP API: job lifecycle for the dashboard and
// the billing endpoints other services call. Everything under /v1 except the
// Stripe webhook requires a bearer token.
type Server struct {
	ftUC      usecase.FineTuningUseCase
	billUC    usecase.BillingUseCase
	jwtSecret string
	baseURL   string
	log       *zerolog.Logger
}

func NewServer(ftUC usecase.FineTuningUseCase, billUC usecase.BillingUseCase, jwtSecret, baseURL string, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "HTTPServer").Logger()
	return &Server{ftUC: ftUC, billUC: billUC, jwtSecret: jwtSecret, baseURL: baseURL, log: &l}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Stripe signs its own requests; no bearer token here.
		r.Post("/billing/stripe-webhook", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return JWTAuth(s.jwtSecret)(next)
			})

			r.Post("/fine-tuning", s.handleCreateJob)
			r.Get("/fine-tuning/{jobName}", s.handleGetJob)
			r.Post("/fine-tuning/{jobName}/cancel", s.handleCancelJob)
			r.Delete("/fine-tuning/{jobName}", s.handleDeleteJob)

			r.Post("/billing/credits-deduct", s.handleCreditsDeduct)
			r.Post("/billing/credits-add", s.handleCreditsAdd)
			r.Post("/billing/checkout-session", s.handleCheckoutSession)
			r.Get("/billing/credits-history", s.handleCreditHistory)
		})
	})

	return Chain(r, TraceID(), RequestLog(s.log), Recover(s.log), Timeout(60*time.Second))
}

type jobResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	CurrentStep  *int      `json:"current_step"`
	TotalSteps   *int      `json:"total_steps"`
	CurrentEpoch *int      `json:"current_epoch"`
	TotalEpochs  *int      `json:"total_epochs"`
	NumTokens    int64     `json:"num_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

func toJobResponse(j *model.FineTuningJob) jobResponse {
	return jobResponse{
		ID:           j.ID,
		Name:         j.Name,
		Status:       string(j.Status),
		CurrentStep:  j.CurrentStep,
		TotalSteps:   j.TotalSteps,
		CurrentEpoch: j.CurrentEpoch,
		TotalEpochs:  j.TotalEpochs,
		NumTokens:    j.NumTokens,
		CreatedAt:    j.CreatedAt,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name          string         `json:"name"`
		BaseModelName string         `json:"base_model_name"`
		DatasetName   string         `json:"dataset_name"`
		Type          string         `json:"type"`
		Parameters    map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" || body.BaseModelName == "" || body.DatasetName == "" {
		writeError(w, http.StatusBadRequest, "name, base_model_name and dataset_name are required")
		return
	}
	jobType := usecase.JobType(body.Type)
	switch jobType {
	case usecase.JobTypeLoRA, usecase.JobTypeQLoRA, usecase.JobTypeFull:
	case "":
		jobType = usecase.JobTypeLoRA
	default:
		writeError(w, http.StatusBadRequest, "type must be lora, qlora or full")
		return
	}

	job, err := s.ftUC.CreateJob(r.Context(), authedUser(r), usecase.CreateJobRequest{
		Name:          body.Name,
		BaseModelName: body.BaseModelName,
		DatasetName:   body.DatasetName,
		Type:          jobType,
		Parameters:    body.Parameters,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	agg, err := s.ftUC.GetJob(r.Context(), authedUser(r), chi.URLParam(r, "jobName"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":             toJobResponse(agg.Job),
		"parameters":      agg.Detail.Parameters,
		"metrics":         agg.Detail.Metrics,
		"timestamps":      agg.Detail.Timestamps,
		"dataset_name":    agg.Dataset.Name,
		"base_model_name": agg.BaseModel.Name,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ftUC.CancelJob(r.Context(), authedUser(r), chi.URLParam(r, "jobName"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.ftUC.DeleteJob(r.Context(), authedUser(r), chi.URLParam(r, "jobName")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreditsDeduct(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID          string `json:"user_id"`
		FineTuningJobID string `json:"fine_tuning_job_id"`
		UsageAmount     int64  `json:"usage_amount"`
		UsageUnit       string `json:"usage_unit"`
		ServiceName     string `json:"service_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	credit, err := s.billUC.DeductCredits(r.Context(), usecase.DeductRequest{
		UserID:      body.UserID,
		JobID:       body.FineTuningJobID,
		UsageAmount: body.UsageAmount,
		UsageUnit:   model.UsageUnit(body.UsageUnit),
		ServiceName: model.ServiceName(body.ServiceName),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creditResponse(credit))
}

func (s *Server) handleCreditsAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID        string  `json:"user_id"`
		Amount        float64 `json:"amount"`
		TransactionID string  `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	credit, err := s.billUC.AddManualCredits(r.Context(), body.UserID, body.Amount, body.TransactionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, creditResponse(credit))
}

func (s *Server) handleCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AmountDollars float64 `json:"amount_dollars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.AmountDollars <= 0 {
		writeError(w, http.StatusBadRequest, "amount_dollars must be positive")
		return
	}
	url, err := s.billUC.AddStripeCredits(r.Context(), authedUser(r), body.AmountDollars, s.baseURL)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": url})
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from, to time.Time
	var err error
	if v := q.Get("start_date"); v != "" {
		if from, err = time.Parse("2006-01-02", v); err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
	}
	if v := q.Get("end_date"); v != "" {
		if to, err = time.Parse("2006-01-02", v); err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
	}
	page := intQuery(q.Get("page"), 1)
	perPage := intQuery(q.Get("items_per_page"), 20)

	credits, err := s.billUC.CreditHistory(r.Context(), authedUser(r), from, to, page, perPage)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(credits))
	for _, c := range credits {
		out = append(out, creditResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": out, "page": page})
}

// handleStripeWebhook accepts charge.succeeded events and posts the captured
// amount as credits. Redelivered events are no-ops downstream.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID             string `json:"id"`
				Customer       string `json:"customer"`
				AmountCaptured int64  `json:"amount_captured"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.Type != "charge.succeeded" {
		w.WriteHeader(http.StatusOK)
		return
	}

	obj := event.Data.Object
	if err := s.billUC.HandleChargeSucceeded(r.Context(), obj.Customer, obj.ID, obj.AmountCaptured); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func creditResponse(c *model.BillingCredit) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"user_id":          c.UserID,
		"credits":          c.Credits,
		"transaction_id":   c.TransactionID,
		"transaction_type": string(c.TransactionType),
		"created_at":       c.CreatedAt,
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrFullFineTuningDisabled):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrDuplicateTransaction),
		errors.Is(err, domain.ErrInvalidJobState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEmailNotVerified):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInsufficientCredits), errors.Is(err, domain.ErrPaymentRequired):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrJobSubmission):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func intQuery(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
