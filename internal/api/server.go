package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"review-assigner/internal/lease"
	"review-assigner/internal/models"
	"review-assigner/internal/store"
	"review-assigner/internal/telemetry"
)

// Assigner is the lease manager surface the HTTP layer consumes.
type Assigner interface {
	RequestNext(ctx context.Context, reviewerID string, filter map[string]string) (models.Lease, error)
	Release(ctx context.Context, leaseID, outcome string) error
}

// DispatchReader answers dispatch status queries.
type DispatchReader interface {
	Status(ctx context.Context, jobID string) (models.DispatchJob, error)
}

// ItemStore covers intake and lookup of work items.
type ItemStore interface {
	CreateWorkItem(ctx context.Context, p store.CreateWorkItemParams) (models.WorkItem, bool, error)
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
}

// PollLimiter throttles requestNext per reviewer. May be nil.
type PollLimiter interface {
	Allow(ctx context.Context, reviewerID string) (bool, error)
}

// Server wires HTTP handlers for the assignment API.
type Server struct {
	assigner Assigner
	dispatch DispatchReader
	items    ItemStore
	limiter  PollLimiter
	log      *slog.Logger
}

// New constructs the API server.
func New(assigner Assigner, dispatch DispatchReader, items ItemStore, limiter PollLimiter, log *slog.Logger) *Server {
	return &Server{
		assigner: assigner,
		dispatch: dispatch,
		items:    items,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/work-items", s.handleIntake)
	r.Get("/work-items/{id}", s.handleGetItem)
	r.Post("/assignments/next", s.handleNext)
	r.Post("/assignments/release", s.handleRelease)
	r.Get("/dispatch/{id}", s.handleDispatchStatus)
	return r
}

type intakeRequest struct {
	ExternalRef   string            `json:"external_ref"`
	FilterAttrs   map[string]string `json:"filter_attrs"`
	ContactNumber string            `json:"contact_number"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	item, reused, err := s.items.CreateWorkItem(r.Context(), store.CreateWorkItemParams{
		ExternalRef:   req.ExternalRef,
		FilterAttrs:   req.FilterAttrs,
		ContactNumber: req.ContactNumber,
	})
	if err != nil {
		s.storeError(w, "create work item", err)
		return
	}
	code := http.StatusCreated
	if reused {
		code = http.StatusOK
	}
	writeJSON(w, code, item)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.items.GetWorkItem(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "work item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.storeError(w, "get work item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type nextRequest struct {
	ReviewerID string            `json:"reviewer_id"`
	Filter     map[string]string `json:"filter"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var req nextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ReviewerID == "" {
		http.Error(w, "reviewer_id is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), req.ReviewerID)
		if err == nil && !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		// Limiter errors fall through: a flaky Redis must not block polling.
	}

	handle, err := s.assigner.RequestNext(r.Context(), req.ReviewerID, req.Filter)
	if errors.Is(err, lease.ErrNoWork) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.storeError(w, "request next", err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

type releaseRequest struct {
	LeaseID string `json:"lease_id"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.LeaseID == "" {
		http.Error(w, "lease_id is required", http.StatusBadRequest)
		return
	}

	err := s.assigner.Release(r.Context(), req.LeaseID, req.Outcome)
	if errors.Is(err, lease.ErrNotLeaseHolder) {
		http.Error(w, "lease not held by caller", http.StatusConflict)
		return
	}
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			s.storeError(w, "release", err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.dispatch.Status(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "dispatch job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.storeError(w, "dispatch status", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// storeError maps store connectivity failures to 503 so polling clients can
// tell "retry later" apart from "no work" and from their own mistakes.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", slog.String("error", err.Error()))
	if errors.Is(err, store.ErrStoreUnavailable) {
		http.Error(w, "store unavailable, retry later", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
