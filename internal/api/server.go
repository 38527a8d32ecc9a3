// Package api provides the operator HTTP surface for the scoring engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/oracle/internal/app/consensus"
	"github.com/tutu-network/oracle/internal/app/epoch"
	"github.com/tutu-network/oracle/internal/app/scoring"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/reputation"
)

// ─── Collaborators ──────────────────────────────────────────────────────────

// Engine is the epoch runner as seen by the API.
type Engine interface {
	NextEpoch() uint64
	LastReport() (epoch.Report, bool)
	LatestConsensus() (domain.ConsensusResult, bool)
	SubmitCommit(ctx context.Context, epoch uint64, scorerID string, digest common.Hash) error
	SubmitReveal(ctx context.Context, epoch uint64, scorerID string, vec domain.WeightVector, salt []byte) error
}

// Ledger is the reputation ledger as seen by the API.
type Ledger interface {
	Register(workerID string, stake float64) reputation.Record
	Deregister(workerID string) bool
	Get(workerID string) (reputation.Record, bool)
	Leaderboard(limit int) []reputation.Record
}

// Pending lists challenges awaiting ground truth.
type Pending interface {
	Items() []scoring.PendingItem
}

// Audit lists recent audit events.
type Audit interface {
	Recent(limit int, kind domain.AuditKind) []domain.AuditEvent
}

// Board lists commit-reveal entries.
type Board interface {
	Entries(epoch uint64) []consensus.Entry
}

// History reads persisted consensus results.
type History interface {
	ConsensusHistory(ctx context.Context, limit int) ([]domain.ConsensusResult, error)
}

// GroundTruth accepts operator-published observations.
type GroundTruth interface {
	Publish(gt domain.GroundTruth, availableAt time.Time)
}

// WorkerHook runs after a worker registers, before the response is written.
// A hook error deregisters the worker again.
type WorkerHook func(workerID string, req RegisterRequest) error

// ─── Server ─────────────────────────────────────────────────────────────────

// Server is the operator HTTP API server.
type Server struct {
	engine  Engine
	ledger  Ledger
	pending Pending
	audit   Audit
	board   Board
	history History
	truth   GroundTruth

	metricsEnabled bool
	onRegister     WorkerHook
	validate       *validator.Validate
}

// NewServer creates a new API server. board and history may be nil.
func NewServer(engine Engine, ledger Ledger, pending Pending, audit Audit) *Server {
	return &Server{
		engine:   engine,
		ledger:   ledger,
		pending:  pending,
		audit:    audit,
		validate: validator.New(),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetBoard exposes per-epoch commit-reveal entries.
func (s *Server) SetBoard(b Board) { s.board = b }

// SetHistory exposes persisted consensus history.
func (s *Server) SetHistory(h History) { s.history = h }

// SetGroundTruth enables POST /api/ground-truth.
func (s *Server) SetGroundTruth(g GroundTruth) { s.truth = g }

// SetWorkerHook sets the hook run on every worker registration.
func (s *Server) SetWorkerHook(h WorkerHook) { s.onRegister = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"next_epoch": s.engine.NextEpoch(),
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/reputation", s.handleLeaderboard)
		r.Get("/reputation/{worker}", s.handleWorker)
		r.Post("/workers", s.handleRegister)
		r.Delete("/workers/{worker}", s.handleDeregister)

		r.Get("/epoch", s.handleLastReport)
		r.Get("/consensus/latest", s.handleLatestConsensus)
		r.Get("/consensus/history", s.handleConsensusHistory)
		r.Get("/epochs/{epoch}/commits", s.handleEntries)
		r.Post("/commits", s.handleCommit)
		r.Post("/reveals", s.handleReveal)

		r.Get("/pending", s.handlePending)
		r.Post("/ground-truth", s.handleGroundTruth)
		r.Get("/audit", s.handleAudit)
	})

	return r
}

// ─── Reputation ─────────────────────────────────────────────────────────────

// RegisterRequest is the POST /api/workers body.
type RegisterRequest struct {
	WorkerID string  `json:"worker_id" validate:"required,max=128"`
	Stake    float64 `json:"stake" validate:"gte=0"`
	Tier     string  `json:"tier,omitempty" validate:"omitempty,oneof=high mid entry"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.ledger.Leaderboard(limit)})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ledger.Get(chi.URLParam(r, "worker"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrWorkerNotRegistered.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker":      rec,
		"consistency": rec.Consistency(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec := s.ledger.Register(req.WorkerID, req.Stake)
	if s.onRegister != nil {
		if err := s.onRegister(req.WorkerID, req); err != nil {
			s.ledger.Deregister(req.WorkerID)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if !s.ledger.Deregister(chi.URLParam(r, "worker")) {
		writeError(w, http.StatusNotFound, domain.ErrWorkerNotRegistered.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Consensus ──────────────────────────────────────────────────────────────

// CommitRequest is the POST /api/commits body.
type CommitRequest struct {
	Epoch    uint64 `json:"epoch" validate:"required"`
	ScorerID string `json:"scorer_id" validate:"required"`
	Digest   string `json:"digest" validate:"required,len=66,startswith=0x"`
}

// RevealRequest is the POST /api/reveals body.
type RevealRequest struct {
	Epoch    uint64             `json:"epoch" validate:"required"`
	ScorerID string             `json:"scorer_id" validate:"required"`
	Weights  map[string]float64 `json:"weights" validate:"required,min=1,dive,gte=0"`
	Salt     string             `json:"salt" validate:"required,startswith=0x"`
}

func (s *Server) handleLastReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.engine.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no epoch has run yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleLatestConsensus(w http.ResponseWriter, r *http.Request) {
	res, ok := s.engine.LatestConsensus()
	if !ok {
		writeError(w, http.StatusNotFound, "no consensus result yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsensusHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "consensus history is not persisted")
		return
	}
	hist, err := s.history.ConsensusHistory(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hist})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if s.board == nil {
		writeError(w, http.StatusNotImplemented, "commit board not available")
		return
	}
	n, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "epoch must be an unsigned integer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epoch": n, "entries": s.board.Entries(n)})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !s.decode(w, r, &req) {
		return
	}
	digest := common.HexToHash(req.Digest)
	if err := s.engine.SubmitCommit(r.Context(), req.Epoch, req.ScorerID, digest); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"epoch": req.Epoch, "scorer_id": req.ScorerID, "digest": digest})
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if !s.decode(w, r, &req) {
		return
	}
	vec := domain.WeightVector{Epoch: req.Epoch, ScorerID: req.ScorerID, Weights: req.Weights}
	if err := s.engine.SubmitReveal(r.Context(), req.Epoch, req.ScorerID, vec, common.FromHex(req.Salt)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"epoch": req.Epoch, "scorer_id": req.ScorerID})
}

// ─── Queue & Audit ──────────────────────────────────────────────────────────

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items := s.pending.Items()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

// GroundTruthRequest is the POST /api/ground-truth body.
type GroundTruthRequest struct {
	ChallengeID    string             `json:"challenge_id" validate:"required"`
	Values         map[string]float64 `json:"values" validate:"required,min=1"`
	IsExtremeEvent bool               `json:"is_extreme_event"`
	AvailableAt    time.Time          `json:"available_at"`
}

func (s *Server) handleGroundTruth(w http.ResponseWriter, r *http.Request) {
	if s.truth == nil {
		writeError(w, http.StatusNotImplemented, "ground truth publishing disabled")
		return
	}
	var req GroundTruthRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.truth.Publish(domain.GroundTruth{
		ChallengeID:    req.ChallengeID,
		Values:         req.Values,
		IsExtremeEvent: req.IsExtremeEvent,
	}, req.AvailableAt)
	writeJSON(w, http.StatusAccepted, map[string]any{"challenge_id": req.ChallengeID})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	kind := domain.AuditKind(r.URL.Query().Get("kind"))
	events := s.audit.Recent(queryInt(r, "limit", 100), kind)
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// statusFor maps commit-reveal errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrScorerNotRegistered), errors.Is(err, domain.ErrNoCommit):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCommitWindowClosed), errors.Is(err, domain.ErrCommitNotOpen),
		errors.Is(err, domain.ErrRevealWindowClosed),
		errors.Is(err, domain.ErrAlreadyCommitted), errors.Is(err, domain.ErrAlreadyRevealed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrReputationFraud):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
}
