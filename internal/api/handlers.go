package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/engine"
)

const maxBodyBytes = 1 << 20

// ClaimService is the slice of the engine the HTTP surface drives.
type ClaimService interface {
	Start(ctx context.Context, claim domain.Claim) (engine.StartResult, error)
	Resume(ctx context.Context, token string, decision domain.ReviewDecision) error
	Cancel(ctx context.Context, claimID, reason string) error
	Claim(ctx context.Context, claimID string) (domain.Claim, error)
	Ledger(ctx context.Context, claimID string) (domain.AuditRecord, error)
	PendingReviews(ctx context.Context) ([]domain.Suspension, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	claims ClaimService
	store  pinger
	logger *slog.Logger
}

type startRequest struct {
	Claim domain.Claim `json:"claim"`
}

type startResponse struct {
	ClaimID string             `json:"claim_id"`
	Status  engine.StartResult `json:"status"`
}

type resumeRequest struct {
	ContinuationToken string                `json:"continuationToken"`
	Decision          domain.ReviewDecision `json:"decision"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type claimResponse struct {
	ClaimID        string                `json:"claim_id"`
	Status         domain.ClaimStatus    `json:"status"`
	State          domain.State          `json:"state"`
	ReviewReasons  []string              `json:"review_reasons,omitempty"`
	ReviewDecision domain.ReviewDecision `json:"review_decision,omitempty"`
	Quarantine     *domain.Quarantine    `json:"quarantine,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
	ClosedAt       *time.Time            `json:"closed_at,omitempty"`
}

type pendingReview struct {
	ClaimID    string    `json:"claim_id"`
	SummaryRef string    `json:"summary_ref,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
}

func NewHandler(claims ClaimService, store pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{claims: claims, store: store, logger: logger}
}

func (h *Handler) StartClaim(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	res, err := h.claims.Start(ctx, req.Claim)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidClaim) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":        "INVALID_CLAIM",
				"failed_rules": domain.ValidateClaim(req.Claim).FailedRules,
			})
			return
		}
		h.logger.Error("start claim failed", "claim_id", req.Claim.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to start claim"})
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{ClaimID: req.Claim.ID, Status: res})
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.ContinuationToken) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "continuationToken is required"})
		return
	}

	err := h.claims.Resume(ctx, req.ContinuationToken, req.Decision)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "OK"})
	case errors.Is(err, engine.ErrDuplicateResume):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "DUPLICATE_RESUME"})
	case errors.Is(err, engine.ErrClaimCancelled):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "CLAIM_CANCELLED"})
	case errors.Is(err, engine.ErrInvalidDecision):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "INVALID_DECISION"})
	case errors.Is(err, engine.ErrStateMismatch):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "STATE_MISMATCH"})
	default:
		h.logger.Error("resume failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to resume claim"})
	}
}

func (h *Handler) CancelClaim(w http.ResponseWriter, r *http.Request, claimID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req cancelRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by caller"
	}

	err := h.claims.Cancel(ctx, claimID, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"claim_id": claimID, "state": domain.StateCancelled})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "claim not found"})
	case errors.Is(err, engine.ErrClaimClosed):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "CLAIM_CLOSED"})
	default:
		h.logger.Error("cancel failed", "claim_id", claimID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to cancel claim"})
	}
}

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request, claimID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	c, err := h.claims.Claim(ctx, claimID)
	if err != nil {
		h.writeLookupError(w, claimID, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ClaimID:        c.ID,
		Status:         c.Status,
		State:          c.State,
		ReviewReasons:  c.ReviewReasons,
		ReviewDecision: c.ReviewDecision,
		Quarantine:     c.Quarantine,
		UpdatedAt:      c.UpdatedAt,
		ClosedAt:       c.ClosedAt,
	})
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request, claimID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.claims.Ledger(ctx, claimID)
	if err != nil {
		h.writeLookupError(w, claimID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PendingReviews lists parked claims. Continuation tokens are never listed;
// they only travel to the reviewer notification.
func (h *Handler) PendingReviews(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	open, err := h.claims.PendingReviews(ctx)
	if err != nil {
		h.logger.Error("list pending reviews failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list pending reviews"})
		return
	}
	items := make([]pendingReview, 0, len(open))
	for _, s := range open {
		items = append(items, pendingReview{ClaimID: s.ClaimID, SummaryRef: s.SummaryRef, IssuedAt: s.IssuedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, claimID string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "claim not found"})
		return
	}
	h.logger.Error("claim lookup failed", "claim_id", claimID, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load claim"})
}

var errEmptyBody = errors.New("request body is required")

// decodeBody reads one JSON object from the request, rejecting unknown
// fields, trailing data and bodies over maxBodyBytes.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid payload: %w", err)
	}
	if dec.More() {
		return errors.New("invalid payload: trailing data after json object")
	}
	if dec.InputOffset() > maxBodyBytes {
		return errors.New("invalid payload: body too large")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
