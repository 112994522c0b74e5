package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gitstream/gitstream/pkg/allocation"
	"github.com/gitstream/gitstream/pkg/apperr"
	"github.com/gitstream/gitstream/pkg/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// StreamStatusResponse describes a project's distribution state.
type StreamStatusResponse struct {
	ProjectID          string                `json:"projectId"`
	SessionID          string                `json:"sessionId,omitempty"`
	HasActiveSession   bool                  `json:"hasActiveSession"`
	TotalRevenue       string                `json:"totalRevenue"`
	DistributedRevenue string                `json:"distributedRevenue"`
	PendingRevenue     string                `json:"pendingRevenue"`
	TierConfig         allocation.TierConfig `json:"tierConfig"`
	TierStats          []store.TierStat      `json:"tierStats"`
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "id")

	project, err := s.cfg.Store.GetProject(ctx, projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	totals, err := s.cfg.Store.GetRevenueTotals(ctx, projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	stats, err := s.cfg.Store.TierStats(ctx, projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if stats == nil {
		stats = []store.TierStat{}
	}

	s.writeJSON(w, http.StatusOK, StreamStatusResponse{
		ProjectID:          project.ID,
		SessionID:          project.SessionID,
		HasActiveSession:   project.SessionID != "",
		TotalRevenue:       totals.Total.String(),
		DistributedRevenue: totals.Distributed.String(),
		PendingRevenue:     totals.Pending().String(),
		TierConfig:         project.TierConfig,
		TierStats:          stats,
	})
}

// RevenueHistoryResponse lists recent revenue events, newest first.
type RevenueHistoryResponse struct {
	ProjectID string               `json:"projectId"`
	Revenue   []store.RevenueEvent `json:"revenue"`
}

func (s *Server) handleRevenueHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "id")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	// 404 for unknown projects rather than an empty history.
	if _, err := s.cfg.Store.GetProject(ctx, projectID); err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.cfg.Store.RevenueHistory(ctx, projectID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []store.RevenueEvent{}
	}

	s.writeJSON(w, http.StatusOK, RevenueHistoryResponse{ProjectID: projectID, Revenue: events})
}

// DistributionAllocation is the per-tier summary returned after a
// distribution is created.
type DistributionAllocation struct {
	Tier        string `json:"tier"`
	Amount      string `json:"amount"`
	MemberCount int    `json:"memberCount"`
}

type CreateDistributionResponse struct {
	Success     bool                     `json:"success"`
	SessionID   string                   `json:"sessionId"`
	Allocations []DistributionAllocation `json:"allocations"`
}

func (s *Server) handleCreateDistribution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "id")

	project, err := s.cfg.Store.GetProject(ctx, projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	members, err := s.cfg.Store.ClaimedMembersByTier(ctx, projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	pending, err := s.cfg.Store.PendingRevenue(ctx, projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.cfg.Streaming.Distribute(ctx, project.ID, project.SessionID, pending, project.TierConfig, members)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.cfg.Store.FinalizeDistribution(ctx, project.ID, result.SessionID); err != nil {
		// The session is open on the network but unrecorded; surface the
		// id so an operator can reconcile.
		s.log.Error("server: distribution created but not recorded",
			"project", project.ID, "session", result.SessionID, "error", err)
		s.writeError(w, err)
		return
	}

	for _, alloc := range result.Allocations {
		display := allocation.ForDisplay(alloc)
		s.log.Info("server: distribution recorded",
			"project", project.ID, "session", result.SessionID,
			"tier", display.Tier, "amount", display.Amount, "members", display.Members)
	}

	allocs := make([]DistributionAllocation, len(result.Allocations))
	for i, alloc := range result.Allocations {
		allocs[i] = DistributionAllocation{
			Tier:        alloc.Tier,
			Amount:      alloc.TotalTierAmount.String(),
			MemberCount: len(alloc.Members),
		}
	}

	s.writeJSON(w, http.StatusOK, CreateDistributionResponse{
		Success:     true,
		SessionID:   result.SessionID,
		Allocations: allocs,
	})
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Streaming.Status(r.Context())
	if err != nil {
		// The settlement network being down is a reportable state for
		// this endpoint, not a failure.
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":        "disconnected",
			"connected":     false,
			"authenticated": false,
			"error":         err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "connected",
		"connected":     status.Connected,
		"authenticated": status.Authenticated,
		"address":       status.Address,
		"balances":      status.Balances,
	})
}

func (s *Server) handleSessionBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.cfg.Streaming.SessionBalance(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"balance": balance})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "kind", kind.String(), "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
