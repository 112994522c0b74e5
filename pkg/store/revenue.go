package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gitstream/gitstream/pkg/apperr"
)

// RevenueEvent is a single payment received for a project. Amount is in
// the asset's smallest unit, kept exact through NUMERIC and big.Int.
type RevenueEvent struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	Amount        string     `json:"amount"`
	TokenAddress  string     `json:"tokenAddress,omitempty"`
	TxHash        string     `json:"txHash,omitempty"`
	ChainID       int64      `json:"chainId,omitempty"`
	Distributed   bool       `json:"distributed"`
	DistributedAt *time.Time `json:"distributedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type NewRevenueEvent struct {
	ProjectID    string
	Amount       *big.Int
	TokenAddress string
	TxHash       string
	ChainID      int64
}

// AddRevenueEvent records an incoming payment.
func (s *Store) AddRevenueEvent(ctx context.Context, ev NewRevenueEvent) (*RevenueEvent, error) {
	if ev.Amount == nil || ev.Amount.Sign() <= 0 {
		return nil, apperr.New(apperr.KindValidation, "revenue amount must be positive")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO revenue_events (project_id, amount, token_address, tx_hash, chain_id)
		VALUES ($1, $2::numeric, $3, $4, $5)
		RETURNING id, created_at`,
		ev.ProjectID, ev.Amount.String(), ev.TokenAddress, ev.TxHash, ev.ChainID)

	out := &RevenueEvent{
		ProjectID:    ev.ProjectID,
		Amount:       ev.Amount.String(),
		TokenAddress: ev.TokenAddress,
		TxHash:       ev.TxHash,
		ChainID:      ev.ChainID,
	}
	if err := row.Scan(&out.ID, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert revenue event: %w", err)
	}
	return out, nil
}

// RevenueTotals are the lifetime sums for a project. Pending is the
// difference: received but not yet distributed.
type RevenueTotals struct {
	Total       *big.Int
	Distributed *big.Int
}

func (t RevenueTotals) Pending() *big.Int {
	return new(big.Int).Sub(t.Total, t.Distributed)
}

// GetRevenueTotals sums all and distributed revenue in one pass.
func (s *Store) GetRevenueTotals(ctx context.Context, projectID string) (*RevenueTotals, error) {
	projectID, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text,
		       COALESCE(SUM(amount) FILTER (WHERE distributed), 0)::text
		FROM revenue_events
		WHERE project_id = $1`, projectID)

	var totalStr, distributedStr string
	if err := row.Scan(&totalStr, &distributedStr); err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}

	total, ok := new(big.Int).SetString(totalStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid total revenue sum %q", totalStr)
	}
	distributed, ok := new(big.Int).SetString(distributedStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid distributed revenue sum %q", distributedStr)
	}
	return &RevenueTotals{Total: total, Distributed: distributed}, nil
}

// PendingRevenue sums the undistributed events for a project.
func (s *Store) PendingRevenue(ctx context.Context, projectID string) (*big.Int, error) {
	projectID, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM revenue_events
		WHERE project_id = $1 AND NOT distributed`, projectID)

	var sumStr string
	if err := row.Scan(&sumStr); err != nil {
		return nil, fmt.Errorf("failed to sum pending revenue: %w", err)
	}
	sum, ok := new(big.Int).SetString(sumStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid pending revenue sum %q", sumStr)
	}
	return sum, nil
}

// RevenueHistory returns the most recent events, newest first.
func (s *Store) RevenueHistory(ctx context.Context, projectID string, limit int) ([]RevenueEvent, error) {
	projectID, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, amount::text, token_address, tx_hash, chain_id,
		       distributed, distributed_at, created_at
		FROM revenue_events
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue history: %w", err)
	}
	defer rows.Close()

	var events []RevenueEvent
	for rows.Next() {
		var ev RevenueEvent
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.Amount, &ev.TokenAddress, &ev.TxHash,
			&ev.ChainID, &ev.Distributed, &ev.DistributedAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan revenue event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read revenue history: %w", err)
	}
	return events, nil
}

// FinalizeDistribution records a successful distribution atomically: the
// session id is stored on the project and all pending revenue is marked
// distributed. The session id only lands if no session is already open,
// so two racing distributions cannot both finalize.
func (s *Store) FinalizeDistribution(ctx context.Context, projectID, sessionID string) error {
	if sessionID == "" {
		return apperr.New(apperr.KindValidation, "session id is required")
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE projects SET session_id = $2, updated_at = now()
			WHERE id = $1 AND session_id IS NULL`,
			projectID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to store session id: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Newf(apperr.KindConflict, "project %s already has an open session", projectID)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE revenue_events SET distributed = TRUE, distributed_at = now()
			WHERE project_id = $1 AND NOT distributed`, projectID); err != nil {
			return fmt.Errorf("failed to mark revenue distributed: %w", err)
		}
		return nil
	})
}
