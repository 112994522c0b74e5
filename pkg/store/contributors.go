package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gitstream/gitstream/pkg/allocation"
	"github.com/gitstream/gitstream/pkg/apperr"
)

// Contributor is a repository contributor. Wallet and tier are both
// optional until assigned; only contributors with both participate in
// distributions.
type Contributor struct {
	ID            string
	ProjectID     string
	GithubLogin   string
	WalletAddress string
	Tier          string
	Weight        *int
	ClaimedAt     *time.Time
	CreatedAt     time.Time
}

// AddContributor registers a contributor for a project, idempotent per
// (project, login).
func (s *Store) AddContributor(ctx context.Context, projectID, githubLogin string) (*Contributor, error) {
	if githubLogin == "" {
		return nil, apperr.New(apperr.KindValidation, "github login is required")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO contributors (project_id, github_login)
		VALUES ($1, $2)
		ON CONFLICT (project_id, github_login) DO UPDATE SET github_login = EXCLUDED.github_login
		RETURNING id, created_at`,
		projectID, githubLogin)

	c := &Contributor{ProjectID: projectID, GithubLogin: githubLogin}
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert contributor: %w", err)
	}
	return c, nil
}

// AssignTier places a contributor in a tier, optionally with a split
// weight. A nil weight means the default share for weighted tiers.
func (s *Store) AssignTier(ctx context.Context, projectID, githubLogin, tier string, weight *int) error {
	if weight != nil && *weight < 0 {
		return apperr.New(apperr.KindValidation, "weight must be non-negative")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE contributors SET tier = $3, weight = $4
		WHERE project_id = $1 AND github_login = $2`,
		projectID, githubLogin, tier, weight)
	if err != nil {
		return fmt.Errorf("failed to assign tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "contributor %s not found in project %s", githubLogin, projectID)
	}
	return nil
}

// ClaimWallet records the wallet a contributor will receive funds at.
func (s *Store) ClaimWallet(ctx context.Context, projectID, githubLogin, walletAddress string) error {
	addr := allocation.NormalizeAddress(walletAddress)
	if addr == "" {
		return apperr.New(apperr.KindValidation, "wallet address is required")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE contributors SET wallet_address = $3, claimed_at = now()
		WHERE project_id = $1 AND github_login = $2`,
		projectID, githubLogin, addr)
	if err != nil {
		return fmt.Errorf("failed to claim wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "contributor %s not found in project %s", githubLogin, projectID)
	}
	return nil
}

// ClaimedMembersByTier returns the distribution members for a project:
// contributors that have both a tier and a claimed wallet, grouped by
// tier name.
func (s *Store) ClaimedMembersByTier(ctx context.Context, projectID string) (map[string][]allocation.Member, error) {
	projectID, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tier, wallet_address, weight
		FROM contributors
		WHERE project_id = $1 AND tier IS NOT NULL AND wallet_address IS NOT NULL
		ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimed members: %w", err)
	}
	defer rows.Close()

	members := make(map[string][]allocation.Member)
	for rows.Next() {
		var tier, wallet string
		var weight *int
		if err := rows.Scan(&tier, &wallet, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan claimed member: %w", err)
		}
		members[tier] = append(members[tier], allocation.Member{WalletAddress: wallet, Weight: weight})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed members: %w", err)
	}
	return members, nil
}

// TierStat is the claimed-member count for one tier.
type TierStat struct {
	Tier               string `json:"tier"`
	ClaimedMemberCount int    `json:"claimedMemberCount"`
}

// TierStats counts claimed members per tier for status reporting.
func (s *Store) TierStats(ctx context.Context, projectID string) ([]TierStat, error) {
	projectID, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tier, COUNT(*)
		FROM contributors
		WHERE project_id = $1 AND tier IS NOT NULL AND wallet_address IS NOT NULL
		GROUP BY tier
		ORDER BY tier`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier stats: %w", err)
	}
	defer rows.Close()

	var stats []TierStat
	for rows.Next() {
		var s TierStat
		if err := rows.Scan(&s.Tier, &s.ClaimedMemberCount); err != nil {
			return nil, fmt.Errorf("failed to scan tier stat: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tier stats: %w", err)
	}
	return stats, nil
}

// GetContributor loads a single contributor by project and login.
func (s *Store) GetContributor(ctx context.Context, projectID, githubLogin string) (*Contributor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, github_login, COALESCE(wallet_address, ''),
		       COALESCE(tier, ''), weight, claimed_at, created_at
		FROM contributors
		WHERE project_id = $1 AND github_login = $2`,
		projectID, githubLogin)

	var c Contributor
	err := row.Scan(&c.ID, &c.ProjectID, &c.GithubLogin, &c.WalletAddress,
		&c.Tier, &c.Weight, &c.ClaimedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "contributor %s not found in project %s", githubLogin, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contributor: %w", err)
	}
	return &c, nil
}
