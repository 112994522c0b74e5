package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gitstream/gitstream/pkg/allocation"
	"github.com/gitstream/gitstream/pkg/apperr"
)

// Project is a registered repository with its revenue tier configuration.
// SessionID is empty when no settlement session is open.
type Project struct {
	ID           string
	RepoURL      string
	RepoOwner    string
	RepoName     string
	OwnerAddress string
	SessionID    string
	TierConfig   allocation.TierConfig
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type NewProject struct {
	RepoURL      string
	RepoOwner    string
	RepoName     string
	OwnerAddress string
	TierConfig   allocation.TierConfig
}

// CreateProject inserts a project after validating its tier config. The
// config is the contract the allocation engine relies on, so a bad one
// never reaches the table.
func (s *Store) CreateProject(ctx context.Context, p NewProject) (*Project, error) {
	if p.RepoURL == "" {
		return nil, apperr.New(apperr.KindValidation, "repo URL is required")
	}
	if err := p.TierConfig.Validate(); err != nil {
		return nil, err
	}

	cfgJSON, err := json.Marshal(p.TierConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tier config: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO projects (repo_url, repo_owner, repo_name, owner_address, tier_config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		p.RepoURL, p.RepoOwner, p.RepoName, allocation.NormalizeAddress(p.OwnerAddress), cfgJSON)

	project := &Project{
		RepoURL:      p.RepoURL,
		RepoOwner:    p.RepoOwner,
		RepoName:     p.RepoName,
		OwnerAddress: allocation.NormalizeAddress(p.OwnerAddress),
		TierConfig:   p.TierConfig,
	}
	if err := row.Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	return project, nil
}

// GetProject loads a project by id, including its parsed tier config.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	id, err := parseID("project", id)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, repo_url, repo_owner, repo_name, owner_address,
		       COALESCE(session_id, ''), tier_config, created_at, updated_at
		FROM projects
		WHERE id = $1`, id)

	var project Project
	var cfgJSON []byte
	err = row.Scan(&project.ID, &project.RepoURL, &project.RepoOwner, &project.RepoName,
		&project.OwnerAddress, &project.SessionID, &cfgJSON, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "project %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	if err := json.Unmarshal(cfgJSON, &project.TierConfig); err != nil {
		return nil, fmt.Errorf("failed to decode tier config for project %s: %w", id, err)
	}
	return &project, nil
}

// ClearSessionID removes the open session marker so a new distribution
// can be created.
func (s *Store) ClearSessionID(ctx context.Context, projectID string) error {
	projectID, err := parseID("project", projectID)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET session_id = NULL, updated_at = now()
		WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to clear session id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "project %s not found", projectID)
	}
	return nil
}
