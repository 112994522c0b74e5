// Package streaming turns computed allocations into settlement sessions on
// the clearing network and answers balance queries against it.
package streaming

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/gitstream/gitstream/pkg/allocation"
	"github.com/gitstream/gitstream/pkg/apperr"
	"github.com/gitstream/gitstream/pkg/clearnode"
	"github.com/gitstream/gitstream/pkg/metrics"
)

// SessionProtocol identifies this application's session type on the
// settlement network. Part of the wire contract.
const SessionProtocol = "gitstream-payment-v1"

const (
	// operatorWeight gives the distribution operator full control of the
	// session until shares are realized through state updates.
	operatorWeight = 100
	quorum         = 100
	// challengePeriodSeconds is the session's 24-hour dispute window.
	challengePeriodSeconds = 86400

	defaultAsset = "usdc"
)

type ServiceConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *Registry
	Asset    string // asset symbol for session allocations, default "usdc"
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("client registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Asset == "" {
		cfg.Asset = defaultAsset
	}
	return nil
}

type Service struct {
	log *slog.Logger
	cfg ServiceConfig
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// DistributionResult is what a completed distribution hands back to the
// persistence layer: the session to store and the allocations for audit.
type DistributionResult struct {
	SessionID   string
	Allocations []allocation.Allocation
}

// Distribute computes tier allocations for the pending revenue and opens a
// settlement session realizing them. existingSessionID guards against
// duplicate sessions: a new distribution requires the prior session to be
// cleared first.
func (s *Service) Distribute(
	ctx context.Context,
	projectID string,
	existingSessionID string,
	totalAmount *big.Int,
	cfg allocation.TierConfig,
	membersByTier map[string][]allocation.Member,
) (*DistributionResult, error) {
	if existingSessionID != "" {
		return nil, apperr.Newf(apperr.KindConflict, "project %s already has an active streaming session", projectID)
	}
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		return nil, apperr.New(apperr.KindValidation, "no pending revenue to distribute")
	}
	if len(membersByTier) == 0 {
		return nil, apperr.New(apperr.KindValidation, "no contributors with claimed wallets")
	}

	allocs, err := allocation.Compute(totalAmount, cfg, membersByTier)
	if err != nil {
		metrics.DistributionsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if len(allocs) == 0 {
		metrics.DistributionsTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.New(apperr.KindValidation, "no tier has members with claimed wallets")
	}

	client, err := s.cfg.Registry.Client(ctx)
	if err != nil {
		metrics.DistributionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	def, sessionAllocs := s.buildSession(client.Address(), allocs, totalAmount)
	sessionID, err := client.CreateAppSession(ctx, def, sessionAllocs)
	if err != nil {
		metrics.DistributionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	s.log.Info("streaming: created settlement session",
		"project", projectID,
		"session", sessionID,
		"participants", len(def.Participants),
		"amount", totalAmount.String())
	metrics.DistributionsTotal.WithLabelValues("success").Inc()

	return &DistributionResult{SessionID: sessionID, Allocations: allocs}, nil
}

// buildSession shapes the initial session the settlement network expects:
// the operator is participant 0 with full control weight and the entire
// amount; every other distinct wallet joins with zero weight and a zero
// balance. The computed shares are realized later through off-chain state
// updates inside the network, not in the initial allocation.
func (s *Service) buildSession(
	operator string,
	allocs []allocation.Allocation,
	totalAmount *big.Int,
) (clearnode.AppDefinition, []clearnode.Allocation) {
	participants := []string{operator}
	seen := map[string]bool{allocation.NormalizeAddress(operator): true}
	for _, alloc := range allocs {
		for _, member := range alloc.Members {
			addr := allocation.NormalizeAddress(member.WalletAddress)
			if seen[addr] {
				continue
			}
			seen[addr] = true
			participants = append(participants, addr)
		}
	}

	weights := make([]int, len(participants))
	weights[0] = operatorWeight

	sessionAllocs := make([]clearnode.Allocation, len(participants))
	sessionAllocs[0] = clearnode.Allocation{
		Participant: operator,
		Asset:       s.cfg.Asset,
		Amount:      totalAmount.String(),
	}
	for i, participant := range participants[1:] {
		sessionAllocs[i+1] = clearnode.Allocation{
			Participant: participant,
			Asset:       s.cfg.Asset,
			Amount:      "0",
		}
	}

	def := clearnode.AppDefinition{
		Protocol:     SessionProtocol,
		Participants: participants,
		Weights:      weights,
		Quorum:       quorum,
		Challenge:    challengePeriodSeconds,
		Nonce:        s.cfg.Clock.Now().UnixMilli(),
	}
	return def, sessionAllocs
}

// SessionBalance returns the asset balance for the given address (own
// account when empty) as a decimal string, "0" when the asset is absent.
func (s *Service) SessionBalance(ctx context.Context, address string) (string, error) {
	client, err := s.cfg.Registry.Client(ctx)
	if err != nil {
		return "", err
	}
	balances, err := client.GetLedgerBalances(ctx, address)
	if err != nil {
		return "", err
	}
	for _, balance := range balances {
		if strings.EqualFold(balance.Asset, s.cfg.Asset) {
			return balance.Amount, nil
		}
	}
	return "0", nil
}

// Status is a snapshot of the settlement connection for the API layer.
type Status struct {
	Connected     bool                `json:"connected"`
	Authenticated bool                `json:"authenticated"`
	Address       string              `json:"address,omitempty"`
	Balances      []clearnode.Balance `json:"balances,omitempty"`
}

// Status reports the connection state, initializing the client if needed.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	client, err := s.cfg.Registry.Client(ctx)
	if err != nil {
		return nil, err
	}
	status := &Status{
		Connected:     client.State() != clearnode.StateDisconnected,
		Authenticated: client.Authenticated(),
		Address:       client.Address(),
	}
	if status.Authenticated {
		balances, err := client.GetLedgerBalances(ctx, "")
		if err != nil {
			s.log.Warn("streaming: failed to fetch balances for status", "error", err)
		} else {
			status.Balances = balances
		}
	}
	return status, nil
}
