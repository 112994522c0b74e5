// Package allocation computes per-tier, per-member revenue shares from a
// total amount and a tier configuration. All arithmetic is exact integer
// math over math/big; amounts are in the smallest currency unit. The
// package is pure: no I/O, no clock, no hidden state.
package allocation

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/gitstream/gitstream/pkg/apperr"
)

// SplitMethod selects how a tier's amount is divided among its members.
type SplitMethod string

const (
	SplitEqual    SplitMethod = "equal"
	SplitWeighted SplitMethod = "weighted"
)

func (m SplitMethod) Valid() bool {
	return m == SplitEqual || m == SplitWeighted
}

// TierDefinition is one named cohort of contributors with a fixed share of
// distributed revenue.
type TierDefinition struct {
	Name                string      `json:"name"`
	RevenueSharePercent int         `json:"revenueShare"`
	SplitMethod         SplitMethod `json:"splitMethod"`
}

// TierConfig is a project's ordered tier list plus the treasury share. It
// is replaced wholesale on update; Validate enforces the configuration-time
// invariants.
type TierConfig struct {
	Tiers         []TierDefinition `json:"tiers"`
	TreasuryShare int              `json:"treasuryShare"`
}

const maxTiers = 10

// Validate checks the configuration-time invariants: 1-10 tiers with unique
// names, percents in [0,100], a valid split method, and tier percents plus
// treasury summing to exactly 100.
func (c TierConfig) Validate() error {
	if len(c.Tiers) == 0 {
		return apperr.New(apperr.KindValidation, "tier config must have at least one tier")
	}
	if len(c.Tiers) > maxTiers {
		return apperr.Newf(apperr.KindValidation, "tier config must have at most %d tiers, got %d", maxTiers, len(c.Tiers))
	}
	if c.TreasuryShare < 0 || c.TreasuryShare > 100 {
		return apperr.Newf(apperr.KindValidation, "treasury share must be in [0,100], got %d", c.TreasuryShare)
	}

	seen := make(map[string]bool, len(c.Tiers))
	sum := c.TreasuryShare
	for _, tier := range c.Tiers {
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			return apperr.New(apperr.KindValidation, "tier name must not be empty")
		}
		if seen[name] {
			return apperr.Newf(apperr.KindValidation, "duplicate tier name %q", name)
		}
		seen[name] = true

		if tier.RevenueSharePercent < 0 || tier.RevenueSharePercent > 100 {
			return apperr.Newf(apperr.KindValidation, "tier %q revenue share must be in [0,100], got %d", name, tier.RevenueSharePercent)
		}
		if !tier.SplitMethod.Valid() {
			return apperr.Newf(apperr.KindValidation, "tier %q has unknown split method %q", name, tier.SplitMethod)
		}
		sum += tier.RevenueSharePercent
	}
	if sum != 100 {
		return apperr.Newf(apperr.KindValidation, "tier shares plus treasury must sum to 100, got %d", sum)
	}
	return nil
}

// Member is a contributor with a claimed wallet. A nil Weight means the
// default weight of 1; an explicit zero weight yields a zero share but the
// member is still listed, since downstream participant lists are built
// from it.
type Member struct {
	WalletAddress string `json:"walletAddress"`
	Weight        *int   `json:"weight,omitempty"`
}

func (m Member) weight() int {
	if m.Weight == nil {
		return 1
	}
	return *m.Weight
}

// MemberShare is one member's computed share of a tier's amount.
type MemberShare struct {
	WalletAddress string   `json:"walletAddress"`
	Share         *big.Int `json:"share"`
}

// Allocation is the computed distribution for one tier.
type Allocation struct {
	Tier            string        `json:"tier"`
	TotalTierAmount *big.Int      `json:"amount"`
	Members         []MemberShare `json:"members"`
}

var oneHundred = big.NewInt(100)

// Compute derives per-tier member shares from totalAmount. Tiers are
// processed in configuration order; a tier with no members is skipped and
// its amount left undistributed (routing it, e.g. to treasury, is the
// caller's policy). For equal splits the first-listed member absorbs the
// division remainder so the tier amount is conserved exactly; this
// tie-break is deterministic and intentional. For weighted splits each
// share is floor(tierAmount*weight/totalWeight), which may leave dust
// undistributed when totalWeight does not divide evenly.
//
// The tier config is re-validated here even though the configuration
// boundary already enforces it: the percent-sum invariant is load-bearing
// for the result's correctness.
func Compute(totalAmount *big.Int, cfg TierConfig, membersByTier map[string][]Member) ([]Allocation, error) {
	if totalAmount == nil || totalAmount.Sign() < 0 {
		return nil, apperr.New(apperr.KindValidation, "total amount must be a non-negative integer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for tierName, members := range membersByTier {
		for _, member := range members {
			if member.Weight != nil && *member.Weight < 0 {
				return nil, apperr.Newf(apperr.KindValidation,
					"tier %s: member %s has negative weight %d", tierName, member.WalletAddress, *member.Weight)
			}
		}
	}

	var allocations []Allocation
	for _, tier := range cfg.Tiers {
		// tierAmount = floor(totalAmount * percent / 100)
		tierAmount := new(big.Int).Mul(totalAmount, big.NewInt(int64(tier.RevenueSharePercent)))
		tierAmount.Quo(tierAmount, oneHundred)

		members := membersByTier[tier.Name]
		if len(members) == 0 {
			continue
		}

		var shares []MemberShare
		switch tier.SplitMethod {
		case SplitEqual:
			shares = splitEqual(tierAmount, members)
		case SplitWeighted:
			shares = splitWeighted(tierAmount, members)
		}

		allocations = append(allocations, Allocation{
			Tier:            tier.Name,
			TotalTierAmount: tierAmount,
			Members:         shares,
		})
	}
	return allocations, nil
}

func splitEqual(tierAmount *big.Int, members []Member) []MemberShare {
	count := big.NewInt(int64(len(members)))
	perMember, remainder := new(big.Int).QuoRem(tierAmount, count, new(big.Int))

	shares := make([]MemberShare, len(members))
	for i, member := range members {
		share := new(big.Int).Set(perMember)
		if i == 0 {
			// First-listed member absorbs the remainder so no currency is
			// lost to truncation.
			share.Add(share, remainder)
		}
		shares[i] = MemberShare{WalletAddress: member.WalletAddress, Share: share}
	}
	return shares
}

func splitWeighted(tierAmount *big.Int, members []Member) []MemberShare {
	totalWeight := int64(0)
	for _, member := range members {
		totalWeight += int64(member.weight())
	}

	shares := make([]MemberShare, len(members))
	for i, member := range members {
		share := new(big.Int)
		if totalWeight > 0 {
			share.Mul(tierAmount, big.NewInt(int64(member.weight())))
			share.Quo(share, big.NewInt(totalWeight))
		}
		shares[i] = MemberShare{WalletAddress: member.WalletAddress, Share: share}
	}
	return shares
}

// TotalAllocated sums every member share across allocations. Because of the
// weighted split's floor division this can be less than the sum of tier
// amounts.
func TotalAllocated(allocations []Allocation) *big.Int {
	total := new(big.Int)
	for _, alloc := range allocations {
		for _, member := range alloc.Members {
			total.Add(total, member.Share)
		}
	}
	return total
}

// DisplayAllocation is the decimal-string form of an Allocation for API
// responses and audit output.
type DisplayAllocation struct {
	Tier    string          `json:"tier"`
	Amount  string          `json:"amount"`
	Members []DisplayMember `json:"members"`
}

type DisplayMember struct {
	WalletAddress string `json:"walletAddress"`
	Share         string `json:"share"`
}

// ForDisplay converts an Allocation into decimal-string form.
func ForDisplay(alloc Allocation) DisplayAllocation {
	members := make([]DisplayMember, len(alloc.Members))
	for i, m := range alloc.Members {
		members[i] = DisplayMember{
			WalletAddress: m.WalletAddress,
			Share:         m.Share.String(),
		}
	}
	return DisplayAllocation{
		Tier:    alloc.Tier,
		Amount:  alloc.TotalTierAmount.String(),
		Members: members,
	}
}

// NormalizeAddress lowercases a hex account identifier so map lookups and
// participant dedup are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (a Allocation) String() string {
	return fmt.Sprintf("tier %s: %s across %d members", a.Tier, a.TotalTierAmount, len(a.Members))
}
