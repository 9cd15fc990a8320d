// Package approval maps operator roles onto policy approval tiers.
//
// Import Path: goldclear.io/clearing/internal/governance/approval
package approval

import (
	"fmt"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/policy"
)

// Rank returns the approval tier a role can sign off. Roles without signing
// authority return false.
func Rank(r domain.Role) (policy.ApprovalTier, bool) {
	switch r {
	case domain.RoleTrader:
		return policy.TierAuto, true
	case domain.RoleDeskHead:
		return policy.TierDeskHead, true
	case domain.RoleCreditCommittee:
		return policy.TierCreditCommittee, true
	case domain.RoleBoard:
		return policy.TierBoard, true
	}
	return "", false
}

// Authority decides whether an actor may authorize a required tier.
type Authority struct{}

// Authorize returns the role under which actor signs off required, choosing
// the lowest sufficient role so the ledger records the tier actually needed.
func (Authority) Authorize(actor domain.Actor, required policy.ApprovalTier) (domain.Role, error) {
	var (
		best     domain.Role
		bestRank = -1
		highest  = -1
	)
	for _, r := range actor.Roles {
		tier, ok := Rank(r)
		if !ok {
			continue
		}
		rank := tier.Rank()
		if rank > highest {
			highest = rank
		}
		if rank >= required.Rank() && (bestRank == -1 || rank < bestRank) {
			best, bestRank = r, rank
		}
	}
	if bestRank >= 0 {
		return best, nil
	}

	return "", apperrors.ErrRoleNotPermittedf("authorize", actor.RoleList()).WithParams(map[string]interface{}{
		"required_tier": string(required),
		"role":          actor.RoleList(),
		"held_rank":     highest,
	})
}

// Describe renders a tier requirement for logs.
func Describe(required policy.ApprovalTier) string {
	return fmt.Sprintf("%s (%s)", required.Label(), required)
}
