package domain

import "strings"

// Role is an operator role carried in the caller's token.
type Role string

const (
	RoleTrader          Role = "trader"
	RoleDeskHead        Role = "desk_head"
	RoleCreditCommittee Role = "credit_committee"
	RoleBoard           Role = "board"
	RoleOps             Role = "ops"
	RoleTreasury        Role = "treasury"
	RoleVaultOps        Role = "vault_ops"
	RoleCompliance      Role = "compliance"
	RoleSettlementOps   Role = "settlement_ops"
	RoleOpsAdmin        Role = "ops_admin"
	RoleSystem          Role = "system"
)

// Actor is the authenticated principal performing an action.
type Actor struct {
	UserID string
	OrgID  string
	Roles  []Role
}

// SystemActor is used by background jobs.
var SystemActor = Actor{UserID: "system", Roles: []Role{RoleSystem}}

// FirstOf returns the first role in allowed that the actor holds.
func (a Actor) FirstOf(allowed ...Role) (Role, bool) {
	for _, want := range allowed {
		for _, have := range a.Roles {
			if have == want {
				return want, true
			}
		}
	}
	return "", false
}

// RoleList renders the actor's roles for errors and logs.
func (a Actor) RoleList() string {
	if len(a.Roles) == 0 {
		return "none"
	}
	out := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		out[i] = string(r)
	}
	return strings.Join(out, ",")
}

// Has reports whether the actor holds role r.
func (a Actor) Has(r Role) bool {
	_, ok := a.FirstOf(r)
	return ok
}

// ParseRoles converts raw role strings, dropping unknown values.
func ParseRoles(raw []string) []Role {
	out := make([]Role, 0, len(raw))
	for _, s := range raw {
		switch r := Role(s); r {
		case RoleTrader, RoleDeskHead, RoleCreditCommittee, RoleBoard, RoleOps, RoleTreasury,
			RoleVaultOps, RoleCompliance, RoleSettlementOps, RoleOpsAdmin, RoleSystem:
			out = append(out, r)
		}
	}
	return out
}
