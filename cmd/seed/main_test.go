package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldclear.io/clearing/internal/api/middleware"
	"goldclear.io/clearing/internal/domain"
)

func TestDevPrincipals_CoverEveryRole(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	ids := make(map[string]bool)
	for _, p := range devPrincipals() {
		require.False(t, ids[p.UserID], "duplicate principal %s", p.UserID)
		ids[p.UserID] = true
		require.Len(t, domain.ParseRoles(p.Roles), len(p.Roles), "unknown role in %s", p.UserID)
		for _, r := range p.Roles {
			seen[r] = true
		}
	}

	for _, r := range []domain.Role{
		domain.RoleTrader, domain.RoleDeskHead, domain.RoleCreditCommittee, domain.RoleBoard,
		domain.RoleOps, domain.RoleOpsAdmin, domain.RoleTreasury, domain.RoleVaultOps,
		domain.RoleCompliance, domain.RoleSettlementOps, domain.RoleSystem,
	} {
		assert.True(t, seen[string(r)], "no principal holds %s", r)
	}
}

func TestPrintTokens(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := printTokens(&buf, middleware.JWTConfig{
		SigningKey: []byte("seed-test-signing-key-0123456789ab"),
		Issuer:     "goldclear",
		ExpiresIn:  time.Hour,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(devPrincipals()))
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		require.Len(t, fields, 4)
		assert.Equal(t, 2, strings.Count(fields[3], "."), "token %q is not a JWS", fields[3])
	}
}
