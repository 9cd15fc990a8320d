package refdata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/policy"
)

func TestMemoryStore_CorridorStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertCorridor(ctx, policy.Corridor{ID: "CH-GB", Status: policy.CorridorActive, RiskLevel: policy.CorridorRiskLow}))

	prev, err := s.SetCorridorStatus(ctx, "CH-GB", policy.CorridorSuspended)
	require.NoError(t, err)
	assert.Equal(t, policy.CorridorActive, prev)

	c, err := s.Corridor(ctx, "CH-GB")
	require.NoError(t, err)
	assert.Equal(t, policy.CorridorSuspended, c.Status)

	_, err = s.SetCorridorStatus(ctx, "XX-YY", policy.CorridorActive)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.Counterparty(ctx, "nobody")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestValidCorridorStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidCorridorStatus(policy.CorridorRestricted))
	assert.False(t, ValidCorridorStatus("CLOSED"))
}
