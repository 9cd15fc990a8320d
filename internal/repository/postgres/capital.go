package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"goldclear.io/clearing/internal/capital"
	"goldclear.io/clearing/internal/policy"
)

// CapitalStore keeps treasury capital positions. Snapshot serves the newest
// one, so it is a capital.Provider.
type CapitalStore struct {
	pool *pgxpool.Pool
}

var _ capital.Provider = (*CapitalStore)(nil)

// NewCapitalStore creates a CapitalStore.
func NewCapitalStore(pool *pgxpool.Pool) *CapitalStore {
	return &CapitalStore{pool: pool}
}

// Record stores a capital position as of asOf.
func (s *CapitalStore) Record(ctx context.Context, base, exposure, hardstop decimal.Decimal, asOf time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO capital_snapshots (capital_base, gross_exposure, hardstop_limit, as_of)
		VALUES ($1::numeric, $2::numeric, $3::numeric, $4)`,
		base.String(), exposure.String(), hardstop.String(), asOf.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record capital snapshot: %w", err)
	}
	return nil
}

// Snapshot implements capital.Provider.
func (s *CapitalStore) Snapshot(ctx context.Context) (policy.CapitalSnapshot, error) {
	var (
		base, exposure, hardstop string
		asOf                     time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT capital_base::text, gross_exposure::text, hardstop_limit::text, as_of
		FROM capital_snapshots ORDER BY as_of DESC, id DESC LIMIT 1`,
	).Scan(&base, &exposure, &hardstop, &asOf)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.CapitalSnapshot{}, fmt.Errorf("no capital snapshot recorded: %w", capital.ErrUnavailable)
	}
	if err != nil {
		return policy.CapitalSnapshot{}, fmt.Errorf("read capital snapshot: %w: %v", capital.ErrUnavailable, err)
	}
	values := make([]decimal.Decimal, 3)
	for i, raw := range []string{base, exposure, hardstop} {
		if values[i], err = decimal.NewFromString(raw); err != nil {
			return policy.CapitalSnapshot{}, fmt.Errorf("decode capital snapshot: %w", err)
		}
	}
	return capital.Derive(values[0], values[1], values[2], asOf.UTC()), nil
}
