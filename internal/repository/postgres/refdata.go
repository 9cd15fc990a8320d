package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/policy"
	"goldclear.io/clearing/internal/refdata"
)

// RefDataStore implements refdata.Store.
type RefDataStore struct {
	pool *pgxpool.Pool
}

var _ refdata.Store = (*RefDataStore)(nil)

// NewRefDataStore creates a RefDataStore.
func NewRefDataStore(pool *pgxpool.Pool) *RefDataStore {
	return &RefDataStore{pool: pool}
}

// Counterparty implements refdata.Store.
func (s *RefDataStore) Counterparty(ctx context.Context, orgID string) (policy.Counterparty, error) {
	var cp policy.Counterparty
	var risk, kyc, sanctions string
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, legal_name, risk_rating, kyc_status, sanctions_status
		FROM counterparties WHERE org_id = $1`, orgID,
	).Scan(&cp.OrgID, &cp.LegalName, &risk, &kyc, &sanctions)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Counterparty{}, fmt.Errorf("counterparty %s: %w", orgID, apperrors.ErrNotFound)
	}
	if err != nil {
		return policy.Counterparty{}, fmt.Errorf("read counterparty %s: %w", orgID, err)
	}
	cp.RiskRating = policy.RiskRating(risk)
	cp.KYCStatus = policy.KYCStatus(kyc)
	cp.SanctionsStatus = policy.SanctionsStatus(sanctions)
	return cp, nil
}

// Corridor implements refdata.Store.
func (s *RefDataStore) Corridor(ctx context.Context, id string) (policy.Corridor, error) {
	c, err := scanCorridor(s.pool.QueryRow(ctx,
		`SELECT id, name, status, risk_level FROM corridors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Corridor{}, fmt.Errorf("corridor %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return policy.Corridor{}, fmt.Errorf("read corridor %s: %w", id, err)
	}
	return c, nil
}

// ListCorridors implements refdata.Store.
func (s *RefDataStore) ListCorridors(ctx context.Context) ([]policy.Corridor, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, status, risk_level FROM corridors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list corridors: %w", err)
	}
	defer rows.Close()
	out := []policy.Corridor{}
	for rows.Next() {
		c, err := scanCorridor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan corridor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCounterparty implements refdata.Store.
func (s *RefDataStore) UpsertCounterparty(ctx context.Context, cp policy.Counterparty) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counterparties (org_id, legal_name, risk_rating, kyc_status, sanctions_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (org_id) DO UPDATE SET
			legal_name = EXCLUDED.legal_name,
			risk_rating = EXCLUDED.risk_rating,
			kyc_status = EXCLUDED.kyc_status,
			sanctions_status = EXCLUDED.sanctions_status,
			updated_at = now()`,
		cp.OrgID, cp.LegalName, string(cp.RiskRating), string(cp.KYCStatus), string(cp.SanctionsStatus),
	)
	if err != nil {
		return fmt.Errorf("upsert counterparty %s: %w", cp.OrgID, err)
	}
	return nil
}

// UpsertCorridor implements refdata.Store.
func (s *RefDataStore) UpsertCorridor(ctx context.Context, c policy.Corridor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO corridors (id, name, status, risk_level, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			risk_level = EXCLUDED.risk_level,
			updated_at = now()`,
		c.ID, c.Name, string(c.Status), string(c.RiskLevel),
	)
	if err != nil {
		return fmt.Errorf("upsert corridor %s: %w", c.ID, err)
	}
	return nil
}

// SetCorridorStatus implements refdata.Store.
func (s *RefDataStore) SetCorridorStatus(ctx context.Context, id string, status policy.CorridorStatus) (policy.CorridorStatus, error) {
	if !refdata.ValidCorridorStatus(status) {
		return "", fmt.Errorf("invalid corridor status %q", status)
	}
	var prev string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT status FROM corridors WHERE id = $1 FOR UPDATE`, id).Scan(&prev); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE corridors SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("corridor %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("set corridor %s status: %w", id, err)
	}
	return policy.CorridorStatus(prev), nil
}

func scanCorridor(row pgx.Row) (policy.Corridor, error) {
	var c policy.Corridor
	var status, risk string
	if err := row.Scan(&c.ID, &c.Name, &status, &risk); err != nil {
		return policy.Corridor{}, err
	}
	c.Status = policy.CorridorStatus(status)
	c.RiskLevel = policy.CorridorRisk(risk)
	return c, nil
}
