package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"goldclear.io/clearing/internal/compliance"
	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
)

// ComplianceStore implements compliance.Store.
type ComplianceStore struct {
	pool *pgxpool.Pool
}

var _ compliance.Store = (*ComplianceStore)(nil)

// NewComplianceStore creates a ComplianceStore.
func NewComplianceStore(pool *pgxpool.Pool) *ComplianceStore {
	return &ComplianceStore{pool: pool}
}

const complianceColumns = `id, user_id, org_id, status, tier, entity_type, provider_inquiry_id, created_at, updated_at`

// Upsert implements compliance.Store.
func (s *ComplianceStore) Upsert(ctx context.Context, c *domain.ComplianceCase, ev domain.ComplianceEvent) (*domain.ComplianceCase, bool, error) {
	var (
		out     *domain.ComplianceCase
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		got, err := scanComplianceCase(tx.QueryRow(ctx, `
			INSERT INTO compliance_cases (`+complianceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO NOTHING
			RETURNING `+complianceColumns,
			c.ID, c.UserID, c.OrgID, string(c.Status), string(c.Tier), string(c.EntityType),
			c.ProviderInquiryID, c.CreatedAt, c.UpdatedAt,
		))
		switch {
		case err == nil:
			out, created = got, true
			return insertComplianceEvent(ctx, tx, ev)
		case errors.Is(err, pgx.ErrNoRows):
			existing, err := scanComplianceCase(tx.QueryRow(ctx,
				`SELECT `+complianceColumns+` FROM compliance_cases WHERE user_id = $1`, c.UserID))
			if err != nil {
				return fmt.Errorf("read existing compliance case for user %s: %w", c.UserID, err)
			}
			out = existing
			return nil
		default:
			return fmt.Errorf("insert compliance case: %w", err)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Get implements compliance.Store.
func (s *ComplianceStore) Get(ctx context.Context, id string) (*domain.ComplianceCase, error) {
	return s.getOne(ctx, "id", id)
}

// GetByUser implements compliance.Store.
func (s *ComplianceStore) GetByUser(ctx context.Context, userID string) (*domain.ComplianceCase, error) {
	return s.getOne(ctx, "user_id", userID)
}

// GetByInquiry implements compliance.Store.
func (s *ComplianceStore) GetByInquiry(ctx context.Context, inquiryID string) (*domain.ComplianceCase, error) {
	if inquiryID == "" {
		return nil, fmt.Errorf("empty inquiry id: %w", apperrors.ErrNotFound)
	}
	return s.getOne(ctx, "provider_inquiry_id", inquiryID)
}

func (s *ComplianceStore) getOne(ctx context.Context, column, value string) (*domain.ComplianceCase, error) {
	c, err := scanComplianceCase(s.pool.QueryRow(ctx,
		`SELECT `+complianceColumns+` FROM compliance_cases WHERE `+column+` = $1 LIMIT 1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("compliance case %s=%s: %w", column, value, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read compliance case: %w", err)
	}
	return c, nil
}

// ListByOrg implements compliance.Store.
func (s *ComplianceStore) ListByOrg(ctx context.Context, orgID string) ([]*domain.ComplianceCase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+complianceColumns+` FROM compliance_cases WHERE org_id = $1 ORDER BY updated_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list compliance cases: %w", err)
	}
	defer rows.Close()
	var out []*domain.ComplianceCase
	for rows.Next() {
		c, err := scanComplianceCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan compliance case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStatus implements compliance.Store. Zero rows updated means the
// stored status moved on, reported as apperrors.ErrConflict.
func (s *ComplianceStore) UpdateStatus(ctx context.Context, u compliance.StatusUpdate) (*domain.ComplianceCase, error) {
	var out *domain.ComplianceCase
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := scanComplianceCase(tx.QueryRow(ctx, `
			UPDATE compliance_cases
			SET status = $1,
				tier = COALESCE(NULLIF($2, ''), tier),
				provider_inquiry_id = COALESCE(NULLIF($3, ''), provider_inquiry_id),
				updated_at = $4
			WHERE id = $5 AND status = $6
			RETURNING `+complianceColumns,
			string(u.Target), string(u.Tier), u.InquiryID, u.UpdatedAt, u.CaseID, string(u.Expected),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM compliance_cases WHERE id = $1)`, u.CaseID).Scan(&exists); err != nil {
				return fmt.Errorf("check compliance case %s: %w", u.CaseID, err)
			}
			if !exists {
				return fmt.Errorf("compliance case %s: %w", u.CaseID, apperrors.ErrNotFound)
			}
			return fmt.Errorf("compliance case %s is no longer %s: %w", u.CaseID, u.Expected, apperrors.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("update compliance case %s: %w", u.CaseID, err)
		}
		out = c
		return insertComplianceEvent(ctx, tx, u.Event)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendEvent implements compliance.Store.
func (s *ComplianceStore) AppendEvent(ctx context.Context, ev domain.ComplianceEvent) error {
	err := insertComplianceEvent(ctx, s.pool, ev)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("compliance case %s: %w", ev.CaseID, apperrors.ErrNotFound)
	}
	return err
}

// Events implements compliance.Store.
func (s *ComplianceStore) Events(ctx context.Context, caseID string) ([]domain.ComplianceEvent, error) {
	if _, err := s.Get(ctx, caseID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, actor, action, details, created_at
		FROM compliance_events WHERE case_id = $1
		ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("read compliance events: %w", err)
	}
	defer rows.Close()

	var out []domain.ComplianceEvent
	for rows.Next() {
		var (
			ev    domain.ComplianceEvent
			actor string
			raw   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &actor, &ev.Action, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compliance event: %w", err)
		}
		ev.Actor = domain.EventActor(actor)
		ev.CreatedAt = ev.CreatedAt.UTC()
		if err := json.Unmarshal(raw, &ev.Details); err != nil {
			return nil, fmt.Errorf("decode compliance event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func insertComplianceEvent(ctx context.Context, q querier, ev domain.ComplianceEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode compliance event details: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO compliance_events (id, case_id, actor, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.CaseID, string(ev.Actor), ev.Action, raw, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert compliance event: %w", err)
	}
	return nil
}

func scanComplianceCase(row pgx.Row) (*domain.ComplianceCase, error) {
	var (
		c                        domain.ComplianceCase
		status, tier, entityType string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.OrgID, &status, &tier, &entityType,
		&c.ProviderInquiryID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = domain.ComplianceStatus(status)
	c.Tier = domain.ComplianceTier(tier)
	c.EntityType = domain.EntityType(entityType)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
