package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/settlement"
)

// SettlementStore implements settlement.Store. Status changes are a
// compare-and-swap on the stored status, committed in the same transaction
// as the ledger entries they carry.
type SettlementStore struct {
	pool *pgxpool.Pool
}

var _ settlement.Store = (*SettlementStore)(nil)

// NewSettlementStore creates a SettlementStore.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const caseColumns = `id, order_id, buyer_org_id, seller_org_id, weight_oz::text, price_per_oz_locked::text,
	notional_usd::text, rail, corridor_id, hub_id, vault_hub_id, status, reopened_from, opened_at, updated_at`

// Create implements settlement.Store.
func (s *SettlementStore) Create(ctx context.Context, c *domain.SettlementCase, opening domain.LedgerEntry) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO settlement_cases (
				id, order_id, buyer_org_id, seller_org_id, weight_oz, price_per_oz_locked, notional_usd,
				rail, corridor_id, hub_id, vault_hub_id, status, reopened_from, opened_at, updated_at
			) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15)`,
			c.ID, c.OrderID, c.BuyerOrgID, c.SellerOrgID,
			c.WeightOz.String(), c.PricePerOzLocked.String(), c.NotionalUSD.String(),
			string(c.Rail), c.CorridorID, c.HubID, c.VaultHubID, string(c.Status), c.ReopenedFrom,
			c.OpenedAt, c.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("order %s: %w", c.OrderID, apperrors.ErrAlreadyExists)
			}
			return fmt.Errorf("insert settlement case: %w", err)
		}
		return insertEntries(ctx, tx, []domain.LedgerEntry{opening})
	})
	return err
}

// Get implements settlement.Store.
func (s *SettlementStore) Get(ctx context.Context, id string) (*domain.SettlementCase, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM settlement_cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s: %w", id, apperrors.ErrNotFound)
	}
	return c, err
}

// List implements settlement.Store.
func (s *SettlementStore) List(ctx context.Context, f domain.SettlementFilter) ([]*domain.SettlementCase, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CorridorID != "" {
		args = append(args, f.CorridorID)
		where = append(where, fmt.Sprintf("corridor_id = $%d", len(args)))
	}
	if f.OrgID != "" {
		args = append(args, f.OrgID)
		where = append(where, fmt.Sprintf("(buyer_org_id = $%d OR seller_org_id = $%d)", len(args), len(args)))
	}
	q := `SELECT ` + caseColumns + ` FROM settlement_cases`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY opened_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list settlement cases: %w", err)
	}
	defer rows.Close()

	var out []*domain.SettlementCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Apply implements settlement.Store.
func (s *SettlementStore) Apply(ctx context.Context, cm settlement.Commit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE settlement_cases
			SET status = $1, rail = COALESCE(NULLIF($2, ''), rail), updated_at = $3
			WHERE id = $4 AND status = $5`,
			string(cm.Next), string(cm.Rail), cm.UpdatedAt, cm.SettlementID, string(cm.Expected),
		)
		if err != nil {
			return fmt.Errorf("update settlement %s status: %w", cm.SettlementID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlement_cases WHERE id = $1)`, cm.SettlementID).Scan(&exists); err != nil {
				return fmt.Errorf("check settlement %s: %w", cm.SettlementID, err)
			}
			if !exists {
				return fmt.Errorf("settlement %s: %w", cm.SettlementID, apperrors.ErrNotFound)
			}
			return fmt.Errorf("settlement %s is no longer %s: %w", cm.SettlementID, cm.Expected, apperrors.ErrConflict)
		}
		if len(cm.Entries) == 0 {
			return nil
		}

		var last int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_entries WHERE settlement_id = $1`, cm.SettlementID).Scan(&last); err != nil {
			return fmt.Errorf("read ledger head %s: %w", cm.SettlementID, err)
		}
		for i, e := range cm.Entries {
			if e.Seq != last+int64(i)+1 {
				return fmt.Errorf("settlement %s seq %d does not follow %d: %w", cm.SettlementID, e.Seq, last, apperrors.ErrConflict)
			}
		}
		return insertEntries(ctx, tx, cm.Entries)
	})
}

// ReadSince implements settlement.Store.
func (s *SettlementStore) ReadSince(ctx context.Context, id string, afterSeq int64) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, settlement_id, seq, type, status, actor, actor_role, ts, detail, snapshot
		FROM ledger_entries
		WHERE settlement_id = $1 AND seq > $2
		ORDER BY seq`, id, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e                  domain.LedgerEntry
			typ, status, role  string
			detailRaw, snapRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.SettlementID, &e.Seq, &typ, &status, &e.Actor, &role, &e.Timestamp, &detailRaw, &snapRaw); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = domain.LedgerEntryType(typ)
		e.Status = domain.SettlementStatus(status)
		e.ActorRole = domain.Role(role)
		e.Timestamp = e.Timestamp.UTC()
		if err := json.Unmarshal(detailRaw, &e.Detail); err != nil {
			return nil, fmt.Errorf("decode ledger detail %s: %w", e.ID, err)
		}
		if len(e.Detail) == 0 {
			e.Detail = nil
		}
		if err := json.Unmarshal(snapRaw, &e.Snapshot); err != nil {
			return nil, fmt.Errorf("decode ledger snapshot %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlement_cases WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check settlement %s: %w", id, err)
		}
		if !exists {
			return nil, fmt.Errorf("settlement %s: %w", id, apperrors.ErrNotFound)
		}
	}
	return out, nil
}

func insertEntries(ctx context.Context, q querier, entries []domain.LedgerEntry) error {
	for _, e := range entries {
		detail := e.Detail
		if detail == nil {
			detail = map[string]string{}
		}
		detailRaw, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode ledger detail: %w", err)
		}
		snapRaw, err := json.Marshal(e.Snapshot)
		if err != nil {
			return fmt.Errorf("encode ledger snapshot: %w", err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO ledger_entries (id, settlement_id, seq, type, status, actor, actor_role, ts, detail, snapshot)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.SettlementID, e.Seq, string(e.Type), string(e.Status), e.Actor, string(e.ActorRole),
			e.Timestamp, detailRaw, snapRaw,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("ledger %s seq %d: %w", e.SettlementID, e.Seq, apperrors.ErrConflict)
			}
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return nil
}

func scanCase(row pgx.Row) (*domain.SettlementCase, error) {
	var (
		c                       domain.SettlementCase
		weight, price, notional string
		rail, status            string
	)
	err := row.Scan(&c.ID, &c.OrderID, &c.BuyerOrgID, &c.SellerOrgID, &weight, &price, &notional,
		&rail, &c.CorridorID, &c.HubID, &c.VaultHubID, &status, &c.ReopenedFrom, &c.OpenedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan settlement case: %w", err)
	}
	if c.WeightOz, err = decimal.NewFromString(weight); err != nil {
		return nil, fmt.Errorf("parse weight_oz: %w", err)
	}
	if c.PricePerOzLocked, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price_per_oz_locked: %w", err)
	}
	if c.NotionalUSD, err = decimal.NewFromString(notional); err != nil {
		return nil, fmt.Errorf("parse notional_usd: %w", err)
	}
	c.Rail = domain.Rail(rail)
	c.Status = domain.SettlementStatus(status)
	c.OpenedAt = c.OpenedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
