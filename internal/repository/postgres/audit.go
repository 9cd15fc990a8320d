package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"goldclear.io/clearing/internal/governance/audit"
)

// AuditStore implements audit.Store on the audit_logs table.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Insert implements audit.Store.
func (s *AuditStore) Insert(ctx context.Context, r audit.Record) error {
	details := r.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, action, resource_type, resource_id, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Action, r.ResourceType, r.ResourceID, r.Actor, raw, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// List implements audit.Store.
func (s *AuditStore) List(ctx context.Context, resourceType, resourceID string) ([]audit.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, resource_type, resource_id, actor, details, created_at
		FROM audit_logs
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at, id`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r   audit.Record
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.Action, &r.ResourceType, &r.ResourceID, &r.Actor, &raw, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if err := json.Unmarshal(raw, &r.Details); err != nil {
			return nil, fmt.Errorf("decode audit details %s: %w", r.ID, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
