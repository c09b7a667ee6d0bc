package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"coursekeep.org/internal/audit"
	"coursekeep.org/internal/tenant"
)

var _ audit.Store = (*AuditLog)(nil)

// AuditLog is the append-only Postgres audit trail.
type AuditLog struct {
	db *sql.DB
}

// AuditLog returns the audit store backed by this store.
func (s *Store) AuditLog() *AuditLog { return &AuditLog{db: s.db} }

func (s *AuditLog) Append(ctx context.Context, scope tenant.Scope, e audit.Entry) error {
	if err := scope.Stamp(&e.TenantID, "pg.audit.append"); err != nil {
		return err
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		bytes, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = bytes
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries (id, tenant_id, actor, actor_type, action, entity_type, entity_id, metadata, request_id, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.TenantID, e.Actor, string(e.ActorType), string(e.Action), e.EntityType, e.EntityID, meta, e.RequestID, e.OccurredAt.UTC())
	return err
}

func (s *AuditLog) List(ctx context.Context, scope tenant.Scope, f audit.Filter) ([]audit.Entry, error) {
	if err := scope.Require(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, actor, actor_type, action, entity_type, entity_id, metadata, request_id, occurred_at
		from audit_entries
		where tenant_id = $1
			and ($2 = '' or action = $2)
			and ($3 = '' or entity_id = $3)
			and ($4 = '' or id > $4)
		order by id
		limit $5
	`, scope.ID(), string(f.Action), f.EntityID, f.AfterID, f.EffectiveLimit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			actorType string
			action    string
			rawMeta   []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &actorType, &action, &e.EntityType, &e.EntityID, &rawMeta, &e.RequestID, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.ActorType = audit.ActorType(actorType)
		e.Action = audit.Action(action)
		e.OccurredAt = e.OccurredAt.UTC()
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
