package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tenantgate.io/internal/audit"
)

// Append writes one audit record. The table is append-only.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	if s.db == nil {
		return errNoDB
	}
	if strings.TrimSpace(rec.Action) == "" {
		return errors.New("pg: audit action is required")
	}
	meta := []byte("{}")
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, organization_id, action, resource,
		                       success, risk, reason, request_id, remote_addr, user_agent, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.OccurredAt.UTC(), nullIfEmpty(rec.ActorID), nullIfEmpty(rec.OrganizationID),
		rec.Action, nullIfEmpty(rec.Resource), rec.Success, string(rec.Risk), nullIfEmpty(rec.Reason),
		nullIfEmpty(rec.RequestID), nullIfEmpty(rec.RemoteAddr), nullIfEmpty(rec.UserAgent), meta)
	if err != nil {
		return classify(err)
	}
	return nil
}

// List returns one organization's records, newest first.
func (s *Store) List(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	q = q.Normalize()
	if q.OrganizationID == "" {
		return nil, errors.New("pg: organization id is required")
	}
	args := []any{q.OrganizationID}
	where := "organization_id = $1"
	if !q.Before.IsZero() {
		args = append(args, q.Before.UTC())
		where += fmt.Sprintf(" and occurred_at < $%d", len(args))
	}
	args = append(args, q.Limit)
	query := fmt.Sprintf(`
		select id, occurred_at, coalesce(actor_id, ''), coalesce(organization_id, ''), action,
		       coalesce(resource, ''), success, risk, coalesce(reason, ''), coalesce(request_id, ''),
		       coalesce(remote_addr, ''), coalesce(user_agent, ''), metadata
		from audit_log
		where %s
		order by occurred_at desc, id desc
		limit $%d
	`, where, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Record
	for rows.Next() {
		var (
			rec  audit.Record
			risk string
			meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.OccurredAt, &rec.ActorID, &rec.OrganizationID, &rec.Action,
			&rec.Resource, &rec.Success, &risk, &rec.Reason, &rec.RequestID,
			&rec.RemoteAddr, &rec.UserAgent, &meta); err != nil {
			return nil, err
		}
		rec.Risk = audit.Risk(risk)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
			if len(rec.Metadata) == 0 {
				rec.Metadata = nil
			}
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
