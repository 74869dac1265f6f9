package database

import (
	"context"
	"encoding/json"
	"fmt"

	"tradersdesk/internal/model"
)

func (db *DB) InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}
	_, err = db.q(ctx).ExecContext(ctx,
		`INSERT INTO security_audit_log (event_type, ip_address, user_agent, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(e.Kind), e.IPAddress, e.UserAgent, string(meta), e.CreatedAt,
	)
	return err
}

func (db *DB) ListSecurityEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	rows, err := db.q(ctx).QueryContext(ctx,
		`SELECT id, event_type, ip_address, user_agent, metadata, created_at
		 FROM security_audit_log
		 ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		var e model.SecurityEvent
		var kind string
		var meta []byte
		if err := rows.Scan(&e.ID, &kind, &e.IPAddress, &e.UserAgent, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
