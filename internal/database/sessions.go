package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradersdesk/internal/model"
)

const sessionColumns = "id, token_hash, csrf_token, ip_address, user_agent, created_at, expires_at, revoked"

func (db *DB) CreateSession(ctx context.Context, s *model.AdminSession) error {
	_, err := db.q(ctx).ExecContext(ctx,
		`INSERT INTO admin_sessions (id, token_hash, csrf_token, ip_address, user_agent, created_at, expires_at, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.TokenHash, s.CSRFToken, s.IPAddress, s.UserAgent, s.CreatedAt, s.ExpiresAt, s.Revoked,
	)
	return err
}

func (db *DB) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error) {
	row := db.q(ctx).QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM admin_sessions WHERE token_hash = $1", tokenHash)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (db *DB) RevokeSessionByTokenHash(ctx context.Context, tokenHash string) (bool, error) {
	res, err := db.q(ctx).ExecContext(ctx,
		"UPDATE admin_sessions SET revoked = TRUE WHERE token_hash = $1 AND NOT revoked", tokenHash)
	return affected(res, err)
}

func (db *DB) RevokeSessionByID(ctx context.Context, id string) (bool, error) {
	res, err := db.q(ctx).ExecContext(ctx,
		"UPDATE admin_sessions SET revoked = TRUE WHERE id = $1 AND NOT revoked", id)
	return affected(res, err)
}

func (db *DB) RevokeAllSessions(ctx context.Context) (int64, error) {
	res, err := db.q(ctx).ExecContext(ctx, "UPDATE admin_sessions SET revoked = TRUE WHERE NOT revoked")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) ListActiveSessions(ctx context.Context, now time.Time) ([]model.AdminSession, error) {
	rows, err := db.q(ctx).QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM admin_sessions WHERE NOT revoked AND expires_at > $1 ORDER BY created_at DESC", now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.AdminSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// PurgeSessions deletes sessions that expired before the cutoff, and revoked
// sessions created before it.
func (db *DB) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.q(ctx).ExecContext(ctx,
		"DELETE FROM admin_sessions WHERE expires_at < $1 OR (revoked AND created_at < $1)", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.AdminSession, error) {
	s := &model.AdminSession{}
	err := row.Scan(&s.ID, &s.TokenHash, &s.CSRFToken, &s.IPAddress, &s.UserAgent, &s.CreatedAt, &s.ExpiresAt, &s.Revoked)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
