package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradersdesk/internal/model"
)

func (db *DB) InsertLoginAttempt(ctx context.Context, a model.LoginAttempt) error {
	_, err := db.q(ctx).ExecContext(ctx,
		"INSERT INTO login_attempts (ip_address, user_agent, success, attempted_at) VALUES ($1, $2, $3, $4)",
		a.IPAddress, a.UserAgent, a.Success, a.AttemptedAt,
	)
	return err
}

func (db *DB) CountFailedAttempts(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := db.q(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM login_attempts WHERE ip_address = $1 AND NOT success AND attempted_at > $2",
		ip, since,
	).Scan(&count)
	return count, err
}

func (db *DB) PruneLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.q(ctx).ExecContext(ctx, "DELETE FROM login_attempts WHERE attempted_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const blockColumns = "ip_address, blocked_until, reason, tier, created_at, updated_at"

func (db *DB) GetIPBlock(ctx context.Context, ip string) (*model.IPBlock, error) {
	b := &model.IPBlock{}
	err := db.q(ctx).QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM ip_blocks WHERE ip_address = $1", ip,
	).Scan(&b.IPAddress, &b.BlockedUntil, &b.Reason, &b.Tier, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (db *DB) UpsertIPBlock(ctx context.Context, b model.IPBlock) error {
	_, err := db.q(ctx).ExecContext(ctx,
		`INSERT INTO ip_blocks (ip_address, blocked_until, reason, tier, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (ip_address) DO UPDATE
		 SET blocked_until = EXCLUDED.blocked_until, reason = EXCLUDED.reason,
		     tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at`,
		b.IPAddress, b.BlockedUntil, b.Reason, b.Tier, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

// ClearIPBlock ends the block at now and resets the escalation tier. It
// reports whether a block was active.
func (db *DB) ClearIPBlock(ctx context.Context, ip string, now time.Time) (bool, error) {
	res, err := db.q(ctx).ExecContext(ctx,
		"UPDATE ip_blocks SET blocked_until = $2, tier = 0, updated_at = $2 WHERE ip_address = $1 AND blocked_until > $2",
		ip, now,
	)
	return affected(res, err)
}

func (db *DB) ListActiveIPBlocks(ctx context.Context, now time.Time) ([]model.IPBlock, error) {
	rows, err := db.q(ctx).QueryContext(ctx,
		"SELECT "+blockColumns+" FROM ip_blocks WHERE blocked_until > $1 ORDER BY blocked_until DESC", now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []model.IPBlock
	for rows.Next() {
		var b model.IPBlock
		if err := rows.Scan(&b.IPAddress, &b.BlockedUntil, &b.Reason, &b.Tier, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
