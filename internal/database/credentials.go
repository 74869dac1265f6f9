package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradersdesk/internal/model"
)

// The admin_credential and recovery_key tables hold at most one row each,
// pinned to id 1.

func (db *DB) GetCredential(ctx context.Context) (*model.AdminCredential, error) {
	c := &model.AdminCredential{}
	err := db.q(ctx).QueryRowContext(ctx,
		"SELECT password_hash, updated_at FROM admin_credential WHERE id = 1",
	).Scan(&c.Hash, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (db *DB) InitCredential(ctx context.Context, hash string, now time.Time) (bool, error) {
	res, err := db.q(ctx).ExecContext(ctx,
		"INSERT INTO admin_credential (id, password_hash, updated_at) VALUES (1, $1, $2) ON CONFLICT (id) DO NOTHING",
		hash, now,
	)
	return affected(res, err)
}

func (db *DB) RotateCredential(ctx context.Context, hash, recoveryHash string, now time.Time) (int64, error) {
	var revoked int64
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if recoveryHash != "" {
			res, err := tx.ExecContext(ctx,
				"UPDATE recovery_key SET consumed_at = $2 WHERE id = 1 AND key_hash = $1 AND consumed_at IS NULL",
				recoveryHash, now,
			)
			ok, err := affected(res, err)
			if err != nil {
				return fmt.Errorf("failed to consume recovery key: %w", err)
			}
			if !ok {
				return model.ErrRecoveryKeyConsumed
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO admin_credential (id, password_hash, updated_at) VALUES (1, $1, $2)
			 ON CONFLICT (id) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = EXCLUDED.updated_at`,
			hash, now,
		); err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}

		res, err := tx.ExecContext(ctx, "UPDATE admin_sessions SET revoked = TRUE WHERE NOT revoked")
		if err != nil {
			return fmt.Errorf("failed to revoke sessions: %w", err)
		}
		revoked, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

func (db *DB) GetRecoveryKey(ctx context.Context) (*model.RecoveryKey, error) {
	k := &model.RecoveryKey{}
	var consumedAt sql.NullTime
	err := db.q(ctx).QueryRowContext(ctx,
		"SELECT key_hash, created_at, consumed_at FROM recovery_key WHERE id = 1",
	).Scan(&k.Hash, &k.CreatedAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if consumedAt.Valid {
		k.ConsumedAt = &consumedAt.Time
	}
	return k, nil
}

func (db *DB) InitRecoveryKey(ctx context.Context, hash string, now time.Time) (bool, error) {
	res, err := db.q(ctx).ExecContext(ctx,
		"INSERT INTO recovery_key (id, key_hash, created_at) VALUES (1, $1, $2) ON CONFLICT (id) DO NOTHING",
		hash, now,
	)
	return affected(res, err)
}

// SetRecoveryKey replaces the recovery key, un-consuming the slot.
func (db *DB) SetRecoveryKey(ctx context.Context, hash string, now time.Time) error {
	_, err := db.q(ctx).ExecContext(ctx,
		`INSERT INTO recovery_key (id, key_hash, created_at, consumed_at) VALUES (1, $1, $2, NULL)
		 ON CONFLICT (id) DO UPDATE SET key_hash = EXCLUDED.key_hash, created_at = EXCLUDED.created_at, consumed_at = NULL`,
		hash, now,
	)
	return err
}
