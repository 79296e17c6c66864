package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"maestro/internal/lock"
)

// AcquireLock attempts to claim (resourceType, resourceID) for holder in one
// transaction: expired rows are reaped first; if a live row survives for the
// tuple the claim fails and nil is returned; otherwise the new lock row is
// inserted and returned.
func (s *Store) AcquireLock(ctx context.Context, id, resourceType, resourceID, holder string, expiresAt *time.Time) (*lock.Lock, error) {
	now := s.now()
	acquired := &lock.Lock{
		ID:           id,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		HolderID:     holder,
		AcquiredAt:   now,
		ExpiresAt:    expiresAt,
	}

	var held bool
	err := s.inTx(ctx, "acquire lock", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE expires_at IS NOT NULL AND expires_at < ?`, fmtTime(now)); err != nil {
			return fault("reap expired locks", err)
		}

		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM locks WHERE resource_type = ? AND resource_id = ?`,
			resourceType, resourceID).Scan(&existing)
		switch {
		case err == nil:
			held = true
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// free to claim
		default:
			return fault("check lock", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO locks (id, resource_type, resource_id, holder_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, resourceType, resourceID, holder, fmtTime(now), fmtNullTime(expiresAt))
		if err != nil {
			return fault("insert lock", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if held {
		return nil, nil
	}
	return acquired, nil
}

// ReleaseLock deletes the lock when id and holder match, reporting whether a
// row was removed.
func (s *Store) ReleaseLock(ctx context.Context, id, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE id = ? AND holder_id = ?`, id, holder)
	if err != nil {
		return false, fault("release lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("release lock", err)
	}
	return n > 0, nil
}

// GetLock returns the live lock on a resource tuple, or nil. Expired rows are
// purged first.
func (s *Store) GetLock(ctx context.Context, resourceType, resourceID string) (*lock.Lock, error) {
	if err := s.reapExpiredLocks(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, resource_type, resource_id, holder_id, acquired_at, expires_at
		FROM locks WHERE resource_type = ? AND resource_id = ?`, resourceType, resourceID)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault("get lock", err)
	}
	return l, nil
}

// LockByID returns the live lock with the given id, or nil.
func (s *Store) LockByID(ctx context.Context, id string) (*lock.Lock, error) {
	if err := s.reapExpiredLocks(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, resource_type, resource_id, holder_id, acquired_at, expires_at
		FROM locks WHERE id = ?`, id)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault("get lock by id", err)
	}
	return l, nil
}

// LocksByHolder lists live locks held by holder.
func (s *Store) LocksByHolder(ctx context.Context, holder string) ([]*lock.Lock, error) {
	if err := s.reapExpiredLocks(ctx); err != nil {
		return nil, err
	}
	return s.queryLocks(ctx, `
		SELECT id, resource_type, resource_id, holder_id, acquired_at, expires_at
		FROM locks WHERE holder_id = ? ORDER BY acquired_at, id`, holder)
}

// AllLocks lists every live lock.
func (s *Store) AllLocks(ctx context.Context) ([]*lock.Lock, error) {
	if err := s.reapExpiredLocks(ctx); err != nil {
		return nil, err
	}
	return s.queryLocks(ctx, `
		SELECT id, resource_type, resource_id, holder_id, acquired_at, expires_at
		FROM locks ORDER BY acquired_at, id`)
}

func (s *Store) reapExpiredLocks(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at IS NOT NULL AND expires_at < ?`, fmtTime(s.now()))
	if err != nil {
		return fault("reap expired locks", err)
	}
	return nil
}

func (s *Store) queryLocks(ctx context.Context, query string, args ...any) ([]*lock.Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("query locks", err)
	}
	defer rows.Close()

	var out []*lock.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fault("scan lock", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLock(row rowScanner) (*lock.Lock, error) {
	var l lock.Lock
	var acquired string
	var expires sql.NullString
	if err := row.Scan(&l.ID, &l.ResourceType, &l.ResourceID, &l.HolderID, &acquired, &expires); err != nil {
		return nil, err
	}
	var err error
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = parseNullTime(expires); err != nil {
		return nil, err
	}
	return &l, nil
}
