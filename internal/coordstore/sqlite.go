package coordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const popPollInterval = 25 * time.Millisecond

// SQLite implements Store on a single sqlite database file. The database
// is opened with a single writer connection; each Store method runs inside
// one transaction, which is what makes PopPush atomic across processes.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the standard location of the coordination database.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".prpflow", "coordination.db")
}

// OpenSQLite opens (or creates) the coordination database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS list_entries (
			list  TEXT NOT NULL,
			pos   INTEGER NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (list, pos)
		);
		CREATE INDEX IF NOT EXISTS idx_list_entries_value ON list_entries(list, value);
		CREATE TABLE IF NOT EXISTS hash_fields (
			key   TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, field)
		);
		CREATE TABLE IF NOT EXISTS set_members (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		);
		CREATE TABLE IF NOT EXISTS key_expiry (
			key        TEXT PRIMARY KEY,
			expires_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("init coordstore schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// dropExpired removes every key whose TTL elapsed. Runs best-effort before
// read paths; expiry only affects ephemeral keys, never queue correctness.
func (s *SQLite) dropExpired(ctx context.Context) {
	now := s.now().UTC()
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM list_entries WHERE list IN (SELECT key FROM key_expiry WHERE expires_at <= ?);
	`, now)
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM hash_fields WHERE key IN (SELECT key FROM key_expiry WHERE expires_at <= ?);
	`, now)
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM set_members WHERE key IN (SELECT key FROM key_expiry WHERE expires_at <= ?);
	`, now)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM key_expiry WHERE expires_at <= ?;`, now)
}

func (s *SQLite) PushTail(ctx context.Context, list, value string) error {
	return s.retryBusy(ctx, "push_tail", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO list_entries (list, pos, value)
			VALUES (?, (SELECT COALESCE(MAX(pos), 0) + 1 FROM list_entries WHERE list = ?), ?);
		`, list, list, value)
		if err != nil {
			return fmt.Errorf("push tail %s: %w", list, err)
		}
		return nil
	})
}

func (s *SQLite) PushHead(ctx context.Context, list, value string) error {
	return s.retryBusy(ctx, "push_head", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO list_entries (list, pos, value)
			VALUES (?, (SELECT COALESCE(MIN(pos), 0) - 1 FROM list_entries WHERE list = ?), ?);
		`, list, list, value)
		if err != nil {
			return fmt.Errorf("push head %s: %w", list, err)
		}
		return nil
	})
}

// tryPopPush performs one atomic head-of-src to tail-of-dst move.
func (s *SQLite) tryPopPush(ctx context.Context, src, dst string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin pop-push tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pos int64
	var value string
	err = tx.QueryRowContext(ctx, `
		SELECT pos, value FROM list_entries
		WHERE list = ?
		ORDER BY pos ASC
		LIMIT 1;
	`, src).Scan(&pos, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select head of %s: %w", src, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM list_entries WHERE list = ? AND pos = ?;
	`, src, pos); err != nil {
		return "", false, fmt.Errorf("pop head of %s: %w", src, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO list_entries (list, pos, value)
		VALUES (?, (SELECT COALESCE(MAX(pos), 0) + 1 FROM list_entries WHERE list = ?), ?);
	`, dst, dst, value); err != nil {
		return "", false, fmt.Errorf("push to %s: %w", dst, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit pop-push tx: %w", err)
	}
	return value, true, nil
}

func (s *SQLite) PopPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	s.dropExpired(ctx)

	var value string
	var moved bool
	err := s.retryBusy(ctx, "pop_push", func() error {
		var tryErr error
		value, moved, tryErr = s.tryPopPush(ctx, src, dst)
		return tryErr
	})
	if err != nil {
		return "", err
	}
	if moved {
		return value, nil
	}
	if timeout <= 0 {
		return "", ErrTimeout
	}

	deadline := s.now().Add(timeout)
	ticker := time.NewTicker(popPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			err := s.retryBusy(ctx, "pop_push", func() error {
				var tryErr error
				value, moved, tryErr = s.tryPopPush(ctx, src, dst)
				return tryErr
			})
			if err != nil {
				return "", err
			}
			if moved {
				return value, nil
			}
			if !s.now().Before(deadline) {
				return "", ErrTimeout
			}
		}
	}
}

func (s *SQLite) Remove(ctx context.Context, list, value string) (bool, error) {
	var removed bool
	err := s.retryBusy(ctx, "remove", func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM list_entries
			WHERE list = ? AND pos = (
				SELECT pos FROM list_entries WHERE list = ? AND value = ? ORDER BY pos ASC LIMIT 1
			);
		`, list, list, value)
		if err != nil {
			return fmt.Errorf("remove from %s: %w", list, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove rows affected: %w", err)
		}
		removed = n == 1
		return nil
	})
	return removed, err
}

func (s *SQLite) Range(ctx context.Context, list string) ([]string, error) {
	s.dropExpired(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM list_entries WHERE list = ? ORDER BY pos ASC;
	`, list)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", list, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan list entry: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	return out, nil
}

func (s *SQLite) Len(ctx context.Context, list string) (int, error) {
	s.dropExpired(ctx)
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM list_entries WHERE list = ?;
	`, list).Scan(&n); err != nil {
		return 0, fmt.Errorf("len %s: %w", list, err)
	}
	return n, nil
}

func (s *SQLite) HSet(ctx context.Context, key, field, value string) error {
	return s.retryBusy(ctx, "hset", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO hash_fields (key, field, value)
			VALUES (?, ?, ?)
			ON CONFLICT(key, field) DO UPDATE SET value = excluded.value;
		`, key, field, value)
		if err != nil {
			return fmt.Errorf("hset %s/%s: %w", key, field, err)
		}
		return nil
	})
}

func (s *SQLite) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	var inserted bool
	err := s.retryBusy(ctx, "hsetnx", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO hash_fields (key, field, value)
			VALUES (?, ?, ?)
			ON CONFLICT(key, field) DO NOTHING;
		`, key, field, value)
		if err != nil {
			return fmt.Errorf("hsetnx %s/%s: %w", key, field, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("hsetnx rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.dropExpired(ctx)
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM hash_fields WHERE key = ? AND field = ?;
	`, key, field).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s/%s: %w", key, field, err)
	}
	return v, true, nil
}

func (s *SQLite) HDel(ctx context.Context, key, field string) error {
	return s.retryBusy(ctx, "hdel", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM hash_fields WHERE key = ? AND field = ?;
		`, key, field)
		if err != nil {
			return fmt.Errorf("hdel %s/%s: %w", key, field, err)
		}
		return nil
	})
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.dropExpired(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM hash_fields WHERE key = ?;
	`, key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, fmt.Errorf("scan hash field: %w", err)
		}
		out[f] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hash rows: %w", err)
	}
	return out, nil
}

func (s *SQLite) HIncr(ctx context.Context, key, field string) (int64, error) {
	var n int64
	err := s.retryBusy(ctx, "hincr", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin hincr tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hash_fields (key, field, value)
			VALUES (?, ?, '1')
			ON CONFLICT(key, field) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT);
		`, key, field); err != nil {
			return fmt.Errorf("hincr %s/%s: %w", key, field, err)
		}
		var v string
		if err := tx.QueryRowContext(ctx, `
			SELECT value FROM hash_fields WHERE key = ? AND field = ?;
		`, key, field).Scan(&v); err != nil {
			return fmt.Errorf("hincr read back: %w", err)
		}
		parsed, err := parseInt64(v)
		if err != nil {
			return fmt.Errorf("hincr non-integer field %s/%s: %w", key, field, err)
		}
		n = parsed
		return tx.Commit()
	})
	return n, err
}

func (s *SQLite) SAdd(ctx context.Context, key, member string) error {
	return s.retryBusy(ctx, "sadd", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO set_members (key, member)
			VALUES (?, ?)
			ON CONFLICT(key, member) DO NOTHING;
		`, key, member)
		if err != nil {
			return fmt.Errorf("sadd %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLite) SRem(ctx context.Context, key, member string) error {
	return s.retryBusy(ctx, "srem", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM set_members WHERE key = ? AND member = ?;
		`, key, member)
		if err != nil {
			return fmt.Errorf("srem %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLite) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.dropExpired(ctx)
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM set_members WHERE key = ? AND member = ?;
	`, key, member).Scan(&n); err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.retryBusy(ctx, "expire", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO key_expiry (key, expires_at)
			VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at;
		`, key, s.now().UTC().Add(ttl))
		if err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
		return nil
	})
}

// retryBusy retries transient sqlite BUSY/LOCKED errors with bounded jitter.
// Errors that survive the retries are wrapped as TransientError so callers
// can distinguish them from logic errors.
func (s *SQLite) retryBusy(ctx context.Context, op string, f func() error) error {
	const maxRetries = 5
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return &TransientError{Op: op, Err: err}
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
