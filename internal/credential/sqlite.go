package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint_id  TEXT UNIQUE NOT NULL,
    secret       TEXT NOT NULL,
    status       TEXT NOT NULL,
    origin       TEXT,
    requested_at INTEGER NOT NULL,
    approved_at  INTEGER,
    revoked_at   INTEGER,
    notes        TEXT
);

CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status);
CREATE INDEX IF NOT EXISTS idx_credentials_endpoint ON credentials(endpoint_id);
`

const recordColumns = `id, endpoint_id, secret, status, origin, requested_at, approved_at, revoked_at, notes`

// SQLiteStore is the Store implementation backed by a local SQLite
// database. Connections come from a small pool so console commands and
// session handlers do not serialize behind a single connection.
type SQLiteStore struct {
	pool *sqlitex.Pool
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if necessary) the credential database at path and
// applies the schema.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening credential database %s: %w", path, err)
	}

	s := &SQLiteStore{pool: pool}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying credential schema: %w", err)
	}

	return s, nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// Request files or refreshes a credential request for an endpoint.
func (s *SQLiteStore) Request(ctx context.Context, endpoint, origin string) (rec Record, created bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Record{}, false, err
	}
	defer endTransaction(&err)

	rec, err = lookupOn(conn, endpoint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}

	if errors.Is(err, ErrNotFound) {
		var secret string
		secret, err = NewSecret()
		if err != nil {
			return Record{}, false, err
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO credentials (endpoint_id, secret, status, origin, requested_at)
			 VALUES (?, ?, 'pending', ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{endpoint, secret, origin, time.Now().Unix()},
			})
		if err != nil {
			return Record{}, false, fmt.Errorf("inserting credential for %s: %w", endpoint, err)
		}
		rec, err = lookupOn(conn, endpoint)
		return rec, true, err
	}

	switch rec.Status {
	case StatusPending, StatusApproved:
		// Existing usable request or credential: hand back as-is.
		return rec, false, nil
	default:
		// Revoked or denied: the endpoint starts over with a new secret.
		var secret string
		secret, err = NewSecret()
		if err != nil {
			return Record{}, false, err
		}
		err = sqlitex.Execute(conn,
			`UPDATE credentials
			 SET secret = ?, status = 'pending', origin = ?, requested_at = ?,
			     approved_at = NULL, revoked_at = NULL
			 WHERE endpoint_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{secret, origin, time.Now().Unix(), endpoint},
			})
		if err != nil {
			return Record{}, false, fmt.Errorf("resetting credential for %s: %w", endpoint, err)
		}
		rec, err = lookupOn(conn, endpoint)
		return rec, true, err
	}
}

// Approve moves a pending credential to approved. Approving an already
// approved credential is a no-op success.
func (s *SQLiteStore) Approve(ctx context.Context, endpoint string) (rec Record, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Record{}, err
	}
	defer endTransaction(&err)

	rec, err = lookupOn(conn, endpoint)
	if err != nil {
		return Record{}, err
	}

	switch rec.Status {
	case StatusApproved:
		return rec, nil
	case StatusPending:
		err = sqlitex.Execute(conn,
			`UPDATE credentials SET status = 'approved', approved_at = ? WHERE endpoint_id = ?`,
			&sqlitex.ExecOptions{Args: []any{time.Now().Unix(), endpoint}})
		if err != nil {
			return Record{}, fmt.Errorf("approving %s: %w", endpoint, err)
		}
		rec, err = lookupOn(conn, endpoint)
		return rec, err
	default:
		return Record{}, fmt.Errorf("approve %s (status %s): %w", endpoint, rec.Status, ErrWrongState)
	}
}

// Deny rejects a pending credential request.
func (s *SQLiteStore) Deny(ctx context.Context, endpoint string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	rec, err := lookupOn(conn, endpoint)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("deny %s (status %s): %w", endpoint, rec.Status, ErrWrongState)
	}

	err = sqlitex.Execute(conn,
		`UPDATE credentials SET status = 'denied' WHERE endpoint_id = ?`,
		&sqlitex.ExecOptions{Args: []any{endpoint}})
	if err != nil {
		return fmt.Errorf("denying %s: %w", endpoint, err)
	}
	return nil
}

// Revoke blocks an approved credential. The secret stays on the record
// so Renew can restore it.
func (s *SQLiteStore) Revoke(ctx context.Context, endpoint string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	rec, err := lookupOn(conn, endpoint)
	if err != nil {
		return err
	}
	if rec.Status != StatusApproved {
		return fmt.Errorf("revoke %s (status %s): %w", endpoint, rec.Status, ErrWrongState)
	}

	err = sqlitex.Execute(conn,
		`UPDATE credentials SET status = 'revoked', revoked_at = ? WHERE endpoint_id = ?`,
		&sqlitex.ExecOptions{Args: []any{time.Now().Unix(), endpoint}})
	if err != nil {
		return fmt.Errorf("revoking %s: %w", endpoint, err)
	}
	return nil
}

// Renew re-approves a revoked credential with its original secret, so an
// endpoint still holding that secret can reconnect without a new request.
func (s *SQLiteStore) Renew(ctx context.Context, endpoint string) (rec Record, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Record{}, err
	}
	defer endTransaction(&err)

	rec, err = lookupOn(conn, endpoint)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusRevoked {
		return Record{}, fmt.Errorf("renew %s (status %s): %w", endpoint, rec.Status, ErrWrongState)
	}

	err = sqlitex.Execute(conn,
		`UPDATE credentials
		 SET status = 'approved', approved_at = ?, revoked_at = NULL
		 WHERE endpoint_id = ?`,
		&sqlitex.ExecOptions{Args: []any{time.Now().Unix(), endpoint}})
	if err != nil {
		return Record{}, fmt.Errorf("renewing %s: %w", endpoint, err)
	}
	rec, err = lookupOn(conn, endpoint)
	return rec, err
}

// Delete removes a credential in any status.
func (s *SQLiteStore) Delete(ctx context.Context, endpoint string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM credentials WHERE endpoint_id = ?`,
		&sqlitex.ExecOptions{Args: []any{endpoint}})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", endpoint, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddManual provisions an approved credential without an endpoint request.
func (s *SQLiteStore) AddManual(ctx context.Context, endpoint string) (rec Record, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Record{}, err
	}
	defer endTransaction(&err)

	rec, err = lookupOn(conn, endpoint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	if errors.Is(err, ErrNotFound) {
		var secret string
		secret, err = NewSecret()
		if err != nil {
			return Record{}, err
		}
		now := time.Now().Unix()
		err = sqlitex.Execute(conn,
			`INSERT INTO credentials (endpoint_id, secret, status, requested_at, approved_at)
			 VALUES (?, ?, 'approved', ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{endpoint, secret, now, now}})
		if err != nil {
			return Record{}, fmt.Errorf("inserting manual credential for %s: %w", endpoint, err)
		}
		rec, err = lookupOn(conn, endpoint)
		return rec, err
	}

	if rec.Status == StatusApproved {
		return rec, nil
	}

	// Existing record in another status: approve it, keeping the stored
	// secret so an endpoint already holding it can connect.
	err = sqlitex.Execute(conn,
		`UPDATE credentials
		 SET status = 'approved', approved_at = ?, revoked_at = NULL
		 WHERE endpoint_id = ?`,
		&sqlitex.ExecOptions{Args: []any{time.Now().Unix(), endpoint}})
	if err != nil {
		return Record{}, fmt.Errorf("approving manual credential for %s: %w", endpoint, err)
	}
	rec, err = lookupOn(conn, endpoint)
	return rec, err
}

// Lookup returns the credential for an endpoint.
func (s *SQLiteStore) Lookup(ctx context.Context, endpoint string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	return lookupOn(conn, endpoint)
}

// Pending lists pending requests, oldest first.
func (s *SQLiteStore) Pending(ctx context.Context) ([]Record, error) {
	return s.list(ctx,
		`SELECT `+recordColumns+` FROM credentials WHERE status = 'pending' ORDER BY requested_at ASC, id ASC`)
}

// All lists every credential, most recently requested first.
func (s *SQLiteStore) All(ctx context.Context) ([]Record, error) {
	return s.list(ctx,
		`SELECT `+recordColumns+` FROM credentials ORDER BY requested_at DESC, id DESC`)
}

func (s *SQLiteStore) list(ctx context.Context, query string) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var recs []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			recs = append(recs, scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	return recs, nil
}

func lookupOn(conn *sqlite.Conn, endpoint string) (Record, error) {
	var rec Record
	found := false
	err := sqlitex.Execute(conn,
		`SELECT `+recordColumns+` FROM credentials WHERE endpoint_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{endpoint},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = scanRecord(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Record{}, fmt.Errorf("looking up %s: %w", endpoint, err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func scanRecord(stmt *sqlite.Stmt) Record {
	rec := Record{
		ID:          stmt.ColumnInt64(0),
		Endpoint:    stmt.ColumnText(1),
		Secret:      stmt.ColumnText(2),
		Status:      ParseStatus(stmt.ColumnText(3)),
		Origin:      stmt.ColumnText(4),
		RequestedAt: time.Unix(stmt.ColumnInt64(5), 0).UTC(),
		Notes:       stmt.ColumnText(8),
	}
	if !stmt.ColumnIsNull(6) {
		rec.ApprovedAt = time.Unix(stmt.ColumnInt64(6), 0).UTC()
	}
	if !stmt.ColumnIsNull(7) {
		rec.RevokedAt = time.Unix(stmt.ColumnInt64(7), 0).UTC()
	}
	return rec
}
