// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the shared datastore and pub/sub bus (spec §6): the
// conditional compare-and-set primitives instance orchestration depends on
// for admission control, heartbeats, and release, plus a change-log-backed
// pub/sub bus with opaque cursors for the "servers" and "events" channels.
//
// It is backed by modernc.org/sqlite; a single file (or ":memory:") holds
// both the server/instance rows and the change log, so the conditional
// updates below are plain SQL statements rather than a distributed
// find-and-modify.
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/WPMedia/pritunl/internal/errors"
	"github.com/WPMedia/pritunl/internal/model"
)

// Cursor is an opaque position in the change log. The zero value means
// "start of log" or "publish with no follow-on subscribe," depending on
// context.
type Cursor int64

// Change is one row of the pub/sub bus: a published event on a channel,
// optionally scoped to a server.
type Change struct {
	Cursor     Cursor
	Channel    string
	ServerID   string
	Type       string
	ResourceID string
	CreatedAt  time.Time
}

// Store is a handle to the shared datastore.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	subscribers map[string][]chan Change
}

// Open opens or creates the datastore at path (use ":memory:" for a
// process-local instance).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open datastore")
	}
	db.SetMaxOpenConns(1) // serialize conditional updates without a separate app-level lock

	s := &Store{db: db, subscribers: make(map[string][]chan Change)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		replica_count INTEGER NOT NULL,
		instances_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS instances (
		server_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		host_id TEXT NOT NULL,
		ping_timestamp INTEGER NOT NULL,
		PRIMARY KEY (server_id, instance_id)
	);
	CREATE TABLE IF NOT EXISTS changes (
		cursor INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		server_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_channel ON changes(channel, cursor);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutServer upserts a server row's admission-control fields. Configuration
// management of the Server entity itself is out of scope (spec §1); this is
// only the slice the claim/release primitives act on.
func (s *Store) PutServer(id string, status model.ServerStatus, replicaCount int) error {
	_, err := s.db.Exec(`
		INSERT INTO servers (id, status, replica_count, instances_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, replica_count = excluded.replica_count
	`, id, string(status), replicaCount)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to upsert server row")
	}
	return nil
}

// Claim is the sole admission-control primitive (spec §4.I claim_slot): a
// conditional update matching id=server_id AND status=ONLINE AND
// instances_count < replica_count, which pushes a new instance row and
// increments instances_count. If the match fails, ok is false and the
// caller must not treat that as an error - some other replica holds the
// remaining capacity.
func (s *Store) Claim(ctx context.Context, serverID, hostID string) (instanceID string, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, errors.Wrap(err, errors.KindInternal, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE servers SET instances_count = instances_count + 1
		WHERE id = ? AND status = ? AND instances_count < replica_count
	`, serverID, string(model.StatusOnline))
	if err != nil {
		return "", false, errors.Wrap(err, errors.KindInternal, "claim update failed")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, errors.Wrap(err, errors.KindInternal, "failed to read claim result")
	}
	if rows == 0 {
		return "", false, nil
	}

	instanceID = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (server_id, instance_id, host_id, ping_timestamp)
		VALUES (?, ?, ?, ?)
	`, serverID, instanceID, hostID, time.Now().Unix())
	if err != nil {
		return "", false, errors.Wrap(err, errors.KindInternal, "failed to insert instance row")
	}

	if err := tx.Commit(); err != nil {
		return "", false, errors.Wrap(err, errors.KindInternal, "failed to commit claim")
	}
	return instanceID, true, nil
}

// Heartbeat conditionally refreshes an instance's ping_timestamp (spec
// §4.F). If no row matches both server id and instance id - because the
// instance row was pulled out from under it (eviction or a concurrent
// release) - ok is false and the caller must stop.
func (s *Store) Heartbeat(ctx context.Context, serverID, instanceID string) (ok bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET ping_timestamp = ?
		WHERE server_id = ? AND instance_id = ?
	`, time.Now().Unix(), serverID, instanceID)
	if err != nil {
		return false, errors.Wrap(err, errors.KindTransient, "heartbeat update failed")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.KindTransient, "failed to read heartbeat result")
	}
	return rows > 0, nil
}

// Release pulls the instance row and decrements instances_count, gated on
// the pull actually matching a row (spec §9 Open Question: a release that
// finds no matching instance row - because it was already evicted - must
// not double-decrement the counter).
func (s *Store) Release(ctx context.Context, serverID, instanceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to begin release transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM instances WHERE server_id = ? AND instance_id = ?
	`, serverID, instanceID)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "release delete failed")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to read release result")
	}
	if rows == 0 {
		return tx.Commit() // nothing to decrement; still commit the no-op
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE servers SET instances_count = instances_count - 1
		WHERE id = ? AND instances_count > 0
	`, serverID); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to decrement instances_count")
	}

	return errors.Wrap(tx.Commit(), errors.KindInternal, "failed to commit release")
}

// InstancesCount returns a server's current instances_count, for tests and
// diagnostics.
func (s *Store) InstancesCount(ctx context.Context, serverID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT instances_count FROM servers WHERE id = ?`, serverID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to read instances_count")
	}
	return count, nil
}

// Publish appends an entry to the change log and wakes any live subscribers
// on that channel (spec §4.H). The returned cursor can be handed to a later
// Subscribe call to resume from just after this event.
func (s *Store) Publish(ctx context.Context, channel, serverID, changeType, resourceID string) (Cursor, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO changes (channel, server_id, type, resource_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, channel, serverID, changeType, resourceID, time.Now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to publish change")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to read published cursor")
	}
	c := Change{Cursor: Cursor(id), Channel: channel, ServerID: serverID, Type: changeType, ResourceID: resourceID, CreatedAt: time.Now()}

	s.mu.Lock()
	for _, ch := range s.subscribers[channel] {
		select {
		case ch <- c:
		default: // slow subscriber; it will catch up via the durable log replay
		}
	}
	s.mu.Unlock()

	return Cursor(id), nil
}

// CurrentCursor returns the channel's current head position, suitable as a
// "subscribe from now" starting point captured before some other mutation
// (spec §4.G: a cursor captured before the instance row insert).
func (s *Store) CurrentCursor(ctx context.Context, channel string) (Cursor, error) {
	var cursor sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(cursor) FROM changes WHERE channel = ?`, channel).Scan(&cursor)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to read current cursor")
	}
	return Cursor(cursor.Int64), nil
}

// Subscribe returns a channel that first replays every durable change on
// `channel` with cursor > from, then streams live publishes, until ctx is
// canceled. If serverID is non-empty, only changes scoped to that server id
// are delivered (spec §4.G's "servers" channel filter).
func (s *Store) Subscribe(ctx context.Context, channel string, from Cursor, serverID string) <-chan Change {
	out := make(chan Change, 64)

	live := make(chan Change, 64)
	s.mu.Lock()
	s.subscribers[channel] = append(s.subscribers[channel], live)
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer s.unsubscribe(channel, live)

		cursor := from
		replay, err := s.replay(ctx, channel, cursor, serverID)
		if err == nil {
			for _, c := range replay {
				select {
				case out <- c:
					cursor = c.Cursor
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-live:
				if !ok {
					return
				}
				if c.Cursor <= cursor {
					continue // already delivered via replay
				}
				if serverID != "" && c.ServerID != serverID {
					continue
				}
				select {
				case out <- c:
					cursor = c.Cursor
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (s *Store) unsubscribe(channel string, ch chan Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[channel]
	for i, c := range subs {
		if c == ch {
			s.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (s *Store) replay(ctx context.Context, channel string, from Cursor, serverID string) ([]Change, error) {
	query := `SELECT cursor, channel, server_id, type, resource_id, created_at FROM changes WHERE channel = ? AND cursor > ?`
	args := []any{channel, int64(from)}
	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY cursor ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to replay change log")
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var cursor int64
		var createdAt int64
		if err := rows.Scan(&cursor, &c.Channel, &c.ServerID, &c.Type, &c.ResourceID, &createdAt); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to scan change row")
		}
		c.Cursor = Cursor(cursor)
		c.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}
