package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/invoice-engine/billing"
	_ "modernc.org/sqlite"
)

// =============================================================================
// SQLITE STORE - Durable device database (pure Go driver, no cgo on devices)
// =============================================================================

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the queue and the snapshot in one local database file.
// Documents are stored as JSON; only the columns the queries filter or
// order on are broken out.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the device database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate device store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS queue_items (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  next_attempt_at INTEGER NOT NULL DEFAULT 0,
  parked INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS local_settings (
  user_id TEXT PRIMARY KEY,
  doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS local_invoices (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  synced INTEGER NOT NULL DEFAULT 0,
  doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_local_invoices_user ON local_invoices(user_id);
`)
	return err
}

// =============================================================================
// QUEUE
// =============================================================================

func (s *SQLiteStore) Append(ctx context.Context, item SyncQueueItem) (SyncQueueItem, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items(id, entity_type, entity_id, payload, created_at, attempt_count, last_error, next_attempt_at, parked)
VALUES(?,?,?,?,?,?,?,?,?)`,
		item.ID, string(item.EntityType), item.EntityID, string(item.Payload), item.CreatedAt.UnixNano(),
		item.AttemptCount, item.LastError, unixNano(item.NextAttemptAt), boolInt(item.Parked),
	)
	if err != nil {
		return item, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return item, err
	}
	item.Seq = seq
	return item, nil
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]SyncQueueItem, error) {
	return s.queryItems(ctx, "WHERE parked = 0")
}

func (s *SQLiteStore) Parked(ctx context.Context) ([]SyncQueueItem, error) {
	return s.queryItems(ctx, "WHERE parked = 1")
}

func (s *SQLiteStore) queryItems(ctx context.Context, where string) ([]SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, id, entity_type, entity_id, payload, created_at, attempt_count, last_error, next_attempt_at, parked
FROM queue_items `+where+` ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []SyncQueueItem
	for rows.Next() {
		var (
			it                SyncQueueItem
			entityType        string
			payload           string
			createdAt, nextAt int64
			parked            int
		)
		if err := rows.Scan(&it.Seq, &it.ID, &entityType, &it.EntityID, &payload, &createdAt,
			&it.AttemptCount, &it.LastError, &nextAt, &parked); err != nil {
			return nil, err
		}
		it.EntityType = EntityType(entityType)
		it.Payload = json.RawMessage(payload)
		it.CreatedAt = time.Unix(0, createdAt).UTC()
		if nextAt > 0 {
			it.NextAttemptAt = time.Unix(0, nextAt).UTC()
		}
		it.Parked = parked == 1
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, attempts int, lastError string, next time.Time) error {
	return s.updateItem(ctx, `UPDATE queue_items SET attempt_count = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		attempts, lastError, unixNano(next), id)
}

func (s *SQLiteStore) Park(ctx context.Context, id string, reason string) error {
	return s.updateItem(ctx, `UPDATE queue_items SET parked = 1, last_error = ? WHERE id = ?`, reason, id)
}

func (s *SQLiteStore) updateItem(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n)
	return n, err
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, userID billing.UserID) (Snapshot, error) {
	var snap Snapshot

	settings, err := s.getSettings(ctx, s.db, userID)
	if err != nil {
		return snap, err
	}
	snap.Settings = settings

	rows, err := s.db.QueryContext(ctx, `SELECT doc, synced FROM local_invoices WHERE user_id = ?`, string(userID))
	if err != nil {
		return snap, err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var (
			doc    string
			synced int
			inv    LocalInvoice
		)
		if err := rows.Scan(&doc, &synced); err != nil {
			return snap, err
		}
		if err := json.Unmarshal([]byte(doc), &inv.Invoice); err != nil {
			return snap, fmt.Errorf("decode local invoice: %w", err)
		}
		inv.Synced = synced == 1
		snap.Invoices = append(snap.Invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}
	sortLocalInvoices(snap.Invoices)
	return snap, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getSettings(ctx context.Context, q rowQuerier, userID billing.UserID) (*billing.Settings, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM local_settings WHERE user_id = ?`, string(userID)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st billing.Settings
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("decode local settings: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) putSettings(ctx context.Context, q rowQuerier, st billing.Settings) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO local_settings(user_id, doc) VALUES(?, ?)
ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc`, string(st.UserID), string(doc))
	return err
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, st billing.Settings) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if st.StoreID == "" {
			existing, err := s.getSettings(ctx, tx, st.UserID)
			if err != nil {
				return err
			}
			if existing != nil {
				st.StoreID = existing.StoreID
			}
		}
		return s.putSettings(ctx, tx, st)
	})
}

func (s *SQLiteStore) ReplaceSettings(ctx context.Context, st billing.Settings) error {
	return s.putSettings(ctx, s.db, st)
}

func (s *SQLiteStore) getInvoice(ctx context.Context, q rowQuerier, id billing.InvoiceID) (*LocalInvoice, error) {
	var (
		doc    string
		synced int
	)
	err := q.QueryRowContext(ctx, `SELECT doc, synced FROM local_invoices WHERE id = ?`, string(id)).Scan(&doc, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inv := LocalInvoice{Synced: synced == 1}
	if err := json.Unmarshal([]byte(doc), &inv.Invoice); err != nil {
		return nil, fmt.Errorf("decode local invoice: %w", err)
	}
	return &inv, nil
}

func (s *SQLiteStore) putInvoice(ctx context.Context, q rowQuerier, inv LocalInvoice) error {
	doc, err := json.Marshal(inv.Invoice)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO local_invoices(id, user_id, synced, doc) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, synced = excluded.synced, doc = excluded.doc`,
		string(inv.ID), string(inv.UserID), boolInt(inv.Synced), string(doc))
	return err
}

func (s *SQLiteStore) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getInvoice(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if existing != nil && inv.Number == 0 {
			inv.Number = existing.Number
			inv.DailyCounter = existing.DailyCounter
			inv.Display = existing.Display
		}
		return s.putInvoice(ctx, tx, LocalInvoice{Invoice: inv})
	})
}

func (s *SQLiteStore) MergeInvoice(ctx context.Context, inv billing.Invoice) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getInvoice(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.UpdatedAt.After(inv.UpdatedAt) {
			return nil
		}
		changed = true
		return s.putInvoice(ctx, tx, LocalInvoice{Invoice: inv, Synced: true})
	})
	return changed, err
}

func (s *SQLiteStore) MarkInvoiceSynced(ctx context.Context, inv billing.Invoice) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		local, err := s.getInvoice(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if local == nil {
			return s.putInvoice(ctx, tx, LocalInvoice{Invoice: inv, Synced: true})
		}
		mergeSynced(local, inv)
		return s.putInvoice(ctx, tx, *local)
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
