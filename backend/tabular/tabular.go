// Package tabular is the SQLite-backed Backend implementation (spec.md
// §4.2), adapting the teacher's sqlite.Database connection wrapper and
// generalizing the entitystore schema idea (content-addressed rows keyed by
// id) into a (namespace,category,key)-addressed current-state table plus an
// append-only history table, which is what the teacher's own entitystore
// never finished wiring correctly.
package tabular

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"membank/backend"
	"membank/errs"
	"membank/item"
	"membank/sqlite"
)

// Backend is the SQLite-backed storage implementation.
type Backend struct {
	db  *sqlite.Database
	now func() time.Time
}

// Open opens (creating if absent) a SQLite database at path and returns a
// ready Backend. Callers must still call Initialize before use.
func Open(path string, opts sqlite.Options) (*Backend, error) {
	db, err := sqlite.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("tabular: open: %w", errs.ErrStorageUnavailable)
	}
	return &Backend{db: db, now: time.Now}, nil
}

// wrapStorageErr classifies a failed database operation: if ctx's deadline
// has already expired, the caller's own timeout is responsible and the
// error should read as errs.ErrTimeout rather than a storage fault, so
// callers can errors.Is against the right sentinel (spec.md §5).
func wrapStorageErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("tabular: %s: %w", op, errs.ErrTimeout)
	}
	return fmt.Errorf("tabular: %s: %w", op, errs.ErrStorageUnavailable)
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	namespace  TEXT NOT NULL,
	category   TEXT NOT NULL,
	key        TEXT NOT NULL,
	id         TEXT NOT NULL,
	version    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	PRIMARY KEY (namespace, category, key)
);

CREATE TABLE IF NOT EXISTS item_history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace  TEXT NOT NULL,
	category   TEXT NOT NULL,
	key        TEXT NOT NULL,
	id         TEXT NOT NULL,
	version    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	tombstone  INTEGER NOT NULL DEFAULT 0,
	payload    BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_key
	ON item_history(namespace, category, key, timestamp);

CREATE INDEX IF NOT EXISTS idx_items_category
	ON items(namespace, category);
`

// Initialize creates the schema if it does not already exist.
func (b *Backend) Initialize(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, schema); err != nil {
		return wrapStorageErr(ctx, "initialize", err)
	}
	return nil
}

func (b *Backend) Store(ctx context.Context, it item.Item) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("tabular: marshal item: %w", errs.ErrValidation)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(ctx, "begin tx", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO items (namespace, category, key, id, version, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, category, key) DO UPDATE SET
			id = excluded.id,
			version = excluded.version,
			timestamp = excluded.timestamp,
			payload = excluded.payload
	`, it.Namespace(), it.Category, it.Key, it.ID, it.Metadata.Version, it.Metadata.Timestamp, payload)
	if err != nil {
		tx.Rollback()
		return wrapStorageErr(ctx, "upsert item", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO item_history (namespace, category, key, id, version, timestamp, tombstone, payload)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, it.Namespace(), it.Category, it.Key, it.ID, it.Metadata.Version, it.Metadata.Timestamp, payload)
	if err != nil {
		tx.Rollback()
		return wrapStorageErr(ctx, "append history", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStorageErr(ctx, "commit", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, namespace, category, key string) (item.Item, error) {
	row := b.db.Underlying().QueryRowContext(ctx, `
		SELECT payload FROM items WHERE namespace = ? AND category = ? AND key = ?
	`, namespace, category, key)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item.Item{}, fmt.Errorf("tabular: get %s/%s/%s: %w", namespace, category, key, errs.ErrNotFound)
		}
		return item.Item{}, wrapStorageErr(ctx, "get", err)
	}

	var it item.Item
	if err := json.Unmarshal(payload, &it); err != nil {
		return item.Item{}, fmt.Errorf("tabular: decode item: %w", errs.ErrIndexCorruption)
	}
	return it, nil
}

func (b *Backend) History(ctx context.Context, namespace, category, key string) ([]item.Item, error) {
	rows, err := b.db.Query(ctx, `
		SELECT payload FROM item_history
		WHERE namespace = ? AND category = ? AND key = ? AND tombstone = 0
		ORDER BY timestamp ASC, seq ASC
	`, namespace, category, key)
	if err != nil {
		return nil, wrapStorageErr(ctx, "history", err)
	}
	defer rows.Close()

	var out []item.Item
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("tabular: scan history: %w", errs.ErrIndexCorruption)
		}
		var it item.Item
		if err := json.Unmarshal(payload, &it); err != nil {
			return nil, fmt.Errorf("tabular: decode history: %w", errs.ErrIndexCorruption)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Query implements backend.Backend. When q.AsOf is set it reconstructs each
// key's state from item_history instead of scanning the current table, so a
// key deleted after the AsOf instant still appears.
func (b *Backend) Query(ctx context.Context, q item.Query) ([]item.Item, error) {
	if q.AsOf != nil {
		return b.queryAsOf(ctx, q)
	}

	where := "WHERE 1=1"
	args := []any{}
	if !q.AllNamespaces {
		ns := q.Namespace
		if ns == "" {
			ns = item.DefaultNamespace
		}
		where += " AND namespace = ?"
		args = append(args, ns)
	}
	if len(q.Categories) > 0 {
		placeholders := make([]string, len(q.Categories))
		for i, c := range q.Categories {
			placeholders[i] = "?"
			args = append(args, c)
		}
		where += " AND category IN (" + joinPlaceholders(placeholders) + ")"
	}

	rows, err := b.db.Query(ctx, "SELECT payload FROM items "+where, args...)
	if err != nil {
		return nil, wrapStorageErr(ctx, "query", err)
	}
	defer rows.Close()

	var out []item.Item
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("tabular: scan: %w", errs.ErrIndexCorruption)
		}
		var it item.Item
		if err := json.Unmarshal(payload, &it); err != nil {
			return nil, fmt.Errorf("tabular: decode: %w", errs.ErrIndexCorruption)
		}
		if q.Matches(it) {
			out = append(out, it)
		}
	}
	return out, rows.Err()
}

func (b *Backend) queryAsOf(ctx context.Context, q item.Query) ([]item.Item, error) {
	rows, err := b.db.Query(ctx, `
		SELECT namespace, category, key, tombstone, payload, timestamp FROM item_history
		WHERE timestamp <= ?
		ORDER BY namespace, category, key, timestamp DESC, seq DESC
	`, q.AsOf.UnixMilli())
	if err != nil {
		return nil, wrapStorageErr(ctx, "query asof", err)
	}
	defer rows.Close()

	type latest struct {
		it        item.Item
		tombstone bool
	}
	seen := map[string]bool{}
	var candidates []latest

	for rows.Next() {
		var namespace, category, key string
		var tombstone int
		var payload []byte
		var ts int64
		if err := rows.Scan(&namespace, &category, &key, &tombstone, &payload, &ts); err != nil {
			return nil, fmt.Errorf("tabular: scan asof: %w", errs.ErrIndexCorruption)
		}
		compositeKey := namespace + "/" + category + "/" + key
		if seen[compositeKey] {
			continue // already have the latest-as-of-cutoff row for this key
		}
		seen[compositeKey] = true

		if tombstone != 0 {
			continue
		}
		var it item.Item
		if err := json.Unmarshal(payload, &it); err != nil {
			return nil, fmt.Errorf("tabular: decode asof: %w", errs.ErrIndexCorruption)
		}
		candidates = append(candidates, latest{it: it})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr(ctx, "asof rows", err)
	}

	var out []item.Item
	for _, c := range candidates {
		if q.Matches(c.it) {
			out = append(out, c.it)
		}
	}
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, namespace, category, key string) error {
	existing, err := b.Get(ctx, namespace, category, key)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(ctx, "begin tx", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM items WHERE namespace = ? AND category = ? AND key = ?
	`, namespace, category, key); err != nil {
		tx.Rollback()
		return wrapStorageErr(ctx, "delete", err)
	}

	payload, err := json.Marshal(existing)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("tabular: marshal tombstone: %w", errs.ErrValidation)
	}
	deletedAt := b.now().UnixMilli()
	if _, err := tx.Exec(ctx, `
		INSERT INTO item_history (namespace, category, key, id, version, timestamp, tombstone, payload)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`, namespace, category, key, existing.ID, existing.Metadata.Version, deletedAt, payload); err != nil {
		tx.Rollback()
		return wrapStorageErr(ctx, "append tombstone", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStorageErr(ctx, "commit", err)
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context) (backend.Stats, error) {
	var stats backend.Stats

	row := b.db.Underlying().QueryRowContext(ctx, "SELECT COUNT(*) FROM items")
	if err := row.Scan(&stats.ItemCount); err != nil {
		return backend.Stats{}, wrapStorageErr(ctx, "stats", err)
	}

	row = b.db.Underlying().QueryRowContext(ctx, "SELECT COUNT(DISTINCT namespace) FROM items")
	if err := row.Scan(&stats.NamespaceCount); err != nil {
		return backend.Stats{}, wrapStorageErr(ctx, "stats", err)
	}

	row = b.db.Underlying().QueryRowContext(ctx, "SELECT COUNT(*) FROM item_history")
	if err := row.Scan(&stats.HistoryRows); err != nil {
		return backend.Stats{}, wrapStorageErr(ctx, "stats", err)
	}

	return stats, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += ", " + p
	}
	return out
}

