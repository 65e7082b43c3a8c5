package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pebblestore "github.com/livestorejs/syncd/internal/storage/pebble"
)

// RootSeq is the well-known parent of the first event in every store.
const RootSeq = 0

// Row is a single persisted event row.
type Row struct {
	Seq         uint64
	ParentSeq   uint64
	CreatedAtMs int64
	Payload     []byte
}

// ContextRow is the one-row-per-store context record.
type ContextRow struct {
	Head      uint64 `json:"head"`
	BackendID string `json:"backendId"`
}

// Log provides append-only operations for a single store's event log.
type Log struct {
	db      *pebblestore.DB
	storeID string
}

// Open returns a Log handle for the given store. No storage is touched until
// the first read or append; missing keyspace behaves like an empty log, so
// creation is implicitly idempotent.
func Open(db *pebblestore.DB, storeID string) *Log {
	return &Log{db: db, storeID: storeID}
}

// StoreID returns the store this log belongs to.
func (l *Log) StoreID() string { return l.storeID }

// LoadContext reads the persisted context row. ok is false when the store has
// never been initialized under the current format version.
func (l *Log) LoadContext() (ContextRow, bool, error) {
	b, err := l.db.Get(KeyStoreContext(l.storeID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return ContextRow{}, false, nil
		}
		return ContextRow{}, false, err
	}
	var row ContextRow
	if err := json.Unmarshal(b, &row); err != nil {
		return ContextRow{}, false, fmt.Errorf("eventlog: corrupt context row for %s: %w", l.storeID, err)
	}
	return row, true, nil
}

// SaveContext persists the context row outside of an append (bootstrap path).
func (l *Log) SaveContext(row ContextRow) error {
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return l.db.Set(KeyStoreContext(l.storeID), b)
}

// AppendBatch writes all rows and the advanced context row as a single atomic
// storage operation. Readers never observe a partially-appended batch.
func (l *Log) AppendBatch(ctx context.Context, rows []Row, next ContextRow) error {
	if len(rows) == 0 {
		return nil
	}
	b := l.db.NewBatch()
	defer b.Close()

	for _, r := range rows {
		val := EncodeRecord(r.ParentSeq, r.CreatedAtMs, r.Payload)
		if err := b.Set(KeyEvent(l.storeID, r.Seq), val, nil); err != nil {
			return err
		}
	}
	cb, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := b.Set(KeyStoreContext(l.storeID), cb, nil); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

// Reset deletes every event row and the context row for the store.
func (l *Log) Reset(ctx context.Context) error {
	low, high := KeyEventBounds(l.storeID)
	if err := l.db.DeleteRange(low, high); err != nil {
		return err
	}
	if err := l.db.Delete(KeyStoreContext(l.storeID)); err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}
	return nil
}
