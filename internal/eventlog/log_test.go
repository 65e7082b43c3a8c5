package eventlog

import (
	"context"
	"testing"

	pebblestore "github.com/livestorejs/syncd/internal/storage/pebble"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return Open(db, "store-a")
}

func appendChain(t *testing.T, l *Log, from, n uint64) {
	t.Helper()
	rows := make([]Row, 0, n)
	for i := uint64(0); i < n; i++ {
		seq := from + 1 + i
		rows = append(rows, Row{Seq: seq, ParentSeq: seq - 1, CreatedAtMs: 1000, Payload: []byte("e")})
	}
	if err := l.AppendBatch(context.Background(), rows, ContextRow{Head: from + n, BackendID: "b"}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestAppendAdvancesContext(t *testing.T) {
	l := newTestLog(t)
	if _, ok, err := l.LoadContext(); err != nil || ok {
		t.Fatalf("fresh store should have no context row (ok=%v err=%v)", ok, err)
	}
	appendChain(t, l, RootSeq, 3)
	row, ok, err := l.LoadContext()
	if err != nil || !ok {
		t.Fatalf("load context: ok=%v err=%v", ok, err)
	}
	if row.Head != 3 {
		t.Fatalf("head: %d", row.Head)
	}
}

func TestReadAfterReturnsChain(t *testing.T) {
	l := newTestLog(t)
	appendChain(t, l, RootSeq, 5)
	rows, err := l.ReadAfter(RootSeq, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("want 5 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Seq != uint64(i+1) || r.ParentSeq != uint64(i) {
			t.Fatalf("row %d broke the chain: seq=%d parent=%d", i, r.Seq, r.ParentSeq)
		}
	}
	rows, err = l.ReadAfter(3, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 2 || rows[0].Seq != 4 {
		t.Fatalf("cursor read wrong: %+v", rows)
	}
}

func TestReadAfterLimit(t *testing.T) {
	l := newTestLog(t)
	appendChain(t, l, RootSeq, 5)
	rows, err := l.ReadAfter(RootSeq, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("limit ignored: %d", len(rows))
	}
}

func TestCountAfter(t *testing.T) {
	l := newTestLog(t)
	appendChain(t, l, RootSeq, 4)
	n, err := l.CountAfter(1, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3, got %d", n)
	}
	n, err = l.CountAfter(99, nil)
	if err != nil || n != 0 {
		t.Fatalf("cursor past head should count 0, got %d err=%v", n, err)
	}
}

func TestResetClearsStore(t *testing.T) {
	l := newTestLog(t)
	appendChain(t, l, RootSeq, 3)
	if err := l.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	rows, err := l.ReadAfter(RootSeq, 0)
	if err != nil || len(rows) != 0 {
		t.Fatalf("rows survived reset: %d err=%v", len(rows), err)
	}
	if _, ok, _ := l.LoadContext(); ok {
		t.Fatalf("context row survived reset")
	}
}

func TestHeadDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	l := Open(db, "s")
	appendChain(t, l, RootSeq, 2)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	row, ok, err := Open(db2, "s").LoadContext()
	if err != nil || !ok {
		t.Fatalf("load after reopen: ok=%v err=%v", ok, err)
	}
	if row.Head != 2 {
		t.Fatalf("head after reopen: %d", row.Head)
	}
}

func TestStats(t *testing.T) {
	l := newTestLog(t)
	appendChain(t, l, RootSeq, 4)
	first, last, count, err := l.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if first != 1 || last != 4 || count != 4 {
		t.Fatalf("stats: first=%d last=%d count=%d", first, last, count)
	}
}
