package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	pebblestore "github.com/livestorejs/syncd/internal/storage/pebble"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

func newTestBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.FatalLevel))
	}
	b := NewBackend(db, opts)
	t.Cleanup(func() {
		b.Close()
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	return b
}

func chain(from uint64, n int) []Event {
	events := make([]Event, n)
	for i := range events {
		seq := from + uint64(i) + 1
		events[i] = Event{
			SeqNum:       seq,
			ParentSeqNum: seq - 1,
			Name:         "todoCreated",
			Args:         json.RawMessage(`{"id":"t1"}`),
			ClientID:     "client-a",
			SessionID:    "sess-1",
		}
	}
	return events
}

func collectAll(t *testing.T, b *Backend, storeID string, req PullRequest) []PullPage {
	t.Helper()
	var pages []PullPage
	err := b.Pull(context.Background(), storeID, req, func(p PullPage) error {
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	return pages
}

func TestPushPullRoundTrip(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()

	batch := chain(RootSeq, 3)
	if err := b.Push(ctx, "store-1", batch); err != nil {
		t.Fatalf("push: %v", err)
	}

	pages := collectAll(t, b, "store-1", PullRequest{})
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	page := pages[0]
	if len(page.Batch) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.Batch))
	}
	if !page.PageInfo.NoMore {
		t.Fatalf("expected NoMore on final page")
	}
	for i, ev := range page.Batch {
		if ev.SeqNum != uint64(i+1) {
			t.Fatalf("event %d: seq = %d", i, ev.SeqNum)
		}
		if ev.Name != "todoCreated" || ev.ClientID != "client-a" {
			t.Fatalf("event %d: body lost: %+v", i, ev)
		}
		if ev.CreatedAt == "" {
			t.Fatalf("event %d: missing createdAt", i)
		}
	}
}

func TestPushEmptyBatchIsAck(t *testing.T) {
	b := newTestBackend(t, Options{})
	if err := b.Push(context.Background(), "store-1", nil); err != nil {
		t.Fatalf("empty push should ack: %v", err)
	}
}

func TestPushConflictLeavesLogUntouched(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()

	if err := b.Push(ctx, "store-1", chain(RootSeq, 2)); err != nil {
		t.Fatalf("push: %v", err)
	}

	// Stale parent: chains onto seq 1 while the head is 2.
	err := b.Push(ctx, "store-1", chain(1, 2))
	var conflict *InvalidParentSeqError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected InvalidParentSeqError, got %v", err)
	}
	if conflict.Expected != 2 || conflict.Received != 1 {
		t.Fatalf("conflict = %+v", conflict)
	}

	pages := collectAll(t, b, "store-1", PullRequest{})
	if n := len(pages[0].Batch); n != 2 {
		t.Fatalf("rejected push mutated the log: %d events", n)
	}
}

func TestPushRejectsBrokenChain(t *testing.T) {
	b := newTestBackend(t, Options{})
	batch := chain(RootSeq, 3)
	batch[2].ParentSeqNum = 7
	batch[2].SeqNum = 8

	err := b.Push(context.Background(), "store-1", batch)
	var conflict *InvalidParentSeqError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected InvalidParentSeqError, got %v", err)
	}
	pages := collectAll(t, b, "store-1", PullRequest{})
	if len(pages[0].Batch) != 0 {
		t.Fatalf("broken batch was partially applied")
	}
}

func TestConcurrentPushesSameParent(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Push(ctx, "store-1", chain(RootSeq, 1))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *InvalidParentSeqError
		if !errors.As(err, &conflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one push should win, got %d", wins)
	}
	pages := collectAll(t, b, "store-1", PullRequest{})
	if len(pages[0].Batch) != 1 {
		t.Fatalf("log has %d events, want 1", len(pages[0].Batch))
	}
}

func TestPullCursorSkipsAcked(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()
	if err := b.Push(ctx, "store-1", chain(RootSeq, 5)); err != nil {
		t.Fatalf("push: %v", err)
	}

	cursor := uint64(3)
	pages := collectAll(t, b, "store-1", PullRequest{Cursor: &cursor})
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	got := pages[0].Batch
	if len(got) != 2 || got[0].SeqNum != 4 || got[1].SeqNum != 5 {
		t.Fatalf("unexpected events after cursor: %+v", got)
	}
}

func TestPullCursorAtHeadEmitsEmptyPage(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()
	if err := b.Push(ctx, "store-1", chain(RootSeq, 2)); err != nil {
		t.Fatalf("push: %v", err)
	}

	cursor := uint64(2)
	pages := collectAll(t, b, "store-1", PullRequest{Cursor: &cursor})
	if len(pages) != 1 {
		t.Fatalf("expected one empty page, got %d", len(pages))
	}
	if len(pages[0].Batch) != 0 || !pages[0].PageInfo.NoMore {
		t.Fatalf("expected empty NoMore page, got %+v", pages[0])
	}
}

func TestPullPaginatesUnderItemCeiling(t *testing.T) {
	b := newTestBackend(t, Options{Limits: Limits{MaxBatchEvents: 4, MaxMessageBytes: 1 << 20}})
	ctx := context.Background()
	if err := b.Push(ctx, "store-1", chain(RootSeq, 10)); err != nil {
		t.Fatalf("push: %v", err)
	}

	pages := collectAll(t, b, "store-1", PullRequest{})
	total := 0
	for i, p := range pages {
		if len(p.Batch) > 4 {
			t.Fatalf("page %d has %d events", i, len(p.Batch))
		}
		total += len(p.Batch)
		last := i == len(pages)-1
		if last && !p.PageInfo.NoMore {
			t.Fatalf("final page missing NoMore")
		}
		if !last && p.PageInfo.MoreRemaining == 0 {
			t.Fatalf("page %d claims nothing remains", i)
		}
	}
	if total != 10 {
		t.Fatalf("pulled %d events, want 10", total)
	}
}

func TestPullBoundedAtRequestTimeHead(t *testing.T) {
	b := newTestBackend(t, Options{Limits: Limits{MaxBatchEvents: 2, MaxMessageBytes: 1 << 20}})
	ctx := context.Background()
	if err := b.Push(ctx, "store-1", chain(RootSeq, 3)); err != nil {
		t.Fatalf("push: %v", err)
	}

	// Commit more events while the stream is mid-flight; they belong to the
	// next pull, not this one.
	var pages []PullPage
	pushed := false
	err := b.Pull(ctx, "store-1", PullRequest{}, func(p PullPage) error {
		pages = append(pages, p)
		if !pushed {
			pushed = true
			if err := b.Push(ctx, "store-1", chain(3, 2)); err != nil {
				t.Fatalf("mid-pull push: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}

	total := 0
	for i, p := range pages {
		for _, ev := range p.Batch {
			if ev.SeqNum > 3 {
				t.Fatalf("stream leaked past its backlog: seq %d", ev.SeqNum)
			}
			total++
		}
		if p.PageInfo.NoMore && i != len(pages)-1 {
			t.Fatalf("pages emitted after NoMore")
		}
	}
	if total != 3 {
		t.Fatalf("pulled %d events, want 3", total)
	}
	if !pages[len(pages)-1].PageInfo.NoMore {
		t.Fatalf("final page missing NoMore")
	}
}

func TestPullFilter(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()
	batch := chain(RootSeq, 4)
	batch[1].Name = "todoDeleted"
	batch[3].Name = "todoDeleted"
	if err := b.Push(ctx, "store-1", batch); err != nil {
		t.Fatalf("push: %v", err)
	}

	pages := collectAll(t, b, "store-1", PullRequest{Filter: `name == "todoDeleted"`})
	var got []Event
	for _, p := range pages {
		got = append(got, p.Batch...)
	}
	if len(got) != 2 || got[0].SeqNum != 2 || got[1].SeqNum != 4 {
		t.Fatalf("filter returned %+v", got)
	}
}

func TestPullBadFilter(t *testing.T) {
	b := newTestBackend(t, Options{})
	err := b.Pull(context.Background(), "store-1", PullRequest{Filter: `name ==`}, func(PullPage) error {
		t.Fatalf("bad filter should not emit")
		return nil
	})
	var unexpectedErr *UnexpectedError
	if !errors.As(err, &unexpectedErr) {
		t.Fatalf("expected UnexpectedError, got %v", err)
	}
}

func TestStoreContextIsStable(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()

	a, err := b.Store(ctx, "store-1")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	c, err := b.Store(ctx, "store-1")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if a != c {
		t.Fatalf("expected the same context pointer")
	}
	if a.BackendID() == "" {
		t.Fatalf("missing backend id")
	}
	other, err := b.Store(ctx, "store-2")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if other.BackendID() == a.BackendID() {
		t.Fatalf("stores share a backend id")
	}
}

func TestHeadSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	open := func() (*pebblestore.DB, *Backend) {
		db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		return db, NewBackend(db, Options{Logger: logpkg.NewLogger(logpkg.WithLevel(logpkg.FatalLevel))})
	}

	db, b := open()
	ctx := context.Background()
	if err := b.Push(ctx, "store-1", chain(RootSeq, 3)); err != nil {
		t.Fatalf("push: %v", err)
	}
	sc, _ := b.Store(ctx, "store-1")
	firstID := sc.BackendID()
	b.Close()
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, b = open()
	defer func() {
		b.Close()
		db.Close()
	}()
	sc, err := b.Store(ctx, "store-1")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if sc.Head() != 3 {
		t.Fatalf("head = %d after reopen, want 3", sc.Head())
	}
	if sc.BackendID() != firstID {
		t.Fatalf("backend id changed across reopen")
	}
	if err := b.Push(ctx, "store-1", chain(3, 1)); err != nil {
		t.Fatalf("push after reopen: %v", err)
	}
}

func TestAdminResetRequiresSecret(t *testing.T) {
	b := newTestBackend(t, Options{AdminSecret: "s3cret"})
	ctx := context.Background()
	if err := b.AdminReset(ctx, "store-1", "wrong"); !errors.Is(err, ErrBadAdminSecret) {
		t.Fatalf("expected ErrBadAdminSecret, got %v", err)
	}

	noSecret := newTestBackend(t, Options{})
	if err := noSecret.AdminReset(ctx, "store-1", ""); !errors.Is(err, ErrBadAdminSecret) {
		t.Fatalf("empty configured secret must reject, got %v", err)
	}
}

func TestAdminResetReplacesBackendID(t *testing.T) {
	b := newTestBackend(t, Options{AdminSecret: "s3cret"})
	ctx := context.Background()
	if err := b.Push(ctx, "store-1", chain(RootSeq, 4)); err != nil {
		t.Fatalf("push: %v", err)
	}
	before, err := b.AdminInfo(ctx, "store-1", "s3cret")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if before.Head != 4 || before.EventCount != 4 {
		t.Fatalf("info before reset = %+v", before)
	}

	if err := b.AdminReset(ctx, "store-1", "s3cret"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	after, err := b.AdminInfo(ctx, "store-1", "s3cret")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if after.Head != RootSeq || after.EventCount != 0 {
		t.Fatalf("info after reset = %+v", after)
	}
	if after.BackendID == before.BackendID {
		t.Fatalf("reset must mint a new backend id")
	}

	// A fresh chain from the root must now be accepted.
	if err := b.Push(ctx, "store-1", chain(RootSeq, 1)); err != nil {
		t.Fatalf("push after reset: %v", err)
	}
}

type testHooks struct {
	before func(ctx context.Context, storeID string, batch []Event) error
}

func (h *testHooks) BeforePush(ctx context.Context, storeID string, batch []Event) error {
	if h.before != nil {
		return h.before(ctx, storeID, batch)
	}
	return nil
}

func (h *testHooks) AfterPush(context.Context, string, int) {}

func TestResetDuringPushIsRejected(t *testing.T) {
	hooks := &testHooks{}
	b := newTestBackend(t, Options{AdminSecret: "s3cret", Hooks: hooks})
	ctx := context.Background()

	if err := b.Push(ctx, "store-1", chain(RootSeq, 2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	before, err := b.AdminInfo(ctx, "store-1", "s3cret")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	stale, err := b.Store(ctx, "store-1")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// The hook fires after Push has resolved the store context but before
	// it enters the critical section, so the reset lands exactly in that
	// window.
	armed := true
	hooks.before = func(ctx context.Context, storeID string, _ []Event) error {
		if !armed {
			return nil
		}
		armed = false
		return b.AdminReset(ctx, storeID, "s3cret")
	}

	err = b.Push(ctx, "store-1", chain(2, 2))
	var conflict *InvalidParentSeqError
	if !errors.As(err, &conflict) {
		t.Fatalf("push across reset must conflict, got %v", err)
	}
	if conflict.Expected != RootSeq || conflict.Received != 2 {
		t.Fatalf("conflict = %+v", conflict)
	}

	if !stale.closed.Load() {
		t.Fatalf("reset must close the previously resolved context")
	}
	fresh, err := b.Store(ctx, "store-1")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if fresh == stale {
		t.Fatalf("reset must replace the store context")
	}

	pages := collectAll(t, b, "store-1", PullRequest{})
	if len(pages[0].Batch) != 0 {
		t.Fatalf("events appended into the wiped log: %+v", pages[0].Batch)
	}
	after, err := b.AdminInfo(ctx, "store-1", "s3cret")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if after.BackendID == before.BackendID {
		t.Fatalf("backend id survived the reset")
	}
	if after.Head != RootSeq {
		t.Fatalf("head = %d after reset", after.Head)
	}

	// A chain rebuilt from the root is accepted and the log stays rooted.
	if err := b.Push(ctx, "store-1", chain(RootSeq, 2)); err != nil {
		t.Fatalf("push after reset: %v", err)
	}
	pages = collectAll(t, b, "store-1", PullRequest{})
	got := pages[0].Batch
	if len(got) != 2 || got[0].SeqNum != 1 || got[0].ParentSeqNum != RootSeq {
		t.Fatalf("log root is broken: %+v", got)
	}
}

func TestWireErrorRoundTrip(t *testing.T) {
	src := &InvalidParentSeqError{Expected: 9, Received: 4}
	wire := ToWireError(src)
	if wire.Kind != KindInvalidParent {
		t.Fatalf("kind = %q", wire.Kind)
	}
	var back *InvalidParentSeqError
	if !errors.As(wire.Err(), &back) {
		t.Fatalf("round trip lost the type: %v", wire.Err())
	}
	if back.Expected != 9 || back.Received != 4 {
		t.Fatalf("round trip lost fields: %+v", back)
	}

	if ToWireError(ErrBadAdminSecret).Kind != KindUnauthorized {
		t.Fatalf("admin secret mismatch should map to unauthorized")
	}
	if !errors.Is((&WireError{Kind: KindUnauthorized}).Err(), ErrBadAdminSecret) {
		t.Fatalf("unauthorized should map back to ErrBadAdminSecret")
	}
}
