package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/livestorejs/syncd/internal/eventlog"
	pebblestore "github.com/livestorejs/syncd/internal/storage/pebble"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

// Limits are the wire ceilings enforced on every outbound batch/page.
type Limits struct {
	MaxBatchEvents  int
	MaxMessageBytes int
}

// DefaultLimits returns the built-in wire ceilings.
func DefaultLimits() Limits {
	return Limits{MaxBatchEvents: 100, MaxMessageBytes: 900 << 10}
}

// Options configures a Backend.
type Options struct {
	Logger      logpkg.Logger
	Hooks       Hooks
	Limits      Limits
	AdminSecret string
}

// Backend owns every per-store context for this process and is the single
// entry point for push/pull/admin across all transports.
type Backend struct {
	db          *pebblestore.DB
	logger      logpkg.Logger
	hooks       Hooks
	limits      Limits
	adminSecret string
	hub         *Hub

	mu     stdsync.Mutex
	stores map[string]*StoreContext
}

// NewBackend builds a Backend over an open database.
func NewBackend(db *pebblestore.DB, opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger().WithComponent("sync")
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NoopHooks{}
	}
	limits := opts.Limits
	if limits.MaxBatchEvents <= 0 || limits.MaxMessageBytes <= 0 {
		limits = DefaultLimits()
	}
	b := &Backend{
		db:          db,
		logger:      logger,
		hooks:       hooks,
		limits:      limits,
		adminSecret: opts.AdminSecret,
		stores:      map[string]*StoreContext{},
	}
	b.hub = newHub(logger.WithComponent("broadcast"), limits)
	return b
}

// Limits returns the configured wire ceilings.
func (b *Backend) Limits() Limits { return b.limits }

// Hub returns the broadcast fan-out for transport subscriptions.
func (b *Backend) Hub() *Hub { return b.hub }

// CheckHealth verifies the underlying storage is usable.
func (b *Backend) CheckHealth(ctx context.Context) error {
	return b.db.CheckHealth()
}

// Close tears down background fan-out workers.
func (b *Backend) Close() {
	b.hub.close()
}

// StoreContext is the per-store bootstrap record: storage handle, cached
// head, backend identity, and the push critical section. Exactly one
// instance exists per store per process.
type StoreContext struct {
	storeID string
	log     *eventlog.Log
	sem     chan struct{}

	bootOnce  stdsync.Once
	bootErr   error
	backendID string
	head      atomic.Uint64

	// closed is set by AdminReset under the semaphore before the context is
	// dropped from the registry. Writers re-check it after acquire so a
	// context resolved before a concurrent reset can never append.
	closed atomic.Bool
}

// Head returns the cached head without locking; pulls read it freely.
func (s *StoreContext) Head() uint64 { return s.head.Load() }

// BackendID returns the stable backend identity persisted at first
// initialization.
func (s *StoreContext) BackendID() string { return s.backendID }

// acquire enters the store's weight-1 critical section.
func (s *StoreContext) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StoreContext) release() { <-s.sem }

// Store returns the cached context for storeID, bootstrapping it on first
// access: read the persisted context row, or initialize head to the root
// sequence and persist a freshly generated backend id.
func (b *Backend) Store(ctx context.Context, storeID string) (*StoreContext, error) {
	b.mu.Lock()
	sc, ok := b.stores[storeID]
	if !ok {
		sc = &StoreContext{
			storeID: storeID,
			log:     eventlog.Open(b.db, storeID),
			sem:     make(chan struct{}, 1),
		}
		b.stores[storeID] = sc
	}
	b.mu.Unlock()

	sc.bootOnce.Do(func() {
		row, found, err := sc.log.LoadContext()
		if err != nil {
			sc.bootErr = unexpected("bootstrap store "+storeID, err)
			return
		}
		if found {
			sc.backendID = row.BackendID
			sc.head.Store(row.Head)
			return
		}
		sc.backendID = uuid.NewString()
		sc.head.Store(RootSeq)
		if err := sc.log.SaveContext(eventlog.ContextRow{Head: RootSeq, BackendID: sc.backendID}); err != nil {
			sc.bootErr = unexpected("persist store context "+storeID, err)
		}
	})
	return sc, sc.bootErr
}

// dropStore forgets the cached context so the next access re-bootstraps.
// The identity check keeps a stale caller from evicting a successor context.
func (b *Backend) dropStore(storeID string, sc *StoreContext) {
	b.mu.Lock()
	if b.stores[storeID] == sc {
		delete(b.stores, storeID)
	}
	b.mu.Unlock()
}

// acquireStore resolves the store context and enters its critical section,
// re-fetching if a reset closed the context between lookup and acquire.
// The caller must release the returned context's semaphore.
func (b *Backend) acquireStore(ctx context.Context, storeID string) (*StoreContext, error) {
	for {
		sc, err := b.Store(ctx, storeID)
		if err != nil {
			return nil, err
		}
		if err := sc.acquire(ctx); err != nil {
			return nil, unexpected("acquire store", err)
		}
		if !sc.closed.Load() {
			return sc, nil
		}
		sc.release()
	}
}
