package sync

import (
	stdsync "sync"

	logpkg "github.com/livestorejs/syncd/pkg/log"
)

// Subscriber receives live pages for one store. Deliver must not block
// indefinitely; a slow subscriber should buffer or drop on its own side and
// surface an error when it is beyond saving.
type Subscriber interface {
	Deliver(page PullPage) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(page PullPage) error

func (f SubscriberFunc) Deliver(page PullPage) error { return f(page) }

// Hub fans committed batches out to live subscribers. Each store gets its
// own ordered queue drained by a single worker goroutine, so subscribers of
// one store observe batches in commit order while stores never stall each
// other.
type Hub struct {
	logger logpkg.Logger
	limits Limits

	mu     stdsync.Mutex
	closed bool
	stores map[string]*storeFeed
}

type storeFeed struct {
	queue chan []Event
	subMu stdsync.Mutex
	subs  map[int]Subscriber
	next  int
}

const feedQueueDepth = 256

func newHub(logger logpkg.Logger, limits Limits) *Hub {
	return &Hub{
		logger: logger,
		limits: limits,
		stores: map[string]*storeFeed{},
	}
}

func (h *Hub) feed(storeID string) *storeFeed {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	f, ok := h.stores[storeID]
	if !ok {
		f = &storeFeed{
			queue: make(chan []Event, feedQueueDepth),
			subs:  map[int]Subscriber{},
		}
		h.stores[storeID] = f
		go h.run(storeID, f)
	}
	return f
}

// Subscribe registers sub for live pages of storeID and returns an
// unsubscribe function. Safe to call before any push has happened.
func (h *Hub) Subscribe(storeID string, sub Subscriber) (cancel func()) {
	f := h.feed(storeID)
	if f == nil {
		return func() {}
	}
	f.subMu.Lock()
	id := f.next
	f.next++
	f.subs[id] = sub
	f.subMu.Unlock()
	return func() {
		f.subMu.Lock()
		delete(f.subs, id)
		f.subMu.Unlock()
	}
}

// enqueue hands a committed batch to the store's feed. Called inside the
// push critical section; it must stay cheap, so a full queue drops the batch
// with a log line instead of blocking the pusher. Clients recover dropped
// batches on their next pull.
func (h *Hub) enqueue(storeID string, batch []Event) {
	f := h.feed(storeID)
	if f == nil {
		return
	}
	select {
	case f.queue <- batch:
	default:
		h.logger.Warn("broadcast queue full, dropping batch",
			logpkg.Str("store", storeID),
			logpkg.Int("events", len(batch)))
	}
}

func (h *Hub) run(storeID string, f *storeFeed) {
	for batch := range f.queue {
		pages, err := h.pagesFor(batch)
		if err != nil {
			h.logger.Error("chunk broadcast batch",
				logpkg.Str("store", storeID), logpkg.Err(err))
			continue
		}
		f.subMu.Lock()
		subs := make([]Subscriber, 0, len(f.subs))
		for _, s := range f.subs {
			subs = append(subs, s)
		}
		f.subMu.Unlock()
		for _, page := range pages {
			for _, s := range subs {
				if err := s.Deliver(page); err != nil {
					h.logger.Warn("drop live page",
						logpkg.Str("store", storeID), logpkg.Err(err))
				}
			}
		}
	}
}

// pagesFor chunks a committed batch into live pages. Live pages always carry
// NoMore: the batch is the newest data there is.
func (h *Hub) pagesFor(batch []Event) ([]PullPage, error) {
	groups, err := SplitBatch(batch, h.limits.MaxBatchEvents, h.limits.MaxMessageBytes, encodePageBatch)
	if err != nil {
		return nil, err
	}
	pages := make([]PullPage, 0, len(groups))
	for _, g := range groups {
		pages = append(pages, PullPage{Batch: g, PageInfo: PageInfo{NoMore: true}})
	}
	return pages, nil
}

func (h *Hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	feeds := h.stores
	h.stores = map[string]*storeFeed{}
	h.mu.Unlock()
	for _, f := range feeds {
		close(f.queue)
	}
}
