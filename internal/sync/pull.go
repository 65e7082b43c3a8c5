package sync

import (
	"context"
	"encoding/json"

	"github.com/livestorejs/syncd/internal/eventlog"
)

// pullPageRows is how many rows a single storage read requests before
// byte-ceiling chunking.
const pullPageRows = 100

// EmitFunc receives each pull page in order. Returning an error stops the
// pull and propagates the error to the caller.
type EmitFunc func(page PullPage) error

// Pull streams every event after req.Cursor to emit, paginated under the
// item and byte ceilings. A nil cursor means "from the beginning". When the
// backlog is drained a final page carries NoMore; callers wanting live
// updates subscribe on the Hub before calling Pull and dedupe by seqNum.
//
// A non-live pull with nothing to send still emits one empty NoMore page so
// clients can tell "caught up" from "no answer".
func (b *Backend) Pull(ctx context.Context, storeID string, req PullRequest, emit EmitFunc) error {
	sc, err := b.Store(ctx, storeID)
	if err != nil {
		return err
	}
	filter, err := newEventFilter(req.Filter)
	if err != nil {
		return unexpected("compile pull filter", err)
	}

	cursor := uint64(RootSeq)
	if req.Cursor != nil {
		cursor = *req.Cursor
	}

	// The backlog is bounded at the head as it stood when the pull arrived.
	// Pushes that commit mid-pull reach live subscribers through the Hub,
	// never by extending this stream past its NoMore page.
	bound := sc.Head()

	remaining, err := sc.log.CountAfter(cursor, func(r eventlog.Row) bool {
		if r.Seq > bound {
			return false
		}
		if !filter.enabled {
			return true
		}
		ev, err := eventFromRow(r)
		if err != nil {
			return false
		}
		return filter.Match(ev)
	})
	if err != nil {
		return unexpected("count backlog", err)
	}

	emitted := false
	for cursor < bound {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := pullPageRows
		if span := bound - cursor; span < uint64(limit) {
			limit = int(span)
		}
		rows, err := sc.log.ReadAfter(cursor, limit)
		if err != nil {
			return unexpected("read events", err)
		}
		if len(rows) == 0 {
			break
		}
		cursor = rows[len(rows)-1].Seq

		events := make([]Event, 0, len(rows))
		for _, r := range rows {
			ev, err := eventFromRow(r)
			if err != nil {
				return unexpected("decode event", err)
			}
			if filter.Match(ev) {
				events = append(events, ev)
			}
		}
		if len(events) == 0 {
			continue
		}

		pages, err := b.paginate(events, remaining)
		if err != nil {
			return err
		}
		for _, page := range pages {
			remaining = page.PageInfo.MoreRemaining
			if err := emit(page); err != nil {
				return err
			}
			emitted = true
		}
	}

	if !emitted && !req.Live {
		return emit(PullPage{Batch: []Event{}, PageInfo: PageInfo{NoMore: true}})
	}
	return nil
}

// paginate splits a decoded row window into wire pages under the configured
// ceilings, decrementing the remaining count as pages are produced. Pages
// beyond the window keep remaining > 0; the count saturates at zero so a
// racing push can never underflow it.
func (b *Backend) paginate(events []Event, remaining uint64) ([]PullPage, error) {
	groups, err := SplitBatch(events, b.limits.MaxBatchEvents, b.limits.MaxMessageBytes, encodePageBatch)
	if err != nil {
		return nil, err
	}
	pages := make([]PullPage, 0, len(groups))
	for _, g := range groups {
		if remaining >= uint64(len(g)) {
			remaining -= uint64(len(g))
		} else {
			remaining = 0
		}
		pages = append(pages, PullPage{
			Batch:    g,
			PageInfo: PageInfo{MoreRemaining: remaining, NoMore: remaining == 0},
		})
	}
	return pages, nil
}

// encodePageBatch measures the serialized size of a candidate page body.
func encodePageBatch(events []Event) ([]byte, error) {
	return json.Marshal(PullPage{Batch: events})
}
