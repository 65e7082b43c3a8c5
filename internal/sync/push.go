package sync

import (
	"context"
	"time"

	"github.com/livestorejs/syncd/internal/eventlog"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

// Push appends a batch of client-stamped events to the store's log.
//
// The batch must form an unbroken chain: the first event's parent must equal
// the store head, and each later event must follow its predecessor by exactly
// one. A head mismatch returns InvalidParentSeqError with the current head;
// nothing is written. On success the whole batch is committed atomically,
// the head advances to the last sequence, and the batch is queued for
// broadcast in commit order before the ack returns.
func (b *Backend) Push(ctx context.Context, storeID string, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	if err := validateChain(batch); err != nil {
		return err
	}

	sc, err := b.Store(ctx, storeID)
	if err != nil {
		return err
	}
	if err := b.hooks.BeforePush(ctx, storeID, batch); err != nil {
		return unexpected("before-push hook", err)
	}

	for {
		if err := sc.acquire(ctx); err != nil {
			return unexpected("acquire store", err)
		}
		if !sc.closed.Load() {
			break
		}
		// A reset closed this context after we resolved it; start over on
		// the successor so the head check runs against the fresh log.
		sc.release()
		if sc, err = b.Store(ctx, storeID); err != nil {
			return err
		}
	}
	defer sc.release()

	head := sc.head.Load()
	if batch[0].ParentSeqNum != head {
		return &InvalidParentSeqError{Expected: head, Received: batch[0].ParentSeqNum}
	}

	now := time.Now().UTC()
	createdAt := now.Format(time.RFC3339Nano)
	rows := make([]eventlog.Row, len(batch))
	for i, ev := range batch {
		payload, err := encodeEventBody(ev)
		if err != nil {
			return unexpected("encode event body", err)
		}
		rows[i] = eventlog.Row{
			Seq:         ev.SeqNum,
			ParentSeq:   ev.ParentSeqNum,
			CreatedAtMs: now.UnixMilli(),
			Payload:     payload,
		}
	}

	newHead := batch[len(batch)-1].SeqNum
	err = sc.log.AppendBatch(ctx, rows, eventlog.ContextRow{Head: newHead, BackendID: sc.backendID})
	if err != nil {
		return unexpected("append batch", err)
	}
	sc.head.Store(newHead)

	// Every event in the batch shares the commit timestamp.
	stamped := make([]Event, len(batch))
	copy(stamped, batch)
	for i := range stamped {
		stamped[i].CreatedAt = createdAt
	}
	// Enqueued inside the critical section so subscribers observe batches
	// in commit order; delivery itself happens after the ack.
	b.hub.enqueue(storeID, stamped)

	b.logger.Debug("pushed batch",
		logpkg.Str("store", storeID),
		logpkg.Int("events", len(batch)),
		logpkg.Uint64("head", newHead))
	b.hooks.AfterPush(ctx, storeID, len(batch))
	return nil
}

// validateChain checks the intra-batch invariant: sequence numbers ascend by
// exactly one and each event's parent is its predecessor.
func validateChain(batch []Event) error {
	for i, ev := range batch {
		if ev.SeqNum != ev.ParentSeqNum+1 {
			return &InvalidParentSeqError{Expected: ev.ParentSeqNum + 1, Received: ev.SeqNum}
		}
		if i > 0 && ev.ParentSeqNum != batch[i-1].SeqNum {
			return &InvalidParentSeqError{Expected: batch[i-1].SeqNum, Received: ev.ParentSeqNum}
		}
	}
	return nil
}
