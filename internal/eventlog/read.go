package eventlog

import (
	"github.com/cockroachdb/pebble"
)

// ReadAfter returns up to limit rows with seq > cursor in ascending order.
// limit <= 0 means no limit.
func (l *Log) ReadAfter(cursor uint64, limit int) ([]Row, error) {
	low, high := KeyEventBounds(l.storeID)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	rows := make([]Row, 0, maxInt(1, limit))
	startKey := KeyEvent(l.storeID, cursor+1)
	if cursor == ^uint64(0) {
		return rows, nil
	}
	for ok := iter.SeekGE(startKey); ok && (limit <= 0 || len(rows) < limit); ok = iter.Next() {
		seq := SeqFromEventKey(iter.Key())
		dec, valid := DecodeRecord(iter.Value())
		if !valid {
			continue
		}
		rows = append(rows, Row{Seq: seq, ParentSeq: dec.ParentSeq, CreatedAtMs: dec.CreatedAtMs, Payload: dec.Payload})
	}
	return rows, nil
}

// CountAfter returns the number of rows with seq > cursor, optionally
// filtered by pred. A nil pred counts every row.
func (l *Log) CountAfter(cursor uint64, pred func(Row) bool) (uint64, error) {
	low, high := KeyEventBounds(l.storeID)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count uint64
	if cursor == ^uint64(0) {
		return 0, nil
	}
	startKey := KeyEvent(l.storeID, cursor+1)
	for ok := iter.SeekGE(startKey); ok; ok = iter.Next() {
		if pred == nil {
			count++
			continue
		}
		seq := SeqFromEventKey(iter.Key())
		dec, valid := DecodeRecord(iter.Value())
		if !valid {
			continue
		}
		if pred(Row{Seq: seq, ParentSeq: dec.ParentSeq, CreatedAtMs: dec.CreatedAtMs, Payload: dec.Payload}) {
			count++
		}
	}
	return count, nil
}

// Stats returns the first and last sequence plus the total row count.
func (l *Log) Stats() (firstSeq, lastSeq, count uint64, err error) {
	low, high := KeyEventBounds(l.storeID)
	iter, iterErr := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if iterErr != nil {
		return 0, 0, 0, iterErr
	}
	defer iter.Close()

	if !iter.First() {
		return 0, 0, 0, nil
	}
	firstSeq = SeqFromEventKey(iter.Key())
	for ok := true; ok; ok = iter.Next() {
		lastSeq = SeqFromEventKey(iter.Key())
		count++
	}
	return firstSeq, lastSeq, count, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
