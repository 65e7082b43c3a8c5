package sync

import (
	"errors"
	"fmt"
)

// InvalidParentSeqError is the conflict signal: the pushed batch does not
// chain onto the current head. Clients should re-pull from Expected and
// retry with a rebuilt batch.
type InvalidParentSeqError struct {
	Expected uint64
	Received uint64
}

func (e *InvalidParentSeqError) Error() string {
	return fmt.Sprintf("sync: invalid parent event number: expected %d, received %d", e.Expected, e.Received)
}

// OversizeItemError marks a single event/page that can never fit under the
// wire byte ceiling. Retrying with smaller chunks will not help.
type OversizeItemError struct {
	Size  int
	Limit int
}

func (e *OversizeItemError) Error() string {
	return fmt.Sprintf("sync: item of %d bytes exceeds the %d byte wire ceiling", e.Size, e.Limit)
}

// UnexpectedError wraps storage/serialization/transport failures. Callers
// must not interpret its internals, only retry or escalate.
type UnexpectedError struct {
	Op  string
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("sync: %s: %v", e.Op, e.Err)
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

func unexpected(op string, err error) error {
	return &UnexpectedError{Op: op, Err: err}
}

// ErrBadAdminSecret rejects admin operations with a wrong or missing secret.
var ErrBadAdminSecret = errors.New("sync: admin secret mismatch")

// Wire error kinds.
const (
	KindUnexpected    = "unexpected"
	KindInvalidParent = "invalidParent"
	KindOversizeItem  = "oversizeItem"
	KindUnauthorized  = "unauthorized"
)

// WireError is the transport representation of the SyncError union.
type WireError struct {
	Kind     string  `json:"kind"`
	Message  string  `json:"message"`
	Expected *uint64 `json:"expected,omitempty"`
	Received *uint64 `json:"received,omitempty"`
}

// ToWireError normalizes any handler error before it crosses a transport
// boundary.
func ToWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var parentErr *InvalidParentSeqError
	if errors.As(err, &parentErr) {
		expected, received := parentErr.Expected, parentErr.Received
		return &WireError{Kind: KindInvalidParent, Message: parentErr.Error(), Expected: &expected, Received: &received}
	}
	var oversize *OversizeItemError
	if errors.As(err, &oversize) {
		return &WireError{Kind: KindOversizeItem, Message: oversize.Error()}
	}
	if errors.Is(err, ErrBadAdminSecret) {
		return &WireError{Kind: KindUnauthorized, Message: err.Error()}
	}
	return &WireError{Kind: KindUnexpected, Message: err.Error()}
}

// Err reconstructs the typed error on the client side of a transport.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	switch w.Kind {
	case KindInvalidParent:
		var expected, received uint64
		if w.Expected != nil {
			expected = *w.Expected
		}
		if w.Received != nil {
			received = *w.Received
		}
		return &InvalidParentSeqError{Expected: expected, Received: received}
	case KindOversizeItem:
		return &OversizeItemError{}
	case KindUnauthorized:
		return ErrBadAdminSecret
	default:
		return errors.New(w.Message)
	}
}
