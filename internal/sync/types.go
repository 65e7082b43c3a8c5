package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/livestorejs/syncd/internal/eventlog"
)

// RootSeq is the parent sequence number of the first event in every store.
const RootSeq = eventlog.RootSeq

// Event is a single client-stamped log entry. Clients assign SeqNum and
// ParentSeqNum; the backend assigns CreatedAt at append time.
type Event struct {
	SeqNum       uint64          `json:"seqNum"`
	ParentSeqNum uint64          `json:"parentSeqNum"`
	Name         string          `json:"name"`
	Args         json.RawMessage `json:"args,omitempty"`
	ClientID     string          `json:"clientId"`
	SessionID    string          `json:"sessionId"`
	CreatedAt    string          `json:"createdAt,omitempty"`
}

// PullRequest asks for every event after Cursor. A nil Cursor means from the
// beginning. Live keeps the stream open past the backlog; Filter is an
// optional CEL expression evaluated per event.
type PullRequest struct {
	Cursor *uint64 `json:"cursor,omitempty"`
	Live   bool    `json:"live"`
	Filter string  `json:"filter,omitempty"`
}

// PageInfo describes what remains after a page: either a count of further
// events, or the no-more marker once the backlog is exhausted.
type PageInfo struct {
	MoreRemaining uint64 `json:"moreRemaining"`
	NoMore        bool   `json:"noMore"`
}

// PullPage is one batch of events plus backlog accounting.
type PullPage struct {
	Batch    []Event  `json:"batch"`
	PageInfo PageInfo `json:"pageInfo"`
}

// StoreInfo is the admin-info response for a store.
type StoreInfo struct {
	BackendID  string `json:"backendInstanceId"`
	Head       uint64 `json:"head"`
	EventCount uint64 `json:"eventCount"`
}

// eventBody is the opaque payload persisted per row; seq/parent/createdAt
// live in the record header.
type eventBody struct {
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	ClientID  string          `json:"clientId"`
	SessionID string          `json:"sessionId"`
}

func encodeEventBody(ev Event) ([]byte, error) {
	return json.Marshal(eventBody{Name: ev.Name, Args: ev.Args, ClientID: ev.ClientID, SessionID: ev.SessionID})
}

func eventFromRow(r eventlog.Row) (Event, error) {
	var body eventBody
	if err := json.Unmarshal(r.Payload, &body); err != nil {
		return Event{}, fmt.Errorf("decode event %d: %w", r.Seq, err)
	}
	return Event{
		SeqNum:       r.Seq,
		ParentSeqNum: r.ParentSeq,
		Name:         body.Name,
		Args:         body.Args,
		ClientID:     body.ClientID,
		SessionID:    body.SessionID,
		CreatedAt:    formatCreatedAt(r.CreatedAtMs),
	}, nil
}

func formatCreatedAt(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
