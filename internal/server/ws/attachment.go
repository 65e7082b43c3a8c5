package ws

import (
	"encoding/json"
	"fmt"
)

// AttachmentVersion is bumped whenever the serialized shape changes; a
// connection resumed with an older version is treated as fresh.
const AttachmentVersion = 1

// Attachment is the serializable per-connection state: which store the
// socket is bound to, the opaque auth payload presented at connect time,
// and the live pull subscriptions in flight. It is re-encoded after every
// state change so a connection can be reconstructed from its attachment
// alone.
type Attachment struct {
	Version      int                     `json:"version"`
	StoreID      string                  `json:"storeId"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
	PullRequests map[string]AttachedPull `json:"pullRequests,omitempty"`
}

// AttachedPull records one live pull keyed by requestId.
type AttachedPull struct {
	Cursor *uint64 `json:"cursor,omitempty"`
	Filter string  `json:"filter,omitempty"`
}

func newAttachment(storeID string, payload json.RawMessage) Attachment {
	return Attachment{
		Version:      AttachmentVersion,
		StoreID:      storeID,
		Payload:      payload,
		PullRequests: map[string]AttachedPull{},
	}
}

func encodeAttachment(a Attachment) ([]byte, error) {
	return json.Marshal(a)
}

func decodeAttachment(data []byte) (Attachment, error) {
	var a Attachment
	if err := json.Unmarshal(data, &a); err != nil {
		return Attachment{}, err
	}
	if a.Version != AttachmentVersion {
		return Attachment{}, fmt.Errorf("ws: attachment version %d, want %d", a.Version, AttachmentVersion)
	}
	if a.PullRequests == nil {
		a.PullRequests = map[string]AttachedPull{}
	}
	return a, nil
}
