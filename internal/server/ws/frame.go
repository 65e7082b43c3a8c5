package ws

import (
	"encoding/json"

	"github.com/livestorejs/syncd/internal/sync"
)

// Frame types. Every client frame carries a requestId; every server frame
// echoes the requestId it answers.
const (
	// client -> server
	TypePush       = "push"
	TypePull       = "pull"
	TypeInterrupt  = "interrupt"
	TypePing       = "ping"
	TypeAdminReset = "admin.reset"
	TypeAdminInfo  = "admin.info"

	// server -> client
	TypeAck   = "ack"
	TypePage  = "page"
	TypePong  = "pong"
	TypeInfo  = "info"
	TypeError = "error"
)

// Frame is the single multiplexed message shape on a sync socket.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// push
	Batch []sync.Event `json:"batch,omitempty"`

	// pull
	Cursor *uint64 `json:"cursor,omitempty"`
	Live   bool    `json:"live,omitempty"`
	Filter string  `json:"filter,omitempty"`

	// admin
	AdminSecret string `json:"adminSecret,omitempty"`

	// server -> client payloads
	Page *sync.PullPage  `json:"page,omitempty"`
	Info *sync.StoreInfo `json:"info,omitempty"`
	Err  *sync.WireError `json:"error,omitempty"`
}

func ackFrame(requestID string) Frame {
	return Frame{Type: TypeAck, RequestID: requestID}
}

func pageFrame(requestID string, page sync.PullPage) Frame {
	return Frame{Type: TypePage, RequestID: requestID, Page: &page}
}

func infoFrame(requestID string, info sync.StoreInfo) Frame {
	return Frame{Type: TypeInfo, RequestID: requestID, Info: &info}
}

func errorFrame(requestID string, err error) Frame {
	return Frame{Type: TypeError, RequestID: requestID, Err: sync.ToWireError(err)}
}

func encodeFrame(f Frame) ([]byte, error) { return json.Marshal(f) }

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
