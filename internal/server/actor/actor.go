// Package actor exposes the sync backend as a raw byte-call endpoint for
// in-process or embedded callers: one request envelope in, one response
// envelope out, plus a direct subscription hook for live pages. It is the
// transport of last resort when neither a socket nor HTTP is available.
package actor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/livestorejs/syncd/internal/sync"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

// Request kinds.
const (
	KindPush       = "push"
	KindPull       = "pull"
	KindPing       = "ping"
	KindAdminReset = "adminReset"
	KindAdminInfo  = "adminInfo"
)

// Request is the call envelope.
type Request struct {
	Kind    string `json:"kind"`
	StoreID string `json:"storeId"`

	Batch []sync.Event `json:"batch,omitempty"`

	Cursor *uint64 `json:"cursor,omitempty"`
	Filter string  `json:"filter,omitempty"`

	AdminSecret string `json:"adminSecret,omitempty"`
}

// Response is the reply envelope. Domain failures travel in Error; a
// non-nil Go error from Call means the envelope itself was unusable.
type Response struct {
	OK    bool            `json:"ok"`
	Pages []sync.PullPage `json:"pages,omitempty"`
	Info  *sync.StoreInfo `json:"info,omitempty"`
	Error *sync.WireError `json:"error,omitempty"`
}

// Endpoint answers byte calls against a sync backend.
type Endpoint struct {
	backend *sync.Backend
	logger  logpkg.Logger
}

// NewEndpoint builds the actor adapter over a sync backend.
func NewEndpoint(backend *sync.Backend, logger logpkg.Logger) *Endpoint {
	if logger == nil {
		logger = logpkg.NewLogger().WithComponent("actor")
	}
	return &Endpoint{backend: backend, logger: logger}
}

// Call handles one encoded Request and returns the encoded Response.
func (e *Endpoint) Call(ctx context.Context, data []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	resp := e.handle(ctx, req)
	return json.Marshal(resp)
}

func (e *Endpoint) handle(ctx context.Context, req Request) Response {
	switch req.Kind {
	case KindPing:
		return Response{OK: true}
	case KindPush:
		if err := e.backend.Push(ctx, req.StoreID, req.Batch); err != nil {
			return Response{Error: sync.ToWireError(err)}
		}
		return Response{OK: true}
	case KindPull:
		var pages []sync.PullPage
		err := e.backend.Pull(ctx, req.StoreID, sync.PullRequest{Cursor: req.Cursor, Filter: req.Filter},
			func(page sync.PullPage) error {
				pages = append(pages, page)
				return nil
			})
		if err != nil {
			return Response{Error: sync.ToWireError(err)}
		}
		return Response{OK: true, Pages: pages}
	case KindAdminReset:
		if err := e.backend.AdminReset(ctx, req.StoreID, req.AdminSecret); err != nil {
			return Response{Error: sync.ToWireError(err)}
		}
		return Response{OK: true}
	case KindAdminInfo:
		info, err := e.backend.AdminInfo(ctx, req.StoreID, req.AdminSecret)
		if err != nil {
			return Response{Error: sync.ToWireError(err)}
		}
		return Response{OK: true, Info: &info}
	default:
		return Response{Error: &sync.WireError{Kind: sync.KindUnexpected, Message: "unknown request kind " + req.Kind}}
	}
}

// Subscribe registers a live page callback for a store, bypassing the
// envelope since the caller shares the process. Returns an unsubscribe
// function.
func (e *Endpoint) Subscribe(storeID string, fn func(page sync.PullPage)) (cancel func()) {
	return e.backend.Hub().Subscribe(storeID, sync.SubscriberFunc(func(page sync.PullPage) error {
		fn(page)
		return nil
	}))
}

// Client wraps an Endpoint with a typed API for in-process callers.
type Client struct {
	endpoint *Endpoint
}

// NewClient builds a typed client over an endpoint.
func NewClient(endpoint *Endpoint) *Client {
	return &Client{endpoint: endpoint}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	raw, err := c.endpoint.Call(ctx, encoded)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Push submits a batch and waits for the ack.
func (c *Client) Push(ctx context.Context, storeID string, batch []sync.Event) error {
	resp, err := c.call(ctx, Request{Kind: KindPush, StoreID: storeID, Batch: batch})
	if err != nil {
		return err
	}
	return resp.Error.Err()
}

// Pull returns every event after cursor.
func (c *Client) Pull(ctx context.Context, storeID string, req sync.PullRequest) ([]sync.Event, error) {
	resp, err := c.call(ctx, Request{Kind: KindPull, StoreID: storeID, Cursor: req.Cursor, Filter: req.Filter})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	var events []sync.Event
	for _, page := range resp.Pages {
		events = append(events, page.Batch...)
	}
	return events, nil
}

// Ping round-trips an empty envelope.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, Request{Kind: KindPing})
	if err != nil {
		return err
	}
	return resp.Error.Err()
}

// AdminReset wipes a store.
func (c *Client) AdminReset(ctx context.Context, storeID, secret string) error {
	resp, err := c.call(ctx, Request{Kind: KindAdminReset, StoreID: storeID, AdminSecret: secret})
	if err != nil {
		return err
	}
	return resp.Error.Err()
}

// AdminInfo fetches backend identity and log statistics.
func (c *Client) AdminInfo(ctx context.Context, storeID, secret string) (sync.StoreInfo, error) {
	resp, err := c.call(ctx, Request{Kind: KindAdminInfo, StoreID: storeID, AdminSecret: secret})
	if err != nil {
		return sync.StoreInfo{}, err
	}
	if resp.Error != nil {
		return sync.StoreInfo{}, resp.Error.Err()
	}
	if resp.Info == nil {
		return sync.StoreInfo{}, errors.New("actor: info missing from response")
	}
	return *resp.Info, nil
}
