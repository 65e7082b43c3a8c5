package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	stdsync "sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/livestorejs/syncd/internal/sync"
)

// Client is a minimal sync-socket client used by the CLI and tests. Frames
// are multiplexed by requestId, so pushes, pulls, and pings can be in
// flight concurrently on one socket.
type Client struct {
	ws     *websocket.Conn
	nextID atomic.Uint64

	writeMu stdsync.Mutex

	mu      stdsync.Mutex
	pending map[string]chan Frame
	readErr error
	closed  chan struct{}
}

// Dial connects a sync socket bound to storeID. payload is the opaque
// authorization document passed to the server, may be nil.
func Dial(ctx context.Context, baseURL, storeID string, payload json.RawMessage) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("storeId", storeID)
	if len(payload) > 0 {
		q.Set("payload", string(payload))
	}
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ws:      ws,
		pending: map[string]chan Frame{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close shuts the socket down and fails all pending requests.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	return c.ws.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		if c.readErr == nil {
			c.readErr = errors.New("ws: connection closed")
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.closed)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.RequestID]
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (c *Client) register(requestID string) chan Frame {
	ch := make(chan Frame, 64)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Client) write(f Frame) error {
	encoded, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, encoded)
}

func (c *Client) requestID() string {
	return fmt.Sprintf("r%d", c.nextID.Add(1))
}

// roundTrip sends a frame and waits for its single response.
func (c *Client) roundTrip(ctx context.Context, f Frame) (Frame, error) {
	ch := c.register(f.RequestID)
	defer c.unregister(f.RequestID)
	if err := c.write(f); err != nil {
		return Frame{}, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, errors.New("ws: connection closed")
		}
		if resp.Type == TypeError {
			return Frame{}, resp.Err.Err()
		}
		return resp, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Push submits a batch and waits for the ack.
func (c *Client) Push(ctx context.Context, batch []sync.Event) error {
	_, err := c.roundTrip(ctx, Frame{Type: TypePush, RequestID: c.requestID(), Batch: batch})
	return err
}

// Ping round-trips an application-level ping.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Frame{Type: TypePing, RequestID: c.requestID()})
	return err
}

// AdminReset wipes the store this socket is bound to.
func (c *Client) AdminReset(ctx context.Context, secret string) error {
	_, err := c.roundTrip(ctx, Frame{Type: TypeAdminReset, RequestID: c.requestID(), AdminSecret: secret})
	return err
}

// AdminInfo fetches backend identity and log statistics.
func (c *Client) AdminInfo(ctx context.Context, secret string) (sync.StoreInfo, error) {
	resp, err := c.roundTrip(ctx, Frame{Type: TypeAdminInfo, RequestID: c.requestID(), AdminSecret: secret})
	if err != nil {
		return sync.StoreInfo{}, err
	}
	if resp.Info == nil {
		return sync.StoreInfo{}, errors.New("ws: info frame without body")
	}
	return *resp.Info, nil
}

// Pull drains the backlog after cursor, returning all events up to the
// NoMore page.
func (c *Client) Pull(ctx context.Context, req sync.PullRequest) ([]sync.Event, error) {
	id := c.requestID()
	ch := c.register(id)
	defer c.unregister(id)

	if err := c.write(Frame{Type: TypePull, RequestID: id, Cursor: req.Cursor, Filter: req.Filter}); err != nil {
		return nil, err
	}
	var events []sync.Event
	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, errors.New("ws: connection closed")
			}
			if resp.Type == TypeError {
				return nil, resp.Err.Err()
			}
			if resp.Page == nil {
				continue
			}
			events = append(events, resp.Page.Batch...)
			if resp.Page.PageInfo.NoMore {
				return events, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PullLive drains the backlog and then keeps streaming live pages to out
// until ctx is canceled or Interrupt is called with the returned request id.
func (c *Client) PullLive(ctx context.Context, req sync.PullRequest, out chan<- sync.PullPage) (string, error) {
	id := c.requestID()
	ch := c.register(id)

	err := c.write(Frame{Type: TypePull, RequestID: id, Cursor: req.Cursor, Live: true, Filter: req.Filter})
	if err != nil {
		c.unregister(id)
		return "", err
	}
	go func() {
		defer c.unregister(id)
		for {
			select {
			case resp, ok := <-ch:
				if !ok {
					return
				}
				if resp.Type != TypePage || resp.Page == nil {
					continue
				}
				select {
				case out <- *resp.Page:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return id, nil
}

// Interrupt cancels a live pull by request id.
func (c *Client) Interrupt(ctx context.Context, requestID string) error {
	_, err := c.roundTrip(ctx, Frame{Type: TypeInterrupt, RequestID: requestID})
	return err
}
