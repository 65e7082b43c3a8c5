package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livestorejs/syncd/internal/sync"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	outgoingBuffer = 256
)

// ValidatePayloadFunc authorizes a connection from the opaque payload the
// client presents at connect time. A non-nil error rejects the upgrade.
type ValidatePayloadFunc func(ctx context.Context, storeID string, payload json.RawMessage) error

// Options configures the WebSocket server.
type Options struct {
	Logger          logpkg.Logger
	ValidatePayload ValidatePayloadFunc
}

// Server upgrades sync sockets and multiplexes push/pull/admin frames per
// connection.
type Server struct {
	backend         *sync.Backend
	logger          logpkg.Logger
	validatePayload ValidatePayloadFunc
	upgrader        websocket.Upgrader
}

// NewServer builds a WebSocket server over a sync backend.
func NewServer(backend *sync.Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger().WithComponent("ws")
	}
	return &Server{
		backend:         backend,
		logger:          logger,
		validatePayload: opts.ValidatePayload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler that upgrades sync sockets. The client
// binds the socket to one store via the storeId query parameter and may
// present an opaque payload for authorization.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storeID := r.URL.Query().Get("storeId")
		if storeID == "" {
			http.Error(w, "missing storeId", http.StatusBadRequest)
			return
		}
		var payload json.RawMessage
		if raw := r.URL.Query().Get("payload"); raw != "" {
			if !json.Valid([]byte(raw)) {
				http.Error(w, "malformed payload", http.StatusBadRequest)
				return
			}
			payload = json.RawMessage(raw)
		}
		if s.validatePayload != nil {
			if err := s.validatePayload(r.Context(), storeID, payload); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", logpkg.Err(err))
			return
		}
		conn := newConn(s, ws, newAttachment(storeID, payload))
		go conn.writeLoop()
		conn.readLoop(r.Context())
	})
}

// conn is one upgraded socket. A single reader goroutine dispatches frames;
// a single writer goroutine drains outgoing, so gorilla's one-writer rule
// holds for data and control frames alike.
type conn struct {
	server *Server
	ws     *websocket.Conn
	logger logpkg.Logger

	outgoing chan []byte
	done     chan struct{}

	attachMu stdsync.Mutex
	attach   []byte

	liveMu stdsync.Mutex
	lives  map[string]func()
}

func newConn(s *Server, ws *websocket.Conn, a Attachment) *conn {
	encoded, _ := encodeAttachment(a)
	return &conn{
		server:   s,
		ws:       ws,
		logger:   s.logger.With(logpkg.Str("store", a.StoreID)),
		outgoing: make(chan []byte, outgoingBuffer),
		done:     make(chan struct{}),
		attach:   encoded,
		lives:    map[string]func(){},
	}
}

// attachment decodes the current serialized connection state.
func (c *conn) attachment() Attachment {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	a, err := decodeAttachment(c.attach)
	if err != nil {
		// Unreadable state means the socket cannot be trusted.
		c.logger.Error("corrupt attachment", logpkg.Err(err))
		return newAttachment("", nil)
	}
	return a
}

// updateAttachment applies fn to the decoded state and re-serializes it.
func (c *conn) updateAttachment(fn func(*Attachment)) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	a, err := decodeAttachment(c.attach)
	if err != nil {
		return
	}
	fn(&a)
	if encoded, err := encodeAttachment(a); err == nil {
		c.attach = encoded
	}
}

func (c *conn) readLoop(ctx context.Context) {
	defer c.close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("socket closed", logpkg.Err(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		frame, err := decodeFrame(data)
		if err != nil {
			c.send(errorFrame("", errors.New("malformed frame")))
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.outgoing:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// send queues a frame without blocking the caller. A full buffer means the
// peer stopped draining; the frame is dropped and an error is reported so
// live subscriptions can unhook.
func (c *conn) send(f Frame) error {
	encoded, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- encoded:
		return nil
	case <-c.done:
		return errors.New("ws: connection closed")
	default:
		c.logger.Warn("outgoing buffer full, dropping frame", logpkg.Str("type", f.Type))
		return errors.New("ws: outgoing buffer full")
	}
}

func (c *conn) dispatch(ctx context.Context, f Frame) {
	a := c.attachment()
	switch f.Type {
	case TypePing:
		c.send(Frame{Type: TypePong, RequestID: f.RequestID})
	case TypePush:
		if err := c.server.backend.Push(ctx, a.StoreID, f.Batch); err != nil {
			c.send(errorFrame(f.RequestID, err))
			return
		}
		c.send(ackFrame(f.RequestID))
	case TypePull:
		c.handlePull(ctx, a, f)
	case TypeInterrupt:
		c.cancelLive(f.RequestID)
		c.send(ackFrame(f.RequestID))
	case TypeAdminReset:
		if err := c.server.backend.AdminReset(ctx, a.StoreID, f.AdminSecret); err != nil {
			c.send(errorFrame(f.RequestID, err))
			return
		}
		c.send(ackFrame(f.RequestID))
	case TypeAdminInfo:
		info, err := c.server.backend.AdminInfo(ctx, a.StoreID, f.AdminSecret)
		if err != nil {
			c.send(errorFrame(f.RequestID, err))
			return
		}
		c.send(infoFrame(f.RequestID, info))
	default:
		c.send(errorFrame(f.RequestID, errors.New("unknown frame type "+f.Type)))
	}
}

// handlePull streams the backlog as page frames. With Live set, the
// subscription is registered before the backlog read so no committed batch
// can fall between backlog and live; clients dedupe by seqNum.
func (c *conn) handlePull(ctx context.Context, a Attachment, f Frame) {
	req := sync.PullRequest{Cursor: f.Cursor, Live: f.Live, Filter: f.Filter}

	if f.Live {
		filter, err := sync.NewFilter(f.Filter)
		if err != nil {
			c.send(errorFrame(f.RequestID, err))
			return
		}
		cancel := c.server.backend.Hub().Subscribe(a.StoreID, sync.SubscriberFunc(func(page sync.PullPage) error {
			page.Batch = filter.Apply(page.Batch)
			if len(page.Batch) == 0 {
				return nil
			}
			return c.send(pageFrame(f.RequestID, page))
		}))
		c.trackLive(f.RequestID, cancel)
		c.updateAttachment(func(at *Attachment) {
			at.PullRequests[f.RequestID] = AttachedPull{Cursor: f.Cursor, Filter: f.Filter}
		})
	}

	err := c.server.backend.Pull(ctx, a.StoreID, req, func(page sync.PullPage) error {
		return c.send(pageFrame(f.RequestID, page))
	})
	if err != nil {
		if f.Live {
			c.cancelLive(f.RequestID)
		}
		c.send(errorFrame(f.RequestID, err))
	}
}

func (c *conn) trackLive(requestID string, cancel func()) {
	c.liveMu.Lock()
	if old, ok := c.lives[requestID]; ok {
		old()
	}
	c.lives[requestID] = cancel
	c.liveMu.Unlock()
}

func (c *conn) cancelLive(requestID string) {
	c.liveMu.Lock()
	if cancel, ok := c.lives[requestID]; ok {
		cancel()
		delete(c.lives, requestID)
	}
	c.liveMu.Unlock()
	c.updateAttachment(func(at *Attachment) {
		delete(at.PullRequests, requestID)
	})
}

func (c *conn) close() {
	c.liveMu.Lock()
	for id, cancel := range c.lives {
		cancel()
		delete(c.lives, id)
	}
	c.liveMu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.ws.Close()
}
