package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/livestorejs/syncd/internal/sync"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

// Options configures the HTTP server.
type Options struct {
	Logger logpkg.Logger
}

// Server exposes the sync backend over plain HTTP: unary push and a
// newline-delimited JSON page stream for pull. It exists for clients that
// cannot hold a WebSocket.
type Server struct {
	backend *sync.Backend
	logger  logpkg.Logger
	mux     *http.ServeMux
}

// NewServer builds the HTTP adapter over a sync backend.
func NewServer(backend *sync.Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger().WithComponent("http")
	}
	s := &Server{
		backend: backend,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/ping", s.handlePing)
	s.mux.HandleFunc("/v1/push", s.handlePush)
	s.mux.HandleFunc("/v1/pull", s.handlePull)
	s.mux.HandleFunc("/v1/admin/reset", s.handleAdminReset)
	s.mux.HandleFunc("/v1/admin/info", s.handleAdminInfo)
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps handler errors to HTTP status codes.
func statusFor(err error) int {
	var parentErr *sync.InvalidParentSeqError
	if errors.As(err, &parentErr) {
		return http.StatusConflict
	}
	var oversize *sync.OversizeItemError
	if errors.As(err, &oversize) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, sync.ErrBadAdminSecret) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(sync.ToWireError(err))
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(&sync.WireError{Kind: sync.KindUnexpected, Message: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.CheckHealth(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"pong":true}` + "\n"))
}

type pushRequest struct {
	StoreID string       `json:"storeId"`
	Batch   []sync.Event `json:"batch"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed push body")
		return
	}
	if req.StoreID == "" {
		writeBadRequest(w, "missing storeId")
		return
	}
	if err := s.backend.Push(r.Context(), req.StoreID, req.Batch); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pullRequestBody struct {
	StoreID string  `json:"storeId"`
	Cursor  *uint64 `json:"cursor,omitempty"`
	Live    bool    `json:"live,omitempty"`
	Filter  string  `json:"filter,omitempty"`
}

// handlePull streams pull pages as newline-delimited JSON. With live set,
// the response stays open and new pages are appended as pushes commit,
// until the client goes away.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pullRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed pull body")
		return
	}
	if req.StoreID == "" {
		writeBadRequest(w, "missing storeId")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	emit := func(page sync.PullPage) error {
		if err := enc.Encode(page); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	ctx := r.Context()
	var livePages chan sync.PullPage
	if req.Live {
		filter, err := sync.NewFilter(req.Filter)
		if err != nil {
			writeBadRequest(w, "bad filter expression")
			return
		}
		livePages = make(chan sync.PullPage, 64)
		cancel := s.backend.Hub().Subscribe(req.StoreID, sync.SubscriberFunc(func(page sync.PullPage) error {
			page.Batch = filter.Apply(page.Batch)
			if len(page.Batch) == 0 {
				return nil
			}
			select {
			case livePages <- page:
				return nil
			default:
				return errors.New("http: live buffer full")
			}
		}))
		defer cancel()
	}

	pullReq := sync.PullRequest{Cursor: req.Cursor, Live: req.Live, Filter: req.Filter}
	if err := s.backend.Pull(ctx, req.StoreID, pullReq, emit); err != nil {
		// Headers are gone once the first page flushed; log and drop.
		s.logger.Warn("pull stream failed", logpkg.Str("store", req.StoreID), logpkg.Err(err))
		if !req.Live {
			return
		}
	}
	if !req.Live {
		return
	}

	for {
		select {
		case page := <-livePages:
			if err := emit(page); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

type adminResetRequest struct {
	StoreID string `json:"storeId"`
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req adminResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed reset body")
		return
	}
	if req.StoreID == "" {
		writeBadRequest(w, "missing storeId")
		return
	}
	if err := s.backend.AdminReset(r.Context(), req.StoreID, r.Header.Get("X-Admin-Secret")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminInfo(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("storeId")
	if storeID == "" {
		writeBadRequest(w, "missing storeId")
		return
	}
	info, err := s.backend.AdminInfo(r.Context(), storeID, r.Header.Get("X-Admin-Secret"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// ListenAndServe runs the adapter on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
