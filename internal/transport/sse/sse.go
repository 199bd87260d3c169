// Package sse implements the legacy SSE consumer transport (SPEC_FULL.md
// §4.7.2): GET /sse opens the event stream and allocates a session id, POST
// /messages?sessionId=… delivers client JSON-RPC frames (answered
// asynchronously on the open stream), DELETE /messages?sessionId=…
// terminates. Grounded on kadirpekel-hector's pkg/transport chi-handler
// shape for the HTTP plumbing; framing is text/event-stream per the MCP SSE
// transport's own wire format.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/httphost"
	"github.com/edgerun/edgerund/internal/identity"
	"github.com/edgerun/edgerund/internal/jsonrpc"
	"github.com/edgerun/edgerund/internal/session"
	"github.com/edgerun/edgerund/internal/telemetry"
	"github.com/edgerun/edgerund/internal/toolsetview"
)

// WatchFactory joins the ephemeral catalog watch for a just-authenticated
// session identity. Pulled out as its own field (rather than a hardwired
// bus.JoinWatch call) so tests can substitute an in-memory bus.Watch
// without a live Redis.
type WatchFactory func(ctx context.Context, identity domain.ToolsetIdentity) (bus.Watch, error)

// Handler installs the three SSE routes on a shared httphost router.
type Handler struct {
	manager            *session.Manager
	client             bus.Client
	watch              WatchFactory
	logger             telemetry.Logger
	allowAnonymous     bool
	anonymousWorkspace string
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l telemetry.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithWatchFactory overrides the default Redis-backed watch join, used by
// tests.
func WithWatchFactory(f WatchFactory) Option { return func(h *Handler) { h.watch = f } }

// WithAnonymousAccess puts the Handler in standalone-streamable mode
// (SPEC_FULL.md §6.4): a request presenting no master_key/toolset_key
// headers is accepted with an unauthenticated toolset identity scoped to
// workspaceID instead of being rejected. Credentials presented anyway are
// still validated normally.
func WithAnonymousAccess(workspaceID string) Option {
	return func(h *Handler) { h.allowAnonymous = true; h.anonymousWorkspace = workspaceID }
}

// New constructs an SSE Handler backed by rdb for catalog watch joins.
func New(manager *session.Manager, client bus.Client, rdb *redis.Client, opts ...Option) *Handler {
	h := &Handler{
		manager: manager,
		client:  client,
		logger:  telemetry.NewNoopLogger(),
		watch: func(ctx context.Context, identity domain.ToolsetIdentity) (bus.Watch, error) {
			return bus.JoinWatch(ctx, bus.CatalogSubjectFor(identity), rdb)
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the SSE routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.With(httphost.RequireAccept("text/event-stream")).Get("/sse", h.handleOpen)
	r.Post("/messages", h.handleMessage)
	r.Delete("/messages", h.handleDelete)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	toolsetIdentity, err := h.authenticate(ctx, r.Header)
	if err != nil {
		httphost.WriteError(w, http.StatusUnauthorized, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httphost.WriteError(w, http.StatusInternalServerError, fmt.Errorf("sse: streaming unsupported by response writer"))
		return
	}

	id := uuid.NewString()
	sess := h.manager.Register("sse", id)

	watch, err := h.watch(ctx, toolsetIdentity)
	if err != nil {
		_ = h.manager.CloseSession(ctx, id)
		httphost.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	view := toolsetview.New(ctx, toolsetIdentity, watch, h.client)
	transport := &ssePush{w: w, flusher: flusher}
	sess.Complete(toolsetIdentity, view, transport)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", id)
	flusher.Flush()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.manager.WatchToolChanges(watchCtx, sess)

	<-ctx.Done()
	if err := h.manager.CloseSession(context.Background(), id); err != nil {
		h.logger.Warn(context.Background(), "sse: close session failed", "session", id, "err", err)
	}
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("sse: sessionId is required"))
		return
	}
	sess, ok := h.manager.Get(id)
	if !ok {
		httphost.WriteError(w, http.StatusNotFound, fmt.Errorf("sse: unknown session %q", id))
		return
	}
	if sess.Kind != "sse" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("sse: session %q is not an sse session", id))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httphost.WriteError(w, http.StatusBadRequest, err)
		return
	}
	req, err := jsonrpc.Decode(body)
	if err != nil {
		httphost.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	go func() {
		resp := session.HandleRequest(context.Background(), sess, req)
		if err := sess.Send(context.Background(), resp); err != nil {
			h.logger.Warn(context.Background(), "sse: push response failed", "session", id, "err", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("sse: sessionId is required"))
		return
	}
	if _, ok := h.manager.Get(id); !ok {
		httphost.WriteError(w, http.StatusNotFound, fmt.Errorf("sse: unknown session %q", id))
		return
	}
	if err := h.manager.CloseSession(r.Context(), id); err != nil {
		h.logger.Warn(r.Context(), "sse: close session failed", "session", id, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (h *Handler) authenticate(ctx context.Context, headers http.Header) (domain.ToolsetIdentity, error) {
	masterKey := headers.Get("master_key")
	toolsetKey := headers.Get("toolset_key")
	toolsetName := headers.Get("toolset_name")
	if h.allowAnonymous && masterKey == "" && toolsetKey == "" {
		return domain.ToolsetIdentity{WorkspaceID: h.anonymousWorkspace}, nil
	}
	return identity.AuthenticateToolset(ctx, h.client, masterKey, toolsetKey, toolsetName)
}

// ssePush implements session.Transport by writing framed text/event-stream
// payloads directly to the still-open GET /sse response.
type ssePush struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *ssePush) Send(ctx context.Context, frame any) error {
	body, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", body); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *ssePush) Close(ctx context.Context) error { return nil }

func marshalFrame(frame any) ([]byte, error) { return json.Marshal(frame) }
