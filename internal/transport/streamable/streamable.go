// Package streamable implements the HTTP "streamable" consumer transport
// (SPEC_FULL.md §4.7.2): POST /mcp begins or continues a session, GET /mcp
// opens a listen-only SSE stream for an existing session, DELETE /mcp
// terminates. Grounded on the same kadirpekel-hector chi shape as
// internal/transport/sse, sharing its WatchFactory injection pattern and
// httphost's validation middleware.
package streamable

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

const sessionIDHeader = "mcp-session-id"

// WatchFactory joins the ephemeral catalog watch for a just-authenticated
// session identity, mirroring internal/transport/sse's injection point so
// tests never need a live Redis.
type WatchFactory func(ctx context.Context, identity domain.ToolsetIdentity) (bus.Watch, error)

// Handler installs the /mcp route trio on a shared httphost router.
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
// (SPEC_FULL.md §6.4): an initialize request with no master_key/toolset_key
// headers is accepted with an unauthenticated toolset identity scoped to
// workspaceID instead of being rejected.
func WithAnonymousAccess(workspaceID string) Option {
	return func(h *Handler) { h.allowAnonymous = true; h.anonymousWorkspace = workspaceID }
}

// New constructs a streamable Handler backed by rdb for catalog watch joins.
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

// Mount registers the /mcp routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/mcp", h.handlePost)
	r.With(httphost.RequireAccept("text/event-stream")).Get("/mcp", h.handleGet)
	r.Delete("/mcp", h.handleDelete)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httphost.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if jsonrpc.IsResponseFrame(body) {
		h.handleClientResponse(w, r)
		return
	}

	req, err := jsonrpc.Decode(body)
	if err != nil {
		httphost.WriteError(w, http.StatusBadRequest, err)
		return
	}

	existingID := r.Header.Get(sessionIDHeader)
	if existingID == "" {
		if req.Method != "initialize" {
			httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("streamable: %s without an existing session must be initialize", sessionIDHeader))
			return
		}
		h.handleInitialize(w, r, req)
		return
	}

	sess, ok := h.manager.Get(existingID)
	if !ok {
		httphost.WriteError(w, http.StatusNotFound, fmt.Errorf("streamable: unknown session %q, re-initialize", existingID))
		return
	}
	if sess.Kind != "streamable" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("streamable: session %q is not a streamable session", existingID))
		return
	}

	if req.IsNotification() {
		go func() {
			_ = session.HandleRequest(context.Background(), sess, req)
		}()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := session.HandleRequest(ctx, sess, req)
	writeJSONRPC(w, http.StatusOK, resp)
}

// handleClientResponse handles a POST body that is itself a JSON-RPC
// response (the client answering a server-initiated request, e.g.
// roots/list) rather than a request or notification: it requires no reply
// of its own beyond the HTTP 202, mirroring the notification path above.
func (h *Handler) handleClientResponse(w http.ResponseWriter, r *http.Request) {
	existingID := r.Header.Get(sessionIDHeader)
	if existingID == "" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("streamable: %s is required for a JSON-RPC response", sessionIDHeader))
		return
	}
	sess, ok := h.manager.Get(existingID)
	if !ok {
		httphost.WriteError(w, http.StatusNotFound, fmt.Errorf("streamable: unknown session %q, re-initialize", existingID))
		return
	}
	if sess.Kind != "streamable" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("streamable: session %q is not a streamable session", existingID))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, req jsonrpc.Request) {
	ctx := r.Context()
	toolsetIdentity, err := h.authenticate(ctx, r.Header)
	if err != nil {
		resp := jsonrpc.NewError(req.ID, jsonrpc.CodeServerError, err.Error())
		writeJSONRPC(w, http.StatusOK, resp)
		return
	}

	id := uuid.NewString()
	sess := h.manager.Register("streamable", id)

	watch, err := h.watch(ctx, toolsetIdentity)
	if err != nil {
		_ = h.manager.CloseSession(ctx, id)
		httphost.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	view := toolsetview.New(ctx, toolsetIdentity, watch, h.client)
	transport := newStreamTransport()
	sess.Complete(toolsetIdentity, view, transport)
	go h.manager.WatchToolChanges(context.Background(), sess)

	resp := session.HandleRequest(ctx, sess, req)

	w.Header().Set(sessionIDHeader, id)
	writeJSONRPC(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.Header.Get(sessionIDHeader)
	if id == "" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("streamable: %s is required", sessionIDHeader))
		return
	}
	sess, ok := h.manager.Get(id)
	if !ok {
		httphost.WriteError(w, http.StatusNotFound, fmt.Errorf("streamable: unknown session %q", id))
		return
	}
	if sess.Kind != "streamable" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("streamable: session %q is not a streamable session", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httphost.WriteError(w, http.StatusInternalServerError, fmt.Errorf("streamable: streaming unsupported by response writer"))
		return
	}

	st, ok := sess.Transport.(*streamTransport)
	if !ok {
		httphost.WriteError(w, http.StatusInternalServerError, fmt.Errorf("streamable: session %q has no listen-stream transport", id))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionIDHeader, id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	unsub := st.attach(w, flusher)
	defer unsub()

	<-ctx.Done()
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionIDHeader)
	if id == "" {
		httphost.WriteError(w, http.StatusBadRequest, fmt.Errorf("streamable: %s is required", sessionIDHeader))
		return
	}
	if _, ok := h.manager.Get(id); !ok {
		httphost.WriteError(w, http.StatusNotFound, fmt.Errorf("streamable: unknown session %q", id))
		return
	}
	if err := h.manager.CloseSession(r.Context(), id); err != nil {
		h.logger.Warn(r.Context(), "streamable: close session failed", "session", id, "err", err)
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

func writeJSONRPC(w http.ResponseWriter, status int, frame any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(frame)
}

// streamTransport implements session.Transport for a streamable-HTTP
// session: Send fans an outbound frame out to whichever GET /mcp listen
// stream is currently attached, buffering nothing once none is (a
// response/notification pushed with no open listener is dropped, matching
// the "listen stream is best-effort" behavior of the protocol's later
// revisions). A session id that does not yet have a GET attached still
// answers its own POST directly via the returned jsonrpc.Response, so no
// frame is ever lost on the happy path described in SPEC_FULL.md's
// acceptance walkthrough.
type streamTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newStreamTransport() *streamTransport { return &streamTransport{} }

func (t *streamTransport) attach(w http.ResponseWriter, flusher http.Flusher) (detach func()) {
	t.mu.Lock()
	t.w, t.flusher = w, flusher
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.w, t.flusher = nil, nil
		t.mu.Unlock()
	}
}

func (t *streamTransport) Send(ctx context.Context, frame any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: message\ndata: %s\n\n", body); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *streamTransport) Close(ctx context.Context) error { return nil }
