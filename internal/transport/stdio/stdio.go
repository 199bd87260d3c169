// Package stdio implements the Consumer Session Manager's stdio transport:
// a single implicit session over the process's own stdin/stdout, using the
// process-wide authenticated identity rather than a per-session handshake
// (SPEC_FULL.md §4.7.2). Framing (newline-delimited JSON, a pending-request
// map keyed by a locally minted id) is grounded directly on
// haasonsaas-nexus's internal/mcp/transport_stdio.go StdioTransport, just
// read-from-stdin/write-to-stdout instead of a child process's pipes, since
// here this runtime itself plays the role that transport's subprocess did.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/jsonrpc"
	"github.com/edgerun/edgerund/internal/session"
	"github.com/edgerun/edgerund/internal/telemetry"
	"github.com/edgerun/edgerund/internal/toolsetview"
)

const sessionID = "stdio"
const rootsFetchTimeout = 5 * time.Second

// RootsNotifier is the subset of the Reconciler the stdio transport drives
// after the client's initialized notification (SPEC_FULL.md §4.7.2).
type RootsNotifier interface {
	UpdateRoots(ctx context.Context, roots []domain.Root)
}

// Runner serves the single implicit stdio session for the process lifetime.
type Runner struct {
	manager    *session.Manager
	view       *toolsetview.View
	identity   domain.ToolsetIdentity
	reconciler RootsNotifier
	logger     telemetry.Logger

	in  io.Reader
	out io.Writer
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l telemetry.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithIO overrides stdin/stdout, used by tests.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(r *Runner) { r.in, r.out = in, out }
}

// New constructs a stdio Runner for one process-wide identity.
func New(manager *session.Manager, view *toolsetview.View, identity domain.ToolsetIdentity, reconciler RootsNotifier, in io.Reader, out io.Writer, opts ...Option) *Runner {
	r := &Runner{
		manager:    manager,
		view:       view,
		identity:   identity,
		reconciler: reconciler,
		logger:     telemetry.NewNoopLogger(),
		in:         in,
		out:        out,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run registers the implicit session, then blocks reading newline-delimited
// JSON-RPC frames until ctx is cancelled or stdin reaches EOF.
func (r *Runner) Run(ctx context.Context) error {
	sess := r.manager.Register("stdio", sessionID)
	transport := &stdioTransport{out: r.out, pending: make(map[string]chan jsonrpc.Response)}
	sess.Complete(r.identity, r.view, transport)
	defer func() { _ = r.manager.CloseSession(context.Background(), sessionID) }()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go r.manager.WatchToolChanges(watchCtx, sess)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		var probe struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			r.logger.Warn(ctx, "stdio: decode frame failed", "err", err)
			continue
		}

		if probe.Method == "" {
			var resp jsonrpc.Response
			if err := json.Unmarshal(raw, &resp); err == nil {
				transport.deliverResponse(resp)
			}
			continue
		}

		req, err := jsonrpc.Decode(raw)
		if err != nil {
			r.logger.Warn(ctx, "stdio: decode request failed", "err", err)
			continue
		}

		if req.Method == "notifications/initialized" {
			go r.handleInitialized(ctx, transport)
			continue
		}
		if req.IsNotification() {
			continue
		}

		resp := session.HandleRequest(ctx, sess, req)
		if err := transport.Send(ctx, resp); err != nil {
			return fmt.Errorf("stdio: write response: %w", err)
		}
	}
	return scanner.Err()
}

// handleInitialized fetches the client's advertised roots via a
// server-to-client "roots/list" request and pushes them to the Reconciler,
// per SPEC_FULL.md §4.7.2's stdio roots-propagation rule.
func (r *Runner) handleInitialized(ctx context.Context, transport *stdioTransport) {
	result, err := transport.Request(ctx, "roots/list", nil, rootsFetchTimeout)
	if err != nil {
		r.logger.Warn(ctx, "stdio: fetch roots failed", "err", err)
		return
	}
	var parsed struct {
		Roots []domain.Root `json:"roots"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		r.logger.Warn(ctx, "stdio: decode roots response failed", "err", err)
		return
	}
	r.reconciler.UpdateRoots(ctx, parsed.Roots)
}

// stdioTransport implements session.Transport plus the server-initiated
// request/response correlation stdio needs for roots/list, mirroring the
// teacher's pending-map-by-id pattern.
type stdioTransport struct {
	writeMu sync.Mutex
	out     io.Writer

	pendingMu sync.Mutex
	pending   map[string]chan jsonrpc.Response
	nextID    atomic.Int64
}

func (t *stdioTransport) Send(ctx context.Context, frame any) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("stdio: marshal frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.out.Write(append(body, '\n'))
	return err
}

func (t *stdioTransport) Close(ctx context.Context) error { return nil }

// Request sends a server-to-client JSON-RPC request and waits for the
// matching response, correlated by a locally minted id.
func (t *stdioTransport) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := fmt.Sprintf("%d", t.nextID.Add(1))
	ch := make(chan jsonrpc.Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`"` + id + `"`), Method: method}
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("stdio: marshal params: %w", err)
		}
		req.Params = body
	}
	if err := t.Send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("stdio: request %q timed out after %s", method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *stdioTransport) deliverResponse(resp jsonrpc.Response) {
	key := string(resp.ID)
	if len(key) >= 2 && key[0] == '"' && key[len(key)-1] == '"' {
		key = key[1 : len(key)-1]
	}
	t.pendingMu.Lock()
	ch, ok := t.pending[key]
	t.pendingMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}
