// Package provider implements the Provider Runner (SPEC_FULL.md §4.2): the
// lifecycle owner of one tool-provider child process or HTTP endpoint, and
// the component that exposes its live tool catalog as an observable stream.
// Grounded on features/mcp/runtime/{stdiocaller,httpcaller,runtime}.go for
// transport shape and runtime/registry/registration.go for the
// functional-options constructor idiom.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
	"github.com/edgerun/edgerund/internal/observable"
	"github.com/edgerun/edgerund/internal/telemetry"
)

// Runner owns one provider's transport and exposes its tool catalog.
type Runner struct {
	desired domain.DesiredProvider

	mu        sync.RWMutex
	roots     []domain.Root
	transport childTransport
	tools     *observable.Value[[]domain.Tool]

	logger   telemetry.Logger
	tracer   telemetry.Tracer
	onStop   func()
	stopOnce sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l telemetry.Logger) Option { return func(r *Runner) { r.logger = l } }
func WithTracer(t telemetry.Tracer) Option { return func(r *Runner) { r.tracer = t } }

// WithShutdownCallback registers a function invoked exactly once when Stop
// completes, letting the Reconciler remove this runner from its running-set.
func WithShutdownCallback(fn func()) Option { return func(r *Runner) { r.onStop = fn } }

// New constructs a Runner for the given desired provider and initial roots.
// It does not start the child; call Start for that.
func New(desired domain.DesiredProvider, roots []domain.Root, opts ...Option) *Runner {
	r := &Runner{
		desired: desired,
		roots:   roots,
		tools:   observable.NewValue[[]domain.Tool](),
		logger:  telemetry.NewNoopLogger(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start validates the desired config, connects the transport, fetches the
// initial tool list, and begins exposing it as an observable.
func (r *Runner) Start(ctx context.Context) error {
	if err := validateConfig(r.desired.Transport, r.desired.Config); err != nil {
		return edgeerr.MakeConfigInvalid(fmt.Errorf("provider %s: %w", r.desired.ID, err))
	}

	transport, err := r.connect(ctx)
	if err != nil {
		return edgeerr.MakeTransportUnavailable(fmt.Errorf("provider %s: %w", r.desired.ID, err))
	}

	r.mu.Lock()
	r.transport = transport
	r.mu.Unlock()

	if err := r.refreshTools(ctx); err != nil {
		_ = transport.Close()
		return edgeerr.MakeTransportUnavailable(fmt.Errorf("provider %s: initial tools/list: %w", r.desired.ID, err))
	}
	if err := r.pushRoots(ctx); err != nil {
		r.logger.Warn(ctx, "initial roots notification failed", "provider", r.desired.ID, "err", err)
	}
	return nil
}

func (r *Runner) connect(ctx context.Context) (childTransport, error) {
	switch r.desired.Transport {
	case domain.TransportStdio:
		cfg, err := parseStdioConfig(r.desired.Config)
		if err != nil {
			return nil, err
		}
		return newStdioTransport(ctx, StdioOptions{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env, Dir: cfg.Dir})
	case domain.TransportSSE, domain.TransportStream:
		cfg, err := parseHTTPConfig(r.desired.Config)
		if err != nil {
			return nil, err
		}
		return newHTTPTransport(ctx, HTTPOptions{Endpoint: cfg.Endpoint})
	default:
		return nil, fmt.Errorf("unknown transport kind %q", r.desired.Transport)
	}
}

func (r *Runner) refreshTools(ctx context.Context) error {
	r.mu.RLock()
	transport := r.transport
	r.mu.RUnlock()

	descriptors, err := transport.ListTools(ctx)
	if err != nil {
		return err
	}

	idByName := make(map[string]string, len(r.desired.Tools))
	for _, ref := range r.desired.Tools {
		idByName[ref.Name] = ref.ID
	}

	tools := make([]domain.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		id, ok := idByName[d.Name]
		if !ok {
			// A tool the child newly exposes that the control plane hasn't
			// assigned an id for yet: synthesize one from the provider id so
			// it still has a stable, unique subscription key.
			id = r.desired.ID + ":" + d.Name
		}
		tools = append(tools, domain.Tool{
			ID:              id,
			Name:            d.Name,
			Description:     d.Description,
			InputSchema:     d.InputSchema,
			Annotations:     d.Annotations,
			ExecutionTarget: r.desired.ExecutionTarget,
		})
	}
	r.tools.Set(tools)
	return nil
}

// Tools returns the observable tool-list stream.
func (r *Runner) Tools() *observable.Value[[]domain.Tool] { return r.tools }

// CallTool forwards to the child's callTool RPC. Safe to call concurrently
// from multiple dispatcher handlers.
func (r *Runner) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	transport := r.transport
	r.mu.RUnlock()
	if transport == nil {
		return nil, edgeerr.MakeTransportUnavailable(fmt.Errorf("provider %s: not started", r.desired.ID))
	}
	result, err := transport.CallTool(ctx, name, args)
	if err != nil {
		return nil, edgeerr.MakeCallFailed(fmt.Errorf("provider %s: call %s: %w", r.desired.ID, name, err))
	}
	return result, nil
}

// UpdateRoots replaces the advertised roots and notifies the child.
func (r *Runner) UpdateRoots(ctx context.Context, roots []domain.Root) error {
	r.mu.Lock()
	r.roots = roots
	r.mu.Unlock()
	return r.pushRoots(ctx)
}

func (r *Runner) pushRoots(ctx context.Context) error {
	r.mu.RLock()
	transport := r.transport
	roots := r.roots
	r.mu.RUnlock()
	if transport == nil {
		return nil
	}
	params := make([]rootParam, 0, len(roots))
	for _, root := range roots {
		params = append(params, rootParam{Name: root.Name, URI: root.URI})
	}
	return transport.NotifyRootsChanged(ctx, params)
}

// ConfigSignature returns a deterministic digest of transport kind,
// normalized config, and root count. The Reconciler uses this as an equality
// check: matching signatures mean the running provider is reused rather than
// respawned.
func (r *Runner) ConfigSignature() string {
	r.mu.RLock()
	rootCount := len(r.roots)
	r.mu.RUnlock()
	return ConfigSignature(r.desired, rootCount)
}

// ConfigSignature computes the same digest as (*Runner).ConfigSignature
// without requiring a live Runner, so the Reconciler can compare a desired
// snapshot against a running instance before deciding to spawn one.
func ConfigSignature(desired domain.DesiredProvider, rootCount int) string {
	var normalized any
	_ = json.Unmarshal(desired.Config, &normalized)
	normalizedBytes, _ := json.Marshal(normalized)

	h := sha256.New()
	h.Write([]byte(desired.Transport))
	h.Write(normalizedBytes)
	fmt.Fprintf(h, "roots=%d", rootCount)
	return hex.EncodeToString(h.Sum(nil))
}

// Stop tears down the child transport and completes the tool observable.
// For STDIO this sends SIGTERM, waits up to one second for exit, then SIGKILL
// (handled by stdioTransport.Close); for SSE/STREAM it closes the HTTP
// transport. Idempotent; invokes the registered shutdown callback exactly
// once.
func (r *Runner) Stop(ctx context.Context) error {
	var closeErr error
	r.stopOnce.Do(func() {
		r.mu.RLock()
		transport := r.transport
		r.mu.RUnlock()
		if transport != nil {
			closeErr = transport.Close()
		}
		r.tools.Close()
		if r.onStop != nil {
			r.onStop()
		}
	})
	return closeErr
}

// ID returns the desired provider's id.
func (r *Runner) ID() string { return r.desired.ID }

// Desired returns the snapshot the runner was constructed from.
func (r *Runner) Desired() domain.DesiredProvider { return r.desired }
