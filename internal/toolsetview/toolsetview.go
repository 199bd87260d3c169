// Package toolsetview implements the Session Toolset View (SPEC_FULL.md
// §4.6): a per-session subscription to a bus-published tool catalog,
// filtered and projected for one toolset or skill, exposing listTools/
// callTool to the session's transport. Grounded on
// features/stream/pulse/subscriber.go's Subscribe/consume/Ack shape,
// retargeted from a Pulse stream sink to an rmap-backed ephemeral-KV watch
// (see SPEC_FULL.md §9's Open-Question resolution: rmap.Map has no "replay
// current value on bare subscribe" primitive, so the View performs an
// explicit initial Get before relying on change notifications, matching
// health_tracker.go's syncExistingToolsets/syncWithRegistry pattern).
package toolsetview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
	"github.com/edgerun/edgerund/internal/observable"
	"github.com/edgerun/edgerund/internal/telemetry"
)

// catalogKey is the single key under which a toolset/skill's catalog
// snapshot is replicated in its per-(workspace, toolset-or-skill) map.
const catalogKey = "catalog"

const defaultCallTimeout = 10 * time.Second

// defaultRetryLimiter bounds the aggregate *burst* of timeout-triggered
// retries across every session sharing a process, per SPEC_FULL.md §9 "at
// most one retry, no amplification": it never adds an extra attempt to a
// single call, it only throttles how many retries every session combined
// may issue in a short window, so a control-plane blip doesn't turn into a
// retry storm.
var defaultRetryLimiter = rate.NewLimiter(rate.Limit(50), 50)

// View is the per-session Session Toolset View.
type View struct {
	identity domain.ToolsetIdentity
	watch    bus.Watch
	client   bus.Client
	logger   telemetry.Logger

	callTimeout  time.Duration
	retryLimiter *rate.Limiter

	catalog *observable.Value[domain.ToolsetCatalog]

	unsub func()
}

// Option configures a View.
type Option func(*View)

func WithLogger(l telemetry.Logger) Option { return func(v *View) { v.logger = l } }

// WithCallTimeout overrides the MCP_CALL_TOOL_TIMEOUT duration used for
// outbound call-tool requests.
func WithCallTimeout(d time.Duration) Option {
	return func(v *View) {
		if d > 0 {
			v.callTimeout = d
		}
	}
}

// WithRetryLimiter overrides the shared retry-burst limiter, primarily for
// deterministic tests.
func WithRetryLimiter(l *rate.Limiter) Option {
	return func(v *View) {
		if l != nil {
			v.retryLimiter = l
		}
	}
}

// New constructs a View bound to a live ephemeral-KV watch on the caller's
// per-(workspace, toolset-or-skill) catalog subject (join it with
// bus.JoinWatch(ctx, bus.ToolsetCatalog(...)/bus.SkillCatalog(...), rdb)
// before calling New). It performs the explicit initial sync read and then
// starts watching for change notifications.
func New(ctx context.Context, identity domain.ToolsetIdentity, watch bus.Watch, client bus.Client, opts ...Option) *View {
	v := &View{
		identity:     identity,
		watch:        watch,
		client:       client,
		logger:       telemetry.NewNoopLogger(),
		callTimeout:  defaultCallTimeout,
		retryLimiter: defaultRetryLimiter,
		catalog:      observable.NewValue[domain.ToolsetCatalog](),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.syncFromWatch(ctx)

	events := watch.Subscribe()
	v.unsub = func() { watch.Unsubscribe(events) }
	go func() {
		for range events {
			v.syncFromWatch(ctx)
		}
	}()

	return v
}

func (v *View) syncFromWatch(ctx context.Context) {
	raw, ok := v.watch.Get(catalogKey)
	if !ok {
		return
	}
	var snapshot domain.ToolsetCatalog
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		v.logger.Warn(ctx, "decode toolset catalog snapshot failed", "err", err)
		return
	}
	v.catalog.Set(snapshot)
}

// Close releases the underlying watch subscription.
func (v *View) Close() {
	if v.unsub != nil {
		v.unsub()
	}
	v.catalog.Close()
}

// CurrentTools returns the most recently projected tool list. Before the
// first snapshot arrives it holds no catalog tools: it is empty, or just
// init_skill in skill-as-server mode.
func (v *View) CurrentTools() []domain.Tool {
	snapshot, _ := v.catalog.Get()
	return v.project(snapshot)
}

// ToolsObservable returns a channel that receives the projected tool list on
// attach (if any snapshot has arrived yet) and on every later change.
// Callers must drain it until it closes or stop reading once done with it.
func (v *View) ToolsObservable() <-chan []domain.Tool {
	raw, unsub := v.catalog.Subscribe()
	out := make(chan []domain.Tool, 1)
	go func() {
		defer close(out)
		defer unsub()
		for snapshot := range raw {
			select {
			case out <- v.project(snapshot):
			default:
				select {
				case <-out:
				default:
				}
				out <- v.project(snapshot)
			}
		}
	}()
	return out
}

// WaitForTools suspends until the first catalog snapshot arrives or ctx is
// cancelled.
func (v *View) WaitForTools(ctx context.Context) error {
	if _, has := v.catalog.Get(); has {
		return nil
	}
	ch, unsub := v.catalog.Subscribe()
	defer unsub()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callToolRequest is the wire shape dispatcher.callRequest mirrors.
type callToolRequest struct {
	Type string          `json:"type"`
	Tool string          `json:"tool,omitempty"`
	Skill string         `json:"skill,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

type callToolResponse struct {
	Result              json.RawMessage `json:"result,omitempty"`
	IsError             bool            `json:"isError,omitempty"`
	Text                string          `json:"text,omitempty"`
	ExecutedByIdOrAgent string          `json:"executedByIdOrAgent,omitempty"`
}

// CallTool resolves name against the current catalog snapshot and, unless
// it is the synthetic init_skill short-circuit, emits a bus request-reply
// call-tool request addressed per SPEC_FULL.md §4.6.
func (v *View) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	snapshot, _ := v.catalog.Get()

	if v.identity.IsSkillMode() && name == domain.InitSkillToolName {
		desc := ""
		if snapshot.Description != nil {
			desc = *snapshot.Description
		}
		return json.Marshal(map[string]any{
			"content": []map[string]string{{"type": "text", "text": desc}},
		})
	}

	if snapshot.SmartSkillTool != nil && name == snapshot.SmartSkillTool.Name {
		subject := bus.CallSkill(v.identity.WorkspaceID, snapshot.SmartSkillTool.RuntimeID, snapshot.SmartSkillTool.ID)
		req := callToolRequest{Type: "smart-skill", Skill: snapshot.SmartSkillTool.ID, Args: args}
		return v.dispatch(ctx, subject, req)
	}

	var tool *domain.Tool
	for i := range snapshot.Tools {
		if snapshot.Tools[i].Name == name {
			tool = &snapshot.Tools[i]
			break
		}
	}
	if tool == nil {
		return nil, edgeerr.MakeToolNotFound(fmt.Errorf("toolsetview: tool %q not found", name))
	}

	var subject string
	if tool.ExecutionTarget == domain.ExecutionAgent {
		subject = bus.CallToolRuntimeScoped(v.identity.WorkspaceID, tool.RuntimeID, tool.ID)
	} else {
		subject = bus.CallToolGlobal(tool.ID)
	}
	req := callToolRequest{Type: "mcp-tool", Tool: tool.ID, Args: args}
	return v.dispatch(ctx, subject, req)
}

// dispatch performs the bus request-reply call with MCP_CALL_TOOL_TIMEOUT
// and retries exactly once on a timeout, per SPEC_FULL.md §9.
func (v *View) dispatch(ctx context.Context, subject string, req callToolRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, edgeerr.MakeCallFailed(err)
	}

	raw, err := v.client.Request(ctx, subject, body, v.callTimeout)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, edgeerr.MakeCallFailed(fmt.Errorf("toolsetview: call to %q failed: %w", subject, err))
		}
		if !v.retryLimiter.Allow() {
			return nil, edgeerr.MakeCallFailed(fmt.Errorf("toolsetview: call to %q timed out, retry budget exhausted: %w", subject, err))
		}
		raw, err = v.client.Request(ctx, subject, body, v.callTimeout)
		if err != nil {
			return nil, edgeerr.MakeCallFailed(fmt.Errorf("toolsetview: call to %q timed out after retry: %w", subject, err))
		}
	}

	var resp callToolResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, edgeerr.MakeCallFailed(fmt.Errorf("toolsetview: decode reply: %w", err))
	}
	if resp.IsError {
		return nil, edgeerr.MakeCallFailed(fmt.Errorf("%s", resp.Text))
	}
	if resp.Result != nil {
		return resp.Result, nil
	}
	return json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": resp.Text}},
	})
}

// ProjectedTools parses inputSchema/annotations JSON strings into structured
// objects, prepends init_skill in skill-as-server mode, and collapses to
// [init_skill, smartSkillTool] when a smart-skill-tool is present,
// regardless of any other MCP tools in the same snapshot.
func (v *View) ProjectedTools() []domain.Tool {
	snapshot, _ := v.catalog.Get()
	return v.project(snapshot)
}

func (v *View) project(snapshot domain.ToolsetCatalog) []domain.Tool {
	tools := make([]domain.Tool, len(snapshot.Tools))
	for i, t := range snapshot.Tools {
		tools[i] = unwrapToolSchema(t)
	}

	if !v.identity.IsSkillMode() {
		return tools
	}

	initSkill := domain.Tool{
		Name:        domain.InitSkillToolName,
		Description: "Initialize this skill-as-server session with the original prompt.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"original_prompt":{"type":"string"}},"required":["original_prompt"]}`),
	}

	if snapshot.SmartSkillTool != nil {
		smartTool := unwrapToolSchema(domain.Tool{
			ID:          snapshot.SmartSkillTool.ID,
			Name:        snapshot.SmartSkillTool.Name,
			Description: snapshot.SmartSkillTool.Description,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		})
		return []domain.Tool{initSkill, smartTool}
	}

	out := make([]domain.Tool, 0, len(tools)+1)
	out = append(out, initSkill)
	out = append(out, tools...)
	return out
}

// unwrapToolSchema parses a catalog tool's inputSchema/annotations out of
// their wire encoding (a JSON string carrying the schema's own JSON text,
// per spec.md:143) into the structured JSON object a tools/list response
// must actually carry. Fields already holding an object (or absent) pass
// through unchanged, so synthetic tools built with a literal object
// RawMessage above are unaffected.
func unwrapToolSchema(t domain.Tool) domain.Tool {
	t.InputSchema = unwrapJSONString(t.InputSchema)
	t.Annotations = unwrapJSONString(t.Annotations)
	return t
}

func unwrapJSONString(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw
	}
	var encoded string
	if err := json.Unmarshal(trimmed, &encoded); err != nil {
		return raw
	}
	if !json.Valid([]byte(encoded)) {
		return raw
	}
	return json.RawMessage(encoded)
}
