// Package dispatcher implements the Tool-Call Dispatcher (SPEC_FULL.md
// §4.5): the subscription table mapping bus subjects to running providers
// and smart skills, and the per-subject call handler that routes incoming
// requests to the right runner. Grounded on registry/service.go's CallTool
// (payload validation, routing, structured errors) and
// runtime/toolregistry/provider/provider.go's Serve loop (per-subject
// consumer goroutines, reply-on-subject semantics).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
	"github.com/edgerun/edgerund/internal/telemetry"
)

// ToolCaller is the surface the Dispatcher needs against a running
// tool-provider instance. Satisfied structurally by *provider.Runner.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// SkillCaller is the surface the Dispatcher needs against a running
// smart-skill instance. Satisfied structurally by *skillrunner.Runner.
type SkillCaller interface {
	Chat(ctx context.Context, userMessages []string) (string, error)
}

// callRequest is the tagged-variant wire shape of an incoming call-tool
// request (SPEC_FULL.md §4.5). Untyped/legacy requests without a "type"
// discriminator are rejected per the resolved Open Question in
// SPEC_FULL.md §9.
type callRequest struct {
	Type string          `json:"type"`
	Tool string          `json:"tool,omitempty"`
	Skill string         `json:"skill,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

type callResponse struct {
	Result              json.RawMessage `json:"result,omitempty"`
	IsError             bool            `json:"isError,omitempty"`
	Text                string          `json:"text,omitempty"`
	ExecutedByIdOrAgent string          `json:"executedByIdOrAgent,omitempty"`
}

const (
	kindMCPTool    = "mcp-tool"
	kindSmartSkill = "smart-skill"
)

type toolEntry struct {
	providerID string
	toolName   string
	caller     ToolCaller
}

type skillEntry struct {
	caller SkillCaller
}

type subjectSub struct {
	subscription bus.Subscription
	cancel       context.CancelFunc
}

// Dispatcher owns the bus subscription table and routes incoming call
// requests to the owning runner.
type Dispatcher struct {
	client   bus.Client
	identity IdentityProvider
	logger   telemetry.Logger
	tracer   telemetry.Tracer

	mu sync.Mutex
	// tools maps tool id -> entry. A tool id present on more than one
	// running provider is ambiguous and calls against it fail with
	// tool_not_found, mirroring "if exactly one provider owns it".
	tools map[string][]toolEntry
	// skills maps skill id -> entry.
	skills map[string]skillEntry
	// providerSubjects / skillSubjects track the bus subscription per
	// provider/skill so EnsureToolsSubscribed and UnsubscribeProvider
	// stay idempotent.
	providerSubjects map[string]map[string]*subjectSub // providerID -> toolID -> subscription
	skillSubjects    map[string]*subjectSub
}

// IdentityProvider supplies the "executedByIdOrAgent" field: the runtime id
// if the local identity nature is runtime, literal AGENT otherwise.
type IdentityProvider interface {
	ExecutedByIdOrAgent() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l telemetry.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithTracer(t telemetry.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// New constructs a Dispatcher.
func New(client bus.Client, identity IdentityProvider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:           client,
		identity:         identity,
		logger:           telemetry.NewNoopLogger(),
		tracer:           telemetry.NewNoopTracer(),
		tools:            make(map[string][]toolEntry),
		skills:           make(map[string]skillEntry),
		providerSubjects: make(map[string]map[string]*subjectSub),
		skillSubjects:    make(map[string]*subjectSub),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EnsureToolsSubscribed installs exactly one bus subscription per tool id in
// tools, using the global subject for CLOUD execution-target and the
// runtime-scoped subject for AGENT. Re-subscribing an already-subscribed
// pair is a no-op; subscriptions for tools no longer listed are closed.
func (d *Dispatcher) EnsureToolsSubscribed(ctx context.Context, workspaceID, runtimeID string, p domain.DesiredProvider, tools []domain.Tool, caller ToolCaller) error {
	if p.ExecutionTarget == domain.ExecutionAgent && (runtimeID == "" || workspaceID == "") {
		return edgeerr.MakeConfigInvalid(fmt.Errorf("dispatcher: agent-scoped provider %s requires workspace and runtime id", p.ID))
	}

	desired := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		desired[tool.ID] = struct{}{}
	}

	d.mu.Lock()
	existing := d.providerSubjects[p.ID]
	if existing == nil {
		existing = make(map[string]*subjectSub)
		d.providerSubjects[p.ID] = existing
	}
	var toRemove []string
	for toolID := range existing {
		if _, ok := desired[toolID]; !ok {
			toRemove = append(toRemove, toolID)
		}
	}
	d.mu.Unlock()

	for _, toolID := range toRemove {
		d.unsubscribeTool(ctx, p.ID, toolID)
	}

	for _, tool := range tools {
		d.mu.Lock()
		_, already := existing[tool.ID]
		d.mu.Unlock()
		if already {
			continue
		}
		subject := d.toolSubject(workspaceID, runtimeID, p.ExecutionTarget, tool.ID)
		sub, err := d.client.Subscribe(ctx, subject, "dispatcher")
		if err != nil {
			d.logger.Error(ctx, "subscribe tool failed", "provider", p.ID, "tool", tool.ID, "err", err)
			continue
		}
		subCtx, cancel := context.WithCancel(context.Background())
		d.mu.Lock()
		d.tools[tool.ID] = append(d.tools[tool.ID], toolEntry{providerID: p.ID, toolName: tool.Name, caller: caller})
		existing[tool.ID] = &subjectSub{subscription: sub, cancel: cancel}
		d.mu.Unlock()
		go d.serveToolSubject(subCtx, sub, kindMCPTool)
	}
	return nil
}

func (d *Dispatcher) toolSubject(workspaceID, runtimeID string, target domain.ExecutionTarget, toolID string) string {
	if target == domain.ExecutionCloud {
		return bus.CallToolGlobal(toolID)
	}
	return bus.CallToolRuntimeScoped(workspaceID, runtimeID, toolID)
}

// UnsubscribeProvider removes every subscription entry for providerID, even
// if individual unsubscribes fail, per SPEC_FULL.md §4.5's idempotency
// contract.
func (d *Dispatcher) UnsubscribeProvider(ctx context.Context, providerID string) {
	d.mu.Lock()
	toolIDs := make([]string, 0, len(d.providerSubjects[providerID]))
	for toolID := range d.providerSubjects[providerID] {
		toolIDs = append(toolIDs, toolID)
	}
	d.mu.Unlock()
	for _, toolID := range toolIDs {
		d.unsubscribeTool(ctx, providerID, toolID)
	}
	d.mu.Lock()
	delete(d.providerSubjects, providerID)
	d.mu.Unlock()
}

func (d *Dispatcher) unsubscribeTool(ctx context.Context, providerID, toolID string) {
	d.mu.Lock()
	sub := d.providerSubjects[providerID][toolID]
	delete(d.providerSubjects[providerID], toolID)
	remaining := d.tools[toolID][:0]
	for _, entry := range d.tools[toolID] {
		if entry.providerID != providerID {
			remaining = append(remaining, entry)
		}
	}
	if len(remaining) == 0 {
		delete(d.tools, toolID)
	} else {
		d.tools[toolID] = remaining
	}
	d.mu.Unlock()

	if sub == nil {
		return
	}
	sub.cancel()
	sub.subscription.Close(ctx)
}

// EnsureSkillSubscribed installs the runtime-scoped call-tool subscription
// for a smart skill.
func (d *Dispatcher) EnsureSkillSubscribed(ctx context.Context, workspaceID, runtimeID string, s domain.DesiredSkill, caller SkillCaller) error {
	d.mu.Lock()
	_, already := d.skillSubjects[s.ID]
	d.mu.Unlock()
	if already {
		d.mu.Lock()
		d.skills[s.ID] = skillEntry{caller: caller}
		d.mu.Unlock()
		return nil
	}

	subject := bus.CallSkill(workspaceID, runtimeID, s.ID)
	sub, err := d.client.Subscribe(ctx, subject, "dispatcher")
	if err != nil {
		return edgeerr.MakeTransportUnavailable(fmt.Errorf("dispatcher: subscribe skill %s: %w", s.ID, err))
	}
	subCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.skills[s.ID] = skillEntry{caller: caller}
	d.skillSubjects[s.ID] = &subjectSub{subscription: sub, cancel: cancel}
	d.mu.Unlock()
	go d.serveToolSubject(subCtx, sub, kindSmartSkill)
	return nil
}

// UnsubscribeSkill removes the subscription for skillID (no-op if absent).
func (d *Dispatcher) UnsubscribeSkill(ctx context.Context, skillID string) {
	d.mu.Lock()
	sub, ok := d.skillSubjects[skillID]
	delete(d.skillSubjects, skillID)
	delete(d.skills, skillID)
	d.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	sub.subscription.Close(ctx)
}

func (d *Dispatcher) serveToolSubject(ctx context.Context, sub bus.Subscription, kind string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			d.handle(ctx, sub, kind, msg)
		}
	}
}

// handle routes an incoming call request, refusing it outright when
// req.Type disagrees with the subscription kind (mcp-tool vs smart-skill)
// it actually arrived on — a smart-skill message delivered on a tool
// subject (or vice versa) is cross-routed and must never reach the normal
// tool/skill lookup, per SPEC_FULL.md §4.5's cross-routing refusal.
func (d *Dispatcher) handle(ctx context.Context, sub bus.Subscription, kind string, msg bus.Message) {
	defer func() { _ = sub.Ack(ctx, msg) }()

	var req callRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Type == "" {
		d.reply(ctx, msg, callResponse{IsError: true, Text: "Error: untyped call-tool request rejected"})
		return
	}

	if req.Type != kind {
		d.logger.Warn(ctx, "cross-routing refused", "type", req.Type, "subscription", kind)
		d.reply(ctx, msg, callResponse{IsError: true, Text: fmt.Sprintf("Error: cross-routing refused: %q request on %s subscription", req.Type, kind)})
		return
	}

	switch kind {
	case kindMCPTool:
		d.handleToolCall(ctx, msg, req)
	case kindSmartSkill:
		d.handleSkillCall(ctx, msg, req)
	}
}

func (d *Dispatcher) handleToolCall(ctx context.Context, msg bus.Message, req callRequest) {
	d.mu.Lock()
	entries := d.tools[req.Tool]
	d.mu.Unlock()

	if len(entries) != 1 {
		d.reply(ctx, msg, callResponse{IsError: true, Text: "Error: tool not found"})
		return
	}

	result, err := entries[0].caller.CallTool(ctx, entries[0].toolName, req.Args)
	if err != nil {
		d.reply(ctx, msg, callResponse{IsError: true, Text: fmt.Sprintf("Error: %v", err)})
		return
	}
	d.reply(ctx, msg, callResponse{Result: result, ExecutedByIdOrAgent: d.identity.ExecutedByIdOrAgent()})
}

func (d *Dispatcher) handleSkillCall(ctx context.Context, msg bus.Message, req callRequest) {
	d.mu.Lock()
	entry, ok := d.skills[req.Skill]
	d.mu.Unlock()
	if !ok {
		d.reply(ctx, msg, callResponse{IsError: true, Text: "Error: skill not found"})
		return
	}

	messages := extractSkillMessages(req.Args)
	out, err := entry.caller.Chat(ctx, messages)
	if err != nil {
		d.reply(ctx, msg, callResponse{IsError: true, Text: fmt.Sprintf("Error: %v", err)})
		return
	}
	d.reply(ctx, msg, callResponse{Text: out, ExecutedByIdOrAgent: d.identity.ExecutedByIdOrAgent()})
}

// extractSkillMessages resolves a smart-skill call's user messages from
// args.messages, else [args.message], else [args.input], else
// [stringify(args)], per SPEC_FULL.md §4.5.
func extractSkillMessages(args json.RawMessage) []string {
	var asMessages struct {
		Messages []string `json:"messages"`
	}
	if json.Unmarshal(args, &asMessages) == nil && len(asMessages.Messages) > 0 {
		return asMessages.Messages
	}
	var asMessage struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(args, &asMessage) == nil && asMessage.Message != "" {
		return []string{asMessage.Message}
	}
	var asInput struct {
		Input string `json:"input"`
	}
	if json.Unmarshal(args, &asInput) == nil && asInput.Input != "" {
		return []string{asInput.Input}
	}
	return []string{string(args)}
}

func (d *Dispatcher) reply(ctx context.Context, msg bus.Message, resp callResponse) {
	if msg.ReplyTo == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := d.client.Publish(ctx, msg.ReplyTo, body); err != nil {
		d.logger.Error(ctx, "publish reply failed", "subject", msg.ReplyTo, "err", err)
	}
}
