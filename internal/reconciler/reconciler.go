// Package reconciler implements the Provider Reconciler (SPEC_FULL.md §4.4):
// it subscribes to the desired-providers and desired-smart-skills topics,
// diffs each snapshot against the running set, and drives the
// stop-then-respawn-or-spawn sequencing. Grounded on registry/registry.go's
// multi-component assembly and registry/service.go's Register/Unregister
// pair for the spawn/stop shape.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/dispatcher"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/observable"
	"github.com/edgerun/edgerund/internal/provider"
	"github.com/edgerun/edgerund/internal/skillrunner"
	"github.com/edgerun/edgerund/internal/telemetry"
)

// Dispatcher is the subset of the Tool-Call Dispatcher the Reconciler drives
// after every snapshot (SPEC_FULL.md §4.4 step 5).
type Dispatcher interface {
	EnsureToolsSubscribed(ctx context.Context, workspaceID, runtimeID string, p domain.DesiredProvider, tools []domain.Tool, caller dispatcher.ToolCaller) error
	UnsubscribeProvider(ctx context.Context, providerID string)
	EnsureSkillSubscribed(ctx context.Context, workspaceID, runtimeID string, s domain.DesiredSkill, caller dispatcher.SkillCaller) error
	UnsubscribeSkill(ctx context.Context, skillID string)
}

type runningProvider struct {
	runner    *provider.Runner
	signature string
	cancel    func()
}

type runningSkill struct {
	runner    *skillrunner.Runner
	signature string
}

// Reconciler owns the running-provider and running-skill sets for one
// (workspace, runtime) pair.
type Reconciler struct {
	workspaceID string
	runtimeID   string

	client     bus.Client
	dispatcher Dispatcher
	model      skillrunner.ChatModel
	logger     telemetry.Logger

	mu        sync.Mutex
	providers map[string]*runningProvider
	skills    map[string]*runningSkill
	roots     *observable.Value[[]domain.Root]
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLogger(l telemetry.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithRoots supplies the observable roots stream announced by the active
// stdio consumer session, if any (SPEC_FULL.md §4.4 "Roots propagation").
func WithRoots(roots *observable.Value[[]domain.Root]) Option {
	return func(r *Reconciler) { r.roots = roots }
}

// New constructs a Reconciler for one (workspace, runtime) identity pair.
func New(workspaceID, runtimeID string, client bus.Client, dispatcher Dispatcher, model skillrunner.ChatModel, opts ...Option) *Reconciler {
	r := &Reconciler{
		workspaceID: workspaceID,
		runtimeID:   runtimeID,
		client:      client,
		dispatcher:  dispatcher,
		model:       model,
		logger:      telemetry.NewNoopLogger(),
		providers:   make(map[string]*runningProvider),
		skills:      make(map[string]*runningSkill),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run subscribes to the desired-providers and desired-smart-skills topics
// and reconciles on every snapshot until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	providerSubject := bus.DesiredProviders(r.workspaceID, r.runtimeID)
	skillSubject := bus.DesiredSmartSkills(r.workspaceID, r.runtimeID)

	providerSub, err := r.client.Subscribe(ctx, providerSubject, "reconciler-providers")
	if err != nil {
		return fmt.Errorf("reconciler: subscribe %q: %w", providerSubject, err)
	}
	defer providerSub.Close(context.Background())

	skillSub, err := r.client.Subscribe(ctx, skillSubject, "reconciler-skills")
	if err != nil {
		return fmt.Errorf("reconciler: subscribe %q: %w", skillSubject, err)
	}
	defer skillSub.Close(context.Background())

	for {
		select {
		case <-ctx.Done():
			r.stopAll(context.Background())
			return ctx.Err()
		case msg, ok := <-providerSub.Messages():
			if !ok {
				return fmt.Errorf("reconciler: provider subscription closed")
			}
			var snapshot []domain.DesiredProvider
			if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
				r.logger.Error(ctx, "decode desired providers snapshot failed", "err", err)
				continue
			}
			r.reconcileProviders(ctx, snapshot)
		case msg, ok := <-skillSub.Messages():
			if !ok {
				return fmt.Errorf("reconciler: skill subscription closed")
			}
			var snapshot []domain.DesiredSkill
			if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
				r.logger.Error(ctx, "decode desired skills snapshot failed", "err", err)
				continue
			}
			r.reconcileSkills(ctx, snapshot)
		}
	}
}

func (r *Reconciler) reconcileProviders(ctx context.Context, snapshot []domain.DesiredProvider) {
	desired := make(map[string]domain.DesiredProvider, len(snapshot))
	for _, p := range snapshot {
		desired[p.ID] = p
	}

	r.mu.Lock()
	var toStop []string
	for id := range r.providers {
		if _, ok := desired[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	r.mu.Unlock()
	for _, id := range toStop {
		r.stopProvider(ctx, id)
	}

	var respawn, spawn []domain.DesiredProvider
	for id, p := range desired {
		r.mu.Lock()
		running, ok := r.providers[id]
		r.mu.Unlock()

		switch {
		case ok && running.signature == provider.ConfigSignature(p, r.rootCount()):
			// unchanged, keep
		case ok:
			r.stopProvider(ctx, id)
			respawn = append(respawn, p)
		default:
			spawn = append(spawn, p)
		}
	}
	for _, p := range append(respawn, spawn...) {
		r.spawnProvider(ctx, p, provider.ConfigSignature(p, r.rootCount()))
	}

	r.syncDispatcherSubscriptions(ctx)
}

func (r *Reconciler) spawnProvider(ctx context.Context, p domain.DesiredProvider, sig string) {
	runner := provider.New(p, r.currentRoots(), provider.WithLogger(r.logger))
	if err := runner.Start(ctx); err != nil {
		r.logger.Error(ctx, "spawn provider failed", "provider", p.ID, "err", err)
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.providers[p.ID] = &runningProvider{runner: runner, signature: sig, cancel: cancel}
	r.mu.Unlock()

	go r.watchDiscoveredTools(subCtx, r.workspaceID, p.ID, runner)
}

func (r *Reconciler) watchDiscoveredTools(ctx context.Context, workspaceID, providerID string, runner *provider.Runner) {
	ch, unsub := runner.Tools().Subscribe()
	defer unsub()
	subject := bus.DiscoveredTools(workspaceID, providerID)
	for {
		select {
		case <-ctx.Done():
			return
		case tools, ok := <-ch:
			if !ok {
				return
			}
			stamped := make([]domain.Tool, len(tools))
			for i, tool := range tools {
				tool.RuntimeID = r.runtimeID
				stamped[i] = tool
			}
			body, err := json.Marshal(stamped)
			if err != nil {
				continue
			}
			if err := r.client.Publish(ctx, subject, body); err != nil {
				r.logger.Warn(ctx, "publish discovered tools failed", "provider", providerID, "err", err)
			}
		}
	}
}

func (r *Reconciler) stopProvider(ctx context.Context, id string) {
	r.mu.Lock()
	running, ok := r.providers[id]
	if ok {
		delete(r.providers, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	running.cancel()
	if err := running.runner.Stop(ctx); err != nil {
		r.logger.Warn(ctx, "stop provider failed", "provider", id, "err", err)
	}
	r.dispatcher.UnsubscribeProvider(ctx, id)
}

func (r *Reconciler) reconcileSkills(ctx context.Context, snapshot []domain.DesiredSkill) {
	desired := make(map[string]domain.DesiredSkill, len(snapshot))
	for _, s := range snapshot {
		desired[s.ID] = s
	}

	r.mu.Lock()
	var toStop []string
	for id := range r.skills {
		if _, ok := desired[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	r.mu.Unlock()
	for _, id := range toStop {
		r.stopSkill(ctx, id)
	}

	for id, s := range desired {
		r.mu.Lock()
		running, ok := r.skills[id]
		r.mu.Unlock()

		sig := skillrunner.ConfigSignature(s)
		switch {
		case ok && running.signature == sig:
		case ok:
			r.stopSkill(ctx, id)
			r.spawnSkill(ctx, s, sig)
		default:
			r.spawnSkill(ctx, s, sig)
		}
	}
}

func (r *Reconciler) spawnSkill(ctx context.Context, s domain.DesiredSkill, sig string) {
	runner := skillrunner.New(s, r.model)
	r.mu.Lock()
	r.skills[s.ID] = &runningSkill{runner: runner, signature: sig}
	r.mu.Unlock()
	if err := r.dispatcher.EnsureSkillSubscribed(ctx, r.workspaceID, r.runtimeID, s, runner); err != nil {
		r.logger.Error(ctx, "subscribe skill failed", "skill", s.ID, "err", err)
	}
}

func (r *Reconciler) stopSkill(ctx context.Context, id string) {
	r.mu.Lock()
	_, ok := r.skills[id]
	if ok {
		delete(r.skills, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.dispatcher.UnsubscribeSkill(ctx, id)
}

// syncDispatcherSubscriptions ensures exactly one bus subscription per tool
// id present in each running provider's current tool list, per SPEC_FULL.md
// §4.4 step 5.
func (r *Reconciler) syncDispatcherSubscriptions(ctx context.Context) {
	r.mu.Lock()
	snapshot := make(map[string]*runningProvider, len(r.providers))
	for id, p := range r.providers {
		snapshot[id] = p
	}
	r.mu.Unlock()

	for id, running := range snapshot {
		tools, _ := running.runner.Tools().Get()
		if err := r.dispatcher.EnsureToolsSubscribed(ctx, r.workspaceID, r.runtimeID, running.runner.Desired(), tools, running.runner); err != nil {
			r.logger.Error(ctx, "ensure tools subscribed failed", "provider", id, "err", err)
		}
	}
}

func (r *Reconciler) currentRoots() []domain.Root {
	if r.roots == nil {
		return nil
	}
	roots, _ := r.roots.Get()
	return roots
}

func (r *Reconciler) rootCount() int { return len(r.currentRoots()) }

func (r *Reconciler) stopAll(ctx context.Context) {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]*runningProvider)
	skills := r.skills
	r.skills = make(map[string]*runningSkill)
	r.mu.Unlock()

	for id, p := range providers {
		p.cancel()
		if err := p.runner.Stop(ctx); err != nil {
			r.logger.Warn(ctx, "stop provider failed during shutdown", "provider", id, "err", err)
		}
		r.dispatcher.UnsubscribeProvider(ctx, id)
	}
	for id := range skills {
		r.dispatcher.UnsubscribeSkill(ctx, id)
	}
}

// UpdateRoots propagates newly announced consumer-session roots to every
// running provider on the fly (SPEC_FULL.md §4.4 "Roots propagation").
func (r *Reconciler) UpdateRoots(ctx context.Context, roots []domain.Root) {
	if r.roots != nil {
		r.roots.Set(roots)
	}
	r.mu.Lock()
	runners := make([]*provider.Runner, 0, len(r.providers))
	for _, p := range r.providers {
		runners = append(runners, p.runner)
	}
	r.mu.Unlock()

	for _, runner := range runners {
		if err := runner.UpdateRoots(ctx, roots); err != nil {
			r.logger.Warn(ctx, "update roots failed", "provider", runner.ID(), "err", err)
		}
	}
}
