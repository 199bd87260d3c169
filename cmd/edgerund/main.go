// Command edgerund runs the edge runtime: it reconciles tool-provider and
// smart-skill desired state, dispatches incoming bus tool calls to the
// right runner, and hosts the consumer-facing stdio/SSE/streamable
// transports (SPEC_FULL.md §6). Configuration is environment-driven and DI
// assembly follows registry/cmd/registry/main.go's envOr-helpers shape.
//
// # Configuration
//
// Environment variables:
//
//	REDIS_URL                     - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD                - Redis password (optional)
//	MASTER_KEY, TOOLSET_NAME      - consumer-session credentials (mutually exclusive with TOOLSET_KEY)
//	TOOLSET_KEY                   - consumer-session credential (must not carry TOOLSET_NAME)
//	RUNTIME_KEY, RUNTIME_NAME     - this process's own control-plane handshake credentials
//	WORKSPACE_ID                  - fallback workspace id (default: "DEFAULT")
//	REMOTE_PORT                   - HTTP listen port; presence selects Edge/Standalone streamable mode
//	TOOL_SET                      - comma list of consumer transports to mount, among stdio,sse,streamable
//	MCP_ALLOWED_ORIGINS           - comma list of allowed Origin headers (DNS-rebinding defense)
//	PREVENT_DNS_REBINDING_ATTACK  - "true"/"1" enables Origin enforcement
//	VALIDATE_ACCEPT_HEADER        - "true" enables strict Accept-header mode on POST /messages
//	MCP_CALL_TOOL_TIMEOUT         - outbound call-tool timeout of the stdio session (Go duration, e.g. "10s"); SSE and streamable sessions use a fixed 10s
//	ANTHROPIC_API_KEY             - smart-skill model credential
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/dispatcher"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/httphost"
	"github.com/edgerun/edgerund/internal/identity"
	"github.com/edgerun/edgerund/internal/observable"
	"github.com/edgerun/edgerund/internal/reconciler"
	"github.com/edgerun/edgerund/internal/session"
	"github.com/edgerun/edgerund/internal/skillrunner"
	"github.com/edgerun/edgerund/internal/telemetry"
	"github.com/edgerun/edgerund/internal/transport/sse"
	"github.com/edgerun/edgerund/internal/transport/stdio"
	"github.com/edgerun/edgerund/internal/transport/streamable"
	"github.com/edgerun/edgerund/internal/toolsetview"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

// config is the process's environment-derived configuration (SPEC_FULL.md
// §6.3).
type config struct {
	redisURL      string
	redisPassword string

	masterKey   string
	toolsetName string
	toolsetKey  string
	runtimeKey  string
	runtimeName string
	workspaceID string

	remotePort string
	toolSet    []string

	allowedOrigins      []string
	preventDNSRebinding bool
	strictAccept        bool
	callToolTimeout     time.Duration

	anthropicAPIKey string
}

func loadConfig() config {
	workspaceID := os.Getenv("WORKSPACE_ID")
	if workspaceID == "" {
		workspaceID = domain.DefaultWorkspaceID
	}
	return config{
		redisURL:            envOr("REDIS_URL", "localhost:6379"),
		redisPassword:       os.Getenv("REDIS_PASSWORD"),
		masterKey:           os.Getenv("MASTER_KEY"),
		toolsetName:         os.Getenv("TOOLSET_NAME"),
		toolsetKey:          os.Getenv("TOOLSET_KEY"),
		runtimeKey:          os.Getenv("RUNTIME_KEY"),
		runtimeName:         envOr("RUNTIME_NAME", "edgerund"),
		workspaceID:         workspaceID,
		remotePort:          os.Getenv("REMOTE_PORT"),
		toolSet:             splitCommaList(os.Getenv("TOOL_SET")),
		allowedOrigins:      splitCommaList(os.Getenv("MCP_ALLOWED_ORIGINS")),
		preventDNSRebinding: envBool("PREVENT_DNS_REBINDING_ATTACK"),
		strictAccept:        envBool("VALIDATE_ACCEPT_HEADER"),
		callToolTimeout:     envDurationOr("MCP_CALL_TOOL_TIMEOUT", 10*time.Second),
		anthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
	}
}

// transports resolves the enabled consumer transport set (SPEC_FULL.md
// §6.4's three process modes, collapsed to "which transports does this
// process mount" since every mode is just a different subset plus an
// authentication-enforcement toggle): explicit TOOL_SET wins; otherwise
// REMOTE_PORT's presence decides between the HTTP pair and stdio-only.
func (c config) transports() map[string]bool {
	enabled := make(map[string]bool, 3)
	if len(c.toolSet) > 0 {
		for _, t := range c.toolSet {
			enabled[t] = true
		}
		return enabled
	}
	if c.remotePort != "" {
		enabled["sse"] = true
		enabled["streamable"] = true
		return enabled
	}
	enabled["stdio"] = true
	return enabled
}

// standalone reports whether no consumer credential is configured, the
// "standalone streamable" mode in which HTTP transports run without
// authentication enforcement (SPEC_FULL.md §6.4, §4.1's loadFromEnvironment
// standalone carve-out).
func (c config) standalone() bool {
	return c.masterKey == "" && c.toolsetKey == ""
}

func run(ctx context.Context) error {
	cfg := loadConfig()
	logger := telemetry.NewClueLogger()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisURL, Password: cfg.redisPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn(ctx, "close redis failed", "err", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("edgerund: connect to redis: %w", err)
	}

	client, err := bus.New(rdb)
	if err != nil {
		return fmt.Errorf("edgerund: construct bus client: %w", err)
	}

	runtimeMgr := identity.New(client, identity.WithLogger(logger), identity.WithStandaloneMode(cfg.standalone()))
	runtimeID := ""
	if cfg.runtimeKey != "" {
		if err := runtimeMgr.Handshake(ctx, cfg.runtimeKey, domain.NatureRuntime, cfg.runtimeName); err != nil {
			return fmt.Errorf("edgerund: runtime handshake: %w", err)
		}
		runtimeIdentity := runtimeMgr.GetIdentity()
		runtimeID = runtimeIdentity.ID
		if runtimeIdentity.WorkspaceID != "" {
			cfg.workspaceID = runtimeIdentity.WorkspaceID
		}
	} else {
		logger.Warn(ctx, "RUNTIME_KEY not configured, reconciler/dispatcher disabled")
	}

	enabled := cfg.transports()
	sessionMgr := session.NewManager(session.WithLogger(logger))
	roots := observable.NewValue[[]domain.Root]()

	var recon *reconciler.Reconciler
	reconCtx, cancelRecon := context.WithCancel(ctx)
	defer cancelRecon()
	reconDone := make(chan struct{})
	if runtimeID != "" {
		var model skillrunner.ChatModel
		if cfg.anthropicAPIKey != "" {
			model = skillrunner.NewAnthropicModel(cfg.anthropicAPIKey)
		}
		disp := dispatcher.New(client, runtimeIdentityAdapter{runtimeMgr}, dispatcher.WithLogger(logger))
		recon = reconciler.New(cfg.workspaceID, runtimeID, client, disp, model,
			reconciler.WithLogger(logger), reconciler.WithRoots(roots))

		go func() {
			defer close(reconDone)
			if err := recon.Run(reconCtx); err != nil && reconCtx.Err() == nil {
				logger.Error(ctx, "reconciler stopped", "err", err)
			}
		}()
	}

	var httpServer *http.Server
	if enabled["sse"] || enabled["streamable"] {
		router := httphost.New(httphost.Config{
			AllowedOrigins:      cfg.allowedOrigins,
			PreventDNSRebinding: cfg.preventDNSRebinding,
			StrictAcceptHeader:  cfg.strictAccept,
		})

		var opts []func(*sse.Handler)
		var streamOpts []func(*streamable.Handler)
		if cfg.standalone() {
			opts = append(opts, sse.WithAnonymousAccess(cfg.workspaceID))
			streamOpts = append(streamOpts, streamable.WithAnonymousAccess(cfg.workspaceID))
		}
		opts = append(opts, sse.WithLogger(logger))
		streamOpts = append(streamOpts, streamable.WithLogger(logger))

		if enabled["sse"] {
			sse.New(sessionMgr, client, rdb, opts...).Mount(router)
		}
		if enabled["streamable"] {
			streamable.New(sessionMgr, client, rdb, streamOpts...).Mount(router)
		}

		addr := ":8080"
		if cfg.remotePort != "" {
			addr = ":" + cfg.remotePort
		}
		httpServer = &http.Server{Addr: addr, Handler: router}
		go func() {
			logger.Info(ctx, "http host listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "http host stopped", "err", err)
			}
		}()
	}

	var stdioRunner *stdio.Runner
	var stdioErrCh chan error
	if enabled["stdio"] {
		toolsetIdentity, err := identity.AuthenticateToolset(ctx, client, cfg.masterKey, cfg.toolsetKey, cfg.toolsetName)
		if err != nil {
			return fmt.Errorf("edgerund: stdio session authentication: %w", err)
		}
		watch, err := bus.JoinWatch(ctx, bus.CatalogSubjectFor(toolsetIdentity), rdb)
		if err != nil {
			return fmt.Errorf("edgerund: join toolset catalog watch: %w", err)
		}
		view := toolsetview.New(ctx, toolsetIdentity, watch, client, toolsetview.WithCallTimeout(cfg.callToolTimeout), toolsetview.WithLogger(logger))
		var notifier stdio.RootsNotifier = noopRootsNotifier{}
		if recon != nil {
			notifier = recon
		}
		stdioRunner = stdio.New(sessionMgr, view, toolsetIdentity, notifier, os.Stdin, os.Stdout, stdio.WithLogger(logger))
		stdioErrCh = make(chan error, 1)
		go func() { stdioErrCh <- stdioRunner.Run(ctx) }()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
	case err := <-stdioErrCh:
		if err != nil {
			logger.Warn(ctx, "stdio runner exited", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "http host shutdown failed", "err", err)
		}
	}
	if err := sessionMgr.CloseAll(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "close sessions failed", "err", err)
	}
	if recon != nil {
		cancelRecon()
		<-reconDone
	}
	if err := client.Close(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "close bus client failed", "err", err)
	}
	return nil
}

// runtimeIdentityAdapter satisfies dispatcher.IdentityProvider: the
// dispatcher needs to know whether *this process* is itself the runtime
// executing a call (report its own id) or merely relaying on behalf of an
// agent elsewhere (report the AGENT literal).
type runtimeIdentityAdapter struct {
	mgr *identity.Manager
}

func (a runtimeIdentityAdapter) ExecutedByIdOrAgent() string {
	if !a.mgr.HasValidAuth() {
		return domain.AgentExecutorLiteral
	}
	return a.mgr.GetIdentity().ID
}

type noopRootsNotifier struct{}

func (noopRootsNotifier) UpdateRoots(ctx context.Context, roots []domain.Root) {}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitCommaList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
