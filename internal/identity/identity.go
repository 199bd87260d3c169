// Package identity implements the runtime's credential loading and
// bus-handshake authentication (SPEC_FULL.md §4.1). Its constructor and
// functional-options shape follow runtime/registry/registration.go's
// RegistrationManager/WithRegistrationLogger idiom.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
	"github.com/edgerun/edgerund/internal/telemetry"
)

// State is the identity state machine's current node.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
)

const handshakeTimeout = 5 * time.Second

// Requester performs the handshake request-reply exchange. Satisfied by
// bus.Client; isolated as its own interface so tests can fake it without a
// Redis dependency.
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)
}

type handshakeRequest struct {
	Key      string `json:"key"`
	Nature   string `json:"nature"`
	Name     string `json:"name,omitempty"`
	PID      int    `json:"pid"`
	HostIP   string `json:"hostIp"`
	Hostname string `json:"hostname"`
}

type handshakeResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Manager owns the runtime's identity and credential state.
type Manager struct {
	mu         sync.RWMutex
	state      State
	creds      domain.Credentials
	identity   domain.RuntimeIdentity
	standalone bool

	requester Requester
	logger    telemetry.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStandaloneMode relaxes loadFromEnvironment to permit absent credentials
// (standalone streamable mode, SPEC_FULL.md §4.1).
func WithStandaloneMode(standalone bool) Option {
	return func(m *Manager) { m.standalone = standalone }
}

// New constructs a Manager in the unauthenticated state.
func New(requester Requester, opts ...Option) *Manager {
	m := &Manager{
		state:     StateUnauthenticated,
		requester: requester,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadFromEnvironment reads MASTER_KEY/TOOLSET_NAME/TOOLSET_KEY and applies
// the mutual-exclusion rules from SPEC_FULL.md §4.1:
//   - MASTER_KEY and TOOLSET_KEY are mutually exclusive.
//   - MASTER_KEY requires TOOLSET_NAME.
//   - TOOLSET_KEY must not carry a toolset name.
func (m *Manager) LoadFromEnvironment(ctx context.Context) error {
	masterKey := os.Getenv("MASTER_KEY")
	toolsetName := os.Getenv("TOOLSET_NAME")
	toolsetKey := os.Getenv("TOOLSET_KEY")

	if masterKey != "" && toolsetKey != "" {
		return edgeerr.MakeConfigInvalid(fmt.Errorf("MASTER_KEY and TOOLSET_KEY are mutually exclusive"))
	}
	if masterKey != "" && toolsetName == "" {
		return edgeerr.MakeConfigInvalid(fmt.Errorf("MASTER_KEY requires TOOLSET_NAME"))
	}
	if toolsetKey != "" && toolsetName != "" {
		return edgeerr.MakeConfigInvalid(fmt.Errorf("TOOLSET_KEY must not be combined with TOOLSET_NAME"))
	}

	if masterKey == "" && toolsetKey == "" {
		if m.standalone {
			m.logger.Warn(ctx, "no credentials configured, continuing in standalone mode")
		} else {
			return edgeerr.MakeConfigInvalid(fmt.Errorf("no credentials configured: set MASTER_KEY or TOOLSET_KEY"))
		}
	}

	m.mu.Lock()
	m.creds = domain.Credentials{
		MasterKey:   masterKey,
		ToolsetName: toolsetName,
		ToolsetKey:  toolsetKey,
		SkillKey:    os.Getenv("RUNTIME_KEY"),
	}
	m.mu.Unlock()
	return nil
}

// Handshake authenticates against the well-known control-plane subject and,
// on success, populates the runtime identity.
func (m *Manager) Handshake(ctx context.Context, key string, nature domain.IdentityNature, name string) error {
	m.mu.Lock()
	m.state = StateAuthenticating
	m.mu.Unlock()

	req := handshakeRequest{
		Key:      key,
		Nature:   string(nature),
		Name:     name,
		PID:      os.Getpid(),
		HostIP:   localHostIP(),
		Hostname: hostname(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return edgeerr.MakeFatal(fmt.Errorf("identity: marshal handshake request: %w", err))
	}

	reply, err := m.requester.Request(ctx, bus.Handshake, body, handshakeTimeout)
	if err != nil {
		m.mu.Lock()
		m.state = StateUnauthenticated
		m.mu.Unlock()
		return edgeerr.MakeAuthFailed(fmt.Errorf("identity: handshake request failed: %w", err))
	}

	var resp handshakeResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		m.mu.Lock()
		m.state = StateUnauthenticated
		m.mu.Unlock()
		return edgeerr.MakeAuthFailed(fmt.Errorf("identity: decode handshake response: %w", err))
	}
	if resp.Error != "" {
		m.mu.Lock()
		m.state = StateUnauthenticated
		m.mu.Unlock()
		return edgeerr.MakeAuthFailed(fmt.Errorf("identity: handshake rejected: %s", resp.Error))
	}

	m.mu.Lock()
	m.state = StateAuthenticated
	m.identity = domain.RuntimeIdentity{
		ID:          resp.ID,
		WorkspaceID: resp.WorkspaceID,
		Name:        name,
		PID:         req.PID,
		HostIP:      req.HostIP,
		Hostname:    req.Hostname,
	}
	switch nature {
	case domain.NatureToolset:
		m.creds.ToolsetID = resp.ID
	case domain.NatureSkill:
		m.creds.SkillID = resp.ID
	}
	m.mu.Unlock()
	return nil
}

// GetIdentity returns the current identity snapshot.
func (m *Manager) GetIdentity() domain.RuntimeIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// SetCredentials merges non-zero fields of partial into the stored credential set.
func (m *Manager) SetCredentials(partial domain.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partial.MasterKey != "" {
		m.creds.MasterKey = partial.MasterKey
	}
	if partial.ToolsetName != "" {
		m.creds.ToolsetName = partial.ToolsetName
	}
	if partial.ToolsetKey != "" {
		m.creds.ToolsetKey = partial.ToolsetKey
	}
	if partial.SkillKey != "" {
		m.creds.SkillKey = partial.SkillKey
	}
	if partial.AccessToken != "" {
		m.creds.AccessToken = partial.AccessToken
	}
	if partial.BusJWT != "" {
		m.creds.BusJWT = partial.BusJWT
	}
	if partial.ToolsetID != "" {
		m.creds.ToolsetID = partial.ToolsetID
	}
	if partial.SkillID != "" {
		m.creds.SkillID = partial.SkillID
	}
}

// ClearIdentity returns to the unauthenticated state, preserving credentials
// so a re-handshake is possible. The identity's workspace id falls back to
// WORKSPACE_ID, else the literal DEFAULT.
func (m *Manager) ClearIdentity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateUnauthenticated
	workspaceID := os.Getenv("WORKSPACE_ID")
	if workspaceID == "" {
		workspaceID = domain.DefaultWorkspaceID
	}
	m.identity = domain.RuntimeIdentity{WorkspaceID: workspaceID}
}

// HasValidAuth reports whether the manager is in the authenticated state.
func (m *Manager) HasValidAuth() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateAuthenticated
}

// State returns the current state-machine node.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Credentials returns a copy of the current credential set.
func (m *Manager) Credentials() domain.Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

// ValidateCredentialHeaders applies the session-auth mutual-exclusion rules
// from SPEC_FULL.md §4.7.1 (identical to LoadFromEnvironment's) to the
// headers a consumer session presents, returning the handshake key and the
// name to present alongside it (the toolset name, when authenticating via a
// master key; empty when authenticating directly via a toolset key).
func ValidateCredentialHeaders(masterKey, toolsetKey, toolsetName string) (key, name string, err error) {
	if masterKey != "" && toolsetKey != "" {
		return "", "", edgeerr.MakeConfigInvalid(fmt.Errorf("master_key and toolset_key are mutually exclusive"))
	}
	if masterKey != "" && toolsetName == "" {
		return "", "", edgeerr.MakeConfigInvalid(fmt.Errorf("master_key requires toolset_name"))
	}
	if toolsetKey != "" && toolsetName != "" {
		return "", "", edgeerr.MakeConfigInvalid(fmt.Errorf("toolset_key must not be combined with toolset_name"))
	}
	switch {
	case masterKey != "":
		return masterKey, toolsetName, nil
	case toolsetKey != "":
		return toolsetKey, "", nil
	default:
		return "", "", edgeerr.MakeAuthFailed(fmt.Errorf("no credentials supplied"))
	}
}

// PerformHandshake executes a stateless handshake exchange against the
// control-plane subject, independent of any process-wide Manager. The
// Consumer Session Manager uses this to authenticate each session in
// isolation (SPEC_FULL.md §4.7.1), since a session's identity is unrelated
// to the runtime's own.
func PerformHandshake(ctx context.Context, requester Requester, key string, nature domain.IdentityNature, name string) (domain.RuntimeIdentity, error) {
	req := handshakeRequest{
		Key:      key,
		Nature:   string(nature),
		Name:     name,
		PID:      os.Getpid(),
		HostIP:   localHostIP(),
		Hostname: hostname(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return domain.RuntimeIdentity{}, edgeerr.MakeFatal(fmt.Errorf("identity: marshal handshake request: %w", err))
	}

	reply, err := requester.Request(ctx, bus.Handshake, body, handshakeTimeout)
	if err != nil {
		return domain.RuntimeIdentity{}, edgeerr.MakeAuthFailed(fmt.Errorf("identity: handshake request failed: %w", err))
	}

	var resp handshakeResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return domain.RuntimeIdentity{}, edgeerr.MakeAuthFailed(fmt.Errorf("identity: decode handshake response: %w", err))
	}
	if resp.Error != "" {
		return domain.RuntimeIdentity{}, edgeerr.MakeAuthFailed(fmt.Errorf("identity: handshake rejected: %s", resp.Error))
	}

	resolvedName := resp.Name
	if resolvedName == "" {
		resolvedName = name
	}
	return domain.RuntimeIdentity{
		ID:          resp.ID,
		WorkspaceID: resp.WorkspaceID,
		Name:        resolvedName,
		PID:         req.PID,
		HostIP:      req.HostIP,
		Hostname:    req.Hostname,
	}, nil
}

// AuthenticateToolset validates a consumer session's credential headers and
// performs the toolset handshake, returning the session identity to attach
// to its Session Toolset View (SPEC_FULL.md §4.7.1).
func AuthenticateToolset(ctx context.Context, requester Requester, masterKey, toolsetKey, toolsetName string) (domain.ToolsetIdentity, error) {
	key, name, err := ValidateCredentialHeaders(masterKey, toolsetKey, toolsetName)
	if err != nil {
		return domain.ToolsetIdentity{}, err
	}
	runtimeIdentity, err := PerformHandshake(ctx, requester, key, domain.NatureToolset, name)
	if err != nil {
		return domain.ToolsetIdentity{}, err
	}
	return domain.ToolsetIdentity{
		WorkspaceID: runtimeIdentity.WorkspaceID,
		ToolsetID:   runtimeIdentity.ID,
		ToolsetName: runtimeIdentity.Name,
	}, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
