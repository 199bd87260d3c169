// Package domain defines the runtime's core data model (SPEC_FULL.md §3).
// Types here are plain data; lifetime and ownership rules are enforced by
// the packages that hold them (reconciler, dispatcher, session), not by
// domain itself.
package domain

import "encoding/json"

// TransportKind identifies how a Desired Provider is reached.
type TransportKind string

const (
	TransportStdio  TransportKind = "STDIO"
	TransportSSE    TransportKind = "SSE"
	TransportStream TransportKind = "STREAM"
)

// ExecutionTarget identifies which runtime is responsible for executing a
// tool call.
type ExecutionTarget string

const (
	ExecutionAgent ExecutionTarget = "AGENT"
	ExecutionCloud ExecutionTarget = "CLOUD"
)

// IdentityNature identifies what kind of principal authenticated.
type IdentityNature string

const (
	NatureRuntime IdentityNature = "runtime"
	NatureToolset IdentityNature = "toolset"
	NatureSkill   IdentityNature = "skill"
)

// AgentExecutorLiteral is returned as executedByIdOrAgent when the local
// identity's nature is not runtime.
const AgentExecutorLiteral = "AGENT"

// DefaultWorkspaceID is used when no workspace id is configured and none was
// assigned by a handshake.
const DefaultWorkspaceID = "DEFAULT"

// InitSkillToolName is the synthetic tool injected as the first entry of
// every skill-as-server catalog.
const InitSkillToolName = "init_skill"

type (
	// RuntimeIdentity is the process-wide identity record (SPEC_FULL.md §3).
	RuntimeIdentity struct {
		ID          string
		WorkspaceID string
		Name        string
		Version     string
		PID         int
		HostIP      string
		Hostname    string
		Platform    string
	}

	// Credentials is the mutable in-memory credential record.
	Credentials struct {
		MasterKey   string
		ToolsetName string
		ToolsetKey  string
		SkillKey    string

		AccessToken string
		BusJWT      string
		ToolsetID   string
		SkillID     string
	}

	// Root is a URI descriptor a consumer advertises to tool providers.
	Root struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}

	// ToolRef identifies one tool within a provider or skill's tool list.
	ToolRef struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	// Tool is a fully described callable tool as presented to consumers.
	// ExecutionTarget and RuntimeID mirror its owning provider's so a
	// session's Toolset View can build the correct call-tool subject (see
	// bus.CallToolGlobal / bus.CallToolRuntimeScoped) without needing to
	// look the provider back up.
	Tool struct {
		ID              string          `json:"id"`
		Name            string          `json:"name"`
		Description     string          `json:"description,omitempty"`
		InputSchema     json.RawMessage `json:"inputSchema,omitempty"`
		Annotations     json.RawMessage `json:"annotations,omitempty"`
		ExecutionTarget ExecutionTarget `json:"executionTarget,omitempty"`
		RuntimeID       string          `json:"runtimeId,omitempty"`
	}

	// DesiredProvider is an immutable snapshot describing one tool provider.
	DesiredProvider struct {
		ID              string
		Name            string
		Transport       TransportKind
		Config          json.RawMessage
		ExecutionTarget ExecutionTarget
		Tools           []ToolRef
	}

	// ModelConfig describes a smart skill's LLM configuration.
	ModelConfig struct {
		Model        string
		Temperature  float64
		MaxTokens    int
		SystemPrompt string
	}

	// DesiredSkill is an immutable snapshot describing one smart skill.
	DesiredSkill struct {
		ID              string
		Name            string
		WorkspaceID     string
		ExecutionTarget ExecutionTarget
		Model           ModelConfig
		Tools           []ToolRef
	}

	// ToolsetIdentity identifies the authenticated principal behind a
	// session: either a toolset or, in skill-as-server mode, a skill.
	ToolsetIdentity struct {
		WorkspaceID string
		ToolsetID   string
		ToolsetName string
		SkillID     string
		SkillName   string
	}

	// SmartSkillTool describes the synthetic single-tool view of a smart
	// skill served as an MCP tool. RuntimeID names the runtime exclusively
	// responsible for this skill's runtime-scoped call-tool subject (see
	// bus.CallSkill) so a session's Toolset View, which only ever sees a
	// control-plane-published snapshot, can still address the call.
	SmartSkillTool struct {
		ID          string
		Name        string
		Description string
		RuntimeID   string
	}

	// ToolsetCatalog is the most recent bus-published list of tools for a
	// toolset or skill.
	ToolsetCatalog struct {
		Tools          []Tool
		Description    *string
		SmartSkillTool *SmartSkillTool
	}
)

// IsSkillMode reports whether the identity denotes skill-as-server mode.
func (t ToolsetIdentity) IsSkillMode() bool { return t.SkillID != "" }
