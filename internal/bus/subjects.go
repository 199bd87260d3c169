package bus

import (
	"fmt"

	"github.com/edgerun/edgerund/internal/domain"
)

// Subject scheme (SPEC_FULL.md §6.1). The separator is an implementation
// detail; the tuple order is contractual and each builder below is the one
// and only place that assembles a given subject kind.
const (
	sep = "."
)

// DesiredProviders is the (workspace, runtime) -> providers-publish subject.
func DesiredProviders(workspaceID, runtimeID string) string {
	return join("providers-publish", workspaceID, runtimeID)
}

// DesiredSmartSkills is the (workspace, runtime) -> smart-skills-publish subject.
func DesiredSmartSkills(workspaceID, runtimeID string) string {
	return join("smart-skills-publish", workspaceID, runtimeID)
}

// DiscoveredTools is the (workspace, provider) -> discovered-tools subject.
func DiscoveredTools(workspaceID, providerID string) string {
	return join("discovered-tools", workspaceID, providerID)
}

// ToolsetCatalog is the (workspace, toolset) -> toolset-list-tools subject.
func ToolsetCatalog(workspaceID, toolsetID string) string {
	return join("toolset-list-tools", workspaceID, toolsetID)
}

// SkillCatalog is the (workspace, skill) -> skill-list-tools subject.
func SkillCatalog(workspaceID, skillID string) string {
	return join("skill-list-tools", workspaceID, skillID)
}

// CallToolGlobal is the (tool) -> call-tool subject used for CLOUD
// execution-target tools.
func CallToolGlobal(toolID string) string {
	return join("call-tool", toolID)
}

// CallToolRuntimeScoped is the (workspace, runtime, tool) -> call-tool
// subject used for AGENT execution-target tools.
func CallToolRuntimeScoped(workspaceID, runtimeID, toolID string) string {
	return join("call-tool", workspaceID, runtimeID, toolID)
}

// CallSkill is the (workspace, runtime, skill) -> call-tool subject used for
// smart-skill calls.
func CallSkill(workspaceID, runtimeID, skillID string) string {
	return join("call-tool", workspaceID, runtimeID, skillID)
}

// CatalogSubjectFor picks the toolset- or skill-catalog watch subject for a
// session's authenticated identity (SPEC_FULL.md §4.6), so every consumer
// transport builds it the same way.
func CatalogSubjectFor(identity domain.ToolsetIdentity) string {
	if identity.IsSkillMode() {
		return SkillCatalog(identity.WorkspaceID, identity.SkillID)
	}
	return ToolsetCatalog(identity.WorkspaceID, identity.ToolsetID)
}

// Handshake is the single well-known control-plane request-reply subject.
const Handshake = "control.handshake"

// Presence is the heartbeat/kill subject keyed by identity id.
func Presence(identityID string) string {
	return join("presence", identityID)
}

func join(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

// ResultSubject builds a per-call ephemeral reply subject. It is never part
// of the contractual scheme above; callers mint one per outstanding call and
// pass it as the request's reply-to.
func ResultSubject(callID string) string {
	return fmt.Sprintf("call-result%s%s", sep, callID)
}
