// Package skillrunner implements the Smart-Skill Runner (SPEC_FULL.md
// §4.3): a single chat(userMessages) -> string operation backed by one LLM
// turn. Grounded on haasonsaas-nexus's internal/agent/providers/anthropic.go
// for the anthropic-sdk-go client/params shape, adapted to a single
// non-streaming turn since the runner has no incoming bus subscriptions of
// its own and is invoked exclusively through the Dispatcher.
package skillrunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
)

// ChatModel performs one LLM turn. Satisfied by anthropicModel; isolated so
// tests can substitute a fake without network access.
type ChatModel interface {
	Chat(ctx context.Context, cfg domain.ModelConfig, userMessages []string) (string, error)
}

type anthropicModel struct {
	client anthropic.Client
}

// NewAnthropicModel constructs a ChatModel backed by the Anthropic API.
func NewAnthropicModel(apiKey string) ChatModel {
	return &anthropicModel{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (m *anthropicModel) Chat(ctx context.Context, cfg domain.ModelConfig, userMessages []string) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(userMessages))
	for _, msg := range userMessages {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg)))
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: cfg.SystemPrompt}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("skillrunner: anthropic completion: %w", err)
	}

	var out string
	for _, block := range resp.Content {
		if text := block.AsText(); text.Text != "" {
			out += text.Text
		}
	}
	return out, nil
}

// Runner is the Smart-Skill Runner. It holds no bus subscriptions of its
// own: the Dispatcher invokes Chat directly on the runtime-scoped skill
// subject.
type Runner struct {
	desired domain.DesiredSkill
	model   ChatModel
}

// New constructs a Runner for the given desired skill.
func New(desired domain.DesiredSkill, model ChatModel) *Runner {
	return &Runner{desired: desired, model: model}
}

// Chat performs one LLM turn with the skill's configured model and prompt.
func (r *Runner) Chat(ctx context.Context, userMessages []string) (string, error) {
	out, err := r.model.Chat(ctx, r.desired.Model, userMessages)
	if err != nil {
		return "", edgeerr.MakeCallFailed(err)
	}
	return out, nil
}

// ID returns the desired skill's id.
func (r *Runner) ID() string { return r.desired.ID }

// Desired returns the snapshot the runner was constructed from.
func (r *Runner) Desired() domain.DesiredSkill { return r.desired }

// ConfigSignature is a deterministic digest of the skill's model
// configuration and tool references, used by the Reconciler as an equality
// check analogous to the Provider Runner's.
func ConfigSignature(desired domain.DesiredSkill) string {
	h := sha256.New()
	fmt.Fprintf(h, "model=%s;temp=%f;maxTokens=%d;prompt=%s",
		desired.Model.Model, desired.Model.Temperature, desired.Model.MaxTokens, desired.Model.SystemPrompt)
	toolsJSON, _ := json.Marshal(desired.Tools)
	h.Write(toolsJSON)
	return hex.EncodeToString(h.Sum(nil))
}
