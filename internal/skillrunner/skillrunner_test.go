package skillrunner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
	"github.com/edgerun/edgerund/internal/skillrunner"
)

type fakeModel struct {
	out string
	err error
	got []string
}

func (f *fakeModel) Chat(ctx context.Context, cfg domain.ModelConfig, userMessages []string) (string, error) {
	f.got = userMessages
	return f.out, f.err
}

func TestRunner_Chat_ForwardsToModel(t *testing.T) {
	fake := &fakeModel{out: "hello there"}
	r := skillrunner.New(domain.DesiredSkill{ID: "0xSKILL", Model: domain.ModelConfig{Model: "claude-x"}}, fake)

	out, err := r.Chat(context.Background(), []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, []string{"hi"}, fake.got)
}

func TestRunner_Chat_WrapsModelErrorAsCallFailed(t *testing.T) {
	fake := &fakeModel{err: errors.New("rate limited")}
	r := skillrunner.New(domain.DesiredSkill{ID: "0xSKILL"}, fake)

	_, err := r.Chat(context.Background(), []string{"hi"})
	require.Error(t, err)
	code, ok := edgeerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, edgeerr.CallFailed, code)
}

func TestConfigSignature_DiffersOnModel(t *testing.T) {
	a := domain.DesiredSkill{Model: domain.ModelConfig{Model: "claude-a"}}
	b := domain.DesiredSkill{Model: domain.ModelConfig{Model: "claude-b"}}
	assert.NotEqual(t, skillrunner.ConfigSignature(a), skillrunner.ConfigSignature(b))
}

func TestConfigSignature_DiffersOnTools(t *testing.T) {
	a := domain.DesiredSkill{Tools: []domain.ToolRef{{ID: "t1"}}}
	b := domain.DesiredSkill{Tools: []domain.ToolRef{{ID: "t2"}}}
	assert.NotEqual(t, skillrunner.ConfigSignature(a), skillrunner.ConfigSignature(b))
}
