package identity_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
	"github.com/edgerun/edgerund/internal/identity"
)

type fakeRequester struct {
	reply []byte
	err   error
}

func (f *fakeRequester) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	return f.reply, f.err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MASTER_KEY", "TOOLSET_NAME", "TOOLSET_KEY", "RUNTIME_KEY", "WORKSPACE_ID"} {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadFromEnvironment_MasterAndToolsetKeyMutuallyExclusive(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTER_KEY", "mk")
	t.Setenv("TOOLSET_KEY", "tk")

	m := identity.New(&fakeRequester{})
	err := m.LoadFromEnvironment(context.Background())
	require.Error(t, err)
	code, ok := edgeerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, edgeerr.ConfigInvalid, code)
}

func TestLoadFromEnvironment_MasterKeyRequiresToolsetName(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTER_KEY", "mk")

	m := identity.New(&fakeRequester{})
	err := m.LoadFromEnvironment(context.Background())
	require.Error(t, err)
}

func TestLoadFromEnvironment_ToolsetKeyRejectsToolsetName(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOLSET_KEY", "tk")
	t.Setenv("TOOLSET_NAME", "name")

	m := identity.New(&fakeRequester{})
	err := m.LoadFromEnvironment(context.Background())
	require.Error(t, err)
}

func TestLoadFromEnvironment_NoCredentialsFatalByDefault(t *testing.T) {
	clearEnv(t)

	m := identity.New(&fakeRequester{})
	err := m.LoadFromEnvironment(context.Background())
	require.Error(t, err)
}

func TestLoadFromEnvironment_NoCredentialsPermittedInStandaloneMode(t *testing.T) {
	clearEnv(t)

	m := identity.New(&fakeRequester{}, identity.WithStandaloneMode(true))
	err := m.LoadFromEnvironment(context.Background())
	require.NoError(t, err)
}

func TestHandshake_SuccessTransitionsToAuthenticated(t *testing.T) {
	clearEnv(t)
	reply, err := json.Marshal(map[string]string{"id": "0xRUNTIME", "workspaceId": "0xW"})
	require.NoError(t, err)

	m := identity.New(&fakeRequester{reply: reply})
	require.Equal(t, identity.StateUnauthenticated, m.State())

	err = m.Handshake(context.Background(), "key", domain.NatureRuntime, "my-runtime")
	require.NoError(t, err)

	assert.Equal(t, identity.StateAuthenticated, m.State())
	assert.True(t, m.HasValidAuth())
	got := m.GetIdentity()
	assert.Equal(t, "0xRUNTIME", got.ID)
	assert.Equal(t, "0xW", got.WorkspaceID)
}

func TestHandshake_TransportErrorFailsAuth(t *testing.T) {
	m := identity.New(&fakeRequester{err: errors.New("bus unreachable")})
	err := m.Handshake(context.Background(), "key", domain.NatureRuntime, "my-runtime")
	require.Error(t, err)
	code, ok := edgeerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, edgeerr.AuthFailed, code)
	assert.False(t, m.HasValidAuth())
}

func TestHandshake_RejectedResponseFailsAuth(t *testing.T) {
	reply, err := json.Marshal(map[string]string{"error": "unknown key"})
	require.NoError(t, err)

	m := identity.New(&fakeRequester{reply: reply})
	err = m.Handshake(context.Background(), "key", domain.NatureToolset, "")
	require.Error(t, err)
	assert.False(t, m.HasValidAuth())
}

func TestClearIdentity_PreservesCredentialsFallsBackWorkspace(t *testing.T) {
	clearEnv(t)
	reply, err := json.Marshal(map[string]string{"id": "0xRUNTIME", "workspaceId": "0xW"})
	require.NoError(t, err)

	m := identity.New(&fakeRequester{reply: reply})
	m.SetCredentials(domain.Credentials{MasterKey: "mk"})
	require.NoError(t, m.Handshake(context.Background(), "key", domain.NatureRuntime, "rt"))

	m.ClearIdentity()
	assert.Equal(t, identity.StateUnauthenticated, m.State())
	assert.Equal(t, domain.DefaultWorkspaceID, m.GetIdentity().WorkspaceID)
	assert.Equal(t, "mk", m.Credentials().MasterKey)
}

func TestClearIdentity_UsesWorkspaceEnvWhenSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKSPACE_ID", "0xCUSTOM")

	m := identity.New(&fakeRequester{})
	m.ClearIdentity()
	assert.Equal(t, "0xCUSTOM", m.GetIdentity().WorkspaceID)
}
