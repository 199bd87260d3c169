package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/jsonrpc"
	"github.com/edgerun/edgerund/internal/session"
	"github.com/edgerun/edgerund/internal/toolsetview"
)

type fakeWatch struct {
	mu     sync.Mutex
	values map[string]string
	subs   map[chan rmap.EventKind]struct{}
}

func newFakeWatch() *fakeWatch {
	return &fakeWatch{values: make(map[string]string), subs: make(map[chan rmap.EventKind]struct{})}
}

func (w *fakeWatch) Set(ctx context.Context, key, value string) error {
	w.mu.Lock()
	w.values[key] = value
	subs := make([]chan rmap.EventKind, 0, len(w.subs))
	for ch := range w.subs {
		subs = append(subs, ch)
	}
	w.mu.Unlock()
	for _, ch := range subs {
		ch <- rmap.EventKind(0)
	}
	return nil
}

func (w *fakeWatch) Get(key string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.values[key]
	return v, ok
}

func (w *fakeWatch) Delete(ctx context.Context, key string) error {
	w.mu.Lock()
	delete(w.values, key)
	w.mu.Unlock()
	return nil
}

func (w *fakeWatch) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.values))
	for k := range w.values {
		out = append(out, k)
	}
	return out
}

func (w *fakeWatch) Subscribe() <-chan rmap.EventKind {
	ch := make(chan rmap.EventKind, 4)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch
}

func (w *fakeWatch) Unsubscribe(ch <-chan rmap.EventKind) {
	w.mu.Lock()
	for c := range w.subs {
		if c == ch {
			delete(w.subs, c)
			close(c)
		}
	}
	w.mu.Unlock()
}

type fakeBusClient struct{}

func (f *fakeBusClient) Publish(ctx context.Context, subject string, payload []byte) error { return nil }
func (f *fakeBusClient) Subscribe(ctx context.Context, subject, group string) (bus.Subscription, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeBusClient) Unsubscribe(ctx context.Context, subject string) error { return nil }
func (f *fakeBusClient) Close(ctx context.Context) error                      { return nil }
func (f *fakeBusClient) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	return nil, errors.New("no bus traffic expected in this test")
}

func setCatalog(t *testing.T, w *fakeWatch, catalog domain.ToolsetCatalog) {
	t.Helper()
	body, err := json.Marshal(catalog)
	require.NoError(t, err)
	require.NoError(t, w.Set(context.Background(), "catalog", string(body)))
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (t *fakeTransport) Send(ctx context.Context, frame any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, frame)
	return nil
}

func (t *fakeTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func TestManager_RegisterThenComplete_TransitionsStates(t *testing.T) {
	m := session.NewManager()
	sess := m.Register("streamable", "0xS")
	assert.Equal(t, session.StateOpening, sess.State())

	w := newFakeWatch()
	setCatalog(t, w, domain.ToolsetCatalog{Tools: []domain.Tool{{ID: "t1", Name: "echo"}}})
	view := toolsetview.New(context.Background(), domain.ToolsetIdentity{WorkspaceID: "0xW", ToolsetID: "0xT"}, w, &fakeBusClient{})

	sess.Complete(domain.ToolsetIdentity{WorkspaceID: "0xW", ToolsetID: "0xT"}, view, &fakeTransport{})
	assert.Equal(t, session.StateInitializing, sess.State())

	got, ok := m.Get("0xS")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestManager_CloseSession_RemovesAndClosesTransport(t *testing.T) {
	m := session.NewManager()
	sess := m.Register("sse", "0xS")
	transport := &fakeTransport{}
	sess.Complete(domain.ToolsetIdentity{WorkspaceID: "0xW"}, nil, transport)

	require.NoError(t, m.CloseSession(context.Background(), "0xS"))
	assert.Equal(t, session.StateClosed, sess.State())
	assert.True(t, transport.closed)

	_, ok := m.Get("0xS")
	assert.False(t, ok)

	// closing an already-removed id is a no-op, not an error
	require.NoError(t, m.CloseSession(context.Background(), "0xS"))
}

func TestManager_CloseAll_ClosesEverySession(t *testing.T) {
	m := session.NewManager()
	a := m.Register("sse", "a")
	ta := &fakeTransport{}
	a.Complete(domain.ToolsetIdentity{}, nil, ta)
	b := m.Register("streamable", "b")
	tb := &fakeTransport{}
	b.Complete(domain.ToolsetIdentity{}, nil, tb)

	require.NoError(t, m.CloseAll(context.Background()))
	assert.Equal(t, 0, m.Count())
	assert.True(t, ta.closed)
	assert.True(t, tb.closed)
}

func TestHandleRequest_InitializeWaitsForSnapshotThenReady(t *testing.T) {
	w := newFakeWatch()
	setCatalog(t, w, domain.ToolsetCatalog{Tools: []domain.Tool{{ID: "t1", Name: "echo"}}})
	view := toolsetview.New(context.Background(), domain.ToolsetIdentity{WorkspaceID: "0xW", ToolsetID: "0xT"}, w, &fakeBusClient{})

	sess := &session.Session{}
	sess.Complete(domain.ToolsetIdentity{WorkspaceID: "0xW", ToolsetID: "0xT", ToolsetName: "T"}, view, &fakeTransport{})

	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: "initialize"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp := session.HandleRequest(ctx, sess, req)

	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"T"`)
	assert.Equal(t, session.StateReady, sess.State())
}

func TestHandleRequest_ToolsCallRequiresArguments(t *testing.T) {
	w := newFakeWatch()
	setCatalog(t, w, domain.ToolsetCatalog{Tools: []domain.Tool{{ID: "t1", Name: "echo"}}})
	view := toolsetview.New(context.Background(), domain.ToolsetIdentity{WorkspaceID: "0xW", ToolsetID: "0xT"}, w, &fakeBusClient{})

	sess := &session.Session{}
	sess.Complete(domain.ToolsetIdentity{WorkspaceID: "0xW"}, view, &fakeTransport{})

	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`2`), Method: "tools/call", Params: json.RawMessage(`{"name":"echo"}`)}
	resp := session.HandleRequest(context.Background(), sess, req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestHandleRequest_UnknownMethod(t *testing.T) {
	sess := &session.Session{}
	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`3`), Method: "bogus"}
	resp := session.HandleRequest(context.Background(), sess, req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}
