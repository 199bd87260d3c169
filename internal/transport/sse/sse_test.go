package sse_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"github.com/edgerun/edgerund/internal/bus"
	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/httphost"
	"github.com/edgerun/edgerund/internal/session"
	"github.com/edgerun/edgerund/internal/transport/sse"
)

type fakeWatch struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeWatch(catalog domain.ToolsetCatalog) *fakeWatch {
	body, _ := json.Marshal(catalog)
	return &fakeWatch{values: map[string]string{"catalog": string(body)}}
}

func (w *fakeWatch) Set(ctx context.Context, key, value string) error {
	w.mu.Lock()
	w.values[key] = value
	w.mu.Unlock()
	return nil
}
func (w *fakeWatch) Get(key string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.values[key]
	return v, ok
}
func (w *fakeWatch) Delete(ctx context.Context, key string) error     { return nil }
func (w *fakeWatch) Keys() []string                                   { return nil }
func (w *fakeWatch) Subscribe() <-chan rmap.EventKind                 { return make(chan rmap.EventKind) }
func (w *fakeWatch) Unsubscribe(ch <-chan rmap.EventKind)             {}

type fakeBusClient struct {
	handshakeReply []byte
}

func (f *fakeBusClient) Publish(ctx context.Context, subject string, payload []byte) error { return nil }
func (f *fakeBusClient) Subscribe(ctx context.Context, subject, group string) (bus.Subscription, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeBusClient) Unsubscribe(ctx context.Context, subject string) error { return nil }
func (f *fakeBusClient) Close(ctx context.Context) error                      { return nil }
func (f *fakeBusClient) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if subject == bus.Handshake {
		return f.handshakeReply, nil
	}
	return nil, errors.New("unexpected request on " + subject)
}

func newHandler(t *testing.T) (*sse.Handler, *session.Manager) {
	t.Helper()
	client := &fakeBusClient{handshakeReply: mustMarshal(t, map[string]string{"id": "0xT", "workspaceId": "0xW", "name": "T"})}
	manager := session.NewManager()
	watch := newFakeWatch(domain.ToolsetCatalog{Tools: []domain.Tool{{ID: "t1", Name: "echo"}}})
	h := sse.New(manager, client, nil, sse.WithWatchFactory(func(ctx context.Context, identity domain.ToolsetIdentity) (bus.Watch, error) {
		return watch, nil
	}))
	return h, manager
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func TestSSE_HandleOpen_RegistersSessionUntilClientDisconnects(t *testing.T) {
	h, manager := newHandler(t)
	router := httphost.New(httphost.Config{})
	h.Mount(router)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/sse", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("toolset_key", "0xK")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	deadline := time.After(time.Second)
	for manager.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected session to be registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Contains(t, rec.Body.String(), "endpoint")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected handler to return after context cancellation")
	}
	assert.Equal(t, 0, manager.Count())
}

func TestSSE_HandleMessage_UnknownSessionReturns404(t *testing.T) {
	h, _ := newHandler(t)
	router := httphost.New(httphost.Config{})
	h.Mount(router)

	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=missing", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSE_HandleDelete_RemovesSession(t *testing.T) {
	h, manager := newHandler(t)
	sess := manager.Register("sse", "0xS")
	sess.Complete(domain.ToolsetIdentity{WorkspaceID: "0xW"}, nil, noopTransport{})

	router := httphost.New(httphost.Config{})
	h.Mount(router)

	req := httptest.NewRequest(http.MethodDelete, "/messages?sessionId=0xS", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "success"))
	_, ok := manager.Get("0xS")
	assert.False(t, ok)
}

type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, frame any) error { return nil }
func (noopTransport) Close(ctx context.Context) error           { return nil }
