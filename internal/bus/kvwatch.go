package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// Watch is the ephemeral key-value watch contract used by the toolset
// catalog and provider health/registry maps. Grounded on
// registry/health_tracker.go's use of *rmap.Map: a replicated map gives
// every node the same view without a central broker, and Subscribe delivers
// change notifications without the watcher needing to poll.
type Watch interface {
	// Set stores value under key, replicating it to every node.
	Set(ctx context.Context, key, value string) error
	// Get returns the current value and whether key is present. Join
	// blocks until the initial replica sync completes, so a Get
	// immediately after JoinWatch reflects every write that happened
	// before the join, not a race against it.
	Get(key string) (string, bool)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Keys lists all currently known keys.
	Keys() []string
	// Subscribe returns a channel of change notifications. Callers must
	// Unsubscribe when done.
	Subscribe() <-chan rmap.EventKind
	Unsubscribe(ch <-chan rmap.EventKind)
}

type rmapWatch struct {
	m *rmap.Map
}

// JoinWatch joins (creating if absent) the named replicated map.
func JoinWatch(ctx context.Context, name string, rdb *redis.Client) (Watch, error) {
	m, err := rmap.Join(ctx, name, rdb)
	if err != nil {
		return nil, fmt.Errorf("bus: join map %q: %w", name, err)
	}
	return &rmapWatch{m: m}, nil
}

func (w *rmapWatch) Set(ctx context.Context, key, value string) error {
	_, err := w.m.Set(ctx, key, value)
	return err
}

func (w *rmapWatch) Get(key string) (string, bool) {
	return w.m.Get(key)
}

func (w *rmapWatch) Delete(ctx context.Context, key string) error {
	_, err := w.m.Delete(ctx, key)
	return err
}

func (w *rmapWatch) Keys() []string {
	return w.m.Keys()
}

func (w *rmapWatch) Subscribe() <-chan rmap.EventKind {
	return w.m.Subscribe()
}

func (w *rmapWatch) Unsubscribe(ch <-chan rmap.EventKind) {
	w.m.Unsubscribe(ch)
}
