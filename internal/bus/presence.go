package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"
)

// Presence tracks heartbeats for identities keyed by id, grounded on
// registry/health_tracker.go's distributed-ticker ping/pong design: only one
// node in the pool sends a ping at a time, with automatic failover if that
// node dies, and "healthy" is derived from the staleness of the last pong
// rather than from a live round trip.
type Presence interface {
	// StartHeartbeat registers id for presence tracking across every node
	// sharing this pool; safe to call more than once for the same id.
	StartHeartbeat(ctx context.Context, id string, interval time.Duration) error
	// StopHeartbeat unregisters id. The local ticker is stopped but, if
	// other nodes still track id, their tickers keep running.
	StopHeartbeat(id string)
	// RecordPong records a pong from id.
	RecordPong(ctx context.Context, id string) error
	// IsAlive reports whether id ponged within threshold of interval.
	IsAlive(id string, threshold time.Duration) bool
	Close() error
}

type presence struct {
	healthMap *rmapWatch
	node      *pool.Node

	mu      sync.Mutex
	tickers map[string]*pool.Ticker
	cancels map[string]context.CancelFunc
}

// NewPresence joins a replicated health map and a distributed-ticker pool
// node named poolName, both backed by rdb.
func NewPresence(ctx context.Context, poolName string, rdb *redis.Client) (Presence, error) {
	w, err := JoinWatch(ctx, poolName+":health", rdb)
	if err != nil {
		return nil, err
	}
	node, err := pool.AddNode(ctx, poolName, rdb)
	if err != nil {
		return nil, fmt.Errorf("bus: join presence pool %q: %w", poolName, err)
	}
	return &presence{
		healthMap: w.(*rmapWatch),
		node:      node,
		tickers:   make(map[string]*pool.Ticker),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

func (p *presence) StartHeartbeat(ctx context.Context, id string, interval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tickers[id]; ok {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	ticker, err := p.node.NewTicker(loopCtx, "presence:"+id, interval)
	if err != nil {
		cancel()
		return fmt.Errorf("bus: create presence ticker for %q: %w", id, err)
	}
	p.tickers[id] = ticker
	p.cancels[id] = cancel
	go p.runPingLoop(loopCtx, id, ticker)
	return nil
}

func (p *presence) runPingLoop(ctx context.Context, id string, ticker *pool.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.RecordPong(ctx, id)
		}
	}
}

func (p *presence) StopHeartbeat(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
	if ticker, ok := p.tickers[id]; ok {
		ticker.Stop()
		delete(p.tickers, id)
	}
}

func (p *presence) RecordPong(ctx context.Context, id string) error {
	return p.healthMap.Set(ctx, id, strconv.FormatInt(time.Now().UnixNano(), 10))
}

func (p *presence) IsAlive(id string, threshold time.Duration) bool {
	val, ok := p.healthMap.Get(id)
	if !ok {
		return false
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false
	}
	return time.Since(time.Unix(0, ts)) <= threshold
}

func (p *presence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	for id, ticker := range p.tickers {
		ticker.Stop()
		delete(p.tickers, id)
	}
	return nil
}
