// Package bus defines the runtime's messaging contract and a Redis/Pulse
// backed implementation. Every other internal package talks to the bus only
// through the Client/Watch/Presence interfaces here, grounded on
// features/stream/pulse/clients/pulse/client.go and registry/health_tracker.go.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Message is one bus event: a subject-addressed payload plus an optional
// reply subject for request-reply exchanges.
type Message struct {
	Subject string
	ReplyTo string
	Payload []byte

	ackFn func(ctx context.Context) error
}

// Subscription is a live subject subscription. Callers range over Messages
// until Close is called or the underlying stream is torn down.
type Subscription interface {
	Messages() <-chan Message
	Ack(ctx context.Context, msg Message) error
	Close(ctx context.Context)
}

// Client is the runtime's bus contract: publish, subscribe, and
// request-reply over subjects built by the helpers in subjects.go.
type Client interface {
	// Publish sends payload on subject with no reply expected.
	Publish(ctx context.Context, subject string, payload []byte) error
	// Subscribe opens a durable consumer-group subscription on subject.
	Subscribe(ctx context.Context, subject, group string) (Subscription, error)
	// Request publishes payload on subject with a freshly minted reply
	// subject, waits up to timeout for a single reply, and returns its
	// payload. Used for handshake and tool-call request-reply exchanges.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)
	// Unsubscribe tears down any open subscription on subject (idempotent).
	Unsubscribe(ctx context.Context, subject string) error
	Close(ctx context.Context) error
}

// pulseClient implements Client on top of goa.design/pulse streaming,
// mirroring the layering of the teacher's pulse client wrapper: callers hand
// in a Redis connection, the wrapper exposes only the operations the runtime
// needs.
type pulseClient struct {
	redis        *redis.Client
	maxLen       int
	opTimeout    time.Duration
	streams      map[string]*streaming.Stream
	subs         map[string]*streaming.Sink
}

// Option configures a Client constructed by New.
type Option func(*pulseClient)

// WithStreamMaxLen bounds the number of entries kept per stream.
func WithStreamMaxLen(n int) Option {
	return func(c *pulseClient) { c.maxLen = n }
}

// WithOperationTimeout bounds individual publish/request operations.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *pulseClient) { c.opTimeout = d }
}

// New constructs a Pulse/Redis-backed Client.
func New(rdb *redis.Client, opts ...Option) (Client, error) {
	if rdb == nil {
		return nil, errors.New("bus: redis client is required")
	}
	c := &pulseClient{
		redis:   rdb,
		streams: make(map[string]*streaming.Stream),
		subs:    make(map[string]*streaming.Sink),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *pulseClient) stream(subject string) (*streaming.Stream, error) {
	if s, ok := c.streams[subject]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(subject, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: open stream %q: %w", subject, err)
	}
	c.streams[subject] = s
	return s, nil
}

func (c *pulseClient) Publish(ctx context.Context, subject string, payload []byte) error {
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}
	s, err := c.stream(subject)
	if err != nil {
		return err
	}
	_, err = s.Add(ctx, "message", payload)
	if err != nil {
		return fmt.Errorf("bus: publish %q: %w", subject, err)
	}
	return nil
}

func (c *pulseClient) Subscribe(ctx context.Context, subject, group string) (Subscription, error) {
	s, err := c.stream(subject)
	if err != nil {
		return nil, err
	}
	sink, err := s.NewSink(ctx, group, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %q: %w", subject, err)
	}
	c.subs[subject] = sink
	return &pulseSubscription{sink: sink}, nil
}

func (c *pulseClient) Unsubscribe(ctx context.Context, subject string) error {
	sink, ok := c.subs[subject]
	if !ok {
		return nil
	}
	sink.Close(ctx)
	delete(c.subs, subject)
	return nil
}

// Request publishes payload on subject tagged with a fresh reply subject,
// opens a one-shot sink on that reply subject, and waits for the first
// event or timeout. Mirrors the executor's per-call result-stream pattern:
// the sink is created before publish would ever be observed by a racing
// reply, so a fast responder can never be missed.
func (c *pulseClient) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	replySubject := "reply." + uuid.NewString()
	replyStream, err := c.stream(replySubject)
	if err != nil {
		return nil, err
	}
	defer func() { _ = replyStream.Destroy(context.Background()) }()

	sink, err := replyStream.NewSink(ctx, "requester", streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("bus: open reply sink: %w", err)
	}
	defer sink.Close(context.Background())

	envelope := Message{Subject: subject, ReplyTo: replySubject, Payload: payload}
	body, err := encodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if err := c.Publish(ctx, subject, body); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case ev, ok := <-sink.Subscribe():
		if !ok {
			return nil, fmt.Errorf("bus: reply sink closed before response on %q", subject)
		}
		_ = sink.Ack(reqCtx, ev)
		return ev.Payload, nil
	case <-reqCtx.Done():
		return nil, fmt.Errorf("bus: request on %q timed out after %s: %w", subject, timeout, reqCtx.Err())
	}
}

func (c *pulseClient) Close(ctx context.Context) error {
	var errs []error
	for subject, sink := range c.subs {
		sink.Close(ctx)
		delete(c.subs, subject)
	}
	return errors.Join(errs...)
}

type pulseSubscription struct {
	sink *streaming.Sink
	out  chan Message
}

func (s *pulseSubscription) Messages() <-chan Message {
	if s.out != nil {
		return s.out
	}
	s.out = make(chan Message, 16)
	go func() {
		defer close(s.out)
		for ev := range s.sink.Subscribe() {
			event := ev
			env, err := decodeEnvelope(event.Payload)
			if err != nil {
				continue
			}
			env.ackFn = func(ctx context.Context) error { return s.sink.Ack(ctx, event) }
			s.out <- env
		}
	}()
	return s.out
}

func (s *pulseSubscription) Ack(ctx context.Context, msg Message) error {
	if msg.ackFn == nil {
		return nil
	}
	return msg.ackFn(ctx)
}

func (s *pulseSubscription) Close(ctx context.Context) {
	s.sink.Close(ctx)
}
