package observable_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/edgerund/internal/observable"
)

func TestValue_SubscribeReceivesCurrentValue(t *testing.T) {
	v := observable.NewValue[int]()
	v.Set(42)

	ch, unsub := v.Subscribe()
	defer unsub()

	select {
	case got := <-ch:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("expected current value on subscribe")
	}
}

func TestValue_SubscribeBeforeAnyValue(t *testing.T) {
	v := observable.NewValue[string]()
	ch, unsub := v.Subscribe()
	defer unsub()

	select {
	case <-ch:
		t.Fatal("expected no value yet")
	case <-time.After(50 * time.Millisecond):
	}

	v.Set("hello")
	select {
	case got := <-ch:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("expected value after Set")
	}
}

func TestValue_SlowSubscriberSeesOnlyLatest(t *testing.T) {
	v := observable.NewValue[int]()
	ch, unsub := v.Subscribe()
	defer unsub()

	v.Set(1)
	v.Set(2)
	v.Set(3)

	select {
	case got := <-ch:
		assert.Equal(t, 3, got, "a subscriber that hasn't drained yet should see only the latest value")
	case <-time.After(time.Second):
		t.Fatal("expected a value")
	}
}

func TestValue_UnsubscribeIdempotent(t *testing.T) {
	v := observable.NewValue[int]()
	_, unsub := v.Subscribe()
	unsub()
	require.NotPanics(t, unsub)
}

func TestValue_CloseClosesSubscribers(t *testing.T) {
	v := observable.NewValue[int]()
	ch, unsub := v.Subscribe()
	defer unsub()

	v.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel closed")
	}

	// Set after Close is a no-op, doesn't panic.
	require.NotPanics(t, func() { v.Set(1) })
}
