package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscriber, n int, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(out), n)
		}
	}
	return out
}

func TestEmitIDsAreMonotonicAndGapFree(t *testing.T) {
	e := NewEmitter(200)
	for i := 0; i < 10; i++ {
		e.Emit("tick", i)
	}
	snap := e.Snapshot()
	require.Len(t, snap, 10)
	for i, ev := range snap {
		require.Equal(t, uint64(i+1), ev.ID)
	}
}

func TestBufferBoundedToCapacity(t *testing.T) {
	e := NewEmitter(5)
	for i := 0; i < 12; i++ {
		e.Emit("tick", i)
	}
	snap := e.Snapshot()
	require.Len(t, snap, 5)
	require.Equal(t, uint64(12), snap[len(snap)-1].ID)
	require.Equal(t, uint64(8), snap[0].ID)
}

func TestSubscribeReplaysEventsAfterLastEventID(t *testing.T) {
	e := NewEmitter(200)
	for i := 1; i <= 10; i++ {
		e.Emit("tick", i)
	}
	last := uint64(5)
	sub := e.Subscribe(&last)
	got := drain(t, sub, 5, time.Second)
	for i, ev := range got {
		require.Equal(t, uint64(6+i), ev.ID)
	}
}

func TestSubscribeWithoutLastEventIDGetsOnlyLiveEvents(t *testing.T) {
	e := NewEmitter(200)
	e.Emit("before", nil)
	sub := e.Subscribe(nil)
	e.Emit("after", nil)

	got := drain(t, sub, 1, time.Second)
	require.Equal(t, "after", got[0].Name)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	e := NewEmitter(200)
	sub := e.Subscribe(nil)
	e.Unsubscribe(sub)
	e.Unsubscribe(sub)
	e.Emit("x", nil)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDeliversEndOfStreamToAllSubscribers(t *testing.T) {
	e := NewEmitter(200)
	s1 := e.Subscribe(nil)
	s2 := e.Subscribe(nil)
	e.Close()

	for _, s := range []*Subscriber{s1, s2} {
		got := drain(t, s, 1, time.Second)
		require.True(t, IsEndOfStream(got[0]))
	}
	require.True(t, e.Closed())
}

func TestSubscribeAfterCloseYieldsReplayThenEndOfStream(t *testing.T) {
	e := NewEmitter(200)
	e.Emit("a", nil)
	e.Emit("b", nil)
	e.Close()

	last := uint64(0)
	sub := e.Subscribe(&last)
	got := drain(t, sub, 3, time.Second)
	require.Equal(t, "a", got[0].Name)
	require.Equal(t, "b", got[1].Name)
	require.True(t, IsEndOfStream(got[2]))
}

func TestEmitAfterCloseIsSilentlyRejected(t *testing.T) {
	e := NewEmitter(200)
	e.Close()
	e.Emit("ignored", nil)
	require.Empty(t, e.Snapshot())
}

func TestSlowSubscriberDropsOldestRatherThanBlockingProducer(t *testing.T) {
	e := NewEmitter(200)
	sub := e.Subscribe(nil)

	for i := 0; i < subscriberBuffer+10; i++ {
		e.Emit("tick", i)
	}

	// The producer must not have blocked; the subscriber's queue is full
	// of only the most recent events.
	got := drain(t, sub, subscriberBuffer, time.Second)
	require.Equal(t, 10, got[0].Payload)
}
