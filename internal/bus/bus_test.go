package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(kind string) Envelope {
	return Envelope{Kind: kind, Publisher: "test", Time: time.Now(), Payload: json.RawMessage(`{}`)}
}

func TestSubscribeReceivesOnlyFutureEnvelopes(t *testing.T) {
	b := New(16)
	b.Publish(env("before"))

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(env("after"))

	d := sub.Next()
	require.NotNil(t, d.Envelope)
	require.Equal(t, "after", d.Envelope.Kind)
}

func TestReplayReturnsNewestLast(t *testing.T) {
	b := New(2)
	b.Publish(env("a"))
	b.Publish(env("b"))
	b.Publish(env("c"))

	got := b.Replay(10)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Kind)
	require.Equal(t, "c", got[1].Kind)
}

func TestPublishOrderPreservedPerPublisher(t *testing.T) {
	b := New(16)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(env("1"))
	b.Publish(env("2"))
	b.Publish(env("3"))

	var kinds []string
	for i := 0; i < 3; i++ {
		d := sub.Next()
		require.NotNil(t, d.Envelope)
		kinds = append(kinds, d.Envelope.Kind)
	}
	require.Equal(t, []string{"1", "2", "3"}, kinds)
}

func TestSlowSubscriberGetsLostEventsHintInsteadOfBlockingPublisher(t *testing.T) {
	b := New(16)
	b.subCapacity = 1
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(env("x"))
	}

	// The 1-slot channel holds the first envelope and the other four are
	// counted as lost, so exactly two deliveries are available: the
	// LostEvents hint and then that first envelope.
	saw := false
	for i := 0; i < 2; i++ {
		d := sub.Next()
		if d.Lost != nil && d.Lost.Count > 0 {
			saw = true
		}
	}
	require.True(t, saw, "expected a LostEvents hint for the lagging subscriber")
}

func TestReplaySinceUnknownIDReturnsNotOK(t *testing.T) {
	b := New(4)
	b.Publish(env("a"))

	_, ok := b.ReplaySince("does-not-exist")
	require.False(t, ok)
}

func TestReplaySinceKnownIDReturnsRemainder(t *testing.T) {
	b := New(8)
	b.Publish(env("a"))
	first := b.Replay(1)[0]
	b.Publish(env("b"))
	b.Publish(env("c"))

	rest, ok := b.ReplaySince(first.ID)
	require.True(t, ok)
	require.Len(t, rest, 2)
	require.Equal(t, "b", rest[0].Kind)
	require.Equal(t, "c", rest[1].Kind)
}
