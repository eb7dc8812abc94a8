package observer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateStrictlyIncreasesVersion(t *testing.T) {
	o := New(0, nil)
	o.Update("projects", json.RawMessage(`{"a":1}`))
	o.Update("projects", json.RawMessage(`{"a":2}`))

	m, ok := o.Get("projects")
	require.True(t, ok)
	require.Equal(t, uint64(2), m.Version)
}

func TestIdenticalConsecutiveUpdatesDoNotMutate(t *testing.T) {
	o := New(0, nil)
	o.Update("projects", json.RawMessage(`{"a":1}`))
	o.Update("projects", json.RawMessage(`{"a":1}`))

	m, ok := o.Get("projects")
	require.True(t, ok)
	require.Equal(t, uint64(1), m.Version)
}

func TestETagFormat(t *testing.T) {
	m := Model{Version: 7}
	require.Equal(t, `W/"projects:7"`, m.ETag("projects"))
}

func TestDebouncedUpdateFiresNotifierOnceAfterWindow(t *testing.T) {
	var mu sync.Mutex
	var calls []uint64
	o := New(20*time.Millisecond, func(_ string, version uint64) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, version)
	})

	o.Update("projects", json.RawMessage(`{"a":1}`))
	o.Update("projects", json.RawMessage(`{"a":2}`))
	o.Update("projects", json.RawMessage(`{"a":3}`))

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{3}, calls)
}

func TestUndebouncedUpdateNotifiesImmediately(t *testing.T) {
	var got uint64
	o := New(0, func(_ string, version uint64) { got = version })
	o.Update("projects", json.RawMessage(`{"a":1}`))
	require.Equal(t, uint64(1), got)
}
