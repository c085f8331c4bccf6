package awake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchSetDeliversToEarlyAndLateGet(t *testing.T) {
	w := NewWatch[int]()

	early := make(chan int, 1)
	go func() {
		v, ok := w.Get()
		require.True(t, ok)
		early <- v
	}()

	time.Sleep(10 * time.Millisecond)
	w.Set(42)

	select {
	case v := <-early:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("early Get never returned")
	}

	// Late subscriber sees the same value without blocking.
	v, ok := w.Get()
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestWatchSetIsStickyAndSetOnceOnly(t *testing.T) {
	w := NewWatch[string]()
	w.Set("first")
	w.Set("second") // no-op

	v, ok := w.Get()
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestWatchCloseWithoutValue(t *testing.T) {
	w := NewWatch[int]()
	w.Close()

	_, ok := w.Get()
	assert.False(t, ok)
	assert.True(t, w.Resolved())
}

func TestWatchReadySelectable(t *testing.T) {
	w := NewWatch[int]()
	select {
	case <-w.Ready():
		t.Fatal("Ready() must not be closed before Set/Close")
	default:
	}
	w.Set(7)
	select {
	case <-w.Ready():
	default:
		t.Fatal("Ready() must be closed after Set")
	}
}
