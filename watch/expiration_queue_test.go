package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpirationQueueOrder(t *testing.T) {
	eq := newExpirationQueue()
	base := time.Unix(1000, 0)

	w3 := newTestWatcher(t, KeyWatch, newRecordingSession(3), base.Add(3*time.Second), "k")
	w1 := newTestWatcher(t, KeyWatch, newRecordingSession(1), base.Add(1*time.Second), "k")
	w2a := newTestWatcher(t, KeyWatch, newRecordingSession(20), base.Add(2*time.Second), "k")
	w2b := newTestWatcher(t, KeyWatch, newRecordingSession(21), base.Add(2*time.Second), "k")

	for _, w := range []*Watcher{w3, w2a, w1, w2b} {
		require.True(t, eq.push(w))
	}
	require.False(t, eq.push(w1), "a watcher is queued once")
	require.Equal(t, 4, eq.len())

	next, ok := eq.next()
	require.True(t, ok)
	require.True(t, next.Equal(base.Add(time.Second)))

	require.Empty(t, eq.popDue(base))
	require.Equal(t, []*Watcher{w1}, eq.popDue(base.Add(time.Second)))
	// equal deadlines fire in insertion order
	require.Equal(t, []*Watcher{w2a, w2b, w3}, eq.popDue(base.Add(time.Hour)))
	require.Zero(t, eq.len())

	_, ok = eq.next()
	require.False(t, ok)
}

func TestExpirationQueueRemove(t *testing.T) {
	eq := newExpirationQueue()
	base := time.Unix(1000, 0)

	var ws []*Watcher
	for i := 0; i < 10; i++ {
		w := newTestWatcher(t, KeyWatch, newRecordingSession(WatcherID(i)), base.Add(time.Duration(10-i)*time.Second), "k")
		ws = append(ws, w)
		eq.push(w)
	}

	require.True(t, eq.remove(ws[9]))
	require.True(t, eq.remove(ws[4]))
	require.False(t, eq.remove(ws[4]), "removing twice is a no-op")
	require.False(t, eq.contains(ws[4]))

	popped := eq.popDue(base.Add(time.Hour))
	require.Len(t, popped, 8)
	for i := 1; i < len(popped); i++ {
		require.False(t, popped[i].Deadline().Before(popped[i-1].Deadline()))
	}
	require.False(t, eq.remove(ws[0]), "removing a popped watcher is a no-op")
}
