package watch

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ids(ws []*Watcher) []WatcherID {
	ret := make([]WatcherID, 0, len(ws))
	for _, w := range ws {
		ret = append(ret, w.ID())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func TestWatcherIndexAddRemove(t *testing.T) {
	wi := newWatcherIndex(false)
	deadline := time.Now().Add(time.Minute)
	w1 := newTestWatcher(t, KeyWatch, newRecordingSession(1), deadline, "k")
	w2 := newTestWatcher(t, KeyWatch, newRecordingSession(2), deadline, "k")

	require.NoError(t, wi.add([]byte("k"), w1))
	require.NoError(t, wi.add([]byte("k"), w2))
	require.Equal(t, ErrDuplicateWatcher, wi.add([]byte("k"), w1))
	require.Equal(t, ErrEmptyKey, wi.add(nil, w1))
	require.Equal(t, []WatcherID{1, 2}, ids(wi.get([]byte("k"))))
	require.True(t, wi.consistent())

	got, err := wi.remove([]byte("k"), 1)
	require.NoError(t, err)
	require.Equal(t, w1, got)
	require.Equal(t, []WatcherID{2}, ids(wi.get([]byte("k"))))

	_, err = wi.remove([]byte("k"), 1)
	require.Equal(t, ErrWatcherNotFound, err, "second removal")
	_, err = wi.remove([]byte("missing"), 2)
	require.Equal(t, ErrWatcherNotFound, err)

	_, err = wi.remove([]byte("k"), 2)
	require.NoError(t, err)
	keys, watchers := wi.size()
	require.Zero(t, keys, "empty buckets are dropped")
	require.Zero(t, watchers)
	require.NotNil(t, wi.get([]byte("k")))
	require.Empty(t, wi.get([]byte("k")))
	require.True(t, wi.consistent())
}

func TestWatcherIndexExactDoesNotMatchPrefix(t *testing.T) {
	wi := newWatcherIndex(false)
	w := newTestWatcher(t, KeyWatch, newRecordingSession(1), time.Now().Add(time.Minute), "a/")
	require.NoError(t, wi.add([]byte("a/"), w))
	require.Empty(t, wi.get([]byte("a/b")))
	require.Len(t, wi.get([]byte("a/")), 1)
}

func TestWatcherIndexPrefix(t *testing.T) {
	wi := newWatcherIndex(true)
	deadline := time.Now().Add(time.Minute)
	wa := newTestWatcher(t, PrefixWatch, newRecordingSession(1), deadline, "a/")
	wab := newTestWatcher(t, PrefixWatch, newRecordingSession(2), deadline, "a/b")
	wff := newTestWatcher(t, PrefixWatch, newRecordingSession(3), deadline, "\xff\xff")
	wa2 := newTestWatcher(t, PrefixWatch, newRecordingSession(4), deadline, "a\xff")

	require.NoError(t, wi.add([]byte("a/"), wa))
	require.NoError(t, wi.add([]byte("a/b"), wab))
	require.NoError(t, wi.add([]byte("\xff\xff"), wff))
	require.NoError(t, wi.add([]byte("a\xff"), wa2))

	require.Equal(t, []WatcherID{1, 2}, ids(wi.get([]byte("a/b"))))
	require.Equal(t, []WatcherID{1, 2}, ids(wi.get([]byte("a/bc"))))
	require.Equal(t, []WatcherID{1}, ids(wi.get([]byte("a/"))))
	require.Equal(t, []WatcherID{1}, ids(wi.get([]byte("a/c"))))
	require.Empty(t, wi.get([]byte("b/c")))
	require.Empty(t, wi.get([]byte("a")))
	require.Equal(t, []WatcherID{3}, ids(wi.get([]byte("\xff\xff\x01"))))
	require.Empty(t, wi.get([]byte("\xff")))
	require.Equal(t, []WatcherID{4}, ids(wi.get([]byte("a\xff\xff"))))

	_, err := wi.remove([]byte("a/"), 1)
	require.NoError(t, err)
	require.Equal(t, []WatcherID{2}, ids(wi.get([]byte("a/b"))))
	_, err = wi.remove([]byte("\xff\xff"), 3)
	require.NoError(t, err)
	require.Empty(t, wi.get([]byte("\xff\xff\x01")))
	require.True(t, wi.consistent())
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		end    string
		ok     bool
	}{
		{"a", "b", true},
		{"a/", "a0", true},
		{"a\xff", "b", true},
		{"\xff", "", false},
		{"\xff\xff", "", false},
	}
	for _, tt := range tests {
		end, ok := prefixEnd(tt.prefix)
		require.Equal(t, tt.ok, ok, "%q", tt.prefix)
		require.Equal(t, tt.end, end, "%q", tt.prefix)
	}
}

func TestWatcherIndexRemoveAll(t *testing.T) {
	wi := newWatcherIndex(false)
	deadline := time.Now().Add(time.Minute)
	w := newTestWatcher(t, KeyWatch, newRecordingSession(1), deadline, "k1", "k2", "k3")
	other := newTestWatcher(t, KeyWatch, newRecordingSession(2), deadline, "k2")

	for _, k := range w.Keys() {
		require.NoError(t, wi.add(k, w))
	}
	require.NoError(t, wi.add([]byte("k2"), other))
	require.ElementsMatch(t, []string{"k1", "k2", "k3"}, wi.keysOf(1))

	removed := wi.removeAll(1)
	require.Equal(t, []*Watcher{w}, removed)
	for _, k := range []string{"k1", "k2", "k3"} {
		for _, got := range wi.get([]byte(k)) {
			require.NotEqual(t, WatcherID(1), got.ID(), "key %s", k)
		}
	}
	require.Empty(t, wi.keysOf(1))
	require.Equal(t, []WatcherID{2}, ids(wi.get([]byte("k2"))))
	require.Empty(t, wi.removeAll(1))
	require.True(t, wi.consistent())
}

func TestWatcherIndexRemoveWatcherChecksIdentity(t *testing.T) {
	wi := newWatcherIndex(false)
	deadline := time.Now().Add(time.Minute)
	s := newRecordingSession(1)
	w1 := newTestWatcher(t, KeyWatch, s, deadline, "a")
	w2 := newTestWatcher(t, KeyWatch, s, deadline, "b")
	require.NoError(t, wi.add([]byte("a"), w1))
	require.NoError(t, wi.add([]byte("b"), w2))

	// w2 shares the session but must not take w1's key with it
	impostor := newTestWatcher(t, KeyWatch, s, deadline, "a", "b")
	require.Zero(t, wi.removeWatcher(impostor))
	require.True(t, wi.holds(w1))

	require.Equal(t, 1, wi.removeWatcher(w1))
	require.False(t, wi.holds(w1))
	require.True(t, wi.holds(w2))
	require.True(t, wi.consistent())
}

func TestWatcherIndexRandomConsistency(t *testing.T) {
	for _, prefix := range []bool{false, true} {
		t.Run(fmt.Sprintf("prefix=%v", prefix), func(t *testing.T) {
			typ := KeyWatch
			if prefix {
				typ = PrefixWatch
			}
			wi := newWatcherIndex(prefix)
			r := rand.New(rand.NewSource(1))
			deadline := time.Now().Add(time.Minute)

			watchers := make([]*Watcher, 8)
			for i := range watchers {
				watchers[i] = newTestWatcher(t, typ, newRecordingSession(WatcherID(i)), deadline, "x")
			}
			for i := 0; i < 2000; i++ {
				w := watchers[r.Intn(len(watchers))]
				key := []byte{'k', byte(r.Intn(6))}
				switch r.Intn(5) {
				case 0, 1:
					_ = wi.add(key, w)
				case 2, 3:
					_, _ = wi.remove(key, w.ID())
				case 4:
					wi.removeAll(w.ID())
				}
				require.True(t, wi.consistent(), "step %d", i)
			}
		})
	}
}
