package watch

import (
	"bytes"
	"sync"

	"go.etcd.io/etcd/pkg/adt"
)

// watcherValue holds the watchers registered on one key.
type watcherValue struct {
	// keyVersion is the highest key version reported by a watcher
	// registering on the key.
	keyVersion int64
	watchers   map[WatcherID]*Watcher
}

// watcherKeys is the reverse entry of one watcher: every key it occupies
// and the key version it registered with.
type watcherKeys map[string]int64

// watcherIndex maps watched keys to their watchers. The prefix flavour
// matches every registered prefix of a looked up key; the exact flavour
// only the key itself.
type watcherIndex struct {
	mu sync.Mutex

	prefix bool

	forward map[string]*watcherValue
	reverse map[WatcherID]watcherKeys

	// ranges holds [prefix, prefixEnd) for bounded prefixes.
	ranges adt.IntervalTree
	// unbounded holds prefixes made only of 0xff bytes, which have no end.
	unbounded map[string]struct{}
}

func newWatcherIndex(prefix bool) *watcherIndex {
	return &watcherIndex{
		prefix:    prefix,
		forward:   make(map[string]*watcherValue),
		reverse:   make(map[WatcherID]watcherKeys),
		ranges:    adt.NewIntervalTree(),
		unbounded: make(map[string]struct{}),
	}
}

// add registers w on key.
func (wi *watcherIndex) add(key []byte, w *Watcher) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	k := string(key)

	wi.mu.Lock()
	defer wi.mu.Unlock()

	v := wi.forward[k]
	if v != nil {
		if _, ok := v.watchers[w.ID()]; ok {
			return ErrDuplicateWatcher
		}
	} else {
		v = &watcherValue{
			keyVersion: w.KeyVersion(),
			watchers:   make(map[WatcherID]*Watcher),
		}
		wi.forward[k] = v
		if wi.prefix {
			wi.insertRange(k)
		}
	}
	if w.KeyVersion() > v.keyVersion {
		v.keyVersion = w.KeyVersion()
	}
	v.watchers[w.ID()] = w

	keys := wi.reverse[w.ID()]
	if keys == nil {
		keys = make(watcherKeys)
		wi.reverse[w.ID()] = keys
	}
	keys[k] = w.KeyVersion()
	return nil
}

// remove unregisters the watcher id from key and returns the watcher that
// was registered.
func (wi *watcherIndex) remove(key []byte, id WatcherID) (*Watcher, error) {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	w := wi.unsafeRemove(string(key), id, nil)
	if w == nil {
		return nil, ErrWatcherNotFound
	}
	return w, nil
}

// unsafeRemove removes id from key. If only is set the entry is removed
// only when it belongs to that watcher.
func (wi *watcherIndex) unsafeRemove(k string, id WatcherID, only *Watcher) *Watcher {
	v := wi.forward[k]
	if v == nil {
		return nil
	}
	w, ok := v.watchers[id]
	if !ok || (only != nil && w != only) {
		return nil
	}
	delete(v.watchers, id)
	if len(v.watchers) == 0 {
		delete(wi.forward, k)
		if wi.prefix {
			wi.deleteRange(k)
		}
	}

	if keys := wi.reverse[id]; keys != nil {
		delete(keys, k)
		if len(keys) == 0 {
			delete(wi.reverse, id)
		}
	}
	return w
}

// removeWatcher unregisters w from every key it registered on and returns
// the number of keys it was removed from.
func (wi *watcherIndex) removeWatcher(w *Watcher) int {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	n := 0
	for _, k := range w.Keys() {
		if wi.unsafeRemove(string(k), w.ID(), w) != nil {
			n++
		}
	}
	return n
}

// removeKey unregisters w from key if w itself is registered there.
func (wi *watcherIndex) removeKey(key []byte, w *Watcher) bool {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	return wi.unsafeRemove(string(key), w.ID(), w) != nil
}

// removeAll unregisters the watcher id from every key it occupies, found
// through the reverse index, and returns the distinct watchers removed.
func (wi *watcherIndex) removeAll(id WatcherID) []*Watcher {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	var ws []*Watcher
	for k := range wi.reverse[id] {
		w := wi.unsafeRemove(k, id, nil)
		if w == nil {
			continue
		}
		dup := false
		for _, o := range ws {
			if o == w {
				dup = true
				break
			}
		}
		if !dup {
			ws = append(ws, w)
		}
	}
	return ws
}

// holds reports whether w is still registered on any of its keys.
func (wi *watcherIndex) holds(w *Watcher) bool {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	for _, k := range w.Keys() {
		if v := wi.forward[string(k)]; v != nil && v.watchers[w.ID()] == w {
			return true
		}
	}
	return false
}

// get returns the watchers that should be notified of a change to key.
func (wi *watcherIndex) get(key []byte) []*Watcher {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	if !wi.prefix {
		v := wi.forward[string(key)]
		if v == nil {
			return []*Watcher{}
		}
		return appendWatchers(make([]*Watcher, 0, len(v.watchers)), v)
	}

	ret := []*Watcher{}
	for _, iv := range wi.ranges.Stab(adt.NewStringAffinePoint(string(key))) {
		ret = appendWatchers(ret, wi.forward[iv.Val.(string)])
	}
	for p := range wi.unbounded {
		if bytes.HasPrefix(key, []byte(p)) {
			ret = appendWatchers(ret, wi.forward[p])
		}
	}
	return ret
}

func appendWatchers(ws []*Watcher, v *watcherValue) []*Watcher {
	if v == nil {
		return ws
	}
	for _, w := range v.watchers {
		ws = append(ws, w)
	}
	return ws
}

// keysOf returns the keys the watcher id occupies.
func (wi *watcherIndex) keysOf(id WatcherID) []string {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	keys := make([]string, 0, len(wi.reverse[id]))
	for k := range wi.reverse[id] {
		keys = append(keys, k)
	}
	return keys
}

// size returns the number of watched keys and of distinct watchers.
func (wi *watcherIndex) size() (keys, watchers int) {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	return len(wi.forward), len(wi.reverse)
}

func (wi *watcherIndex) insertRange(prefix string) {
	end, ok := prefixEnd(prefix)
	if !ok {
		wi.unbounded[prefix] = struct{}{}
		return
	}
	wi.ranges.Insert(adt.NewStringAffineInterval(prefix, end), prefix)
}

func (wi *watcherIndex) deleteRange(prefix string) {
	end, ok := prefixEnd(prefix)
	if !ok {
		delete(wi.unbounded, prefix)
		return
	}
	if !wi.ranges.Delete(adt.NewStringAffineInterval(prefix, end)) {
		panic("watch: could not remove prefix from interval tree")
	}
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix. ok is false when no such key exists.
func prefixEnd(prefix string) (end string, ok bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// consistent reports whether the forward and reverse maps describe the
// same registrations.
func (wi *watcherIndex) consistent() bool {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	n := 0
	for k, v := range wi.forward {
		if len(v.watchers) == 0 {
			return false
		}
		for id, w := range v.watchers {
			if w.ID() != id {
				return false
			}
			if _, ok := wi.reverse[id][k]; !ok {
				return false
			}
			n++
		}
	}
	m := 0
	for id, keys := range wi.reverse {
		if len(keys) == 0 {
			return false
		}
		for k := range keys {
			v := wi.forward[k]
			if v == nil || v.watchers[id] == nil {
				return false
			}
			m++
		}
	}
	return n == m
}
