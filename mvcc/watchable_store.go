package mvcc

import (
	"sync"

	"github.com/l-dswatch/mvcc/backend"
	"github.com/l-dswatch/watch"
	"go.uber.org/zap"
)

// WatchableStore is a store that notifies the watchers of a WatcherSet
// after every write.
type WatchableStore struct {
	*store

	// mu is held for writing across a write and the collection of its
	// watchers, and for reading across a watch registration, so that a
	// registration never misses a write it did not observe.
	mu sync.RWMutex

	ws *watch.WatcherSet
}

// NewWatchableStore opens the store kept in b and notifies ws of its writes.
func NewWatchableStore(lg *zap.Logger, b backend.Backend, ws *watch.WatcherSet) (*WatchableStore, error) {
	s, err := NewStore(lg, b)
	if err != nil {
		return nil, err
	}
	ws.ChangeGlobalVersion(uint64(s.Rev()))
	return &WatchableStore{store: s, ws: ws}, nil
}

// WatcherSet returns the watcher set notified by the store.
func (s *WatchableStore) WatcherSet() *watch.WatcherSet { return s.ws }

func (s *WatchableStore) Put(tableID uint64, keys [][]byte, value, extend []byte) (int64, KeyValue, error) {
	s.mu.Lock()
	rev, kv, err := s.store.Put(tableID, keys, value, extend)
	if err != nil {
		s.mu.Unlock()
		return 0, KeyValue{}, err
	}
	s.ws.ChangeGlobalVersion(uint64(rev))
	ws := s.watchersOf(kv.Key)
	s.mu.Unlock()

	s.notify(ws, rev, watch.Event{
		Type:    watch.EventPut,
		Key:     kv.Key,
		Value:   kv.Value,
		Extend:  kv.Extend,
		Version: kv.Version,
	})
	return rev, kv, nil
}

func (s *WatchableStore) Delete(tableID uint64, keys [][]byte) (int64, bool, error) {
	key, err := watch.EncodeKey(tableID, keys)
	if err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	rev, ok, err := s.store.Delete(tableID, keys)
	if err != nil || !ok {
		s.mu.Unlock()
		return rev, ok, err
	}
	s.ws.ChangeGlobalVersion(uint64(rev))
	ws := s.watchersOf(key)
	s.mu.Unlock()

	s.notify(ws, rev, watch.Event{Type: watch.EventDelete, Key: key})
	return rev, true, nil
}

// Watch registers w with the watcher set. A key watcher whose client is
// behind the current version of one of its keys is answered at once with
// the current state of those keys instead, and Watch reports false.
func (s *WatchableStore) Watch(w *watch.Watcher) (bool, error) {
	s.mu.RLock()
	var events []watch.Event
	if w.Type() == watch.KeyWatch {
		var err error
		if events, err = s.staleEvents(w); err != nil {
			s.mu.RUnlock()
			return false, err
		}
	}
	if len(events) == 0 {
		err := s.ws.Register(w)
		s.mu.RUnlock()
		return err == nil, err
	}
	rev := s.Rev()
	s.mu.RUnlock()

	s.notify([]*watch.Watcher{w}, rev, events...)
	return false, nil
}

// staleEvents returns the events of the keys of w that changed since the
// version the client observed.
func (s *WatchableStore) staleEvents(w *watch.Watcher) ([]watch.Event, error) {
	var events []watch.Event
	for _, key := range w.Keys() {
		cur := s.store.keyVersion(key)
		switch {
		case cur > w.KeyVersion():
			kv, err := s.store.getKey(key)
			if err != nil {
				return nil, err
			}
			events = append(events, watch.Event{
				Type:    watch.EventPut,
				Key:     kv.Key,
				Value:   kv.Value,
				Extend:  kv.Extend,
				Version: kv.Version,
			})
		case cur == 0 && w.KeyVersion() > 0:
			events = append(events, watch.Event{
				Type: watch.EventDelete,
				Key:  append([]byte(nil), key...),
			})
		}
	}
	return events, nil
}

func (s *WatchableStore) watchersOf(key []byte) []*watch.Watcher {
	return append(s.ws.GetKeyWatchers(key), s.ws.GetPrefixWatchers(key)...)
}

func (s *WatchableStore) notify(ws []*watch.Watcher, rev int64, events ...watch.Event) {
	resp := &watch.Response{GlobalVersion: uint64(rev), Events: events}
	for _, w := range ws {
		sent, err := s.ws.Deliver(w, resp)
		if err != nil {
			s.lg.Warn(
				"failed to notify watcher",
				zap.Uint64("watcher-id", uint64(w.ID())),
				zap.Int64("revision", rev),
				zap.Error(err),
			)
		}
		if sent {
			notifyCounter.Inc()
		}
	}
}
