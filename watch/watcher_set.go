package watch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// the longest the expiry loop sleeps without checking the queue
	defaultMaxSweepInterval = time.Second
)

type WatcherSetConfig struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// MaxSweepInterval bounds how long the expiry loop sleeps when the
	// nearest deadline is far away or the queue is empty.
	MaxSweepInterval time.Duration
}

// WatcherSet owns the exact-key and prefix watcher indices, the expiration
// queue and the global version. A background loop started by
// NewWatcherSet expires watchers past their deadline until Stop is called.
type WatcherSet struct {
	// globalVersion is accessed atomically and must stay 64-bit aligned.
	globalVersion uint64

	keys     *watcherIndex
	prefixes *watcherIndex
	queue    *expirationQueue

	now              func() time.Time
	maxSweepInterval time.Duration

	// kickc wakes the expiry loop when an earlier deadline is queued.
	kickc chan struct{}

	stopOnce sync.Once
	// stopc is closed to stop the expiry loop.
	stopc chan struct{}
	// donec is closed when the expiry loop exits.
	donec chan struct{}

	lg *zap.Logger
}

// NewWatcherSet creates a watcher set and starts its expiry loop.
func NewWatcherSet(lg *zap.Logger, cfg WatcherSetConfig) *WatcherSet {
	if lg == nil {
		lg = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxSweepInterval <= 0 {
		cfg.MaxSweepInterval = defaultMaxSweepInterval
	}

	ws := &WatcherSet{
		keys:             newWatcherIndex(false),
		prefixes:         newWatcherIndex(true),
		queue:            newExpirationQueue(),
		now:              cfg.Now,
		maxSweepInterval: cfg.MaxSweepInterval,
		kickc:            make(chan struct{}, 1),
		stopc:            make(chan struct{}),
		donec:            make(chan struct{}),
		lg:               lg,
	}
	go ws.runLoop()
	return ws
}

// Stop stops the expiry loop and waits for it to exit. Watchers still
// registered are left undelivered.
func (ws *WatcherSet) Stop() {
	ws.stopOnce.Do(func() { close(ws.stopc) })
	<-ws.donec
}

func (ws *WatcherSet) index(typ WatchType) *watcherIndex {
	if typ == PrefixWatch {
		return ws.prefixes
	}
	return ws.keys
}

// AddKeyWatcher registers w on the exact key.
func (ws *WatcherSet) AddKeyWatcher(key []byte, w *Watcher) error {
	return ws.addWatcher(key, w, KeyWatch)
}

// AddPrefixWatcher registers w on every key starting with prefix.
func (ws *WatcherSet) AddPrefixWatcher(prefix []byte, w *Watcher) error {
	return ws.addWatcher(prefix, w, PrefixWatch)
}

func (ws *WatcherSet) addWatcher(key []byte, w *Watcher, typ WatchType) error {
	if w.Type() != typ {
		return fmt.Errorf("%w: %s watcher added as %s watcher", ErrInvalidWatcher, w.Type(), typ)
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if !w.hasKey(key) {
		return fmt.Errorf("%w: key %q is not watched by watcher %d", ErrInvalidWatcher, key, w.ID())
	}
	if err := ws.index(typ).add(key, w); err != nil {
		if err == ErrDuplicateWatcher {
			watcherDuplicate.Inc()
		}
		return err
	}
	ws.enqueue(w)
	ws.settle(w)
	return nil
}

// settle undoes a registration overtaken by a Deliver or Cancel that ran
// before w was queued.
func (ws *WatcherSet) settle(w *Watcher) {
	if w.Delivered() || !ws.index(w.Type()).holds(w) {
		ws.Cancel(w)
	}
}

func (ws *WatcherSet) enqueue(w *Watcher) {
	if !ws.queue.push(w) {
		return
	}
	watcherGauge.WithLabelValues(w.Type().String()).Inc()
	if next, ok := ws.queue.next(); ok && !w.Deadline().After(next) {
		select {
		case ws.kickc <- struct{}{}:
		default:
		}
	}
}

func (ws *WatcherSet) dequeue(w *Watcher) bool {
	if !ws.queue.remove(w) {
		return false
	}
	watcherGauge.WithLabelValues(w.Type().String()).Dec()
	return true
}

// DelKeyWatcher unregisters the watcher id from key. Once the watcher
// holds no more keys it also leaves the expiration queue.
func (ws *WatcherSet) DelKeyWatcher(key []byte, id WatcherID) error {
	return ws.delWatcher(ws.keys, key, id)
}

// DelPrefixWatcher unregisters the watcher id from prefix.
func (ws *WatcherSet) DelPrefixWatcher(prefix []byte, id WatcherID) error {
	return ws.delWatcher(ws.prefixes, prefix, id)
}

func (ws *WatcherSet) delWatcher(wi *watcherIndex, key []byte, id WatcherID) error {
	w, err := wi.remove(key, id)
	if err != nil {
		return err
	}
	if !wi.holds(w) {
		ws.dequeue(w)
	}
	return nil
}

// GetKeyWatchers returns the watchers registered on key.
func (ws *WatcherSet) GetKeyWatchers(key []byte) []*Watcher {
	return ws.keys.get(key)
}

// GetPrefixWatchers returns the watchers whose prefix is a prefix of key.
func (ws *WatcherSet) GetPrefixWatchers(key []byte) []*Watcher {
	return ws.prefixes.get(key)
}

// Register adds w under each of its keys in the index of its type. If any
// key fails, the keys added so far are rolled back and the error returned.
func (ws *WatcherSet) Register(w *Watcher) error {
	wi := ws.index(w.Type())
	for i, k := range w.Keys() {
		if err := wi.add(k, w); err != nil {
			for _, added := range w.Keys()[:i] {
				wi.removeKey(added, w)
			}
			if err == ErrDuplicateWatcher {
				watcherDuplicate.Inc()
			}
			return err
		}
	}
	ws.enqueue(w)
	ws.settle(w)
	return nil
}

// Cancel removes w from its index and the expiration queue. It reports
// whether w was still registered anywhere. Cancel is safe to call any
// number of times and concurrently with delivery and expiry.
func (ws *WatcherSet) Cancel(w *Watcher) bool {
	n := ws.index(w.Type()).removeWatcher(w)
	queued := ws.dequeue(w)
	return n > 0 || queued
}

// CancelSession removes every watcher of the session id from both indices
// and the expiration queue, and returns how many watchers were removed.
func (ws *WatcherSet) CancelSession(id WatcherID) int {
	removed := append(ws.keys.removeAll(id), ws.prefixes.removeAll(id)...)
	for _, w := range removed {
		ws.dequeue(w)
	}
	return len(removed)
}

// Deliver sends resp to w through its one-shot latch and then removes w
// from the set. It reports whether this call delivered the response.
func (ws *WatcherSet) Deliver(w *Watcher, resp *Response) (bool, error) {
	sent, err := w.Send(resp)
	if sent {
		watcherDelivered.Inc()
	}
	if err != nil {
		sendFailures.Inc()
	}
	ws.Cancel(w)
	return sent, err
}

// ChangeGlobalVersion sets the global version to v if v is greater than
// the current one, and reports whether it did.
func (ws *WatcherSet) ChangeGlobalVersion(v uint64) bool {
	for {
		cur := atomic.LoadUint64(&ws.globalVersion)
		if v <= cur {
			return false
		}
		if atomic.CompareAndSwapUint64(&ws.globalVersion, cur, v) {
			globalVersionGauge.Set(float64(v))
			return true
		}
	}
}

// GlobalVersion returns the current global version.
func (ws *WatcherSet) GlobalVersion() uint64 {
	return atomic.LoadUint64(&ws.globalVersion)
}

// Len returns the number of live watchers.
func (ws *WatcherSet) Len() int {
	return ws.queue.len()
}

// Stats is a point-in-time summary of a WatcherSet.
type Stats struct {
	WatchedKeys     int    `json:"watched_keys"`
	KeySessions     int    `json:"key_sessions"`
	WatchedPrefixes int    `json:"watched_prefixes"`
	PrefixSessions  int    `json:"prefix_sessions"`
	Pending         int    `json:"pending"`
	GlobalVersion   uint64 `json:"global_version"`
}

// Stats returns the sizes of the indices and the expiration queue.
func (ws *WatcherSet) Stats() Stats {
	var st Stats
	st.WatchedKeys, st.KeySessions = ws.keys.size()
	st.WatchedPrefixes, st.PrefixSessions = ws.prefixes.size()
	st.Pending = ws.queue.len()
	st.GlobalVersion = ws.GlobalVersion()
	return st
}

func (ws *WatcherSet) runLoop() {
	defer close(ws.donec)

	timer := time.NewTimer(ws.maxSweepInterval)
	defer timer.Stop()

	for {
		ws.expireWatchers()

		wait := ws.maxSweepInterval
		if next, ok := ws.queue.next(); ok {
			if d := next.Sub(ws.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-ws.kickc:
		case <-ws.stopc:
			return
		}
	}
}

// expireWatchers notifies and removes every watcher past its deadline.
func (ws *WatcherSet) expireWatchers() {
	start := time.Now()
	due := ws.queue.popDue(ws.now())
	if len(due) == 0 {
		return
	}

	for _, w := range due {
		watcherGauge.WithLabelValues(w.Type().String()).Dec()

		sent, err := w.Send(&Response{
			GlobalVersion: ws.GlobalVersion(),
			Events:        expiredEvents(w),
		})
		if sent {
			watcherExpired.Inc()
		}
		if err != nil {
			sendFailures.Inc()
			ws.lg.Warn(
				"failed to send watch expiry",
				zap.Uint64("watcher-id", uint64(w.ID())),
				zap.String("type", w.Type().String()),
				zap.Error(err),
			)
		}
		ws.index(w.Type()).removeWatcher(w)
	}

	sweepSec.Observe(time.Since(start).Seconds())
	ws.lg.Debug(
		"expired watchers",
		zap.Int("expired", len(due)),
		zap.Int("remaining", ws.queue.len()),
	)
}

func expiredEvents(w *Watcher) []Event {
	evs := make([]Event, 0, len(w.Keys()))
	for _, k := range w.Keys() {
		evs = append(evs, Event{Type: EventExpired, Key: k})
	}
	return evs
}
