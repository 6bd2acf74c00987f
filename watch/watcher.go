package watch

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// WatchType selects the index a watcher lives in.
type WatchType int

const (
	// KeyWatch watches exact keys.
	KeyWatch WatchType = iota
	// PrefixWatch watches every key starting with one of its keys.
	PrefixWatch
)

func (t WatchType) String() string {
	switch t {
	case KeyWatch:
		return "key"
	case PrefixWatch:
		return "prefix"
	default:
		return fmt.Sprintf("WatchType(%d)", int(t))
	}
}

// WatcherID identifies the client session owning a watcher.
type WatcherID uint64

// EventType is the kind of change carried by an Event.
type EventType int32

const (
	EventPut EventType = iota + 1
	EventDelete
	// EventExpired is sent when a watcher reaches its deadline untriggered.
	EventExpired
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "PUT"
	case EventDelete:
		return "DELETE"
	case EventExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("EventType(%d)", int32(t))
	}
}

// Event describes what happened to a watched key.
type Event struct {
	Type    EventType
	Key     []byte
	Value   []byte
	Extend  []byte
	Version int64
}

// Response is the single message a watcher delivers to its session.
type Response struct {
	// WatcherID is the id of the watcher this response is sent to.
	WatcherID WatcherID

	// GlobalVersion is the global version when the response was created.
	GlobalVersion uint64

	Events []Event
}

// Session is the client connection a watcher answers through.
type Session interface {
	// ID returns the unique identity of the session.
	ID() WatcherID
	// Send writes resp to the client. It may block on the transport.
	Send(resp *Response) error
}

// Config describes a watcher to create.
type Config struct {
	Type    WatchType
	TableID uint64

	// Keys are the encoded keys (or prefixes) the watcher registers on.
	// All of them share one deadline and one delivery.
	Keys [][]byte

	// KeyVersion is the key version the client last observed.
	KeyVersion int64

	Session  Session
	Deadline time.Time
}

// Watcher is a single client registration. It is delivered at most once.
type Watcher struct {
	typ        WatchType
	tableID    uint64
	keys       [][]byte
	keyVersion int64
	id         WatcherID
	deadline   time.Time
	session    Session

	// sendMu guards delivered and serializes Send.
	sendMu    sync.Mutex
	delivered bool
}

// NewWatcher validates cfg and returns the watcher it describes.
func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Type != KeyWatch && cfg.Type != PrefixWatch {
		return nil, fmt.Errorf("%w: unknown type %v", ErrInvalidWatcher, cfg.Type)
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("%w: nil session", ErrInvalidWatcher)
	}
	if cfg.Deadline.IsZero() {
		return nil, fmt.Errorf("%w: no deadline", ErrInvalidWatcher)
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWatcher, ErrEmptyKey)
	}

	keys := make([][]byte, 0, len(cfg.Keys))
	seen := make(map[string]struct{}, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWatcher, ErrEmptyKey)
		}
		if _, ok := seen[string(k)]; ok {
			continue
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, append([]byte(nil), k...))
	}

	return &Watcher{
		typ:        cfg.Type,
		tableID:    cfg.TableID,
		keys:       keys,
		keyVersion: cfg.KeyVersion,
		id:         cfg.Session.ID(),
		deadline:   cfg.Deadline,
		session:    cfg.Session,
	}, nil
}

func (w *Watcher) ID() WatcherID       { return w.id }
func (w *Watcher) Type() WatchType     { return w.typ }
func (w *Watcher) TableID() uint64     { return w.tableID }
func (w *Watcher) KeyVersion() int64   { return w.keyVersion }
func (w *Watcher) Deadline() time.Time { return w.deadline }

// Keys returns the keys the watcher registers on. The slice must not be
// modified.
func (w *Watcher) Keys() [][]byte { return w.keys }

func (w *Watcher) hasKey(key []byte) bool {
	for _, k := range w.keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

// Send delivers a copy of resp addressed to this watcher unless a response
// was already delivered. It reports whether this call performed the
// delivery. The watcher counts as delivered even if the session fails.
func (w *Watcher) Send(resp *Response) (bool, error) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if w.delivered {
		return false, nil
	}
	w.delivered = true
	r := *resp
	r.WatcherID = w.id
	return true, w.session.Send(&r)
}

// Delivered reports whether a response has been delivered.
func (w *Watcher) Delivered() bool {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.delivered
}
