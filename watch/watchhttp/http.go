// Package watchhttp serves long-poll watch sessions and key-value writes
// over HTTP.
package watchhttp

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coreos/etcd/pkg/idutil"
	"github.com/l-dswatch/mvcc"
	"github.com/l-dswatch/watch"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

var (
	WatchPrefix    = "/watch"
	WatchStatsPath = "/watch/stats"
	KVPrefix       = "/kv"

	DefaultWatchTimeout = 30 * time.Second
	MaxWatchTimeout     = 5 * time.Minute

	ErrHandlerClosed = errors.New("watchhttp: handler closed")
	errSessionFull   = errors.New("watchhttp: session already answered")
)

type HandlerConfig struct {
	// DefaultTimeout is used for watches that do not ask for a timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps the timeout a watch may ask for.
	MaxTimeout time.Duration
	// MemberID seeds the session id generator.
	MemberID uint16
	Logger   *zap.Logger
}

// Handler serves WatchPrefix, WatchStatsPath and KVPrefix.
type Handler struct {
	s     *mvcc.WatchableStore
	idgen *idutil.Generator
	cfg   HandlerConfig
	lg    *zap.Logger

	sessions *xsync.MapOf[watch.WatcherID, *session]

	closeOnce sync.Once
	closec    chan struct{}
}

// NewHandler returns a Handler watching and writing s.
func NewHandler(s *mvcc.WatchableStore, cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultWatchTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxWatchTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	return &Handler{
		s:        s,
		idgen:    idutil.NewGenerator(cfg.MemberID, time.Now()),
		cfg:      cfg,
		lg:       cfg.Logger,
		sessions: xsync.NewMapOf[watch.WatcherID, *session](),
		closec:   make(chan struct{}),
	}
}

// Close answers every pending watch with 503 and cancels its watcher.
// Watches arriving after Close are refused.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.closec)
		n := 0
		h.sessions.Range(func(id watch.WatcherID, _ *session) bool {
			n += h.s.WatcherSet().CancelSession(id)
			return true
		})
		h.lg.Info("closed watch handler", zap.Int("cancelled-watchers", n))
	})
}

// Sessions returns the number of pending watch requests.
func (h *Handler) Sessions() int {
	return h.sessions.Size()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case WatchPrefix:
		h.serveWatch(w, r)
	case WatchStatsPath:
		h.serveStats(w, r)
	case KVPrefix:
		h.serveKV(w, r)
	default:
		http.NotFound(w, r)
	}
}

// session is the client side of one long-poll watch.
type session struct {
	id    watch.WatcherID
	respc chan *watch.Response
}

func newSession(id watch.WatcherID) *session {
	return &session{id: id, respc: make(chan *watch.Response, 1)}
}

func (s *session) ID() watch.WatcherID { return s.id }

func (s *session) Send(resp *watch.Response) error {
	select {
	case s.respc <- resp:
		return nil
	default:
		return errSessionFull
	}
}

type watchRequest struct {
	TableID   uint64   `json:"table_id"`
	Keys      [][]byte `json:"keys"`
	Prefix    bool     `json:"prefix"`
	Version   int64    `json:"version"`
	TimeoutMs int64    `json:"timeout_ms"`
}

type event struct {
	Type    string   `json:"type"`
	TableID uint64   `json:"table_id"`
	Keys    [][]byte `json:"keys"`
	Value   []byte   `json:"value,omitempty"`
	Extend  []byte   `json:"extend,omitempty"`
	Version int64    `json:"version"`
}

type watchResponse struct {
	WatcherID     uint64  `json:"watcher_id"`
	GlobalVersion uint64  `json:"global_version"`
	Events        []event `json:"events"`
}

func (h *Handler) serveWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req watchRequest
	if !readJSON(w, r, &req) {
		return
	}
	select {
	case <-h.closec:
		http.Error(w, ErrHandlerClosed.Error(), http.StatusServiceUnavailable)
		return
	default:
	}

	encode, typ := watch.EncodeKey, watch.KeyWatch
	if req.Prefix {
		encode, typ = watch.EncodePrefix, watch.PrefixWatch
	}
	key, err := encode(req.TableID, req.Keys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	timeout := h.timeout(req.TimeoutMs)
	sess := newSession(watch.WatcherID(h.idgen.Next()))
	wr, err := watch.NewWatcher(watch.Config{
		Type:       typ,
		TableID:    req.TableID,
		Keys:       [][]byte{key},
		KeyVersion: req.Version,
		Session:    sess,
		Deadline:   time.Now().Add(timeout),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.sessions.Store(sess.id, sess)
	defer h.sessions.Delete(sess.id)

	if _, err := h.s.Watch(wr); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, watch.ErrDuplicateWatcher) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	h.lg.Debug(
		"watch registered",
		zap.Uint64("watcher-id", uint64(sess.id)),
		zap.Stringer("type", typ),
		zap.Duration("timeout", timeout),
	)

	select {
	case resp := <-sess.respc:
		writeJSON(w, http.StatusOK, toWatchResponse(resp))
	case <-r.Context().Done():
		h.s.WatcherSet().Cancel(wr)
		h.lg.Debug("watch client went away", zap.Uint64("watcher-id", uint64(sess.id)))
	case <-h.closec:
		h.s.WatcherSet().Cancel(wr)
		http.Error(w, ErrHandlerClosed.Error(), http.StatusServiceUnavailable)
	}
}

func (h *Handler) timeout(ms int64) time.Duration {
	if ms <= 0 {
		return h.cfg.DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > h.cfg.MaxTimeout {
		return h.cfg.MaxTimeout
	}
	return d
}

func toWatchResponse(resp *watch.Response) *watchResponse {
	out := &watchResponse{
		WatcherID:     uint64(resp.WatcherID),
		GlobalVersion: resp.GlobalVersion,
		Events:        make([]event, 0, len(resp.Events)),
	}
	for _, ev := range resp.Events {
		e := event{
			Type:    ev.Type.String(),
			Value:   ev.Value,
			Extend:  ev.Extend,
			Version: ev.Version,
		}
		// prefix targets do not decode; the client knows what it asked for
		if tableID, keys, err := watch.DecodeKey(ev.Key); err == nil {
			e.TableID, e.Keys = tableID, keys
		}
		out.Events = append(out.Events, e)
	}
	return out
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.s.WatcherSet().Stats())
}

type kvRequest struct {
	TableID uint64   `json:"table_id"`
	Keys    [][]byte `json:"keys"`
	Value   []byte   `json:"value,omitempty"`
	Extend  []byte   `json:"extend,omitempty"`
}

type kvResponse struct {
	Revision int64     `json:"revision"`
	Version  int64     `json:"version,omitempty"`
	Deleted  bool      `json:"deleted,omitempty"`
	KVs      []kvEntry `json:"kvs,omitempty"`
}

type kvEntry struct {
	TableID uint64   `json:"table_id"`
	Keys    [][]byte `json:"keys"`
	Value   []byte   `json:"value"`
	Extend  []byte   `json:"extend,omitempty"`
	Version int64    `json:"version"`
}

func (h *Handler) serveKV(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveKVGet(w, r)
	case http.MethodPut:
		var req kvRequest
		if !readJSON(w, r, &req) {
			return
		}
		rev, kv, err := h.s.Put(req.TableID, req.Keys, req.Value, req.Extend)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &kvResponse{Revision: rev, Version: kv.Version})
	case http.MethodDelete:
		var req kvRequest
		if !readJSON(w, r, &req) {
			return
		}
		rev, ok, err := h.s.Delete(req.TableID, req.Keys)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &kvResponse{Revision: rev, Deleted: ok})
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// serveKVGet reads table_id and the repeated key parameters from the
// query. With prefix=true the last key is matched as a prefix.
func (h *Handler) serveKVGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tableID, err := strconv.ParseUint(q.Get("table_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid table_id", http.StatusBadRequest)
		return
	}
	var keys [][]byte
	for _, k := range q["key"] {
		keys = append(keys, []byte(k))
	}

	var kvs []mvcc.KeyValue
	if prefix, _ := strconv.ParseBool(q.Get("prefix")); prefix {
		limit, _ := strconv.Atoi(q.Get("limit"))
		kvs, err = h.s.Range(tableID, keys, limit)
	} else {
		var kv mvcc.KeyValue
		kv, err = h.s.Get(tableID, keys)
		kvs = []mvcc.KeyValue{kv}
	}
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	resp := &kvResponse{Revision: h.s.Rev(), KVs: make([]kvEntry, 0, len(kvs))}
	for _, kv := range kvs {
		resp.KVs = append(resp.KVs, kvEntry{
			TableID: kv.TableID,
			Keys:    kv.Keys,
			Value:   kv.Value,
			Extend:  kv.Extend,
			Version: kv.Version,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mvcc.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, watch.ErrEmptyKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.lg.Warn("store request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	b, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		http.Error(w, "error unmarshalling request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
