package mvcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/l-dswatch/mvcc/backend"
	"github.com/l-dswatch/pkg/traceutil"
	"github.com/l-dswatch/watch"
	"go.uber.org/zap"
)

var (
	keyBucketName  = []byte("key")
	metaBucketName = []byte("meta")

	currentRevKeyName = []byte("current_rev")

	ErrKeyNotFound = errors.New("mvcc: key not found")
	ErrCorrupt     = errors.New("mvcc: corrupt backend data")
)

// traceThreshold is the duration above which a write is logged with its steps.
var traceThreshold = 100 * time.Millisecond

// KeyValue is a decoded entry of the store.
type KeyValue struct {
	TableID uint64
	Keys    [][]byte
	// Key is the ordered encoding of TableID and Keys.
	Key     []byte
	Value   []byte
	Extend  []byte
	Version int64
}

type store struct {
	// mu guards currentRev and keeps the backend and index in step.
	mu sync.RWMutex

	b       backend.Backend
	kvindex *treeIndex

	// currentRev is the revision of the last completed write.
	currentRev int64

	lg *zap.Logger
}

// NewStore opens the store kept in b, rebuilding the key index from it.
func NewStore(lg *zap.Logger, b backend.Backend) (*store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &store{
		b:       b,
		kvindex: newTreeIndex(lg),
		lg:      lg,
	}
	for _, bucket := range [][]byte{keyBucketName, metaBucketName} {
		if err := b.CreateBucket(bucket); err != nil {
			return nil, err
		}
	}
	if err := s.restore(); err != nil {
		return nil, err
	}

	reportDbTotalSizeInBytesMu.Lock()
	reportDbTotalSizeInBytes = func() float64 { return float64(b.Size()) }
	reportDbTotalSizeInBytesMu.Unlock()
	reportCurrentRevMu.Lock()
	reportCurrentRev = func() float64 {
		return float64(s.Rev())
	}
	reportCurrentRevMu.Unlock()

	return s, nil
}

func (s *store) restore() error {
	start := time.Now()
	v, err := s.b.Get(metaBucketName, currentRevKeyName)
	if err != nil {
		return err
	}
	if v != nil {
		if len(v) != 8 {
			return fmt.Errorf("%w: current revision has %d bytes", ErrCorrupt, len(v))
		}
		s.currentRev = int64(binary.BigEndian.Uint64(v))
	}

	err = s.b.ForEach(keyBucketName, func(k, v []byte) error {
		ver, _, _, err := watch.DecodeValue(v)
		if err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrCorrupt, k, err)
		}
		s.kvindex.restore(append([]byte(nil), k...), ver)
		return nil
	})
	if err != nil {
		return err
	}
	keysGauge.Set(float64(s.kvindex.len()))

	s.lg.Info(
		"restored store",
		zap.Int64("current-revision", s.currentRev),
		zap.Int("keys", s.kvindex.len()),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Rev returns the revision of the last completed write.
func (s *store) Rev() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Put writes value and extend under the encoded key of tableID and keys,
// and returns the new store revision and the stored entry.
func (s *store) Put(tableID uint64, keys [][]byte, value, extend []byte) (int64, KeyValue, error) {
	key, err := watch.EncodeKey(tableID, keys)
	if err != nil {
		return 0, KeyValue{}, err
	}

	trace := traceutil.New("put", s.lg,
		traceutil.Field{Key: "table-id", Value: tableID},
		traceutil.Field{Key: "key-size", Value: len(key)},
	)
	defer trace.LogIfLong(traceThreshold)

	s.mu.Lock()
	defer s.mu.Unlock()

	ver := s.kvindex.get(key) + 1
	rev := s.currentRev + 1
	err = s.b.Update(func(tx backend.WriteTx) error {
		if err := tx.Put(keyBucketName, key, watch.EncodeValue(ver, value, extend)); err != nil {
			return err
		}
		return tx.Put(metaBucketName, currentRevKeyName, revBytes(rev))
	})
	if err != nil {
		return 0, KeyValue{}, err
	}
	trace.Step("write to backend")

	if got := s.kvindex.put(key); got != ver {
		s.lg.Panic("key index out of step with backend", zap.Int64("expected", ver), zap.Int64("got", got))
	}
	s.currentRev = rev
	trace.AddField(traceutil.Field{Key: "revision", Value: rev})
	trace.Step("update index", traceutil.Field{Key: "version", Value: ver})

	putCounter.Inc()
	totalPutSizeGauge.Add(float64(len(key) + len(value) + len(extend)))
	keysGauge.Set(float64(s.kvindex.len()))

	return rev, KeyValue{
		TableID: tableID,
		Keys:    copyKeys(keys),
		Key:     key,
		Value:   append([]byte(nil), value...),
		Extend:  append([]byte(nil), extend...),
		Version: ver,
	}, nil
}

// Delete removes the entry of tableID and keys. It reports false without
// changing the revision when the entry does not exist.
func (s *store) Delete(tableID uint64, keys [][]byte) (int64, bool, error) {
	key, err := watch.EncodeKey(tableID, keys)
	if err != nil {
		return 0, false, err
	}

	trace := traceutil.New("delete", s.lg, traceutil.Field{Key: "table-id", Value: tableID})
	defer trace.LogIfLong(traceThreshold)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kvindex.get(key) == 0 {
		return s.currentRev, false, nil
	}
	rev := s.currentRev + 1
	err = s.b.Update(func(tx backend.WriteTx) error {
		if err := tx.Delete(keyBucketName, key); err != nil {
			return err
		}
		return tx.Put(metaBucketName, currentRevKeyName, revBytes(rev))
	})
	if err != nil {
		return 0, false, err
	}
	trace.Step("write to backend")

	s.kvindex.tombstone(key)
	s.currentRev = rev
	trace.AddField(traceutil.Field{Key: "revision", Value: rev})

	deleteCounter.Inc()
	keysGauge.Set(float64(s.kvindex.len()))
	return rev, true, nil
}

// Get returns the entry of tableID and keys.
func (s *store) Get(tableID uint64, keys [][]byte) (KeyValue, error) {
	key, err := watch.EncodeKey(tableID, keys)
	if err != nil {
		return KeyValue{}, err
	}
	rangeCounter.Inc()
	return s.getKey(key)
}

func (s *store) getKey(key []byte) (KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.b.Get(keyBucketName, key)
	if err != nil {
		return KeyValue{}, err
	}
	if v == nil {
		return KeyValue{}, ErrKeyNotFound
	}
	return decodeKeyValue(key, v)
}

// Range returns, in key order, the entries of tableID whose leading columns
// equal keys except for the last one, which only has to start with the last
// given column. At most limit entries are returned if limit is positive.
func (s *store) Range(tableID uint64, keys [][]byte, limit int) ([]KeyValue, error) {
	prefix, err := watch.EncodePrefix(tableID, keys)
	if err != nil {
		return nil, err
	}
	rangeCounter.Inc()

	s.mu.RLock()
	defer s.mu.RUnlock()
	var kvs []KeyValue
	for _, key := range s.kvindex.prefixKeys(prefix, limit) {
		v, err := s.b.Get(keyBucketName, key)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("%w: indexed key %q missing from backend", ErrCorrupt, key)
		}
		kv, err := decodeKeyValue(key, v)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	return kvs, nil
}

// keyVersion returns the current version of an encoded key, 0 if absent.
func (s *store) keyVersion(key []byte) int64 {
	return s.kvindex.get(key)
}

func decodeKeyValue(key, v []byte) (KeyValue, error) {
	tableID, keys, err := watch.DecodeKey(key)
	if err != nil {
		return KeyValue{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	ver, value, extend, err := watch.DecodeValue(v)
	if err != nil {
		return KeyValue{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return KeyValue{
		TableID: tableID,
		Keys:    keys,
		Key:     append([]byte(nil), key...),
		Value:   value,
		Extend:  extend,
		Version: ver,
	}, nil
}

func revBytes(rev int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(rev))
	return b
}

func copyKeys(keys [][]byte) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = append([]byte(nil), k...)
	}
	return out
}
