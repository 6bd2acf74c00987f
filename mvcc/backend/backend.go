package backend

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"time"

	"github.com/l-dswatch/pkg/fileutil"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	defaultDBName = "db"

	// warnCommitDuration is the commit latency above which a warning is logged.
	warnCommitDuration = 100 * time.Millisecond

	ErrBucketNotFound = errors.New("backend: bucket not found")
)

// Backend is a bucketed key-value store on disk.
type Backend interface {
	CreateBucket(bucket []byte) error
	Put(bucket, key, value []byte) error
	Get(bucket, key []byte) ([]byte, error)
	Delete(bucket, key []byte) error
	// Range returns up to limit pairs with key <= k < endKey in key
	// order; a nil endKey returns only key itself.
	Range(bucket, key, endKey []byte, limit int64) (keys [][]byte, vals [][]byte, err error)
	ForEach(bucket []byte, visitor func(k, v []byte) error) error
	// Update runs fn in a single read-write transaction.
	Update(fn func(tx WriteTx) error) error
	// Size returns the current size of the backend in bytes.
	Size() int64
	Close() error
}

// WriteTx is the write side of a transaction started by Update.
type WriteTx interface {
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
}

type BackendConfig struct {
	// Dir is the directory holding the database file.
	Dir string
	// MmapSize is the initial mmap size of the database file.
	MmapSize uint64
	Logger   *zap.Logger
}

type backend struct {
	db *bolt.DB
	lg *zap.Logger
}

// New opens or creates the backend in cfg.Dir.
func New(cfg BackendConfig) (Backend, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := fileutil.TouchDirAll(lg, cfg.Dir); err != nil {
		return nil, err
	}

	bopts := &bolt.Options{}
	if boltOpenOptions != nil {
		*bopts = *boltOpenOptions
	}
	bopts.InitialMmapSize = cfg.mmapSize()
	bopts.Timeout = time.Second

	path := filepath.Join(cfg.Dir, defaultDBName)
	db, err := bolt.Open(path, fileutil.PrivateFileMode, bopts)
	if err != nil {
		lg.Warn("failed to open database", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return &backend{db: db, lg: lg}, nil
}

func (b *backend) update(fn func(tx *bolt.Tx) error) error {
	start := time.Now()
	err := b.db.Update(fn)
	took := time.Since(start)
	commitSec.Observe(took.Seconds())
	if took > warnCommitDuration {
		b.lg.Warn("slow backend commit", zap.Duration("took", took), zap.Error(err))
	}
	return err
}

type writeTx struct {
	tx *bolt.Tx
}

func (t *writeTx) Put(bucket, key, value []byte) error {
	bk := t.tx.Bucket(bucket)
	if bk == nil {
		return ErrBucketNotFound
	}
	return bk.Put(key, value)
}

func (t *writeTx) Delete(bucket, key []byte) error {
	bk := t.tx.Bucket(bucket)
	if bk == nil {
		return ErrBucketNotFound
	}
	return bk.Delete(key)
}

func (b *backend) Update(fn func(tx WriteTx) error) error {
	return b.update(func(tx *bolt.Tx) error {
		return fn(&writeTx{tx: tx})
	})
}

func (b *backend) CreateBucket(bucket []byte) error {
	return b.update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
}

func (b *backend) Put(bucket, key, value []byte) error {
	return b.Update(func(tx WriteTx) error {
		return tx.Put(bucket, key, value)
	})
}

func (b *backend) Get(bucket, key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return ErrBucketNotFound
		}
		if v := bk.Get(key); v != nil {
			val = append([]byte{}, v...)
		}
		return nil
	})
	return val, err
}

func (b *backend) Delete(bucket, key []byte) error {
	return b.Update(func(tx WriteTx) error {
		return tx.Delete(bucket, key)
	})
}

func (b *backend) Range(bucket, key, endKey []byte, limit int64) (keys [][]byte, vals [][]byte, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return ErrBucketNotFound
		}
		keys, vals = unsafeRange(bk.Cursor(), key, endKey, limit)
		return nil
	})
	return keys, vals, err
}

func (b *backend) ForEach(bucket []byte, visitor func(k, v []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return ErrBucketNotFound
		}
		return bk.ForEach(visitor)
	})
}

func (b *backend) Size() int64 {
	var size int64
	_ = b.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

func (b *backend) Close() error {
	return b.db.Close()
}

// unsafeRange must be called inside a bolt transaction. The returned
// slices are copies and stay valid after the transaction ends.
func unsafeRange(c *bolt.Cursor,
	key, endKey []byte,
	limit int64) (keys [][]byte, vs [][]byte) {
	if limit <= 0 {
		limit = math.MaxInt64
	}

	var isMatch func(b []byte) bool
	if len(endKey) > 0 {
		isMatch = func(b []byte) bool {
			return bytes.Compare(b, endKey) < 0
		}
	} else {
		isMatch = func(b []byte) bool {
			return bytes.Equal(b, key)
		}
		limit = 1
	}

	for ck, cv := c.Seek(key); ck != nil && isMatch(ck); ck, cv = c.Next() {
		vs = append(vs, append([]byte{}, cv...))
		keys = append(keys, append([]byte{}, ck...))
		if limit == int64(len(keys)) {
			break
		}
	}

	return keys, vs
}
