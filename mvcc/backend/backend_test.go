package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBackend(t *testing.T) Backend {
	b, err := New(BackendConfig{Dir: t.TempDir(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackendPutGetDelete(t *testing.T) {
	b := newTestBackend(t)
	bucket := []byte("test")
	require.NoError(t, b.CreateBucket(bucket))

	require.NoError(t, b.Put(bucket, []byte("foo"), []byte("bar")))
	v, err := b.Get(bucket, []byte("foo"))
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), v)

	require.NoError(t, b.Delete(bucket, []byte("foo")))
	v, err = b.Get(bucket, []byte("foo"))
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = b.Get([]byte("missing"), []byte("foo"))
	require.ErrorIs(t, err, ErrBucketNotFound)
	require.ErrorIs(t, b.Put([]byte("missing"), []byte("foo"), nil), ErrBucketNotFound)
}

func TestBackendRange(t *testing.T) {
	b := newTestBackend(t)
	bucket := []byte("test")
	require.NoError(t, b.CreateBucket(bucket))
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Put(bucket, []byte(k), []byte("v"+k)))
	}

	tests := []struct {
		key, end string
		limit    int64
		wkeys    []string
	}{
		{"a", "", 0, []string{"a"}},
		{"b", "d", 0, []string{"b", "c"}},
		{"a", "z", 2, []string{"a", "b"}},
		{"x", "", 0, nil},
	}
	for i, tt := range tests {
		var end []byte
		if tt.end != "" {
			end = []byte(tt.end)
		}
		keys, vals, err := b.Range(bucket, []byte(tt.key), end, tt.limit)
		require.NoError(t, err, "#%d", i)
		require.Len(t, keys, len(tt.wkeys), "#%d", i)
		for j, k := range tt.wkeys {
			require.Equal(t, k, string(keys[j]), "#%d", i)
			require.Equal(t, "v"+k, string(vals[j]), "#%d", i)
		}
	}
}

func TestBackendUpdateIsAtomic(t *testing.T) {
	b := newTestBackend(t)
	bucket := []byte("test")
	require.NoError(t, b.CreateBucket(bucket))

	err := b.Update(func(tx WriteTx) error {
		if err := tx.Put(bucket, []byte("a"), []byte("1")); err != nil {
			return err
		}
		return tx.Put([]byte("missing"), []byte("b"), []byte("2"))
	})
	require.ErrorIs(t, err, ErrBucketNotFound)

	v, err := b.Get(bucket, []byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestBackendReopen(t *testing.T) {
	dir := t.TempDir()
	bucket := []byte("test")

	b, err := New(BackendConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, b.CreateBucket(bucket))
	require.NoError(t, b.Put(bucket, []byte("foo"), []byte("bar")))
	require.Greater(t, b.Size(), int64(0))
	require.NoError(t, b.Close())

	b, err = New(BackendConfig{Dir: dir})
	require.NoError(t, err)
	defer b.Close()
	n := 0
	require.NoError(t, b.ForEach(bucket, func(k, v []byte) error {
		n++
		require.Equal(t, "foo", string(k))
		require.Equal(t, "bar", string(v))
		return nil
	}))
	require.Equal(t, 1, n)
}

func TestBackendOpensExistingOpenDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.Chmod(dir, 0755))

	b, err := New(BackendConfig{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.CreateBucket([]byte("test")))
}
