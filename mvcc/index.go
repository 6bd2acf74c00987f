package mvcc

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"
)

// keyIndex tracks the latest version of one encoded key.
type keyIndex struct {
	key []byte
	// version counts the puts since the key was created.
	version int64
}

func (ki *keyIndex) Less(than btree.Item) bool {
	return bytes.Compare(ki.key, than.(*keyIndex).key) < 0
}

// treeIndex is the in-memory, ordered index of every live key.
type treeIndex struct {
	sync.RWMutex
	tree *btree.BTree
	lg   *zap.Logger
}

func newTreeIndex(lg *zap.Logger) *treeIndex {
	return &treeIndex{
		tree: btree.New(32),
		lg:   lg,
	}
}

// put records a new version of key and returns it.
func (ti *treeIndex) put(key []byte) int64 {
	ti.Lock()
	defer ti.Unlock()
	if item := ti.tree.Get(&keyIndex{key: key}); item != nil {
		ki := item.(*keyIndex)
		ki.version++
		return ki.version
	}
	ti.tree.ReplaceOrInsert(&keyIndex{key: key, version: 1})
	return 1
}

// restore inserts a key read back from the backend.
func (ti *treeIndex) restore(key []byte, version int64) {
	ti.Lock()
	defer ti.Unlock()
	ti.tree.ReplaceOrInsert(&keyIndex{key: key, version: version})
}

// tombstone removes key and reports whether it existed.
func (ti *treeIndex) tombstone(key []byte) bool {
	ti.Lock()
	defer ti.Unlock()
	return ti.tree.Delete(&keyIndex{key: key}) != nil
}

// get returns the current version of key, or 0 if it does not exist.
func (ti *treeIndex) get(key []byte) int64 {
	ti.RLock()
	defer ti.RUnlock()
	item := ti.tree.Get(&keyIndex{key: key})
	if item == nil {
		return 0
	}
	return item.(*keyIndex).version
}

// prefixKeys returns the keys starting with prefix in key order, at most
// limit of them if limit is positive.
func (ti *treeIndex) prefixKeys(prefix []byte, limit int) [][]byte {
	ti.RLock()
	defer ti.RUnlock()

	var keys [][]byte
	ti.tree.AscendGreaterOrEqual(&keyIndex{key: prefix}, func(item btree.Item) bool {
		ki := item.(*keyIndex)
		if !bytes.HasPrefix(ki.key, prefix) {
			return false
		}
		keys = append(keys, ki.key)
		return limit <= 0 || len(keys) < limit
	})
	return keys
}

func (ti *treeIndex) len() int {
	ti.RLock()
	defer ti.RUnlock()
	return ti.tree.Len()
}
