// Package sessionlock serializes queue sends for a (queue, session_id) pair
// so that per-session arrival order is preserved at the destination, using
// a keyed mutex guarded by a striped lock.
package sessionlock

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 256

// Table is a striped lock keyed on (queue, session_id). Each key has its own
// mutex, so holding one key never blocks another; a shard's lock guards only
// its key map and is held just while an entry is looked up, created or
// released. Entries exist only while a key is held or awaited.
type Table struct {
	shards []*shard
}

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates a Table with the default shard count.
func New() *Table {
	return NewWithShards(defaultShardCount)
}

// NewWithShards creates a Table with an explicit shard count, mainly for
// tests that want to force collisions.
func NewWithShards(shardCount int) *Table {
	t := &Table{shards: make([]*shard, shardCount)}
	for i := range t.shards {
		t.shards[i] = &shard{locks: make(map[string]*entry)}
	}
	return t
}

func (t *Table) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Lock acquires the mutex for key (typically "queue|session_id"), creating
// it on first use, and returns an unlock function. Entries are reference
// counted: a key's entry is only removed from the shard's map once the
// last holder or waiter has released it, so a racing delete can never hand
// a new caller a different mutex than one still in use for the same key.
func (t *Table) Lock(key string) (unlock func()) {
	sh := t.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.locks[key]
	if !ok {
		e = &entry{}
		sh.locks[key] = e
	}
	e.refs++
	sh.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		sh.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(sh.locks, key)
		}
		sh.mu.Unlock()
	}
}

// Key builds the canonical (queue, session_id) lock key.
func Key(queue, sessionID string) string {
	return queue + "|" + sessionID
}
