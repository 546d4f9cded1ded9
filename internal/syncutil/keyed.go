// Package syncutil holds the per-wallet locking used by the policy gate.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

// DefaultShards is the lock pool size used by NewKeyedLocks.
const DefaultShards = 256

// KeyedLocks serializes work per key over a bounded pool of channel locks.
// Keys are case-insensitive so checksummed and lowercase addresses share a lock.
// Distinct keys may hash to the same shard and then wait on each other.
type KeyedLocks struct {
	shards []chan struct{}
}

// NewKeyedLocks creates a pool of DefaultShards locks.
func NewKeyedLocks() *KeyedLocks {
	return NewKeyedLocksN(DefaultShards)
}

// NewKeyedLocksN creates a pool of n locks (at least one).
func NewKeyedLocksN(n int) *KeyedLocks {
	if n < 1 {
		n = 1
	}
	k := &KeyedLocks{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock acquires the lock for key or returns ctx.Err() if ctx ends first.
// The returned unlock func must be called exactly once.
func (k *KeyedLocks) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[k.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting.
func (k *KeyedLocks) TryLock(key string) (func(), bool) {
	ch := k.shards[k.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (k *KeyedLocks) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(key)))
	return int(h.Sum32() % uint32(len(k.shards)))
}
