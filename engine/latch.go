package engine

import (
	"context"
	"hash/fnv"
	"sync"
)

const latchShards = 64

// keyLatches serializes operations per logical key. Latches are channel
// based so waiters honor context cancellation, and sharded so unrelated keys
// never contend on the same lock.
type keyLatches struct {
	shards [latchShards]latchShard
}

type latchShard struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyLatches() *keyLatches {
	l := &keyLatches{}
	for i := range l.shards {
		l.shards[i].held = make(map[string]chan struct{})
	}
	return l
}

// acquire blocks until the key's latch is free or the context is done. On
// success it returns a release function.
func (l *keyLatches) acquire(ctx context.Context, key string) (func(), error) {
	shard := &l.shards[shardFor(key)]

	for {
		shard.mu.Lock()
		ch, held := shard.held[key]
		if !held {
			shard.held[key] = make(chan struct{})
			shard.mu.Unlock()
			return func() { l.release(key) }, nil
		}
		shard.mu.Unlock()

		select {
		case <-ch:
			// Holder released; retry the acquisition.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *keyLatches) release(key string) {
	shard := &l.shards[shardFor(key)]
	shard.mu.Lock()
	ch := shard.held[key]
	delete(shard.held, key)
	shard.mu.Unlock()
	close(ch)
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % latchShards
}
