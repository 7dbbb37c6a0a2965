package guardian

import (
	"container/list"
	"sync"

	"github.com/guardianrail/safety/domain/ruletypes"
)

// resultCache is a fixed-capacity LRU cache of evaluation results keyed by
// (registry_version, normalized_text) so a repeated input against the same
// rule snapshot skips the scan entirely (spec §4.2 step 2). Sharded by key
// hash to keep lock contention off the hot path under concurrent callers.
type resultCache struct {
	shards []*cacheShard
	mask   uint32
}

const defaultShardCount = 16

type cacheShard struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key    string
	result ruletypes.EvaluationResult
}

// newResultCache builds a cache with capacity entries total, default 10000
// per spec §4.2.
func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = 10000
	}
	shardCap := capacity / defaultShardCount
	if shardCap < 1 {
		shardCap = 1
	}
	rc := &resultCache{shards: make([]*cacheShard, defaultShardCount), mask: defaultShardCount - 1}
	for i := range rc.shards {
		rc.shards[i] = &cacheShard{
			capacity: shardCap,
			ll:       list.New(),
			items:    make(map[string]*list.Element),
		}
	}
	return rc
}

func (rc *resultCache) shardFor(key string) *cacheShard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return rc.shards[h&rc.mask]
}

func (rc *resultCache) Get(key string) (ruletypes.EvaluationResult, bool) {
	shard := rc.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	el, ok := shard.items[key]
	if !ok {
		return ruletypes.EvaluationResult{}, false
	}
	shard.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).result, true
}

func (rc *resultCache) Put(key string, result ruletypes.EvaluationResult) {
	shard := rc.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if el, ok := shard.items[key]; ok {
		shard.ll.MoveToFront(el)
		el.Value.(*cacheEntry).result = result
		return
	}

	el := shard.ll.PushFront(&cacheEntry{key: key, result: result})
	shard.items[key] = el

	if shard.ll.Len() > shard.capacity {
		oldest := shard.ll.Back()
		if oldest != nil {
			shard.ll.Remove(oldest)
			delete(shard.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// InvalidateAll drops every entry: called whenever the registry
// publishes a new snapshot version, since cache keys embed the version
// already but a bulk clear bounds memory growth across many reload cycles.
func (rc *resultCache) InvalidateAll() {
	for _, shard := range rc.shards {
		shard.mu.Lock()
		shard.ll.Init()
		shard.items = make(map[string]*list.Element)
		shard.mu.Unlock()
	}
}
