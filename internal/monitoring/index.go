package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/logging"
)

const indexTTL = 5 * time.Minute

// IndexEntry locates a persisted message-log row for a later status update.
type IndexEntry struct {
	RowID     string    `json:"row_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Index maps message ids to their persisted rows. Entries expire after five
// minutes; a forward result arriving later finds nothing and is dropped.
type Index interface {
	Put(messageID string, e IndexEntry)
	Get(messageID string) (IndexEntry, bool)
	Remove(messageID string)
}

// lruIndex is the in-process default backed by an expiring LRU.
type lruIndex struct {
	cache *expirable.LRU[string, IndexEntry]
}

// NewLRUIndex builds the in-process message-id index.
func NewLRUIndex(size int) Index {
	if size <= 0 {
		size = 100000
	}
	return &lruIndex{cache: expirable.NewLRU[string, IndexEntry](size, nil, indexTTL)}
}

func (i *lruIndex) Put(messageID string, e IndexEntry) { i.cache.Add(messageID, e) }

func (i *lruIndex) Get(messageID string) (IndexEntry, bool) { return i.cache.Get(messageID) }

func (i *lruIndex) Remove(messageID string) { i.cache.Remove(messageID) }

// redisIndex shares the message-id index across processes. Expiry is
// enforced by per-key TTL.
type redisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex builds a Redis-backed message-id index.
func NewRedisIndex(client *redis.Client, prefix string) Index {
	if prefix == "" {
		prefix = "datagate:msgidx:"
	}
	return &redisIndex{client: client, prefix: prefix}
}

func (i *redisIndex) Put(messageID string, e IndexEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := i.client.Set(ctx, i.prefix+messageID, raw, indexTTL).Err(); err != nil {
		logging.Warn("message index write failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (i *redisIndex) Get(messageID string) (IndexEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := i.client.Get(ctx, i.prefix+messageID).Bytes()
	if err != nil {
		return IndexEntry{}, false
	}
	var e IndexEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return IndexEntry{}, false
	}
	return e, true
}

func (i *redisIndex) Remove(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	i.client.Del(ctx, i.prefix+messageID)
}
