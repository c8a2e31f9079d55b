package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueuePrefix = "embeddings:"

var ErrNilRedisClient = errors.New("redis client is nil")

// RedisQueue is a Processor that hands work to embedding workers through two
// sorted sets: "<prefix>upsert" and "<prefix>remove", scored by request
// time. A ref lives in at most one of them, so the latest request wins.
type RedisQueue struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

var _ Processor = (*RedisQueue)(nil)

// NewRedisQueue returns a RedisQueue. An empty prefix uses "embeddings:".
func NewRedisQueue(client redis.Cmdable, prefix string) (*RedisQueue, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}

	if prefix == "" {
		prefix = defaultQueuePrefix
	}

	return &RedisQueue{client: client, prefix: prefix, now: time.Now}, nil
}

// UpsertKey is the sorted set of refs awaiting (re)embedding.
func (q *RedisQueue) UpsertKey() string { return q.prefix + "upsert" }

// RemoveKey is the sorted set of refs whose embeddings must be dropped.
func (q *RedisQueue) RemoveKey() string { return q.prefix + "remove" }

// Member encodes ref as a sorted-set member.
func Member(ref Ref) string {
	return ref.EntityType + ":" + ref.EntityID
}

// Upsert implements Processor.
func (q *RedisQueue) Upsert(ctx context.Context, ref Ref) error {
	return q.move(ctx, ref, q.UpsertKey(), q.RemoveKey())
}

// Remove implements Processor.
func (q *RedisQueue) Remove(ctx context.Context, ref Ref) error {
	return q.move(ctx, ref, q.RemoveKey(), q.UpsertKey())
}

func (q *RedisQueue) move(ctx context.Context, ref Ref, to, from string) error {
	member := Member(ref)
	score := float64(q.now().UnixMilli())

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, from, member)
		pipe.ZAdd(ctx, to, redis.Z{Score: score, Member: member})

		return nil
	})

	return err
}
