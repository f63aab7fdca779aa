// Package redisq implements the queue broker on Redis lists. Each queue key
// fans out to three priority lists drained high before normal before low;
// within a list the order is strict FIFO. Dequeue is peek-and-lease: items
// move to a per-queue inflight list and are only removed by Ack, so a worker
// crash never loses the item.
package redisq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lensworks/visionflow/internal/adapter/observability"
	"github.com/lensworks/visionflow/internal/domain"
)

const (
	memberSuffix   = ":members"
	inflightSuffix = ":inflight"
	dataSuffix     = ":inflight:data"
	deadlineKey    = "inflight:deadlines"

	pollInterval = 100 * time.Millisecond
)

// envelope is the wire form of one queued item. The priority rides along so
// a reclaim can requeue the item to the list it came from.
type envelope struct {
	domain.QueueItem
	Priority domain.Priority `json:"priority"`
}

// Broker implements domain.Broker.
type Broker struct {
	rdb         redis.UniversalClient
	capacity    int
	inflightTTL time.Duration
}

// New constructs a Broker. capacity bounds each queue's pending depth;
// inflightTTL is how long an unacked item may stay leased before the reaper
// requeues it.
func New(rdb redis.UniversalClient, capacity int, inflightTTL time.Duration) *Broker {
	if capacity <= 0 {
		capacity = 1000
	}
	if inflightTTL <= 0 {
		inflightTTL = 5 * time.Minute
	}
	return &Broker{rdb: rdb, capacity: capacity, inflightTTL: inflightTTL}
}

func listKey(queueKey string, p domain.Priority) string { return queueKey + ":" + string(p) }

// Enqueue appends an item to the queue at the given priority. Idempotent on
// (task_id, queue_key): a task already pending or inflight on this queue is
// not enqueued twice. Blocks while the queue is at capacity; items are never
// dropped.
func (b *Broker) Enqueue(ctx domain.Context, queueKey string, item domain.QueueItem, p domain.Priority) error {
	payload, err := json.Marshal(envelope{QueueItem: item, Priority: p})
	if err != nil {
		return fmt.Errorf("op=broker.enqueue: %w", err)
	}
	for {
		depth, err := b.Depth(ctx, queueKey)
		if err != nil {
			return err
		}
		if depth < b.capacity {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=broker.enqueue: backpressure wait: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	added, err := b.rdb.SAdd(ctx, queueKey+memberSuffix, item.TaskID).Result()
	if err != nil {
		return fmt.Errorf("op=broker.enqueue: %w", err)
	}
	if added == 0 {
		// Already pending or inflight on this queue.
		return nil
	}
	if err := b.rdb.RPush(ctx, listKey(queueKey, p), payload).Err(); err != nil {
		// Roll back membership so a later enqueue can retry.
		_ = b.rdb.SRem(ctx, queueKey+memberSuffix, item.TaskID).Err()
		return fmt.Errorf("op=broker.enqueue: %w", err)
	}
	observability.TasksEnqueuedTotal.WithLabelValues(queueKey).Inc()
	return nil
}

// Dequeue leases the next item, draining priorities in order. Returns nil
// when wait elapses with nothing available.
func (b *Broker) Dequeue(ctx domain.Context, queueKey string, wait time.Duration) (*domain.DequeuedItem, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, p := range domain.Priorities() {
			raw, err := b.rdb.LMove(ctx, listKey(queueKey, p), queueKey+inflightSuffix, "LEFT", "RIGHT").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("op=broker.dequeue: %w", err)
			}
			var env envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				// Poison payload: drop it from inflight rather than wedging the queue.
				_ = b.rdb.LRem(ctx, queueKey+inflightSuffix, 1, raw).Err()
				return nil, fmt.Errorf("op=broker.dequeue: decode: %w", err)
			}
			pipe := b.rdb.TxPipeline()
			pipe.HSet(ctx, queueKey+dataSuffix, env.TaskID, raw)
			pipe.ZAdd(ctx, deadlineKey, redis.Z{
				Score:  float64(time.Now().Add(b.inflightTTL).Unix()),
				Member: queueKey + "|" + env.TaskID,
			})
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("op=broker.dequeue: lease: %w", err)
			}
			return &domain.DequeuedItem{Item: env.QueueItem, QueueKey: queueKey}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("op=broker.dequeue: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Ack removes a leased item for good and releases its idempotency slot.
func (b *Broker) Ack(ctx domain.Context, queueKey, taskID string) error {
	raw, err := b.rdb.HGet(ctx, queueKey+dataSuffix, taskID).Result()
	if err == redis.Nil {
		return fmt.Errorf("op=broker.ack: task %s not inflight on %s: %w", taskID, queueKey, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=broker.ack: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, queueKey+inflightSuffix, 1, raw)
	pipe.HDel(ctx, queueKey+dataSuffix, taskID)
	pipe.ZRem(ctx, deadlineKey, queueKey+"|"+taskID)
	pipe.SRem(ctx, queueKey+memberSuffix, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.ack: %w", err)
	}
	return nil
}

// Depth reports the pending depth of a queue across its priority lists.
// Inflight items do not count against capacity.
func (b *Broker) Depth(ctx domain.Context, queueKey string) (int, error) {
	var total int64
	for _, p := range domain.Priorities() {
		n, err := b.rdb.LLen(ctx, listKey(queueKey, p)).Result()
		if err != nil {
			return 0, fmt.Errorf("op=broker.depth: %w", err)
		}
		total += n
	}
	return int(total), nil
}

// ReclaimInflight requeues items whose lease deadline passed, at the head of
// the priority list they came from so they drain next. Returns the number
// requeued.
func (b *Broker) ReclaimInflight(ctx domain.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	members, err := b.rdb.ZRangeByScore(ctx, deadlineKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=broker.reclaim: %w", err)
	}
	reclaimed := 0
	for _, m := range members {
		queueKey, taskID, ok := strings.Cut(m, "|")
		if !ok {
			_ = b.rdb.ZRem(ctx, deadlineKey, m).Err()
			continue
		}
		raw, err := b.rdb.HGet(ctx, queueKey+dataSuffix, taskID).Result()
		if err == redis.Nil {
			_ = b.rdb.ZRem(ctx, deadlineKey, m).Err()
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("op=broker.reclaim: %w", err)
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			_ = b.rdb.ZRem(ctx, deadlineKey, m).Err()
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.LRem(ctx, queueKey+inflightSuffix, 1, raw)
		pipe.HDel(ctx, queueKey+dataSuffix, taskID)
		pipe.ZRem(ctx, deadlineKey, m)
		pipe.LPush(ctx, listKey(queueKey, env.Priority), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("op=broker.reclaim: %w", err)
		}
		reclaimed++
	}
	if reclaimed > 0 {
		observability.TasksReclaimedTotal.Add(float64(reclaimed))
	}
	return reclaimed, nil
}
