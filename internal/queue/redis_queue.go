package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/envelope"
)

// ErrDuplicate is returned by Send and Schedule when an envelope with the same
// dedup key was accepted within the dedup window.
var ErrDuplicate = errors.New("duplicate envelope")

// Delivery is one received message. Raw is the exact body stored in Redis and is
// what Ack and DeadLetter match on.
type Delivery struct {
	Queue    string
	Raw      string
	Envelope envelope.Envelope
}

// DeadLetter is a message parked for operators.
type DeadLetter struct {
	Queue  string    `json:"queue"`
	Reason string    `json:"reason"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// RedisQueue moves envelopes between named queues. Each queue is a ready list,
// a processing list holding received messages, an inflight set scoring their
// visibility deadline and a scheduled set for delayed redelivery.
type RedisQueue struct {
	client        *redis.Client
	codec         envelope.Codec
	visibilityTTL time.Duration
	dedupWindow   time.Duration
	pollInterval  time.Duration
	dlqKey        string
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue wraps client with the queue settings from cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 15 * time.Minute
	}
	window := cfg.DedupWindow
	if window == 0 {
		window = 10 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "dlq"
	}
	return &RedisQueue{
		client:        client,
		codec:         envelope.NewCodec(cfg.InlineTextLimit),
		visibilityTTL: visibility,
		dedupWindow:   window,
		pollInterval:  100 * time.Millisecond,
		dlqKey:        dlq,
	}
}

// Codec exposes the envelope codec used on the wire.
func (q *RedisQueue) Codec() envelope.Codec { return q.codec }

func processingKey(queue string) string { return queue + ":processing" }
func inflightKey(queue string) string   { return queue + ":inflight" }
func scheduledKey(queue string) string  { return queue + ":scheduled" }
func dedupKey(queue, key string) string { return "dedup:" + queue + ":" + key }

// Send encodes env and appends it to queue unless its dedup key was seen in the window.
func (q *RedisQueue) Send(ctx context.Context, queue string, env envelope.Envelope) error {
	body, err := q.codec.Encode(env)
	if err != nil {
		return err
	}
	keys := []string{dedupKey(queue, env.DedupKey()), queue}
	res, err := sendScript.Run(ctx, q.client, keys, string(body), q.dedupWindow.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("send %s: %w", env.JobType, err)
	}
	if res == 0 {
		return ErrDuplicate
	}
	return nil
}

// Schedule parks env until runAt. The dedup guard applies as for Send.
func (q *RedisQueue) Schedule(ctx context.Context, queue string, env envelope.Envelope, runAt time.Time) error {
	body, err := q.codec.Encode(env)
	if err != nil {
		return err
	}
	keys := []string{dedupKey(queue, env.DedupKey()), scheduledKey(queue)}
	res, err := scheduleScript.Run(ctx, q.client, keys, string(body), q.dedupWindow.Milliseconds(), runAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", env.JobType, err)
	}
	if res == 0 {
		return ErrDuplicate
	}
	return nil
}

// PromoteScheduled moves due scheduled messages into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	bodies, err := q.client.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(bodies) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, body := range bodies {
		pipe.ZRem(ctx, scheduledKey(queue), body)
		pipe.RPush(ctx, queue, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(bodies), nil
}

// Receive waits up to wait for the next message on queue. It returns nil, nil
// when nothing arrived. A body that fails to decode is still returned, together
// with an error wrapping envelope.ErrInvalid, so the caller can dead-letter it.
func (q *RedisQueue) Receive(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	keys := []string{queue, processingKey(queue), inflightKey(queue)}
	for {
		lease := time.Now().Add(q.visibilityTTL).UnixMilli()
		res, err := receiveScript.Run(ctx, q.client, keys, lease).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if err == nil {
			body, ok := res.(string)
			if !ok {
				return nil, fmt.Errorf("receive %s: unexpected reply %T", queue, res)
			}
			d := &Delivery{Queue: queue, Raw: body}
			env, err := q.codec.Decode([]byte(body))
			if err != nil {
				return d, err
			}
			d.Envelope = env
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		pause := q.pollInterval
		if pause > remaining {
			pause = remaining
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// ExtendLease pushes the visibility deadline of a received message forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, d *Delivery, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey(d.Queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: d.Raw,
	}).Err()
}

// Ack removes a received message for good.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey(d.Queue), 1, d.Raw)
	pipe.ZRem(ctx, inflightKey(d.Queue), d.Raw)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns messages whose lease ran out to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	bodies, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(bodies) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, body := range bodies {
		pipe.ZRem(ctx, inflightKey(queue), body)
		pipe.LRem(ctx, processingKey(queue), 1, body)
		pipe.RPush(ctx, queue, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(bodies), nil
}

// DeadLetter acks d and parks its body on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	record, err := json.Marshal(DeadLetter{Queue: d.Queue, Reason: reason, Body: d.Raw, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey(d.Queue), 1, d.Raw)
	pipe.ZRem(ctx, inflightKey(d.Queue), d.Raw)
	pipe.RPush(ctx, q.dlqKey, record)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered messages.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			dl = DeadLetter{Body: r, Reason: "unreadable record"}
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth returns the ready length of each queue.
func (q *RedisQueue) Depth(ctx context.Context, queues ...string) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(queues))
	for _, name := range queues {
		cmds = append(cmds, pipe.LLen(ctx, name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(queues))
	for i, c := range cmds {
		out[queues[i]] = c.Val()
	}
	return out, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var sendScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2]) then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var scheduleScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2]) then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

// receiveScript pops the head of the ready list into the processing list and
// leases it in one step, so a received body always has a visibility deadline.
var receiveScript = redis.NewScript(`
local body = redis.call('LPOP', KEYS[1])
if not body then
  return nil
end
redis.call('RPUSH', KEYS[2], body)
redis.call('ZADD', KEYS[3], ARGV[1], body)
return body
`)
