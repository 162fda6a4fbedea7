// Package redisq carries jobs over Redis Streams. Each job type has its own
// stream read through a consumer group; jobs with a future not_before wait in
// a sorted set until they are due.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"capsule/internal/jobs"
	"capsule/internal/logging"
)

// Options configures a Transport.
type Options struct {
	Prefix     string
	Group      string
	Consumer   string
	Visibility time.Duration
	// Block bounds how long Receive waits on an empty stream.
	Block time.Duration
}

// Transport implements jobs.Transport on Redis Streams.
type Transport struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	groupsMu sync.Mutex
	groups   map[string]bool
	next     int
}

// New wraps client. The client is closed by Close.
func New(client *redis.Client, opts Options, logger *slog.Logger) *Transport {
	if opts.Prefix == "" {
		opts.Prefix = "capsule:jobs"
	}
	if opts.Group == "" {
		opts.Group = "capsule-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 5 * time.Minute
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	return &Transport{
		client: client,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "redisq"),
		now:    time.Now,
		groups: make(map[string]bool),
	}
}

// ForLane returns a view reading as consumer <consumer>/<lane> over the same
// client. Closing the view closes the shared client, so only the parent is
// closed.
func (t *Transport) ForLane(lane string) jobs.Transport {
	opts := t.opts
	opts.Consumer = t.opts.Consumer + "/" + lane
	return &Transport{
		client: t.client,
		opts:   opts,
		logger: t.logger,
		now:    t.now,
		groups: make(map[string]bool),
	}
}

// StreamName returns the stream holding jobs of type t.
func StreamName(prefix string, t jobs.Type) string {
	return prefix + ":" + string(t)
}

func (t *Transport) delayedKey() string {
	return t.opts.Prefix + ":delayed"
}

// Enqueue appends the job to its stream, or to the delayed set when
// not_before is in the future.
func (t *Transport) Enqueue(ctx context.Context, job jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := t.now()
	raw, err := encodeEnvelope(job, now)
	if err != nil {
		return err
	}
	if job.NotBefore.After(now) {
		if err := t.client.ZAdd(ctx, t.delayedKey(), redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: raw,
		}).Err(); err != nil {
			return fmt.Errorf("zadd delayed: %w", err)
		}
		return nil
	}
	return t.publish(ctx, job.Type, raw)
}

func (t *Transport) publish(ctx context.Context, jobType jobs.Type, raw string) error {
	args := &redis.XAddArgs{
		Stream: StreamName(t.opts.Prefix, jobType),
		Values: map[string]interface{}{"envelope": raw},
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// promoteDue moves due delayed jobs onto their streams. ZRem decides the
// winner when several consumers promote the same member.
func (t *Transport) promoteDue(ctx context.Context) error {
	due, err := t.client.ZRangeByScore(ctx, t.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", t.now().UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore delayed: %w", err)
	}
	for _, raw := range due {
		removed, err := t.client.ZRem(ctx, t.delayedKey(), raw).Result()
		if err != nil {
			return fmt.Errorf("zrem delayed: %w", err)
		}
		if removed == 0 {
			continue
		}
		job, err := decodeEnvelope(raw)
		if err != nil {
			logging.WarnWithContext(t.logger, "dropping undecodable delayed job", "job_decode_failed",
				logging.String(logging.FieldErrorHint, "inspect the delayed set for foreign writers"),
				logging.String(logging.FieldImpact, "job discarded"),
				logging.Error(err),
			)
			continue
		}
		if err := t.publish(ctx, job.Type, raw); err != nil {
			// Put it back so it is not lost.
			_ = t.client.ZAdd(ctx, t.delayedKey(), redis.Z{Score: float64(t.now().UnixMilli()), Member: raw}).Err()
			return err
		}
	}
	return nil
}

func (t *Transport) ensureGroup(ctx context.Context, stream string) error {
	t.groupsMu.Lock()
	defer t.groupsMu.Unlock()
	if t.groups[stream] {
		return nil
	}
	if err := t.client.XGroupCreateMkStream(ctx, stream, t.opts.Group, "0").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create: %w", err)
		}
	}
	t.groups[stream] = true
	return nil
}

// Receive promotes due delayed jobs, reclaims deliveries idle longer than the
// visibility timeout, then reads new entries. Streams are visited round-robin
// so one busy job type cannot starve the others.
func (t *Transport) Receive(ctx context.Context, types []jobs.Type) (*jobs.Delivery, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if err := t.promoteDue(ctx); err != nil {
		return nil, err
	}

	t.groupsMu.Lock()
	start := t.next % len(types)
	t.next++
	t.groupsMu.Unlock()

	for i := range types {
		jobType := types[(start+i)%len(types)]
		stream := StreamName(t.opts.Prefix, jobType)
		if err := t.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
		if d, err := t.reclaim(ctx, stream); err != nil || d != nil {
			return d, err
		}
	}

	streams := make([]string, 0, len(types)*2)
	for i := range types {
		streams = append(streams, StreamName(t.opts.Prefix, types[(start+i)%len(types)]))
	}
	for range types {
		streams = append(streams, ">")
	}
	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.opts.Group,
		Consumer: t.opts.Consumer,
		Streams:  streams,
		Count:    1,
		Block:    t.opts.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, st := range res {
		for _, msg := range st.Messages {
			if d, ok := t.decodeMessage(ctx, st.Stream, msg, 1); ok {
				return d, nil
			}
		}
	}
	return nil, nil
}

func (t *Transport) reclaim(ctx context.Context, stream string) (*jobs.Delivery, error) {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    t.opts.Group,
		Consumer: t.opts.Consumer,
		MinIdle:  t.opts.Visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	for _, msg := range msgs {
		if d, ok := t.decodeMessage(ctx, stream, msg, 2); ok {
			return d, nil
		}
	}
	return nil, nil
}

// decodeMessage turns a stream entry into a delivery. Entries that cannot be
// decoded are acked and dropped.
func (t *Transport) decodeMessage(ctx context.Context, stream string, msg redis.XMessage, deliveries int) (*jobs.Delivery, bool) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		_ = t.ack(ctx, stream, msg.ID)
		return nil, false
	}
	job, err := decodeEnvelope(raw)
	if err != nil {
		logging.WarnWithContext(t.logger, "dropping undecodable stream entry", "job_decode_failed",
			logging.String(logging.FieldErrorHint, "inspect the stream for foreign writers"),
			logging.String(logging.FieldImpact, "job discarded"),
			logging.String("stream", stream),
			logging.Error(err),
		)
		_ = t.ack(ctx, stream, msg.ID)
		return nil, false
	}
	return &jobs.Delivery{Job: job, Receipt: receipt(stream, msg.ID), Deliveries: deliveries}, true
}

func receipt(stream, id string) string {
	return stream + "|" + id
}

func splitReceipt(value string) (string, string, error) {
	idx := strings.LastIndex(value, "|")
	if idx <= 0 || idx == len(value)-1 {
		return "", "", fmt.Errorf("malformed receipt %q", value)
	}
	return value[:idx], value[idx+1:], nil
}

func (t *Transport) ack(ctx context.Context, stream, id string) error {
	if err := t.client.XAck(ctx, stream, t.opts.Group, id).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := t.client.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Ack acknowledges and deletes the stream entry.
func (t *Transport) Ack(ctx context.Context, d *jobs.Delivery) error {
	if d == nil {
		return errors.New("ack: nil delivery")
	}
	stream, id, err := splitReceipt(d.Receipt)
	if err != nil {
		return err
	}
	return t.ack(ctx, stream, id)
}

// Nack acks the entry and schedules a fresh copy after delay.
func (t *Transport) Nack(ctx context.Context, d *jobs.Delivery, delay time.Duration) error {
	if d == nil {
		return errors.New("nack: nil delivery")
	}
	job := d.Job
	job.NotBefore = t.now().Add(delay)
	raw, err := encodeEnvelope(job, t.now())
	if err != nil {
		return err
	}
	if err := t.client.ZAdd(ctx, t.delayedKey(), redis.Z{
		Score:  float64(job.NotBefore.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return fmt.Errorf("zadd delayed: %w", err)
	}
	return t.Ack(ctx, d)
}

// Ping checks connectivity.
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (t *Transport) Close() error {
	return t.client.Close()
}
