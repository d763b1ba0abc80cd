package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TaskQueueName     = "graphrunner:units"
	ScheduledSetName  = "graphrunner:scheduled"
	ProcessingPrefix  = "graphrunner:processing:"
	HeartbeatPrefix   = "graphrunner:heartbeat:"
	RevocationChannel = "graphrunner:revoke"
)

// moves every due member of the scheduled set to the tail of the ready list
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(due) do
	redis.call('RPUSH', KEYS[2], member)
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// RedisClient implements Client using Redis
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// Publish sends a task message to the queue
func (r *RedisClient) Publish(ctx context.Context, message TaskMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, TaskQueueName, data).Err()
}

// PublishAt parks the message in the scheduled set until at. Scheduled messages are moved to the
// queue by PromoteDue.
func (r *RedisClient) PublishAt(ctx context.Context, message TaskMessage, at time.Time) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.ZAdd(ctx, ScheduledSetName, redis.Z{
		Score:  float64(at.UTC().Unix()),
		Member: data,
	}).Err()
}

// PromoteDue moves all scheduled messages due at now to the queue
func (r *RedisClient) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, r.client,
		[]string{ScheduledSetName, TaskQueueName},
		strconv.FormatInt(now.UTC().Unix(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("could not promote scheduled units: %w", err)
	}
	return n, nil
}

// Subscribe starts listening for messages and processes them with the handler. Each consumer name
// must only be subscribed once
func (r *RedisClient) Subscribe(ctx context.Context, consumer string, handler Handler, onFailure FailureFunc) error {
	processing := ProcessingPrefix + consumer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			raw, message, err := r.getNewMessage(ctx, processing)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().
					Err(err).
					Msg("Error encountered when fetching message from queue")
				continue
			}
			if message == nil {
				continue
			}

			if err := processMessage(ctx, handler, *message); err != nil {
				log.Error().
					Err(err).
					Int64("task_id", message.BuildTaskID).
					Str("unit", string(message.Kind)).
					Msg("Error encountered when processing message")
				if onFailure != nil {
					onFailure(context.WithoutCancel(ctx), *message, err)
				}
			}
			r.ack(processing, raw)
		}
	}
}

// getNewMessage moves the next message into the processing list. Messages that cannot be decoded are
// dropped from the processing list straight away.
func (r *RedisClient) getNewMessage(ctx context.Context, processing string) (string, *TaskMessage, error) {
	raw, err := r.client.BLMove(ctx, TaskQueueName, processing, "LEFT", "RIGHT", 1*time.Second).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("BLMOVE from redis queue went bad. %w", err)
	}

	message, err := decode(raw)
	if err != nil {
		r.ack(processing, raw)
		return "", nil, err
	}
	return raw, message, nil
}

func (r *RedisClient) ack(processing, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.LRem(ctx, processing, 1, raw).Err(); err != nil {
		log.Warn().Err(err).Str("list", processing).Msg("Could not remove unit from processing list")
	}
}

func decode(raw string) (*TaskMessage, error) {
	var message TaskMessage
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		return nil, fmt.Errorf("could not parse message into TaskMessage. %w", err)
	}
	return &message, nil
}

func processMessage(ctx context.Context, handler Handler, message TaskMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().Interface("panic", rcv).Int64("task_id", message.BuildTaskID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(ctx, message)
}

// Heartbeat refreshes the liveness key of consumer
func (r *RedisClient) Heartbeat(ctx context.Context, consumer string, ttl time.Duration) error {
	return r.client.Set(ctx, HeartbeatPrefix+consumer, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// ReapLost empties the processing lists whose consumer has no live heartbeat and returns the units
// found in them
func (r *RedisClient) ReapLost(ctx context.Context) ([]TaskMessage, error) {
	var lost []TaskMessage

	iter := r.client.Scan(ctx, 0, ProcessingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		consumer := strings.TrimPrefix(key, ProcessingPrefix)

		alive, err := r.client.Exists(ctx, HeartbeatPrefix+consumer).Result()
		if err != nil {
			return lost, err
		}
		if alive > 0 {
			continue
		}

		var items *redis.StringSliceCmd
		if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			items = pipe.LRange(ctx, key, 0, -1)
			pipe.Del(ctx, key)
			return nil
		}); err != nil {
			return lost, err
		}

		for _, raw := range items.Val() {
			message, err := decode(raw)
			if err != nil {
				log.Warn().Err(err).Str("consumer", consumer).Msg("Dropping undecodable unit of lost consumer")
				continue
			}
			lost = append(lost, *message)
		}
	}
	return lost, iter.Err()
}

// Revoke removes every queued or scheduled message of the build task and broadcasts the id so that
// consumers running one of its units can cancel it. It returns the number of messages removed.
func (r *RedisClient) Revoke(ctx context.Context, buildTaskID int64) (int, error) {
	removed := 0

	queued, err := r.client.LRange(ctx, TaskQueueName, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for _, raw := range queued {
		if !belongsTo(raw, buildTaskID) {
			continue
		}
		n, err := r.client.LRem(ctx, TaskQueueName, 0, raw).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}

	scheduled, err := r.client.ZRange(ctx, ScheduledSetName, 0, -1).Result()
	if err != nil {
		return removed, err
	}
	for _, raw := range scheduled {
		if !belongsTo(raw, buildTaskID) {
			continue
		}
		n, err := r.client.ZRem(ctx, ScheduledSetName, raw).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}

	if err := r.client.Publish(ctx, RevocationChannel, buildTaskID).Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func belongsTo(raw string, buildTaskID int64) bool {
	message, err := decode(raw)
	return err == nil && message.BuildTaskID == buildTaskID
}

// Revocations subscribes to revoked build task ids. The channel is closed once ctx is done.
func (r *RedisClient) Revocations(ctx context.Context) (<-chan int64, error) {
	pubsub := r.client.Subscribe(ctx, RevocationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan int64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				id, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					log.Warn().Str("payload", msg.Payload).Msg("Invalid revocation message")
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
