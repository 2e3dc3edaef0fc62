// Package store is the shared state layer backing queues, sessions, rooms,
// and cross-instance pub/sub. Every service instance talks to the same Redis;
// single-key operations are the atomicity primitive the rest of the system
// builds on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/metrics"
)

const retryBackoff = 50 * time.Millisecond

// Store wraps the Redis client with a circuit breaker and typed errors.
// All failures surface as errs.StoreUnavailable; callers decide whether to
// fail open (rate limiter) or closed (everything else).
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// New creates a Store connected to the given Redis address.
func New(addr, password string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	slog.Info("Connected to Redis state store", "addr", addr)
	return &Store{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// do executes fn behind the circuit breaker with one retry on transient
// failure. All errors come back as errs.StoreUnavailable.
func (s *Store) do(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && ctx.Err() == nil {
		// One retry with a short backoff before surfacing the failure.
		time.Sleep(retryBackoff)
		res, err = s.cb.Execute(fn)
	}
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
		}
		metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, errs.Wrap(errs.KindStoreUnavailable, op+" failed", err)
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// --- Key-value ---

// Set writes a string value with a TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.do(ctx, "set", func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// Get reads a string value. ok is false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	res, err := s.do(ctx, "get", func() (any, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	_, err := s.do(ctx, "del", func() (any, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.do(ctx, "exists", func() (any, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

// Expire refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.do(ctx, "expire", func() (any, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

// Incr atomically increments a counter, applying the TTL when the counter
// is created by this call. Returns the new value.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.do(ctx, "incr", func() (any, error) {
		n, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if n == 1 && ttl > 0 {
			if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
				return nil, err
			}
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Hashes ---

// HSet writes hash fields and refreshes the key TTL when ttl > 0.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	_, err := s.do(ctx, "hset", func() (any, error) {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		return nil, err
	})
	return err
}

// HGet reads a single hash field. ok is false when the field is absent.
func (s *Store) HGet(ctx context.Context, key, field string) (value string, ok bool, err error) {
	res, err := s.do(ctx, "hget", func() (any, error) {
		v, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// HGetAll reads all hash fields. An empty map means the key does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.do(ctx, "hgetall", func() (any, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// HIncrBy atomically increments a hash field and returns the new value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	res, err := s.do(ctx, "hincrby", func() (any, error) {
		return s.client.HIncrBy(ctx, key, field, incr).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := s.do(ctx, "hdel", func() (any, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

// --- Lists ---

// RPush appends values to the right of a list.
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := s.do(ctx, "rpush", func() (any, error) {
		return nil, s.client.RPush(ctx, key, args...).Err()
	})
	return err
}

// LPop atomically removes and returns the head of a list.
// ok is false when the list is empty.
func (s *Store) LPop(ctx context.Context, key string) (value string, ok bool, err error) {
	res, err := s.do(ctx, "lpop", func() (any, error) {
		v, err := s.client.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// LLen returns the list length.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	res, err := s.do(ctx, "llen", func() (any, error) {
		return s.client.LLen(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// LRem removes every occurrence of value from the list and returns the
// number removed.
func (s *Store) LRem(ctx context.Context, key, value string) (int64, error) {
	res, err := s.do(ctx, "lrem", func() (any, error) {
		return s.client.LRem(ctx, key, 0, value).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// LRange returns the list slice [start, stop].
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := s.do(ctx, "lrange", func() (any, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// LTrim trims the list to the slice [start, stop].
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	_, err := s.do(ctx, "ltrim", func() (any, error) {
		return nil, s.client.LTrim(ctx, key, start, stop).Err()
	})
	return err
}

// LPush prepends values to the left of a list.
func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := s.do(ctx, "lpush", func() (any, error) {
		return nil, s.client.LPush(ctx, key, args...).Err()
	})
	return err
}

// --- Transactions ---

// TxPipelined runs fn inside a MULTI/EXEC pipeline.
func (s *Store) TxPipelined(ctx context.Context, op string, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.do(ctx, op, func() (any, error) {
		_, err := s.client.TxPipelined(ctx, fn)
		return nil, err
	})
	return err
}

// --- Pub/Sub ---

// Envelope is the standardized container for cross-instance messages.
type Envelope struct {
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
}

// Publish sends an envelope to a named topic.
func (s *Store) Publish(ctx context.Context, topic, event string, payload any, senderID string) error {
	_, err := s.do(ctx, "publish", func() (any, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}

		msg := Envelope{
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, topic, data).Err()
	})
	return err
}

// Subscription is a live pub/sub subscription; Close stops the listener.
type Subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Close terminates the subscription and its listener goroutine.
func (sub *Subscription) Close() error {
	sub.cancel()
	return sub.pubsub.Close()
}

// Subscribe listens on a topic and invokes handler for every valid envelope.
// The listener goroutine exits when the context is cancelled or the
// subscription is closed.
func (s *Store) Subscribe(ctx context.Context, topic string, handler func(Envelope)) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, topic)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Debug(subCtx, "Subscription channel closed", zap.String("topic", topic))
					return
				}

				var envelope Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					logging.Error(subCtx, "Failed to unmarshal pub/sub envelope",
						zap.String("topic", topic), zap.Error(err))
					continue
				}

				handler(envelope)
			}
		}
	}()

	return &Subscription{pubsub: pubsub, cancel: cancel}
}

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.do(ctx, "ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
