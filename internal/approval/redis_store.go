package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiredGrace keeps expired tokens readable for a while so validation can
// report "expired" instead of "not_found" until the sweep removes them.
const expiredGrace = time.Hour

const maxWatchRetries = 5

// RedisStore shares tokens across replicas. Each token is a JSON value under
// its own key; consumption uses WATCH/MULTI so concurrent consumers race on
// an optimistic lock and at most one commits.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a token store on client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "signgate:approval:"}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) keyTTL(t *Token) time.Duration {
	return time.Duration(t.TTLSeconds)*time.Second + expiredGrace
}

func (r *RedisStore) Create(ctx context.Context, t *Token) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(t.ID), raw, r.keyTTL(t)).Result()
	if err != nil {
		return fmt.Errorf("approval: redis create: %w", err)
	}
	if !ok {
		return fmt.Errorf("approval: token %s already exists", t.ID)
	}
	return nil
}

func (r *RedisStore) read(ctx context.Context, c redis.Cmdable, id string) (*Token, error) {
	raw, err := c.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: redis get: %w", err)
	}
	t := &Token{}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("approval: decode token %s: %w", id, err)
	}
	return t, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Token, error) {
	return r.read(ctx, r.client, id)
}

func (r *RedisStore) Validate(ctx context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error) {
	t, err := r.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return Validation{}, err
	}
	return checkToken(t, intentID, txRequestHash, now), nil
}

// update runs fn on the current token inside WATCH and writes the token back
// when fn reports a change. Lost races are retried.
func (r *RedisStore) update(ctx context.Context, id string, fn func(t *Token) bool) error {
	key := r.key(id)
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			t, err := r.read(ctx, tx, id)
			if err != nil && !errors.Is(err, ErrTokenNotFound) {
				return err
			}
			if !fn(t) {
				return nil
			}
			raw, err := json.Marshal(t)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, key, raw, redis.SetArgs{KeepTTL: true})
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("approval: token %s: too much contention", id)
}

func (r *RedisStore) Consume(ctx context.Context, id string) error {
	var result error
	err := r.update(ctx, id, func(t *Token) bool {
		switch {
		case t == nil:
			result = ErrTokenNotFound
		case t.Consumed:
			result = ErrAlreadyConsumed
		default:
			result = nil
			t.Consumed = true
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	return result
}

func (r *RedisStore) ValidateAndConsume(ctx context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error) {
	var v Validation
	err := r.update(ctx, id, func(t *Token) bool {
		v = checkToken(t, intentID, txRequestHash, now)
		if !v.Valid {
			return false
		}
		t.Consumed = true
		return true
	})
	if err != nil {
		return Validation{}, err
	}
	return v, nil
}

func (r *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		t, err := r.read(ctx, r.client, key[len(r.prefix):])
		if errors.Is(err, ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if !t.Expired(now) {
			continue
		}
		deleted, err := r.client.Del(ctx, key).Result()
		if err != nil {
			return n, fmt.Errorf("approval: redis delete: %w", err)
		}
		n += int(deleted)
	}
	return n, iter.Err()
}
