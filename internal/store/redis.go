package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultURL is the store used when no redis_url is configured.
const DefaultURL = "redis://localhost:6379/0"

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client *redis.Client
}

// Open connects to the Redis server at url (redis://[:password@]host:port/db).
func Open(ctx context.Context, url string) (*Redis, error) {
	if url == "" {
		url = DefaultURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	r := NewRedis(redis.NewClient(opts))
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("connecting to %s: %w", opts.Addr, err)
	}
	return r, nil
}

// NewRedis wraps an existing client. The Redis value owns the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	return get(ctx, r.client, key)
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return hgetall(ctx, r.client, key)
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *Redis) ZRange(ctx context.Context, key string) ([]string, error) {
	return r.client.ZRange(ctx, key, 0, -1).Result()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *Redis) Transact(ctx context.Context, fn func(Tx) error, keys ...string) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&redisTx{tx: tx})
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (r *Redis) Apply(ctx context.Context, fn func(Pipe)) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&redisPipe{ctx: ctx, p: p})
		return nil
	})
	return err
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Receive blocks until the server confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	sub := &redisSubscription{ps: ps, out: make(chan string, 1), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// redisTx runs reads on the watched connection.
type redisTx struct {
	tx *redis.Tx
}

func (t *redisTx) Get(ctx context.Context, key string) (string, error) {
	return get(ctx, t.tx, key)
}

func (t *redisTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return hgetall(ctx, t.tx, key)
}

func (t *redisTx) SMembers(ctx context.Context, key string) ([]string, error) {
	return t.tx.SMembers(ctx, key).Result()
}

func (t *redisTx) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return t.tx.SIsMember(ctx, key, member).Result()
}

func (t *redisTx) ZRange(ctx context.Context, key string) ([]string, error) {
	return t.tx.ZRange(ctx, key, 0, -1).Result()
}

func (t *redisTx) Exists(ctx context.Context, key string) (bool, error) {
	n, err := t.tx.Exists(ctx, key).Result()
	return n > 0, err
}

func (t *redisTx) Watch(ctx context.Context, keys ...string) error {
	return t.tx.Watch(ctx, keys...).Err()
}

func (t *redisTx) SInterStore(ctx context.Context, dst string, keys ...string) (int64, error) {
	return t.tx.SInterStore(ctx, dst, keys...).Result()
}

func (t *redisTx) SPop(ctx context.Context, key string) (string, error) {
	v, err := t.tx.SPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (t *redisTx) Exec(ctx context.Context, fn func(Pipe)) error {
	_, err := t.tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&redisPipe{ctx: ctx, p: p})
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// redisPipe queues commands on a MULTI/EXEC pipeline. Per-command errors
// surface from the enclosing TxPipelined call.
type redisPipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	p.p.Set(p.ctx, key, value, ttl)
}

func (p *redisPipe) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	p.p.HSet(p.ctx, key, args...)
}

func (p *redisPipe) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	p.p.SAdd(p.ctx, key, toAny(members)...)
}

func (p *redisPipe) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	p.p.SRem(p.ctx, key, toAny(members)...)
}

func (p *redisPipe) ZAdd(key string, score float64, member string) {
	p.p.ZAdd(p.ctx, key, redis.Z{Score: score, Member: member})
}

func (p *redisPipe) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	p.p.ZRem(p.ctx, key, toAny(members)...)
}

func (p *redisPipe) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.p.Del(p.ctx, keys...)
}

func (p *redisPipe) Expire(key string, ttl time.Duration) {
	p.p.Expire(p.ctx, key, ttl)
}

func (p *redisPipe) RPush(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	p.p.RPush(p.ctx, key, toAny(values)...)
}

func (p *redisPipe) LTrim(key string, start, stop int64) {
	p.p.LTrim(p.ctx, key, start, stop)
}

func (p *redisPipe) Publish(channel, message string) {
	p.p.Publish(p.ctx, channel, message)
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan string
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan string { return s.out }

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.ps.Close()
}

// cmdable is the read subset shared by *redis.Client and *redis.Tx.
type cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func get(ctx context.Context, c cmdable, key string) (string, error) {
	v, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func hgetall(ctx context.Context, c cmdable, key string) (map[string]string, error) {
	m, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
