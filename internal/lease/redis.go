package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix   = "nimbus:lease:"
	defaultRedisTTL = 30 * time.Second
)

// Token-checked scripts so a holder never touches a lease it lost to expiry.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisOption configures a [Redis] locker.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Defaults to "nimbus:lease:".
func WithPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// Redis is a [Locker] backed by SET NX PX. Held leases are refreshed in the
// background at a third of their TTL until released.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: connect redis %s: %w", addr, err)
	}
	return NewRedis(client, opts...), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// Ping implements [Locker].
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Acquire implements [Locker].
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	l := &redisLease{
		r:      r,
		key:    key,
		full:   full,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.refresh(refreshCtx, ttl)
	return l, nil
}

type redisLease struct {
	r      *Redis
	key    string
	full   string
	token  string
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	err  error
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) refresh(ctx context.Context, ttl time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.r.client, []string{l.full}, l.token, ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("lease: refresh failed", "key", l.key, "err", err)
				}
				continue
			}
			if n == 0 {
				slog.Warn("lease: lost to expiry", "key", l.key)
				return
			}
		}
	}
}

// Release stops the refresher and deletes the key if this lease still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if err := releaseScript.Run(ctx, l.r.client, []string{l.full}, l.token).Err(); err != nil {
			l.err = fmt.Errorf("lease: release %s: %w", l.key, err)
		}
	})
	return l.err
}
