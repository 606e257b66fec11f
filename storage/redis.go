package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	presbackoff "github.com/tippresence/presenced/backoff"
	"github.com/tippresence/presenced/config"
)

// Redis is an Adaptor backed by a *redis.Client. It probes the connection
// with exponential backoff, synchronously in NewRedis and in each call to
// Reconnect (there is no background loop), and after each successful probe
// runs every hook registered via OnReconnected.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry

	mu    sync.Mutex
	hooks []func(ctx context.Context) error
}

// Options configures the underlying redis.Client and the reconnect loop.
type Options struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	ReconnectInitialInterval time.Duration
	ReconnectMultiplier      float64
}

// OptionsFromPresenceConfig builds Options from the storage_connection
// field of a PresenceConfig, leaving the reconnect/pool tuning at their
// withDefaults() values.
func OptionsFromPresenceConfig(c env.PresenceConfig) Options {
	return Options{Addr: c.StorageConnection}
}

func (o Options) withDefaults() Options {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PoolSize == 0 {
		o.PoolSize = 10
	}
	if o.ReconnectInitialInterval == 0 {
		o.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if o.ReconnectMultiplier == 0 {
		o.ReconnectMultiplier = 2
	}
	return o
}

// NewRedis constructs a Redis adaptor and performs the initial connect,
// retrying with backoff until ctx is cancelled. On success every hook
// registered before this call returns has already been invoked once.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	opts = opts.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	r := &Redis{
		client: client,
		log:    logrus.WithField("component", "storage.redis"),
	}

	if err := r.connect(ctx, opts); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Redis) connect(ctx context.Context, opts Options) error {
	bw := presbackoff.New(ctx, opts.ReconnectInitialInterval, 0.5, opts.ReconnectMultiplier, 0)
	bw.SetDoOperation(func() (any, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	bw.SetNotify(func(err error, d time.Duration) {
		r.log.WithError(err).WithField("retry_in", d).Warn("redis connect failed, retrying")
	})
	if err := bw.Exec(); err != nil {
		return err
	}
	r.runHooks(ctx)
	return nil
}

// Reconnect re-probes the connection with backoff and, once the probe
// succeeds, re-runs every registered hook. Callers that detect a
// dropped connection (a command returning a network error) should invoke
// this before retrying their own operation.
func (r *Redis) Reconnect(ctx context.Context, opts Options) error {
	return r.connect(ctx, opts)
}

func (r *Redis) runHooks(ctx context.Context) {
	r.mu.Lock()
	hooks := make([]func(context.Context) error, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			r.log.WithError(err).Error("reconnect hook failed")
		}
	}
}

func (r *Redis) OnReconnected(fn func(ctx context.Context) error) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if isRedisNil(err) {
		return "", ErrMissingKey
	}
	return v, err
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrMissingKey
	}
	return m, nil
}

func (r *Redis) HDel(ctx context.Context, key, field string) error {
	n, err := r.client.HDel(ctx, key, field).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMissingKey
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *Redis) SGetAll(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return members, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func isRedisNil(err error) bool {
	return err == redis.Nil
}
