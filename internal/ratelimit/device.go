package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/clawtrace/internal/config"
)

const (
	keyRegister   = "clawtrace:register:%s"
	keyIngest     = "clawtrace:ingest:%s"
	keyDeviceLock = "clawtrace:device:lock:%s"

	lockRetryInterval = 25 * time.Millisecond
)

var ErrLockTimeout = errors.New("device_lock_timeout")

// DeviceLocker serializes writes for one device.
type DeviceLocker interface {
	Lock(ctx context.Context, deviceID string) (unlock func(), err error)
}

// Limiter guards the public hosted endpoints. Register is keyed by client
// address and ingest by device id. Without Redis the buckets live in process.
type Limiter struct {
	enabled bool

	bucket *TokenBucket
	local  *localBuckets

	registerRate  float64
	registerBurst int
	ingestRate    float64
	ingestBurst   int
}

func NewLimiter(cfg config.Config, client *redis.Client) *Limiter {
	rl := cfg.RateLimit
	l := &Limiter{
		enabled:       rl.Enabled,
		registerRate:  rl.RegisterRate,
		registerBurst: rl.RegisterBurst,
		ingestRate:    rl.IngestRate,
		ingestBurst:   rl.IngestBurst,
	}
	if client != nil {
		l.bucket = NewTokenBucket(client)
	} else {
		l.local = newLocalBuckets()
	}
	return l
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *Limiter) AllowRegister(ctx context.Context, clientAddr string) (Result, error) {
	return l.allow(ctx, fmt.Sprintf(keyRegister, strings.TrimSpace(clientAddr)), l.registerRate, l.registerBurst)
}

func (l *Limiter) AllowIngest(ctx context.Context, deviceID string) (Result, error) {
	return l.allow(ctx, fmt.Sprintf(keyIngest, strings.ToLower(strings.TrimSpace(deviceID))), l.ingestRate, l.ingestBurst)
}

func (l *Limiter) allow(ctx context.Context, key string, r float64, burst int) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	if l.bucket != nil {
		return l.bucket.Allow(ctx, key, r, burst)
	}
	return l.local.allow(key, r, burst), nil
}

type localBuckets struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{buckets: make(map[string]*rate.Limiter)}
}

func (b *localBuckets) allow(key string, r float64, burst int) Result {
	b.mu.Lock()
	lim, ok := b.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r), burst)
		b.buckets[key] = lim
	}
	b.mu.Unlock()

	now := time.Now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return Result{Limit: burst}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Result{Limit: burst, RetryAfter: delay}
	}
	return Result{Allowed: true, Limit: burst, Remaining: int(lim.TokensAt(now))}
}

// RedisDeviceLocker waits for the per-device Redis lock, polling until the
// context ends or wait elapses.
type RedisDeviceLocker struct {
	locker *Locker
	ttl    time.Duration
	wait   time.Duration
	log    *zap.Logger
}

func NewRedisDeviceLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisDeviceLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisDeviceLocker{locker: NewLocker(client), ttl: ttl, wait: ttl, log: log.Named("ratelimit.device_lock")}
}

func (r *RedisDeviceLocker) Lock(ctx context.Context, deviceID string) (func(), error) {
	key := fmt.Sprintf(keyDeviceLock, strings.ToLower(strings.TrimSpace(deviceID)))
	deadline := time.NewTimer(r.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		token, ok, err := r.locker.TryLock(ctx, key, r.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					r.log.Warn("device lock release failed", zap.String("device_id", deviceID), zap.Error(err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}

// KeyedMutex is the in-process DeviceLocker used by single-replica
// deployments. Entries are reference counted and removed when unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, deviceID string) (func(), error) {
	key := strings.ToLower(strings.TrimSpace(deviceID))
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.drop(key, e)
		})
	}, nil
}

func (k *KeyedMutex) drop(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
