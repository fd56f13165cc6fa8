// Package redislock provides a Redis-backed ledger.Locker so the per-tool
// guard holds across several API instances sharing one database.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bsm "github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/tool-ledger/ledger"
)

const (
	DefaultTTL   = 30 * time.Second
	DefaultWait  = 5 * time.Second
	retryBackoff = 50 * time.Millisecond
	keyPrefix    = "lock:"
)

type Options struct {
	// TTL bounds how long a crashed holder can block a tool. A live holder
	// refreshes it every TTL/2 until it unlocks.
	TTL time.Duration
	// Wait bounds how long Lock retries before giving up with ErrGuardBusy.
	Wait time.Duration
}

type Locker struct {
	client *bsm.Client
	ttl    time.Duration
	wait   time.Duration
	logger zerolog.Logger
}

var _ ledger.Locker = (*Locker)(nil)

func New(rdb redis.UniversalClient, opts Options, logger zerolog.Logger) *Locker {
	l := &Locker{
		client: bsm.New(rdb),
		ttl:    DefaultTTL,
		wait:   DefaultWait,
		logger: logger,
	}
	if opts.TTL > 0 {
		l.ttl = opts.TTL
	}
	if opts.Wait > 0 {
		l.wait = opts.Wait
	}
	return l
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	lock, err := l.client.Obtain(waitCtx, keyPrefix+key, l.ttl, &bsm.Options{
		RetryStrategy: bsm.LinearBackoff(retryBackoff),
	})
	if err != nil {
		if errors.Is(err, bsm.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ledger.ErrGuardBusy, err)
		}
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lock, key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The request context may already be gone
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, bsm.ErrLockNotHeld) {
				l.logger.Warn().Err(err).Str("key", key).Msg("failed to release redis lock")
			}
		})
	}, nil
}

// keepAlive extends the lock's TTL while the section runs.
func (l *Locker) keepAlive(lock *bsm.Lock, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			err := lock.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh redis lock")
				if errors.Is(err, bsm.ErrNotObtained) || errors.Is(err, redis.ErrClosed) {
					return
				}
			}
		}
	}
}
