package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimiterConfig はログイン試行制限の設定です。
// Window 内に MaxAttempts 回失敗すると Lock の間ロックします。
type LimiterConfig struct {
	MaxAttempts int
	Window      time.Duration
	Lock        time.Duration
}

// DefaultLimiterConfig は 15分間に5回失敗で10分ロックする設定を返します。
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxAttempts: 5,
		Window:      15 * time.Minute,
		Lock:        10 * time.Minute,
	}
}

// Limiter はクライアントごとのログイン失敗回数を管理します。
type Limiter interface {
	// Check はロック中であれば残り時間を返します。
	Check(ctx context.Context, key string) (time.Duration, error)
	// Failure は失敗を記録し、ロックまでの残り回数を返します。
	Failure(ctx context.Context, key string) (int, error)
	// Reset は失敗回数を消去します。
	Reset(ctx context.Context, key string) error
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// MemoryLimiter はプロセス内のマップで試行回数を保持します。
type MemoryLimiter struct {
	cfg      LimiterConfig
	lock     sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewMemoryLimiter は MemoryLimiter を作成します。
func NewMemoryLimiter(cfg LimiterConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:      cfg,
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string) (time.Duration, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	state, ok := l.attempts[key]
	if !ok {
		return 0, nil
	}
	now := l.now()
	if !now.Before(state.lockedUntil) {
		return 0, nil
	}
	return state.lockedUntil.Sub(now), nil
}

func (l *MemoryLimiter) Failure(_ context.Context, key string) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.now()
	state, ok := l.attempts[key]
	if !ok {
		state = &attemptState{}
		l.attempts[key] = state
	}

	// 期間は最初の失敗から数える
	if state.count > 0 && !now.Before(state.firstAttempt.Add(l.cfg.Window)) {
		state.count = 0
	}
	if state.count == 0 {
		state.firstAttempt = now
	}

	state.count++
	if state.count >= l.cfg.MaxAttempts {
		// ロックしたら回数は数え直す（RedisLimiter と同じ挙動）
		state.lockedUntil = now.Add(l.cfg.Lock)
		state.count = 0
		return 0, nil
	}
	return l.cfg.MaxAttempts - state.count, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.attempts, key)
	return nil
}

const (
	limiterFailKeyPrefix = "login:fail:"
	limiterLockKeyPrefix = "login:lock:"
)

// RedisLimiter は Redis のカウンターで試行回数を管理します。複数インスタンスで共有できます。
type RedisLimiter struct {
	rdb redis.UniversalClient
	cfg LimiterConfig
}

// NewRedisLimiter は RedisLimiter を作成します。
func NewRedisLimiter(rdb redis.UniversalClient, cfg LimiterConfig) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg}
}

func (l *RedisLimiter) Check(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.rdb.PTTL(ctx, limiterLockKeyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("limiter check failed: %w", err)
	}
	// キーが存在しない場合は負の値が返る
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *RedisLimiter) Failure(ctx context.Context, key string) (int, error) {
	failKey := limiterFailKeyPrefix + key

	n, err := l.rdb.Incr(ctx, failKey).Result()
	if err != nil {
		return 0, fmt.Errorf("limiter increment failed: %w", err)
	}
	// 期間は最初の失敗から数える
	if n == 1 {
		if err := l.rdb.Expire(ctx, failKey, l.cfg.Window).Err(); err != nil {
			return 0, fmt.Errorf("limiter expire failed: %w", err)
		}
	}

	count := int(n)
	if count < l.cfg.MaxAttempts {
		return l.cfg.MaxAttempts - count, nil
	}

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, limiterLockKeyPrefix+key, 1, l.cfg.Lock)
		pipe.Del(ctx, failKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("limiter lock failed: %w", err)
	}
	return 0, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, limiterFailKeyPrefix+key, limiterLockKeyPrefix+key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("limiter reset failed: %w", err)
	}
	return nil
}
