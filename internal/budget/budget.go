// Package budget tracks Tier D invocations against an hourly ceiling.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clinical-extractor/internal/config"
)

// Counter is the shared count of Tier D calls in the current window.
// Implementations must be safe for concurrent use.
type Counter interface {
	// Available reports whether a reservation would currently succeed.
	Available(ctx context.Context) (bool, error)
	// Reserve atomically takes one slot. It returns false once the ceiling
	// is reached for the window.
	Reserve(ctx context.Context) (bool, error)
	// Count returns the number of reservations in the current window.
	Count(ctx context.Context) (int, error)
	// Ceiling returns the per-window limit.
	Ceiling() int
}

// WindowCounter is an in-process fixed-window counter.
type WindowCounter struct {
	ceiling int
	window  time.Duration

	mu    sync.Mutex
	start time.Time
	count int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewWindowCounter creates a counter allowing ceiling reservations per window.
func NewWindowCounter(ceiling int, window time.Duration) *WindowCounter {
	if window <= 0 {
		window = time.Hour
	}
	return &WindowCounter{ceiling: ceiling, window: window, nowFunc: time.Now}
}

// roll resets the count when the window has elapsed. Callers hold mu.
func (w *WindowCounter) roll() {
	now := w.nowFunc()
	if w.start.IsZero() || !now.Before(w.start.Add(w.window)) {
		w.start = now
		w.count = 0
	}
}

// Available implements Counter.
func (w *WindowCounter) Available(_ context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	return w.count < w.ceiling, nil
}

// Reserve implements Counter.
func (w *WindowCounter) Reserve(_ context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	if w.count >= w.ceiling {
		return false, nil
	}
	w.count++
	return true, nil
}

// Count implements Counter.
func (w *WindowCounter) Count(_ context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	return w.count, nil
}

// Ceiling implements Counter.
func (w *WindowCounter) Ceiling() int { return w.ceiling }

// New builds the counter selected by cfg. The returned close func releases
// any connection and is never nil.
func New(ctx context.Context, cfg config.BudgetConfig) (Counter, func() error, error) {
	window := time.Duration(cfg.WindowSecs) * time.Second
	switch cfg.Backend {
	case "", "memory":
		return NewWindowCounter(cfg.HourlyCeiling, window), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, eris.Wrapf(err, "budget: ping redis %s", cfg.RedisAddr)
		}
		zap.L().Info("budget: using redis counter",
			zap.String("addr", cfg.RedisAddr),
			zap.Int("ceiling", cfg.HourlyCeiling),
		)
		return NewRedisCounter(client, cfg.RedisKey, cfg.HourlyCeiling, window), client.Close, nil
	default:
		return nil, nil, eris.Errorf("budget: unknown backend %q", cfg.Backend)
	}
}
