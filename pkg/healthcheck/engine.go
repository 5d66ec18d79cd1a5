package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PublishFunc receives every periodic health report.
type PublishFunc func(ctx context.Context, result *AggregatedResult) error

// Engine runs registered checkers concurrently with a per-check timeout.
type Engine struct {
	checkers map[string]Checker
	logger   *zap.Logger
	mu       sync.RWMutex
	timeout  time.Duration
}

// NewEngine creates a new health check engine. A zero timeout defaults to 3 seconds.
func NewEngine(logger *zap.Logger, timeout time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Engine{
		checkers: make(map[string]Checker),
		logger:   logger,
		timeout:  timeout,
	}
}

// Register adds a health checker to the engine, replacing one with the same name.
func (e *Engine) Register(checker Checker) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := checker.Name()
	e.checkers[name] = checker
	e.logger.Debug("Registered health checker", zap.String("component", name))
}

// CheckAll runs all registered health checks and returns aggregated results.
func (e *Engine) CheckAll(ctx context.Context) *AggregatedResult {
	e.mu.RLock()
	checkers := make(map[string]Checker, len(e.checkers))
	for k, v := range e.checkers {
		checkers[k] = v
	}
	e.mu.RUnlock()

	results := make(map[string]*Result, len(checkers))
	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
	)

	for name, checker := range checkers {
		wg.Add(1)
		go func(n string, c Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()

			start := time.Now()
			result := c.Check(checkCtx)
			if result == nil {
				result = &Result{ComponentName: n, Status: StatusUnknown, Timestamp: time.Now()}
			}
			result.Duration = time.Since(start)

			resultsMu.Lock()
			results[n] = result
			resultsMu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &AggregatedResult{
		OverallStatus: DetermineOverallStatus(results),
		Components:    results,
		Timestamp:     time.Now(),
	}
}

// Report runs every check on an interval and hands the result to publish
// until ctx is cancelled.
func (e *Engine) Report(ctx context.Context, interval time.Duration, publish PublishFunc) {
	e.logger.Info("Starting health reporting", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Health reporting stopped")
			return
		case <-ticker.C:
			result := e.CheckAll(ctx)
			if publish == nil {
				continue
			}
			if err := publish(ctx, result); err != nil {
				e.logger.Warn("Failed to publish health report", zap.Error(err))
			}
		}
	}
}
