// Package coordinators runs the service components and bridges them to the
// MQTT event bus.
package coordinators

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unklstewy/securelinks/pkg/healthcheck"
	"github.com/unklstewy/securelinks/pkg/mqtt"
	"go.uber.org/zap"
)

// Bus is the part of the MQTT client a coordinator uses.
type Bus interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	PublishMessage(ctx context.Context, topic string, msg *mqtt.Message) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// BaseCoordinator holds the lifecycle shared by coordinators: bus
// connection, health reporting and ordered shutdown.
type BaseCoordinator struct {
	name           string
	bus            Bus
	healthEngine   *healthcheck.Engine
	healthInterval time.Duration
	logger         *zap.Logger

	mu            sync.RWMutex
	running       bool
	startTime     time.Time
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	shutdownFuncs []func(context.Context) error
}

// NewBaseCoordinator creates a coordinator. bus may be nil, in which case
// publishing is a no-op.
func NewBaseCoordinator(name string, bus Bus, health *healthcheck.Engine, logger *zap.Logger) *BaseCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if health == nil {
		health = healthcheck.NewEngine(logger, 3*time.Second)
	}

	return &BaseCoordinator{
		name:           name,
		bus:            bus,
		healthEngine:   health,
		healthInterval: 30 * time.Second,
		logger:         logger.With(zap.String("coordinator", name)),
	}
}

// Name returns the coordinator name.
func (bc *BaseCoordinator) Name() string {
	return bc.name
}

// SetHealthInterval changes how often health is published.
func (bc *BaseCoordinator) SetHealthInterval(d time.Duration) {
	if d > 0 {
		bc.healthInterval = d
	}
}

// IsRunning reports whether Start has been called without Stop.
func (bc *BaseCoordinator) IsRunning() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.running
}

// Start connects the bus and begins health publishing. The returned context
// is cancelled by Stop; background work should run under it.
func (bc *BaseCoordinator) Start(ctx context.Context) (context.Context, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.running {
		return nil, fmt.Errorf("coordinator %s is already running", bc.name)
	}

	bc.logger.Info("Starting coordinator")

	if bc.bus != nil && !bc.bus.IsConnected() {
		if err := bc.bus.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect MQTT: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	bc.cancel = cancel
	bc.running = true
	bc.startTime = time.Now()

	if bc.bus != nil {
		bc.goLocked(func() {
			bc.publishHealth(runCtx)
			bc.healthEngine.Report(runCtx, bc.healthInterval, bc.publishAggregated)
		})
	}

	bc.logger.Info("Coordinator started")
	return runCtx, nil
}

// Go runs fn in the background; Stop waits for it to return.
func (bc *BaseCoordinator) Go(fn func()) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.goLocked(fn)
}

func (bc *BaseCoordinator) goLocked(fn func()) {
	bc.wg.Add(1)
	go func() {
		defer bc.wg.Done()
		fn()
	}()
}

// Stop runs shutdown functions in reverse registration order, waits for
// background work and disconnects the bus.
func (bc *BaseCoordinator) Stop(ctx context.Context) error {
	bc.mu.Lock()
	if !bc.running {
		bc.mu.Unlock()
		return nil
	}
	bc.running = false
	funcs := append([]func(context.Context) error(nil), bc.shutdownFuncs...)
	cancel := bc.cancel
	bc.mu.Unlock()

	bc.logger.Info("Stopping coordinator")

	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](ctx); err != nil {
			bc.logger.Error("Shutdown function failed", zap.Error(err))
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		bc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		bc.logger.Warn("Background work did not finish before shutdown deadline")
	}

	if bc.bus != nil && bc.bus.IsConnected() {
		bc.bus.Disconnect()
	}

	bc.logger.Info("Coordinator stopped")
	return nil
}

// RegisterShutdownFunc adds a function to run during Stop.
func (bc *BaseCoordinator) RegisterShutdownFunc(fn func(context.Context) error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.shutdownFuncs = append(bc.shutdownFuncs, fn)
}

// RegisterHealthCheck adds a checker to the health engine.
func (bc *BaseCoordinator) RegisterHealthCheck(checker healthcheck.Checker) {
	bc.healthEngine.Register(checker)
}

// HealthEngine returns the health engine.
func (bc *BaseCoordinator) HealthEngine() *healthcheck.Engine {
	return bc.healthEngine
}

// Logger returns the coordinator logger.
func (bc *BaseCoordinator) Logger() *zap.Logger {
	return bc.logger
}

// Check implements healthcheck.Checker for the coordinator itself.
func (bc *BaseCoordinator) Check(context.Context) *healthcheck.Result {
	bc.mu.RLock()
	running, started := bc.running, bc.startTime
	bc.mu.RUnlock()

	result := &healthcheck.Result{
		ComponentName: bc.name,
		Status:        healthcheck.StatusHealthy,
		Message:       "coordinator is running",
		Timestamp:     time.Now(),
		Details:       map[string]interface{}{"running": running},
	}
	if !running {
		result.Status = healthcheck.StatusUnhealthy
		result.Message = "coordinator is not running"
		return result
	}
	result.Details["uptime_seconds"] = time.Since(started).Seconds()
	return result
}

// Publish wraps payload in an envelope and sends it on topic. It is a no-op
// when no bus is configured.
func (bc *BaseCoordinator) Publish(ctx context.Context, topic string, msgType mqtt.MessageType, payload any) error {
	if bc.bus == nil {
		return nil
	}
	msg, err := mqtt.NewMessage(msgType, "coordinator:"+bc.name, payload)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}
	return bc.bus.PublishMessage(ctx, topic, msg)
}

func (bc *BaseCoordinator) publishHealth(ctx context.Context) {
	if err := bc.publishAggregated(ctx, bc.healthEngine.CheckAll(ctx)); err != nil {
		bc.logger.Warn("Failed to publish health status", zap.Error(err))
	}
}

func (bc *BaseCoordinator) publishAggregated(ctx context.Context, result *healthcheck.AggregatedResult) error {
	return bc.Publish(ctx, mqtt.HealthTopic(bc.name), mqtt.MessageTypeStatus, result)
}

// NewMQTTClient builds the bus client for a coordinator.
func NewMQTTClient(cfg mqtt.Config, logger *zap.Logger) (*mqtt.Client, error) {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 5 * time.Minute
	}
	cfg.AutoReconnect = true
	return mqtt.NewClient(&cfg, logger)
}
