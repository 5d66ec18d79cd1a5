// Package api defines the lifecycle contract shared by runnable services.
package api

import (
	"context"

	"github.com/unklstewy/securelinks/pkg/healthcheck"
)

// Service is a long-running component started once and stopped once.
type Service interface {
	// Name identifies the service in logs and health reports.
	Name() string

	// Start returns once the service is accepting work. Background work
	// keeps running until Stop.
	Start(ctx context.Context) error

	// Stop shuts down within ctx's deadline. Calling it twice is safe.
	Stop(ctx context.Context) error

	IsRunning() bool

	// HealthEngine aggregates the health of everything the service owns.
	HealthEngine() *healthcheck.Engine
}
