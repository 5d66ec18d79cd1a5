// Package healthcheck aggregates component health for the service.
package healthcheck

import (
	"context"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy means the component works normally
	StatusHealthy Status = "healthy"
	// StatusDegraded means the component works with reduced capability
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the component cannot do its job
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown means the check produced no result
	StatusUnknown Status = "unknown"
)

// Result contains the health check result for a component.
type Result struct {
	// ComponentName is the checker's registered name
	ComponentName string `json:"component"`
	// Status is the outcome of the check
	Status Status `json:"status"`
	// Message explains a non-healthy status
	Message string `json:"message,omitempty"`
	// Timestamp is when the check ran
	Timestamp time.Time `json:"timestamp"`
	// Duration is how long the check took
	Duration time.Duration `json:"duration"`
	// Details holds component specific values such as the key pair id
	Details map[string]interface{} `json:"details,omitempty"`
}

// Checker is implemented by every component that reports health.
type Checker interface {
	// Check probes the component and reports its status
	Check(ctx context.Context) *Result
	// Name is the key the result is reported under
	Name() string
}

// Func adapts a function into a named Checker. The function returns nil when
// the component is healthy.
type Func struct {
	// ComponentName is returned by Name
	ComponentName string
	// Probe returns an error when the component is not usable
	Probe func(ctx context.Context) error
	// Degrade reports failures as degraded instead of unhealthy
	Degrade bool
}

// Name returns the component name.
func (f Func) Name() string {
	return f.ComponentName
}

// Check runs the probe and converts its error into a Result.
func (f Func) Check(ctx context.Context) *Result {
	result := &Result{
		ComponentName: f.ComponentName,
		Status:        StatusHealthy,
		Timestamp:     time.Now(),
	}
	if err := f.Probe(ctx); err != nil {
		result.Status = StatusUnhealthy
		if f.Degrade {
			result.Status = StatusDegraded
		}
		result.Message = err.Error()
	}
	return result
}

// AggregatedResult contains health check results from multiple components.
type AggregatedResult struct {
	// OverallStatus is the worst status among the components
	OverallStatus Status `json:"status"`
	// Components maps checker names to their results
	Components map[string]*Result `json:"components"`
	// Timestamp is when the aggregation finished
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy returns true if the overall status is healthy.
func (ar *AggregatedResult) IsHealthy() bool {
	return ar.OverallStatus == StatusHealthy
}

// IsUnhealthy returns true if the overall status is unhealthy.
func (ar *AggregatedResult) IsUnhealthy() bool {
	return ar.OverallStatus == StatusUnhealthy
}

// DetermineOverallStatus picks the worst status among results. Unknown
// components count as degraded.
func DetermineOverallStatus(results map[string]*Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}

	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			overall = StatusDegraded
		}
	}
	return overall
}
