// Package services manages the lifecycle of the engine's long-running
// components: start in dependency order, stop in reverse, with per-service
// timeouts.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus string

const (
	StatusNotStarted ServiceStatus = "not_started"
	StatusStarting   ServiceStatus = "starting"
	StatusRunning    ServiceStatus = "running"
	StatusStopping   ServiceStatus = "stopping"
	StatusStopped    ServiceStatus = "stopped"
	StatusFailed     ServiceStatus = "failed"
)

// Service is a long-running component managed by the orchestrator.
type Service interface {
	// Name identifies the service in logs and status queries.
	Name() string

	// Start brings the service up. It must return once the service is
	// running; long-lived work happens on the service's own goroutines.
	Start(ctx context.Context) error

	// Stop shuts the service down. The context bounds how long the
	// shutdown may take.
	Stop(ctx context.Context) error

	// Dependencies names the services that must be running first.
	Dependencies() []string
}

// ServiceInfo is a point-in-time snapshot of one managed service.
type ServiceInfo struct {
	Name         string        `json:"name"`
	Status       ServiceStatus `json:"status"`
	Dependencies []string      `json:"dependencies"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	StoppedAt    *time.Time    `json:"stopped_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Orchestrator starts and stops a set of services in dependency order.
type Orchestrator struct {
	mu         sync.Mutex
	services   map[string]Service
	status     map[string]ServiceStatus
	startedAt  map[string]time.Time
	stoppedAt  map[string]time.Time
	lastErrors map[string]error
	logger     *slog.Logger

	startTimeout time.Duration
	stopTimeout  time.Duration
}

// NewOrchestrator creates an empty orchestrator with default timeouts.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		services:     make(map[string]Service),
		status:       make(map[string]ServiceStatus),
		startedAt:    make(map[string]time.Time),
		stoppedAt:    make(map[string]time.Time),
		lastErrors:   make(map[string]error),
		logger:       slog.Default(),
		startTimeout: 30 * time.Second,
		stopTimeout:  10 * time.Second,
	}
}

// WithLogger sets a custom logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// WithTimeouts configures per-service start and stop timeouts.
func (o *Orchestrator) WithTimeouts(start, stop time.Duration) *Orchestrator {
	o.startTimeout = start
	o.stopTimeout = stop
	return o
}

// Register adds a service. Names must be unique; dependencies are checked
// at start time, so registration order does not matter.
func (o *Orchestrator) Register(svc Service) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := svc.Name()
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if _, exists := o.services[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}

	o.services[name] = svc
	o.status[name] = StatusNotStarted

	o.logger.Debug("Service registered",
		slog.String("service", name),
		slog.Any("dependencies", svc.Dependencies()))
	return nil
}

// StartAll starts every registered service in dependency order. On the
// first failure it stops the services already running and returns.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, err := o.startOrder()
	if err != nil {
		return fmt.Errorf("resolve service start order: %w", err)
	}

	o.logger.Info("Starting services", slog.Any("order", order))

	for _, name := range order {
		if err := o.startService(ctx, name); err != nil {
			o.stopRunning(ctx)
			return err
		}
	}
	return nil
}

// StopAll stops every running service in reverse start order. All stops
// are attempted; the last failure is returned.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, err := o.startOrder()
	if err != nil {
		return fmt.Errorf("resolve service stop order: %w", err)
	}

	var lastErr error
	for i := len(order) - 1; i >= 0; i-- {
		if err := o.stopService(ctx, order[i]); err != nil {
			lastErr = err
			o.logger.Error("Service stop failed",
				slog.String("service", order[i]),
				slog.String("error", err.Error()))
		}
	}
	return lastErr
}

// Info returns a snapshot of one service, or false when unknown.
func (o *Orchestrator) Info(name string) (ServiceInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.infoLocked(name)
}

// AllInfo returns a snapshot of every registered service.
func (o *Orchestrator) AllInfo() []ServiceInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos := make([]ServiceInfo, 0, len(o.services))
	for name := range o.services {
		if info, ok := o.infoLocked(name); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

func (o *Orchestrator) infoLocked(name string) (ServiceInfo, bool) {
	svc, exists := o.services[name]
	if !exists {
		return ServiceInfo{}, false
	}
	info := ServiceInfo{
		Name:         name,
		Status:       o.status[name],
		Dependencies: svc.Dependencies(),
	}
	if t, ok := o.startedAt[name]; ok {
		info.StartedAt = &t
	}
	if t, ok := o.stoppedAt[name]; ok {
		info.StoppedAt = &t
	}
	if err := o.lastErrors[name]; err != nil {
		info.LastError = err.Error()
	}
	return info, true
}

// startOrder topologically sorts the services by their dependencies.
func (o *Orchestrator) startOrder() ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	var order []string

	var visit func(string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency involving service %s", name)
		}
		if visited[name] {
			return nil
		}
		svc, exists := o.services[name]
		if !exists {
			return fmt.Errorf("unknown service dependency %s", name)
		}

		visiting[name] = true
		for _, dep := range svc.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for name := range o.services {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (o *Orchestrator) startService(ctx context.Context, name string) error {
	svc := o.services[name]
	o.status[name] = StatusStarting

	startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()

	start := time.Now()
	if err := svc.Start(startCtx); err != nil {
		o.status[name] = StatusFailed
		o.lastErrors[name] = err
		return fmt.Errorf("start service %s: %w", name, err)
	}

	o.status[name] = StatusRunning
	o.startedAt[name] = start
	o.lastErrors[name] = nil

	o.logger.Info("Service started",
		slog.String("service", name),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (o *Orchestrator) stopService(ctx context.Context, name string) error {
	svc := o.services[name]
	if o.status[name] != StatusRunning {
		return nil
	}
	o.status[name] = StatusStopping

	stopCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
	defer cancel()

	stop := time.Now()
	if err := svc.Stop(stopCtx); err != nil {
		o.status[name] = StatusFailed
		o.lastErrors[name] = err
		return err
	}

	o.status[name] = StatusStopped
	o.stoppedAt[name] = stop

	o.logger.Info("Service stopped",
		slog.String("service", name),
		slog.Duration("duration", time.Since(stop)))
	return nil
}

// stopRunning is the cleanup path when StartAll fails partway.
func (o *Orchestrator) stopRunning(ctx context.Context) {
	for name, status := range o.status {
		if status == StatusRunning {
			if err := o.stopService(ctx, name); err != nil {
				o.logger.Error("Service cleanup stop failed",
					slog.String("service", name),
					slog.String("error", err.Error()))
			}
		}
	}
}
