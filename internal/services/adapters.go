package services

import (
	"context"
	"fmt"
	"sync"
)

// WorkerPool is the surface the build runner exposes: non-blocking start,
// synchronous drain on stop.
type WorkerPool interface {
	Start(ctx context.Context)
	Stop()
}

// WorkerPoolService adapts the build worker pool to the Service interface.
// The pool's workers run on a context owned by the adapter so Stop can
// cancel them and then wait for the drain.
type WorkerPoolService struct {
	pool   WorkerPool
	name   string
	deps   []string
	cancel context.CancelFunc
}

// NewWorkerPoolService creates a worker pool service adapter.
func NewWorkerPoolService(name string, pool WorkerPool, deps ...string) *WorkerPoolService {
	return &WorkerPoolService{pool: pool, name: name, deps: deps}
}

func (w *WorkerPoolService) Name() string { return w.name }

func (w *WorkerPoolService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.pool.Start(runCtx)
	return nil
}

func (w *WorkerPoolService) Stop(_ context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.pool.Stop()
	return nil
}

func (w *WorkerPoolService) Dependencies() []string { return w.deps }

// Scheduler is the surface the branch watcher exposes.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}

// SchedulerService adapts the branch watcher's scheduler to Service.
type SchedulerService struct {
	scheduler Scheduler
	name      string
	deps      []string
}

// NewSchedulerService creates a scheduler service adapter.
func NewSchedulerService(name string, scheduler Scheduler, deps ...string) *SchedulerService {
	return &SchedulerService{scheduler: scheduler, name: name, deps: deps}
}

func (s *SchedulerService) Name() string { return s.name }

func (s *SchedulerService) Start(ctx context.Context) error {
	return s.scheduler.Start(context.WithoutCancel(ctx))
}

func (s *SchedulerService) Stop(_ context.Context) error {
	return s.scheduler.Stop()
}

func (s *SchedulerService) Dependencies() []string { return s.deps }

// Listener is the surface the push notification listener exposes.
type Listener interface {
	Start(ctx context.Context) error
	Stop()
}

// ListenerService adapts a subscription-style listener to Service.
type ListenerService struct {
	listener Listener
	name     string
	deps     []string
}

// NewListenerService creates a listener service adapter.
func NewListenerService(name string, listener Listener, deps ...string) *ListenerService {
	return &ListenerService{listener: listener, name: name, deps: deps}
}

func (l *ListenerService) Name() string { return l.name }

func (l *ListenerService) Start(ctx context.Context) error {
	return l.listener.Start(context.WithoutCancel(ctx))
}

func (l *ListenerService) Stop(_ context.Context) error {
	l.listener.Stop()
	return nil
}

func (l *ListenerService) Dependencies() []string { return l.deps }

// BackgroundService runs a blocking function on its own goroutine. Start
// returns immediately; Stop cancels the function's context and waits for
// it to return. A non-nil exit error while the service is still supposed
// to be running is reported through OnExit.
type BackgroundService struct {
	name string
	deps []string
	run  func(ctx context.Context) error

	onExit func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewBackgroundService creates a background service around run.
func NewBackgroundService(name string, run func(ctx context.Context) error, deps ...string) *BackgroundService {
	return &BackgroundService{name: name, deps: deps, run: run}
}

// OnExit registers a callback invoked when run returns a non-nil error
// before Stop was called.
func (b *BackgroundService) OnExit(fn func(error)) *BackgroundService {
	b.onExit = fn
	return b
}

func (b *BackgroundService) Name() string { return b.name }

func (b *BackgroundService) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return fmt.Errorf("service %s already started", b.name)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	done := make(chan struct{})
	b.done = done

	go func() {
		err := b.run(runCtx)
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(done)
		if err != nil && runCtx.Err() == nil && b.onExit != nil {
			b.onExit(err)
		}
	}()
	return nil
}

func (b *BackgroundService) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("service %s did not stop in time: %w", b.name, ctx.Err())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *BackgroundService) Dependencies() []string { return b.deps }

// Err returns the exit error recorded after run returned, if any.
func (b *BackgroundService) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
