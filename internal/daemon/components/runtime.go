package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plyght/hops/internal/config"
	"github.com/plyght/hops/internal/daemon"
	"github.com/plyght/hops/internal/runtime"
	"github.com/plyght/hops/internal/runtime/vmm"
)

// RuntimeComponent owns the VMM adapter that boots sandbox virtual
// machines through the helper binary.
type RuntimeComponent struct {
	cfg         *config.RuntimeConfig
	adapter     *vmm.Adapter
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewRuntimeComponent(cfg *config.RuntimeConfig) *RuntimeComponent {
	return &RuntimeComponent{cfg: cfg}
}

func (r *RuntimeComponent) Name() string {
	return "Runtime"
}

func (r *RuntimeComponent) Dependencies() []string {
	return nil
}

func (r *RuntimeComponent) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Runtime init cancelled: %w", ctx.Err())
	default:
	}

	var options []vmm.Option
	if r.cfg.Helper != "" {
		options = append(options, vmm.WithHelper(r.cfg.Helper))
	}
	r.adapter = vmm.New(options...)
	r.initialized = true
	slog.Info("Runtime initialized", "component", r.Name(), "helper", r.cfg.Helper)
	return nil
}

func (r *RuntimeComponent) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return fmt.Errorf("Runtime not initialized")
	}
	r.started = true
	return nil
}

func (r *RuntimeComponent) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return nil
}

func (r *RuntimeComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return &daemon.ComponentHealth{Name: r.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !r.started {
		return &daemon.ComponentHealth{Name: r.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: r.Name(), Healthy: true}, nil
}

func (r *RuntimeComponent) Runtime() runtime.Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapter
}
