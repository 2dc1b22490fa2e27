package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plyght/hops/internal/config"
	"github.com/plyght/hops/internal/daemon"
	"github.com/plyght/hops/internal/sandbox"
)

// SandboxManagerComponent owns the sandbox table. Stopping it
// terminates every sandbox still alive.
type SandboxManagerComponent struct {
	cfg         *config.Config
	runtimeComp *RuntimeComponent
	manager     *sandbox.Manager
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewSandboxManagerComponent(cfg *config.Config, runtimeComp *RuntimeComponent) *SandboxManagerComponent {
	return &SandboxManagerComponent{cfg: cfg, runtimeComp: runtimeComp}
}

func (s *SandboxManagerComponent) Name() string {
	return "SandboxManager"
}

func (s *SandboxManagerComponent) Dependencies() []string {
	return []string{"Runtime"}
}

func (s *SandboxManagerComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("SandboxManager init cancelled: %w", ctx.Err())
	default:
	}

	bootTimeout, err := config.DurationOrDefault(s.cfg.Runtime.BootTimeout, config.DefaultRuntimeBootTimeout)
	if err != nil {
		return fmt.Errorf("parse runtime boot timeout: %w", err)
	}
	stopGrace, err := config.DurationOrDefault(s.cfg.Sandbox.StopGracePeriod, config.DefaultSandboxStopGracePeriod)
	if err != nil {
		return fmt.Errorf("parse sandbox stop grace period: %w", err)
	}
	retention, err := config.DurationOrDefault(s.cfg.Sandbox.Retention, config.DefaultSandboxRetention)
	if err != nil {
		return fmt.Errorf("parse sandbox retention: %w", err)
	}

	s.manager = sandbox.NewManager(s.runtimeComp.Runtime(), sandbox.Options{
		KernelImage:     s.cfg.Runtime.KernelImage,
		InitImage:       s.cfg.Runtime.InitImage,
		BootTimeout:     bootTimeout,
		StopGracePeriod: stopGrace,
		Retention:       retention,
		OutputBuffer:    s.cfg.Sandbox.OutputBuffer,
	})
	s.initialized = true
	slog.Info("SandboxManager initialized", "component", s.Name(), "retention", retention)
	return nil
}

func (s *SandboxManagerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("SandboxManager not initialized")
	}
	s.started = true
	return nil
}

func (s *SandboxManagerComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	manager := s.manager
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started || manager == nil {
		return nil
	}

	slog.Info("Stopping all sandboxes...", "component", s.Name())
	manager.StopAll(ctx)
	return nil
}

func (s *SandboxManagerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !s.started {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *SandboxManagerComponent) Manager() *sandbox.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manager
}
