package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plyght/hops/internal/concurrency"
	"github.com/plyght/hops/internal/config"
	"github.com/plyght/hops/internal/daemon"
	"github.com/plyght/hops/internal/policy"
	"github.com/plyght/hops/internal/service"
)

// ControlChannelComponent serves the unix socket API clients talk to.
type ControlChannelComponent struct {
	cfg         *config.Config
	managerComp *SandboxManagerComponent
	storeComp   *ProfileStoreComponent
	server      *service.Server
	serveErr    chan error
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewControlChannelComponent(cfg *config.Config, managerComp *SandboxManagerComponent, storeComp *ProfileStoreComponent) *ControlChannelComponent {
	return &ControlChannelComponent{
		cfg:         cfg,
		managerComp: managerComp,
		storeComp:   storeComp,
		serveErr:    make(chan error, 1),
	}
}

func (c *ControlChannelComponent) Name() string {
	return "ControlChannel"
}

func (c *ControlChannelComponent) Dependencies() []string {
	return []string{"SandboxManager", "ProfileStore"}
}

func (c *ControlChannelComponent) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ControlChannel init cancelled: %w", ctx.Err())
	default:
	}

	c.server = service.NewServer(c.managerComp.Manager(), c.storeComp.Store(), c.buildValidator())
	c.initialized = true
	slog.Info("ControlChannel initialized", "component", c.Name(), "socket", c.cfg.Server.SocketPath)
	return nil
}

func (c *ControlChannelComponent) buildValidator() *policy.Validator {
	limits := policy.Limits{
		MaxCPUs:        c.cfg.Policy.MaxCPUs,
		MaxMemoryBytes: c.cfg.Policy.MaxMemoryBytes,
		MaxProcesses:   c.cfg.Policy.MaxProcesses,
	}
	sensitive := c.cfg.Policy.SensitivePaths
	if len(sensitive) == 0 {
		sensitive = policy.DefaultSensitivePaths()
	}
	return policy.NewValidator(limits, sensitive)
}

func (c *ControlChannelComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("ControlChannel not initialized")
	}

	server := c.server
	socketPath := c.cfg.Server.SocketPath
	concurrency.SafeGo(func() {
		c.serveErr <- server.ListenAndServe(socketPath)
	}, nil)

	c.started = true
	slog.Info("ControlChannel started", "component", c.Name(), "socket", socketPath)
	return nil
}

func (c *ControlChannelComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	started := c.started
	c.started = false
	c.mu.Unlock()

	if !started || server == nil {
		return nil
	}

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown control channel: %w", err)
	}
	if err := <-c.serveErr; err != nil {
		slog.Warn("Control channel serve loop ended with error", "error", err)
	}
	return nil
}

func (c *ControlChannelComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !c.started {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}

	select {
	case err := <-c.serveErr:
		c.serveErr <- err
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("serve loop exited: %w", err)}, nil
	default:
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}
