package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plyght/hops/internal/config"
	"github.com/plyght/hops/internal/daemon"
)

// JanitorComponent periodically sweeps expired sandbox metadata out of
// the manager table.
type JanitorComponent struct {
	cfg         *config.SandboxConfig
	managerComp *SandboxManagerComponent
	runner      *cron.Cron
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewJanitorComponent(cfg *config.SandboxConfig, managerComp *SandboxManagerComponent) *JanitorComponent {
	return &JanitorComponent{cfg: cfg, managerComp: managerComp}
}

func (j *JanitorComponent) Name() string {
	return "Janitor"
}

func (j *JanitorComponent) Dependencies() []string {
	return []string{"SandboxManager"}
}

func (j *JanitorComponent) Init(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Janitor init cancelled: %w", ctx.Err())
	default:
	}

	schedule := j.cfg.SweepSchedule
	if schedule == "" {
		schedule = config.DefaultSandboxSweepSchedule
	}

	runner := cron.New()
	manager := j.managerComp.Manager()
	if _, err := runner.AddFunc(schedule, func() {
		if removed := manager.Sweep(time.Now()); removed > 0 {
			slog.Debug("Swept expired sandboxes", "removed", removed)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	j.runner = runner
	j.initialized = true
	slog.Info("Janitor initialized", "component", j.Name(), "schedule", schedule)
	return nil
}

func (j *JanitorComponent) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.initialized {
		return fmt.Errorf("Janitor not initialized")
	}
	j.runner.Start()
	j.started = true
	return nil
}

func (j *JanitorComponent) Stop(ctx context.Context) error {
	j.mu.Lock()
	runner := j.runner
	started := j.started
	j.started = false
	j.mu.Unlock()

	if !started || runner == nil {
		return nil
	}

	stopCtx := runner.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor stop: %w", ctx.Err())
	}
}

func (j *JanitorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if !j.initialized {
		return &daemon.ComponentHealth{Name: j.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !j.started {
		return &daemon.ComponentHealth{Name: j.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: j.Name(), Healthy: true}, nil
}
