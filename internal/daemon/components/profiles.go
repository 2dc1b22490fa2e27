package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plyght/hops/internal/config"
	"github.com/plyght/hops/internal/daemon"
	"github.com/plyght/hops/internal/profile"
)

// ProfileStoreComponent owns the on-disk policy profile library.
type ProfileStoreComponent struct {
	cfg         *config.PolicyConfig
	store       *profile.Store
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewProfileStoreComponent(cfg *config.PolicyConfig) *ProfileStoreComponent {
	return &ProfileStoreComponent{cfg: cfg}
}

func (p *ProfileStoreComponent) Name() string {
	return "ProfileStore"
}

func (p *ProfileStoreComponent) Dependencies() []string {
	return nil
}

func (p *ProfileStoreComponent) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ProfileStore init cancelled: %w", ctx.Err())
	default:
	}

	store, err := profile.NewStore(p.cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	p.store = store
	p.initialized = true
	slog.Info("ProfileStore initialized", "component", p.Name(), "dir", store.Dir())
	return nil
}

func (p *ProfileStoreComponent) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("ProfileStore not initialized")
	}
	p.started = true
	return nil
}

func (p *ProfileStoreComponent) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

func (p *ProfileStoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return &daemon.ComponentHealth{Name: p.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !p.started {
		return &daemon.ComponentHealth{Name: p.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: p.Name(), Healthy: true}, nil
}

func (p *ProfileStoreComponent) Store() *profile.Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store
}
