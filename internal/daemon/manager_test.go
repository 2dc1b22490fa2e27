package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/plyght/hops/internal/config"
)

type mockComponent struct {
	name         string
	dependencies []string
	initCalled   bool
	startCalled  bool
	stopCalled   bool
	initError    error
	startError   error
	stopError    error
	healthResult *ComponentHealth

	initOrder *[]string
	stopOrder *[]string
}

func newMockComponent(name string, dependencies []string) *mockComponent {
	return &mockComponent{
		name:         name,
		dependencies: dependencies,
		healthResult: &ComponentHealth{
			Name:    name,
			Healthy: true,
		},
	}
}

func (m *mockComponent) Name() string {
	return m.name
}

func (m *mockComponent) Dependencies() []string {
	return m.dependencies
}

func (m *mockComponent) Init(ctx context.Context) error {
	m.initCalled = true
	if m.initOrder != nil {
		*m.initOrder = append(*m.initOrder, m.name)
	}
	return m.initError
}

func (m *mockComponent) Start(ctx context.Context) error {
	m.startCalled = true
	return m.startError
}

func (m *mockComponent) Stop(ctx context.Context) error {
	m.stopCalled = true
	if m.stopOrder != nil {
		*m.stopOrder = append(*m.stopOrder, m.name)
	}
	return m.stopError
}

func (m *mockComponent) Health(ctx context.Context) (*ComponentHealth, error) {
	return m.healthResult, nil
}

func TestNewDaemon(t *testing.T) {
	d, err := NewDaemon(&config.Config{})
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}
	if len(d.components) != 0 {
		t.Errorf("components = %v, want 0", len(d.components))
	}
	if d.Health() != StatusStarting {
		t.Errorf("health = %v, want %v", d.Health(), StatusStarting)
	}

	if _, err := NewDaemon(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestResolveInitOrderRespectsDependencies(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})

	var order []string
	server := newMockComponent("server", []string{"manager"})
	server.initOrder = &order
	manager := newMockComponent("manager", []string{"runtime"})
	manager.initOrder = &order
	rt := newMockComponent("runtime", nil)
	rt.initOrder = &order

	d.AddComponent(server)
	d.AddComponent(manager)
	d.AddComponent(rt)

	if err := d.initializeComponents(context.Background()); err != nil {
		t.Fatalf("initializeComponents() failed: %v", err)
	}

	want := []string{"runtime", "manager", "server"}
	if len(order) != len(want) {
		t.Fatalf("init order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("init order = %v, want %v", order, want)
		}
	}
}

func TestResolveInitOrderDetectsCycle(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})
	d.AddComponent(newMockComponent("a", []string{"b"}))
	d.AddComponent(newMockComponent("b", []string{"a"}))

	if err := d.initializeComponents(context.Background()); err == nil {
		t.Fatal("expected circular dependency error")
	}
}

func TestValidateDependenciesRejectsUnknown(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})
	d.AddComponent(newMockComponent("a", []string{"missing"}))

	if err := d.validateDependencies(); err == nil {
		t.Fatal("expected error for unregistered dependency")
	}
}

func TestInitFailureStopsInitialization(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})

	first := newMockComponent("first", nil)
	second := newMockComponent("second", []string{"first"})
	second.initError = errors.New("boom")
	third := newMockComponent("third", []string{"second"})

	d.AddComponent(first)
	d.AddComponent(second)
	d.AddComponent(third)

	if err := d.initializeComponents(context.Background()); err == nil {
		t.Fatal("expected init error")
	}
	if !first.initCalled || !second.initCalled {
		t.Error("expected first and second to be initialized")
	}
	if third.initCalled {
		t.Error("third should not have been initialized after failure")
	}
}

func TestShutdownReversesRegistrationOrder(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})

	var stopOrder []string
	first := newMockComponent("first", nil)
	first.stopOrder = &stopOrder
	second := newMockComponent("second", nil)
	second.stopOrder = &stopOrder

	d.AddComponent(first)
	d.AddComponent(second)

	if err := d.shutdownComponents(context.Background()); err != nil {
		t.Fatalf("shutdownComponents() failed: %v", err)
	}

	if len(stopOrder) != 2 || stopOrder[0] != "second" || stopOrder[1] != "first" {
		t.Fatalf("stop order = %v, want [second first]", stopOrder)
	}
	if d.Health() != StatusStopped {
		t.Errorf("health = %v, want %v", d.Health(), StatusStopped)
	}
}

func TestComponentHealthAggregation(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})

	healthy := newMockComponent("healthy", nil)
	sick := newMockComponent("sick", nil)
	sick.healthResult = &ComponentHealth{Name: "sick", Healthy: false, Error: errors.New("degraded")}

	d.AddComponent(healthy)
	d.AddComponent(sick)

	healths := d.ComponentHealth()
	if len(healths) != 2 {
		t.Fatalf("expected 2 health entries, got %d", len(healths))
	}
	if !healths["healthy"].Healthy {
		t.Error("healthy component reported unhealthy")
	}
	if healths["sick"].Healthy {
		t.Error("sick component reported healthy")
	}
}

func TestComponentLookup(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})
	comp := newMockComponent("lookup", nil)
	d.AddComponent(comp)

	if got := d.Component("lookup"); got != comp {
		t.Error("Component() did not return registered component")
	}
	if got := d.Component("absent"); got != nil {
		t.Error("Component() returned something for unknown name")
	}
}
