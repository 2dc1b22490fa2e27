package concurrency

import "sync"

// SandboxLockManager hands out exclusive per-sandbox attachment claims. A
// sandbox's stdin writer belongs to exactly one client session; a second
// session attempting to attach is refused rather than queued.
type SandboxLockManager struct {
	held map[string]struct{}
	mu   sync.Mutex
}

func NewSandboxLockManager() *SandboxLockManager {
	return &SandboxLockManager{
		held: make(map[string]struct{}),
	}
}

// TryAcquire claims the sandbox for the calling session. Returns false if
// another session already holds it.
func (m *SandboxLockManager) TryAcquire(sandboxID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[sandboxID]; ok {
		return false
	}
	m.held[sandboxID] = struct{}{}
	return true
}

func (m *SandboxLockManager) Release(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, sandboxID)
}
