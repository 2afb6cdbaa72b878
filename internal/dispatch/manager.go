package dispatch

import (
	"sync"

	"github.com/p01/dispatchd/internal/envelope"
)

// Manager owns every command's Pool by name. It has no back-edge to any
// Pool's workers or to the job registry — ownership runs one direction,
// Process -> Manager -> Pool -> Workers/Admission/Latency.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// Register adds a started pool under name. Panics on duplicate registration
// — startup wiring only.
func (m *Manager) Register(name string, p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[name]; exists {
		panic("dispatch: duplicate pool " + name)
	}
	m.pools[name] = p
}

// Pool looks up a command's pool by name.
func (m *Manager) Pool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// All returns every registered pool.
func (m *Manager) All() []*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// Close closes every pool, draining in-flight work.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pools {
		p.Close()
	}
}

// SubmitAndWait admits a task onto the named command's pool and blocks
// until the worker publishes an outcome. The caller is responsible for any
// additional wall-clock cap beyond the task's own deadline.
func (m *Manager) SubmitAndWait(name string, task *Task) (Outcome, *envelope.HandlerError) {
	p, ok := m.Pool(name)
	if !ok {
		return Outcome{}, &envelope.HandlerError{Kind: envelope.KindNotFound, Message: "unknown command " + name}
	}
	if err := p.Submit(task); err != nil {
		return Outcome{}, err
	}
	out := <-task.Sink
	return out, nil
}
