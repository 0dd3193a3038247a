package capability

import "sync"

// Governance decides whether a capability may execute right now.
// It is consulted after schema validation and before confirmation, so a
// frozen capability is rejected even on a confirmed re-invocation.
type Governance interface {
	// IsExecutable returns false with a human-readable reason when the
	// capability is blocked.
	IsExecutable(name string) (bool, string)
}

// Lifecycle is the builtin Governance implementation. Capabilities can be
// frozen (temporarily blocked) or deprecated (permanently blocked).
type Lifecycle struct {
	mu         sync.RWMutex
	frozen     map[string]string // name -> reason
	deprecated map[string]string
}

// NewLifecycle creates a Lifecycle with nothing blocked.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		frozen:     make(map[string]string),
		deprecated: make(map[string]string),
	}
}

// Freeze blocks a capability until Unfreeze is called.
func (l *Lifecycle) Freeze(name, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reason == "" {
		reason = "capability is frozen"
	}
	l.frozen[name] = reason
}

// Unfreeze lifts a freeze.
func (l *Lifecycle) Unfreeze(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.frozen, name)
}

// Deprecate permanently blocks a capability.
func (l *Lifecycle) Deprecate(name, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reason == "" {
		reason = "capability is deprecated"
	}
	l.deprecated[name] = reason
}

// IsExecutable implements Governance.
func (l *Lifecycle) IsExecutable(name string) (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if reason, ok := l.deprecated[name]; ok {
		return false, reason
	}
	if reason, ok := l.frozen[name]; ok {
		return false, reason
	}
	return true, ""
}
