package orchestrator

import "sync"

// Limiter caps the number of tasks occupying a slot (Active or
// AwaitingFinishConfirmation). Slots are tracked per task id so a
// duplicate release is harmless.
type Limiter struct {
	mu      sync.Mutex
	ceiling int
	held    map[string]struct{}
}

func NewLimiter(ceiling int) *Limiter {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Limiter{ceiling: ceiling, held: map[string]struct{}{}}
}

// Admit takes a slot for taskID. It reports false when the ceiling is
// reached. Admitting a task that already holds a slot succeeds.
func (l *Limiter) Admit(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[taskID]; ok {
		return true
	}
	if len(l.held) >= l.ceiling {
		return false
	}
	l.held[taskID] = struct{}{}
	return true
}

// Release frees taskID's slot if it holds one.
func (l *Limiter) Release(taskID string) {
	l.mu.Lock()
	delete(l.held, taskID)
	l.mu.Unlock()
}

func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

func (l *Limiter) Ceiling() int { return l.ceiling }
