package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/example/design-assistant/internal/models"
)

// Reaper force-closes tasks that outlived their idle timeout. Slot-holding
// tasks are measured against IdleTimeout and tasks that were never
// confirmed against PendingTTL.
type Reaper struct {
	Registry    *Registry
	IdleTimeout time.Duration
	PendingTTL  time.Duration
	Interval    time.Duration
}

// Run sweeps every Interval until ctx is done.
func (p *Reaper) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.Registry.now())
		}
	}
}

// Sweep evicts every expired task as of now and returns their ids.
func (p *Reaper) Sweep(now time.Time) []string {
	var evicted []string
	for _, id := range p.Registry.ids() {
		var idle time.Duration
		closed := p.Registry.closeIf(id, "timeout", func(t *task) bool {
			idle = now.Sub(t.lastActivity)
			switch {
			case t.state.Occupying():
				return p.IdleTimeout > 0 && idle > p.IdleTimeout
			case t.state == models.StateAwaitingConfirmation:
				return p.PendingTTL > 0 && idle > p.PendingTTL
			}
			return false
		})
		if closed {
			log.Printf("reaper: task_id=%s evicted idle=%s", id, idle.Round(time.Second))
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// SweepLeftovers removes task directories left by a previous process.
// Call it before any task is created.
func (p *Reaper) SweepLeftovers() {
	n, err := p.Registry.ws.Sweep()
	if err != nil {
		log.Printf("reaper: startup sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("reaper: startup sweep removed %d stale task dirs", n)
	}
}
