package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/design-assistant/internal/models"
)

func TestReaper_EvictsIdleTaskAndReleasesSlot(t *testing.T) {
	r := newTestRegistry(t, 2)
	now := at(1_000_000)
	r.SetClock(func() time.Time { return now })

	idle := activeTask(t, r, "idle")
	busy := activeTask(t, r, "busy")
	p := &Reaper{Registry: r, IdleTimeout: 24 * time.Hour, PendingTTL: 24 * time.Hour}

	now = now.Add(23 * time.Hour)
	r.UpdateParameters(busy, []models.ParameterUpdate{{Key: "voltage", Value: "480V"}}, models.SourceText)
	if got := p.Sweep(now); len(got) != 0 {
		t.Fatalf("evicted early: %v", got)
	}

	now = now.Add(2 * time.Hour)
	got := p.Sweep(now)
	if len(got) != 1 || got[0] != idle {
		t.Fatalf("evicted = %v, want [%s]", got, idle)
	}
	if _, err := r.Get(idle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get idle = %v", err)
	}
	if r.ws.Exists(idle) {
		t.Fatal("idle task directory not deleted")
	}
	if g, err := r.Get(busy); err != nil || g.State != models.StateActive {
		t.Fatalf("busy = %+v, %v", g, err)
	}

	next, _ := r.Create(models.KindPowerPlan, "")
	if _, err := r.ConfirmStart(next.ID); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestReaper_AwaitingFinishIsStillIdle(t *testing.T) {
	r := newTestRegistry(t, 2)
	now := at(0)
	r.SetClock(func() time.Time { return now })
	id := activeTask(t, r, "")
	r.RequestFinish(id)
	p := &Reaper{Registry: r, IdleTimeout: time.Hour, PendingTTL: time.Hour}
	if got := p.Sweep(now.Add(2 * time.Hour)); len(got) != 1 {
		t.Fatalf("evicted = %v", got)
	}
	if r.Limiter().InUse() != 0 {
		t.Fatal("slot held after eviction")
	}
}

func TestReaper_PendingTTL(t *testing.T) {
	r := newTestRegistry(t, 2)
	now := at(0)
	r.SetClock(func() time.Time { return now })
	task, _ := r.Create(models.KindOneLine, "")
	p := &Reaper{Registry: r, IdleTimeout: 24 * time.Hour, PendingTTL: 10 * time.Minute}
	if got := p.Sweep(now.Add(5 * time.Minute)); len(got) != 0 {
		t.Fatalf("evicted early: %v", got)
	}
	if got := p.Sweep(now.Add(11 * time.Minute)); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("evicted = %v", got)
	}
}

func TestReaper_SweepLeftovers(t *testing.T) {
	r := newTestRegistry(t, 2)
	stale := filepath.Join(r.ws.Root(), "0b9e4c1e-stale")
	if err := os.MkdirAll(filepath.Join(stale, "outputs"), 0o755); err != nil {
		t.Fatal(err)
	}
	(&Reaper{Registry: r}).SweepLeftovers()
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale dir still present: %v", err)
	}
}
