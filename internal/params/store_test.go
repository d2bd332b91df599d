package params

import (
	"math/rand"
	"testing"
	"time"

	"github.com/example/design-assistant/internal/models"
)

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func TestApply_OutOfOrderArrival(t *testing.T) {
	s := NewStore()
	s.Apply(models.ParameterUpdate{Key: "voltage", Value: 480, UpdatedAt: at(1), Source: models.SourceVoice})
	if s.Apply(models.ParameterUpdate{Key: "voltage", Value: 208, UpdatedAt: at(0), Source: models.SourceText}) {
		t.Fatal("older update should not replace newer value")
	}
	e, ok := s.Get("voltage")
	if !ok || e.Value != 480 {
		t.Fatalf("voltage = %v, want 480", e.Value)
	}
	if e.Source != models.SourceVoice {
		t.Errorf("source = %s, want voice", e.Source)
	}
}

func TestApply_MaxTimestampWinsForAnyOrder(t *testing.T) {
	updates := make([]models.ParameterUpdate, 0, 20)
	for i := 0; i < 20; i++ {
		updates = append(updates, models.ParameterUpdate{Key: "phase", Value: i, UpdatedAt: at(int64(i * 7 % 20)), Source: models.SourceText})
	}
	want := 0
	for _, u := range updates {
		if u.UpdatedAt.Equal(at(19)) {
			want = u.Value.(int)
		}
	}
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		rng.Shuffle(len(updates), func(i, j int) { updates[i], updates[j] = updates[j], updates[i] })
		s := NewStore()
		for _, u := range updates {
			s.Apply(u)
		}
		got, _ := s.Get("phase")
		if got.Value != want {
			t.Fatalf("trial %d: phase = %v, want %v", trial, got.Value, want)
		}
	}
}

func TestApply_TieIsOrderIndependent(t *testing.T) {
	a := models.ParameterUpdate{Key: "wire", Value: "3", UpdatedAt: at(5), Source: models.SourceExtraction}
	b := models.ParameterUpdate{Key: "wire", Value: "4", UpdatedAt: at(5), Source: models.SourceText}

	s1 := NewStore()
	s1.Apply(a)
	s1.Apply(b)
	s2 := NewStore()
	s2.Apply(b)
	s2.Apply(a)

	v1, _ := s1.Get("wire")
	v2, _ := s2.Get("wire")
	if v1.Value != v2.Value {
		t.Fatalf("tie resolved differently: %v vs %v", v1.Value, v2.Value)
	}
	if v1.Value != "4" {
		t.Errorf("typed text should win a tie, got %v", v1.Value)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := NewStore()
	s.Apply(models.ParameterUpdate{Key: "Main Bus Amps", Value: 225, UpdatedAt: at(1)})
	snap := s.Snapshot()
	s.Apply(models.ParameterUpdate{Key: "main_bus_amps", Value: 400, UpdatedAt: at(2)})

	v, ok := snap.Value("main_bus_amps")
	if !ok || v != 225 {
		t.Fatalf("snapshot value = %v, want 225", v)
	}
	if got, _ := s.Get("MAIN BUS AMPS"); got.Value != 400 {
		t.Fatalf("store value = %v, want 400", got.Value)
	}
}

func TestApply_EmptyKeyIgnored(t *testing.T) {
	s := NewStore()
	if s.Apply(models.ParameterUpdate{Key: "  ", Value: 1, UpdatedAt: at(1)}) {
		t.Fatal("empty key should be ignored")
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d", s.Len())
	}
}

func TestStamp(t *testing.T) {
	now := at(100)
	u := Stamp(models.ParameterUpdate{Key: "k"}, models.SourceVoice, now)
	if !u.UpdatedAt.Equal(now) || u.Source != models.SourceVoice {
		t.Fatalf("stamp = %+v", u)
	}
	u = Stamp(models.ParameterUpdate{Key: "k", UpdatedAt: at(3), Source: models.SourceText}, models.SourceVoice, now)
	if !u.UpdatedAt.Equal(at(3)) || u.Source != models.SourceText {
		t.Fatalf("stamp overrode explicit fields: %+v", u)
	}
}
