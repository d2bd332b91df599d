package orchestrator

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/example/design-assistant/internal/config"
	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/params"
)

func bound(f float64) *float64 { return &f }

func TestCheckField(t *testing.T) {
	amps := config.FieldSpec{Key: "main_bus_amps", Type: config.TypeNumber, Min: bound(1), Max: bound(6000)}
	ckts := config.FieldSpec{Key: "number_of_ckts", Type: config.TypeInt, Min: bound(18), Max: bound(84), Even: true}
	phase := config.FieldSpec{Key: "phase", Type: config.TypeEnum, Enum: []string{"1", "3"}}
	mounting := config.FieldSpec{Key: "mounting", Type: config.TypeEnum, Enum: []string{"FLUSH", "SURFACE"}}

	cases := []struct {
		name string
		spec config.FieldSpec
		v    any
		want string
	}{
		{"number ok", amps, 225, ""},
		{"number string with unit", amps, "225A", ""},
		{"number float", amps, 225.5, ""},
		{"number below min", amps, 0, "below minimum 1"},
		{"number above max", amps, "6001", "above maximum 6000"},
		{"nan string", amps, "NaN", "not a number"},
		{"nan float", amps, math.NaN(), "not a number"},
		{"inf string", amps, "Inf", "not a number"},
		{"negative inf", amps, math.Inf(-1), "not a number"},
		{"garbage", amps, "lots", "not a number"},
		{"int ok", ckts, 42, ""},
		{"int fractional", ckts, 42.5, "not an integer"},
		{"int odd", ckts, 41, "must be even"},
		{"int nan", ckts, "nan", "not a number"},
		{"enum numeric", phase, 3, ""},
		{"enum numeric float", phase, 3.0, ""},
		{"enum string", phase, "1", ""},
		{"enum miss", phase, "2", "must be one of 1, 3"},
		{"enum nan", phase, "NaN", "must be one of 1, 3"},
		{"enum case", mounting, "flush", ""},
		{"string anything", config.FieldSpec{Key: "feed", Type: config.TypeString}, "NaN", ""},
		{"unknown type", config.FieldSpec{Key: "x", Type: "date"}, "today", `unknown type "date"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := checkField(tc.spec, tc.v); got != tc.want {
				t.Fatalf("checkField(%v) = %q, want %q", tc.v, got, tc.want)
			}
		})
	}
}

func TestValidateSnapshot_MissingAndBlank(t *testing.T) {
	s := params.NewStore()
	s.Apply(models.ParameterUpdate{Key: "voltage", Value: "  ", UpdatedAt: time.Unix(1, 0), Source: models.SourceText})
	s.Apply(models.ParameterUpdate{Key: "main_bus_amps", Value: "NaN", UpdatedAt: time.Unix(1, 0), Source: models.SourceText})

	err := validateSnapshot(s.Snapshot(), config.DefaultRequirements()[models.KindPanelSchedule])
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}
	if got := strings.Join(ve.Keys(), ","); got != "main_bus_amps,phase,voltage" {
		t.Fatalf("keys = %s", got)
	}
}

func TestBuild_RejectsNonFiniteNumbers(t *testing.T) {
	c := newCoordinator(t, nil)
	id := validPanel(t, c)
	if _, err := c.Registry.UpdateParameters(id, []models.ParameterUpdate{{Key: "main_bus_amps", Value: "NaN"}}, models.SourceText); err != nil {
		t.Fatal(err)
	}
	_, err := c.Build(context.Background(), id)
	var ve *ValidationError
	if !errors.As(err, &ve) || strings.Join(ve.Keys(), ",") != "main_bus_amps" {
		t.Fatalf("err = %v", err)
	}
	if outs, _ := c.Registry.Outputs(id); len(outs) != 0 {
		t.Fatalf("outputs = %+v", outs)
	}
}
