// Package config loads runtime settings from .env files, an optional YAML
// file and environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/design-assistant/internal/models"
)

// Field types understood by FieldSpec.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeNumber = "number"
	TypeEnum   = "enum"
)

// FieldSpec declares one structural requirement on a build parameter.
type FieldSpec struct {
	Key      string   `yaml:"key"`
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Even     bool     `yaml:"even,omitempty"`
	Enum     []string `yaml:"enum,omitempty"`
}

type Config struct {
	Addr           string        `yaml:"addr"`
	TaskRoot       string        `yaml:"task_root"`
	StateDB        string        `yaml:"state_db"`
	MaxActiveTasks int           `yaml:"max_active_tasks"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PendingTTL     time.Duration `yaml:"pending_ttl"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	ReviewTimeout  time.Duration `yaml:"review_timeout"`
	// Extractor selects the intent extractor: keyword or llm.
	Extractor string `yaml:"extractor"`
	// Reviewer selects the advisory reviewer: rules, llm or none.
	Reviewer     string                          `yaml:"reviewer"`
	Requirements map[models.TaskKind][]FieldSpec `yaml:"requirements"`
}

func ptr(f float64) *float64 { return &f }

// DefaultRequirements is the build schema per task kind.
func DefaultRequirements() map[models.TaskKind][]FieldSpec {
	project := []FieldSpec{{Key: "project", Type: TypeString, Required: true}}
	return map[models.TaskKind][]FieldSpec{
		models.KindPanelSchedule: {
			{Key: "voltage", Type: TypeString, Required: true},
			{Key: "phase", Type: TypeEnum, Required: true, Enum: []string{"1", "3"}},
			{Key: "wire", Type: TypeInt, Min: ptr(2), Max: ptr(4)},
			{Key: "main_bus_amps", Type: TypeNumber, Required: true, Min: ptr(1), Max: ptr(6000)},
			{Key: "main_breaker", Type: TypeString},
			{Key: "number_of_ckts", Type: TypeInt, Min: ptr(18), Max: ptr(84), Even: true},
			{Key: "mounting", Type: TypeEnum, Enum: []string{"FLUSH", "SURFACE", "RECESS", "RECESSED"}},
			{Key: "feed", Type: TypeString},
			{Key: "location", Type: TypeString},
		},
		models.KindOneLine:      project,
		models.KindPowerPlan:    project,
		models.KindLightingPlan: project,
		models.KindRevitPackage: project,
	}
}

func Default() Config {
	return Config{
		Addr:           ":8080",
		TaskRoot:       filepath.Join(os.TempDir(), "design-assistant", "tasks"),
		StateDB:        "assistant-state.db",
		MaxActiveTasks: 2,
		IdleTimeout:    24 * time.Hour,
		PendingTTL:     24 * time.Hour,
		ReaperInterval: time.Minute,
		ReviewTimeout:  30 * time.Second,
		Extractor:      "keyword",
		Reviewer:       "rules",
		Requirements:   DefaultRequirements(),
	}
}

// Load reads .env files, then the YAML file named by ASSISTANT_CONFIG
// (assistant.yaml when unset and present), then environment overrides.
func Load() (Config, error) {
	for _, f := range []string{".env", ".env.txt"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				log.Printf("config: could not load %s: %v", f, err)
			}
		}
	}

	cfg := Default()
	path := os.Getenv("ASSISTANT_CONFIG")
	required := path != ""
	if path == "" {
		path = "assistant.yaml"
	}
	if err := cfg.mergeFile(path, required); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Addr = ":" + v
	}
	if v := os.Getenv("TASK_ROOT"); v != "" {
		c.TaskRoot = v
	}
	if v := os.Getenv("STATE_DB"); v != "" {
		c.StateDB = v
	}
	if v := os.Getenv("EXTRACTOR"); v != "" {
		c.Extractor = strings.ToLower(v)
	}
	if v := os.Getenv("REVIEWER"); v != "" {
		c.Reviewer = strings.ToLower(v)
	}
	if v := os.Getenv("MAX_ACTIVE_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_ACTIVE_TASKS: %w", err)
		}
		c.MaxActiveTasks = n
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TASK_IDLE_TIMEOUT", &c.IdleTimeout},
		{"PENDING_TTL", &c.PendingTTL},
		{"REAPER_INTERVAL", &c.ReaperInterval},
		{"REVIEW_TIMEOUT", &c.ReviewTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = dur
	}
	return nil
}

func (c Config) Validate() error {
	if c.MaxActiveTasks < 1 {
		return fmt.Errorf("max_active_tasks must be at least 1, got %d", c.MaxActiveTasks)
	}
	for name, d := range map[string]time.Duration{
		"idle_timeout":    c.IdleTimeout,
		"pending_ttl":     c.PendingTTL,
		"reaper_interval": c.ReaperInterval,
		"review_timeout":  c.ReviewTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.Extractor {
	case "keyword", "llm":
	default:
		return fmt.Errorf("unknown extractor %q", c.Extractor)
	}
	switch c.Reviewer {
	case "rules", "llm", "none":
	default:
		return fmt.Errorf("unknown reviewer %q", c.Reviewer)
	}
	for kind, specs := range c.Requirements {
		if !kind.Valid() {
			return fmt.Errorf("requirements: unknown task kind %q", kind)
		}
		for _, s := range specs {
			switch s.Type {
			case TypeString, TypeInt, TypeNumber:
			case TypeEnum:
				if len(s.Enum) == 0 {
					return fmt.Errorf("requirements: %s.%s is an enum with no values", kind, s.Key)
				}
			default:
				return fmt.Errorf("requirements: %s.%s has unknown type %q", kind, s.Key, s.Type)
			}
		}
	}
	return nil
}
