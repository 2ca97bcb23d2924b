// Package tuning loads campaign pacing knobs from YAML.
package tuning

import (
	"fmt"
	"os"
	"time"

	"github.com/louisbranch/taleloom/internal/services/narrative/domain/foreshadow"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
	"gopkg.in/yaml.v3"
)

// Tuning groups every adjustable constant of the engine.
type Tuning struct {
	Memory       Memory       `yaml:"memory"`
	Ledger       Ledger       `yaml:"ledger"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Director     Director     `yaml:"director"`
	Maintenance  Maintenance  `yaml:"maintenance"`
}

// Memory tunes decay and retrieval.
type Memory struct {
	Rates           map[string]float64 `yaml:"rates"`
	ProtectedFactor float64            `yaml:"protected_factor"`
	InitialHeat     float64            `yaml:"initial_heat"`
	MaxHeat         float64            `yaml:"max_heat"`
	MinHeat         float64            `yaml:"min_heat"`
	ColdHeat        float64            `yaml:"cold_heat"`
	BoostOnUse      float64            `yaml:"boost_on_use"`
	RetrieveTopK    int                `yaml:"retrieve_top_k"`
}

// Ledger tunes seed ripening.
type Ledger struct {
	MinElapsedTurns   int     `yaml:"min_elapsed_turns"`
	DormancyTurns     int     `yaml:"dormancy_turns"`
	KeywordConfidence float64 `yaml:"keyword_confidence"`
	OverdueTurns      int     `yaml:"overdue_turns"`
}

// Orchestrator tunes the turn pipeline.
type Orchestrator struct {
	ConfidenceFloor float64       `yaml:"confidence_floor"`
	MaxRepairs      int           `yaml:"max_repairs"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	RuleLimit       int           `yaml:"rule_limit"`
	RecentTurns     int           `yaml:"recent_turns"`
	// AllowOverride lets the outcome judge request a bound override.
	AllowOverride bool `yaml:"allow_override"`
}

// Director tunes arc planning cadence.
type Director struct {
	EveryTurns int           `yaml:"every_turns"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Maintenance tunes background jobs.
type Maintenance struct {
	CompressEvery time.Duration `yaml:"compress_every"`
	IdleEviction  time.Duration `yaml:"idle_eviction"`
}

// Default returns the stock tuning.
func Default() Tuning {
	mem := memory.DefaultConfig()
	rates := make(map[string]float64, len(mem.Rates))
	for c, r := range mem.Rates {
		rates[string(c)] = r
	}
	led := foreshadow.DefaultConfig()
	return Tuning{
		Memory: Memory{
			Rates:           rates,
			ProtectedFactor: mem.ProtectedFactor,
			InitialHeat:     mem.InitialHeat,
			MaxHeat:         mem.MaxHeat,
			MinHeat:         mem.MinHeat,
			ColdHeat:        mem.ColdHeat,
			BoostOnUse:      15,
			RetrieveTopK:    8,
		},
		Ledger: Ledger{
			MinElapsedTurns:   led.MinElapsedTurns,
			DormancyTurns:     led.DormancyTurns,
			KeywordConfidence: led.KeywordConfidence,
			OverdueTurns:      led.OverdueTurns,
		},
		Orchestrator: Orchestrator{
			ConfidenceFloor: 0.55,
			MaxRepairs:      2,
			CallTimeout:     30 * time.Second,
			RuleLimit:       5,
			RecentTurns:     4,
		},
		Director: Director{
			EveryTurns: 5,
			Timeout:    90 * time.Second,
		},
		Maintenance: Maintenance{
			CompressEvery: 10 * time.Minute,
			IdleEviction:  30 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default.
func Load(path string) (Tuning, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Tuning, error) {
	t := Default()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Validate rejects values the engine cannot honour.
func (t Tuning) Validate() error {
	for name, rate := range t.Memory.Rates {
		if _, err := memory.ParseCategory(name); err != nil {
			return fmt.Errorf("tuning memory.rates: %w", err)
		}
		if rate < 0 {
			return fmt.Errorf("tuning memory.rates.%s must not be negative", name)
		}
	}
	if t.Memory.MaxHeat <= 0 || t.Memory.InitialHeat > t.Memory.MaxHeat {
		return fmt.Errorf("tuning memory heat bounds invalid: initial %v max %v", t.Memory.InitialHeat, t.Memory.MaxHeat)
	}
	if t.Orchestrator.ConfidenceFloor < 0 || t.Orchestrator.ConfidenceFloor > 1 {
		return fmt.Errorf("tuning orchestrator.confidence_floor must be within [0, 1]")
	}
	if t.Orchestrator.MaxRepairs < 0 {
		return fmt.Errorf("tuning orchestrator.max_repairs must not be negative")
	}
	if t.Ledger.KeywordConfidence <= 0 || t.Ledger.KeywordConfidence > 1 {
		return fmt.Errorf("tuning ledger.keyword_confidence must be within (0, 1]")
	}
	return nil
}

// MemoryConfig converts to the memory store configuration.
func (t Tuning) MemoryConfig() memory.Config {
	cfg := memory.DefaultConfig()
	cfg.Rates = make(map[memory.Category]float64, len(t.Memory.Rates))
	for name, rate := range t.Memory.Rates {
		c, _ := memory.ParseCategory(name)
		cfg.Rates[c] = rate
	}
	cfg.ProtectedFactor = t.Memory.ProtectedFactor
	cfg.InitialHeat = t.Memory.InitialHeat
	cfg.MaxHeat = t.Memory.MaxHeat
	cfg.MinHeat = t.Memory.MinHeat
	cfg.ColdHeat = t.Memory.ColdHeat
	return cfg
}

// LedgerConfig converts to the ledger configuration.
func (t Tuning) LedgerConfig() foreshadow.Config {
	return foreshadow.Config{
		MinElapsedTurns:   t.Ledger.MinElapsedTurns,
		DormancyTurns:     t.Ledger.DormancyTurns,
		KeywordConfidence: t.Ledger.KeywordConfidence,
		OverdueTurns:      t.Ledger.OverdueTurns,
	}
}
