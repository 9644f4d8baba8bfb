package syncer

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed plan.yaml
var defaultPlan []byte

// Result counters a plan entry may report into.
const (
	CounterPatients = "patients"
	CounterTrials   = "trials"
	CounterMatches  = "matches"
)

type Plan struct {
	Collections []Entry `yaml:"collections"`
}

type Entry struct {
	Source      string   `yaml:"source"`
	Destination string   `yaml:"destination"`
	Key         []string `yaml:"key"`
	Counter     string   `yaml:"counter"`
	// SummaryField names a field whose non-empty text becomes a Summary
	// document keyed by patient and trial.
	SummaryField string `yaml:"summary_field,omitempty"`
}

// LoadPlan reads the plan at path, or the built-in plan when path is empty.
func LoadPlan(path string) (*Plan, error) {
	raw := defaultPlan
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading sync plan: %w", err)
		}
		raw = data
	}
	return ParsePlan(raw)
}

func ParsePlan(raw []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("parsing sync plan: %w", err)
	}
	if len(plan.Collections) == 0 {
		return nil, fmt.Errorf("sync plan has no collections")
	}

	seen := make(map[string]bool)
	for i := range plan.Collections {
		e := &plan.Collections[i]
		if e.Source == "" {
			return nil, fmt.Errorf("sync plan entry %d: source is required", i)
		}
		if seen[e.Source] {
			return nil, fmt.Errorf("sync plan entry %d: duplicate source %q", i, e.Source)
		}
		seen[e.Source] = true
		if e.Destination == "" {
			e.Destination = e.Source
		}
		if len(e.Key) == 0 {
			return nil, fmt.Errorf("sync plan entry %q: key is required", e.Source)
		}
		switch e.Counter {
		case CounterPatients, CounterTrials, CounterMatches:
		default:
			return nil, fmt.Errorf("sync plan entry %q: unknown counter %q", e.Source, e.Counter)
		}
	}
	return &plan, nil
}

func (p *Plan) entry(source string) (Entry, bool) {
	for _, e := range p.Collections {
		if e.Source == source {
			return e, true
		}
	}
	return Entry{}, false
}
