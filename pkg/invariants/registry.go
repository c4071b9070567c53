// Package invariants holds the registry of pure invariant checkers evaluated
// by the gate (pkg/gate). Checkers perform no I/O and are deterministic for
// identical input; evolving a checker's semantics requires registering a new
// versioned identifier, never redefining an old one.
package invariants

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Stage is a named gate point at which a checker runs.
type Stage string

const (
	StagePreConsume     Stage = "pre_consume"
	StagePostWrite      Stage = "post_write"
	StageHaltValidation Stage = "halt_validation"
)

// WriteEvidence describes a write that just occurred, for post-write checks.
type WriteEvidence struct {
	Reference  string
	WrittenKey string
}

// Context is the snapshot a checker evaluates. Checkers read it; they never
// mutate it.
type Context struct {
	Stage              Stage
	ScopeKey           string
	CurrentPredictions map[string]contracts.PredictionRecord
	Write              *WriteEvidence
	Outcome            *contracts.PredictionOutcome
	CandidateHalt      *contracts.InvariantOutcome
}

// Checker is a pure function from a context snapshot to an outcome.
type Checker func(Context) contracts.InvariantOutcome

// Registration binds a checker to its stable identifier and the stage it
// runs at.
type Registration struct {
	ID    string
	Stage Stage
	Check Checker
}

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.v[0-9]+$`)

// Registry holds registered checkers keyed by stable identifier.
type Registry struct {
	byID  map[string]Registration
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Registration)}
}

// Register adds a checker. Identifiers must match "<name>.v<N>" and may not
// be redefined.
func (r *Registry) Register(reg Registration) error {
	if !idPattern.MatchString(reg.ID) {
		return fmt.Errorf("invariants: identifier %q must match <name>.v<N>", reg.ID)
	}
	if _, exists := r.byID[reg.ID]; exists {
		return fmt.Errorf("invariants: identifier %q already registered", reg.ID)
	}
	if reg.Check == nil {
		return fmt.Errorf("invariants: identifier %q has nil checker", reg.ID)
	}
	r.byID[reg.ID] = reg
	r.order = append(r.order, reg.ID)
	return nil
}

// MustRegister panics on registration failure. For static default sets.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Get returns a registration by identifier.
func (r *Registry) Get(id string) (Registration, bool) {
	reg, ok := r.byID[id]
	return reg, ok
}

// ForStage returns registrations bound to a stage, in registration order.
func (r *Registry) ForStage(stage Stage) []Registration {
	var out []Registration
	for _, id := range r.order {
		if reg := r.byID[id]; reg.Stage == stage {
			out = append(out, reg)
		}
	}
	return out
}

// IDs returns all registered identifiers, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
