// Package contracts defines the immutable value types shared across the keel
// engine: episodes, predictions, halts, repair events, and the journal record
// envelope. Types here carry no behavior beyond construction-time validation;
// all persistence and policy lives in the packages that consume them.
package contracts

import (
	"time"
)

// ObservationKind discriminates what a turn actually observed.
type ObservationKind string

const (
	ObservationUtterance ObservationKind = "utterance"
	ObservationSilence   ObservationKind = "silence"
)

// Observation is a single observed input within a turn: either the user's
// utterance or an explicit record of silence.
type Observation struct {
	Kind       ObservationKind `json:"kind"`
	Scope      string          `json:"scope,omitempty"`
	Text       string          `json:"text,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

// ObserverFrame declares the capability scope under which a turn runs.
// A nil EvaluationInvariants list means "no restriction"; a non-nil list
// restricts gate evaluation to exactly the named invariant identifiers.
type ObserverFrame struct {
	Role                 string   `json:"role"`
	Authorization        int      `json:"authorization"`
	EvaluationInvariants []string `json:"evaluation_invariants,omitempty"`
}

// Permits reports whether the frame allows the given invariant to run.
func (f ObserverFrame) Permits(invariantID string) bool {
	if f.EvaluationInvariants == nil {
		return true
	}
	for _, id := range f.EvaluationInvariants {
		if id == invariantID {
			return true
		}
	}
	return false
}

// DecisionEffect links this episode back to a decision made in a prior episode.
type DecisionEffect struct {
	SourceEpisodeID string `json:"source_episode_id"`
	DecisionRef     string `json:"decision_ref"`
	Effect          string `json:"effect"`
}

// Episode is one conversational turn. It is created once per turn and mutated
// only by appending observations, artifacts, and derived effects; entries are
// never retroactively edited. An episode is owned exclusively by the turn that
// created it.
type Episode struct {
	EpisodeID    string           `json:"episode_id"`
	TurnIndex    int              `json:"turn_index"`
	Ask          string           `json:"ask"`
	Observer     ObserverFrame    `json:"observer"`
	Observations []Observation    `json:"observations,omitempty"`
	Artifacts    Artifacts        `json:"artifacts,omitempty"`
	Effects      []DecisionEffect `json:"effects,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// EpisodeOption customizes episode construction.
type EpisodeOption func(*Episode)

// WithObserver overrides the default observer frame.
func WithObserver(f ObserverFrame) EpisodeOption {
	return func(e *Episode) { e.Observer = f }
}

// WithCreatedAt overrides the creation timestamp (for deterministic tests).
func WithCreatedAt(t time.Time) EpisodeOption {
	return func(e *Episode) { e.CreatedAt = t }
}

// DefaultObserver returns the observer frame an episode gets when the caller
// does not supply one. Constructed per call — there is no shared mutable
// default.
func DefaultObserver() ObserverFrame {
	return ObserverFrame{Role: "dialog_agent", Authorization: 1}
}

// NewEpisode constructs an episode for one turn.
func NewEpisode(episodeID string, turnIndex int, ask string, opts ...EpisodeOption) *Episode {
	e := &Episode{
		EpisodeID: episodeID,
		TurnIndex: turnIndex,
		Ask:       ask,
		Observer:  DefaultObserver(),
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AppendObservation appends one observation. Append-only.
func (e *Episode) AppendObservation(o Observation) {
	e.Observations = append(e.Observations, o)
}

// AppendArtifact appends one trace artifact. Append-only.
func (e *Episode) AppendArtifact(a Artifact) {
	e.Artifacts = append(e.Artifacts, a)
}

// AppendEffect appends one derived decision effect. Append-only.
func (e *Episode) AppendEffect(d DecisionEffect) {
	e.Effects = append(e.Effects, d)
}

// LatestObservation returns the most recent observation for the given scope
// ("" matches any scope), or nil if none exists.
func (e *Episode) LatestObservation(scope string) *Observation {
	for i := len(e.Observations) - 1; i >= 0; i-- {
		if scope == "" || e.Observations[i].Scope == scope {
			return &e.Observations[i]
		}
	}
	return nil
}
