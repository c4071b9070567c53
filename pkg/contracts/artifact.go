package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Artifact is one entry in an episode's append-only trace. The set of
// variants is closed: consumers can switch exhaustively on the concrete type
// rather than digging through an open-ended attribute bag.
type Artifact interface {
	ArtifactKind() string
	sealedArtifact()
}

// HaltObservation records that a gate evaluation halted this turn.
type HaltObservation struct {
	HaltID      string    `json:"halt_id"`
	Stage       string    `json:"stage"`
	InvariantID string    `json:"invariant_id"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// TurnSummary records how a turn ended: completed, paused, timed out,
// escalated, or resumed past a checkpoint.
type TurnSummary struct {
	Action   string         `json:"action"`
	Phase    string         `json:"phase,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// OutcomeNote records a prediction/observation comparison in the trace.
type OutcomeNote struct {
	Outcome PredictionOutcome `json:"outcome"`
	At      time.Time         `json:"at"`
}

// AskRequestNote records an outbound human-recruitment request.
type AskRequestNote struct {
	RequestID string    `json:"request_id"`
	Scope     string    `json:"scope,omitempty"`
	Title     string    `json:"title"`
	Question  string    `json:"question"`
	At        time.Time `json:"at"`
}

// AskResponseNote records the adapter's response to an outbound request.
type AskResponseNote struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// FreshnessNote records the result of an observation-freshness evaluation.
type FreshnessNote struct {
	Scope             string     `json:"scope"`
	Verdict           string     `json:"verdict"`
	Reason            string     `json:"reason,omitempty"`
	LastObservedAt    *time.Time `json:"last_observed_at,omitempty"`
	StaleAfterSeconds int64      `json:"stale_after_seconds"`
	At                time.Time  `json:"at"`
}

// SchemaSelectionNote records the delegated schema/ambiguity interpretation.
type SchemaSelectionNote struct {
	Selection SchemaSelection `json:"selection"`
	At        time.Time       `json:"at"`
}

// ClassificationNote records the delegated utterance classification.
type ClassificationNote struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

func (HaltObservation) ArtifactKind() string     { return "halt_observation" }
func (TurnSummary) ArtifactKind() string         { return "turn_summary" }
func (OutcomeNote) ArtifactKind() string         { return "prediction_outcome" }
func (AskRequestNote) ArtifactKind() string      { return "ask_outbox_request" }
func (AskResponseNote) ArtifactKind() string     { return "ask_outbox_response" }
func (FreshnessNote) ArtifactKind() string       { return "freshness_check" }
func (SchemaSelectionNote) ArtifactKind() string { return "schema_selection" }
func (ClassificationNote) ArtifactKind() string  { return "classification" }

func (HaltObservation) sealedArtifact()     {}
func (TurnSummary) sealedArtifact()         {}
func (OutcomeNote) sealedArtifact()         {}
func (AskRequestNote) sealedArtifact()      {}
func (AskResponseNote) sealedArtifact()     {}
func (FreshnessNote) sealedArtifact()       {}
func (SchemaSelectionNote) sealedArtifact() {}
func (ClassificationNote) sealedArtifact()  {}

// Artifacts is an ordered, append-only artifact sequence with a tagged JSON
// encoding: each element serializes as {"kind": ..., "body": {...}}.
type Artifacts []Artifact

type artifactEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// MarshalJSON encodes each artifact with its kind discriminator.
func (as Artifacts) MarshalJSON() ([]byte, error) {
	envelopes := make([]artifactEnvelope, 0, len(as))
	for _, a := range as {
		body, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal artifact %q: %w", a.ArtifactKind(), err)
		}
		envelopes = append(envelopes, artifactEnvelope{Kind: a.ArtifactKind(), Body: body})
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON decodes the tagged envelope form. Unknown kinds are an error:
// the artifact set is closed.
func (as *Artifacts) UnmarshalJSON(data []byte) error {
	var envelopes []artifactEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	out := make(Artifacts, 0, len(envelopes))
	for _, env := range envelopes {
		a, err := decodeArtifact(env)
		if err != nil {
			return err
		}
		out = append(out, a)
	}
	*as = out
	return nil
}

func decodeArtifact(env artifactEnvelope) (Artifact, error) {
	var target Artifact
	switch env.Kind {
	case "halt_observation":
		target = &HaltObservation{}
	case "turn_summary":
		target = &TurnSummary{}
	case "prediction_outcome":
		target = &OutcomeNote{}
	case "ask_outbox_request":
		target = &AskRequestNote{}
	case "ask_outbox_response":
		target = &AskResponseNote{}
	case "freshness_check":
		target = &FreshnessNote{}
	case "schema_selection":
		target = &SchemaSelectionNote{}
	case "classification":
		target = &ClassificationNote{}
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Body, target); err != nil {
		return nil, fmt.Errorf("decode artifact %q: %w", env.Kind, err)
	}
	return deref(target), nil
}

// deref returns the value form so appended and decoded artifacts compare equal.
func deref(a Artifact) Artifact {
	switch v := a.(type) {
	case *HaltObservation:
		return *v
	case *TurnSummary:
		return *v
	case *OutcomeNote:
		return *v
	case *AskRequestNote:
		return *v
	case *AskResponseNote:
		return *v
	case *FreshnessNote:
		return *v
	case *SchemaSelectionNote:
		return *v
	case *ClassificationNote:
		return *v
	}
	return a
}
