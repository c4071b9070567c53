package contracts

import (
	"errors"
	"fmt"
)

// InterventionAction is what a human (or the hook acting for one) decided.
type InterventionAction string

const (
	InterventionNone     InterventionAction = "none"
	InterventionPause    InterventionAction = "pause"
	InterventionTimeout  InterventionAction = "timeout"
	InterventionEscalate InterventionAction = "escalate"
	InterventionResume   InterventionAction = "resume"
)

// ErrResumeWithoutProvenance is the programmer/policy error returned when a
// resume decision lacks override provenance. The loop never silently
// continues past a human checkpoint.
var ErrResumeWithoutProvenance = errors.New("intervention: resume requires override_source and override_provenance")

// InterventionDecision is the normalized return value of the HITL hook.
type InterventionDecision struct {
	Action             InterventionAction `json:"action"`
	Reason             string             `json:"reason,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	OverrideSource     string             `json:"override_source,omitempty"`
	OverrideProvenance string             `json:"override_provenance,omitempty"`
}

// Validate rejects malformed decisions. Resume is invalid unless both
// override fields are present.
func (d InterventionDecision) Validate() error {
	switch d.Action {
	case InterventionNone, InterventionPause, InterventionTimeout, InterventionEscalate:
		return nil
	case InterventionResume:
		if d.OverrideSource == "" || d.OverrideProvenance == "" {
			return ErrResumeWithoutProvenance
		}
		return nil
	default:
		return fmt.Errorf("intervention: unknown action %q", d.Action)
	}
}
