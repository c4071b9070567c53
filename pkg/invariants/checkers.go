package invariants

import (
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Stable identifiers of the built-in checkers.
const (
	PredictionAvailabilityID   = "prediction_availability.v1"
	EvidenceLinkCompletenessID = "evidence_link_completeness.v1"
	PredictionOutcomeBindingID = "prediction_outcome_binding.v1"
	ExplainableHaltPayloadID   = "explainable_halt_payload.v1"
)

// DefaultRegistry returns a registry with the built-in checker set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Registration{ID: PredictionAvailabilityID, Stage: StagePreConsume, Check: CheckPredictionAvailability})
	r.MustRegister(Registration{ID: PredictionOutcomeBindingID, Stage: StagePreConsume, Check: CheckPredictionOutcomeBinding})
	r.MustRegister(Registration{ID: EvidenceLinkCompletenessID, Stage: StagePostWrite, Check: CheckEvidenceLinkCompleteness})
	r.MustRegister(Registration{ID: ExplainableHaltPayloadID, Stage: StageHaltValidation, Check: CheckExplainableHaltPayload})
	return r
}

func pass(id string) contracts.InvariantOutcome {
	return contracts.InvariantOutcome{
		InvariantID: id,
		Passed:      true,
		Flow:        contracts.FlowContinue,
		Validity:    contracts.ValidityValid,
		Code:        id + ".pass",
	}
}

func stop(id, code, details string, evidence []contracts.EvidenceItem) contracts.InvariantOutcome {
	return contracts.InvariantOutcome{
		InvariantID: id,
		Passed:      false,
		Flow:        contracts.FlowStop,
		Validity:    contracts.ValidityInvalid,
		Code:        code,
		Details:     details,
		Evidence:    evidence,
	}
}

// CheckPredictionAvailability stops when the addressed scope key has no entry
// in the current projection, or — for an unkeyed consume — when the projection
// is empty. Consuming state that was never projected is never allowed.
func CheckPredictionAvailability(ctx Context) contracts.InvariantOutcome {
	if ctx.ScopeKey == "" {
		if len(ctx.CurrentPredictions) == 0 {
			return stop(PredictionAvailabilityID, "prediction_availability.empty",
				"no current predictions are projected; nothing is available to consume",
				[]contracts.EvidenceItem{{Tag: "current_predictions", Reference: "projection", Value: "0"}})
		}
		return pass(PredictionAvailabilityID)
	}
	if _, ok := ctx.CurrentPredictions[ctx.ScopeKey]; !ok {
		return stop(PredictionAvailabilityID, "prediction_availability.missing_scope",
			fmt.Sprintf("scope key %q has no projected prediction", ctx.ScopeKey),
			[]contracts.EvidenceItem{{Tag: "scope_key", Reference: ctx.ScopeKey, Value: "absent"}})
	}
	return pass(PredictionAvailabilityID)
}

// CheckEvidenceLinkCompleteness runs only when a write just occurred. It stops
// when the write left no retrievable evidence reference, or when the written
// key is not visible in the projection (a write-before-visible violation).
func CheckEvidenceLinkCompleteness(ctx Context) contracts.InvariantOutcome {
	if ctx.Write == nil {
		return pass(EvidenceLinkCompletenessID)
	}
	if ctx.Write.Reference == "" {
		return stop(EvidenceLinkCompletenessID, "evidence_link.missing_reference",
			"the write produced no retrievable evidence reference",
			[]contracts.EvidenceItem{{Tag: "written_key", Reference: ctx.Write.WrittenKey, Value: "no_reference"}})
	}
	if _, ok := ctx.CurrentPredictions[ctx.Write.WrittenKey]; !ok {
		return stop(EvidenceLinkCompletenessID, "evidence_link.write_not_visible",
			fmt.Sprintf("written key %q is absent from the current projection", ctx.Write.WrittenKey),
			[]contracts.EvidenceItem{{Tag: "written_key", Reference: ctx.Write.WrittenKey, Value: "not_projected"}})
	}
	return pass(EvidenceLinkCompletenessID)
}

// CheckPredictionOutcomeBinding stops when a supplied outcome lacks a
// non-empty prediction id.
func CheckPredictionOutcomeBinding(ctx Context) contracts.InvariantOutcome {
	if ctx.Outcome == nil {
		return pass(PredictionOutcomeBindingID)
	}
	if ctx.Outcome.PredictionID == "" {
		return stop(PredictionOutcomeBindingID, "outcome_binding.unbound",
			"supplied outcome has no prediction_id and cannot be bound to a lineage",
			[]contracts.EvidenceItem{{Tag: "scope_key", Reference: ctx.Outcome.ScopeKey, Value: "unbound_outcome"}})
	}
	return pass(PredictionOutcomeBindingID)
}

// CheckExplainableHaltPayload is the meta-invariant: given a candidate halt
// outcome, it stops again when the candidate itself lacks non-empty details
// or evidence. It runs automatically whenever any other checker stops, so no
// halt ever reaches the log without being self-explanatory.
func CheckExplainableHaltPayload(ctx Context) contracts.InvariantOutcome {
	if ctx.CandidateHalt == nil {
		return pass(ExplainableHaltPayloadID)
	}
	if !ctx.CandidateHalt.SelfExplanatory() {
		return stop(ExplainableHaltPayloadID, "halt_payload.unexplainable",
			fmt.Sprintf("halt candidate from %q lacks details or referenced evidence", ctx.CandidateHalt.InvariantID),
			[]contracts.EvidenceItem{{Tag: "invariant_id", Reference: ctx.CandidateHalt.InvariantID, Value: ctx.CandidateHalt.Code}})
	}
	return pass(ExplainableHaltPayloadID)
}
