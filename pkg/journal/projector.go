package journal

import (
	"time"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// ProjectCurrent folds one record into the projection. It is the single fold
// shared by the online path (as records are appended) and offline replay, so
// both always agree. O(1) per record.
//
// The projection's last-updated timestamp derives from record content, never
// from the wall clock, so replaying identical bytes reproduces identical
// state.
func ProjectCurrent(rec contracts.Record, state *contracts.ProjectionState) {
	switch rec.Kind {
	case contracts.EventKindPredictionRecord, contracts.EventKindPrediction:
		applyPrediction(*rec.Prediction, state)
	case contracts.EventKindRepairResolution:
		res := rec.Resolution
		if res.Decision == contracts.RepairAccepted && res.AcceptedPrediction != nil {
			applyPrediction(*res.AcceptedPrediction, state)
			touch(state, res.ResolvedAt)
		}
		// Rejected resolutions leave the projection unchanged; the proposal
		// pair remains visible in the log as correction history.
	case contracts.EventKindHalt,
		contracts.EventKindRepairProposal,
		contracts.EventKindAskOutboxRequest,
		contracts.EventKindAskOutboxResponse:
		// No projection effect; tracked by replay analytics.
	}
}

func applyPrediction(p contracts.PredictionRecord, state *contracts.ProjectionState) {
	if state.Predictions == nil {
		state.Predictions = make(map[string]contracts.PredictionRecord)
	}
	state.Predictions[p.ScopeKey] = p
	if p.AbsoluteError != nil {
		state.CorrectionMetrics.Observe(*p.AbsoluteError)
	}
	touch(state, p.IssuedAt)
}

func touch(state *contracts.ProjectionState, at time.Time) {
	if at.After(state.UpdatedAt) {
		state.UpdatedAt = at
	}
}
