package invariants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

func projectionWith(keys ...string) map[string]contracts.PredictionRecord {
	m := make(map[string]contracts.PredictionRecord, len(keys))
	for _, k := range keys {
		m[k] = contracts.PredictionRecord{PredictionID: "pred:" + k, ScopeKey: k}
	}
	return m
}

func TestPredictionAvailability(t *testing.T) {
	t.Run("unkeyed with empty projection stops", func(t *testing.T) {
		out := CheckPredictionAvailability(Context{CurrentPredictions: nil})
		assert.Equal(t, contracts.FlowStop, out.Flow)
		assert.True(t, out.SelfExplanatory())
	})

	t.Run("unkeyed with any prediction passes", func(t *testing.T) {
		out := CheckPredictionAvailability(Context{CurrentPredictions: projectionWith("turn:1")})
		assert.Equal(t, contracts.FlowContinue, out.Flow)
	})

	t.Run("missing scope stops", func(t *testing.T) {
		out := CheckPredictionAvailability(Context{ScopeKey: "turn:2", CurrentPredictions: projectionWith("turn:1")})
		assert.Equal(t, contracts.FlowStop, out.Flow)
		assert.Equal(t, "prediction_availability.missing_scope", out.Code)
	})

	t.Run("present scope passes", func(t *testing.T) {
		out := CheckPredictionAvailability(Context{ScopeKey: "turn:1", CurrentPredictions: projectionWith("turn:1")})
		assert.True(t, out.Passed)
	})
}

func TestEvidenceLinkCompleteness(t *testing.T) {
	t.Run("no write passes", func(t *testing.T) {
		out := CheckEvidenceLinkCompleteness(Context{})
		assert.True(t, out.Passed)
	})

	t.Run("write without reference stops", func(t *testing.T) {
		out := CheckEvidenceLinkCompleteness(Context{
			Write:              &WriteEvidence{WrittenKey: "turn:1"},
			CurrentPredictions: projectionWith("turn:1"),
		})
		assert.Equal(t, contracts.FlowStop, out.Flow)
		assert.Equal(t, "evidence_link.missing_reference", out.Code)
	})

	t.Run("write not visible in projection stops", func(t *testing.T) {
		out := CheckEvidenceLinkCompleteness(Context{
			Write:              &WriteEvidence{Reference: "sha256:abc", WrittenKey: "turn:2"},
			CurrentPredictions: projectionWith("turn:1"),
		})
		assert.Equal(t, "evidence_link.write_not_visible", out.Code)
	})

	t.Run("visible write with reference passes", func(t *testing.T) {
		out := CheckEvidenceLinkCompleteness(Context{
			Write:              &WriteEvidence{Reference: "sha256:abc", WrittenKey: "turn:1"},
			CurrentPredictions: projectionWith("turn:1"),
		})
		assert.True(t, out.Passed)
	})
}

func TestPredictionOutcomeBinding(t *testing.T) {
	out := CheckPredictionOutcomeBinding(Context{Outcome: &contracts.PredictionOutcome{ScopeKey: "turn:1"}})
	assert.Equal(t, contracts.FlowStop, out.Flow)

	out = CheckPredictionOutcomeBinding(Context{Outcome: &contracts.PredictionOutcome{PredictionID: "pred:1"}})
	assert.True(t, out.Passed)

	out = CheckPredictionOutcomeBinding(Context{})
	assert.True(t, out.Passed)
}

func TestExplainableHaltPayload(t *testing.T) {
	bare := contracts.InvariantOutcome{InvariantID: "custom_check.v1", Flow: contracts.FlowStop}
	out := CheckExplainableHaltPayload(Context{CandidateHalt: &bare})
	assert.Equal(t, contracts.FlowStop, out.Flow)
	assert.True(t, out.SelfExplanatory(), "the meta outcome must itself be explainable")

	full := contracts.InvariantOutcome{
		InvariantID: "custom_check.v1",
		Flow:        contracts.FlowStop,
		Details:     "scope missing",
		Evidence:    []contracts.EvidenceItem{{Tag: "scope_key", Reference: "turn:1"}},
	}
	out = CheckExplainableHaltPayload(Context{CandidateHalt: &full})
	assert.True(t, out.Passed)
}

func TestRegistryIdentifiers(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{ID: "custom_check.v1", Stage: StagePreConsume, Check: CheckPredictionAvailability}))

	assert.Error(t, r.Register(Registration{ID: "custom_check.v1", Stage: StagePreConsume, Check: CheckPredictionAvailability}), "duplicate id")
	assert.Error(t, r.Register(Registration{ID: "CustomCheck", Stage: StagePreConsume, Check: CheckPredictionAvailability}), "unversioned id")
	assert.Error(t, r.Register(Registration{ID: "custom_check.v2", Stage: StagePreConsume}), "nil checker")
	require.NoError(t, r.Register(Registration{ID: "custom_check.v2", Stage: StagePreConsume, Check: CheckPredictionAvailability}))
}

func TestDefaultRegistryStages(t *testing.T) {
	r := DefaultRegistry()
	pre := r.ForStage(StagePreConsume)
	require.Len(t, pre, 2)
	assert.Equal(t, PredictionAvailabilityID, pre[0].ID)
	assert.Equal(t, PredictionOutcomeBindingID, pre[1].ID)

	require.Len(t, r.ForStage(StagePostWrite), 1)
	require.Len(t, r.ForStage(StageHaltValidation), 1)
}
