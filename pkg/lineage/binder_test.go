package lineage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/journal"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "records.jsonl"), filepath.Join(dir, "halts.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func gate(t *testing.T, id string) capability.Gate {
	t.Helper()
	g, err := capability.NewGate(id, true)
	require.NoError(t, err)
	return g
}

func seed(t *testing.T, j *journal.Journal, id, scope string, expectation float64) contracts.PredictionRecord {
	t.Helper()
	p := contracts.PredictionRecord{
		PredictionID:   id,
		ScopeKey:       scope,
		TargetVariable: "confidence",
		Expectation:    expectation,
		IssuedAt:       fixedNow.Add(-time.Hour),
	}
	_, err := j.Append(context.Background(), gate(t, "seed-"+id), contracts.NewPredictionEvent(p))
	require.NoError(t, err)
	return p
}

func TestBindOutcomeFirstCorrection(t *testing.T) {
	pred := contracts.PredictionRecord{
		PredictionID:   "pred:1",
		ScopeKey:       "turn:1",
		TargetVariable: "confidence",
		Expectation:    0.75,
		IssuedAt:       fixedNow.Add(-time.Hour),
	}

	next, outcome := BindOutcome(pred, 1.0, fixedNow)

	assert.Equal(t, "pred:1/r1", next.PredictionID)
	assert.Equal(t, "pred:1", next.CorrectionParentPredictionID)
	assert.Equal(t, "pred:1", next.CorrectionRootPredictionID)
	assert.Equal(t, 1, next.CorrectionRevision)
	assert.True(t, next.WasCorrected)
	require.NotNil(t, next.AbsoluteError)
	assert.InDelta(t, 0.25, *next.AbsoluteError, 1e-9)
	require.NotNil(t, next.PredictionError)
	assert.InDelta(t, 0.25, *next.PredictionError, 1e-9)
	assert.InDelta(t, 0.25, outcome.AbsoluteError, 1e-9)
	// The input is untouched.
	assert.False(t, pred.WasCorrected)
	assert.Nil(t, pred.ObservedValue)
}

func TestBindOutcomeChainsRevisions(t *testing.T) {
	pred := contracts.PredictionRecord{PredictionID: "pred:1", ScopeKey: "turn:1", Expectation: 0.75}

	first, _ := BindOutcome(pred, 1.0, fixedNow)
	second, _ := BindOutcome(first, 0.5, fixedNow.Add(time.Minute))

	assert.Equal(t, "pred:1/r2", second.PredictionID)
	assert.Equal(t, "pred:1/r1", second.CorrectionParentPredictionID)
	assert.Equal(t, "pred:1", second.CorrectionRootPredictionID)
	assert.Equal(t, 2, second.CorrectionRevision)
}

func TestBindOutcomeNegativeErrorUsesAbsoluteValue(t *testing.T) {
	pred := contracts.PredictionRecord{PredictionID: "pred:1", ScopeKey: "turn:1", Expectation: 0.75}

	next, _ := BindOutcome(pred, 0.25, fixedNow)

	require.NotNil(t, next.PredictionError)
	assert.InDelta(t, -0.5, *next.PredictionError, 1e-9)
	require.NotNil(t, next.AbsoluteError)
	assert.InDelta(t, 0.5, *next.AbsoluteError, 1e-9)
}

func TestReconcileDirectModeAppendsCorrection(t *testing.T) {
	j := openJournal(t)
	seed(t, j, "pred:1", "turn:1", 0.75)

	b, err := NewBinder(j, ModeDirect)
	require.NoError(t, err)
	b.WithClock(func() time.Time { return fixedNow })

	next, proposal, err := b.Reconcile(context.Background(), gate(t, "inv-1"), "turn:1", 1.0)
	require.NoError(t, err)
	assert.Nil(t, proposal)
	require.NotNil(t, next)
	assert.Equal(t, "pred:1/r1", next.PredictionID)

	got, ok := j.Projection().Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, "pred:1/r1", got.PredictionID)
	assert.True(t, got.WasCorrected)
}

func TestReconcileMatchingObservationIsANoOp(t *testing.T) {
	j := openJournal(t)
	seed(t, j, "pred:1", "turn:1", 0.75)

	b, err := NewBinder(j, ModeDirect)
	require.NoError(t, err)

	got, proposal, err := b.Reconcile(context.Background(), gate(t, "inv-1"), "turn:1", 0.75)
	require.NoError(t, err)
	assert.Nil(t, proposal)
	assert.Nil(t, got)

	current, ok := j.Projection().Current("turn:1")
	require.True(t, ok)
	assert.False(t, current.WasCorrected)
}

func TestReconcileRepeatedObservationIsIdempotent(t *testing.T) {
	j := openJournal(t)
	seed(t, j, "pred:1", "turn:1", 0.75)

	b, err := NewBinder(j, ModeDirect)
	require.NoError(t, err)
	b.WithClock(func() time.Time { return fixedNow })

	first, _, err := b.Reconcile(context.Background(), gate(t, "inv-1"), "turn:1", 1.0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.CorrectionRevision)

	// The same observation again binds nothing new and says so.
	second, _, err := b.Reconcile(context.Background(), gate(t, "inv-2"), "turn:1", 1.0)
	require.NoError(t, err)
	assert.Nil(t, second)

	current, ok := j.Projection().Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, 1, current.CorrectionRevision)
}

func TestReconcileUnknownScopeFails(t *testing.T) {
	j := openJournal(t)
	b, err := NewBinder(j, ModeDirect)
	require.NoError(t, err)

	_, _, err = b.Reconcile(context.Background(), gate(t, "inv-1"), "turn:missing", 1.0)
	assert.Error(t, err)
}

func TestReconcileRepairModeHoldsUntilAccepted(t *testing.T) {
	j := openJournal(t)
	seed(t, j, "pred:1", "turn:1", 0.75)

	b, err := NewBinder(j, ModeRepairEvents)
	require.NoError(t, err)
	b.WithClock(func() time.Time { return fixedNow })

	next, proposal, err := b.Reconcile(context.Background(), gate(t, "inv-1"), "turn:1", 1.0)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.NotNil(t, proposal)
	assert.Equal(t, "repair:pred:1/r1", proposal.RepairID())

	// Pending proposal: the projection still shows the original.
	current, ok := j.Projection().Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, "pred:1", current.PredictionID)

	require.NoError(t, b.Resolve(context.Background(), gate(t, "inv-2"), proposal, contracts.RepairAccepted))

	current, ok = j.Projection().Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, next.PredictionID, current.PredictionID)
	assert.True(t, current.WasCorrected)
}

func TestReconcileRepairModeRejectedLeavesProjection(t *testing.T) {
	j := openJournal(t)
	seed(t, j, "pred:1", "turn:1", 0.75)

	b, err := NewBinder(j, ModeRepairEvents)
	require.NoError(t, err)
	b.WithClock(func() time.Time { return fixedNow })

	_, proposal, err := b.Reconcile(context.Background(), gate(t, "inv-1"), "turn:1", 1.0)
	require.NoError(t, err)
	require.NoError(t, b.Resolve(context.Background(), gate(t, "inv-2"), proposal, contracts.RepairRejected))

	current, ok := j.Projection().Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, "pred:1", current.PredictionID)
	assert.False(t, current.WasCorrected)
}

func TestResolveOutsideRepairModeFails(t *testing.T) {
	j := openJournal(t)
	b, err := NewBinder(j, ModeDirect)
	require.NoError(t, err)
	assert.Error(t, b.Resolve(context.Background(), gate(t, "inv-1"), nil, contracts.RepairAccepted))
}

func TestNewBinderRejectsUnknownMode(t *testing.T) {
	j := openJournal(t)
	_, err := NewBinder(j, Mode("speculative"))
	assert.Error(t, err)
}
