package mission

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/freshness"
	"github.com/Mindburn-Labs/keel/pkg/identity"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/lineage"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

var turnNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	loop    *Loop
	journal *journal.Journal
	records string
	outbox  *outbox.Memory
}

func newFixture(t *testing.T, hook Hook, opts ...func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	records := filepath.Join(dir, "records.jsonl")
	j, err := journal.Open(records, filepath.Join(dir, "halts.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	adapter := outbox.NewMemory(100, 100)
	adapter.WithClock(func() time.Time { return turnNow })

	cfg := Config{Journal: j, Outbox: adapter, Hook: hook}
	for _, opt := range opts {
		opt(&cfg)
	}
	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	loop.WithClock(func() time.Time { return turnNow })
	return &fixture{loop: loop, journal: j, records: records, outbox: adapter}
}

func turnGate(t *testing.T) capability.Gate {
	t.Helper()
	g, err := capability.NewGate("turn-1", true)
	require.NoError(t, err)
	return g
}

func basicInput() TurnInput {
	return TurnInput{
		Scope: "turn:1",
		Ask:   "check the balance",
		Forward: contracts.PredictionRecord{
			PredictionID:   "pred:1",
			ScopeKey:       "turn:1",
			TargetVariable: "confidence",
			Expectation:    0.75,
			IssuedAt:       turnNow,
		},
		Observation: contracts.Observation{
			Kind: contracts.ObservationUtterance,
			Text: "what is my balance?",
		},
	}
}

func summaries(e *contracts.Episode) []contracts.TurnSummary {
	var out []contracts.TurnSummary
	for _, a := range e.Artifacts {
		if s, ok := a.(contracts.TurnSummary); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestRunTurnCompletes(t *testing.T) {
	f := newFixture(t, nil)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.NoError(t, err)
	assert.True(t, result.Completed())

	got, ok := f.journal.Projection().Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, "pred:1", got.PredictionID)

	require.NotEmpty(t, result.Selection.Schemas)
	assert.Equal(t, "account_query", result.Selection.Schemas[0].Name)
	assert.Equal(t, "question", result.Classification.Label)

	ss := summaries(episode)
	require.Len(t, ss, 1)
	assert.Equal(t, "completed", ss[0].Action)
}

func TestRunTurnReconcilesObservedValue(t *testing.T) {
	f := newFixture(t, nil)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")
	input := basicInput()
	observed := 1.0
	input.ObservedValue = &observed

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, input)
	require.NoError(t, err)
	require.NotNil(t, result.Corrected)
	assert.Equal(t, "pred:1/r1", result.Corrected.PredictionID)
	require.NotNil(t, result.Corrected.AbsoluteError)
	assert.InDelta(t, 0.25, *result.Corrected.AbsoluteError, 1e-9)

	var outcomes int
	for _, a := range episode.Artifacts {
		if _, ok := a.(contracts.OutcomeNote); ok {
			outcomes++
		}
	}
	assert.Equal(t, 1, outcomes)
}

func TestRunTurnRepairModeConvergesWithinTurn(t *testing.T) {
	f := newFixture(t, nil, func(cfg *Config) {
		b, err := lineage.NewBinder(cfg.Journal, lineage.ModeRepairEvents)
		require.NoError(t, err)
		cfg.Binder = b
	})
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")
	input := basicInput()
	observed := 1.0
	input.ObservedValue = &observed

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, input)
	require.NoError(t, err)
	require.NotNil(t, result.Corrected)

	got, ok := f.journal.Projection().Current("turn:1")
	require.True(t, ok)
	assert.Equal(t, "pred:1/r1", got.PredictionID)
	assert.True(t, got.WasCorrected)
}

func TestRunTurnPauseAbortsWithSummary(t *testing.T) {
	hook := func(phase Phase, episode *contracts.Episode) any {
		if phase == PhasePostPreDecisionGate {
			return contracts.InterventionDecision{Action: contracts.InterventionPause, Reason: "operator paused"}
		}
		return nil
	}
	f := newFixture(t, hook)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.NoError(t, err)
	assert.False(t, result.Completed())
	assert.Equal(t, contracts.InterventionPause, result.AbortedBy)
	assert.Equal(t, PhasePostPreDecisionGate, result.AbortPhase)

	// The forward prediction landed before the pause.
	_, ok := f.journal.Projection().Current("turn:1")
	assert.True(t, ok)

	ss := summaries(episode)
	require.Len(t, ss, 1)
	assert.Equal(t, "pause", ss[0].Action)
	assert.Equal(t, string(PhasePostPreDecisionGate), ss[0].Phase)
}

func TestRunTurnTimeoutAtStartWritesNothing(t *testing.T) {
	hook := func(phase Phase, episode *contracts.Episode) any {
		return "timeout"
	}
	f := newFixture(t, hook)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.NoError(t, err)
	assert.Equal(t, contracts.InterventionTimeout, result.AbortedBy)
	assert.Equal(t, PhaseStart, result.AbortPhase)

	_, ok := f.journal.Projection().Current("turn:1")
	assert.False(t, ok)

	ss := summaries(episode)
	require.Len(t, ss, 1)
	assert.Equal(t, "timeout", ss[0].Action)
}

func TestRunTurnEscalateCreatesOutboxRequest(t *testing.T) {
	hook := func(phase Phase, episode *contracts.Episode) any {
		if phase == PhasePostObservationGate {
			return map[string]any{"action": "escalate", "reason": "low confidence"}
		}
		return nil
	}
	f := newFixture(t, hook)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.NoError(t, err)
	assert.Equal(t, contracts.InterventionEscalate, result.AbortedBy)

	outstanding, err := f.outbox.HasOutstandingRequest(context.Background(), "ep-1")
	require.NoError(t, err)
	assert.True(t, outstanding)

	var haveReq, haveResp bool
	for _, a := range episode.Artifacts {
		switch a.(type) {
		case contracts.AskRequestNote:
			haveReq = true
		case contracts.AskResponseNote:
			haveResp = true
		}
	}
	assert.True(t, haveReq)
	assert.True(t, haveResp)

	ss := summaries(episode)
	require.Len(t, ss, 1)
	assert.Equal(t, "escalate", ss[0].Action)

	// Replay rebuilds the outstanding request from the journaled events;
	// the pending acknowledgement does not resolve it.
	replay, err := journal.ReplayFiles(f.records)
	require.NoError(t, err)
	require.Len(t, replay.Analytics.OutstandingRequests, 1)
	assert.Equal(t, contracts.AskStatusPending, replay.Analytics.RequestOutcomes[replay.Analytics.OutstandingRequests[0]])
}

func TestRunTurnEscalationRequestSurvivesAdapterFailure(t *testing.T) {
	hook := func(phase Phase, episode *contracts.Episode) any {
		if phase == PhasePostObservationGate {
			return map[string]any{"action": "escalate", "reason": "low confidence"}
		}
		return nil
	}
	// Zero-rate limiter: the adapter rejects every dispatch.
	f := newFixture(t, hook, func(cfg *Config) { cfg.Outbox = outbox.NewMemory(0, 0) })
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	_, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.ErrorIs(t, err, outbox.ErrThrottled)

	// The asked question reached the journal before the adapter failed.
	replay, err := journal.ReplayFiles(f.records)
	require.NoError(t, err)
	assert.Len(t, replay.Analytics.OutstandingRequests, 1)
}

func TestRunTurnResumeWithoutProvenanceFails(t *testing.T) {
	hook := func(phase Phase, episode *contracts.Episode) any {
		return contracts.InterventionDecision{Action: contracts.InterventionResume}
	}
	f := newFixture(t, hook)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	_, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	assert.ErrorIs(t, err, contracts.ErrResumeWithoutProvenance)
}

func TestRunTurnResumeWithProvenanceContinues(t *testing.T) {
	hook := func(phase Phase, episode *contracts.Episode) any {
		if phase == PhaseStart {
			return contracts.InterventionDecision{
				Action:             contracts.InterventionResume,
				OverrideSource:     "console.approvals",
				OverrideProvenance: "ticket-4411",
			}
		}
		return nil
	}
	f := newFixture(t, hook)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.NoError(t, err)
	assert.True(t, result.Completed())

	ss := summaries(episode)
	require.Len(t, ss, 2)
	assert.Equal(t, "resume", ss[0].Action)
	assert.Equal(t, "completed", ss[1].Action)
}

func TestRunTurnResumeVerifiesProvenanceToken(t *testing.T) {
	verifier, err := identity.NewVerifier([]byte("secret"), "keel.console", "keel.engine")
	require.NoError(t, err)
	verifier.WithClock(func() time.Time { return turnNow })
	token, err := verifier.Issue("operator:alice", "console.approvals", "", time.Hour)
	require.NoError(t, err)

	hook := func(phase Phase, episode *contracts.Episode) any {
		if phase == PhaseStart {
			return contracts.InterventionDecision{
				Action:             contracts.InterventionResume,
				OverrideSource:     "console.approvals",
				OverrideProvenance: token,
			}
		}
		return nil
	}
	f := newFixture(t, hook, func(cfg *Config) { cfg.Verifier = verifier })
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.NoError(t, err)
	assert.True(t, result.Completed())

	ss := summaries(episode)
	require.NotEmpty(t, ss)
	assert.Equal(t, "operator:alice", ss[0].Metadata["override_subject"])
}

func TestRunTurnResumeRejectsForgedToken(t *testing.T) {
	verifier, err := identity.NewVerifier([]byte("secret"), "keel.console", "keel.engine")
	require.NoError(t, err)

	hook := func(phase Phase, episode *contracts.Episode) any {
		return contracts.InterventionDecision{
			Action:             contracts.InterventionResume,
			OverrideSource:     "console.approvals",
			OverrideProvenance: "forged-token",
		}
	}
	f := newFixture(t, hook, func(cfg *Config) { cfg.Verifier = verifier })
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	_, err = f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	assert.ErrorIs(t, err, identity.ErrInvalidProvenance)
}

func TestRunTurnRejectsUnnormalizableHookReturn(t *testing.T) {
	hook := func(phase Phase, episode *contracts.Episode) any {
		return 42
	}
	f := newFixture(t, hook)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	_, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	var hookErr *HookReturnError
	require.True(t, errors.As(err, &hookErr))
	assert.Equal(t, PhaseStart, hookErr.Phase)
}

func TestRunTurnDeniedGateSurfacesDenial(t *testing.T) {
	f := newFixture(t, nil)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")
	denied, err := capability.DeniedGate("turn-1", "policy.low_authorization")
	require.NoError(t, err)

	_, err = f.loop.RunTurn(context.Background(), denied, episode, basicInput())
	var denial *capability.DenialError
	assert.True(t, errors.As(err, &denial))
}

func TestRunTurnStaleObservationHoldsTurn(t *testing.T) {
	f := newFixture(t, nil)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")
	input := basicInput()
	stale := turnNow.Add(-2 * time.Hour)
	input.Freshness = &freshness.Contract{
		Scope:      "turn:1",
		StaleAfter: 10 * time.Minute,
		ObservedAt: &stale,
	}

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, input)
	require.NoError(t, err)
	assert.False(t, result.Completed())
	assert.Equal(t, freshness.VerdictAskRequest, result.Freshness)

	// The observation was never consumed.
	assert.Empty(t, episode.Observations)

	ss := summaries(episode)
	require.Len(t, ss, 1)
	assert.Equal(t, "hold", ss[0].Action)

	// The issued ask is durable: replay sees it outstanding.
	replay, err := journal.ReplayFiles(f.records)
	require.NoError(t, err)
	assert.Len(t, replay.Analytics.OutstandingRequests, 1)
}

func TestRunTurnRepeatedObservationAddsNoSecondOutcome(t *testing.T) {
	f := newFixture(t, nil)
	first := contracts.NewEpisode("ep-1", 0, "check the balance")
	input := basicInput()
	observed := 1.0
	input.ObservedValue = &observed

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), first, input)
	require.NoError(t, err)
	require.NotNil(t, result.Corrected)

	// Next turn re-observes the already-bound value. The forward
	// prediction targets its own scope so the bound baseline survives.
	second := contracts.NewEpisode("ep-2", 1, "check the balance")
	again := basicInput()
	again.Forward.PredictionID = "pred:2"
	again.Forward.ScopeKey = "turn:2"
	again.ObservedValue = &observed

	result, err = f.loop.RunTurn(context.Background(), turnGate(t), second, again)
	require.NoError(t, err)
	assert.Nil(t, result.Corrected)
	for _, a := range second.Artifacts {
		_, ok := a.(contracts.OutcomeNote)
		assert.False(t, ok)
	}
}

func TestRunTurnRecordsCarriedEffects(t *testing.T) {
	f := newFixture(t, nil)
	episode := contracts.NewEpisode("ep-2", 1, "check the balance")
	input := basicInput()
	input.Effects = []contracts.DecisionEffect{{
		SourceEpisodeID: "ep-1",
		DecisionRef:     "ask:1",
		Effect:          "operator confirmed account scope",
	}}

	result, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, input)
	require.NoError(t, err)
	assert.True(t, result.Completed())
	require.Len(t, episode.Effects, 1)
	assert.Equal(t, "ep-1", episode.Effects[0].SourceEpisodeID)
}

func TestRunTurnHookPhasesInOrder(t *testing.T) {
	var phases []Phase
	hook := func(phase Phase, episode *contracts.Episode) any {
		phases = append(phases, phase)
		return nil
	}
	f := newFixture(t, hook)
	episode := contracts.NewEpisode("ep-1", 0, "check the balance")

	_, err := f.loop.RunTurn(context.Background(), turnGate(t), episode, basicInput())
	require.NoError(t, err)
	assert.Equal(t, []Phase{
		PhaseStart,
		PhasePostPreDecisionGate,
		PhasePostObservationGate,
		PhasePostPreOutputGate,
	}, phases)
}
