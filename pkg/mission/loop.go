// Package mission runs one dialog turn end to end: forward prediction,
// gated ingestion, observation reconciliation, delegated interpretation,
// and the human-intervention checkpoints between them.
package mission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/classifier"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/freshness"
	"github.com/Mindburn-Labs/keel/pkg/gate"
	"github.com/Mindburn-Labs/keel/pkg/identity"
	"github.com/Mindburn-Labs/keel/pkg/invariants"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/lineage"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// Phase names the lifecycle points where the intervention hook runs.
type Phase string

const (
	PhaseStart               Phase = "start"
	PhasePostPreDecisionGate Phase = "post_pre_decision_gate"
	PhasePostObservationGate Phase = "post_observation_gate"
	PhasePostPreOutputGate   Phase = "post_pre_output_gate"
)

// Hook is the host-supplied intervention callback. Its return value is
// normalized into an InterventionDecision; see normalizeDecision for the
// accepted shapes.
type Hook func(phase Phase, episode *contracts.Episode) any

// HookReturnError reports a hook return value that could not be normalized.
// It is a programmer error, never downgraded to a halt.
type HookReturnError struct {
	Phase Phase
	Got   any
}

func (e *HookReturnError) Error() string {
	return fmt.Sprintf("mission: hook at %s returned %T, want InterventionDecision", e.Phase, e.Got)
}

// TurnInput is everything one turn consumes.
type TurnInput struct {
	Scope string
	Ask   string

	// Forward is the turn's own prediction, issued before anything else.
	Forward contracts.PredictionRecord

	// Pending are caller-supplied predictions applied after the forward
	// prediction, each individually invariant-gated.
	Pending []contracts.PredictionRecord

	// Observation is the turn's incoming evidence.
	Observation contracts.Observation

	// ObservedValue, when set, is reconciled against the scope's current
	// prediction.
	ObservedValue *float64

	// Freshness, when set, is evaluated before the observation is
	// consumed. When nil, the loop's freshness policy adapter (if any)
	// supplies the contract.
	Freshness *freshness.Contract

	// Effects are decisions carried over from prior episodes, recorded on
	// this episode's trace.
	Effects []contracts.DecisionEffect
}

// TurnResult describes how the turn ended.
type TurnResult struct {
	Episode        *contracts.Episode
	Halt           *contracts.HaltRecord
	AbortedBy      contracts.InterventionAction
	AbortPhase     Phase
	Corrected      *contracts.PredictionRecord
	Selection      contracts.SchemaSelection
	Classification classifier.Classification
	Freshness      freshness.Verdict
}

// Completed reports whether the turn ran to the end without a halt, an
// intervention abort, or a freshness hold.
func (r TurnResult) Completed() bool {
	return r.Halt == nil && r.AbortedBy == "" && r.Freshness == freshness.VerdictContinue
}

// Loop orchestrates turns. All journal appends made by a turn are
// authorized by the capability gate the caller passes to RunTurn.
type Loop struct {
	journal         *journal.Journal
	gates           *gate.Evaluator
	binder          *lineage.Binder
	outbox          outbox.Adapter
	freshness       *freshness.Evaluator
	freshnessPolicy freshness.PolicyAdapter
	policy          *capability.PolicyEngine
	metrics         *observability.Provider
	selector        classifier.Selector
	selectorName    string
	heuristic       *classifier.Heuristic
	verifier        *identity.Verifier
	hook            Hook
	clock           func() time.Time
	logger          *slog.Logger
}

// Config wires a loop. Journal and Outbox are required; the rest default.
type Config struct {
	Journal  *journal.Journal
	Registry *invariants.Registry
	Binder   *lineage.Binder
	Outbox   outbox.Adapter

	// Selector interprets utterances; defaults to the built-in heuristic.
	Selector     classifier.Selector
	SelectorName string

	// Verifier, when set, must validate resume override provenance.
	Verifier *identity.Verifier

	// FreshnessPolicy supplies a freshness contract for turns that carry
	// none of their own.
	FreshnessPolicy freshness.PolicyAdapter

	// Metrics, when set, counts turns, halts, corrections, and
	// escalations.
	Metrics *observability.Provider

	Hook Hook
}

func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("mission: journal is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("mission: outbox adapter is required")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = invariants.DefaultRegistry()
	}
	binder := cfg.Binder
	if binder == nil {
		var err error
		binder, err = lineage.NewBinder(cfg.Journal, lineage.ModeDirect)
		if err != nil {
			return nil, err
		}
	}
	heuristic := classifier.NewHeuristic()
	selector := cfg.Selector
	selectorName := cfg.SelectorName
	if selector == nil {
		selector = heuristic
		selectorName = "heuristic"
	}
	return &Loop{
		journal:         cfg.Journal,
		gates:           gate.NewEvaluator(registry, cfg.Journal).WithMetrics(cfg.Metrics),
		binder:          binder,
		outbox:          cfg.Outbox,
		freshness:       freshness.NewEvaluator(cfg.Outbox).WithJournal(cfg.Journal),
		freshnessPolicy: cfg.FreshnessPolicy,
		metrics:         cfg.Metrics,
		selector:        selector,
		selectorName:    selectorName,
		heuristic:       heuristic,
		verifier:        cfg.Verifier,
		hook:            cfg.Hook,
		clock:           time.Now,
		logger:          slog.Default(),
	}, nil
}

// WithClock overrides the time source for the loop and its evaluators.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	l.gates.WithClock(clock)
	l.binder.WithClock(clock)
	l.freshness.WithClock(clock)
	return l
}

func (l *Loop) WithLogger(logger *slog.Logger) *Loop {
	l.logger = logger
	l.gates.WithLogger(logger)
	return l
}

// RunTurn executes one turn in fixed order. A halt ends the turn with the
// halt recorded; an intervention abort ends it with a turn summary; both
// are normal returns. Programmer errors (missing gate, bad hook return,
// resume without provenance) are returned as errors.
func (l *Loop) RunTurn(ctx context.Context, g capability.Gate, episode *contracts.Episode, input TurnInput) (TurnResult, error) {
	result := TurnResult{Episode: episode, Freshness: freshness.VerdictContinue}

	ctx, span := l.metrics.StartTurn(ctx, episode.EpisodeID, episode.TurnIndex)
	defer span.End()
	defer func() { l.metrics.RecordTurn(ctx, turnState(&result)) }()

	for _, effect := range input.Effects {
		episode.AppendEffect(effect)
	}

	if abort, err := l.checkpoint(ctx, g, episode, PhaseStart, &result); err != nil || abort {
		return result, err
	}

	// 1. The turn's own forward prediction.
	forward := input.Forward
	if forward.PredictionID == "" {
		forward.PredictionID = "pred:" + uuid.New().String()
	}
	if forward.ScopeKey == "" {
		forward.ScopeKey = input.Scope
	}
	if forward.IssuedAt.IsZero() {
		forward.IssuedAt = l.clock().UTC()
	}
	if _, err := l.journal.Append(ctx, g, contracts.NewPredictionEvent(forward)); err != nil {
		return result, fmt.Errorf("mission: forward prediction: %w", err)
	}

	// 2. Caller-supplied pending predictions, each gated on its own.
	for _, pending := range input.Pending {
		halted, err := l.appendGated(ctx, g, episode, pending, &result)
		if err != nil {
			return result, err
		}
		if halted {
			return result, nil
		}
	}

	// 3. Pre-decision gate over the full projection.
	proj := l.journal.Projection()
	gateResult, err := l.gates.Evaluate(ctx, episode, invariants.Context{
		ScopeKey:           input.Scope,
		CurrentPredictions: proj.Predictions,
	}, g)
	if err != nil {
		return result, fmt.Errorf("mission: pre-decision gate: %w", err)
	}
	if gateResult.Halted() {
		result.Halt = gateResult.Halt
		return result, nil
	}

	if abort, err := l.checkpoint(ctx, g, episode, PhasePostPreDecisionGate, &result); err != nil || abort {
		return result, err
	}

	// 4. Observation freshness, then ingestion.
	contract := input.Freshness
	if contract == nil && l.freshnessPolicy != nil {
		contract = l.freshnessPolicy.GetContract(input.Scope, episode, proj)
		// A policy-supplied contract is judged against the incoming
		// observation, which has not been consumed yet.
		if contract != nil && contract.ObservedAt == nil && !input.Observation.ObservedAt.IsZero() {
			at := input.Observation.ObservedAt
			contract.ObservedAt = &at
		}
	}
	if contract != nil {
		verdict, err := l.freshness.Evaluate(ctx, g, episode, *contract)
		if err != nil {
			return result, fmt.Errorf("mission: freshness: %w", err)
		}
		result.Freshness = verdict
		if verdict != freshness.VerdictContinue {
			l.summarize(episode, contracts.TurnSummary{
				Action: "hold",
				Reason: "observation freshness " + string(verdict),
				At:     l.clock().UTC(),
			})
			return result, nil
		}
	}
	obs := input.Observation
	if obs.Scope == "" {
		obs.Scope = input.Scope
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = l.clock().UTC()
	}
	episode.AppendObservation(obs)

	// 5. Reconcile the scope's outstanding prediction against what was
	// actually observed.
	if input.ObservedValue != nil {
		corrected, err := l.reconcile(ctx, g, episode, input.Scope, *input.ObservedValue)
		if err != nil {
			return result, err
		}
		result.Corrected = corrected
	}

	if abort, err := l.checkpoint(ctx, g, episode, PhasePostObservationGate, &result); err != nil || abort {
		return result, err
	}

	// 6. Delegated schema/ambiguity interpretation.
	captureError := 0.0
	if result.Corrected != nil && result.Corrected.AbsoluteError != nil {
		captureError = *result.Corrected.AbsoluteError
	}
	selection, err := classifier.Interpret(ctx, l.selectorName, l.selector, obs.Text, captureError)
	if err != nil {
		return result, fmt.Errorf("mission: interpretation: %w", err)
	}
	result.Selection = selection
	episode.AppendArtifact(contracts.SchemaSelectionNote{Selection: selection, At: l.clock().UTC()})

	// 7. Delegated utterance classification.
	result.Classification = l.heuristic.Classify(obs.Text)
	episode.AppendArtifact(contracts.ClassificationNote{
		Label:      result.Classification.Label,
		Confidence: result.Classification.Confidence,
		At:         l.clock().UTC(),
	})

	if abort, err := l.checkpoint(ctx, g, episode, PhasePostPreOutputGate, &result); err != nil || abort {
		return result, err
	}

	l.summarize(episode, contracts.TurnSummary{Action: "completed", At: l.clock().UTC()})
	return result, nil
}

// appendGated runs the invariant gates around one pending prediction:
// availability before the write, evidence-link visibility after it.
func (l *Loop) appendGated(ctx context.Context, g capability.Gate, episode *contracts.Episode, p contracts.PredictionRecord, result *TurnResult) (bool, error) {
	receipt, err := l.journal.Append(ctx, g, contracts.NewPredictionEvent(p))
	if err != nil {
		return false, fmt.Errorf("mission: pending prediction %s: %w", p.PredictionID, err)
	}

	proj := l.journal.Projection()
	gateResult, err := l.gates.Evaluate(ctx, episode, invariants.Context{
		ScopeKey:           p.ScopeKey,
		CurrentPredictions: proj.Predictions,
		Write: &invariants.WriteEvidence{
			Reference:  receipt.Reference,
			WrittenKey: p.ScopeKey,
		},
	}, g)
	if err != nil {
		return false, fmt.Errorf("mission: gate pending prediction %s: %w", p.PredictionID, err)
	}
	if gateResult.Halted() {
		result.Halt = gateResult.Halt
		return true, nil
	}
	return false, nil
}

// reconcile binds the observed value; in repair mode the proposal is
// resolved immediately so the projection converges within the turn. A nil
// return means the observation matched the baseline and nothing was bound.
func (l *Loop) reconcile(ctx context.Context, g capability.Gate, episode *contracts.Episode, scope string, observed float64) (*contracts.PredictionRecord, error) {
	next, proposal, err := l.binder.Reconcile(ctx, g, scope, observed)
	if err != nil {
		return nil, fmt.Errorf("mission: reconcile: %w", err)
	}
	if next == nil {
		return nil, nil
	}
	if proposal != nil {
		if err := l.binder.Resolve(ctx, g, proposal, contracts.RepairAccepted); err != nil {
			return nil, fmt.Errorf("mission: resolve repair: %w", err)
		}
	}
	outcome := contracts.PredictionOutcome{
		PredictionID:   next.PredictionID,
		ScopeKey:       next.ScopeKey,
		TargetVariable: next.TargetVariable,
		RecordedAt:     next.IssuedAt,
	}
	if next.PredictionError != nil {
		outcome.ErrorMetric = *next.PredictionError
	}
	if next.AbsoluteError != nil {
		outcome.AbsoluteError = *next.AbsoluteError
	}
	episode.AppendArtifact(contracts.OutcomeNote{Outcome: outcome, At: next.IssuedAt})
	l.metrics.RecordCorrection(ctx, next.Root(), outcome.AbsoluteError)
	return next, nil
}

func turnState(r *TurnResult) string {
	switch {
	case r.Halt != nil:
		return "halted"
	case r.AbortedBy != "":
		return "aborted"
	case r.Freshness != freshness.VerdictContinue:
		return "held"
	default:
		return "completed"
	}
}

func (l *Loop) summarize(episode *contracts.Episode, summary contracts.TurnSummary) {
	episode.AppendArtifact(summary)
}
