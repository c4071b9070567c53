// Package gate sequences invariant checkers at named gate points and converts
// the earliest stop into a durable, validated halt. Nothing is appended to the
// prediction stream for a halted attempt; the halt stream and the episode
// trace are the only things that change.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/invariants"
	"github.com/Mindburn-Labs/keel/pkg/observability"
)

// HaltSink persists halt records. Implemented by pkg/journal.
type HaltSink interface {
	AppendHalt(ctx context.Context, g capability.Gate, h *contracts.HaltRecord) error
}

// Result wraps one evaluation: the ordered outcomes of every checker that ran
// and, if any stopped, the halt that was persisted. Skipped checkers do not
// occur in the trail and cannot cause a halt.
type Result struct {
	Outcomes []contracts.InvariantOutcome
	Halt     *contracts.HaltRecord
}

// Halted reports whether the evaluation stopped.
func (r Result) Halted() bool { return r.Halt != nil }

// Evaluator runs registered checkers at gate points in strict order:
// pre_consume, then post_write (only when a write occurred), then
// halt_validation on any stop. The earliest stop wins; there is no rollback
// because nothing has been appended yet.
type Evaluator struct {
	registry *invariants.Registry
	halts    HaltSink
	metrics  *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEvaluator builds an evaluator over a registry and a halt sink.
func NewEvaluator(registry *invariants.Registry, halts HaltSink) *Evaluator {
	return &Evaluator{
		registry: registry,
		halts:    halts,
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// WithLogger overrides the logger.
func (e *Evaluator) WithLogger(l *slog.Logger) *Evaluator {
	e.logger = l
	return e
}

// WithMetrics counts committed halts on the given provider. A nil provider
// keeps the evaluator silent.
func (e *Evaluator) WithMetrics(p *observability.Provider) *Evaluator {
	e.metrics = p
	return e
}

// Evaluate runs the gate for one episode. The supplied capability gate
// authorizes the halt append that a stop would require.
func (e *Evaluator) Evaluate(ctx context.Context, episode *contracts.Episode, ictx invariants.Context, g capability.Gate) (Result, error) {
	var result Result

	stages := []invariants.Stage{invariants.StagePreConsume}
	if ictx.Write != nil {
		stages = append(stages, invariants.StagePostWrite)
	}

	for _, stage := range stages {
		ictx.Stage = stage
		for _, reg := range e.registry.ForStage(stage) {
			if !episode.Observer.Permits(reg.ID) {
				continue
			}
			outcome := reg.Check(ictx)
			result.Outcomes = append(result.Outcomes, outcome)
			if outcome.Flow == contracts.FlowStop {
				halt, err := e.commitHalt(ctx, episode, ictx, outcome, g)
				if err != nil {
					return result, err
				}
				result.Halt = halt
				return result, nil
			}
		}
	}
	return result, nil
}

// commitHalt validates the candidate stop with the meta-invariant, derives
// the stable halt id, persists the halt, and traces it on the episode.
// When the meta-check itself stops, its outcome — not the original — becomes
// the persisted halt.
func (e *Evaluator) commitHalt(ctx context.Context, episode *contracts.Episode, ictx invariants.Context, candidate contracts.InvariantOutcome, g capability.Gate) (*contracts.HaltRecord, error) {
	stage := string(ictx.Stage)
	final := candidate
	retryability := contracts.RetryabilityRetryable

	ictx.Stage = invariants.StageHaltValidation
	ictx.CandidateHalt = &candidate
	for _, reg := range e.registry.ForStage(invariants.StageHaltValidation) {
		if !episode.Observer.Permits(reg.ID) {
			continue
		}
		meta := reg.Check(ictx)
		if meta.Flow == contracts.FlowStop {
			stage = string(invariants.StageHaltValidation)
			final = meta
			retryability = contracts.RetryabilityTerminal
			break
		}
	}

	haltID, err := StableHaltID(stage, final.InvariantID, final.Code, final.Evidence)
	if err != nil {
		return nil, fmt.Errorf("gate: derive halt id: %w", err)
	}

	halt, err := contracts.NewHaltRecord(haltID, stage, final.InvariantID, final.Code, final.Details, final.Evidence, retryability, e.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("gate: construct halt: %w", err)
	}

	if err := e.halts.AppendHalt(ctx, g, halt); err != nil {
		return nil, fmt.Errorf("gate: persist halt: %w", err)
	}
	e.metrics.RecordHalt(ctx, halt.InvariantID, halt.Stage)

	episode.AppendArtifact(contracts.HaltObservation{
		HaltID:      halt.HaltID,
		Stage:       halt.Stage,
		InvariantID: halt.InvariantID,
		Reason:      halt.Reason,
		At:          halt.Timestamp,
	})

	e.logger.Warn("gate halted",
		"halt_id", halt.HaltID,
		"stage", halt.Stage,
		"invariant_id", halt.InvariantID,
		"reason", halt.Reason,
	)
	return halt, nil
}

// StableHaltID derives the content-addressed halt identifier: the same
// violating context always yields the same id.
func StableHaltID(stage, invariantID, reason string, evidence []contracts.EvidenceItem) (string, error) {
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"stage":        stage,
		"invariant_id": invariantID,
		"reason":       reason,
		"evidence":     evidence,
	})
	if err != nil {
		return "", err
	}
	return "halt:" + hash, nil
}
