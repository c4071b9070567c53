// Package lineage binds observed outcomes to predictions and maintains the
// correction chain: every corrected record points at its parent revision and
// at the root prediction that opened the chain.
package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/journal"
)

// Mode selects how a correction reaches the log.
type Mode string

const (
	// ModeDirect appends the corrected record in a single event.
	ModeDirect Mode = "direct"
	// ModeRepairEvents splits a correction into a proposal event followed
	// by an accept or reject resolution event.
	ModeRepairEvents Mode = "repair_events"
)

// BindOutcome derives the corrected successor of pred for an observed value.
// The input record is never mutated. The successor id is deterministic:
// root id plus "/r" plus the new revision number, so two replays of the same
// log derive the same chain.
func BindOutcome(pred contracts.PredictionRecord, observed float64, recordedAt time.Time) (contracts.PredictionRecord, contracts.PredictionOutcome) {
	root := pred.Root()
	revision := pred.CorrectionRevision + 1
	errVal := observed - pred.Expectation
	abs := errVal
	if abs < 0 {
		abs = -abs
	}

	next := pred
	next.PredictionID = root + "/r" + strconv.Itoa(revision)
	next.IssuedAt = recordedAt
	next.ObservedValue = &observed
	next.PredictionError = &errVal
	next.AbsoluteError = &abs
	next.WasCorrected = true
	next.CorrectionParentPredictionID = pred.PredictionID
	next.CorrectionRootPredictionID = root
	next.CorrectionRevision = revision

	outcome := contracts.PredictionOutcome{
		PredictionID:   next.PredictionID,
		ScopeKey:       pred.ScopeKey,
		TargetVariable: pred.TargetVariable,
		ErrorMetric:    errVal,
		AbsoluteError:  abs,
		RecordedAt:     recordedAt,
	}
	return next, outcome
}

// Binder reconciles observed outcomes against the journal in one of the two
// correction modes. Both modes converge to the same projection.
type Binder struct {
	journal *journal.Journal
	mode    Mode
	clock   func() time.Time
	logger  *slog.Logger
}

func NewBinder(j *journal.Journal, mode Mode) (*Binder, error) {
	switch mode {
	case ModeDirect, ModeRepairEvents:
	default:
		return nil, fmt.Errorf("lineage: unknown correction mode %q", mode)
	}
	return &Binder{
		journal: j,
		mode:    mode,
		clock:   time.Now,
		logger:  slog.Default(),
	}, nil
}

// WithClock overrides the time source. Tests rely on this for stable ids
// and timestamps.
func (b *Binder) WithClock(clock func() time.Time) *Binder {
	b.clock = clock
	return b
}

func (b *Binder) WithLogger(l *slog.Logger) *Binder {
	b.logger = l
	return b
}

// Mode reports the configured correction mode.
func (b *Binder) Mode() Mode { return b.mode }

// Reconcile compares the current prediction for scope against an observed
// value and, when they diverge, records the correction. A matching
// observation records nothing and returns a nil record so the caller can
// tell a no-op from a correction. In repair mode the returned proposal is
// pending until Resolve is called; the projection only moves on an accepted
// resolution.
func (b *Binder) Reconcile(ctx context.Context, g capability.Gate, scope string, observed float64) (*contracts.PredictionRecord, *contracts.RepairProposal, error) {
	proj := b.journal.Projection()
	current, ok := proj.Current(scope)
	if !ok {
		return nil, nil, fmt.Errorf("lineage: no prediction for scope %q", scope)
	}
	// Once an outcome is bound, the bound value is the baseline; a repeat
	// of the same observation must not open another revision.
	baseline := current.Expectation
	if current.ObservedValue != nil {
		baseline = *current.ObservedValue
	}
	if baseline == observed {
		return nil, nil, nil
	}

	now := b.clock().UTC()
	next, outcome := BindOutcome(current, observed, now)

	switch b.mode {
	case ModeDirect:
		if _, err := b.journal.Append(ctx, g, contracts.NewPredictionEvent(next)); err != nil {
			return nil, nil, fmt.Errorf("lineage: append correction: %w", err)
		}
		b.logger.Info("prediction corrected",
			slog.String("scope", scope),
			slog.String("prediction_id", next.PredictionID),
			slog.Float64("absolute_error", *next.AbsoluteError))
		return &next, nil, nil

	case ModeRepairEvents:
		proposal, err := contracts.NewRepairProposal(
			repairID(next),
			contracts.LineageRef{
				ScopeKey:                   scope,
				PredictionID:               current.PredictionID,
				CorrectionRootPredictionID: next.CorrectionRootPredictionID,
			},
			next, outcome, now,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("lineage: build proposal: %w", err)
		}
		if _, err := b.journal.Append(ctx, g, contracts.NewRepairProposalEvent(proposal)); err != nil {
			return nil, nil, fmt.Errorf("lineage: append proposal: %w", err)
		}
		b.logger.Info("repair proposed",
			slog.String("scope", scope),
			slog.String("repair_id", proposal.RepairID()))
		return &next, proposal, nil
	}
	return nil, nil, fmt.Errorf("lineage: unknown correction mode %q", b.mode)
}

// Resolve records the accept or reject decision for a pending proposal.
// Only an accepted resolution advances the projection.
func (b *Binder) Resolve(ctx context.Context, g capability.Gate, proposal *contracts.RepairProposal, decision contracts.RepairDecision) error {
	if b.mode != ModeRepairEvents {
		return fmt.Errorf("lineage: resolve is only valid in %s mode", ModeRepairEvents)
	}
	if proposal == nil {
		return fmt.Errorf("lineage: resolve without proposal")
	}
	resolution := contracts.RepairResolution{
		RepairID:   proposal.RepairID(),
		Lineage:    proposal.Lineage,
		Decision:   decision,
		ResolvedAt: b.clock().UTC(),
	}
	if decision == contracts.RepairAccepted {
		accepted := proposal.ProposedPrediction
		resolution.AcceptedPrediction = &accepted
	}
	if err := resolution.Validate(); err != nil {
		return fmt.Errorf("lineage: %w", err)
	}
	if _, err := b.journal.Append(ctx, g, contracts.NewRepairResolutionEvent(resolution)); err != nil {
		return fmt.Errorf("lineage: append resolution: %w", err)
	}
	return nil
}

// repairID is derived from the corrected record so a proposal re-derived
// from the same log content carries the same id.
func repairID(next contracts.PredictionRecord) string {
	return "repair:" + next.PredictionID
}
