package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// AppendReceipt is the evidence reference a successful append returns.
type AppendReceipt struct {
	Kind      contracts.EventKind
	Reference string
}

// Journal owns the prediction stream, the halt stream, and the live
// projection. Every append is capability-gated; a denied append writes
// nothing to the prediction stream and records the denial as a halt.
type Journal struct {
	mu       sync.Mutex
	records  *Writer
	halts    *Writer
	state    *contracts.ProjectionState
	archiver SegmentArchiver
	clock    func() time.Time
	logger   *slog.Logger
}

// SegmentArchiver uploads a closed journal segment to durable storage.
// Implemented by pkg/archive.
type SegmentArchiver interface {
	ArchiveSegment(ctx context.Context, localPath string) (string, error)
}

// Open opens (or creates) the two streams.
func Open(recordsPath, haltsPath string) (*Journal, error) {
	records, err := OpenWriter(recordsPath)
	if err != nil {
		return nil, err
	}
	halts, err := OpenWriter(haltsPath)
	if err != nil {
		records.Close()
		return nil, err
	}
	return &Journal{
		records: records,
		halts:   halts,
		state:   contracts.NewProjectionState(),
		clock:   time.Now,
		logger:  slog.Default(),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// WithLogger overrides the logger.
func (j *Journal) WithLogger(l *slog.Logger) *Journal {
	j.logger = l
	return j
}

// WithArchiver uploads every closed segment after rotation.
func (j *Journal) WithArchiver(a SegmentArchiver) *Journal {
	j.archiver = a
	return j
}

// Append validates the gate, writes exactly one record to the prediction
// stream, and folds it into the live projection.
//
// A missing gate is a programmer error and performs no I/O. A denied gate
// performs no prediction-stream I/O either, but the denial itself is durably
// recorded as a halt carrying the denying policy code.
func (j *Journal) Append(ctx context.Context, g capability.Gate, rec contracts.Record) (AppendReceipt, error) {
	if err := capability.Require(g, "journal.append"); err != nil {
		var denial *capability.DenialError
		if errors.As(err, &denial) {
			if haltErr := j.recordDenial(denial); haltErr != nil {
				j.logger.Error("failed to record capability denial", "error", haltErr)
			}
		}
		return AppendReceipt{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	ref, err := j.records.Append(rec)
	if err != nil {
		return AppendReceipt{}, err
	}
	ProjectCurrent(rec, j.state)

	j.logger.Debug("journal append", "event_kind", string(rec.Kind), "reference", ref)
	return AppendReceipt{Kind: rec.Kind, Reference: ref}, nil
}

// AppendHalt writes one halt record to the halt stream. Capability-gated like
// every other append.
func (j *Journal) AppendHalt(ctx context.Context, g capability.Gate, h *contracts.HaltRecord) error {
	if err := capability.Require(g, "halts.append"); err != nil {
		return err
	}
	if err := h.Validate(); err != nil {
		return fmt.Errorf("journal: refusing unexplainable halt: %w", err)
	}
	_, err := j.halts.Append(contracts.NewHaltEvent(h))
	return err
}

// Projection returns a copy of the live projection.
func (j *Journal) Projection() contracts.ProjectionState {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := contracts.ProjectionState{
		CorrectionMetrics: j.state.CorrectionMetrics,
		UpdatedAt:         j.state.UpdatedAt,
		Predictions:       make(map[string]contracts.PredictionRecord, len(j.state.Predictions)),
	}
	for k, v := range j.state.Predictions {
		out.Predictions[k] = v
	}
	return out
}

// RotateRecords begins a new prediction-stream segment and returns the path
// of the closed one. With an archiver configured the closed segment is
// uploaded before this returns; the upload happens outside the append lock.
func (j *Journal) RotateRecords(ctx context.Context, newPath string) (string, error) {
	j.mu.Lock()
	closed, err := j.records.Rotate(newPath)
	j.mu.Unlock()
	if err != nil {
		return "", err
	}
	if j.archiver != nil {
		location, err := j.archiver.ArchiveSegment(ctx, closed)
		if err != nil {
			return closed, fmt.Errorf("journal: archive segment %s: %w", closed, err)
		}
		j.logger.Info("journal segment archived", "segment", closed, "location", location)
	}
	return closed, nil
}

// Close closes both streams.
func (j *Journal) Close() error {
	recErr := j.records.Close()
	haltErr := j.halts.Close()
	if recErr != nil {
		return recErr
	}
	return haltErr
}

// recordDenial persists the policy denial as a halt. The halt append uses an
// internal system gate: the denial has already been decided and must not be
// lost to a second denial.
func (j *Journal) recordDenial(denial *capability.DenialError) error {
	haltID := fmt.Sprintf("halt:denial:%s", denial.InvocationID)
	halt, err := contracts.NewHaltRecord(
		haltID,
		"capability_gate",
		"capability_policy.v1",
		denial.PolicyCode,
		fmt.Sprintf("capability policy denied action %q", denial.Action),
		[]contracts.EvidenceItem{{Tag: "invocation_id", Reference: denial.InvocationID, Value: denial.Action}},
		contracts.RetryabilityTerminal,
		j.clock().UTC(),
	)
	if err != nil {
		return err
	}
	halt.PolicyCode = denial.PolicyCode

	system, err := capability.NewGate("system:"+denial.InvocationID, true)
	if err != nil {
		return err
	}
	return j.AppendHalt(context.Background(), system, halt)
}
