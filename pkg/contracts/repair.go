package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LineageRef addresses one prediction inside its correction chain.
type LineageRef struct {
	ScopeKey                   string `json:"scope_key"`
	PredictionID               string `json:"prediction_id"`
	CorrectionRootPredictionID string `json:"correction_root_prediction_id"`
}

// RepairDecision is the outcome of a repair resolution.
type RepairDecision string

const (
	RepairAccepted RepairDecision = "accepted"
	RepairRejected RepairDecision = "rejected"
)

// RepairProposal is the first half of a repair-mode correction: the would-be
// corrected record plus the raw comparison that motivated it. The repair id is
// assigned at construction and cannot be reassigned afterwards.
type RepairProposal struct {
	repairID           string
	Lineage            LineageRef
	ProposedPrediction PredictionRecord
	Outcome            PredictionOutcome
	ProposedAt         time.Time
}

// NewRepairProposal constructs a proposal. The repair id is required.
func NewRepairProposal(repairID string, lineage LineageRef, proposed PredictionRecord, outcome PredictionOutcome, at time.Time) (*RepairProposal, error) {
	if repairID == "" {
		return nil, errors.New("repair proposal: missing repair_id")
	}
	if lineage.PredictionID == "" {
		return nil, errors.New("repair proposal: lineage ref missing prediction_id")
	}
	return &RepairProposal{
		repairID:           repairID,
		Lineage:            lineage,
		ProposedPrediction: proposed,
		Outcome:            outcome,
		ProposedAt:         at,
	}, nil
}

// RepairID returns the immutable repair identifier.
func (p *RepairProposal) RepairID() string { return p.repairID }

type repairProposalWire struct {
	RepairID           string            `json:"repair_id"`
	Lineage            LineageRef        `json:"lineage_ref"`
	ProposedPrediction PredictionRecord  `json:"proposed_prediction"`
	Outcome            PredictionOutcome `json:"prediction_outcome"`
	ProposedAt         time.Time         `json:"proposed_at"`
}

// MarshalJSON serializes the proposal including its immutable repair id.
func (p *RepairProposal) MarshalJSON() ([]byte, error) {
	return json.Marshal(repairProposalWire{
		RepairID:           p.repairID,
		Lineage:            p.Lineage,
		ProposedPrediction: p.ProposedPrediction,
		Outcome:            p.Outcome,
		ProposedAt:         p.ProposedAt,
	})
}

// UnmarshalJSON decodes a proposal. Decoding into a proposal that already has
// a different repair id is a reassignment and is refused.
func (p *RepairProposal) UnmarshalJSON(data []byte) error {
	var w repairProposalWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.RepairID == "" {
		return errors.New("repair proposal: missing repair_id")
	}
	if p.repairID != "" && p.repairID != w.RepairID {
		return fmt.Errorf("repair proposal: repair_id %q is not reassignable", p.repairID)
	}
	p.repairID = w.RepairID
	p.Lineage = w.Lineage
	p.ProposedPrediction = w.ProposedPrediction
	p.Outcome = w.Outcome
	p.ProposedAt = w.ProposedAt
	return nil
}

// RepairResolution is the second half of a repair-mode correction: the
// accept/reject decision for a previously appended proposal.
type RepairResolution struct {
	RepairID           string            `json:"repair_id"`
	Lineage            LineageRef        `json:"lineage_ref"`
	Decision           RepairDecision    `json:"decision"`
	AcceptedPrediction *PredictionRecord `json:"accepted_prediction,omitempty"`
	ResolvedAt         time.Time         `json:"resolved_at"`
}

// Validate enforces the resolution contract: an accepted resolution must
// carry the accepted record.
func (r RepairResolution) Validate() error {
	if r.RepairID == "" {
		return errors.New("repair resolution: missing repair_id")
	}
	switch r.Decision {
	case RepairAccepted:
		if r.AcceptedPrediction == nil {
			return errors.New("repair resolution: accepted without accepted_prediction")
		}
	case RepairRejected:
	default:
		return fmt.Errorf("repair resolution: invalid decision %q", r.Decision)
	}
	return nil
}
