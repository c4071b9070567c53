package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Flow tells the gate evaluator whether execution may continue past a checker.
type Flow string

const (
	FlowContinue Flow = "continue"
	FlowStop     Flow = "stop"
)

// Validity is the quality tier of a checker outcome.
type Validity string

const (
	ValidityValid    Validity = "valid"
	ValidityDegraded Validity = "degraded"
	ValidityInvalid  Validity = "invalid"
)

// Retryability classifies whether the halted action can be retried.
type Retryability string

const (
	RetryabilityRetryable Retryability = "retryable"
	RetryabilityTerminal  Retryability = "terminal"
)

// EvidenceItem is one tagged, referenced fact supporting an outcome or halt.
type EvidenceItem struct {
	Tag       string `json:"tag"`
	Reference string `json:"reference"`
	Value     string `json:"value,omitempty"`
}

// InvariantOutcome is the result of running one invariant checker.
// A stop outcome with empty evidence or details is itself invalid and is
// escalated into a meta-violation by the gate evaluator.
type InvariantOutcome struct {
	InvariantID string         `json:"invariant_id"`
	Passed      bool           `json:"passed"`
	Flow        Flow           `json:"flow"`
	Validity    Validity       `json:"validity"`
	Code        string         `json:"code"`
	Evidence    []EvidenceItem `json:"evidence,omitempty"`
	Details     string         `json:"details,omitempty"`
	ActionHints []string       `json:"action_hints,omitempty"`
}

// SelfExplanatory reports whether a stop outcome carries enough payload to be
// committed to the halt stream.
func (o InvariantOutcome) SelfExplanatory() bool {
	if o.Details == "" || len(o.Evidence) == 0 {
		return false
	}
	for _, ev := range o.Evidence {
		if ev.Reference == "" {
			return false
		}
	}
	return true
}

// ErrAmbiguousHaltIdentity is returned when a decoded halt carries both the
// canonical halt_id and the legacy stop_id and they disagree.
var ErrAmbiguousHaltIdentity = errors.New("halt record: canonical and legacy id fields disagree")

// HaltRecord is the durable, immutable explanation of a stop. Construction
// rejects any missing required field: a halt must never be ambiguous about
// its own identity or unable to explain itself.
type HaltRecord struct {
	HaltID       string         `json:"halt_id"`
	Stage        string         `json:"stage"`
	InvariantID  string         `json:"invariant_id"`
	Reason       string         `json:"reason"`
	Details      string         `json:"details"`
	Evidence     []EvidenceItem `json:"evidence"`
	Retryability Retryability   `json:"retryability"`
	PolicyCode   string         `json:"policy_code,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewHaltRecord constructs a validated halt record.
func NewHaltRecord(haltID, stage, invariantID, reason, details string, evidence []EvidenceItem, retryability Retryability, ts time.Time) (*HaltRecord, error) {
	h := &HaltRecord{
		HaltID:       haltID,
		Stage:        stage,
		InvariantID:  invariantID,
		Reason:       reason,
		Details:      details,
		Evidence:     evidence,
		Retryability: retryability,
		Timestamp:    ts,
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate enforces the required-field contract.
func (h *HaltRecord) Validate() error {
	switch {
	case h.HaltID == "":
		return errors.New("halt record: missing halt_id")
	case h.Stage == "":
		return errors.New("halt record: missing stage")
	case h.InvariantID == "":
		return errors.New("halt record: missing invariant_id")
	case h.Reason == "":
		return errors.New("halt record: missing reason")
	case h.Details == "":
		return errors.New("halt record: missing details")
	case len(h.Evidence) == 0:
		return errors.New("halt record: missing evidence")
	case h.Retryability != RetryabilityRetryable && h.Retryability != RetryabilityTerminal:
		return fmt.Errorf("halt record: invalid retryability %q", h.Retryability)
	case h.Timestamp.IsZero():
		return errors.New("halt record: missing timestamp")
	}
	for i, ev := range h.Evidence {
		if ev.Reference == "" {
			return fmt.Errorf("halt record: evidence[%d] has empty reference", i)
		}
	}
	return nil
}

// haltRecordWire carries the legacy stop_id alias alongside the canonical
// field. There is exactly one live field on HaltRecord; the alias exists only
// at the deserialization boundary.
type haltRecordWire struct {
	HaltID       string         `json:"halt_id"`
	LegacyStopID string         `json:"stop_id"`
	Stage        string         `json:"stage"`
	InvariantID  string         `json:"invariant_id"`
	Reason       string         `json:"reason"`
	Details      string         `json:"details"`
	Evidence     []EvidenceItem `json:"evidence"`
	Retryability Retryability   `json:"retryability"`
	PolicyCode   string         `json:"policy_code,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// UnmarshalJSON decodes a halt record, resolving the legacy stop_id alias.
// If both fields are present they must agree.
func (h *HaltRecord) UnmarshalJSON(data []byte) error {
	var w haltRecordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id := w.HaltID
	if w.LegacyStopID != "" {
		if id != "" && id != w.LegacyStopID {
			return ErrAmbiguousHaltIdentity
		}
		id = w.LegacyStopID
	}
	*h = HaltRecord{
		HaltID:       id,
		Stage:        w.Stage,
		InvariantID:  w.InvariantID,
		Reason:       w.Reason,
		Details:      w.Details,
		Evidence:     w.Evidence,
		Retryability: w.Retryability,
		PolicyCode:   w.PolicyCode,
		Timestamp:    w.Timestamp,
	}
	return nil
}
