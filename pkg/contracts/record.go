package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind discriminates journal records.
type EventKind string

const (
	EventKindPredictionRecord EventKind = "prediction_record"
	// EventKindPrediction is the legacy discriminator for prediction records;
	// still recognized on read so old journals stay replayable.
	EventKindPrediction        EventKind = "prediction"
	EventKindHalt              EventKind = "halt"
	EventKindRepairProposal    EventKind = "repair_proposal"
	EventKindRepairResolution  EventKind = "repair_resolution"
	EventKindAskOutboxRequest  EventKind = "ask_outbox_request"
	EventKindAskOutboxResponse EventKind = "ask_outbox_response"
)

// KnownEventKind reports whether replay recognizes the kind. Unrecognized
// kinds are dropped during replay; recognized kinds are retained in relative
// order.
func KnownEventKind(k EventKind) bool {
	switch k {
	case EventKindPredictionRecord, EventKindPrediction, EventKindHalt,
		EventKindRepairProposal, EventKindRepairResolution,
		EventKindAskOutboxRequest, EventKindAskOutboxResponse:
		return true
	}
	return false
}

// ErrUnknownEventKind signals a record whose discriminator replay should drop.
var ErrUnknownEventKind = errors.New("unknown event_kind")

// Record is the journal record envelope: exactly one payload field is set,
// matching Kind. On the wire the payload fields sit at the top level of the
// JSON object alongside the event_kind discriminator.
type Record struct {
	Kind       EventKind
	Prediction *PredictionRecord
	Halt       *HaltRecord
	Proposal   *RepairProposal
	Resolution *RepairResolution
	Request    *AskOutboxRequest
	Response   *AskOutboxResponse
}

// NewPredictionEvent wraps a prediction record for append.
func NewPredictionEvent(p PredictionRecord) Record {
	return Record{Kind: EventKindPredictionRecord, Prediction: &p}
}

// NewHaltEvent wraps a halt record for append.
func NewHaltEvent(h *HaltRecord) Record {
	return Record{Kind: EventKindHalt, Halt: h}
}

// NewRepairProposalEvent wraps a repair proposal for append.
func NewRepairProposalEvent(p *RepairProposal) Record {
	return Record{Kind: EventKindRepairProposal, Proposal: p}
}

// NewRepairResolutionEvent wraps a repair resolution for append.
func NewRepairResolutionEvent(r RepairResolution) Record {
	return Record{Kind: EventKindRepairResolution, Resolution: &r}
}

// NewAskRequestEvent wraps an outbox request for append.
func NewAskRequestEvent(r AskOutboxRequest) Record {
	return Record{Kind: EventKindAskOutboxRequest, Request: &r}
}

// NewAskResponseEvent wraps an outbox response for append.
func NewAskResponseEvent(r AskOutboxResponse) Record {
	return Record{Kind: EventKindAskOutboxResponse, Response: &r}
}

func (r Record) payload() (any, error) {
	switch r.Kind {
	case EventKindPredictionRecord, EventKindPrediction:
		if r.Prediction == nil {
			return nil, fmt.Errorf("record %q: nil prediction payload", r.Kind)
		}
		return r.Prediction, nil
	case EventKindHalt:
		if r.Halt == nil {
			return nil, errors.New("record halt: nil halt payload")
		}
		return r.Halt, nil
	case EventKindRepairProposal:
		if r.Proposal == nil {
			return nil, errors.New("record repair_proposal: nil proposal payload")
		}
		return r.Proposal, nil
	case EventKindRepairResolution:
		if r.Resolution == nil {
			return nil, errors.New("record repair_resolution: nil resolution payload")
		}
		return r.Resolution, nil
	case EventKindAskOutboxRequest:
		if r.Request == nil {
			return nil, errors.New("record ask_outbox_request: nil request payload")
		}
		return r.Request, nil
	case EventKindAskOutboxResponse:
		if r.Response == nil {
			return nil, errors.New("record ask_outbox_response: nil response payload")
		}
		return r.Response, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, r.Kind)
	}
}

// MarshalJSON flattens the payload to the top level and injects event_kind.
func (r Record) MarshalJSON() ([]byte, error) {
	payload, err := r.payload()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(r.Kind)
	if err != nil {
		return nil, err
	}
	fields["event_kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a tagged record. Unknown kinds return
// ErrUnknownEventKind so replay can drop them without losing the line's
// position in the scan.
func (r *Record) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind EventKind `json:"event_kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	out := Record{Kind: probe.Kind}
	switch probe.Kind {
	case EventKindPredictionRecord, EventKindPrediction:
		out.Prediction = &PredictionRecord{}
		if err := json.Unmarshal(data, out.Prediction); err != nil {
			return err
		}
	case EventKindHalt:
		out.Halt = &HaltRecord{}
		if err := json.Unmarshal(data, out.Halt); err != nil {
			return err
		}
	case EventKindRepairProposal:
		out.Proposal = &RepairProposal{}
		if err := json.Unmarshal(data, out.Proposal); err != nil {
			return err
		}
	case EventKindRepairResolution:
		out.Resolution = &RepairResolution{}
		if err := json.Unmarshal(data, out.Resolution); err != nil {
			return err
		}
	case EventKindAskOutboxRequest:
		out.Request = &AskOutboxRequest{}
		if err := json.Unmarshal(data, out.Request); err != nil {
			return err
		}
	case EventKindAskOutboxResponse:
		out.Response = &AskOutboxResponse{}
		if err := json.Unmarshal(data, out.Response); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventKind, probe.Kind)
	}
	*r = out
	return nil
}
