package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// RootAttribution bills the cost of being wrong back to the prediction that
// started a correction chain.
type RootAttribution struct {
	Corrections        int     `json:"corrections"`
	TotalAbsoluteError float64 `json:"total_absolute_error"`
	MeanAbsoluteError  float64 `json:"mean_absolute_error"`
}

// AnalyticsSnapshot is the derived view replay produces alongside the
// projection: correction cost per root, outstanding human requests, and
// request-to-outcome linkage.
type AnalyticsSnapshot struct {
	CorrectionCostByRoot map[string]RootAttribution `json:"correction_cost_by_root"`
	OutstandingRequests  []string                   `json:"outstanding_requests"`
	RequestOutcomes      map[string]string          `json:"request_outcomes"`
	ProposalsSeen        int                        `json:"proposals_seen"`
	ProposalsAccepted    int                        `json:"proposals_accepted"`
	ProposalsRejected    int                        `json:"proposals_rejected"`
	HaltsSeen            int                        `json:"halts_seen"`
}

// ReplayResult is the outcome of one full replay pass.
type ReplayResult struct {
	Projection       *contracts.ProjectionState `json:"projection_state"`
	Analytics        *AnalyticsSnapshot         `json:"analytics_snapshot"`
	RecordsProcessed int                        `json:"records_processed"`
}

// CanonicalHash serializes the result canonically and hashes it. Two replays
// of byte-identical logs always produce the same hash.
func (r *ReplayResult) CanonicalHash() (string, error) {
	return canonicalize.CanonicalHash(r)
}

// Replay re-derives the projection and analytics from scratch by scanning
// every line in append order and applying the same fold the online path uses.
//
// Malformed lines — invalid JSON, non-object JSON, halt-shaped records that
// fail full-field validation — are skipped, never raised: the journal's job
// is to recover the maximum valid history. Unrecognized event kinds are
// dropped; recognized kinds are retained in relative order.
func Replay(r io.Reader) (*ReplayResult, error) {
	result := &ReplayResult{
		Projection: contracts.NewProjectionState(),
		Analytics: &AnalyticsSnapshot{
			CorrectionCostByRoot: make(map[string]RootAttribution),
			OutstandingRequests:  []string{},
			RequestOutcomes:      make(map[string]string),
		},
	}
	outstanding := make(map[string]bool)

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		atEOF := err == io.EOF
		if err != nil && !atEOF {
			return nil, fmt.Errorf("journal: read during replay: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if rec, ok := decodeReplayLine(line); ok {
				applyReplay(rec, result, outstanding)
				result.RecordsProcessed++
			}
		}
		if atEOF {
			break
		}
	}

	ids := make([]string, 0, len(outstanding))
	for id := range outstanding {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	result.Analytics.OutstandingRequests = ids
	return result, nil
}

// ReplayFiles replays one or more journal segments in order. Segments are
// plain concatenations, so replaying files a,b equals replaying their
// concatenation.
func ReplayFiles(paths ...string) (*ReplayResult, error) {
	readers := make([]io.Reader, 0, len(paths))
	closers := make([]io.Closer, 0, len(paths))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("journal: open segment %s: %w", p, err)
		}
		closers = append(closers, f)
		readers = append(readers, f, bytes.NewReader([]byte("\n")))
	}
	return Replay(io.MultiReader(readers...))
}

// decodeReplayLine decides whether a line is a valid, recognized record.
func decodeReplayLine(line []byte) (contracts.Record, bool) {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return contracts.Record{}, false // invalid JSON
	}
	if obj == nil {
		return contracts.Record{}, false // JSON null
	}

	kindRaw, _ := obj["event_kind"].(string)
	kind := contracts.EventKind(kindRaw)
	if !contracts.KnownEventKind(kind) {
		return contracts.Record{}, false // dropped
	}

	// Halt-shaped records get full-field validation before they count.
	if kind == contracts.EventKindHalt && !validHaltShape(obj) {
		return contracts.Record{}, false
	}

	var rec contracts.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return contracts.Record{}, false // recognized kind, corrupt payload
	}
	if rec.Kind == contracts.EventKindRepairResolution {
		if err := rec.Resolution.Validate(); err != nil {
			return contracts.Record{}, false
		}
	}
	return rec, true
}

func applyReplay(rec contracts.Record, result *ReplayResult, outstanding map[string]bool) {
	ProjectCurrent(rec, result.Projection)

	a := result.Analytics
	switch rec.Kind {
	case contracts.EventKindPredictionRecord, contracts.EventKindPrediction:
		attributeCorrection(a, *rec.Prediction)
	case contracts.EventKindHalt:
		a.HaltsSeen++
	case contracts.EventKindRepairProposal:
		a.ProposalsSeen++
	case contracts.EventKindRepairResolution:
		switch rec.Resolution.Decision {
		case contracts.RepairAccepted:
			a.ProposalsAccepted++
			attributeCorrection(a, *rec.Resolution.AcceptedPrediction)
		case contracts.RepairRejected:
			a.ProposalsRejected++
		}
	case contracts.EventKindAskOutboxRequest:
		outstanding[rec.Request.RequestID] = true
	case contracts.EventKindAskOutboxResponse:
		// A pending acknowledgement records the dispatch but does not
		// resolve the request.
		if rec.Response.Status != contracts.AskStatusPending {
			delete(outstanding, rec.Response.RequestID)
		}
		a.RequestOutcomes[rec.Response.RequestID] = rec.Response.Status
	}
}

func attributeCorrection(a *AnalyticsSnapshot, p contracts.PredictionRecord) {
	if p.AbsoluteError == nil {
		return
	}
	root := p.Root()
	att := a.CorrectionCostByRoot[root]
	att.Corrections++
	att.TotalAbsoluteError += *p.AbsoluteError
	att.MeanAbsoluteError = att.TotalAbsoluteError / float64(att.Corrections)
	a.CorrectionCostByRoot[root] = att
}
