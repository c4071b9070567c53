package contracts

import (
	"time"
)

// PredictionRecord is a single forward-looking statement issued by the agent,
// addressed to one unit of state (the scope key). After comparison against an
// observed value it additionally carries the outcome and correction-lineage
// fields.
//
// Lineage invariant: correction_revision N+1 only exists if revision N was
// appended and is reachable by walking correction_parent_prediction_id back
// to the same correction root.
type PredictionRecord struct {
	PredictionID   string    `json:"prediction_id"`
	ScopeKey       string    `json:"scope_key"`
	TargetVariable string    `json:"target_variable"`
	Expectation    float64   `json:"expectation"`
	IssuedAt       time.Time `json:"issued_at"`

	// Set by outcome binding.
	ObservedValue   *float64 `json:"observed_value,omitempty"`
	PredictionError *float64 `json:"prediction_error,omitempty"`
	AbsoluteError   *float64 `json:"absolute_error,omitempty"`
	WasCorrected    bool     `json:"was_corrected,omitempty"`

	// Correction lineage.
	CorrectionParentPredictionID string `json:"correction_parent_prediction_id,omitempty"`
	CorrectionRootPredictionID   string `json:"correction_root_prediction_id,omitempty"`
	CorrectionRevision           int    `json:"correction_revision,omitempty"`
}

// Root returns the correction-root id of the chain this record belongs to,
// which is the record's own id for an uncorrected prediction.
func (p PredictionRecord) Root() string {
	if p.CorrectionRootPredictionID != "" {
		return p.CorrectionRootPredictionID
	}
	return p.PredictionID
}

// PredictionOutcome is the standalone comparison artifact produced when an
// observed value is bound to a prediction.
type PredictionOutcome struct {
	PredictionID   string    `json:"prediction_id"`
	ScopeKey       string    `json:"scope_key"`
	TargetVariable string    `json:"target_variable"`
	ErrorMetric    float64   `json:"error_metric"`
	AbsoluteError  float64   `json:"absolute_error"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// CorrectionMetrics aggregates comparison cost across all predictions.
type CorrectionMetrics struct {
	Comparisons        int     `json:"comparisons"`
	TotalAbsoluteError float64 `json:"total_absolute_error"`
	MeanAbsoluteError  float64 `json:"mean_absolute_error"`
}

// Observe folds one comparison into the aggregate.
func (m *CorrectionMetrics) Observe(absoluteError float64) {
	m.Comparisons++
	m.TotalAbsoluteError += absoluteError
	m.MeanAbsoluteError = m.TotalAbsoluteError / float64(m.Comparisons)
}

// ProjectionState is the materialized view over the journal: the latest
// prediction per scope key plus aggregate correction metrics. It is only ever
// produced by folding journal records — never hand-edited.
type ProjectionState struct {
	Predictions       map[string]PredictionRecord `json:"predictions"`
	CorrectionMetrics CorrectionMetrics           `json:"correction_metrics"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// NewProjectionState returns an empty projection.
func NewProjectionState() *ProjectionState {
	return &ProjectionState{Predictions: make(map[string]PredictionRecord)}
}

// Current returns the latest prediction for a scope key.
func (s ProjectionState) Current(scopeKey string) (PredictionRecord, bool) {
	p, ok := s.Predictions[scopeKey]
	return p, ok
}

// SchemaHypothesis is one candidate schema interpretation of an utterance.
type SchemaHypothesis struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Ambiguity flags a span of an utterance with multiple plausible readings.
type Ambiguity struct {
	Span       string   `json:"span"`
	Candidates []string `json:"candidates,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// SchemaSelection is the declared result type of the external schema/ambiguity
// classifier. Adapters must return exactly this shape; anything else is
// rejected at the boundary with a typed error (see pkg/classifier).
type SchemaSelection struct {
	Schemas     []SchemaHypothesis `json:"schemas"`
	Ambiguities []Ambiguity        `json:"ambiguities,omitempty"`
}
