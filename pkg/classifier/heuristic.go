package classifier

import (
	"context"
	"strings"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Classification labels one utterance.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

const (
	LabelQuestion  = "question"
	LabelCommand   = "command"
	LabelStatement = "statement"
)

// Heuristic is the built-in selector: keyword and surface-form matching,
// good enough for tests and for hosts that bring no model of their own.
type Heuristic struct {
	// SchemaKeywords maps schema names to trigger words.
	SchemaKeywords map[string][]string
}

// NewHeuristic returns a selector with a minimal dialog-oriented keyword
// table.
func NewHeuristic() *Heuristic {
	return &Heuristic{
		SchemaKeywords: map[string][]string{
			"account_query":  {"balance", "account", "statement"},
			"schedule":       {"when", "schedule", "appointment", "remind"},
			"cancel_request": {"cancel", "stop", "abort"},
		},
	}
}

// Select matches normalized text against the keyword table. Overlapping
// matches are reported as an ambiguity instead of being resolved silently.
func (h *Heuristic) Select(ctx context.Context, text string, captureError float64) (any, error) {
	_ = ctx
	lower := strings.ToLower(text)

	var hypotheses []contracts.SchemaHypothesis
	for name, words := range h.SchemaKeywords {
		hits := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		confidence := float64(hits) / float64(len(words))
		// Recent miscalibration discounts every hypothesis.
		if captureError > 0 {
			confidence /= 1 + captureError
		}
		hypotheses = append(hypotheses, contracts.SchemaHypothesis{Name: name, Confidence: confidence})
	}

	selection := contracts.SchemaSelection{Schemas: sortHypotheses(hypotheses)}
	if len(hypotheses) > 1 {
		candidates := make([]string, 0, len(hypotheses))
		for _, hyp := range selection.Schemas {
			candidates = append(candidates, hyp.Name)
		}
		selection.Ambiguities = []contracts.Ambiguity{{
			Span:       text,
			Candidates: candidates,
			Note:       "multiple schema keyword groups matched",
		}}
	}
	return selection, nil
}

// Classify labels the utterance surface form.
func (h *Heuristic) Classify(text string) Classification {
	trimmed := strings.TrimSpace(Normalize(text))
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(trimmed, "?"),
		strings.HasPrefix(lower, "what"),
		strings.HasPrefix(lower, "when"),
		strings.HasPrefix(lower, "why"),
		strings.HasPrefix(lower, "how"):
		return Classification{Label: LabelQuestion, Confidence: 0.9}
	case strings.HasPrefix(lower, "please"),
		strings.HasSuffix(trimmed, "!"),
		startsWithImperative(lower):
		return Classification{Label: LabelCommand, Confidence: 0.7}
	default:
		return Classification{Label: LabelStatement, Confidence: 0.6}
	}
}

func startsWithImperative(lower string) bool {
	for _, verb := range []string{"cancel", "stop", "show", "send", "schedule", "refresh"} {
		if strings.HasPrefix(lower, verb+" ") || lower == verb {
			return true
		}
	}
	return false
}

func sortHypotheses(hs []contracts.SchemaHypothesis) []contracts.SchemaHypothesis {
	// Insertion sort by descending confidence, name as tie break, so the
	// result is deterministic across map iteration orders.
	out := append([]contracts.SchemaHypothesis(nil), hs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if b.Confidence > a.Confidence || (b.Confidence == a.Confidence && b.Name < a.Name) {
				out[j-1], out[j] = b, a
			} else {
				break
			}
		}
	}
	return out
}
