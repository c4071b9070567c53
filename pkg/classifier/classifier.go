// Package classifier is the boundary to the external schema/ambiguity
// selector and to utterance classification. Adapters are free-form, but
// anything crossing back in must be exactly the declared result type;
// non-conforming returns are rejected with a typed error, never coerced.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Selector interprets an utterance into schema hypotheses and ambiguity
// flags. captureError carries the last comparison error for the scope, used
// by selectors that weigh recent miscalibration.
type Selector interface {
	Select(ctx context.Context, text string, captureError float64) (any, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, text string, captureError float64) (any, error)

func (f SelectorFunc) Select(ctx context.Context, text string, captureError float64) (any, error) {
	return f(ctx, text, captureError)
}

// BoundaryError reports an adapter that returned something other than the
// declared result type. This is a programmer error in the adapter, not a
// halt condition.
type BoundaryError struct {
	Adapter string
	Got     any
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("classifier: adapter %q returned %T, want contracts.SchemaSelection", e.Adapter, e.Got)
}

// Normalize canonicalizes utterance text to NFC so selector input does not
// depend on how the transport composed its code points.
func Normalize(text string) string {
	return norm.NFC.String(text)
}

// Interpret runs the selector over normalized text and enforces the result
// contract. Accepted shapes are the value, a pointer to it, or raw JSON
// bytes decoding to it.
func Interpret(ctx context.Context, name string, sel Selector, text string, captureError float64) (contracts.SchemaSelection, error) {
	raw, err := sel.Select(ctx, Normalize(text), captureError)
	if err != nil {
		return contracts.SchemaSelection{}, fmt.Errorf("classifier: adapter %q: %w", name, err)
	}
	switch v := raw.(type) {
	case contracts.SchemaSelection:
		return v, nil
	case *contracts.SchemaSelection:
		if v == nil {
			return contracts.SchemaSelection{}, &BoundaryError{Adapter: name, Got: v}
		}
		return *v, nil
	case []byte:
		var sel contracts.SchemaSelection
		if err := json.Unmarshal(v, &sel); err != nil {
			return contracts.SchemaSelection{}, &BoundaryError{Adapter: name, Got: raw}
		}
		return sel, nil
	default:
		return contracts.SchemaSelection{}, &BoundaryError{Adapter: name, Got: raw}
	}
}
