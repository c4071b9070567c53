// Package freshness evaluates whether the observation backing a scope is
// recent enough to act on. A stale or missing observation turns into an
// ask-request for a human to refresh it.
package freshness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// Verdict is the outcome of a freshness evaluation.
type Verdict string

const (
	// VerdictContinue means the observation is fresh enough.
	VerdictContinue Verdict = "CONTINUE"
	// VerdictHold means a refresh request is already outstanding; the
	// caller waits instead of re-asking.
	VerdictHold Verdict = "HOLD"
	// VerdictAskRequest means a new refresh request was issued.
	VerdictAskRequest Verdict = "ASK_REQUEST"
)

// Contract is the per-scope freshness policy.
type Contract struct {
	Scope      string         `json:"scope" yaml:"scope"`
	StaleAfter time.Duration  `json:"stale_after" yaml:"stale_after"`
	ObservedAt *time.Time     `json:"observed_at,omitempty" yaml:"observed_at,omitempty"`
	Context    map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// PolicyAdapter supplies the contract to evaluate for a turn when the caller
// did not pass one explicitly. A nil contract means no freshness requirement
// applies.
type PolicyAdapter interface {
	GetContract(scope string, episode *contracts.Episode, projection contracts.ProjectionState) *Contract
}

// PolicyFunc adapts a function to PolicyAdapter.
type PolicyFunc func(string, *contracts.Episode, contracts.ProjectionState) *Contract

func (f PolicyFunc) GetContract(scope string, e *contracts.Episode, p contracts.ProjectionState) *Contract {
	return f(scope, e, p)
}

// Evaluator checks observation age against a contract and escalates through
// the outbox when the evidence has gone stale.
type Evaluator struct {
	outbox  outbox.Adapter
	journal *journal.Journal
	clock   func() time.Time
	logger  *slog.Logger
}

func NewEvaluator(adapter outbox.Adapter) *Evaluator {
	return &Evaluator{
		outbox: adapter,
		clock:  time.Now,
		logger: slog.Default(),
	}
}

func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

func (e *Evaluator) WithLogger(l *slog.Logger) *Evaluator {
	e.logger = l
	return e
}

// WithJournal makes issued ask-requests durable: the request event is
// appended before the adapter is called, so replay rebuilds the
// outstanding-request state even when the adapter fails mid-call.
func (e *Evaluator) WithJournal(j *journal.Journal) *Evaluator {
	e.journal = j
	return e
}

// Evaluate applies the contract against the episode's observations and
// returns the verdict. The episode is annotated with a freshness artifact
// for every non-CONTINUE verdict; the gate authorizes the journal append an
// issued ask requires.
func (e *Evaluator) Evaluate(ctx context.Context, g capability.Gate, episode *contracts.Episode, contract Contract) (Verdict, error) {
	now := e.clock().UTC()

	lastObserved := contract.ObservedAt
	if lastObserved == nil {
		if obs := episode.LatestObservation(contract.Scope); obs != nil {
			t := obs.ObservedAt
			lastObserved = &t
		}
	}

	var reason string
	switch {
	case lastObserved == nil:
		reason = "no observation recorded for scope"
	case now.Sub(*lastObserved) > contract.StaleAfter:
		reason = fmt.Sprintf("observation is %s old, threshold %s",
			now.Sub(*lastObserved).Round(time.Second), contract.StaleAfter)
	default:
		return VerdictContinue, nil
	}

	outstanding, err := e.outbox.HasOutstandingRequest(ctx, contract.Scope)
	if err != nil {
		return "", fmt.Errorf("freshness: check outstanding request: %w", err)
	}
	if outstanding {
		episode.AppendArtifact(contracts.FreshnessNote{
			Scope:             contract.Scope,
			Verdict:           string(VerdictHold),
			Reason:            reason,
			LastObservedAt:    lastObserved,
			StaleAfterSeconds: int64(contract.StaleAfter / time.Second),
			At:                now,
		})
		return VerdictHold, nil
	}

	req := outbox.NewRequest(contract.Scope,
		"stale observation for "+contract.Scope,
		"please refresh the observation for scope "+contract.Scope,
		contract.Context, now)
	if e.journal != nil {
		if _, err := e.journal.Append(ctx, g, contracts.NewAskRequestEvent(req)); err != nil {
			return "", fmt.Errorf("freshness: journal ask request: %w", err)
		}
	}
	if _, err := e.outbox.CreateRequest(ctx, req); err != nil {
		return "", fmt.Errorf("freshness: create ask request: %w", err)
	}
	e.logger.Info("freshness ask issued",
		slog.String("scope", contract.Scope),
		slog.String("request_id", req.RequestID),
		slog.String("reason", reason))

	episode.AppendArtifact(contracts.FreshnessNote{
		Scope:             contract.Scope,
		Verdict:           string(VerdictAskRequest),
		Reason:            reason,
		LastObservedAt:    lastObserved,
		StaleAfterSeconds: int64(contract.StaleAfter / time.Second),
		At:                now,
	})
	episode.AppendArtifact(contracts.AskRequestNote{
		RequestID: req.RequestID,
		Scope:     contract.Scope,
		Title:     req.Title,
		Question:  req.Question,
		At:        now,
	})
	return VerdictAskRequest, nil
}
