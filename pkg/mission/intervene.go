package mission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// checkpoint runs the intervention hook at one phase and applies the
// decision. It reports whether the turn must abort; hook errors and
// provenance violations come back as errors.
func (l *Loop) checkpoint(ctx context.Context, g capability.Gate, episode *contracts.Episode, phase Phase, result *TurnResult) (bool, error) {
	if l.hook == nil {
		return false, nil
	}
	decision, err := normalizeDecision(phase, l.hook(phase, episode))
	if err != nil {
		return false, err
	}
	if err := decision.Validate(); err != nil {
		return false, err
	}

	switch decision.Action {
	case contracts.InterventionNone:
		return false, nil

	case contracts.InterventionResume:
		if l.verifier != nil {
			claims, err := l.verifier.Verify(decision.OverrideProvenance)
			if err != nil {
				return false, fmt.Errorf("mission: resume at %s: %w", phase, err)
			}
			if decision.Metadata == nil {
				decision.Metadata = map[string]any{}
			}
			decision.Metadata["override_subject"] = claims.Subject
		}
		l.summarize(episode, contracts.TurnSummary{
			Action:   string(contracts.InterventionResume),
			Phase:    string(phase),
			Reason:   decision.Reason,
			Metadata: resumeMetadata(decision),
			At:       l.clock().UTC(),
		})
		l.logger.Info("intervention resume",
			slog.String("phase", string(phase)),
			slog.String("override_source", decision.OverrideSource))
		return false, nil

	case contracts.InterventionPause, contracts.InterventionTimeout:
		l.summarize(episode, contracts.TurnSummary{
			Action:   string(decision.Action),
			Phase:    string(phase),
			Reason:   decision.Reason,
			Metadata: decision.Metadata,
			At:       l.clock().UTC(),
		})
		result.AbortedBy = decision.Action
		result.AbortPhase = phase
		l.logger.Info("intervention abort",
			slog.String("phase", string(phase)),
			slog.String("action", string(decision.Action)))
		return true, nil

	case contracts.InterventionEscalate:
		if err := l.escalate(ctx, g, episode, phase, decision); err != nil {
			return false, err
		}
		result.AbortedBy = decision.Action
		result.AbortPhase = phase
		return true, nil

	default:
		return false, fmt.Errorf("mission: unhandled intervention action %q", decision.Action)
	}
}

// escalate hands the turn to a human: the request is journaled with its
// engine-assigned id before the adapter sees it, so the asked question
// survives an adapter failure. The adapter's acknowledgement is journaled
// after dispatch and the turn ends with an escalation summary.
func (l *Loop) escalate(ctx context.Context, g capability.Gate, episode *contracts.Episode, phase Phase, decision contracts.InterventionDecision) error {
	now := l.clock().UTC()
	title := "escalation at " + string(phase)
	question := decision.Reason
	if question == "" {
		question = "operator decision required for episode " + episode.EpisodeID
	}

	req := outbox.NewRequest(episode.EpisodeID, title, question, decision.Metadata, now)
	if _, err := l.journal.Append(ctx, g, contracts.NewAskRequestEvent(req)); err != nil {
		return fmt.Errorf("mission: journal escalation request: %w", err)
	}
	episode.AppendArtifact(contracts.AskRequestNote{
		RequestID: req.RequestID,
		Scope:     req.Scope,
		Title:     req.Title,
		Question:  req.Question,
		At:        now,
	})
	if _, err := l.outbox.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("mission: escalate at %s: %w", phase, err)
	}

	// The acknowledgement does not resolve the request; the human answer
	// arrives later through Resolve.
	resp := contracts.AskOutboxResponse{
		RequestID:   req.RequestID,
		Status:      contracts.AskStatusPending,
		RespondedAt: now,
	}
	if _, err := l.journal.Append(ctx, g, contracts.NewAskResponseEvent(resp)); err != nil {
		return fmt.Errorf("mission: journal escalation response: %w", err)
	}
	episode.AppendArtifact(contracts.AskResponseNote{
		RequestID: resp.RequestID,
		Status:    resp.Status,
		At:        now,
	})

	l.summarize(episode, contracts.TurnSummary{
		Action:   string(contracts.InterventionEscalate),
		Phase:    string(phase),
		Reason:   decision.Reason,
		Metadata: map[string]any{"request_id": req.RequestID},
		At:       now,
	})
	l.metrics.RecordEscalation(ctx, string(phase))
	l.logger.Info("intervention escalated",
		slog.String("phase", string(phase)),
		slog.String("request_id", req.RequestID))
	return nil
}

// normalizeDecision maps the hook's return value onto the decision type.
// Accepted shapes: the decision value or pointer, a bare action string, a
// map with an "action" key, or nil for no intervention.
func normalizeDecision(phase Phase, raw any) (contracts.InterventionDecision, error) {
	switch v := raw.(type) {
	case nil:
		return contracts.InterventionDecision{Action: contracts.InterventionNone}, nil
	case contracts.InterventionDecision:
		return v, nil
	case *contracts.InterventionDecision:
		if v == nil {
			return contracts.InterventionDecision{Action: contracts.InterventionNone}, nil
		}
		return *v, nil
	case string:
		return contracts.InterventionDecision{Action: contracts.InterventionAction(v)}, nil
	case contracts.InterventionAction:
		return contracts.InterventionDecision{Action: v}, nil
	case map[string]any:
		return decisionFromMap(phase, v)
	default:
		return contracts.InterventionDecision{}, &HookReturnError{Phase: phase, Got: raw}
	}
}

func decisionFromMap(phase Phase, m map[string]any) (contracts.InterventionDecision, error) {
	action, ok := m["action"].(string)
	if !ok {
		return contracts.InterventionDecision{}, &HookReturnError{Phase: phase, Got: m}
	}
	d := contracts.InterventionDecision{Action: contracts.InterventionAction(action)}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	if src, ok := m["override_source"].(string); ok {
		d.OverrideSource = src
	}
	if prov, ok := m["override_provenance"].(string); ok {
		d.OverrideProvenance = prov
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		d.Metadata = meta
	}
	return d, nil
}

func resumeMetadata(d contracts.InterventionDecision) map[string]any {
	meta := map[string]any{"override_source": d.OverrideSource}
	for k, v := range d.Metadata {
		meta[k] = v
	}
	return meta
}
