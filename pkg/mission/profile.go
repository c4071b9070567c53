package mission

import (
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/freshness"
	"github.com/Mindburn-Labs/keel/pkg/lineage"
)

// NewLoopFromProfile wires a loop from a mission profile: the profile's
// capability rules compile into the loop's policy engine, its correction
// mode selects the binder, and its freshness defaults supply the per-turn
// contract when the caller passes none. Explicit Config fields win over the
// profile.
func NewLoopFromProfile(profile *config.MissionProfile, cfg Config) (*Loop, error) {
	if profile == nil {
		return nil, fmt.Errorf("mission: profile is required")
	}
	engine, err := capability.NewPolicyEngine(profile.CapabilityRules)
	if err != nil {
		return nil, fmt.Errorf("mission: profile %s: %w", profile.Name, err)
	}
	if cfg.Binder == nil && profile.CorrectionMode != "" {
		if cfg.Journal == nil {
			return nil, fmt.Errorf("mission: journal is required")
		}
		b, err := lineage.NewBinder(cfg.Journal, lineage.Mode(profile.CorrectionMode))
		if err != nil {
			return nil, fmt.Errorf("mission: profile %s: %w", profile.Name, err)
		}
		cfg.Binder = b
	}
	if cfg.FreshnessPolicy == nil && profile.Freshness.Enabled {
		staleAfter := profile.Freshness.StaleAfter.Std()
		cfg.FreshnessPolicy = freshness.PolicyFunc(func(scope string, _ *contracts.Episode, _ contracts.ProjectionState) *freshness.Contract {
			return &freshness.Contract{Scope: scope, StaleAfter: staleAfter}
		})
	}
	loop, err := NewLoop(cfg)
	if err != nil {
		return nil, err
	}
	loop.policy = engine
	return loop, nil
}

// Authorize issues the capability gate for one invocation from the loop's
// policy engine. Only profile-built loops carry one.
func (l *Loop) Authorize(inv capability.Invocation) (capability.Gate, error) {
	if l.policy == nil {
		return capability.Gate{}, fmt.Errorf("mission: loop has no policy engine")
	}
	return l.policy.Decide(inv)
}
