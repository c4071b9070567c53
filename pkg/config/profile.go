package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/keel/pkg/capability"
)

// EngineVersion is the version profiles constrain against.
const EngineVersion = "1.0.0"

// MissionProfile is a named deployment posture: which capability rules
// apply, how stale evidence may get, and which engine versions the profile
// was written for.
type MissionProfile struct {
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
	EngineCompat string `yaml:"engine_compat" json:"engine_compat"`

	CapabilityRules []capability.Rule `yaml:"capability_rules,omitempty" json:"capability_rules,omitempty"`

	Freshness FreshnessDefaults `yaml:"freshness" json:"freshness"`

	CorrectionMode string `yaml:"correction_mode,omitempty" json:"correction_mode,omitempty"`
}

// Duration decodes "15m" style YAML scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// FreshnessDefaults are the profile-wide freshness thresholds.
type FreshnessDefaults struct {
	StaleAfter Duration `yaml:"stale_after" json:"stale_after"`
	Enabled    bool     `yaml:"enabled" json:"enabled"`
}

// LoadProfile reads profile_<name>.yaml from dir and verifies the profile
// is compatible with this engine build.
func LoadProfile(dir, name string) (*MissionProfile, error) {
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", name, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates one profile document.
func ParseProfile(data []byte) (*MissionProfile, error) {
	var p MissionProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: decode profile: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("config: profile has no name")
	}
	if p.EngineCompat == "" {
		return nil, fmt.Errorf("config: profile %s has no engine_compat constraint", p.Name)
	}

	constraint, err := semver.NewConstraint(p.EngineCompat)
	if err != nil {
		return nil, fmt.Errorf("config: profile %s: bad engine_compat %q: %w", p.Name, p.EngineCompat, err)
	}
	engine := semver.MustParse(EngineVersion)
	if !constraint.Check(engine) {
		return nil, fmt.Errorf("config: profile %s requires engine %s, this build is %s",
			p.Name, p.EngineCompat, EngineVersion)
	}

	switch p.CorrectionMode {
	case "", "direct", "repair_events":
	default:
		return nil, fmt.Errorf("config: profile %s: unknown correction_mode %q", p.Name, p.CorrectionMode)
	}
	return &p, nil
}
