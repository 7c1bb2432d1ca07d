package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for the arbiter daemon. All
// thresholds from the arbitration policy are tunable here rather than
// hardcoded contracts.
type Config struct {
	// Intake settings
	Intake IntakeConfig `yaml:"intake"`

	// Escalation gate thresholds
	Escalation EscalationConfig `yaml:"escalation"`

	// Estimator call behavior
	Estimator EstimatorConfig `yaml:"estimator"`

	// Reschedule search behavior
	Scheduling SchedulingConfig `yaml:"scheduling"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// HTTP listen address for the daemon
	ListenAddr string `yaml:"listen_addr"`

	// Verbose enables debug logging
	Verbose bool `yaml:"verbose"`
}

// IntakeConfig controls proposal validation at the intake boundary.
type IntakeConfig struct {
	// StalenessBound is the maximum age of the world-model snapshot a
	// proposal may reference before being rejected as stale.
	StalenessBound time.Duration `yaml:"staleness_bound"`

	// MinPriority and MaxPriority bound the accepted priority scale.
	MinPriority int `yaml:"min_priority"`
	MaxPriority int `yaml:"max_priority"`
}

// EscalationConfig holds the thresholds of the escalation predicate.
type EscalationConfig struct {
	// ConfidenceThreshold: resolutions below this confidence are reviewed.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// SafetyRiskThreshold: any member proposal above this risk is reviewed.
	SafetyRiskThreshold float64 `yaml:"safety_risk_threshold"`

	// GroupSizeThreshold: groups larger than this are reviewed.
	GroupSizeThreshold int `yaml:"group_size_threshold"`

	// DecisionTimeout: pending decision requests auto-resolve after this.
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
}

// EstimatorConfig controls calls to pluggable scoring helpers.
type EstimatorConfig struct {
	// CallTimeout bounds a single estimator call. On timeout the last
	// known score is used, flagged as degraded.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// DefaultScore is used when no last-known score exists for a zone.
	DefaultScore float64 `yaml:"default_score"`
}

// SchedulingConfig controls the reschedule search performed during
// arbitration.
type SchedulingConfig struct {
	// Horizon is how far past the contended window the engine will look
	// for a free slot.
	Horizon time.Duration `yaml:"horizon"`

	// Step is the granularity of the search.
	Step time.Duration `yaml:"step"`
}

// StorageConfig holds persistence locations.
type StorageConfig struct {
	// WorldModelPath is the SQLite database backing the world model.
	// Empty selects the in-memory store.
	WorldModelPath string `yaml:"world_model_path"`

	// AuditPath is the SQLite database for the append-only audit log.
	// Empty selects the in-memory sink.
	AuditPath string `yaml:"audit_path"`
}

// Default returns the configuration used when no file is supplied. The
// numeric thresholds mirror the policy values the arbitration rules were
// designed around; they are illustrative defaults, not contracts.
func Default() *Config {
	return &Config{
		Intake: IntakeConfig{
			StalenessBound: 2 * time.Minute,
			MinPriority:    1,
			MaxPriority:    10,
		},
		Escalation: EscalationConfig{
			ConfidenceThreshold: 0.95,
			SafetyRiskThreshold: 0.1,
			GroupSizeThreshold:  2,
			DecisionTimeout:     5 * time.Minute,
		},
		Estimator: EstimatorConfig{
			CallTimeout:  2 * time.Second,
			DefaultScore: 0.5,
		},
		Scheduling: SchedulingConfig{
			Horizon: 4 * time.Hour,
			Step:    5 * time.Minute,
		},
		Storage:    StorageConfig{},
		ListenAddr: ":8080",
	}
}

// Load reads a YAML configuration file, applying defaults for any field
// left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the arbiter cannot run with.
func (c *Config) Validate() error {
	if c.Intake.MinPriority >= c.Intake.MaxPriority {
		return fmt.Errorf("invalid priority bounds: min %d must be below max %d",
			c.Intake.MinPriority, c.Intake.MaxPriority)
	}
	if c.Escalation.ConfidenceThreshold < 0 || c.Escalation.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %.2f outside [0,1]", c.Escalation.ConfidenceThreshold)
	}
	if c.Escalation.SafetyRiskThreshold < 0 || c.Escalation.SafetyRiskThreshold > 1 {
		return fmt.Errorf("safety risk threshold %.2f outside [0,1]", c.Escalation.SafetyRiskThreshold)
	}
	if c.Escalation.DecisionTimeout <= 0 {
		return fmt.Errorf("decision timeout must be positive")
	}
	if c.Scheduling.Step <= 0 || c.Scheduling.Horizon < c.Scheduling.Step {
		return fmt.Errorf("invalid scheduling window: step %s, horizon %s",
			c.Scheduling.Step, c.Scheduling.Horizon)
	}
	return nil
}
