package limiter

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/gate/identity"
)

// ErrInvalidRuleConfig is matched by every validation error. A process must
// not start serving with a configuration that fails validation.
var ErrInvalidRuleConfig = errors.New("invalid rule config")

// RuleConfig is one rule as written in the rules file.
type RuleConfig struct {
	Kind      string `yaml:"kind"`       // "window" or "cooldown"
	By        string `yaml:"by"`         // "ip", "account", "email" or a named attribute
	WindowSec int64  `yaml:"window_sec"` // window or cooldown length in seconds
	Limit     int64  `yaml:"limit"`      // window rules only
}

// PolicyConfig is the rule set of one protected operation.
type PolicyConfig struct {
	Name           string       `yaml:"name"`
	CaptchaMinutes int64        `yaml:"captcha_minutes"`
	Rules          []RuleConfig `yaml:"rules"`
}

// ScanConfig configures scan detection for one kind of content.
type ScanConfig struct {
	Kind      string `yaml:"kind"`
	WindowSec int64  `yaml:"window_sec"`
	Threshold int64  `yaml:"threshold"`
}

// ScanRule is the validated form of ScanConfig.
type ScanRule struct {
	Kind      string
	Window    time.Duration
	Threshold int64
}

// Config holds the whole admission configuration.
type Config struct {
	StorageType    string         `yaml:"storage_type"` // "memory" or "redis"
	KeyPrefix      string         `yaml:"key_prefix"`
	PenaltyMinutes int64          `yaml:"penalty_minutes"`
	Policies       []PolicyConfig `yaml:"policies"`
	Scans          []ScanConfig   `yaml:"scans"`

	// internal fields, populated by ValidateAndPrepare
	policies map[string]*Policy
	scans    map[string]ScanRule
	prepared bool
}

// ParseConfig decodes a YAML rules document. Unknown fields are rejected.
// The result must go through ValidateAndPrepare before use.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleConfig, err)
	}
	return cfg, nil
}

// ReadConfigFile reads and decodes the rules file at path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ValidateAndPrepare validates the raw config and builds the typed policies.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return invalid("storage_type %q, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}
	if c.PenaltyMinutes < 0 {
		return invalid("penalty_minutes %d must not be negative", c.PenaltyMinutes)
	}
	if len(c.Policies) == 0 {
		log.Warn().Msg("no admission policies defined in config")
	}

	policies := make(map[string]*Policy, len(c.Policies))
	for i := range c.Policies {
		pc := &c.Policies[i]
		if pc.Name == "" {
			return invalid("policy #%d has no name", i)
		}
		if _, dup := policies[pc.Name]; dup {
			return invalid("duplicate policy name %q", pc.Name)
		}
		if pc.CaptchaMinutes < 0 {
			return invalid("policy %q has negative captcha_minutes %d", pc.Name, pc.CaptchaMinutes)
		}
		if len(pc.Rules) == 0 {
			return invalid("policy %q must have at least one rule", pc.Name)
		}

		p := &Policy{
			Name:            pc.Name,
			CaptchaDuration: time.Duration(pc.CaptchaMinutes) * time.Minute,
			Rules:           make([]Rule, 0, len(pc.Rules)),
		}
		for j, rc := range pc.Rules {
			rule, err := rc.build()
			if err != nil {
				return fmt.Errorf("policy %q rule #%d: %w", pc.Name, j, err)
			}
			p.Rules = append(p.Rules, rule)
		}
		policies[pc.Name] = p
	}

	scans := make(map[string]ScanRule, len(c.Scans))
	for i, sc := range c.Scans {
		if sc.Kind == "" {
			return invalid("scan #%d has no kind", i)
		}
		if _, dup := scans[sc.Kind]; dup {
			return invalid("duplicate scan kind %q", sc.Kind)
		}
		if sc.WindowSec <= 0 {
			return invalid("scan %q has invalid window_sec %d, must be positive", sc.Kind, sc.WindowSec)
		}
		if sc.Threshold < 0 {
			return invalid("scan %q has negative threshold %d", sc.Kind, sc.Threshold)
		}
		scans[sc.Kind] = ScanRule{
			Kind:      sc.Kind,
			Window:    time.Duration(sc.WindowSec) * time.Second,
			Threshold: sc.Threshold,
		}
	}

	c.policies = policies
	c.scans = scans
	c.prepared = true
	return nil
}

func (rc RuleConfig) build() (Rule, error) {
	if rc.By == "" {
		return nil, invalid("missing 'by' dimension")
	}
	if rc.WindowSec <= 0 {
		return nil, invalid("invalid window_sec %d, must be positive", rc.WindowSec)
	}
	window := time.Duration(rc.WindowSec) * time.Second
	dim := identity.Dimension(rc.By)

	switch rc.Kind {
	case KindWindow:
		if rc.Limit <= 0 {
			return nil, invalid("invalid limit %d, must be positive", rc.Limit)
		}
		return WindowRule{By: dim, Window: window, Limit: rc.Limit}, nil
	case KindCooldown:
		if rc.Limit != 0 {
			return nil, invalid("cooldown rules take no limit, got %d", rc.Limit)
		}
		return CooldownRule{By: dim, Window: window}, nil
	default:
		return nil, invalid("unknown rule kind %q, must be '%s' or '%s'", rc.Kind, KindWindow, KindCooldown)
	}
}

// Policy returns the validated policy called name.
func (c *Config) Policy(name string) (*Policy, bool) {
	c.mustBePrepared()
	p, ok := c.policies[name]
	return p, ok
}

// PolicyNames returns the configured policy names in sorted order.
func (c *Config) PolicyNames() []string {
	c.mustBePrepared()
	names := make([]string, 0, len(c.policies))
	for name := range c.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scan returns the validated scan rule for kind.
func (c *Config) Scan(kind string) (ScanRule, bool) {
	c.mustBePrepared()
	s, ok := c.scans[kind]
	return s, ok
}

// PenaltyDuration returns how long a scan penalty lasts.
func (c *Config) PenaltyDuration() time.Duration {
	return time.Duration(c.PenaltyMinutes) * time.Minute
}

func (c *Config) mustBePrepared() {
	if !c.prepared {
		panic("limiter: config used before ValidateAndPrepare")
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRuleConfig, fmt.Sprintf(format, args...))
}
