package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReviewConfig tunes the review workflow.
type ReviewConfig struct {
	// AutoApproveMinConfidence enables the auto-approval rule when > 0.
	AutoApproveMinConfidence float64 `yaml:"auto_approve_min_confidence"`
}

// AuditConfig configures forwarding of audit entries to syslog. Forwarding is
// off when SyslogAddr is empty.
type AuditConfig struct {
	SyslogAddr string        `yaml:"syslog_addr"`
	Service    string        `yaml:"service"`
	Timeout    time.Duration `yaml:"timeout"`
}

type RecomputeConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// ActorsConfig accepts either:
//  1. mapping form (preferred):
//     actors:
//     <token>: alice
//  2. list form:
//     actors:
//     - token: <token>
//     actor: alice
type ActorsConfig struct {
	Tokens map[string]string
}

func (a *ActorsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	a.Tokens = map[string]string{}
	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			token := strings.TrimSpace(value.Content[i].Value)
			actor := strings.TrimSpace(value.Content[i+1].Value)
			if token == "" || actor == "" {
				continue
			}
			a.Tokens[token] = actor
		}
		return nil
	case yaml.SequenceNode:
		var items []struct {
			Token string `yaml:"token"`
			Actor string `yaml:"actor"`
		}
		if err := value.Decode(&items); err != nil {
			return err
		}
		for _, it := range items {
			token, actor := strings.TrimSpace(it.Token), strings.TrimSpace(it.Actor)
			if token == "" || actor == "" {
				continue
			}
			a.Tokens[token] = actor
		}
		return nil
	default:
		return nil
	}
}

type FileConfig struct {
	DB       string `yaml:"db"`
	Debug    bool   `yaml:"debug"`
	HTTPAddr string `yaml:"http_addr"`
	// LogLevel is one of debug, info, warn, error. Debug forces debug.
	LogLevel string `yaml:"log_level"`

	Signposts []SignpostSpec `yaml:"signposts"`
	// Presets adds named weight sets next to the built-in ones.
	Presets map[string]map[string]float64 `yaml:"presets"`

	Review    ReviewConfig    `yaml:"review"`
	Actors    ActorsConfig    `yaml:"actors"`
	Audit     AuditConfig     `yaml:"audit"`
	Recompute RecomputeConfig `yaml:"recompute"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// PresetWeights converts the presets section into typed weights.
func (c *FileConfig) PresetWeights() (map[string]map[Category]float64, error) {
	out := make(map[string]map[Category]float64, len(c.Presets))
	for name, raw := range c.Presets {
		weights := make(map[Category]float64, len(raw))
		for k, w := range raw {
			cat, err := ParseCategory(k)
			if err != nil {
				return nil, fmt.Errorf("preset %s: %w", name, err)
			}
			weights[cat] = w
		}
		out[name] = weights
	}
	return out, nil
}

// RegisterPresets adds every configured preset to reg.
func (c *FileConfig) RegisterPresets(reg *PresetRegistry) error {
	presets, err := c.PresetWeights()
	if err != nil {
		return err
	}
	for name, weights := range presets {
		if _, err := reg.Register(name, weights); err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
	}
	return nil
}
