package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/LanternOps/breeze-sub012/internal/guardrails"
)

type overridesFile struct {
	Overrides []guardrails.Rule `yaml:"overrides" json:"overrides"`
}

// LoadOverrides reads a guardrail override file (YAML, JSON or JSON5) and
// returns the default rule set with base and the file's rules in front.
// File rules take precedence over base.
func LoadOverrides(path string, base []guardrails.Rule) (*guardrails.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides: %w", err)
	}
	var file overridesFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse overrides: %w", err)
		}
	default:
		if err := decodeStrict(data, &file); err != nil {
			return nil, err
		}
	}

	rules := append(append([]guardrails.Rule{}, file.Overrides...), base...)
	for i, r := range rules {
		if err := validate.Struct(r); err != nil {
			return nil, fmt.Errorf("override %d (%s): %w", i, r.Pattern, err)
		}
	}
	set := guardrails.DefaultRuleSet().WithOverrides(rules)
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// RuleSet returns the guardrail rules for cfg: overrides first, then the
// built-in rules.
func (c *Config) RuleSet() *guardrails.RuleSet {
	if len(c.Guardrails.Overrides) == 0 {
		return guardrails.DefaultRuleSet()
	}
	return guardrails.DefaultRuleSet().WithOverrides(c.Guardrails.Overrides)
}
