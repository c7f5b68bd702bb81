package guardrails

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Rule assigns a tier to tool calls whose name matches Pattern. When Field is
// set the rule only applies if that top-level input field holds one of Values.
type Rule struct {
	Pattern string   `yaml:"pattern" json:"pattern" validate:"required"`
	Field   string   `yaml:"field,omitempty" json:"field,omitempty"`
	Values  []string `yaml:"values,omitempty" json:"values,omitempty"`
	Tier    Tier     `yaml:"tier" json:"tier" validate:"required,oneof=allowed requires_approval blocked"`
	Reason  string   `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// RuleSet is an ordered rule list. The first matching rule wins.
type RuleSet struct {
	Rules []Rule
	// Default applies when no rule matches.
	Default Tier
	// CommandTools are scanned for destructive command patterns.
	CommandTools []string
	// CommandFields are the input fields holding command or script text.
	CommandFields []string
}

// DefaultRuleSet returns the built-in classification.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Rules: []Rule{
			{Pattern: "delete_organization", Tier: TierBlocked, Reason: "Organization deletion is not available to the assistant"},
			{Pattern: "wipe_device", Tier: TierBlocked, Reason: "Device wipe is not available to the assistant"},
			{Pattern: "manage_services", Field: "action", Values: []string{"list", "status"}, Tier: TierAllowed},
			{Pattern: "manage_services", Tier: TierRequiresApproval, Reason: "Changing service state requires approval"},
			{Pattern: "manage_alerts", Field: "action", Values: []string{"list", "get"}, Tier: TierAllowed},
			{Pattern: "manage_alerts", Tier: TierRequiresApproval, Reason: "Changing alerts requires approval"},
			{Pattern: "run_command", Tier: TierRequiresApproval, Reason: "Remote commands require approval"},
			{Pattern: "execute_script", Tier: TierRequiresApproval, Reason: "Script execution requires approval"},
			{Pattern: "reboot_*", Tier: TierRequiresApproval, Reason: "Reboots require approval"},
			{Pattern: "restart_*", Tier: TierRequiresApproval, Reason: "Restarts require approval"},
			{Pattern: "create_*", Tier: TierRequiresApproval, Reason: "Creating resources requires approval"},
			{Pattern: "update_*", Tier: TierRequiresApproval, Reason: "Modifying resources requires approval"},
			{Pattern: "delete_*", Tier: TierRequiresApproval, Reason: "Deleting resources requires approval"},
			{Pattern: "get_*", Tier: TierAllowed},
			{Pattern: "list_*", Tier: TierAllowed},
			{Pattern: "search_*", Tier: TierAllowed},
			{Pattern: "query_*", Tier: TierAllowed},
			{Pattern: "analyze_*", Tier: TierAllowed},
		},
		Default:       TierRequiresApproval,
		CommandTools:  []string{"run_command", "execute_script"},
		CommandFields: []string{"command", "script", "content"},
	}
}

// WithOverrides returns a copy of rs whose rule list starts with overrides.
func (rs *RuleSet) WithOverrides(overrides []Rule) *RuleSet {
	out := *rs
	out.Rules = append(append([]Rule{}, overrides...), rs.Rules...)
	return &out
}

// Validate checks that every rule names a known tier.
func (rs *RuleSet) Validate() error {
	for i, r := range rs.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("rule %d: pattern is required", i)
		}
		if !r.Tier.Valid() {
			return fmt.Errorf("rule %d (%s): invalid tier %q", i, r.Pattern, r.Tier)
		}
	}
	if rs.Default != "" && !rs.Default.Valid() {
		return fmt.Errorf("invalid default tier %q", rs.Default)
	}
	return nil
}

// Classify returns the tier for a tool call along with the reason.
func (rs *RuleSet) Classify(toolName string, input json.RawMessage) (Tier, string, error) {
	fields, err := decodeFields(input)
	if err != nil {
		return TierBlocked, "", err
	}

	if matchesPattern(rs.CommandTools, toolName) {
		for _, field := range rs.CommandFields {
			if text, ok := fields[field].(string); ok {
				if desc, bad := DangerousCommand(text); bad {
					return TierBlocked, "Blocked potentially destructive command: " + desc, nil
				}
			}
		}
	}

	for _, r := range rs.Rules {
		if !matchesPattern([]string{r.Pattern}, toolName) {
			continue
		}
		if r.Field != "" {
			v, _ := fields[r.Field].(string)
			if !containsFold(r.Values, v) {
				continue
			}
		}
		return r.Tier, r.Reason, nil
	}

	if rs.Default == "" {
		return TierRequiresApproval, "", nil
	}
	return rs.Default, "", nil
}

func decodeFields(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 || string(input) == "null" {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil, fmt.Errorf("tool input is not a JSON object: %w", err)
	}
	return fields, nil
}

// NormalizeTool lowercases and trims a tool name or pattern.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func matchesPattern(patterns []string, toolName string) bool {
	normalizedTool := NormalizeTool(toolName)
	for _, pattern := range patterns {
		normalizedPattern := NormalizeTool(pattern)
		if normalizedPattern == "" {
			continue
		}
		if normalizedPattern == "*" || normalizedPattern == normalizedTool {
			return true
		}
		if len(normalizedPattern) > 1 && strings.HasSuffix(normalizedPattern, "*") &&
			strings.HasPrefix(normalizedTool, normalizedPattern[:len(normalizedPattern)-1]) {
			return true
		}
		if len(normalizedPattern) > 1 && strings.HasPrefix(normalizedPattern, "*") &&
			strings.HasSuffix(normalizedTool, normalizedPattern[1:]) {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

type dangerPattern struct {
	regex       *regexp.Regexp
	description string
}

var dangerPatterns = compileDangerPatterns([]struct{ pattern, desc string }{
	{`rm\s+-[rRf]{1,3}\s+/(\s|\*|$)`, "recursive delete on root directory"},
	{`rm\s+-[rRf]{1,3}\s+/(bin|boot|etc|lib|usr|var)\s*$`, "recursive delete on system directory"},
	{`mkfs(\.\w+)?\s+`, "filesystem format command"},
	{`dd\s+.*of=/dev/([hs]d|nvme|xvd)`, "direct disk write to block device"},
	{`>\s*/dev/[hs]d`, "redirect to block device"},
	{`chmod\s+-[rR]\s+[0-7]*777\s+/`, "recursive chmod on root"},
	{`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, "fork bomb"},
	{`format\s+[a-zA-Z]:`, "disk format command"},
	{`del\s+/[fFsS]\s+.*[a-zA-Z]:\\Windows`, "Windows system file deletion"},
	{`rd\s+/[sS]\s+/[qQ]\s+[a-zA-Z]:\\(Windows|Program)`, "system directory deletion"},
	{`Remove-Item\s+.*-Recurse.*[A-Z]:\\Windows`, "PowerShell Windows deletion"},
	{`Format-Volume|Clear-Disk|Initialize-Disk`, "PowerShell disk destruction"},
	{`(curl|wget)\s+.*\|\s*(ba)?sh`, "remote code execution via pipe to shell"},
	{`Invoke-WebRequest.*\|\s*Invoke-Expression|IEX\s*\(\s*\(New-Object`, "PowerShell download cradle"},
	{`mimikatz|sekurlsa|lsadump`, "credential dumping tool"},
	{`vssadmin\s+delete\s+shadows`, "shadow copy deletion"},
	{`bcdedit\s+/set\s+.*recoveryenabled\s+no`, "recovery disabled"},
	{`(shutdown|poweroff|halt)(\s|$)|Stop-Computer`, "host shutdown"},
})

func compileDangerPatterns(defs []struct{ pattern, desc string }) []dangerPattern {
	out := make([]dangerPattern, 0, len(defs))
	for _, d := range defs {
		out = append(out, dangerPattern{
			regex:       regexp.MustCompile("(?i)" + d.pattern),
			description: d.desc,
		})
	}
	return out
}

// DangerousCommand reports whether command matches a destructive pattern
// and, if so, which one.
func DangerousCommand(command string) (string, bool) {
	for _, p := range dangerPatterns {
		if p.regex.MatchString(command) {
			return p.description, true
		}
	}
	return "", false
}
