// Package sanitize cleans text crossing the trust boundary of the agent:
// user input headed for the model, page context supplied by the client,
// tool output and error text headed back to the client.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLength is the longest user message forwarded to the model, in runes.
const MaxMessageLength = 10000

// Flag names a suspicious pattern found in user input.
type Flag string

const (
	FlagIgnoreInstructions Flag = "ignore_instructions"
	FlagRoleOverride       Flag = "role_override"
	FlagPromptExtraction   Flag = "prompt_extraction"
	FlagFakeRoleTag        Flag = "fake_role_tag"
	FlagRolePrefix         Flag = "role_prefix"
	FlagJailbreak          Flag = "jailbreak"
	FlagHiddenCharacters   Flag = "hidden_characters"
	FlagTruncated          Flag = "truncated"
)

type injectionPattern struct {
	flag    Flag
	pattern *regexp.Regexp
}

// injectionPatterns are stripped from user input. Order matters: tags go
// before prefixes so "<system>system: x" loses both.
var injectionPatterns = []injectionPattern{
	{
		flag:    FlagFakeRoleTag,
		pattern: regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant|instructions?|tool_result|tool_use)\s*>|\[/?(SYSTEM|INST)\]|<\|im_(start|end)\|>`),
	},
	{
		flag:    FlagRolePrefix,
		pattern: regexp.MustCompile(`(?im)^[ \t]*(system|assistant)[ \t]*:[ \t]*`),
	},
	{
		flag:    FlagIgnoreInstructions,
		pattern: regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\s+(all\s+|any\s+)?(of\s+)?(the\s+|your\s+)?(previous|prior|above|earlier|system)\s+(instructions|prompts?|rules|messages|directives)\b`),
	},
	{
		flag:    FlagRoleOverride,
		pattern: regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\s+(a|an|the|in|bound)\b[^.\n]*`),
	},
	{
		flag:    FlagPromptExtraction,
		pattern: regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|dump)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+prompt|initial\s+instructions|instructions)\b`),
	},
	{
		flag:    FlagJailbreak,
		pattern: regexp.MustCompile(`(?i)\b(developer|god|dan|jailbreak)\s+mode\b`),
	},
}

// UserMessage strips prompt-injection patterns and invisible characters from
// text and truncates it to MaxMessageLength. It never rejects input; the
// returned flags are for logging and audit.
func UserMessage(text string) (string, []Flag) {
	var flags []Flag

	cleaned, hidden := stripHidden(text)
	if hidden {
		flags = append(flags, FlagHiddenCharacters)
	}

	for _, p := range injectionPatterns {
		if p.pattern.MatchString(cleaned) {
			flags = append(flags, p.flag)
			cleaned = p.pattern.ReplaceAllString(cleaned, "")
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > MaxMessageLength {
		cleaned = string([]rune(cleaned)[:MaxMessageLength])
		flags = append(flags, FlagTruncated)
	}
	return cleaned, flags
}

// stripHidden drops control and zero-width characters, keeping newlines and tabs.
func stripHidden(s string) (string, bool) {
	found := false
	out := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return -1
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			found = true
			return -1
		}
		return r
	}, s)
	return out, found
}
