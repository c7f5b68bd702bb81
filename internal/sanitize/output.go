package sanitize

import "regexp"

// MaxToolOutputSize is the largest tool output kept, in bytes.
const MaxToolOutputSize = 64 * 1024

// SecretPattern is a named detector for credentials in free text.
type SecretPattern struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

var secretPatterns = []SecretPattern{
	{
		Name:        "private_key",
		Pattern:     regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
		Replacement: "[PRIVATE_KEY_REDACTED]",
	},
	{
		Name:        "jwt",
		Pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
		Replacement: "[JWT_REDACTED]",
	},
	{
		Name:        "bearer_token",
		Pattern:     regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]{8,}`),
		Replacement: "Bearer [TOKEN_REDACTED]",
	},
	{
		Name:        "aws_key",
		Pattern:     regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		Replacement: "[AWS_KEY_REDACTED]",
	},
	{
		Name:        "connection_string",
		Pattern:     regexp.MustCompile(`(?i)(mongodb|mysql|postgres|postgresql|redis|amqp)://[^\s]+`),
		Replacement: "$1://[CONNECTION_STRING_REDACTED]",
	},
	{
		Name:        "generic_secret",
		Pattern:     regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret|password|passwd|pwd)\s*[=:]\s*['"]?[a-zA-Z0-9_\-/+]{8,}['"]?`),
		Replacement: "$1=[REDACTED]",
	},
}

// ToolOutput truncates oversized tool output and redacts credentials before
// it is stored or handed to the model.
func ToolOutput(output string) string {
	if len(output) > MaxToolOutputSize {
		output = output[:MaxToolOutputSize] + "\n...[truncated]"
	}
	for _, sp := range secretPatterns {
		output = sp.Pattern.ReplaceAllString(output, sp.Replacement)
	}
	return output
}

// DetectSecrets returns the names of secret patterns found in content.
func DetectSecrets(content string) []string {
	if content == "" {
		return nil
	}
	var matches []string
	for _, sp := range secretPatterns {
		if sp.Pattern.MatchString(content) {
			matches = append(matches, sp.Name)
		}
	}
	return matches
}
