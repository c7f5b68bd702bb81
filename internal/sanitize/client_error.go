package sanitize

import (
	"regexp"
	"strings"
)

// GenericErrorMessage replaces any error text that is not known to be safe.
const GenericErrorMessage = "An unexpected error occurred. Please try again."

// maxChainDepth bounds the walk through wrapped errors.
const maxChainDepth = 16

// safeErrorPatterns match the leading clause of messages that may be shown
// to end users.
var safeErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnot found\b`),
	regexp.MustCompile(`(?i)\baccess denied\b`),
	regexp.MustCompile(`(?i)\bpermission denied\b`),
	regexp.MustCompile(`(?i)\bexpired\b`),
	regexp.MustCompile(`(?i)\brate limit`),
	regexp.MustCompile(`(?i)\bbudget\b`),
	regexp.MustCompile(`(?i)\bdisabled\b`),
	regexp.MustCompile(`(?i)\bturn limit\b`),
	regexp.MustCompile(`(?i)\bnot active\b`),
	regexp.MustCompile(`(?i)\btoo long\b`),
	regexp.MustCompile(`(?i)\bunable to verify\b`),
	regexp.MustCompile(`(?i)\btimed out\b`),
	regexp.MustCompile(`(?i)\brejected\b`),
	regexp.MustCompile(`(?i)\bblocked\b`),
	regexp.MustCompile(`(?i)\bAI service\b`),
	regexp.MustCompile(`(?i)\bis required\b`),
	regexp.MustCompile(`(?i)\bvalidation failed\b`),
	regexp.MustCompile(`(?i)\borganization context\b`),
	regexp.MustCompile(`(?i)\bcontext (is )?too large\b`),
}

var (
	stackFramePattern  = regexp.MustCompile(`\s+at\s+\S+\s*\([^)]*\)|goroutine \d+ \[[^\]]*\]:?|\S+\.(go|ts|js):\d+(:\d+)?`)
	urlPattern         = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.\-]*://\S*`)
	unixPathPattern    = regexp.MustCompile(`(?:/[\w.\-]+){2,}/?`)
	windowsPathPattern = regexp.MustCompile(`[A-Za-z]:\\(?:[\w.\-]+\\?)+`)
)

// ErrorForClient converts err into text that is safe to show an end user.
// It walks the wrapped chain from the outside in and relays the first error
// whose own leading clause is known to be safe, so a driver or tool-host
// error wrapped around a safe-looking word is never relayed. It returns ""
// for a nil error.
func ErrorForClient(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorChain(err) {
		if msg, ok := clientSafe(e.Error()); ok {
			return msg
		}
	}
	return GenericErrorMessage
}

// MessageForClient relays msg, reduced to its leading clause and stripped
// of URLs, paths and stack traces, only if that clause matches a known safe
// pattern. Anything else becomes GenericErrorMessage. The function is
// idempotent.
func MessageForClient(msg string) string {
	if safe, ok := clientSafe(msg); ok {
		return safe
	}
	return GenericErrorMessage
}

// clientSafe reduces msg to its first clause, the text before the first
// ": ", and reports whether that clause may be shown.
func clientSafe(msg string) (string, bool) {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = stackFramePattern.ReplaceAllString(msg, "")
	msg = urlPattern.ReplaceAllString(msg, "")
	msg = windowsPathPattern.ReplaceAllString(msg, "")
	msg = unixPathPattern.ReplaceAllString(msg, "")
	if i := strings.Index(msg, ": "); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.Join(strings.Fields(msg), " ")
	msg = strings.TrimRight(msg, " :;,-")

	if msg == "" || msg == GenericErrorMessage {
		return "", false
	}
	for _, p := range safeErrorPatterns {
		if p.MatchString(msg) {
			return msg, true
		}
	}
	return "", false
}

// errorChain lists err and everything it wraps, outermost first.
func errorChain(err error) []error {
	var chain []error
	queue := []error{err}
	for len(queue) > 0 && len(chain) < maxChainDepth {
		e := queue[0]
		queue = queue[1:]
		if e == nil {
			continue
		}
		chain = append(chain, e)
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			queue = append(queue, u.Unwrap())
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		}
	}
	return chain
}
