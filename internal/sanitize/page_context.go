package sanitize

import (
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// Page context limits.
const (
	maxContextIDLength    = 128
	maxContextNameLength  = 200
	maxContextValueLength = 500
	maxContextDataKeys    = 20
)

var (
	contextTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	contextKeyPattern  = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,64}$`)
)

// PageContext returns a scrubbed copy of pc, or nil when pc is nil or cannot
// be made safe. Callers proceed without page context in that case.
func PageContext(pc *models.PageContext) (out *models.PageContext) {
	if pc == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()

	typ := strings.ToLower(strings.TrimSpace(pc.Type))
	if !contextTypePattern.MatchString(typ) {
		return nil
	}

	clean := &models.PageContext{
		Type: typ,
		ID:   truncateRunes(contextText(pc.ID), maxContextIDLength),
		Name: truncateRunes(contextText(pc.Name), maxContextNameLength),
		URL:  contextURL(pc.URL),
	}

	// Sorted so the same keys survive truncation on every call.
	for _, k := range slices.Sorted(maps.Keys(pc.Data)) {
		v := pc.Data[k]
		if len(clean.Data) >= maxContextDataKeys {
			break
		}
		if !contextKeyPattern.MatchString(k) {
			continue
		}
		if clean.Data == nil {
			clean.Data = make(map[string]string)
		}
		clean.Data[k] = truncateRunes(contextText(v), maxContextValueLength)
	}
	return clean
}

// contextText strips the same patterns as UserMessage and flattens newlines,
// since page context is interpolated into the system prompt.
func contextText(s string) string {
	cleaned, _ := UserMessage(s)
	return strings.Join(strings.Fields(cleaned), " ")
}

// contextURL keeps relative paths and http(s) URLs without credentials.
func contextURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "":
		if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
			return ""
		}
	case "http", "https":
	default:
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return truncateRunes(u.String(), maxContextNameLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
