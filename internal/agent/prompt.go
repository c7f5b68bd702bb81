package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// DefaultSystemPrompt is the assistant identity used when none is configured.
const DefaultSystemPrompt = `You are Breeze AI, an IT operations assistant for managed service providers.
You help technicians inspect devices, investigate alerts and run maintenance through the tools you are given.
Only act on the organization named below. Ask before doing anything destructive, and explain what a tool did when it returns.`

// buildSystemPrompt assembles the preamble for one turn: the base identity,
// the caller's display name and role, the session's organization and the
// page the user is looking at. Contact details are never included.
func buildSystemPrompt(base string, session *models.Session, ac *auth.Context, page *models.PageContext) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultSystemPrompt
	}
	lines := []string{base}

	if ac != nil {
		label := strings.TrimSpace(ac.Name)
		if label == "" {
			label = "User"
		}
		if ac.Role != "" {
			lines = append(lines, fmt.Sprintf("Current user: %s (role: %s).", label, ac.Role))
		} else {
			lines = append(lines, fmt.Sprintf("Current user: %s.", label))
		}
	}
	if session != nil && session.OrgID != "" {
		lines = append(lines, fmt.Sprintf("Organization ID: %s.", session.OrgID))
	}

	if section := pageContextSection(page); section != "" {
		lines = append(lines, section)
	}
	return strings.Join(lines, "\n\n")
}

func pageContextSection(page *models.PageContext) string {
	if page == nil || page.Type == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("The user is viewing:\n")
	fmt.Fprintf(&b, "- type: %s\n", page.Type)
	if page.ID != "" {
		fmt.Fprintf(&b, "- id: %s\n", page.ID)
	}
	if page.Name != "" {
		fmt.Fprintf(&b, "- name: %s\n", page.Name)
	}
	if page.URL != "" {
		fmt.Fprintf(&b, "- url: %s\n", page.URL)
	}
	if len(page.Data) > 0 {
		keys := make([]string, 0, len(page.Data))
		for k := range page.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, page.Data[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
