// Package history rebuilds provider-format conversation context from the
// persisted turns of a session.
package history

import (
	"context"
	"fmt"

	"github.com/LanternOps/breeze-sub012/internal/llm"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// TurnReader lists the turns of a session in creation order.
type TurnReader interface {
	Turns(ctx context.Context, sessionID string) ([]*models.Turn, error)
}

// Load reads every turn of a session and returns the repaired provider history.
func Load(ctx context.Context, store TurnReader, sessionID string) ([]llm.Message, error) {
	turns, err := store.Turns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return Repair(Reconstruct(turns)), nil
}

// Reconstruct maps stored turns onto provider messages.
//
// Tool results answering one assistant turn are folded into a single user
// message. tool_use rows are skipped since the calls are already embedded in
// the assistant turn's content blocks.
func Reconstruct(turns []*models.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		if turn == nil {
			continue
		}
		switch turn.Role {
		case models.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: turn.Content})
		case models.RoleAssistant:
			out = append(out, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   turn.Text(),
				ToolCalls: turn.ToolCalls(),
			})
		case models.RoleToolResult:
			result := models.ToolResult{
				ToolCallID: turn.ToolUseID,
				Content:    turn.ToolOutput,
				IsError:    turn.IsError,
			}
			if n := len(out); n > 0 && isResultAggregate(out[n-1]) {
				out[n-1].ToolResults = append(out[n-1].ToolResults, result)
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleUser, ToolResults: []models.ToolResult{result}})
		case models.RoleToolUse:
		}
	}
	return out
}

func isResultAggregate(msg llm.Message) bool {
	return msg.Role == llm.RoleUser && len(msg.ToolResults) > 0
}
