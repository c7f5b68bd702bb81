package history

import (
	"github.com/LanternOps/breeze-sub012/internal/llm"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// InterruptedResult is the synthetic output for a tool call that never
// produced a stored result, e.g. after a crash mid-turn.
const InterruptedResult = "Tool call was interrupted before a result was recorded"

// Repair makes a reconstructed history acceptable to providers: every tool
// call gets exactly one result in the message right after its assistant turn,
// and results that answer no outstanding call are dropped.
func Repair(history []llm.Message) []llm.Message {
	if len(history) == 0 {
		return history
	}

	repaired := make([]llm.Message, 0, len(history))
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		synthetic := make([]models.ToolResult, 0, len(pending))
		for _, id := range pending {
			synthetic = append(synthetic, models.ToolResult{ToolCallID: id, Content: InterruptedResult, IsError: true})
		}
		pending = nil
		if n := len(repaired); n > 0 && isResultAggregate(repaired[n-1]) {
			repaired[n-1].ToolResults = append(repaired[n-1].ToolResults, synthetic...)
			return
		}
		repaired = append(repaired, llm.Message{Role: llm.RoleUser, ToolResults: synthetic})
	}

	for _, msg := range history {
		switch {
		case msg.Role == llm.RoleAssistant:
			flush()
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending = append(pending, call.ID)
				}
			}
			repaired = append(repaired, msg)
		case isResultAggregate(msg):
			fixed := make([]models.ToolResult, 0, len(msg.ToolResults))
			for _, res := range msg.ToolResults {
				if res.ToolCallID == "" && len(pending) > 0 {
					res.ToolCallID = pending[0]
				}
				if i := indexOf(pending, res.ToolCallID); i >= 0 {
					pending = append(pending[:i], pending[i+1:]...)
					fixed = append(fixed, res)
				}
			}
			if len(fixed) == 0 {
				continue
			}
			copied := msg
			copied.ToolResults = fixed
			repaired = append(repaired, copied)
		default:
			flush()
			repaired = append(repaired, msg)
		}
	}
	flush()

	return repaired
}

func indexOf(ids []string, target string) int {
	for i, id := range ids {
		if id == target {
			return i
		}
	}
	return -1
}
