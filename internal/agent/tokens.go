package agent

import (
	"unicode/utf8"

	"github.com/LanternOps/breeze-sub012/internal/llm"
)

// Token estimation defaults.
const (
	DefaultCharsPerToken = 4
	DefaultTokenCeiling  = 150_000
)

// EstimateTokens approximates the prompt size of a request: the system
// prompt plus every message, tool call input and tool result, at
// charsPerToken characters per token, rounded up.
func EstimateTokens(system string, messages []llm.Message, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	chars := utf8.RuneCountInString(system)
	for _, msg := range messages {
		chars += estimateMessageChars(msg)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

func estimateMessageChars(msg llm.Message) int {
	chars := utf8.RuneCountInString(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += utf8.RuneCountInString(tc.Name) + utf8.RuneCount(tc.Input)
	}
	for _, tr := range msg.ToolResults {
		chars += utf8.RuneCountInString(tr.Content)
	}
	return chars
}
