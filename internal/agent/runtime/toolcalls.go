package runtime

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kandev/crewhub/internal/llm"
)

// Providers without native tool support are instructed to emit invocations as
// <tool_call name="..."><arg>value</arg></tool_call> blocks inside their text
// output. These patterns recover the calls and strip the blocks from the
// visible reply.
var (
	toolCallPattern = regexp.MustCompile(`(?s)<tool_call\s+name="([^"]+)"\s*>(.*?)</tool_call>`)
	toolArgPattern  = regexp.MustCompile(`(?s)<([A-Za-z0-9_]+)>(.*?)</([A-Za-z0-9_]+)>`)
)

// ParseToolCalls extracts text-convention tool invocations from model output.
// Calls come back in order of appearance; the returned text has the blocks
// removed. Argument values are strings, trimmed of surrounding whitespace.
func ParseToolCalls(text string) ([]llm.ToolCall, string) {
	matches := toolCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text
	}

	var calls []llm.ToolCall
	var cleaned strings.Builder
	last := 0
	for i, m := range matches {
		cleaned.WriteString(text[last:m[0]])
		last = m[1]

		name := text[m[2]:m[3]]
		body := text[m[4]:m[5]]
		args := make(map[string]any)
		for _, am := range toolArgPattern.FindAllStringSubmatch(body, -1) {
			if am[1] != am[3] {
				continue
			}
			args[am[1]] = strings.TrimSpace(am[2])
		}
		calls = append(calls, llm.ToolCall{
			ID:   fmt.Sprintf("text_call_%d", i),
			Name: name,
			Args: args,
		})
	}
	cleaned.WriteString(text[last:])
	return calls, strings.TrimSpace(cleaned.String())
}
