package dispatch

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/crewkit/crewkit/llms"
)

// defaultHistoryBudget caps how many prompt tokens conversation history may
// occupy.
const defaultHistoryBudget = 4000

// historyWindow trims the history to a token budget, keeping the most
// recent messages. When no encoding is available for the model it falls
// back to cl100k_base, and failing that to a rough 4-chars-per-token
// estimate.
func historyWindow(messages []llms.Message, model string, budget int) []llms.Message {
	if budget <= 0 {
		budget = defaultHistoryBudget
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
	}

	count := func(text string) int {
		if err != nil || encoding == nil {
			return len(text) / 4
		}
		return len(encoding.Encode(text, nil, nil))
	}

	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := count(messages[i].Content) + 4
		if total+cost > budget && start < len(messages) {
			break
		}
		total += cost
		start = i
	}
	return messages[start:]
}
