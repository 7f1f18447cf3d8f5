package agent

import "github.com/mawwalker/moss/pkg/provider/llm"

// history is a bounded conversation log kept as whole turns, so that an
// evicted user message never leaves its answer behind.
type history struct {
	max   int
	turns [][]llm.Message
	count int
}

func newHistory(max int) *history {
	return &history{max: max}
}

// Add appends one turn and evicts the oldest turns until at most max
// messages remain.
func (h *history) Add(turn ...llm.Message) {
	if h.max <= 0 {
		return
	}
	h.turns = append(h.turns, turn)
	h.count += len(turn)
	for h.count > h.max && len(h.turns) > 0 {
		h.count -= len(h.turns[0])
		h.turns = h.turns[1:]
	}
}

// Messages returns the retained messages, oldest first.
func (h *history) Messages() []llm.Message {
	out := make([]llm.Message, 0, h.count+1)
	for _, t := range h.turns {
		out = append(out, t...)
	}
	return out
}
