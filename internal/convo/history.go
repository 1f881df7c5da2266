package convo

import "sync"

// Turn roles as recorded in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role string
	Text string
}

// History is a session's chat history. Turns are only ever appended in
// user/assistant pairs, so after any successful question the length grows by
// exactly two, and a failed question leaves it unchanged.
//
// History is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	turns []Turn
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{}
}

// AppendExchange records one completed question as a user turn followed by
// an assistant turn.
func (h *History) AppendExchange(question, answer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns,
		Turn{Role: RoleUser, Text: question},
		Turn{Role: RoleAssistant, Text: answer},
	)
}

// Turns returns a copy of the recorded turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of recorded turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
