// Package transcript accumulates streaming transcript fragments and commits
// finalized conversation messages at turn boundaries.
package transcript

import (
	"strings"
	"sync"
)

// Role identifies the speaker of a committed message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one committed conversation entry. Immutable once created.
type Message struct {
	Role Role
	Text string
}

// History is the ordered, append-only conversation record.
type History struct {
	mu       sync.Mutex
	messages []Message
}

func (h *History) append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Messages returns a copy of the committed history in order.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len reports the number of committed messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// UserMessages reports how many committed messages belong to the user.
func (h *History) UserMessages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Assembler buffers the user's and the assistant's transcript deltas
// separately and commits them to history when a turn completes. Buffers are
// always emptied at commit; an all-empty commit appends nothing.
type Assembler struct {
	mu      sync.Mutex
	input   strings.Builder
	output  strings.Builder
	history *History
}

// NewAssembler writes committed messages into history.
func NewAssembler(history *History) *Assembler {
	return &Assembler{history: history}
}

// OnInputDelta appends a fragment of the user's speech transcript.
func (a *Assembler) OnInputDelta(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input.WriteString(text)
}

// OnOutputDelta appends a fragment of the assistant's speech transcript.
func (a *Assembler) OnOutputDelta(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output.WriteString(text)
}

// OnTurnComplete commits both buffers. The user message precedes the model
// message regardless of how the deltas interleaved on the wire: the user
// spoke first, then the model replied.
func (a *Assembler) OnTurnComplete() {
	a.mu.Lock()
	input := strings.TrimSpace(a.input.String())
	output := strings.TrimSpace(a.output.String())
	a.input.Reset()
	a.output.Reset()
	a.mu.Unlock()

	if input != "" {
		a.history.append(Message{Role: RoleUser, Text: input})
	}
	if output != "" {
		a.history.append(Message{Role: RoleModel, Text: output})
	}
}
