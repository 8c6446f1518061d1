// ABOUTME: In-memory conversation archive keyed by counterparty node
// ABOUTME: Append-only; not safe for concurrent use, the relay loop owns it

package archive

import (
	"sort"

	"github.com/nainya/chatrelay/pkg/chat"
)

// Conversation is the ordered message log with one counterparty.
type Conversation struct {
	messages []chat.Message
}

// Append adds msg at the end of the conversation.
func (c *Conversation) Append(msg chat.Message) {
	c.messages = append(c.messages, msg)
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Archive maps counterparty node ids to conversations.
type Archive struct {
	conversations map[string]*Conversation
}

// New creates an empty archive.
func New() *Archive {
	return &Archive{conversations: make(map[string]*Conversation)}
}

// GetOrCreate returns the conversation with counterparty, creating it if needed.
func (a *Archive) GetOrCreate(counterparty string) *Conversation {
	conv, ok := a.conversations[counterparty]
	if !ok {
		conv = &Conversation{}
		a.conversations[counterparty] = conv
	}
	return conv
}

// Append adds msg to the conversation with counterparty.
func (a *Archive) Append(counterparty string, msg chat.Message) {
	a.GetOrCreate(counterparty).Append(msg)
}

// Len returns how many messages were exchanged with counterparty.
func (a *Archive) Len(counterparty string) int {
	conv, ok := a.conversations[counterparty]
	if !ok {
		return 0
	}
	return conv.Len()
}

// Counterparties lists the known counterparties in sorted order.
func (a *Archive) Counterparties() []string {
	out := make([]string, 0, len(a.conversations))
	for k := range a.conversations {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the archive suitable for serialization.
func (a *Archive) Snapshot() chat.History {
	out := make(chat.History, len(a.conversations))
	for k, conv := range a.conversations {
		msgs := make([]chat.Message, len(conv.messages))
		copy(msgs, conv.messages)
		out[k] = msgs
	}
	return out
}
