package presence

import "github.com/avelys/meetmesh/internal/domain"

// ChatLog is the append-only room chat plus the local unread counter.
// Messages arriving while the panel is closed each bump the counter;
// opening the panel resets it.
type ChatLog struct {
	msgs   []domain.ChatMessage
	unread int
	open   bool
}

func NewChatLog() *ChatLog { return &ChatLog{} }

func (c *ChatLog) Append(m domain.ChatMessage) {
	c.msgs = append(c.msgs, m)
	if !c.open {
		c.unread++
	}
}

// Replay installs the full history sent on admission. It predates this
// client's presence, so it does not count as unread.
func (c *ChatLog) Replay(history []domain.ChatMessage) {
	c.msgs = append([]domain.ChatMessage(nil), history...)
}

func (c *ChatLog) SetOpen(open bool) {
	c.open = open
	if open {
		c.unread = 0
	}
}

func (c *ChatLog) Open() bool  { return c.open }
func (c *ChatLog) Unread() int { return c.unread }
func (c *ChatLog) Len() int    { return len(c.msgs) }

func (c *ChatLog) Messages() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}
