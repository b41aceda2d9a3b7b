package store

import "time"

// Side identifies one of the two bridged platforms.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Valid reports whether s names a known side.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

func (s Side) String() string {
	return string(s)
}

// User is a chat identity on one platform.
type User struct {
	ID          string
	Platform    string
	DisplayName string
	Username    string
	ChatID      string // private conversation with the user, if known
	LastSeen    int64  // unix millis
	WantsTime   bool
	Muted       bool

	// Dirty marks an in-memory change not yet flushed. Never persisted.
	Dirty bool
}

// Message is one relayed unit of text. Exactly one of ChatA/ChatB is set
// when the message is appended; the other is filled in once relayed.
type Message struct {
	InternalID     int64
	OriginID       string
	SenderID       string
	SenderName     string
	SenderUsername string
	Content        string
	Kind           string
	Timestamp      int64 // unix millis
	ChatA          string
	ChatB          string
}

// ChatID returns the chat id recorded for the given side, or "".
func (m *Message) ChatID(side Side) string {
	if side == SideA {
		return m.ChatA
	}
	return m.ChatB
}

// PendingMessage is a message awaiting delivery to Destination.
type PendingMessage struct {
	Message
	Destination string
}

// Pipe binds one side A chat to one side B chat.
type Pipe struct {
	ID        int64
	ChatA     string
	ChatB     string
	Active    bool
	Code      string
	CreatedAt int64 // unix millis
}

// ChatID returns the pipe's chat id on the given side.
func (p *Pipe) ChatID(side Side) string {
	if side == SideA {
		return p.ChatA
	}
	return p.ChatB
}

// Observation is one presence sample for a known user.
type Observation struct {
	UserID      string
	Platform    string
	Online      bool
	UsingMobile bool
	ObservedAt  int64 // unix millis
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// chatColumn maps a side to its messages/pipes column pair.
func chatColumn(side Side) (messages, pipes string) {
	if side == SideA {
		return "side_a_chat_id", "chat_a"
	}
	return "side_b_chat_id", "chat_b"
}
