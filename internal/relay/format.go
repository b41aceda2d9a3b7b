package relay

import (
	"fmt"
	"time"

	"github.com/matheus3301/pipebridge/internal/store"
)

// FormatLine renders a relayed message as "{sender} ({username}), {HH:MM:SS}: {content}".
func FormatLine(m *store.Message, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	ts := time.UnixMilli(m.Timestamp).In(loc).Format(time.TimeOnly)
	return fmt.Sprintf("%s (%s), %s: %s", m.SenderName, m.SenderUsername, ts, m.Content)
}

// contentOf returns the text stored for an inbound message. Non-text
// messages without a caption are kept as a "[kind]" marker.
func contentOf(text, kind string) string {
	if text != "" || kind == "" || kind == "text" {
		return text
	}
	return "[" + kind + "]"
}
