package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/matheus3301/pipebridge/internal/platform"
)

// ParsedMessage is a normalized live message.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Private     bool
	Timestamp   int64
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	chat := evt.Info.Chat.ToNonAD()
	return &ParsedMessage{
		ChatJID:     chat.String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		Private:     !evt.Info.IsGroup && (chat.Server == types.DefaultUserServer || chat.Server == types.HiddenUserServer),
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ToInbound converts a ParsedMessage to the platform-neutral form.
func (p *ParsedMessage) ToInbound() platform.Inbound {
	return platform.Inbound{
		ID:         p.MsgID,
		ChatID:     p.ChatJID,
		SenderID:   p.SenderJID,
		SenderName: p.SenderName,
		Text:       p.Body,
		Kind:       p.MessageType,
		Timestamp:  timeFromMilli(p.Timestamp),
		Private:    p.Private,
	}
}

// NormalizeJID strips the device suffix from a JID string. Unparseable
// input is returned unchanged.
func NormalizeJID(jid string) string {
	if jid == "" {
		return ""
	}
	parsed, err := types.ParseJID(jid)
	if err != nil || parsed.Server == "" {
		return jid
	}
	return parsed.ToNonAD().String()
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
