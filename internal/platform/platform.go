// Package platform defines the boundary every chat platform client implements.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Inbound is one message received from a platform.
type Inbound struct {
	ID             string
	ChatID         string
	SenderID       string
	SenderName     string
	SenderUsername string
	Text           string
	Kind           string
	Timestamp      time.Time
	// Private is set for one-to-one conversations.
	Private bool
}

// Adapter is a connected chat platform client.
type Adapter interface {
	// Platform returns a short stable name such as "mattermost".
	Platform() string
	// Connect establishes the session. It is called once per worker start.
	Connect(ctx context.Context) error
	// Receive returns the stream of inbound messages. The channel is closed
	// when the connection is lost; a new stream requires a new Connect.
	Receive(ctx context.Context) <-chan Inbound
	// Send delivers text to chatID and returns the platform-assigned message id.
	// Failures should be wrapped in *SendError.
	Send(ctx context.Context, chatID, text string) (string, error)
	Close() error
}

// PresenceSource is implemented by adapters that can report user presence.
type PresenceSource interface {
	Presence(ctx context.Context, userIDs []string) ([]Presence, error)
}

// Presence is one user's online state.
type Presence struct {
	UserID      string
	Online      bool
	UsingMobile bool
}

// ErrorKind classifies a failed send.
type ErrorKind int

const (
	// Transient failures are retried on the next relay tick.
	Transient ErrorKind = iota
	// Permanent failures will never succeed for this message.
	Permanent
	// Quota failures are flood or rate rejections reported by the platform.
	Quota
)

func (k ErrorKind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Quota:
		return "quota"
	default:
		return "transient"
	}
}

// SendError wraps a failed send with its classification.
type SendError struct {
	Kind ErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failure: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError wraps err with kind.
func NewSendError(kind ErrorKind, err error) error {
	return &SendError{Kind: kind, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return Transient
}
