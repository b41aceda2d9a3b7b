// Package wa is the side B platform adapter backed by whatsmeow.
package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/pipebridge/internal/metrics"
	"github.com/matheus3301/pipebridge/internal/platform"
	"github.com/matheus3301/pipebridge/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// PlatformName is the name stored with users of this platform.
	PlatformName = "whatsapp"

	inboundBuffer = 64
)

// Options configures an Adapter.
type Options struct {
	// DBPath is the whatsmeow device store.
	DBPath string
	// DeviceName is shown on the phone's linked devices list.
	DeviceName string
	// QRPath receives a PNG of the login QR code on first run.
	QRPath string
}

// Adapter wraps the whatsmeow client and implements platform.Adapter.
// Reconnection is left to the caller: a disconnect closes the inbound stream.
type Adapter struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	stream    *stream
}

// stream is the inbound channel of one connection. Pushes never block the
// whatsmeow event loop; a full buffer drops the message.
type stream struct {
	mu     sync.Mutex
	out    chan platform.Inbound
	closed bool
}

func newStream() *stream {
	return &stream{out: make(chan platform.Inbound, inboundBuffer)}
}

func (s *stream) push(in platform.Inbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- in:
		return true
	default:
		return false
	}
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// NewAdapter creates a disconnected adapter.
func NewAdapter(opts Options, logger *zap.Logger) *Adapter {
	if opts.DeviceName == "" {
		opts.DeviceName = "pipebridge"
	}
	return &Adapter{opts: opts, logger: logger.Named(PlatformName)}
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() string { return PlatformName }

// Connect opens the device store, logs in with a QR code if the device is
// not yet linked, and connects.
func (a *Adapter) Connect(ctx context.Context) error {
	client, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	s := newStream()
	client.AddEventHandler(func(evt any) { a.handle(s, evt) })

	a.mu.Lock()
	a.client, a.stream = client, s
	a.mu.Unlock()

	if client.Store.ID == nil {
		a.logger.Info("device not linked, starting QR login")
		return a.loginQR(ctx, client)
	}
	a.logger.Info("connecting to WhatsApp")
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (a *Adapter) newClient(ctx context.Context) (*whatsmeow.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.container == nil {
		// Set device name shown on the phone's linked devices list.
		wastore.SetOSInfo(a.opts.DeviceName, [3]uint32{0, 1, 0})
		container, err := sqlstore.New(ctx, "sqlite3",
			fmt.Sprintf("file:%s?_foreign_keys=on", a.opts.DBPath),
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("create device store: %w", err)
		}
		a.container = container
	}
	deviceStore, err := a.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}
	client := whatsmeow.NewClient(deviceStore, nil)
	client.EnableAutoReconnect = false
	return client, nil
}

// Receive implements platform.Adapter.
func (a *Adapter) Receive(context.Context) <-chan platform.Inbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		s := newStream()
		s.close()
		return s.out
	}
	return a.stream.out
}

// Send sends a text message to chatID and returns the server message id.
func (a *Adapter) Send(ctx context.Context, chatID, text string) (string, error) {
	to, err := types.ParseJID(chatID)
	if err != nil {
		return "", platform.NewSendError(platform.Permanent, fmt.Errorf("parse JID: %w", err))
	}
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return "", platform.NewSendError(platform.Transient, whatsmeow.ErrNotConnected)
	}
	resp, err := client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", classify(fmt.Errorf("send message: %w", err))
	}
	return resp.ID, nil
}

// Close disconnects and ends the inbound stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	client, s := a.client, a.stream
	a.client, a.stream = nil, nil
	a.mu.Unlock()

	if client != nil {
		a.logger.Info("disconnecting from WhatsApp")
		client.Disconnect()
	}
	if s != nil {
		s.close()
	}
	return nil
}

// IsLoggedIn returns whether the device store holds credentials.
func (a *Adapter) IsLoggedIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil && a.client.Store.ID != nil
}

func (a *Adapter) handle(s *stream, rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		parsed := ParseLiveMessage(evt)
		if parsed.FromMe {
			return
		}
		if !s.push(parsed.ToInbound()) {
			metrics.InboundDropped.WithLabelValues(store.SideB.String()).Inc()
			a.logger.Warn("inbound buffer full, dropping message", zap.String("msg_id", parsed.MsgID))
		}
	case *events.Connected:
		a.logger.Info("WhatsApp connected")
	case *events.Disconnected:
		a.logger.Warn("WhatsApp disconnected")
		s.close()
	case *events.LoggedOut:
		a.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		s.close()
	case *events.StreamReplaced:
		a.logger.Warn("WhatsApp stream replaced by another client")
		s.close()
	}
}

// classify maps whatsmeow send errors onto the relay's failure classes.
// Anything not recognized is transient.
func classify(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrIQRateOverLimit):
		return platform.NewSendError(platform.Quota, err)
	case errors.Is(err, whatsmeow.ErrIQForbidden),
		errors.Is(err, whatsmeow.ErrIQNotAcceptable),
		errors.Is(err, whatsmeow.ErrIQNotFound),
		errors.Is(err, whatsmeow.ErrIQGone):
		return platform.NewSendError(platform.Permanent, err)
	}
	return platform.NewSendError(platform.Transient, err)
}
