package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/pipebridge/internal/platform"
	"github.com/matheus3301/pipebridge/internal/schedule"
	"github.com/matheus3301/pipebridge/internal/store"
	"go.uber.org/zap"
)

// Replies sent back to the chat that issued a pipe command.
const (
	ReplyInstalled = "Please confirm the pipe on the other end by sending the following confirmation code: %s"
	ReplyExists    = "The pipe already exists. Maybe you want /uninstall first?"
	ReplyUsage     = "Usage: /install_pipe <remote-id> or /install_pipe_private <remote-id>"
	ReplyBadRemote = "Cannot use %q as a remote chat id"
	ReplyRemoved   = "The pipe is removed"
	ReplyNoPipe    = "There is no pipe to remove"
	ReplyConfirmed = "The pipe is confirmed"
)

// Notifier queues a bridge-originated message on the local platform.
type Notifier interface {
	Notify(chatID, text string)
}

// RemoteResolver turns the id given to /install_pipe into a side B chat id.
// private is set for /install_pipe_private.
type RemoteResolver func(remoteID string, private bool) (string, error)

type request struct {
	cmd Command
	in  platform.Inbound
}

// Controller runs the protocol for one side. Side A accepts install and
// uninstall commands, queued by Offer and processed by Tick on the side's
// scheduler. Side B checks activation codes through Claim on the relay's
// ingest path.
type Controller struct {
	side    store.Side
	proto   *Protocol
	notify  Notifier
	resolve RemoteResolver
	logger  *zap.Logger

	mu    sync.Mutex
	queue []request
}

// NewController creates a controller. resolve is only used on side A.
func NewController(side store.Side, proto *Protocol, notify Notifier, resolve RemoteResolver, logger *zap.Logger) *Controller {
	return &Controller{
		side:    side,
		proto:   proto,
		notify:  notify,
		resolve: resolve,
		logger:  logger.Named("pairing").With(zap.String("side", side.String())),
	}
}

// Offer queues a side A pipe command and reports whether in was one.
// Claimed messages are never relayed.
func (c *Controller) Offer(in platform.Inbound) bool {
	if c.side != store.SideA {
		return false
	}
	cmd, ok := ParseCommand(in.Text)
	if !ok || !cmd.IsPipeCommand() {
		return false
	}
	c.mu.Lock()
	c.queue = append(c.queue, request{cmd: cmd, in: in})
	c.mu.Unlock()
	return true
}

// Claim confirms the pending pipe whose code in carries and reports whether
// it did. It runs in arrival order with the chat's other messages, so a
// code-shaped message that confirms nothing is relayed in its place.
// Store failures are fatal.
func (c *Controller) Claim(ctx context.Context, in platform.Inbound) (bool, error) {
	if c.side != store.SideB || !c.proto.LooksLikeCode(in.Text) {
		return false, nil
	}
	pipe, err := c.proto.Confirm(ctx, in.ChatID, in.Text)
	if errors.Is(err, ErrUnknownCode) {
		return false, nil
	}
	if err != nil {
		return false, schedule.Fatal(err)
	}
	c.notify.Notify(pipe.ChatB, ReplyConfirmed)
	return true, nil
}

// Tick processes queued requests. Store failures are fatal.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, req := range batch {
		var err error
		switch {
		case req.cmd.Kind == CmdUninstall:
			err = c.uninstall(ctx, req.in.ChatID)
		default:
			err = c.install(ctx, req.in.ChatID, req.cmd)
		}
		if err != nil {
			return schedule.Fatal(err)
		}
	}
	return nil
}

// Expire purges pending pipes past their ttl.
func (c *Controller) Expire(ctx context.Context) error {
	if _, err := c.proto.Expire(ctx); err != nil {
		return schedule.Fatal(err)
	}
	return nil
}

func (c *Controller) install(ctx context.Context, chatA string, cmd Command) error {
	if cmd.Arg == "" {
		c.notify.Notify(chatA, ReplyUsage)
		return nil
	}
	chatB, err := c.resolve(cmd.Arg, cmd.Kind == CmdInstallPrivate)
	if err != nil {
		c.logger.Info("rejecting remote id", zap.String("remote", cmd.Arg), zap.Error(err))
		c.notify.Notify(chatA, fmt.Sprintf(ReplyBadRemote, cmd.Arg))
		return nil
	}
	code, err := c.proto.Install(ctx, chatA, chatB)
	if errors.Is(err, ErrAlreadyExists) {
		c.notify.Notify(chatA, ReplyExists)
		return nil
	}
	if err != nil {
		return err
	}
	c.notify.Notify(chatA, fmt.Sprintf(ReplyInstalled, code))
	return nil
}

func (c *Controller) uninstall(ctx context.Context, chatA string) error {
	n, err := c.proto.Uninstall(ctx, chatA)
	if err != nil {
		return err
	}
	if n == 0 {
		c.notify.Notify(chatA, ReplyNoPipe)
		return nil
	}
	c.notify.Notify(chatA, ReplyRemoved)
	return nil
}
