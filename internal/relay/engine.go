// Package relay moves messages between a platform adapter and the store.
package relay

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/matheus3301/pipebridge/internal/metrics"
	"github.com/matheus3301/pipebridge/internal/platform"
	"github.com/matheus3301/pipebridge/internal/ratelimit"
	"github.com/matheus3301/pipebridge/internal/schedule"
	"github.com/matheus3301/pipebridge/internal/store"
	"go.uber.org/zap"
)

// FloodNotice is sent to a destination once it reopens after the platform
// rejected one of our sends as flooding.
const FloodNotice = "<message dropped by flood control>"

const maxNoticeAttempts = 3

// Store is the subset of the persistent store the relay needs.
type Store interface {
	AppendMessage(ctx context.Context, m *store.Message) (int64, error)
	PendingMessagesFor(ctx context.Context, side store.Side) iter.Seq2[store.PendingMessage, error]
	MarkDelivered(ctx context.Context, internalID int64, side store.Side, destChatID string) (bool, error)
	ActivePipeDestinations(ctx context.Context, side store.Side) (map[string]struct{}, error)
}

// Sender sends text to a chat on the local platform.
type Sender interface {
	Send(ctx context.Context, chatID, text string) (string, error)
}

// Claimer consumes inbound messages that are not chat traffic, such as
// activation codes. It is consulted during Ingest in arrival order.
type Claimer interface {
	Claim(ctx context.Context, in platform.Inbound) (bool, error)
}

// Options configures an Engine.
type Options struct {
	IngestBatch  int
	DeliverBatch int
	QueueSize    int
	EchoTTL      time.Duration
	FloodPenalty time.Duration
	Location     *time.Location
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.IngestBatch <= 0 {
		o.IngestBatch = 20
	}
	if o.DeliverBatch <= 0 {
		o.DeliverBatch = 3
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.EchoTTL <= 0 {
		o.EchoTTL = 10 * time.Minute
	}
	if o.FloodPenalty <= 0 {
		o.FloodPenalty = ratelimit.Window
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type notice struct {
	chatID   string
	text     string
	attempts int
}

// Engine is the relay for one side. Ingest appends received messages to the
// store; Deliver sends rows pending for this side through the adapter.
// Both are meant to run as scheduler tasks on the side's own goroutine.
type Engine struct {
	side    store.Side
	db      Store
	limiter *ratelimit.Limiter
	queue   *Queue
	echo    *EchoFilter
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	sender  Sender
	claimer Claimer
	notices []notice
}

// NewEngine creates a relay engine for side.
func NewEngine(side store.Side, db Store, limiter *ratelimit.Limiter, opts Options, logger *zap.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		side:    side,
		db:      db,
		limiter: limiter,
		queue:   NewQueue(opts.QueueSize),
		echo:    NewEchoFilter(opts.EchoTTL, opts.Now),
		opts:    opts,
		logger:  logger.Named("relay").With(zap.String("side", side.String())),
	}
}

// Side returns the side this engine delivers to.
func (e *Engine) Side() store.Side {
	return e.side
}

// Attach sets the adapter used for sends. A restarted worker attaches its
// fresh adapter connection; queued messages and echo ids survive.
func (e *Engine) Attach(s Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sender = s
}

// SetClaimer installs c on the ingest path.
func (e *Engine) SetClaimer(c Claimer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claimer = c
}

// Enqueue hands a received message to the engine. It never blocks.
func (e *Engine) Enqueue(in platform.Inbound) {
	if !e.queue.Push(in) {
		metrics.InboundDropped.WithLabelValues(e.side.String()).Inc()
		e.logger.Warn("inbound queue full, dropping message", zap.String("msg_id", in.ID), zap.String("chat", in.ChatID))
	}
}

// Notify queues a bridge-originated text for chatID. It goes out on a later
// Deliver tick, ahead of relayed rows, under the same rate limits.
func (e *Engine) Notify(chatID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.notices {
		if n.chatID == chatID && n.text == text {
			return
		}
	}
	e.notices = append(e.notices, notice{chatID: chatID, text: text})
}

// Ingest drains up to the ingest batch from the inbound queue into the store.
// Echoes of our own sends, messages taken by the claimer and messages from
// chats without an active pipe are dropped. Store failures are fatal.
func (e *Engine) Ingest(ctx context.Context) error {
	e.echo.Prune()
	batch := e.queue.Drain(e.opts.IngestBatch)
	if len(batch) == 0 {
		return nil
	}
	e.mu.Lock()
	claimer := e.claimer
	e.mu.Unlock()
	monitored, err := e.db.ActivePipeDestinations(ctx, e.side)
	if err != nil {
		return schedule.Fatal(err)
	}

	for _, in := range batch {
		if e.echo.Consume(in.ID) {
			metrics.EchoesDropped.WithLabelValues(e.side.String()).Inc()
			e.logger.Debug("dropping echo", zap.String("msg_id", in.ID))
			continue
		}
		if claimer != nil {
			claimed, err := claimer.Claim(ctx, in)
			if err != nil {
				return schedule.Fatal(err)
			}
			if claimed {
				// A confirmation activates a pipe; later messages of this
				// batch may belong to it.
				if monitored, err = e.db.ActivePipeDestinations(ctx, e.side); err != nil {
					return schedule.Fatal(err)
				}
				continue
			}
		}
		if _, ok := monitored[in.ChatID]; !ok {
			continue
		}
		msg := &store.Message{
			OriginID:       in.ID,
			SenderID:       in.SenderID,
			SenderName:     in.SenderName,
			SenderUsername: in.SenderUsername,
			Content:        contentOf(in.Text, in.Kind),
			Kind:           in.Kind,
			Timestamp:      in.Timestamp.UnixMilli(),
		}
		if e.side == store.SideA {
			msg.ChatA = in.ChatID
		} else {
			msg.ChatB = in.ChatID
		}
		if _, err := e.db.AppendMessage(ctx, msg); err != nil {
			return schedule.Fatal(err)
		}
		metrics.MessagesIngested.WithLabelValues(e.side.String()).Inc()
	}
	return nil
}

// Deliver sends at most DeliverBatch messages: queued notices first, then
// rows pending for this side in arrival order. Rate-limited destinations are
// skipped. A transient failure leaves the row pending and skips its
// destination for the rest of the tick; permanent and quota failures drop
// the row. Every row is delivered independently.
func (e *Engine) Deliver(ctx context.Context) error {
	e.mu.Lock()
	sender := e.sender
	e.mu.Unlock()
	if sender == nil {
		return nil
	}

	room := e.opts.DeliverBatch
	skip := make(map[string]bool)
	room -= e.flushNotices(ctx, sender, room, skip)

	side := e.side.String()
	for pm, err := range e.db.PendingMessagesFor(ctx, e.side) {
		if err != nil {
			return schedule.Fatal(err)
		}
		if room <= 0 {
			break
		}
		dest := pm.Destination
		if skip[dest] {
			continue
		}
		if e.limiter.IsHittingLimit(dest) {
			metrics.RateLimitHits.WithLabelValues(side).Inc()
			skip[dest] = true
			continue
		}

		room--
		id, err := sender.Send(ctx, dest, FormatLine(&pm.Message, e.opts.Location))
		if err != nil {
			kind := platform.KindOf(err)
			metrics.SendFailures.WithLabelValues(side, kind.String()).Inc()
			log := e.logger.With(zap.Int64("internal_id", pm.InternalID), zap.String("dest", dest), zap.Error(err))
			switch kind {
			case platform.Transient:
				log.Warn("send failed, will retry")
				skip[dest] = true
				continue
			case platform.Quota:
				log.Warn("send rejected by flood control, dropping")
				e.limiter.Penalize(dest, e.opts.FloodPenalty)
				e.Notify(dest, FloodNotice)
				skip[dest] = true
			default:
				log.Error("send failed permanently, dropping")
			}
			if _, err := e.db.MarkDelivered(ctx, pm.InternalID, e.side, dest); err != nil {
				return schedule.Fatal(err)
			}
			continue
		}

		e.limiter.RecordSend(dest)
		e.echo.Add(id)
		if _, err := e.db.MarkDelivered(ctx, pm.InternalID, e.side, dest); err != nil {
			return schedule.Fatal(err)
		}
		metrics.MessagesDelivered.WithLabelValues(side).Inc()
	}
	return nil
}

// flushNotices sends at most room queued notices and returns how many
// sends it attempted.
func (e *Engine) flushNotices(ctx context.Context, sender Sender, room int, skip map[string]bool) int {
	e.mu.Lock()
	pending := e.notices
	e.notices = nil
	e.mu.Unlock()

	used := 0
	var keep []notice
	for _, n := range pending {
		if used >= room || skip[n.chatID] || e.limiter.IsHittingLimit(n.chatID) {
			keep = append(keep, n)
			continue
		}
		used++
		id, err := sender.Send(ctx, n.chatID, n.text)
		if err != nil {
			n.attempts++
			skip[n.chatID] = true
			kind := platform.KindOf(err)
			metrics.SendFailures.WithLabelValues(e.side.String(), kind.String()).Inc()
			if kind == platform.Transient && n.attempts < maxNoticeAttempts {
				keep = append(keep, n)
			} else {
				e.logger.Warn("dropping notice", zap.String("dest", n.chatID), zap.Error(err))
			}
			if kind == platform.Quota {
				e.limiter.Penalize(n.chatID, e.opts.FloodPenalty)
			}
			continue
		}
		e.limiter.RecordSend(n.chatID)
		e.echo.Add(id)
	}

	e.mu.Lock()
	e.notices = append(keep, e.notices...)
	e.mu.Unlock()
	return used
}

// QueueLen returns the number of received messages waiting for ingest.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// PendingNotices returns the number of queued notices.
func (e *Engine) PendingNotices() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.notices)
}
