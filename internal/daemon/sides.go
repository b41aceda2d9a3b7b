package daemon

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/pipebridge/internal/config"
	"github.com/matheus3301/pipebridge/internal/instance"
	"github.com/matheus3301/pipebridge/internal/pairing"
	"github.com/matheus3301/pipebridge/internal/platform"
	"github.com/matheus3301/pipebridge/internal/platform/mattermost"
	"github.com/matheus3301/pipebridge/internal/ratelimit"
	"github.com/matheus3301/pipebridge/internal/relay"
	"github.com/matheus3301/pipebridge/internal/roster"
	"github.com/matheus3301/pipebridge/internal/side"
	"github.com/matheus3301/pipebridge/internal/store"
	"github.com/matheus3301/pipebridge/internal/wa"
)

// Sides holds the two supervised workers. A is Mattermost, B is WhatsApp.
type Sides struct {
	A *side.Worker
	B *side.Worker
}

// Names returns the worker names in supervision order.
func (s *Sides) Names() []string {
	return []string{s.A.Name(), s.B.Name()}
}

func provideSides(p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) (*Sides, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	mm := mattermost.New(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, logger)
	wac := wa.NewAdapter(wa.Options{
		DBPath:     instance.WhatsAppDBPath(p.Instance),
		DeviceName: cfg.WhatsApp.DeviceName,
		QRPath:     instance.QRPath(p.Instance),
	}, logger)

	proto := pairing.NewProtocol(db, cfg.Pairing.CodeLength, cfg.Pairing.CodeTTL.Duration, logger)
	a := buildSide(store.SideA, mm, proto, wa.ResolveChatID, cfg, loc, db, logger)
	b := buildSide(store.SideB, wac, proto, nil, cfg, loc, db, logger)
	return &Sides{A: a, B: b}, nil
}

func buildSide(s store.Side, adapter platform.Adapter, proto *pairing.Protocol, resolve pairing.RemoteResolver, cfg *config.Config, loc *time.Location, db *store.DB, logger *zap.Logger) *side.Worker {
	// Each side has its own limiter: destinations on different platforms
	// never share a window.
	limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.MinSpacing.Duration)
	engine := relay.NewEngine(s, db, limiter, relay.Options{
		IngestBatch:  cfg.Relay.IngestBatch,
		DeliverBatch: cfg.Relay.DeliverBatch,
		QueueSize:    cfg.Relay.QueueSize,
		EchoTTL:      cfg.Relay.EchoTTL.Duration,
		Location:     loc,
	}, logger)

	ctrl := pairing.NewController(s, proto, engine, resolve, logger)
	if s == store.SideB {
		engine.SetClaimer(ctrl)
	}

	iv := side.DefaultIntervals()
	iv.Ingest = cfg.Relay.IngestInterval.Duration
	iv.Deliver = cfg.Relay.DeliverInterval.Duration
	iv.Pairing = cfg.Pairing.Interval.Duration
	iv.UserFlush = cfg.Users.FlushInterval.Duration
	iv.TimeNotice = cfg.Users.TimeNoticeInterval.Duration

	return side.New(side.Config{
		Name:          adapter.Platform(),
		Adapter:       adapter,
		Relay:         engine,
		Pairing:       ctrl,
		Roster:        roster.New(adapter.Platform(), db, loc, logger),
		Intervals:     iv,
		ExpirePending: s == store.SideA,
		Observe:       cfg.Users.Observe,
	}, logger)
}
