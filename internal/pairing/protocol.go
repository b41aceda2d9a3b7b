// Package pairing implements the in-band protocol that creates, activates
// and removes pipes.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/pipebridge/internal/metrics"
	"github.com/matheus3301/pipebridge/internal/store"
	"go.uber.org/zap"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	// ErrAlreadyExists is returned by Install when the pair is already pending or active.
	ErrAlreadyExists = errors.New("pipe already exists")
	// ErrUnknownCode is returned by Confirm when no live pending pipe matches.
	ErrUnknownCode = errors.New("unknown or expired activation code")
)

// Store is the subset of the persistent store the protocol needs.
type Store interface {
	CreatePendingPipe(ctx context.Context, chatA, chatB, code string) (*store.Pipe, error)
	PendingPipes(ctx context.Context, side store.Side, createdAfter int64) (map[string][]store.Pipe, error)
	ConfirmPipe(ctx context.Context, id int64) (*store.Pipe, error)
	RemovePipe(ctx context.Context, chatA string) (int64, error)
	PurgeExpiredPipes(ctx context.Context, createdBefore int64) (int64, error)
}

// Protocol drives pipe state transitions: NONE -> PENDING -> ACTIVE, and
// removal from any state.
type Protocol struct {
	db      Store
	codeLen int
	ttl     time.Duration
	now     func() time.Time
	gen     func(n int) (string, error)
	logger  *zap.Logger
}

// NewProtocol creates a protocol issuing codes of codeLen characters that
// stay valid for ttl.
func NewProtocol(db Store, codeLen int, ttl time.Duration, logger *zap.Logger) *Protocol {
	if codeLen < 4 {
		codeLen = 8
	}
	return &Protocol{db: db, codeLen: codeLen, ttl: ttl, now: time.Now, gen: GenerateCode, logger: logger.Named("pairing")}
}

// CodeLength returns the length of issued codes.
func (p *Protocol) CodeLength() int {
	return p.codeLen
}

// Install creates a pending pipe from chatA to chatB and returns its
// activation code.
func (p *Protocol) Install(ctx context.Context, chatA, chatB string) (string, error) {
	code, err := p.gen(p.codeLen)
	if err != nil {
		return "", err
	}
	pipe, err := p.db.CreatePendingPipe(ctx, chatA, chatB, code)
	if errors.Is(err, store.ErrConflict) {
		metrics.PipeEvents.WithLabelValues("conflict").Inc()
		return "", ErrAlreadyExists
	}
	if err != nil {
		return "", err
	}
	metrics.PipeEvents.WithLabelValues("installed").Inc()
	p.logger.Info("pipe pending", zap.Int64("pipe", pipe.ID), zap.String("chat_a", chatA), zap.String("chat_b", chatB))
	return code, nil
}

// Confirm activates the oldest live pending pipe for chatB whose code equals
// the first token of text. Activation removes every other pipe of the same
// side A chat.
func (p *Protocol) Confirm(ctx context.Context, chatB, text string) (*store.Pipe, error) {
	token := firstToken(text)
	if token == "" {
		return nil, ErrUnknownCode
	}
	pending, err := p.db.PendingPipes(ctx, store.SideB, p.cutoff())
	if err != nil {
		return nil, err
	}
	for _, candidate := range pending[chatB] {
		if !strings.EqualFold(candidate.Code, token) {
			continue
		}
		pipe, err := p.db.ConfirmPipe(ctx, candidate.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Purged by a concurrent activation for the same chat.
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.PipeEvents.WithLabelValues("activated").Inc()
		p.logger.Info("pipe active", zap.Int64("pipe", pipe.ID), zap.String("chat_a", pipe.ChatA), zap.String("chat_b", pipe.ChatB))
		return pipe, nil
	}
	return nil, ErrUnknownCode
}

// Uninstall removes every pipe of chatA, pending or active.
func (p *Protocol) Uninstall(ctx context.Context, chatA string) (int64, error) {
	n, err := p.db.RemovePipe(ctx, chatA)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.PipeEvents.WithLabelValues("removed").Add(float64(n))
		p.logger.Info("pipe removed", zap.String("chat_a", chatA), zap.Int64("rows", n))
	}
	return n, nil
}

// Expire deletes pending pipes whose code outlived the ttl.
func (p *Protocol) Expire(ctx context.Context) (int64, error) {
	if p.ttl <= 0 {
		return 0, nil
	}
	n, err := p.db.PurgeExpiredPipes(ctx, p.cutoff())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.PipeEvents.WithLabelValues("expired").Add(float64(n))
		p.logger.Info("expired pending pipes", zap.Int64("rows", n))
	}
	return n, nil
}

// LooksLikeCode reports whether the first token of text has the shape of
// an activation code.
func (p *Protocol) LooksLikeCode(text string) bool {
	token := firstToken(text)
	if len(token) != p.codeLen {
		return false
	}
	for _, r := range strings.ToUpper(token) {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}

func (p *Protocol) cutoff() int64 {
	if p.ttl <= 0 {
		return 0
	}
	return p.now().Add(-p.ttl).UnixMilli()
}

// GenerateCode returns n characters drawn uniformly from [A-Z0-9].
func GenerateCode(n int) (string, error) {
	// Bytes at or above limit are rejected so every symbol is equally likely.
	const limit = 256 - 256%len(codeAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		for _, b := range buf {
			if int(b) < limit && len(out) < n {
				out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			}
		}
	}
	return string(out), nil
}

func firstToken(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
