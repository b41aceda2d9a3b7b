// Package roster caches the users seen on one platform and runs the
// per-user periodic features: store flushes, time notices and presence
// sampling.
package roster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pipebridge/internal/platform"
	"github.com/matheus3301/pipebridge/internal/schedule"
	"github.com/matheus3301/pipebridge/internal/store"
	"go.uber.org/zap"
)

// DefaultFlushBatch bounds how many users one flush writes.
const DefaultFlushBatch = 30

// Store is the subset of the persistent store the roster needs.
type Store interface {
	UpsertUsers(ctx context.Context, users []store.User, isNew bool) error
	ListUsers(ctx context.Context, platform string) (map[string]store.User, error)
	AppendObservations(ctx context.Context, obs []store.Observation) error
}

// Notifier queues a bridge-originated message on the local platform.
type Notifier interface {
	Notify(chatID, text string)
}

type entry struct {
	user  store.User
	isNew bool
}

// Roster is the in-memory user cache of one side. All access goes through
// its mutex; callers receive copies.
type Roster struct {
	platform   string
	db         Store
	flushBatch int
	loc        *time.Location
	now        func() time.Time
	logger     *zap.Logger

	mu    sync.Mutex
	users map[string]*entry
}

// New creates an empty roster for platform.
func New(platformName string, db Store, loc *time.Location, logger *zap.Logger) *Roster {
	if loc == nil {
		loc = time.Local
	}
	return &Roster{
		platform:   platformName,
		db:         db,
		flushBatch: DefaultFlushBatch,
		loc:        loc,
		now:        time.Now,
		logger:     logger.Named("roster").With(zap.String("platform", platformName)),
		users:      make(map[string]*entry),
	}
}

// Load replaces the cache with the users persisted for this platform.
func (r *Roster) Load(ctx context.Context) error {
	users, err := r.db.ListUsers(ctx, r.platform)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]*entry, len(users))
	for id, u := range users {
		r.users[id] = &entry{user: u}
	}
	return nil
}

// Touch records contact from the sender of in, creating the user on first
// contact.
func (r *Roster) Touch(in platform.Inbound) {
	if in.SenderID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[in.SenderID]
	if !ok {
		e = &entry{isNew: true, user: store.User{ID: in.SenderID, Platform: r.platform}}
		r.users[in.SenderID] = e
	}
	u := &e.user
	if in.SenderName != "" {
		u.DisplayName = in.SenderName
	}
	if in.SenderUsername != "" {
		u.Username = in.SenderUsername
	}
	if in.Private {
		u.ChatID = in.ChatID
	}
	if ts := in.Timestamp.UnixMilli(); ts > u.LastSeen {
		u.LastSeen = ts
	}
	u.Dirty = true
}

// SetWantsTime toggles periodic time notices. It reports false for unknown users.
func (r *Roster) SetWantsTime(id string, on bool) bool {
	return r.update(id, func(u *store.User) { u.WantsTime = on })
}

// SetMuted toggles notices for a user. It reports false for unknown users.
func (r *Roster) SetMuted(id string, on bool) bool {
	return r.update(id, func(u *store.User) { u.Muted = on })
}

func (r *Roster) update(id string, fn func(*store.User)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[id]
	if !ok {
		return false
	}
	fn(&e.user)
	e.user.Dirty = true
	return true
}

// Get returns a copy of a cached user.
func (r *Roster) Get(id string) (store.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[id]
	if !ok {
		return store.User{}, false
	}
	return e.user, true
}

// Flush writes up to the flush batch of new and dirty users. Users stay
// dirty if the write fails. Store failures are fatal.
func (r *Roster) Flush(ctx context.Context) error {
	var fresh, changed []store.User
	r.mu.Lock()
	ids := make([]string, 0, len(r.users))
	for id, e := range r.users {
		if e.user.Dirty {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > r.flushBatch {
		ids = ids[:r.flushBatch]
	}
	for _, id := range ids {
		e := r.users[id]
		if e.isNew {
			fresh = append(fresh, e.user)
		} else {
			changed = append(changed, e.user)
		}
	}
	r.mu.Unlock()

	if err := r.db.UpsertUsers(ctx, fresh, true); err != nil {
		return schedule.Fatal(err)
	}
	if err := r.db.UpsertUsers(ctx, changed, false); err != nil {
		return schedule.Fatal(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, written := range [][]store.User{fresh, changed} {
		for _, u := range written {
			e, ok := r.users[u.ID]
			if !ok {
				continue
			}
			e.isNew = false
			// A change that landed during the write keeps the entry dirty.
			if e.user == u {
				e.user.Dirty = false
			}
		}
	}
	if n := len(fresh) + len(changed); n > 0 {
		r.logger.Debug("users flushed", zap.Int("new", len(fresh)), zap.Int("updated", len(changed)))
	}
	return nil
}

// TimeNotices queues "Current time: HH:MM:SS" for every unmuted user who
// asked for time updates and has a known private chat.
func (r *Roster) TimeNotices(n Notifier) {
	text := "Current time: " + r.now().In(r.loc).Format(time.TimeOnly)
	r.mu.Lock()
	var chats []string
	for _, e := range r.users {
		u := e.user
		if u.WantsTime && !u.Muted && u.ChatID != "" {
			chats = append(chats, u.ChatID)
		}
	}
	r.mu.Unlock()
	slices.Sort(chats)
	for _, chat := range chats {
		n.Notify(chat, text)
	}
}

// Observe samples the presence of every cached user and appends it to the
// observation log.
func (r *Roster) Observe(ctx context.Context, src platform.PresenceSource) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)

	states, err := src.Presence(ctx, ids)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	observedAt := r.now().UnixMilli()
	obs := make([]store.Observation, 0, len(states))
	for _, s := range states {
		obs = append(obs, store.Observation{
			UserID:      s.UserID,
			Platform:    r.platform,
			Online:      s.Online,
			UsingMobile: s.UsingMobile,
			ObservedAt:  observedAt,
		})
	}
	if err := r.db.AppendObservations(ctx, obs); err != nil {
		return schedule.Fatal(err)
	}
	return nil
}

// Len returns the number of cached users.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
