// Package presence is the single source of truth for which users currently
// hold a live connection able to receive pushes. Entries are volatile: a
// restart clears all presence, and durable state is recovered from storage
// when agents announce again.
package presence

import (
	"log/slog"
	"sort"
	"sync"

	"atendo/internal/models"

	"github.com/google/uuid"
)

const sendBuffer = 100

type entry struct {
	connID    string
	user      models.User
	announced bool
	seq       int64 // connect order, used for selection tie-breaks
	watching  map[string]bool
	send      chan models.ServerEvent
}

type Registry struct {
	mu      sync.RWMutex
	byUser  map[string]*entry
	nextSeq int64
	log     *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byUser: make(map[string]*entry),
		log:    log,
	}
}

// Connect registers a live connection for user and returns the connection id
// together with the channel the connection loop drains. A reconnect racing
// with a stale entry replaces it: the stale channel is closed, which tears
// down the old connection loop.
func (r *Registry) Connect(user models.User) (string, chan models.ServerEvent) {
	r.mu.Lock()

	if old, ok := r.byUser[user.ID]; ok {
		close(old.send)
	}

	e := &entry{
		connID:   uuid.NewString(),
		user:     user,
		seq:      r.nextSeq,
		watching: make(map[string]bool),
		send:     make(chan models.ServerEvent, sendBuffer),
	}
	r.nextSeq++
	r.byUser[user.ID] = e
	r.mu.Unlock()

	return e.connID, e.send
}

// Announce marks the connection's user as routable and broadcasts the
// updated presence list to all privileged connections. Only privileged roles
// may announce.
func (r *Registry) Announce(connID string) bool {
	r.mu.Lock()
	var announced bool
	for _, e := range r.byUser {
		if e.connID == connID && e.user.Role.Privileged() {
			e.announced = true
			announced = true
			break
		}
	}
	r.mu.Unlock()

	if announced {
		r.BroadcastPresence()
	}
	return announced
}

// RemoveByConnection evicts the entry owning connID and closes its channel.
// Idempotent: removing an already-evicted (or replaced) connection is a
// no-op, so a late disconnect cannot tear down a fresh reconnect.
func (r *Registry) RemoveByConnection(connID string) {
	r.mu.Lock()
	var removed *entry
	for userID, e := range r.byUser {
		if e.connID == connID {
			removed = e
			delete(r.byUser, userID)
			close(e.send)
			break
		}
	}
	r.mu.Unlock()

	if removed != nil && removed.announced {
		r.BroadcastPresence()
	}
}

// Lookup reports whether the user currently has a live connection.
func (r *Registry) Lookup(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Deliver pushes an event to the user's live connection. Returns false when
// the user is offline or their channel is full; the event is dropped either
// way, durable storage remains the source of record.
func (r *Registry) Deliver(userID string, ev models.ServerEvent) bool {
	// The read lock is held across the send so a concurrent Connect or
	// RemoveByConnection cannot close the channel mid-push.
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	if !ok {
		return false
	}
	return r.push(e, ev)
}

// push sends without blocking; callers hold at least the read lock.
func (r *Registry) push(e *entry, ev models.ServerEvent) bool {
	select {
	case e.send <- ev:
		return true
	default:
		r.log.Warn("dropping event for slow connection", "user_id", e.user.ID, "event", ev.Type)
		return false
	}
}

// OnlineAgents returns the announced agents in connect order.
func (r *Registry) OnlineAgents() []models.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.byUser))
	for _, e := range r.byUser {
		if e.announced && e.user.Role == models.RoleAgent {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	agents := make([]models.User, len(entries))
	for i, e := range entries {
		agents[i] = e.user
	}
	return agents
}

// Online returns every announced privileged user, the presence_updated
// payload.
func (r *Registry) Online() []models.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.byUser))
	for _, e := range r.byUser {
		if e.announced {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	users := make([]models.User, len(entries))
	for i, e := range entries {
		users[i] = e.user
	}
	return users
}

// BroadcastSupervisors delivers an event to every announced supervisor and
// admin connection. Delivery failures are best-effort and already logged.
func (r *Registry) BroadcastSupervisors(ev models.ServerEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byUser {
		if e.announced && (e.user.Role == models.RoleSupervisor || e.user.Role == models.RoleAdmin) {
			r.push(e, ev)
		}
	}
}

// BroadcastPresence pushes the current online list to all supervisor-class
// connections watching fleet-wide status.
func (r *Registry) BroadcastPresence() {
	r.BroadcastSupervisors(models.ServerEvent{
		Type:  models.ServerEventPresenceUpdated,
		Users: r.Online(),
	})
}

// Watch subscribes the connection to a conversation's live traffic.
// Supervisor monitoring only; the connection layer enforces the role.
func (r *Registry) Watch(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byUser {
		if e.connID == connID {
			e.watching[conversationID] = true
			return
		}
	}
}

func (r *Registry) Unwatch(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byUser {
		if e.connID == connID {
			delete(e.watching, conversationID)
			return
		}
	}
}

// BroadcastWatchers delivers an event to every connection observing the
// conversation.
func (r *Registry) BroadcastWatchers(conversationID string, ev models.ServerEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byUser {
		if e.watching[conversationID] {
			r.push(e, ev)
		}
	}
}
