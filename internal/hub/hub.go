// Package hub tracks the live client sessions of every stake tier and fans
// messages out to them.
package hub

import (
	"sync"

	"github.com/rs/zerolog/log"

	"telegram-bingo/internal/metrics"
)

// Session is one connected client.
type Session interface {
	ID() string
	UserID() int64
	// Send queues msg for delivery. It must not block.
	Send(msg any) error
	Close()
}

// Hub maps each tier to its subscribed sessions.
type Hub struct {
	mu    sync.RWMutex
	tiers map[int64]map[string]Session
	// session id -> tier
	index map[string]int64
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		tiers: make(map[int64]map[string]Session),
		index: make(map[string]int64),
	}
}

// Register subscribes s to tier. A session belongs to a single tier.
func (h *Hub) Register(tier int64, s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.index[s.ID()]; ok {
		if prev == tier {
			return
		}
		h.removeLocked(prev, s.ID())
	}
	set, ok := h.tiers[tier]
	if !ok {
		set = make(map[string]Session)
		h.tiers[tier] = set
	}
	set[s.ID()] = s
	h.index[s.ID()] = tier
	metrics.SessionOpened(tier)
}

// Unregister removes s from its tier. It reports whether s was registered.
func (h *Hub) Unregister(s Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	tier, ok := h.index[s.ID()]
	if !ok {
		return false
	}
	h.removeLocked(tier, s.ID())
	return true
}

func (h *Hub) removeLocked(tier int64, id string) {
	delete(h.index, id)
	if set, ok := h.tiers[tier]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.tiers, tier)
		}
	}
	metrics.SessionClosed(tier)
}

// Broadcast sends msg to every session of tier. Sessions that cannot take
// the message are dropped and closed.
func (h *Hub) Broadcast(tier int64, msg any) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.tiers[tier]))
	for _, s := range h.tiers[tier] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			log.Warn().Err(err).
				Int64("tier", tier).
				Str("session_id", s.ID()).
				Int64("user_id", s.UserID()).
				Msg("Dropping session after failed send")
			h.Unregister(s)
			s.Close()
		}
	}
}

// Count returns the number of sessions subscribed to tier.
func (h *Hub) Count(tier int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tiers[tier])
}

// UserSessions counts the sessions userID holds on tier.
func (h *Hub) UserSessions(tier, userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, s := range h.tiers[tier] {
		if s.UserID() == userID {
			n++
		}
	}
	return n
}
