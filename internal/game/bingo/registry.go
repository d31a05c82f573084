package bingo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Registry manages the rooms of every stake tier.
// It provides a thread-safe way to register and look up rooms by tier.
type Registry struct {
	rooms map[int64]*Room
	mu    sync.RWMutex
}

// NewRegistry creates a new room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[int64]*Room),
	}
}

// Register adds a room to the registry. A tier has exactly one room.
func (r *Registry) Register(room *Room) error {
	if room == nil {
		return fmt.Errorf("cannot register nil room")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room.Tier()]; ok {
		return fmt.Errorf("room for tier %d already registered", room.Tier())
	}
	r.rooms[room.Tier()] = room
	return nil
}

// Get retrieves the room of a tier.
// Returns the room and true if found, nil and false otherwise.
func (r *Registry) Get(tier int64) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[tier]
	return room, ok
}

// Tiers returns all registered tiers in ascending order.
func (r *Registry) Tiers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make([]int64, 0, len(r.rooms))
	for tier := range r.rooms {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// Count returns the number of registered rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Run runs every room until ctx is cancelled. Tiers are independent: a room
// that fails is logged and the others keep playing. The failures are
// returned once all rooms have stopped.
func (r *Registry) Run(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, tier := range r.Tiers() {
		room, _ := r.Get(tier)
		g.Go(func() error {
			if err := room.Run(ctx); err != nil {
				log.Error().Err(err).Int64("tier", tier).Msg("Room stopped with error")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
