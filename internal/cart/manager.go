package cart

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	cart     *Cart
	lastUsed time.Time
}

// Manager hands out one Cart per owner key, loading it from the persister on
// first use.
type Manager struct {
	mu        sync.Mutex
	carts     map[string]*entry
	persister Persister
	logger    zerolog.Logger
	now       func() time.Time
}

func NewManager(persister Persister, logger zerolog.Logger) *Manager {
	return &Manager{
		carts:     make(map[string]*entry),
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
}

// Cart returns the owner's cart. If loading fails the caller gets an empty
// cart that is not retained, so the next request tries the persister again.
func (m *Manager) Cart(ctx context.Context, owner string) *Cart {
	m.mu.Lock()
	if e, ok := m.carts[owner]; ok {
		e.lastUsed = m.now()
		m.mu.Unlock()
		return e.cart
	}
	m.mu.Unlock()

	items, err := m.persister.Load(ctx, owner)
	if err != nil {
		m.logger.Error().Err(err).Str("owner", owner).Msg("Cart load failed")
		return New(owner, nil, m.persister, m.logger)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// another request may have loaded it meanwhile
	if e, ok := m.carts[owner]; ok {
		e.lastUsed = m.now()
		return e.cart
	}
	c := New(owner, items, m.persister, m.logger)
	m.carts[owner] = &entry{cart: c, lastUsed: m.now()}
	return c
}

// Prune drops carts idle for longer than idle from memory. Their persisted
// state is untouched and is reloaded on next use.
func (m *Manager) Prune(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idle)
	pruned := 0
	for owner, e := range m.carts {
		if e.lastUsed.Before(cutoff) {
			delete(m.carts, owner)
			pruned++
		}
	}
	return pruned
}
