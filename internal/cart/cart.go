// Package cart holds a buyer's pending full-lot purchases.
package cart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/store"

	"go.uber.org/zap"
)

// Store is one buyer's cart. It holds at most one entry per lot.
type Store struct {
	lots store.LotStore

	mu    sync.Mutex
	items []models.Lot

	checkoutMu sync.Mutex
}

func NewStore(lots store.LotStore) *Store {
	return &Store{lots: lots}
}

// Add puts a lot in the cart. It reports false when the lot was already there.
func (s *Store) Add(lot models.Lot) (bool, error) {
	if lot.ID == "" {
		return false, fmt.Errorf("%w: lot id is required", apperr.ErrInvalidInput)
	}
	if lot.Status != models.LotAvailable {
		return false, fmt.Errorf("%w: lot %s is %s", apperr.ErrConflict, lot.ID, lot.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ID == lot.ID {
			return false, nil
		}
	}
	s.items = append(s.items, lot)
	return true, nil
}

// Remove drops a lot from the cart. Unknown ids are ignored.
func (s *Store) Remove(lotID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = without(s.items, map[string]bool{lotID: true})
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

func (s *Store) Items() []models.Lot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Lot{}, s.items...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Total is the sum of pricePerKg × quantity over the cart.
func (s *Store) Total() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, item := range s.items {
		total += item.Total()
	}
	return total
}

// Checkout marks every lot in the cart sold in one atomic update and returns the
// purchased lots. The cart is emptied only after the update succeeds, so a failed
// checkout can be retried. An empty cart performs no update.
func (s *Store) Checkout(ctx context.Context) ([]models.Lot, error) {
	s.checkoutMu.Lock()
	defer s.checkoutMu.Unlock()

	items := s.Items()
	if len(items) == 0 {
		return []models.Lot{}, nil
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := s.lots.MarkSold(ctx, ids); err != nil {
		return nil, apperr.Remote("checkout", err)
	}

	purchased := make(map[string]bool, len(ids))
	for _, id := range ids {
		purchased[id] = true
	}
	s.mu.Lock()
	s.items = without(s.items, purchased)
	s.mu.Unlock()

	for i := range items {
		items[i].Status = models.LotSold
	}
	return items, nil
}

func without(items []models.Lot, drop map[string]bool) []models.Lot {
	kept := items[:0:0]
	for _, item := range items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	return kept
}

// Registry keeps one cart per buyer. Carts are dropped on logout or by Evict once idle,
// since an expired token never logs out.
type Registry struct {
	lots store.LotStore
	now  func() time.Time

	mu    sync.Mutex
	carts map[string]*entry
}

type entry struct {
	cart     *Store
	lastUsed time.Time
}

func NewRegistry(lots store.LotStore) *Registry {
	return &Registry{lots: lots, now: time.Now, carts: make(map[string]*entry)}
}

// For returns the cart of userID, creating it on first use.
func (r *Registry) For(userID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.carts[userID]
	if !ok {
		e = &entry{cart: NewStore(r.lots)}
		r.carts[userID] = e
	}
	e.lastUsed = r.now()
	return e.cart
}

// Drop forgets the cart of userID, used on logout.
func (r *Registry) Drop(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, userID)
}

// Evict drops carts not used for longer than idle and returns how many went.
func (r *Registry) Evict(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-idle)
	n := 0
	for userID, e := range r.carts {
		if e.lastUsed.Before(cutoff) {
			delete(r.carts, userID)
			n++
		}
	}
	return n
}

// Len is the number of carts held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carts)
}

// RunEviction calls Evict every interval until ctx ends.
func (r *Registry) RunEviction(ctx context.Context, interval, idle time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(idle); n > 0 {
				logger.Debug("Evicted idle carts", zap.Int("count", n))
			}
		}
	}
}
