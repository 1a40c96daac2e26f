// Package listing gives role-scoped access to lots.
//
// Buyers see every available lot, farmers see only their own lots. A Store follows its
// session: nothing is queried until the session is resolved, and every change of user or
// role cancels the previous subscription before a new one is opened.
package listing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/session"
	"agro-market-api-server/internal/store"

	"go.uber.org/zap"
)

// Snapshot is the observable state of a Store. Lots is filled for buyers, UserLots for farmers.
type Snapshot struct {
	Lots     []models.Lot
	UserLots []models.Lot
	Loading  bool
	Err      error
}

type Store struct {
	session *session.Store
	lots    store.LotStore
	log     *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	ctx          context.Context
	snap         Snapshot
	gen          uint64
	scope        string
	unsub        store.Unsubscribe
	stopSession  func()
	closed       bool
	listeners    map[uint64]func(Snapshot)
	nextListener uint64

	// notifyMu keeps deliveries in order. Listeners must not call AddLot or DeleteLot
	// synchronously.
	notifyMu sync.Mutex
}

func NewStore(sess *session.Store, lots store.LotStore, logger *zap.Logger) *Store {
	return &Store{
		session:   sess,
		lots:      lots,
		log:       logger,
		now:       time.Now,
		ctx:       context.Background(),
		snap:      Snapshot{Loading: true},
		listeners: make(map[uint64]func(Snapshot)),
	}
}

// ScopeFor returns the query a user is allowed to watch. ok is false when there is nothing to watch.
func ScopeFor(user *models.User) (q store.LotQuery, ok bool) {
	if user == nil {
		return store.LotQuery{}, false
	}
	switch user.Role {
	case models.RoleBuyer:
		return store.LotQuery{Status: models.LotAvailable}, true
	case models.RoleFarmer:
		return store.LotQuery{FarmerID: user.ID}, true
	default:
		return store.LotQuery{}, false
	}
}

// Query is a one-shot read of the user's scope.
func Query(ctx context.Context, lots store.LotStore, user *models.User) ([]models.Lot, error) {
	q, ok := ScopeFor(user)
	if !ok {
		return []models.Lot{}, nil
	}
	result, err := lots.ListLots(ctx, q)
	if err != nil {
		return nil, apperr.Remote("list lots", err)
	}
	return result, nil
}

// Search filters lots by product type, location or farmer name, case-insensitively.
func Search(lots []models.Lot, term string) []models.Lot {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return lots
	}
	result := []models.Lot{}
	for _, lot := range lots {
		if strings.Contains(strings.ToLower(lot.ProductType), term) ||
			strings.Contains(strings.ToLower(lot.Location), term) ||
			strings.Contains(strings.ToLower(lot.FarmerName), term) {
			result = append(result, lot)
		}
	}
	return result
}

// Start begins following the session. ctx bounds every subscription the store opens.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.stopSession != nil {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.mu.Unlock()

	stop := s.session.Subscribe(s.onSession)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return
	}
	s.stopSession = stop
	s.mu.Unlock()
}

// Close cancels the active subscription and stops following the session.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	stop, unsub := s.stopSession, s.unsub
	s.stopSession, s.unsub = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if unsub != nil {
		unsub()
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySnapshot(s.snap)
}

// OnChange calls fn with every new snapshot.
func (s *Store) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func scopeKey(user *models.User) string {
	if user == nil {
		return "none"
	}
	return string(user.Role) + ":" + user.ID
}

func (s *Store) onSession(state session.State) {
	if !state.Resolved {
		s.rescope("", nil, false, Snapshot{Loading: true})
		return
	}
	if _, ok := ScopeFor(state.User); !ok {
		s.rescope(scopeKey(nil), nil, false, Snapshot{})
		return
	}
	s.rescope(scopeKey(state.User), state.User, true, Snapshot{Loading: true})
}

// rescope cancels the current subscription and, if subscribe is set, opens one for user.
// Calls for the scope already in place are ignored.
func (s *Store) rescope(key string, user *models.User, subscribe bool, initial Snapshot) {
	s.mu.Lock()
	if s.closed || (key != "" && key == s.scope) {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.unsub
	s.unsub = nil
	s.scope = key
	s.snap = initial
	ctx := s.ctx
	s.mu.Unlock()

	if old != nil {
		old()
	}
	s.emit()

	if !subscribe {
		return
	}

	q, _ := ScopeFor(user)
	role := user.Role
	unsub, err := s.lots.SubscribeLots(ctx, q,
		func(lots []models.Lot) { s.apply(gen, role, lots) },
		func(err error) { s.fail(gen, err) },
	)
	if err != nil {
		s.fail(gen, apperr.Remote("subscribe lots", err))
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsub = unsub
	s.mu.Unlock()
	s.log.Debug("Lot subscription opened", zap.String("scope", key))
}

// apply replaces the visible lists with one snapshot. Snapshots from a superseded
// subscription are dropped.
func (s *Store) apply(gen uint64, role models.Role, lots []models.Lot) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if lots == nil {
		lots = []models.Lot{}
	}
	switch role {
	case models.RoleBuyer:
		s.snap.Lots = lots
		s.snap.UserLots = nil
	case models.RoleFarmer:
		s.snap.UserLots = lots
		s.snap.Lots = nil
	}
	s.snap.Loading = false
	s.snap.Err = nil
	s.mu.Unlock()
	s.emit()
}

// fail records a subscription error and keeps the last lists that were fetched.
func (s *Store) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.snap.Loading = false
	s.snap.Err = err
	s.mu.Unlock()
	s.log.Error("Lot subscription failed", zap.Error(err))
	s.emit()
}

func (s *Store) emit() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	snap := copySnapshot(s.snap)
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// AddLot creates an available lot owned by the signed-in farmer.
func (s *Store) AddLot(ctx context.Context, draft models.LotDraft) (models.Lot, error) {
	user := s.session.User()
	if user == nil || user.Role != models.RoleFarmer {
		return models.Lot{}, fmt.Errorf("%w: only farmers can create lots", apperr.ErrAuthorization)
	}

	lot := models.NewLot(draft, *user, s.now())
	created, err := s.lots.AddLot(ctx, lot)
	if err != nil {
		return models.Lot{}, apperr.Remote("add lot", err)
	}
	s.log.Info("Lot created", zap.String("lotID", created.ID), zap.String("farmerID", user.ID))
	return created, nil
}

// DeleteLot removes a lot owned by the signed-in farmer.
func (s *Store) DeleteLot(ctx context.Context, lotID string) error {
	user := s.session.User()
	if user == nil || user.Role != models.RoleFarmer {
		return fmt.Errorf("%w: only farmers can delete lots", apperr.ErrAuthorization)
	}

	lot, err := s.lots.GetLot(ctx, lotID)
	if err != nil {
		return apperr.Remote("get lot", err)
	}
	if lot.FarmerID != user.ID {
		return fmt.Errorf("%w: lot %s belongs to another farmer", apperr.ErrAuthorization, lotID)
	}

	if err := s.lots.DeleteLot(ctx, lotID); err != nil {
		return apperr.Remote("delete lot", err)
	}
	s.log.Info("Lot deleted", zap.String("lotID", lotID), zap.String("farmerID", user.ID))
	return nil
}

func copySnapshot(s Snapshot) Snapshot {
	out := Snapshot{Loading: s.Loading, Err: s.Err}
	if s.Lots != nil {
		out.Lots = append([]models.Lot{}, s.Lots...)
	}
	if s.UserLots != nil {
		out.UserLots = append([]models.Lot{}, s.UserLots...)
	}
	return out
}
