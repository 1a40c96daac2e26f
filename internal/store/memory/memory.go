// Package memory is an in-process document store used for tests and for running without MongoDB.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/store"

	"github.com/google/uuid"
)

type subscription struct {
	query      store.LotQuery
	onSnapshot func([]models.Lot)
	active     bool
}

type Store struct {
	mu          sync.RWMutex
	lots        map[string]models.Lot
	order       []string
	profiles    map[string]models.User
	credentials map[string]models.Credential
	emails      map[string]string

	subs    map[uint64]*subscription
	nextSub uint64

	// notifyMu serializes snapshot delivery so a subscriber never sees an older snapshot
	// after a newer one. Listeners must not mutate the store synchronously.
	notifyMu sync.Mutex

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		lots:        make(map[string]models.Lot),
		profiles:    make(map[string]models.User),
		credentials: make(map[string]models.Credential),
		emails:      make(map[string]string),
		subs:        make(map[uint64]*subscription),
		now:         time.Now,
	}
}

// ActiveSubscriptions reports how many lot subscriptions are open.
func (s *Store) ActiveSubscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Store) SubscribeLots(ctx context.Context, q store.LotQuery, onSnapshot func([]models.Lot), onError func(error)) (store.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	sub := &subscription{query: q, onSnapshot: onSnapshot, active: true}
	s.subs[id] = sub
	s.mu.Unlock()

	s.notifyMu.Lock()
	s.mu.RLock()
	snapshot := s.queryLocked(q)
	active := sub.active
	s.mu.RUnlock()
	if active {
		onSnapshot(snapshot)
	}
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			sub.active = false
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) ListLots(ctx context.Context, q store.LotQuery) ([]models.Lot, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Remote("list lots", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(q), nil
}

func (s *Store) GetLot(ctx context.Context, lotID string) (models.Lot, error) {
	if err := ctx.Err(); err != nil {
		return models.Lot{}, apperr.Remote("get lot", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return models.Lot{}, fmt.Errorf("lot %s: %w", lotID, apperr.ErrNotFound)
	}
	return cloneLot(lot), nil
}

func (s *Store) AddLot(ctx context.Context, lot models.Lot) (models.Lot, error) {
	if err := ctx.Err(); err != nil {
		return models.Lot{}, apperr.Remote("add lot", err)
	}
	lot = cloneLot(lot)
	lot.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.lots[lot.ID] = lot
	s.order = append(s.order, lot.ID)
	s.mu.Unlock()

	s.notify(lot)
	return cloneLot(lot), nil
}

func (s *Store) DeleteLot(ctx context.Context, lotID string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Remote("delete lot", err)
	}
	s.mu.Lock()
	lot, ok := s.lots[lotID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("lot %s: %w", lotID, apperr.ErrNotFound)
	}
	delete(s.lots, lotID)
	for i, id := range s.order {
		if id == lotID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify(lot)
	return nil
}

func (s *Store) MarkSold(ctx context.Context, lotIDs []string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Remote("mark lots sold", err)
	}
	if len(lotIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, id := range lotIDs {
		lot, ok := s.lots[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("lot %s: %w", id, apperr.ErrNotFound)
		}
		if lot.Status != models.LotAvailable {
			s.mu.Unlock()
			return fmt.Errorf("lot %s is %s: %w", id, lot.Status, apperr.ErrConflict)
		}
	}
	soldAt := s.now()
	changed := make([]models.Lot, 0, len(lotIDs))
	for _, id := range lotIDs {
		lot := s.lots[id]
		changed = append(changed, lot)
		lot.Status = models.LotSold
		lot.SoldAt = &soldAt
		s.lots[id] = lot
	}
	s.mu.Unlock()

	s.notify(changed...)
	return nil
}

func (s *Store) GetProfile(ctx context.Context, uid string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, apperr.Remote("get profile", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.profiles[uid]
	if !ok {
		return models.User{}, fmt.Errorf("profile %s: %w", uid, apperr.ErrNotFound)
	}
	return user, nil
}

func (s *Store) PutProfile(ctx context.Context, user models.User) error {
	if err := ctx.Err(); err != nil {
		return apperr.Remote("put profile", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[user.ID] = user
	return nil
}

func (s *Store) CreateCredential(ctx context.Context, cred models.Credential) error {
	if err := ctx.Err(); err != nil {
		return apperr.Remote("create credential", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.emails[cred.Email]; taken {
		return fmt.Errorf("email %s: %w", cred.Email, apperr.ErrConflict)
	}
	s.credentials[cred.UID] = cred
	s.emails[cred.Email] = cred.UID
	return nil
}

func (s *Store) FindCredentialByEmail(ctx context.Context, email string) (models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return models.Credential{}, apperr.Remote("find credential", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.emails[email]
	if !ok {
		return models.Credential{}, fmt.Errorf("credential %s: %w", email, apperr.ErrNotFound)
	}
	return s.credentials[uid], nil
}

func (s *Store) DeleteCredential(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Remote("delete credential", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[uid]
	if !ok {
		return fmt.Errorf("credential %s: %w", uid, apperr.ErrNotFound)
	}
	delete(s.credentials, uid)
	delete(s.emails, cred.Email)
	return nil
}

// notify pushes fresh snapshots to every subscription whose query saw one of the changed lots.
// Changed lots are passed with their previous state, so a status flip reaches both sides.
func (s *Store) notify(changed ...models.Lot) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	type delivery struct {
		sub      *subscription
		snapshot []models.Lot
	}
	var deliveries []delivery

	s.mu.RLock()
	for _, sub := range s.subs {
		if !affects(sub.query, changed, s.lots) {
			continue
		}
		deliveries = append(deliveries, delivery{sub: sub, snapshot: s.queryLocked(sub.query)})
	}
	s.mu.RUnlock()

	for _, d := range deliveries {
		s.mu.RLock()
		active := d.sub.active
		s.mu.RUnlock()
		if active {
			d.sub.onSnapshot(d.snapshot)
		}
	}
}

func affects(q store.LotQuery, changed []models.Lot, current map[string]models.Lot) bool {
	for _, lot := range changed {
		if q.Matches(lot) {
			return true
		}
		if now, ok := current[lot.ID]; ok && q.Matches(now) {
			return true
		}
	}
	return false
}

func (s *Store) queryLocked(q store.LotQuery) []models.Lot {
	result := []models.Lot{}
	for _, id := range s.order {
		lot := s.lots[id]
		if q.Matches(lot) {
			result = append(result, cloneLot(lot))
		}
	}
	return result
}

func cloneLot(l models.Lot) models.Lot {
	if l.Certifications != nil {
		certs := make([]models.Certification, len(l.Certifications))
		copy(certs, l.Certifications)
		l.Certifications = certs
	}
	if l.SoldAt != nil {
		soldAt := *l.SoldAt
		l.SoldAt = &soldAt
	}
	return l
}
