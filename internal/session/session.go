// Package session holds the authenticated identity and role of one client.
//
// A Store starts unresolved. It becomes resolved once Resolve, Login, Register or Logout
// settles whether a user is signed in. Dependent stores subscribe to it and re-scope
// themselves on every change.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/store"

	"go.uber.org/zap"
)

// State is what subscribers observe. User is nil when signed out.
type State struct {
	User     *models.User
	Resolved bool
}

type Store struct {
	provider identity.Provider
	profiles store.ProfileStore
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	user      *models.User
	token     string
	resolved  bool
	listeners map[uint64]func(State)
	nextID    uint64

	// notifyMu keeps listener deliveries in state order.
	notifyMu sync.Mutex
}

func NewStore(provider identity.Provider, profiles store.ProfileStore, logger *zap.Logger) *Store {
	return &Store{
		provider:  provider,
		profiles:  profiles,
		log:       logger,
		now:       time.Now,
		listeners: make(map[uint64]func(State)),
	}
}

func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// User returns a copy of the signed-in user, or nil.
func (s *Store) User() *models.User {
	return s.Current().User
}

func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Subscribe calls fn with the current state right away and again after every change.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	s.notifyMu.Lock()
	s.mu.Lock()
	_, active := s.listeners[id]
	state := s.stateLocked()
	s.mu.Unlock()
	if active {
		fn(state)
	}
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Resolve restores a session from a previously issued token. An empty token resolves to signed out.
// A token whose identity has no profile is signed out, matching how Login treats it.
func (s *Store) Resolve(ctx context.Context, token string) error {
	if token == "" {
		s.set(nil, "")
		return nil
	}

	id, err := s.provider.Verify(ctx, token)
	if err != nil {
		s.set(nil, "")
		return err
	}

	user, err := s.profiles.GetProfile(ctx, id.UID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("Identity has no profile, signing out", zap.String("uid", id.UID))
			if signOutErr := s.provider.SignOut(ctx, token); signOutErr != nil {
				s.log.Warn("Sign out failed", zap.Error(signOutErr))
			}
		}
		s.set(nil, "")
		return apperr.Remote("get profile", err)
	}

	s.set(&user, token)
	return nil
}

// Login verifies credentials and loads the matching profile.
func (s *Store) Login(ctx context.Context, email, password string) (models.User, error) {
	id, token, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.profiles.GetProfile(ctx, id.UID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("Identity has no profile, signing out", zap.String("uid", id.UID))
			if signOutErr := s.provider.SignOut(ctx, token); signOutErr != nil {
				s.log.Warn("Sign out failed", zap.Error(signOutErr))
			}
		}
		s.set(nil, "")
		return models.User{}, apperr.Remote("get profile", err)
	}

	s.set(&user, token)
	s.log.Info("User logged in", zap.String("uid", user.ID), zap.String("role", string(user.Role)))
	return user, nil
}

// Register creates the identity and then its profile. When the profile write fails the
// identity is deleted again so no account is left without a profile.
func (s *Store) Register(ctx context.Context, name, email, password string, role models.Role) (models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.User{}, fmt.Errorf("%w: name is required", apperr.ErrInvalidInput)
	}
	if !role.Valid() {
		return models.User{}, fmt.Errorf("%w: unknown role %q", apperr.ErrInvalidInput, role)
	}

	id, token, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:        id.UID,
		Name:      name,
		Email:     id.Email,
		Role:      role,
		CreatedAt: s.now(),
	}
	if err := s.profiles.PutProfile(ctx, user); err != nil {
		s.log.Error("Profile write failed, rolling back identity", zap.String("uid", id.UID), zap.Error(err))
		if rbErr := s.provider.DeleteAccount(ctx, id.UID); rbErr != nil {
			s.log.Error("CRITICAL: identity rollback failed, account has no profile",
				zap.String("uid", id.UID), zap.Error(rbErr))
		}
		return models.User{}, apperr.Remote("put profile", err)
	}

	s.set(&user, token)
	s.log.Info("User registered", zap.String("uid", user.ID), zap.String("role", string(user.Role)))
	return user, nil
}

// Logout revokes the token and clears the identity. The local state is cleared even if
// revocation fails.
func (s *Store) Logout(ctx context.Context) error {
	token := s.Token()
	s.set(nil, "")
	if token == "" {
		return nil
	}
	return s.provider.SignOut(ctx, token)
}

func (s *Store) set(user *models.User, token string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.user = user
	s.token = token
	s.resolved = true
	state := s.stateLocked()
	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (s *Store) stateLocked() State {
	state := State{Resolved: s.resolved}
	if s.user != nil {
		u := *s.user
		state.User = &u
	}
	return state
}
