// Package identity is the credential-verifying identity provider behind the session store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/auth"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const minPasswordLength = 6

// Identity is a verified account. UID is stable and keys the profile record.
type Identity struct {
	UID   string
	Email string
}

type Provider interface {
	SignUp(ctx context.Context, email, password string) (Identity, string, error)
	SignIn(ctx context.Context, email, password string) (Identity, string, error)
	Verify(ctx context.Context, token string) (Identity, error)
	SignOut(ctx context.Context, token string) error
	DeleteAccount(ctx context.Context, uid string) error
}

// PasswordProvider verifies email/password credentials and issues signed tokens.
type PasswordProvider struct {
	credentials store.CredentialStore
	tokens      *auth.TokenManager
	cost        int
	log         *zap.Logger

	mu      sync.Mutex
	revoked map[string]time.Time // token id -> expiry
	now     func() time.Time
}

var _ Provider = (*PasswordProvider)(nil)

type Option func(*PasswordProvider)

// WithHashCost overrides the bcrypt cost, tests use bcrypt.MinCost.
func WithHashCost(cost int) Option {
	return func(p *PasswordProvider) { p.cost = cost }
}

func NewPasswordProvider(credentials store.CredentialStore, tokens *auth.TokenManager, logger *zap.Logger, opts ...Option) *PasswordProvider {
	p := &PasswordProvider{
		credentials: credentials,
		tokens:      tokens,
		cost:        auth.DefaultCost,
		log:         logger,
		revoked:     make(map[string]time.Time),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *PasswordProvider) SignUp(ctx context.Context, email, password string) (Identity, string, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, "", fmt.Errorf("%w: invalid email", apperr.ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return Identity{}, "", fmt.Errorf("%w: password must be at least %d characters", apperr.ErrInvalidInput, minPasswordLength)
	}

	hash, err := auth.HashPasswordWithCost(password, p.cost)
	if err != nil {
		return Identity{}, "", fmt.Errorf("failed to hash password: %w", err)
	}
	cred := models.Credential{
		UID:          uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    p.now(),
	}
	if err := p.credentials.CreateCredential(ctx, cred); err != nil {
		return Identity{}, "", apperr.Remote("create credential", err)
	}

	id := Identity{UID: cred.UID, Email: cred.Email}
	token, err := p.issue(id)
	if err != nil {
		return Identity{}, "", err
	}
	p.log.Info("Identity created", zap.String("uid", id.UID))
	return id, token, nil
}

func (p *PasswordProvider) SignIn(ctx context.Context, email, password string) (Identity, string, error) {
	cred, err := p.credentials.FindCredentialByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Identity{}, "", fmt.Errorf("%w: invalid email or password", apperr.ErrAuthentication)
		}
		return Identity{}, "", apperr.Remote("find credential", err)
	}
	if !auth.CheckPasswordHash(password, cred.PasswordHash) {
		return Identity{}, "", fmt.Errorf("%w: invalid email or password", apperr.ErrAuthentication)
	}

	id := Identity{UID: cred.UID, Email: cred.Email}
	token, err := p.issue(id)
	if err != nil {
		return Identity{}, "", err
	}
	return id, token, nil
}

func (p *PasswordProvider) Verify(ctx context.Context, token string) (Identity, error) {
	claims, err := p.tokens.ParseJWT(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", apperr.ErrAuthentication, err)
	}
	if p.isRevoked(claims.ID) {
		return Identity{}, fmt.Errorf("%w: token revoked", apperr.ErrAuthentication)
	}
	return Identity{UID: claims.UID, Email: claims.Email}, nil
}

// SignOut revokes the token until it would have expired anyway.
func (p *PasswordProvider) SignOut(ctx context.Context, token string) error {
	claims, err := p.tokens.ParseJWT(token)
	if err != nil {
		// An invalid or expired token is already signed out.
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for id, exp := range p.revoked {
		if now.After(exp) {
			delete(p.revoked, id)
		}
	}
	if claims.ExpiresAt != nil {
		p.revoked[claims.ID] = claims.ExpiresAt.Time
	}
	return nil
}

// DeleteAccount removes the credential, used to undo a half-finished registration.
func (p *PasswordProvider) DeleteAccount(ctx context.Context, uid string) error {
	if err := p.credentials.DeleteCredential(ctx, uid); err != nil {
		return apperr.Remote("delete credential", err)
	}
	p.log.Warn("Identity deleted", zap.String("uid", uid))
	return nil
}

func (p *PasswordProvider) issue(id Identity) (string, error) {
	token, _, err := p.tokens.GenerateJWT(id.UID, id.Email)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (p *PasswordProvider) isRevoked(tokenID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.revoked[tokenID]
	return ok
}
