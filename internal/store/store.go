// Package store declares the persistence ports implemented by the memory and MongoDB backends.
package store

import (
	"context"

	"agro-market-api-server/internal/models"
)

// LotQuery selects lots. An empty FarmerID spans all farmers, an empty Status matches any status.
type LotQuery struct {
	FarmerID string
	Status   models.LotStatus
}

func (q LotQuery) Matches(l models.Lot) bool {
	if q.FarmerID != "" && l.FarmerID != q.FarmerID {
		return false
	}
	if q.Status != "" && l.Status != q.Status {
		return false
	}
	return true
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// LotStore persists lots and pushes query snapshots.
//
// Each snapshot passed to onSnapshot is the full current result of the query.
// onError reports failures of an established subscription.
type LotStore interface {
	SubscribeLots(ctx context.Context, q LotQuery, onSnapshot func([]models.Lot), onError func(error)) (Unsubscribe, error)
	ListLots(ctx context.Context, q LotQuery) ([]models.Lot, error)
	GetLot(ctx context.Context, lotID string) (models.Lot, error)
	AddLot(ctx context.Context, lot models.Lot) (models.Lot, error)
	DeleteLot(ctx context.Context, lotID string) error
	// MarkSold flips every lot to sold in one atomic update. If any lot is missing
	// (ErrNotFound) or not available (ErrConflict) nothing is changed.
	MarkSold(ctx context.Context, lotIDs []string) error
}

type ProfileStore interface {
	GetProfile(ctx context.Context, uid string) (models.User, error)
	PutProfile(ctx context.Context, user models.User) error
}

type CredentialStore interface {
	CreateCredential(ctx context.Context, cred models.Credential) error
	FindCredentialByEmail(ctx context.Context, email string) (models.Credential, error)
	DeleteCredential(ctx context.Context, uid string) error
}

// Store is the full document database.
type Store interface {
	LotStore
	ProfileStore
	CredentialStore
}
