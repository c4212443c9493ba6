package store

import (
	"time"

	"ebookmarket/pkg/domain"
)

// Store defines persistence operations for users, listings, purchases and
// entitlements.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UserCount() (int, error)

	// listings
	SaveEbook(domain.Ebook) error
	ListEbooks() ([]domain.Ebook, error)
	GetEbook(id string) (domain.Ebook, bool, error)

	// purchases
	SavePurchase(domain.Purchase) error
	GetPurchase(id string) (domain.Purchase, bool, error)
	ListPurchasesByBuyer(buyerID string) ([]domain.Purchase, error)
	ListPurchases() ([]domain.Purchase, error)
	ListStalePurchasesBefore(cutoff time.Time) ([]domain.Purchase, error)

	// FinishPurchase moves a pending purchase to a terminal status and, when
	// ent is non-nil, grants the entitlement in the same transaction. It
	// returns false when the purchase was not pending anymore, which makes
	// repeated confirmations a no-op.
	FinishPurchase(purchaseID string, to domain.PurchaseStatus, ent *domain.Entitlement) (bool, error)

	// entitlements
	HasEntitlement(userID, ebookID string) (bool, error)
	ListEntitlementsByUser(userID string) ([]domain.Entitlement, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
