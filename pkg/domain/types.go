package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// PurchaseStatus tracks a purchase through the payment state machine.
type PurchaseStatus string

const (
	PurchaseCreated   PurchaseStatus = "created"
	PurchasePending   PurchaseStatus = "pending"
	PurchasePaid      PurchaseStatus = "paid"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s PurchaseStatus) Terminal() bool {
	switch s {
	case PurchasePaid, PurchaseFailed, PurchaseCancelled:
		return true
	}
	return false
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Ebook is a single listing offered for sale.
type Ebook struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	PriceCents       int64     `json:"priceCents"`
	OriginalFilename string    `json:"originalFilename"`
	StorageKey       string    `json:"-"`
	CoverKey         string    `json:"-"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Purchase records one attempted purchase of a listing. Title, Description
// and AmountCents are snapshotted from the listing when the purchase is
// created and never re-read afterwards.
type Purchase struct {
	ID          string         `json:"id"`
	EbookID     string         `json:"ebookId"`
	BuyerID     string         `json:"buyerId"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	AmountCents int64          `json:"amountCents"`
	Status      PurchaseStatus `json:"status"`
	ProviderRef string         `json:"-"`
	RedirectURL string         `json:"-"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Entitlement is the durable record that a user may download a listing's file.
type Entitlement struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	EbookID    string    `json:"ebookId"`
	PurchaseID string    `json:"purchaseId"`
	CreatedAt  time.Time `json:"createdAt"`
}
