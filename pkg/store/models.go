package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type EbookModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	Title            string `gorm:"not null"`
	Description      string `gorm:"type:text;not null"`
	PriceCents       int64  `gorm:"not null"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string `gorm:"not null"`
	CoverKey         string
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type PurchaseModel struct {
	ID          string `gorm:"primaryKey"`
	EbookID     string `gorm:"not null;index"`
	BuyerID     string `gorm:"not null;index"`
	AmountCents int64  `gorm:"not null"`
	// Snapshot holds the listing fields exactly as sent to the payment
	// provider when the purchase was created.
	Snapshot    datatypes.JSON `gorm:"type:jsonb"`
	Status      string         `gorm:"not null;index"`
	ProviderRef string         `gorm:"index"`
	RedirectURL string
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type EntitlementModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;uniqueIndex:idx_entitlements_user_ebook"`
	EbookID    string    `gorm:"not null;uniqueIndex:idx_entitlements_user_ebook"`
	PurchaseID string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}
