package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"ebookmarket/pkg/domain"
)

const migrateLockID int64 = 48120731

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so that concurrently starting replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &EbookModel{}, &PurchaseModel{}, &EntitlementModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "role", "status", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveEbook stores or updates a listing.
func (s *GormStore) SaveEbook(e domain.Ebook) error {
	model := ebookToModel(e)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "title", "description", "price_cents", "original_filename", "storage_key", "cover_key", "updated_at"}),
	}).Create(&model).Error
}

// ListEbooks returns all listings in insertion order (created_at ASC).
func (s *GormStore) ListEbooks() ([]domain.Ebook, error) {
	var models []EbookModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Ebook, 0, len(models))
	for _, m := range models {
		res = append(res, ebookFromModel(m))
	}
	return res, nil
}

// GetEbook retrieves a listing.
func (s *GormStore) GetEbook(id string) (domain.Ebook, bool, error) {
	var model EbookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Ebook{}, false, nil
		}
		return domain.Ebook{}, false, err
	}
	return ebookFromModel(model), true, nil
}

// SavePurchase stores or updates a purchase record.
func (s *GormStore) SavePurchase(p domain.Purchase) error {
	model := purchaseToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "provider_ref", "redirect_url", "updated_at"}),
	}).Create(&model).Error
}

// GetPurchase retrieves a purchase by ID.
func (s *GormStore) GetPurchase(id string) (domain.Purchase, bool, error) {
	var model PurchaseModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Purchase{}, false, nil
		}
		return domain.Purchase{}, false, err
	}
	return purchaseFromModel(model), true, nil
}

// ListPurchasesByBuyer returns purchases of one buyer, newest first.
func (s *GormStore) ListPurchasesByBuyer(buyerID string) ([]domain.Purchase, error) {
	return s.listPurchases("created_at DESC", "buyer_id = ?", buyerID)
}

// ListPurchases returns all purchases, newest first.
func (s *GormStore) ListPurchases() ([]domain.Purchase, error) {
	return s.listPurchases("created_at DESC")
}

// ListStalePurchasesBefore returns non-terminal purchases created before
// cutoff. Both created and pending count: a created row means the provider
// call never completed.
func (s *GormStore) ListStalePurchasesBefore(cutoff time.Time) ([]domain.Purchase, error) {
	return s.listPurchases("created_at ASC", "status IN ? AND created_at < ?",
		[]string{string(domain.PurchaseCreated), string(domain.PurchasePending)}, cutoff.UTC())
}

func (s *GormStore) listPurchases(order string, conds ...any) ([]domain.Purchase, error) {
	var models []PurchaseModel
	tx := s.db.Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Purchase, 0, len(models))
	for _, m := range models {
		res = append(res, purchaseFromModel(m))
	}
	return res, nil
}

// FinishPurchase applies a terminal transition and optionally grants the
// entitlement atomically. The conditional update makes repeated payment
// confirmations idempotent without cross-request locks. Paid and failed
// require a pending purchase; cancelled also sweeps up created ones whose
// provider call never completed.
func (s *GormStore) FinishPurchase(purchaseID string, to domain.PurchaseStatus, ent *domain.Entitlement) (bool, error) {
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PurchaseModel{}).
			Where("id = ? AND status IN ?", purchaseID, finishableFrom(to)).
			Updates(map[string]any{
				"status":     string(to),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		if ent != nil {
			model := entitlementToModel(*ent)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return applied, err
}

func finishableFrom(to domain.PurchaseStatus) []string {
	if to == domain.PurchaseCancelled {
		return []string{string(domain.PurchaseCreated), string(domain.PurchasePending)}
	}
	return []string{string(domain.PurchasePending)}
}

// HasEntitlement checks whether the user holds an entitlement for a listing.
func (s *GormStore) HasEntitlement(userID, ebookID string) (bool, error) {
	var count int64
	if err := s.db.Model(&EntitlementModel{}).
		Where("user_id = ? AND ebook_id = ?", userID, ebookID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListEntitlementsByUser returns all entitlements of a user.
func (s *GormStore) ListEntitlementsByUser(userID string) ([]domain.Entitlement, error) {
	var models []EntitlementModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Entitlement, 0, len(models))
	for _, m := range models {
		res = append(res, entitlementFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func ebookToModel(e domain.Ebook) EbookModel {
	return EbookModel{
		ID:               e.ID,
		OwnerID:          e.OwnerID,
		Title:            e.Title,
		Description:      e.Description,
		PriceCents:       e.PriceCents,
		OriginalFilename: e.OriginalFilename,
		StorageKey:       e.StorageKey,
		CoverKey:         e.CoverKey,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func ebookFromModel(m EbookModel) domain.Ebook {
	return domain.Ebook{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Title:            m.Title,
		Description:      m.Description,
		PriceCents:       m.PriceCents,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		CoverKey:         m.CoverKey,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

type purchaseSnapshot struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	AmountCents int64  `json:"amountCents"`
}

func purchaseToModel(p domain.Purchase) PurchaseModel {
	raw, _ := json.Marshal(purchaseSnapshot{
		Title:       p.Title,
		Description: p.Description,
		AmountCents: p.AmountCents,
	})
	return PurchaseModel{
		ID:          p.ID,
		EbookID:     p.EbookID,
		BuyerID:     p.BuyerID,
		AmountCents: p.AmountCents,
		Snapshot:    raw,
		Status:      string(p.Status),
		ProviderRef: p.ProviderRef,
		RedirectURL: p.RedirectURL,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func purchaseFromModel(m PurchaseModel) domain.Purchase {
	var snap purchaseSnapshot
	if len(m.Snapshot) > 0 {
		_ = json.Unmarshal(m.Snapshot, &snap)
	}
	return domain.Purchase{
		ID:          m.ID,
		EbookID:     m.EbookID,
		BuyerID:     m.BuyerID,
		Title:       snap.Title,
		Description: snap.Description,
		AmountCents: m.AmountCents,
		Status:      domain.PurchaseStatus(m.Status),
		ProviderRef: m.ProviderRef,
		RedirectURL: m.RedirectURL,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func entitlementToModel(e domain.Entitlement) EntitlementModel {
	return EntitlementModel{
		ID:         e.ID,
		UserID:     e.UserID,
		EbookID:    e.EbookID,
		PurchaseID: e.PurchaseID,
		CreatedAt:  e.CreatedAt,
	}
}

func entitlementFromModel(m EntitlementModel) domain.Entitlement {
	return domain.Entitlement{
		ID:         m.ID,
		UserID:     m.UserID,
		EbookID:    m.EbookID,
		PurchaseID: m.PurchaseID,
		CreatedAt:  m.CreatedAt,
	}
}
