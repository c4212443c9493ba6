package store

import (
	"sync"
	"time"

	"ebookmarket/pkg/domain"
)

// MemoryStore keeps all records in-process. It implements Store and is used
// in tests; insertion order is tracked so listings come back the same way the
// Postgres store returns them.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	email         map[string]string // email -> user ID
	userOrder     []string
	ebooks        map[string]domain.Ebook
	ebookOrder    []string
	purchases     map[string]domain.Purchase
	purchaseOrder []string
	entitlements  map[string]domain.Entitlement // key: userID + "/" + ebookID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]domain.User),
		email:        make(map[string]string),
		ebooks:       make(map[string]domain.Ebook),
		purchases:    make(map[string]domain.Purchase),
		entitlements: make(map[string]domain.Entitlement),
	}
}

// SaveUser registers or replaces a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; !exists {
		m.userOrder = append(m.userOrder, u.ID)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns all users in registration order.
func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.userOrder))
	for _, id := range m.userOrder {
		if u, ok := m.users[id]; ok {
			res = append(res, u)
		}
	}
	return res, nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// SaveEbook stores or replaces a listing.
func (m *MemoryStore) SaveEbook(e domain.Ebook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ebooks[e.ID]; !exists {
		m.ebookOrder = append(m.ebookOrder, e.ID)
	}
	m.ebooks[e.ID] = e
	return nil
}

// ListEbooks returns listings in insertion order.
func (m *MemoryStore) ListEbooks() ([]domain.Ebook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Ebook, 0, len(m.ebookOrder))
	for _, id := range m.ebookOrder {
		if e, ok := m.ebooks[id]; ok {
			res = append(res, e)
		}
	}
	return res, nil
}

// GetEbook retrieves a listing by ID.
func (m *MemoryStore) GetEbook(id string) (domain.Ebook, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ebooks[id]
	return e, ok, nil
}

// SavePurchase stores or replaces a purchase.
func (m *MemoryStore) SavePurchase(p domain.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.purchases[p.ID]; !exists {
		m.purchaseOrder = append(m.purchaseOrder, p.ID)
	}
	m.purchases[p.ID] = p
	return nil
}

// GetPurchase retrieves a purchase by ID.
func (m *MemoryStore) GetPurchase(id string) (domain.Purchase, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchases[id]
	return p, ok, nil
}

// ListPurchasesByBuyer returns purchases of one buyer, newest first.
func (m *MemoryStore) ListPurchasesByBuyer(buyerID string) ([]domain.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Purchase, 0)
	for i := len(m.purchaseOrder) - 1; i >= 0; i-- {
		if p, ok := m.purchases[m.purchaseOrder[i]]; ok && p.BuyerID == buyerID {
			res = append(res, p)
		}
	}
	return res, nil
}

// ListPurchases returns all purchases, newest first.
func (m *MemoryStore) ListPurchases() ([]domain.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Purchase, 0, len(m.purchaseOrder))
	for i := len(m.purchaseOrder) - 1; i >= 0; i-- {
		if p, ok := m.purchases[m.purchaseOrder[i]]; ok {
			res = append(res, p)
		}
	}
	return res, nil
}

// ListStalePurchasesBefore returns created or pending purchases created
// before cutoff.
func (m *MemoryStore) ListStalePurchasesBefore(cutoff time.Time) ([]domain.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Purchase, 0)
	for _, id := range m.purchaseOrder {
		p, ok := m.purchases[id]
		if !ok || p.Status.Terminal() || !p.CreatedAt.Before(cutoff) {
			continue
		}
		res = append(res, p)
	}
	return res, nil
}

// FinishPurchase applies a terminal transition plus entitlement grant under
// one lock, mirroring the transactional Postgres behavior. Cancelled is the
// only transition allowed from created.
func (m *MemoryStore) FinishPurchase(purchaseID string, to domain.PurchaseStatus, ent *domain.Entitlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[purchaseID]
	if !ok {
		return false, nil
	}
	allowed := p.Status == domain.PurchasePending ||
		(to == domain.PurchaseCancelled && p.Status == domain.PurchaseCreated)
	if !allowed {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	m.purchases[purchaseID] = p
	if ent != nil {
		key := ent.UserID + "/" + ent.EbookID
		if _, exists := m.entitlements[key]; !exists {
			m.entitlements[key] = *ent
		}
	}
	return true, nil
}

// HasEntitlement checks whether the user holds an entitlement for a listing.
func (m *MemoryStore) HasEntitlement(userID, ebookID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entitlements[userID+"/"+ebookID]
	return ok, nil
}

// ListEntitlementsByUser returns all entitlements of a user.
func (m *MemoryStore) ListEntitlementsByUser(userID string) ([]domain.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Entitlement, 0)
	for _, e := range m.entitlements {
		if e.UserID == userID {
			res = append(res, e)
		}
	}
	return res, nil
}
