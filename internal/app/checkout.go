package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ebookmarket/internal/util"
	"ebookmarket/pkg/domain"
	"ebookmarket/pkg/mq"
	"ebookmarket/pkg/payment"
)

// StartCheckout creates a purchase for the listing and registers a checkout
// preference with the provider. On provider failure the purchase is recorded
// as failed so no dangling intent remains.
func (a *App) StartCheckout(ctx context.Context, buyer domain.User, ebookID string) (domain.Purchase, error) {
	ebook, err := a.GetListing(ebookID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if !a.allowSelfPurchase && buyer.ID == ebook.OwnerID {
		return domain.Purchase{}, ErrSelfPurchase
	}

	now := time.Now().UTC()
	purchase := domain.Purchase{
		ID:          util.NewID(),
		EbookID:     ebook.ID,
		BuyerID:     buyer.ID,
		Title:       ebook.Title,
		Description: ebook.Description,
		AmountCents: ebook.PriceCents,
		Status:      domain.PurchaseCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SavePurchase(purchase); err != nil {
		return domain.Purchase{}, fmt.Errorf("save purchase: %w", err)
	}

	returnURL := a.publicBaseURL + "/api/checkout/return?purchase_id=" + purchase.ID
	pref := payment.Preference{
		Items: []payment.Item{{
			Title:     purchase.Title,
			Quantity:  1,
			UnitPrice: payment.FormatAmount(purchase.AmountCents),
		}},
		ExternalReference: purchase.ID,
		CurrencyID:        a.currency,
		SuccessURL:        returnURL,
		FailureURL:        returnURL,
		PendingURL:        returnURL,
		NotificationURL:   a.publicBaseURL + "/api/webhooks/payment",
	}

	callCtx, cancel := context.WithTimeout(ctx, a.paymentTimeout)
	defer cancel()
	session, err := a.provider.CreatePreference(callCtx, pref)
	if err != nil {
		purchase.Status = domain.PurchaseFailed
		purchase.UpdatedAt = time.Now().UTC()
		if saveErr := a.store.SavePurchase(purchase); saveErr != nil {
			slog.Error("mark purchase failed", "purchase_id", purchase.ID, "error", saveErr)
		}
		slog.Warn("checkout preference failed", "purchase_id", purchase.ID, "error", err)
		return domain.Purchase{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	purchase.Status = domain.PurchasePending
	purchase.ProviderRef = session.ID
	purchase.RedirectURL = session.RedirectURL
	purchase.UpdatedAt = time.Now().UTC()
	if err := a.store.SavePurchase(purchase); err != nil {
		return domain.Purchase{}, fmt.Errorf("save purchase: %w", err)
	}
	return purchase, nil
}

// ConfirmFromProvider resolves a webhook notification. The payment is
// re-fetched from the provider before anything is trusted: the webhook body
// only carries the payment ID.
func (a *App) ConfirmFromProvider(ctx context.Context, paymentID string) error {
	callCtx, cancel := context.WithTimeout(ctx, a.paymentTimeout)
	defer cancel()
	pay, err := a.provider.GetPayment(callCtx, paymentID)
	if err != nil {
		return fmt.Errorf("verify payment %s: %w", paymentID, err)
	}

	purchase, ok, err := a.store.GetPurchase(pay.ExternalReference)
	if err != nil {
		return fmt.Errorf("fetch purchase: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: reference %q", ErrPurchaseNotFound, pay.ExternalReference)
	}
	if purchase.Status.Terminal() {
		// Repeat notification for a settled purchase.
		return nil
	}
	if pay.Status == payment.StatusPending {
		return nil
	}
	if pay.Status == payment.StatusApproved && pay.AmountCents != purchase.AmountCents {
		slog.Error("payment amount mismatch",
			"purchase_id", purchase.ID,
			"expected_cents", purchase.AmountCents,
			"got_cents", pay.AmountCents,
		)
		return fmt.Errorf("payment %s amount mismatch for purchase %s", pay.ID, purchase.ID)
	}

	switch pay.Status {
	case payment.StatusApproved:
		return a.settlePurchase(ctx, purchase, domain.PurchasePaid)
	case payment.StatusCancelled:
		return a.settlePurchase(ctx, purchase, domain.PurchaseCancelled)
	default:
		return a.settlePurchase(ctx, purchase, domain.PurchaseFailed)
	}
}

func (a *App) settlePurchase(ctx context.Context, purchase domain.Purchase, to domain.PurchaseStatus) error {
	var ent *domain.Entitlement
	if to == domain.PurchasePaid {
		ent = &domain.Entitlement{
			ID:         util.NewID(),
			UserID:     purchase.BuyerID,
			EbookID:    purchase.EbookID,
			PurchaseID: purchase.ID,
			CreatedAt:  time.Now().UTC(),
		}
	}
	applied, err := a.store.FinishPurchase(purchase.ID, to, ent)
	if err != nil {
		return fmt.Errorf("finish purchase: %w", err)
	}
	if !applied {
		// Lost the race against another confirmation.
		return nil
	}
	slog.Info("purchase settled", "purchase_id", purchase.ID, "status", string(to))
	a.publishPurchaseEvent(ctx, purchase, to)
	return nil
}

func (a *App) publishPurchaseEvent(ctx context.Context, purchase domain.Purchase, to domain.PurchaseStatus) {
	if a.publisher == nil {
		return
	}
	var key string
	switch to {
	case domain.PurchasePaid:
		key = mq.KeyPurchasePaid
	case domain.PurchaseCancelled:
		key = mq.KeyPurchaseCancelled
	default:
		key = mq.KeyPurchaseFailed
	}
	event := map[string]any{
		"purchase_id":  purchase.ID,
		"ebook_id":     purchase.EbookID,
		"buyer_id":     purchase.BuyerID,
		"amount_cents": purchase.AmountCents,
		"status":       string(to),
	}
	if err := a.publisher.PublishJSON(ctx, key, event); err != nil {
		slog.Warn("publish purchase event", "purchase_id", purchase.ID, "error", err)
	}
}

// GetPurchaseForBuyer returns a purchase visible to the given user.
func (a *App) GetPurchaseForBuyer(user domain.User, purchaseID string) (domain.Purchase, error) {
	purchase, ok, err := a.store.GetPurchase(purchaseID)
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("fetch purchase: %w", err)
	}
	if !ok {
		return domain.Purchase{}, ErrPurchaseNotFound
	}
	if purchase.BuyerID != user.ID && user.Role != domain.RoleAdmin {
		return domain.Purchase{}, ErrPurchaseNotFound
	}
	return purchase, nil
}

// ListPurchases returns the user's purchase history, newest first.
func (a *App) ListPurchases(user domain.User) ([]domain.Purchase, error) {
	return a.store.ListPurchasesByBuyer(user.ID)
}

// ListAllPurchases returns every purchase. Admin only at the HTTP layer.
func (a *App) ListAllPurchases() ([]domain.Purchase, error) {
	return a.store.ListPurchases()
}
