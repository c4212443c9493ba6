package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ebookmarket/internal/app"
	"ebookmarket/pkg/payment"
	"ebookmarket/pkg/storage"
	"ebookmarket/pkg/store"
)

// fakeProvider answers checkout preference and payment lookups in-process.
type fakeProvider struct {
	preferences map[string]payment.Preference
	payments    map[string]payment.Payment
	nextPref    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		preferences: make(map[string]payment.Preference),
		payments:    make(map[string]payment.Payment),
	}
}

func (f *fakeProvider) CreatePreference(_ context.Context, pref payment.Preference) (payment.CheckoutSession, error) {
	f.nextPref++
	id := fmt.Sprintf("pref-%d", f.nextPref)
	f.preferences[id] = pref
	return payment.CheckoutSession{ID: id, RedirectURL: "https://provider.test/checkout/" + id}, nil
}

func (f *fakeProvider) GetPayment(_ context.Context, paymentID string) (payment.Payment, error) {
	p, ok := f.payments[paymentID]
	if !ok {
		return payment.Payment{}, &payment.APIError{StatusCode: 404, Body: "not found"}
	}
	return p, nil
}

type testServer struct {
	srv      *httptest.Server
	provider *fakeProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	provider := newFakeProvider()
	appCore, err := app.New(app.Config{
		Store:              store.NewMemoryStore(),
		Sessions:           store.NewMemorySessionStore(),
		Objects:            storage.NewMemoryObjectStore(),
		Provider:           provider,
		PublicBaseURL:      "https://shop.test",
		AllowSelfPurchase:  true,
		PendingPurchaseTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: appCore, RateLimitDisabled: true})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	httpSrv := httptest.NewServer(s.Router())
	t.Cleanup(httpSrv.Close)
	return &testServer{srv: httpSrv, provider: provider}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func (ts *testServer) register(t *testing.T, email string) string {
	t.Helper()
	body := strings.NewReader(fmt.Sprintf(`{"email":%q,"password":"password123"}`, email))
	resp, payload := ts.do(t, http.MethodPost, "/api/auth/register", "", body, "application/json")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d (%v)", email, resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("register %s: no token in response", email)
	}
	return token
}

func (ts *testServer) upload(t *testing.T, token, title, price, filename string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", title)
	_ = mw.WriteField("description", "a fine ebook")
	_ = mw.WriteField("price", price)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte("%PDF-1.4 content"))
	_ = mw.Close()

	resp, payload := ts.do(t, http.MethodPost, "/api/ebooks", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: status %d (%v)", resp.StatusCode, payload)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("upload: no id in response %v", payload)
	}
	return id
}

func TestRegisterLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "user@example.com")

	body := strings.NewReader(`{"email":"user@example.com","password":"password123"}`)
	resp, payload := ts.do(t, http.MethodPost, "/api/auth/login", "", body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("login response missing token")
	}

	// Logout invalidates the session.
	resp, _ = ts.do(t, http.MethodPost, "/api/auth/logout", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/purchases", token, nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("request after logout: expected 401, got %d", resp.StatusCode)
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	ts := newTestServer(t)
	body := strings.NewReader(`{"email":"user@example.com","password":"short"}`)
	resp, _ := ts.do(t, http.MethodPost, "/api/auth/register", "", body, "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDuplicateEmailConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dup@example.com")
	body := strings.NewReader(`{"email":"dup@example.com","password":"password123"}`)
	resp, _ := ts.do(t, http.MethodPost, "/api/auth/register", "", body, "application/json")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestUploadAndBrowseCatalog(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "seller@example.com")
	id := ts.upload(t, token, "Practical Go", "19.99", "practical-go.pdf")

	// Listing is public.
	resp, payload := ts.do(t, http.MethodGet, "/api/ebooks", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	ebooks, _ := payload["ebooks"].([]any)
	if len(ebooks) != 1 {
		t.Fatalf("expected 1 ebook, got %d", len(ebooks))
	}

	resp, payload = ts.do(t, http.MethodGet, "/api/ebooks/"+id, "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail: status %d", resp.StatusCode)
	}
	if payload["title"] != "Practical Go" {
		t.Fatalf("unexpected detail %v", payload)
	}
	if _, leaked := payload["storage_key"]; leaked {
		t.Fatal("storage key must not be exposed")
	}

	// Upload requires authentication.
	resp, _ = ts.do(t, http.MethodPost, "/api/ebooks", "", strings.NewReader(""), "multipart/form-data")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous upload: expected 401, got %d", resp.StatusCode)
	}
}

func TestUploadRejectsBadPriceAndExtension(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "seller@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "Bad Price")
	_ = mw.WriteField("price", "12.505")
	fw, _ := mw.CreateFormFile("file", "book.pdf")
	_, _ = fw.Write([]byte("data"))
	_ = mw.Close()
	resp, _ := ts.do(t, http.MethodPost, "/api/ebooks", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad price: expected 400, got %d", resp.StatusCode)
	}

	buf.Reset()
	mw = multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "Bad File")
	_ = mw.WriteField("price", "5.00")
	fw, _ = mw.CreateFormFile("file", "malware.exe")
	_, _ = fw.Write([]byte("data"))
	_ = mw.Close()
	resp, _ = ts.do(t, http.MethodPost, "/api/ebooks", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad extension: expected 400, got %d", resp.StatusCode)
	}
}

func TestParsePriceCents(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "12.50", want: 1250},
		{raw: "12.5", want: 1250},
		{raw: "0", want: 0},
		{raw: ".99", want: 99},
		{raw: "12.505", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "12.", wantErr: true},
		// Whole parts near the int64 ceiling must not wrap to a bogus
		// positive cents value.
		{raw: "92233720368547758.07", wantErr: true},
		{raw: "9223372036854775807", wantErr: true},
		{raw: "99999999999999999999", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parsePriceCents(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %d", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestCheckoutWebhookDownloadFlow(t *testing.T) {
	ts := newTestServer(t)
	sellerToken := ts.register(t, "seller@example.com")
	buyerToken := ts.register(t, "buyer@example.com")
	ebookID := ts.upload(t, sellerToken, "Paid Content", "12.50", "paid.pdf")

	// Download before purchase is forbidden.
	resp, _ := ts.do(t, http.MethodGet, "/api/ebooks/"+ebookID+"/download", buyerToken, nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("download before purchase: expected 403, got %d", resp.StatusCode)
	}

	// Start checkout.
	resp, payload := ts.do(t, http.MethodPost, "/api/ebooks/"+ebookID+"/checkout", buyerToken, nil, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("checkout: status %d (%v)", resp.StatusCode, payload)
	}
	purchaseID, _ := payload["purchase_id"].(string)
	redirectURL, _ := payload["redirect_url"].(string)
	if purchaseID == "" || !strings.HasPrefix(redirectURL, "https://provider.test/") {
		t.Fatalf("unexpected checkout response %v", payload)
	}

	// Return page shows pending before the webhook lands.
	resp, payload = ts.do(t, http.MethodGet, "/api/checkout/return?purchase_id="+purchaseID, buyerToken, nil, "")
	if resp.StatusCode != http.StatusOK || payload["status"] != "pending" {
		t.Fatalf("return before webhook: status %d payload %v", resp.StatusCode, payload)
	}

	// Provider approves and notifies.
	ts.provider.payments["pay-77"] = payment.Payment{
		ID:                "pay-77",
		Status:            payment.StatusApproved,
		ExternalReference: purchaseID,
		AmountCents:       1250,
	}
	webhook := strings.NewReader(`{"type":"payment","data":{"id":"pay-77"}}`)
	resp, _ = ts.do(t, http.MethodPost, "/api/webhooks/payment", "", webhook, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook: status %d", resp.StatusCode)
	}

	// Now the buyer is entitled.
	resp, payload = ts.do(t, http.MethodGet, "/api/ebooks/"+ebookID+"/download", buyerToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download after payment: status %d (%v)", resp.StatusCode, payload)
	}
	if payload["url"] == "" || payload["filename"] != "paid.pdf" {
		t.Fatalf("unexpected download payload %v", payload)
	}

	// Purchase history shows the paid purchase.
	resp, payload = ts.do(t, http.MethodGet, "/api/purchases", buyerToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purchases: status %d", resp.StatusCode)
	}
	purchases, _ := payload["purchases"].([]any)
	if len(purchases) != 1 {
		t.Fatalf("expected 1 purchase, got %d", len(purchases))
	}
	first, _ := purchases[0].(map[string]any)
	if first["status"] != "paid" {
		t.Fatalf("expected paid purchase, got %v", first)
	}
}

func TestWebhookIgnoresOtherNotificationTypes(t *testing.T) {
	ts := newTestServer(t)
	body := strings.NewReader(`{"type":"merchant_order","data":{"id":"9"}}`)
	resp, payload := ts.do(t, http.MethodPost, "/api/webhooks/payment", "", body, "application/json")
	if resp.StatusCode != http.StatusOK || payload["status"] != "ignored" {
		t.Fatalf("expected ignored ack, got status %d payload %v", resp.StatusCode, payload)
	}
}

func TestWebhookRejectsBrokenPayload(t *testing.T) {
	ts := newTestServer(t)
	body := strings.NewReader(`{"type":"payment","data":`)
	resp, payload := ts.do(t, http.MethodPost, "/api/webhooks/payment", "", body, "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for broken payload, got %d", resp.StatusCode)
	}
	if payload["error"] != app.ErrWebhookPayloadBroken.Error() {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestWebhookUnknownPaymentRetries(t *testing.T) {
	ts := newTestServer(t)
	body := strings.NewReader(`{"type":"payment","data":{"id":"ghost"}}`)
	resp, _ := ts.do(t, http.MethodPost, "/api/webhooks/payment", "", body, "application/json")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 so provider retries, got %d", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	adminToken := ts.register(t, "admin@example.com") // first user is admin
	userToken := ts.register(t, "user@example.com")

	resp, payload := ts.do(t, http.MethodGet, "/api/admin/users", adminToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin users: status %d", resp.StatusCode)
	}
	users, _ := payload["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	first, _ := users[0].(map[string]any)
	if _, leaked := first["password_hash"]; leaked {
		t.Fatal("password hash must not be exposed")
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/admin/users", userToken, nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/admin/purchases", adminToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin purchases: status %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, payload := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz: status %d payload %v", resp.StatusCode, payload)
	}
}
