package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreatePreference(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/checkout/preferences" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://provider.test/checkout/pref-1"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token", 2*time.Second)
	session, err := client.CreatePreference(context.Background(), Preference{
		Items:             []Item{{Title: "Go in Practice", Quantity: 1, UnitPrice: "12.50"}},
		ExternalReference: "purchase-1",
		SuccessURL:        "https://shop.test/return",
		FailureURL:        "https://shop.test/return",
		PendingURL:        "https://shop.test/return",
	})
	if err != nil {
		t.Fatalf("CreatePreference: %v", err)
	}
	if session.ID != "pref-1" || session.RedirectURL != "https://provider.test/checkout/pref-1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["external_reference"] != "purchase-1" {
		t.Fatalf("external_reference not sent: %+v", gotBody)
	}
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"status":"approved","external_reference":"purchase-1","transaction_amount":12.50}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token", 2*time.Second)
	p, err := client.GetPayment(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if p.ID != "42" || p.Status != StatusApproved || p.ExternalReference != "purchase-1" {
		t.Fatalf("unexpected payment %+v", p)
	}
	if p.AmountCents != 1250 {
		t.Fatalf("expected 1250 cents, got %d", p.AmountCents)
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token", 2*time.Second)
	_, err := client.GetPayment(context.Background(), "42")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClientErrorIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"payment not found"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token", 2*time.Second)
	_, err := client.GetPayment(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		0:     "0.00",
		5:     "0.05",
		1250:  "12.50",
		99999: "999.99",
	}
	for cents, want := range cases {
		if got := FormatAmount(cents); got != want {
			t.Errorf("FormatAmount(%d) = %q, want %q", cents, got, want)
		}
	}
}
