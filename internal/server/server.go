// Package server exposes the HTTP API of the marketplace.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ebookmarket/internal/app"
	"ebookmarket/internal/ratelimit"
	"ebookmarket/internal/util"
	"ebookmarket/pkg/auth"
	"ebookmarket/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	RedisAddr     string
	RedisPassword string

	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	CheckoutRateLimitPerMinute int

	// RateLimitDisabled skips limiter construction. Used in tests.
	RateLimitDisabled bool

	TrustedProxies []string
}

// Server exposes HTTP endpoints for the marketplace.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	checkoutLimiter *ratelimit.FixedWindowLimiter
	trustedProxies  *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		trustedProxies: trusted,
	}
	if !cfg.RateLimitDisabled {
		registerLimit := cfg.RegisterRateLimitPerMinute
		if registerLimit <= 0 {
			registerLimit = 5
		}
		loginLimit := cfg.LoginRateLimitPerMinute
		if loginLimit <= 0 {
			loginLimit = 10
		}
		checkoutLimit := cfg.CheckoutRateLimitPerMinute
		if checkoutLimit <= 0 {
			checkoutLimit = 20
		}
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			prefix := "ebookmarket:ratelimit:" + name
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		if s.registerLimiter, err = newLimiter("register", registerLimit); err != nil {
			return nil, err
		}
		if s.loginLimiter, err = newLimiter("login", loginLimit); err != nil {
			return nil, err
		}
		if s.checkoutLimiter, err = newLimiter("checkout", checkoutLimit); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)

	// catalog & checkout
	s.mux.HandleFunc("/api/ebooks", s.handleEbooks)
	s.mux.HandleFunc("/api/ebooks/", s.handleEbookByID)
	s.mux.HandleFunc("/api/checkout/return", s.handleCheckoutReturn)
	s.mux.HandleFunc("/api/webhooks/payment", s.handleWebhook)
	s.mux.Handle("/api/purchases", s.authenticated(s.handlePurchases))

	// admin
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/api/admin/purchases", s.adminOnly(s.handleAdminPurchases))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "admin.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Role != domain.RoleAdmin {
			s.audit(r, "admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "register", "rate_limited")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Register(req.Email, req.Password)
	if err != nil {
		s.audit(r, "register", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		slog.Warn("logout", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleEbooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ebooks, err := s.app.ListListings()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ebooks": ebooks})
	case http.MethodPost:
		s.authenticated(s.handleCreateEbook).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateEbook(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes())
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	priceCents, err := parsePriceCents(r.FormValue("price"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "ebook file required")
		return
	}
	defer file.Close()

	in := app.ListingInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		PriceCents:  priceCents,
		Filename:    header.Filename,
		File:        file,
		FileSize:    header.Size,
	}
	cover, coverHeader, err := r.FormFile("cover")
	switch {
	case err == nil:
		defer cover.Close()
		in.CoverFilename = coverHeader.Filename
		in.Cover = cover
		in.CoverSize = coverHeader.Size
	case errors.Is(err, http.ErrMissingFile):
	default:
		writeError(w, http.StatusBadRequest, "invalid cover upload")
		return
	}

	ebook, err := s.app.CreateListing(user, in)
	if err != nil {
		s.audit(r, "ebook.create", "fail", "user_id", user.ID, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "ebook.create", "success", "user_id", user.ID, "ebook_id", ebook.ID)
	writeJSON(w, http.StatusCreated, ebook)
}

// handleEbookByID routes /api/ebooks/{id} and its /download and /checkout
// subpaths.
func (s *Server) handleEbookByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/ebooks/")
	parts := strings.SplitN(rest, "/", 2)
	id := strings.TrimSpace(parts[0])
	if id == "" {
		writeError(w, http.StatusNotFound, "ebook not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = strings.Trim(parts[1], "/")
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		ebook, err := s.app.GetListing(id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		coverURL, err := s.app.CoverURL(id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			domain.Ebook
			CoverURL string `json:"coverUrl,omitempty"`
		}{Ebook: ebook, CoverURL: coverURL})
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
			s.handleDownload(w, r, user, id)
		}).ServeHTTP(w, r)
	case "checkout":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
			s.handleCheckout(w, r, user, id)
		}).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user domain.User, ebookID string) {
	url, filename, err := s.app.DownloadURL(user, ebookID)
	if err != nil {
		s.audit(r, "ebook.download", "fail", "user_id", user.ID, "ebook_id", ebookID, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "ebook.download", "success", "user_id", user.ID, "ebook_id", ebookID)
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "filename": filename})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, user domain.User, ebookID string) {
	if !s.allowRate(w, r, s.checkoutLimiter, "too many checkout attempts") {
		s.audit(r, "checkout", "rate_limited", "user_id", user.ID)
		return
	}
	purchase, err := s.app.StartCheckout(r.Context(), user, ebookID)
	if err != nil {
		s.audit(r, "checkout", "fail", "user_id", user.ID, "ebook_id", ebookID, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "checkout", "success", "user_id", user.ID, "purchase_id", purchase.ID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"purchase_id":  purchase.ID,
		"redirect_url": purchase.RedirectURL,
		"status":       string(purchase.Status),
	})
}

// handleCheckoutReturn reports the purchase state after the buyer comes back
// from the hosted checkout page. It never mutates state: the webhook is the
// authority on payment outcomes.
//
// The back URL is expected to land on a frontend that holds the buyer's
// session and calls this endpoint with the bearer token; the raw browser
// redirect itself carries no credentials and would get a 401.
func (s *Server) handleCheckoutReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	purchaseID := strings.TrimSpace(r.URL.Query().Get("purchase_id"))
	if purchaseID == "" {
		writeError(w, http.StatusBadRequest, "purchase_id required")
		return
	}
	s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		purchase, err := s.app.GetPurchaseForBuyer(user, purchaseID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"purchase_id": purchase.ID,
			"ebook_id":    purchase.EbookID,
			"status":      string(purchase.Status),
		})
	}).ServeHTTP(w, r)
}

type webhookRequest struct {
	Type string `json:"type"`
	Data struct {
		// Providers send the payment ID as either a string or a number.
		ID any `json:"id"`
	} `json:"data"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req webhookRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, app.ErrWebhookPayloadBroken.Error())
		return
	}
	paymentID := ""
	switch v := req.Data.ID.(type) {
	case string:
		paymentID = strings.TrimSpace(v)
	case json.Number:
		paymentID = v.String()
	}
	if req.Type != "payment" || paymentID == "" {
		// Other notification types are acknowledged and ignored.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := s.app.ConfirmFromProvider(r.Context(), paymentID); err != nil {
		s.audit(r, "webhook.payment", "fail", "payment_id", paymentID, "reason", err.Error())
		// 5xx so the provider retries the notification.
		writeError(w, http.StatusInternalServerError, "confirmation failed")
		return
	}
	s.audit(r, "webhook.payment", "success", "payment_id", paymentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	purchases, err := s.app.ListPurchases(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsers()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleAdminPurchases(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	purchases, err := s.app.ListAllPurchases()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

// parsePriceCents parses a decimal price string ("12.50") into cents.
func parsePriceCents(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("price required")
	}
	whole, frac, found := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 || units > (math.MaxInt64-99)/100 {
		return 0, fmt.Errorf("invalid price %q", raw)
	}
	cents := units * 100
	if found {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, fmt.Errorf("invalid price %q", raw)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid price %q", raw)
		}
		cents += f
	}
	return cents, nil
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
		// Same message for both to avoid account enumeration.
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
	case errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, app.ErrValidationFailed),
		errors.Is(err, app.ErrDisallowedExtension),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrListingNotFound), errors.Is(err, app.ErrPurchaseNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrNotEntitled), errors.Is(err, app.ErrSelfPurchase):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, app.ErrProviderUnavailable.Error())
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
