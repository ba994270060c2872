package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/metrics"
	"gpos/backend/internal/oauthproxy"
	"gpos/backend/internal/service"
	"gpos/backend/internal/store"
)

const (
	maxJSONBytes = 1 << 20
	maxCSVBytes  = 8 << 20
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       *metrics.Metrics
	allowedOrigin string
	loginLimiter  *clientLimiter
	otpLimiter    *clientLimiter
	verifyLimiter *clientLimiter
}

func New(svc *service.Service, auth *AuthManager, m *metrics.Metrics, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		metrics:       m,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newClientLimiter(5, time.Minute),
		otpLimiter:    newClientLimiter(5, 10*time.Minute),
		verifyLimiter: newClientLimiter(10, 10*time.Minute),
	}
}

// clientLimiter keeps one token bucket per client address. A bucket holds
// max attempts and refills one attempt every window/max.
type clientLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	window   time.Duration
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(max int, window time.Duration) *clientLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &clientLimiter{
		every:    rate.Every(window / time.Duration(max)),
		burst:    max,
		window:   window,
		limiters: make(map[string]*limiterEntry),
	}
}

func (l *clientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		l.prune(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// prune drops buckets idle for longer than a full refill.
func (l *clientLimiter) prune(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.window {
			delete(l.limiters, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	r.Use(a.observe)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.rateLimit(a.loginLimiter, "too many login attempts"))
			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/token", a.handleToken)
			r.Post("/auth/refresh", a.handleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))

			r.Post("/invoices", a.handleCreateInvoice)
			r.Post("/invoices/credit-notes", a.handleCreateCreditNote)
			r.Get("/invoices/{id}", a.handleGetInvoice)

			r.Get("/items", a.handleItems)
			r.Get("/promotions", a.handlePromotions)
			r.Get("/customers", a.handleListCustomers)
			r.Post("/customers", a.handleCreateCustomer)
			r.Get("/pos-profiles", a.handlePOSProfileUsers)
			r.Post("/sync-logs", a.handleSyncLog)

			r.With(a.rateLimit(a.otpLimiter, "too many otp requests")).Post("/otp/send", a.handleSendOTP)
			r.With(a.rateLimit(a.verifyLimiter, "too many otp attempts")).Post("/otp/verify", a.handleVerifyOTP)

			r.Post("/loyalty/accrue", a.handleLoyaltyAccrue)
			r.Post("/loyalty/returns", a.handleLoyaltyReturn)
			r.Get("/loyalty/balance/{mobile}", a.handleLoyaltyBalance)

			r.Post("/shifts/open", a.handleShiftOpen)
			r.Post("/shifts/close", a.handleShiftClose)
			r.Get("/shifts/{id}/status", a.handleShiftStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("admin"))

			r.Post("/invoices/import", a.handleImportInvoices)
			r.Post("/loyalty/expire", a.handleLoyaltyExpire)
			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func (a *API) rateLimit(limiter *clientLimiter, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				writeError(w, http.StatusTooManyRequests, errors.New(message))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs each request and records its latency under the matched route
// pattern, so path parameters do not explode label cardinality.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(startedAt)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		a.metrics.ObserveRequest(r.Method, route, status, elapsed)

		zlog.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("http request")
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := a.service.IssueToken(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, token)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := a.service.RefreshToken(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, token)
}

func (a *API) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req domain.InvoiceCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateInvoice(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (a *API) handleCreateCreditNote(w http.ResponseWriter, r *http.Request) {
	var req domain.CreditNoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateCreditNote(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, invoice)
}

func (a *API) handleImportInvoices(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCSVBytes)

	resp, err := a.service.ImportInvoicesCSV(r.Context(), r.Body)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (a *API) handleItems(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	groups, err := a.service.ListItems(r.Context(), query.Get("item_group"), query.Get("updated_since"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, groups)
}

func (a *API) handlePromotions(w http.ResponseWriter, r *http.Request) {
	promotions, err := a.service.ListPromotions(r.Context(), r.URL.Query().Get("pos_profile"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, promotions)
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	customers, err := a.service.ListCustomers(r.Context(), query.Get("id"), query.Get("pos_profile"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, customers)
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusCreated, customer)
}

func (a *API) handlePOSProfileUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := a.service.ListPOSProfileUsers(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, profiles)
}

func (a *API) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	var req domain.SyncLogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.CreateSyncLog(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, entry)
}

func (a *API) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req domain.OTPSendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.SendOTP(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (a *API) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req domain.OTPVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.VerifyOTP(r.Context(), req); err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"verified": true})
}

func (a *API) handleLoyaltyAccrue(w http.ResponseWriter, r *http.Request) {
	var req domain.LoyaltyAccrueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.AccrueLoyalty(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (a *API) handleLoyaltyReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.LoyaltyReturnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.ReturnLoyalty(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (a *API) handleLoyaltyBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := a.service.LoyaltyBalance(r.Context(), chi.URLParam(r, "mobile"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, balance)
}

func (a *API) handleLoyaltyExpire(w http.ResponseWriter, r *http.Request) {
	var req domain.LoyaltyExpireRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	resp, err := a.service.ExpireLoyalty(r.Context(), req.AsOf)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opening, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, opening)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftCloseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	closing, err := a.service.CloseShift(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, closing)
}

func (a *API) handleShiftStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.ShiftStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, a.auth.ListCashiers(r.Context()))
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusCreated, cashier)
}

// decodeJSON caps the body whatever Content-Type the client declares.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	return nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, oauthproxy.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides 5xx details from the client. The duplicate guard's cache
// failure keeps its own message because terminals retry on it.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		zlog.Error().Err(err).Int("status", status).Msg("http: request failed")
		switch {
		case errors.Is(err, service.ErrCacheUnavailable):
			msg = service.ErrCacheUnavailable.Error()
		case errors.Is(err, oauthproxy.ErrNotConfigured):
			msg = "token service unavailable"
		default:
			msg = "internal server error"
		}
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeData(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, map[string]any{"data": payload})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
