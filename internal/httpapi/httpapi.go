package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	outlets       OutletResolver
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

// New wires the HTTP surface. gatherer may be nil, in which case /metrics is
// not mounted.
func New(svc *service.Service, auth *AuthManager, m *metrics.Metrics, gatherer prometheus.Gatherer, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		outlets:       auth,
		metrics:       m,
		gatherer:      gatherer,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(currentBucket - 3600)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
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
	r.Use(a.withMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))

			r.Get("/stock", a.handleListStock)
			r.Get("/stock/{productID}", a.handleGetStock)
			r.Get("/stock/{productID}/adjustments", a.handleListAdjustments)
			r.Get("/stock/{productID}/reconcile", a.handleReconcileStock)

			r.Post("/sales", a.handleCreateSale)
			r.Get("/sales/{id}", a.handleGetSale)

			r.Post("/customers", a.handleCreateCustomer)
			r.Get("/customers/{id}", a.handleGetCustomer)
			r.Get("/customers/{id}/points", a.handleCustomerPoints)
			r.Post("/customers/{id}/redeem", a.handleRedeemPoints)

			r.Get("/loyalty/settings", a.handleGetLoyaltySettings)
			r.Get("/loyalty/tiers", a.handleListTiers)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("admin"))

			r.Post("/stock/adjustments", a.handleManualAdjustment)
			r.Post("/sales/{id}/void", a.handleVoidSale)

			r.Post("/purchase-orders", a.handleCreatePurchaseOrder)
			r.Get("/purchase-orders", a.handleListPurchaseOrders)
			r.Get("/purchase-orders/{id}", a.handleGetPurchaseOrder)
			r.Post("/purchase-orders/{id}/{action}", a.handlePurchaseOrderAction)

			r.Post("/opname", a.handleCreateOpname)
			r.Get("/opname/{id}", a.handleGetOpname)
			r.Post("/opname/{id}/counts", a.handleOpnameCounts)
			r.Post("/opname/{id}/finalize", a.handleFinalizeOpname)

			r.Post("/customers/{id}/adjust", a.handleAdjustPoints)
			r.Post("/customers/{id}/reconcile", a.handleReconcilePoints)
			r.Put("/loyalty/settings", a.handleUpdateLoyaltySettings)
			r.Post("/loyalty/tiers", a.handleUpsertTier)
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

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// resolveOutlet picks the outlet from X-Outlet-ID, checked against the
// actor's permitted outlets. It writes the error response itself.
func (a *API) resolveOutlet(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, _ := service.ActorFromContext(r.Context())
	outletID, err := a.outlets.ResolveOutlet(actor, r.Header.Get("X-Outlet-ID"))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return "", false
	}
	return outletID, true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token valid for the current hour bucket.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF enforces the X-CSRF-Token header on POST, PUT and PATCH.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleListStock(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	resp, err := a.service.ListStock(r.Context(), outletID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetStock(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	item, err := a.service.GetStock(r.Context(), outletID, chi.URLParam(r, "productID"), r.URL.Query().Get("variant_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	history, err := a.service.ListAdjustments(r.Context(), outletID, chi.URLParam(r, "productID"), r.URL.Query().Get("variant_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adjustments": history})
}

func (a *API) handleReconcileStock(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	resp, err := a.service.ReconcileStock(r.Context(), outletID, chi.URLParam(r, "productID"), r.URL.Query().Get("variant_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleManualAdjustment(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
		writeError(w, http.StatusForbidden, errors.New("manager PIN required for manual stock adjustment"))
		return
	}

	var req domain.ManualAdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OutletID = outletID

	result, err := a.service.AdjustStockManual(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OutletID = outletID

	resp, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	tx, err := a.service.GetTransaction(r.Context(), outletID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var req domain.VoidTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.VoidTransaction(r.Context(), outletID, chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var req domain.PurchaseOrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OutletID = outletID

	po, err := a.service.CreatePurchaseOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase_order": po})
}

func (a *API) handleListPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	resp, err := a.service.ListPurchaseOrders(r.Context(), outletID, r.URL.Query().Get("status"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	po, err := a.service.GetPurchaseOrder(r.Context(), outletID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_order": po})
}

func (a *API) handlePurchaseOrderAction(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	switch chi.URLParam(r, "action") {
	case "order":
		po, err := a.service.MarkPurchaseOrderOrdered(r.Context(), outletID, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchase_order": po})
	case "cancel":
		po, err := a.service.CancelPurchaseOrder(r.Context(), outletID, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchase_order": po})
	case "receive":
		resp, err := a.service.ReceivePurchaseOrder(r.Context(), outletID, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown purchase order action"))
	}
}

func (a *API) handleCreateOpname(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var req domain.OpnameCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OutletID = outletID

	session, err := a.service.CreateOpnameSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleGetOpname(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	session, err := a.service.GetOpnameSession(r.Context(), outletID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleOpnameCounts(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var req domain.OpnameCountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.RecordOpnameCounts(r.Context(), outletID, chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleFinalizeOpname(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	resp, err := a.service.FinalizeOpnameSession(r.Context(), outletID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var req domain.CustomerCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OutletID = outletID

	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	customer, err := a.service.GetCustomer(r.Context(), outletID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleCustomerPoints(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	resp, err := a.service.ListPointTransactions(r.Context(), outletID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRedeemPoints(w http.ResponseWriter, r *http.Request) {
	a.handlePointsMutation(w, r, a.service.RedeemPoints)
}

func (a *API) handleAdjustPoints(w http.ResponseWriter, r *http.Request) {
	a.handlePointsMutation(w, r, a.service.AdjustPoints)
}

type pointsMutation func(ctx context.Context, customerID string, req domain.PointsMutationRequest) (domain.PointsMutationResponse, error)

func (a *API) handlePointsMutation(w http.ResponseWriter, r *http.Request, mutate pointsMutation) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var req domain.PointsMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OutletID = outletID

	resp, err := mutate(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReconcilePoints(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	resp, err := a.service.ReconcileCustomerPoints(r.Context(), outletID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetLoyaltySettings(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	settings, err := a.service.GetLoyaltySettings(r.Context(), outletID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleUpdateLoyaltySettings(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var settings domain.LoyaltySettings
	if err := decodeJSON(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	settings.OutletID = outletID

	updated, err := a.service.UpdateLoyaltySettings(r.Context(), settings)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": updated})
}

func (a *API) handleListTiers(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	tiers, err := a.service.ListMemberTiers(r.Context(), outletID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": tiers})
}

func (a *API) handleUpsertTier(w http.ResponseWriter, r *http.Request) {
	outletID, ok := a.resolveOutlet(w, r)
	if !ok {
		return
	}
	var tier domain.MemberTier
	if err := decodeJSON(r, &tier); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tier.OutletID = outletID

	saved, err := a.service.UpsertMemberTier(r.Context(), tier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tier": saved})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Outlet-ID, X-Manager-PIN")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		// Route patterns keep label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		a.metrics.ObserveHTTP(r.Method, path, rec.status, elapsed)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, elapsed)
	})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var shortage *store.InsufficientStockError
	switch {
	case errors.As(err, &shortage):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   err.Error(),
			"details": shortage.Lines,
		})
	case errors.Is(err, store.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrAlreadyProcessed):
		writeConflict(w, "already_processed", err)
	case errors.Is(err, store.ErrAlreadyFinalized):
		writeConflict(w, "already_finalized", err)
	case errors.Is(err, store.ErrInvalidTransition):
		writeConflict(w, "invalid_transition", err)
	case errors.Is(err, store.ErrInternal):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeConflict(w http.ResponseWriter, code string, err error) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"error": err.Error(),
		"code":  code,
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
