package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithRepo(t, memory.NewSeeded())
}

func newTestAPIWithRepo(t *testing.T, repo store.Repository) *API {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	svc := service.New(repo, nil, m, service.DefaultOptions())
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, m, reg, "*")
}

type apiClient struct {
	t      *testing.T
	api    *API
	token  string
	csrf   string
	outlet string
}

func newClient(t *testing.T, api *API, username string, password string) *apiClient {
	t.Helper()
	return &apiClient{
		t:      t,
		api:    api,
		token:  login(t, api, username, password),
		csrf:   fetchCSRFToken(t, api),
		outlet: memory.SeedOutletID,
	}
}

func (c *apiClient) do(method string, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	c.t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	if c.outlet != "" {
		req.Header.Set("X-Outlet-ID", c.outlet)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res := httptest.NewRecorder()
	c.api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestMetricsEndpointExposesHTTPTraffic(t *testing.T) {
	api := newTestAPI(t)

	api.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `http_requests_total{method="GET",path="/healthz",status="200"}`) {
		t.Fatalf("expected healthz request to be counted, got:\n%s", rec.Body.String())
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	api := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stock", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestSaleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")
	// a cashier bound to one outlet does not need the header
	cashier.outlet = ""

	req := domain.SaleRequest{
		InvoiceNumber: "inv-pos-1",
		Items:         []domain.SaleLine{{ProductID: "prod-mie", Qty: 2}},
	}
	res := cashier.do(http.MethodPost, "/api/v1/sales", req, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var created domain.SaleResponse
	decodeBody(t, res, &created)
	if created.InvoiceNumber != "INV-POS-1" || created.Transaction == nil || created.Transaction.TotalCents != 7000 {
		t.Fatalf("unexpected sale response %+v", created)
	}

	res = cashier.do(http.MethodPost, "/api/v1/sales", req, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for resubmitted sale, got %d", res.Code)
	}
	var repeated domain.SaleResponse
	decodeBody(t, res, &repeated)
	if !repeated.Duplicate || repeated.TransactionID != created.TransactionID {
		t.Fatalf("expected duplicate of %s, got %+v", created.TransactionID, repeated)
	}

	res = cashier.do(http.MethodGet, "/api/v1/stock/prod-mie", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from stock lookup, got %d", res.Code)
	}
	var stock struct {
		Item domain.StockItem `json:"item"`
	}
	decodeBody(t, res, &stock)
	if stock.Item.Quantity != 118 {
		t.Fatalf("expected stock 118 after one sale, got %d", stock.Item.Quantity)
	}

	res = cashier.do(http.MethodGet, "/api/v1/sales/"+created.TransactionID, nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from sale lookup, got %d", res.Code)
	}
}

func TestSaleInsufficientStockReturnsDetails(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		Items: []domain.SaleLine{{ProductID: "prod-mie", Qty: 500}, {ProductID: "prod-telur", Qty: 1}},
	}, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.Code, res.Body.String())
	}
	var body struct {
		Error   string                  `json:"error"`
		Details []domain.StockShortfall `json:"details"`
	}
	decodeBody(t, res, &body)
	if len(body.Details) != 1 || body.Details[0].ProductID != "prod-mie" || body.Details[0].Available != 120 {
		t.Fatalf("expected one shortfall line for prod-mie, got %+v", body.Details)
	}
}

func TestOutletAccessIsEnforced(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")
	cashier.outlet = "branch-2"

	res := cashier.do(http.MethodGet, "/api/v1/stock", nil, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign outlet, got %d", res.Code)
	}

	admin := newClient(t, api, "admin", "admin123")
	admin.outlet = ""
	res = admin.do(http.MethodGet, "/api/v1/stock", nil, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when a multi-outlet admin omits the header, got %d", res.Code)
	}
}

func TestCashierCannotUseAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodPost, "/api/v1/purchase-orders", domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-1",
		Items:      []domain.PurchaseOrderItem{{ProductID: "prod-gula", Qty: 1, CostPriceCents: 100}},
	}, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", res.Code)
	}
}

func TestPurchaseOrderLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/purchase-orders", domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-1",
		Items:      []domain.PurchaseOrderItem{{ProductID: "prod-gula", Qty: 10, CostPriceCents: 15000}},
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var created struct {
		PurchaseOrder domain.PurchaseOrder `json:"purchase_order"`
	}
	decodeBody(t, res, &created)
	id := created.PurchaseOrder.ID

	if res := admin.do(http.MethodPost, "/api/v1/purchase-orders/"+id+"/receive", nil, nil); res.Code != http.StatusConflict {
		t.Fatalf("expected 409 receiving a draft, got %d", res.Code)
	}
	if res := admin.do(http.MethodPost, "/api/v1/purchase-orders/"+id+"/order", nil, nil); res.Code != http.StatusOK {
		t.Fatalf("expected 200 ordering, got %d: %s", res.Code, res.Body.String())
	}
	res = admin.do(http.MethodPost, "/api/v1/purchase-orders/"+id+"/receive", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 receiving, got %d: %s", res.Code, res.Body.String())
	}
	var received domain.PurchaseOrderResponse
	decodeBody(t, res, &received)
	if received.PurchaseOrder.Status != domain.POStatusReceived || len(received.Adjustments) != 1 {
		t.Fatalf("unexpected receive response %+v", received)
	}
	res = admin.do(http.MethodPost, "/api/v1/purchase-orders/"+id+"/receive", nil, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 receiving twice, got %d", res.Code)
	}
	var conflict map[string]string
	decodeBody(t, res, &conflict)
	if conflict["code"] != "already_processed" {
		t.Fatalf("expected already_processed code, got %+v", conflict)
	}
	if res := admin.do(http.MethodPost, "/api/v1/purchase-orders/"+id+"/archive", nil, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", res.Code)
	}
	if res := admin.do(http.MethodGet, "/api/v1/purchase-orders/po-missing", nil, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown purchase order, got %d", res.Code)
	}
}

func TestManualAdjustmentNeedsManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")
	req := domain.ManualAdjustmentRequest{ProductID: "prod-susu", Delta: -4, SourceID: "rusak-1", Note: "kemasan rusak"}

	if res := admin.do(http.MethodPost, "/api/v1/stock/adjustments", req, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without PIN, got %d", res.Code)
	}
	res := admin.do(http.MethodPost, "/api/v1/stock/adjustments", req, map[string]string{"X-Manager-PIN": "123456"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 with PIN, got %d: %s", res.Code, res.Body.String())
	}
	var result domain.AdjustmentResult
	decodeBody(t, res, &result)
	if result.Item.Quantity != 116 {
		t.Fatalf("expected stock 116, got %d", result.Item.Quantity)
	}

	res = admin.do(http.MethodPost, "/api/v1/stock/adjustments", req, map[string]string{"X-Manager-PIN": "123456"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for replayed adjustment, got %d", res.Code)
	}
}

func TestOpnameOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/opname", domain.OpnameCreateRequest{ProductIDs: []string{"prod-roti"}}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var created struct {
		Session domain.OpnameSession `json:"session"`
	}
	decodeBody(t, res, &created)

	counts := domain.OpnameCountRequest{Counts: []domain.OpnameCount{{ItemID: created.Session.Items[0].ID, ActualStock: 110}}}
	if res := admin.do(http.MethodPost, "/api/v1/opname/"+created.Session.ID+"/counts", counts, nil); res.Code != http.StatusOK {
		t.Fatalf("expected 200 recording counts, got %d", res.Code)
	}
	res = admin.do(http.MethodPost, "/api/v1/opname/"+created.Session.ID+"/finalize", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 finalizing, got %d: %s", res.Code, res.Body.String())
	}
	var finalized domain.OpnameFinalizeResponse
	decodeBody(t, res, &finalized)
	if len(finalized.Corrections) != 1 || finalized.Corrections[0].Delta != -10 {
		t.Fatalf("expected one -10 correction, got %+v", finalized.Corrections)
	}
	if res := admin.do(http.MethodPost, "/api/v1/opname/"+created.Session.ID+"/finalize", nil, nil); res.Code != http.StatusConflict {
		t.Fatalf("expected 409 finalizing twice, got %d", res.Code)
	}
}

func TestLoyaltyOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodPost, "/api/v1/sales", domain.SaleRequest{
		CustomerID: "cust-demo",
		Items:      []domain.SaleLine{{ProductID: "prod-gula", Qty: 1}},
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var sale domain.SaleResponse
	decodeBody(t, res, &sale)
	if sale.EarnedPoints <= 0 {
		t.Fatalf("expected points for a member sale, got %d", sale.EarnedPoints)
	}

	res = cashier.do(http.MethodGet, "/api/v1/customers/cust-demo/points", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var points domain.CustomerPointsResponse
	decodeBody(t, res, &points)
	if points.Customer.Points != sale.EarnedPoints || len(points.Transactions) != 1 {
		t.Fatalf("expected balance %d from one entry, got %+v", sale.EarnedPoints, points)
	}

	res = cashier.do(http.MethodPost, "/api/v1/customers/cust-demo/redeem", domain.PointsMutationRequest{Points: sale.EarnedPoints + 1}, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 redeeming beyond balance, got %d", res.Code)
	}
	if res := cashier.do(http.MethodPut, "/api/v1/loyalty/settings", domain.LoyaltySettings{PointsPerAmount: 2, AmountPerPoint: 1000, IsEnabled: true}, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier settings update, got %d", res.Code)
	}
}

// slowStockRepo times out every stock listing.
type slowStockRepo struct {
	*memory.Store
}

func (slowStockRepo) ListStockItems(context.Context, string, []string) ([]domain.StockItem, error) {
	return nil, context.DeadlineExceeded
}

func TestStoreTimeoutReturns503WithRetryAfter(t *testing.T) {
	api := newTestAPIWithRepo(t, slowStockRepo{Store: memory.NewSeeded()})
	cashier := newClient(t, api, "cashier", "cashier123")

	res := cashier.do(http.MethodGet, "/api/v1/stock", nil, nil)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.Code, res.Body.String())
	}
	if got := res.Header().Get("Retry-After"); got == "" {
		t.Fatalf("expected Retry-After header")
	}
	var body map[string]string
	decodeBody(t, res, &body)
	if body["error"] != "internal server error" {
		t.Fatalf("expected generic 5xx body, got %+v", body)
	}
}
