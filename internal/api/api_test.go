package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/adhub/core-service/internal/app"
	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/internal/policy"
	"github.com/adhub/core-service/internal/store"
	"github.com/adhub/core-service/pkg/logging"
)

const (
	testJWTSecret   = "jwt-test-secret"
	testInternalKey = "internal-test-key"
	testBankSecret  = "bank-test-secret"
	testStripeKey   = "whsec_api_test"
)

type apiHarness struct {
	t      *testing.T
	repo   *store.MemoryRepository
	server *httptest.Server
	admin  string
}

func newAPIHarness(t *testing.T, topupsPerMinute int) *apiHarness {
	t.Helper()
	repo := store.NewMemoryRepository()
	logger := logging.NewNopLogger()
	catalog := policy.DefaultCatalog()

	ledger := app.NewWalletLedger(repo, nil, logger)
	bindings := app.NewBindingManager(repo, nil, logger)
	topups := app.NewTopupService(repo, catalog, ledger, nil, logger)
	if topupsPerMinute > 0 {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		topups.WithRateLimiter(app.NewRedisRateLimiter(client, "test"), topupsPerMinute, time.Minute)
	}

	handler := NewHandler(Services{
		Applications:  app.NewApplicationTracker(repo, catalog, bindings, ledger, nil, logger),
		Bindings:      bindings,
		Ledger:        ledger,
		Topups:        topups,
		Reconciler:    app.NewReconciler(repo, ledger, nil, logger),
		Organizations: app.NewOrganizationDirectory(repo, catalog, logger),
		Ping:          repo.Ping,
	}, WebhookSecrets{Bank: testBankSecret, Stripe: testStripeKey}, logger)

	server := httptest.NewServer(NewRouter(handler, RouterConfig{
		Auth:           AuthConfig{Secret: testJWTSecret},
		InternalAPIKey: testInternalKey,
	}))
	t.Cleanup(server.Close)

	h := &apiHarness{t: t, repo: repo, server: server}
	h.admin = h.token(uuid.New(), domain.RoleAdmin)
	return h
}

func (h *apiHarness) token(userID uuid.UUID, role string, orgIDs ...uuid.UUID) string {
	h.t.Helper()
	ids := make([]string, len(orgIDs))
	for i, id := range orgIDs {
		ids[i] = id.String()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:            role,
		OrganizationIDs: ids,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		h.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (h *apiHarness) do(method, path, token string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	h.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		if payload, err = json.Marshal(b); err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	decoded := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (h *apiHarness) seedOrg(planID string) uuid.UUID {
	h.t.Helper()
	orgID := uuid.New()
	resp, body := h.do(http.MethodPut, "/internal/organizations/"+orgID.String(), "",
		domain.UpsertOrganizationRequest{Name: "Acme", PlanID: planID},
		map[string]string{"X-Internal-API-Key": testInternalKey})
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("seed organization: %d %v", resp.StatusCode, body)
	}
	return orgID
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t, 0)

	resp, body := h.do(http.MethodGet, "/health", "", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}

	metrics, err := h.server.Client().Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", metrics.StatusCode)
	}
}

func TestAuthentication(t *testing.T) {
	h := newAPIHarness(t, 0)
	orgID := h.seedOrg("starter")
	member := h.token(uuid.New(), domain.RoleMember, orgID)
	outsider := h.token(uuid.New(), domain.RoleMember, uuid.New())

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		header map[string]string
		want   int
	}{
		{"no token", http.MethodGet, "/organizations/" + orgID.String() + "/wallet", "", nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/organizations/" + orgID.String() + "/wallet", "not-a-jwt", nil, http.StatusUnauthorized},
		{"member", http.MethodGet, "/organizations/" + orgID.String() + "/wallet", member, nil, http.StatusOK},
		{"outsider", http.MethodGet, "/organizations/" + orgID.String() + "/wallet", outsider, nil, http.StatusForbidden},
		{"admin reads any org", http.MethodGet, "/organizations/" + orgID.String() + "/wallet", h.admin, nil, http.StatusOK},
		{"member on admin route", http.MethodGet, "/admin/organizations/" + orgID.String() + "/wallet/verify", member, nil, http.StatusForbidden},
		{"internal without key", http.MethodPut, "/internal/organizations/" + orgID.String(), "", nil, http.StatusUnauthorized},
		{"internal wrong key", http.MethodPut, "/internal/organizations/" + orgID.String(), "", map[string]string{"X-Internal-API-Key": "nope"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.do(tc.method, tc.path, tc.token, nil, tc.header)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d %v", tc.want, resp.StatusCode, body)
			}
		})
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             domain.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
	}).SignedString([]byte("another-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if resp, _ := h.do(http.MethodGet, "/admin/inventory/assets", forged, nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected a token signed with another key to be rejected, got %d", resp.StatusCode)
	}
}

func TestWalletEndpoints(t *testing.T) {
	h := newAPIHarness(t, 0)
	orgID := h.seedOrg("starter")
	base := "/admin/organizations/" + orgID.String() + "/wallet"

	credit := domain.WalletMutationRequest{AmountCents: 5000, IdempotencyKey: "manual-1"}
	resp, body := h.do(http.MethodPost, base+"/credit", h.admin, credit, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("credit: %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(http.MethodPost, base+"/credit", h.admin, credit, nil)
	if resp.StatusCode != http.StatusOK || body["replayed"] != true {
		t.Fatalf("expected replay, got %d %v", resp.StatusCode, body)
	}

	credit.AmountCents = 6000
	resp, body = h.do(http.MethodPost, base+"/credit", h.admin, credit, nil)
	if resp.StatusCode != http.StatusOK || body["replayed"] != true {
		t.Fatalf("expected reused key to replay the recorded credit, got %d %v", resp.StatusCode, body)
	}

	if resp, _ := h.do(http.MethodPost, base+"/reserve", h.admin, domain.HoldRequest{AmountCents: 4000}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve: %d", resp.StatusCode)
	}
	debit := domain.WalletMutationRequest{AmountCents: 2000, Type: domain.TransactionTypeFee}
	if resp, body := h.do(http.MethodPost, base+"/debit", h.admin, debit, nil); resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 against available funds, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(http.MethodGet, base+"/verify", h.admin, nil, nil)
	if resp.StatusCode != http.StatusOK || body["consistent"] != true {
		t.Fatalf("unexpected audit %d %v", resp.StatusCode, body)
	}

	member := h.token(uuid.New(), domain.RoleMember, orgID)
	resp, body = h.do(http.MethodGet, "/organizations/"+orgID.String()+"/wallet", member, nil, nil)
	if resp.StatusCode != http.StatusOK || body["available_cents"] != float64(1000) {
		t.Fatalf("unexpected balance %d %v", resp.StatusCode, body)
	}

	if resp, _ := h.do(http.MethodPost, base+"/credit", h.admin, []byte(`{"amount_cents":"lots"}`), nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
	if resp, _ := h.do(http.MethodPost, base+"/credit", h.admin, domain.WalletMutationRequest{AmountCents: -1, IdempotencyKey: "k"}, nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid amount, got %d", resp.StatusCode)
	}
}

func TestApplicationEndpoints(t *testing.T) {
	h := newAPIHarness(t, 0)
	orgID := h.seedOrg("free")
	member := h.token(uuid.New(), domain.RoleMember, orgID)

	resp, body := h.do(http.MethodPost, "/organizations/"+orgID.String()+"/applications", member, domain.SubmitApplicationRequest{
		RequestType: domain.RequestTypeBusinessManager,
		Payload:     domain.ApplicationPayload{Name: "Acme BM", Timezone: "UTC"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)

	if resp, _ := h.do(http.MethodPost, "/admin/applications/"+id+"/approve", member, nil, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("members must not approve, got %d", resp.StatusCode)
	}
	resp, body = h.do(http.MethodPost, "/admin/applications/"+id+"/approve", h.admin, nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != string(domain.ApplicationStatusProcessing) {
		t.Fatalf("approve: %d %v", resp.StatusCode, body)
	}
	if resp, _ := h.do(http.MethodPost, "/admin/applications/"+id+"/approve", h.admin, nil, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second approve, got %d", resp.StatusCode)
	}

	resp, body = h.do(http.MethodGet, "/organizations/"+orgID.String()+"/applications?status=processing", member, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %v", resp.StatusCode, body)
	}
	if list, _ := body["applications"].([]interface{}); len(list) != 1 {
		t.Fatalf("expected one processing application, got %v", body)
	}

	otherOrg := h.seedOrg("free")
	other := h.token(uuid.New(), domain.RoleMember, otherOrg)
	if resp, _ := h.do(http.MethodGet, "/organizations/"+otherOrg.String()+"/applications/"+id, other, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("applications of another organization must be hidden, got %d", resp.StatusCode)
	}
}

func TestBindingEndpoints(t *testing.T) {
	h := newAPIHarness(t, 0)
	orgID := h.seedOrg("starter")
	if _, err := h.repo.UpsertAssets(context.Background(), []domain.InventoryAsset{
		{Type: domain.AssetTypeBusinessManager, ExternalID: "bm-1", Name: "BM", Metadata: domain.BusinessManagerMetadata{}},
		{Type: domain.AssetTypeAdAccount, ExternalID: "act-1", Name: "Ads", Metadata: domain.AdAccountMetadata{BusinessManagerExternalID: "bm-1"}},
	}, time.Now().UTC()); err != nil {
		t.Fatalf("seed assets: %v", err)
	}
	assets, err := h.repo.ListAssets(context.Background(), store.AssetFilter{})
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	var bmID, adID uuid.UUID
	for _, a := range assets {
		if a.Type == domain.AssetTypeBusinessManager {
			bmID = a.ID
		} else {
			adID = a.ID
		}
	}

	for _, assetID := range []uuid.UUID{bmID, adID} {
		if resp, body := h.do(http.MethodPost, "/admin/bindings", h.admin, app.BindRequest{AssetID: assetID, OrganizationID: orgID}, nil); resp.StatusCode != http.StatusCreated {
			t.Fatalf("bind: %d %v", resp.StatusCode, body)
		}
	}
	if resp, _ := h.do(http.MethodPost, "/admin/bindings", h.admin, app.BindRequest{AssetID: bmID, OrganizationID: h.seedOrg("starter")}, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for an asset bound elsewhere, got %d", resp.StatusCode)
	}

	resp, body := h.do(http.MethodPost, "/admin/bindings/cascade-unbind", h.admin, cascadeUnbindRequest{BusinessManagerID: bmID, OrganizationID: orgID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cascade: %d %v", resp.StatusCode, body)
	}
	if children, _ := body["ad_account_binding_ids"].([]interface{}); len(children) != 1 {
		t.Fatalf("expected the ad account in the plan, got %v", body)
	}

	member := h.token(uuid.New(), domain.RoleMember, orgID)
	resp, body = h.do(http.MethodGet, "/organizations/"+orgID.String()+"/bindings?status=active", member, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list bindings: %d %v", resp.StatusCode, body)
	}
	if list, _ := body["bindings"].([]interface{}); len(list) != 0 {
		t.Fatalf("expected no active bindings after cascade, got %v", list)
	}
}

func TestTopupRateLimit(t *testing.T) {
	h := newAPIHarness(t, 1)
	orgID := h.seedOrg("starter")
	member := h.token(uuid.New(), domain.RoleMember, orgID)
	path := "/organizations/" + orgID.String() + "/topups"
	req := domain.CreateTopupRequest{Channel: domain.TopupChannelCrypto, AmountCents: 1000}

	if resp, body := h.do(http.MethodPost, path, member, req, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first topup: %d %v", resp.StatusCode, body)
	}
	resp, _ := h.do(http.MethodPost, path, member, req, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After header")
	}
}

func TestBankWebhookSettlesTopup(t *testing.T) {
	h := newAPIHarness(t, 0)
	orgID := h.seedOrg("starter")
	member := h.token(uuid.New(), domain.RoleMember, orgID)

	resp, created := h.do(http.MethodPost, "/organizations/"+orgID.String()+"/topups", member,
		domain.CreateTopupRequest{Channel: domain.TopupChannelBankTransfer, AmountCents: 100000}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create topup: %d %v", resp.StatusCode, created)
	}
	reference, _ := created["reference_code"].(string)
	total := int64(created["amount_cents"].(float64) + created["fee_cents"].(float64))

	body, _ := json.Marshal(map[string]interface{}{
		"event_id":     "bank-evt-1",
		"status":       "settled",
		"memo":         "payment for " + strings.ToLower(reference),
		"amount_cents": total,
		"transfer_id":  "tr_42",
	})

	if resp, _ := h.do(http.MethodPost, "/webhooks/bank", "", body, map[string]string{signatureHeader: "deadbeef"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", resp.StatusCode)
	}

	signed := map[string]string{signatureHeader: app.SignHMAC(body, testBankSecret)}
	resp, result := h.do(http.MethodPost, "/webhooks/bank", "", body, signed)
	if resp.StatusCode != http.StatusOK || result["outcome"] != string(domain.ReconcileCompleted) {
		t.Fatalf("settle: %d %v", resp.StatusCode, result)
	}
	resp, result = h.do(http.MethodPost, "/webhooks/bank", "", body, signed)
	if resp.StatusCode != http.StatusOK || result["outcome"] != string(domain.ReconcileDuplicate) {
		t.Fatalf("redelivery: %d %v", resp.StatusCode, result)
	}

	_, wallet := h.do(http.MethodGet, "/organizations/"+orgID.String()+"/wallet", member, nil, nil)
	if wallet["wallet_balance_cents"] != float64(100000) {
		t.Fatalf("expected a single credit of 100000, got %v", wallet)
	}

	unknown, _ := json.Marshal(map[string]interface{}{"event_id": "bank-evt-2", "status": "settled", "reference": "BANK-00000000-00000000-AAAAAA"})
	resp, result = h.do(http.MethodPost, "/webhooks/bank", "", unknown, map[string]string{signatureHeader: app.SignHMAC(unknown, testBankSecret)})
	if resp.StatusCode != http.StatusAccepted || result["status"] != "ignored" {
		t.Fatalf("expected 202 for an unknown reference, got %d %v", resp.StatusCode, result)
	}
}

func TestStripeWebhook(t *testing.T) {
	h := newAPIHarness(t, 0)
	orgID := h.seedOrg("starter")
	member := h.token(uuid.New(), domain.RoleMember, orgID)

	_, created := h.do(http.MethodPost, "/organizations/"+orgID.String()+"/topups", member,
		domain.CreateTopupRequest{Channel: domain.TopupChannelCard, AmountCents: 20000}, nil)
	reference, _ := created["reference_code"].(string)
	total := int64(created["amount_cents"].(float64) + created["fee_cents"].(float64))

	payload, _ := json.Marshal(map[string]interface{}{
		"id":     "evt_api_1",
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":                  "cs_api_1",
			"object":              "checkout.session",
			"client_reference_id": reference,
			"amount_total":        total,
			"payment_status":      "paid",
		}},
	})
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testStripeKey,
		Timestamp: time.Now(),
	})

	if resp, _ := h.do(http.MethodPost, "/webhooks/stripe", "", signed.Payload, map[string]string{"Stripe-Signature": "t=1,v1=bad"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged signature, got %d", resp.StatusCode)
	}
	resp, result := h.do(http.MethodPost, "/webhooks/stripe", "", signed.Payload, map[string]string{"Stripe-Signature": signed.Header})
	if resp.StatusCode != http.StatusOK || result["outcome"] != string(domain.ReconcileCompleted) {
		t.Fatalf("stripe settle: %d %v", resp.StatusCode, result)
	}
}

func TestUnsignedWebhooksRequireOptIn(t *testing.T) {
	h := newAPIHarness(t, 0)
	body := []byte(`{"invoice_id":"inv_1","order_id":"CRPT-00000000-00000000-AAAAAA","status":"finished"}`)

	if resp, _ := h.do(http.MethodPost, "/webhooks/crypto", "", body, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unsigned crypto webhook to be rejected without opt-in, got %d", resp.StatusCode)
	}
}
