package http

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aegis-gate/aegisgate/internal/adapter/outbound/connectors"
	"github.com/aegis-gate/aegisgate/internal/adapter/outbound/memory"
	"github.com/aegis-gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/aegis-gate/aegisgate/internal/domain/audit"
	"github.com/aegis-gate/aegisgate/internal/domain/auth"
	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
	"github.com/aegis-gate/aegisgate/internal/domain/policy"
	"github.com/aegis-gate/aegisgate/internal/domain/signing"
	"github.com/aegis-gate/aegisgate/internal/domain/token"
	"github.com/aegis-gate/aegisgate/internal/service"
)

const (
	agentKey    = "agent-key-1"
	operatorKey = "operator-key-1"
	viewerKey   = "viewer-key-1"
)

const manifestBody = `{
	"policy": {
		"allowed_tools": ["send_email", "pay_invoice"],
		"amount_caps": {"max_amount": 10000, "escalate_above": 1000},
		"budgets": {"daily_cap": 50}
	},
	"tools": {
		"send_email": {"type": "mock"},
		"pay_invoice": {"type": "mock"}
	}
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serverFixture struct {
	ts *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	manifests := sqlite.NewManifestStore(db)
	if err := manifests.Create(ctx, "org-1", "notifier", 1, manifest.StatusPending, []byte(manifestBody)); err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	if err := manifests.Activate(ctx, "org-1", "notifier", 1); err != nil {
		t.Fatalf("activate manifest: %v", err)
	}

	authStore := sqlite.NewAuthStore(db)
	seedIdentity(t, authStore, "agent-1-id", "org-1", "agent-1", auth.RoleAgent, agentKey)
	seedIdentity(t, authStore, "op-1-id", "org-1", "", auth.RoleOperator, operatorKey)
	seedIdentity(t, authStore, "view-1-id", "org-1", "", auth.RoleViewer, viewerKey)

	km, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	codec := token.NewCodec(km)
	approvalStore := sqlite.NewApprovalStore(db)

	engine := policy.NewEngine(policy.Config{
		Codec:     codec,
		Approvals: approvalStore,
		Budget:    sqlite.NewCounterStore(db),
		Logger:    testLogger(),
	})
	recordStore := sqlite.NewAuditStore(db)
	gateway := service.NewGatewayService(service.GatewayConfig{
		Manifests: manifests,
		Engine:    engine,
		Approvals: approvalStore,
		Budget:    sqlite.NewCounterStore(db),
		Appender:  audit.NewAppender(recordStore, km),
		Invoker:   connectors.New(connectors.Config{Logger: testLogger()}),
		Logger:    testLogger(),
	})

	srv := NewServer(Config{
		Gateway:   gateway,
		Approvals: service.NewApprovalService(approvalStore, codec, testLogger()),
		Audit:     service.NewAuditService(recordStore, km, testLogger()),
		Auth:      auth.NewService(authStore),
		Limiter:   memory.NewRateLimiter(testLogger()),
		DB:        db,
		Logger:    testLogger(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts}
}

func seedIdentity(t *testing.T, store *sqlite.AuthStore, id, orgID, agentID string, role auth.Role, rawKey string) {
	t.Helper()
	ctx := context.Background()
	err := store.PutIdentity(ctx, &auth.Identity{
		ID: id, Name: id, OrgID: orgID, AgentID: agentID, Roles: []auth.Role{role},
	})
	if err != nil {
		t.Fatalf("seed identity %s: %v", id, err)
	}
	if err := store.PutKey(ctx, &auth.Key{Hash: auth.HashKey(rawKey), IdentityID: id}); err != nil {
		t.Fatalf("seed key for %s: %v", id, err)
	}
}

func (f *serverFixture) do(t *testing.T, method, path, apiKey string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var parsed map[string]any
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			t.Fatalf("parse response %q: %v", raw, err)
		}
	} else {
		parsed = map[string]any{"_raw": string(raw)}
	}
	return resp, parsed
}

func executeBody(tool string, amount float64) map[string]any {
	act := map[string]any{"type": "email", "tool": tool}
	if amount > 0 {
		act["amount"] = amount
		act["currency"] = "USD"
	}
	return map[string]any{"uapk_id": "notifier", "action": act}
}

func TestAuthRequired(t *testing.T) {
	fx := newServerFixture(t)

	resp, body := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", "", executeBody("send_email", 0))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(body); code != "UNAUTHENTICATED" {
		t.Errorf("error code = %q", code)
	}

	resp, _ = fx.do(t, http.MethodPost, "/api/v1/gateway/execute", "wrong-key", executeBody("send_email", 0))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key status = %d, want 401", resp.StatusCode)
	}
}

func TestRoleEnforcement(t *testing.T) {
	fx := newServerFixture(t)

	t.Run("viewer cannot execute", func(t *testing.T) {
		resp, _ := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", viewerKey, executeBody("send_email", 0))
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("agent cannot list approvals", func(t *testing.T) {
		resp, _ := fx.do(t, http.MethodGet, "/api/v1/orgs/org-1/approvals", agentKey, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("cross-org access denied", func(t *testing.T) {
		resp, _ := fx.do(t, http.MethodGet, "/api/v1/orgs/org-2/approvals", operatorKey, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})
}

func TestExecute_AllowOverHTTP(t *testing.T) {
	fx := newServerFixture(t)

	resp, body := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", agentKey, executeBody("send_email", 0))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if body["decision"] != "ALLOW" || body["executed"] != true {
		t.Errorf("body = %v", body)
	}
	if id, _ := body["interaction_id"].(string); id == "" {
		t.Error("no interaction_id in response")
	}
	if pv, _ := body["policy_version"].(string); pv == "" {
		t.Error("no policy_version in response")
	}
	if ts, _ := body["timestamp"].(string); ts == "" {
		t.Error("no timestamp in response")
	}
}

func TestExecute_ValidationError(t *testing.T) {
	fx := newServerFixture(t)

	resp, body := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", agentKey,
		map[string]any{"uapk_id": "notifier"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(body); code != "MALFORMED_REQUEST" {
		t.Errorf("error code = %q", code)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	fx := newServerFixture(t)

	// Large amount escalates.
	resp, body := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", agentKey, executeBody("pay_invoice", 5000))
	if resp.StatusCode != http.StatusOK || body["decision"] != "ESCALATE" {
		t.Fatalf("escalation: status %d body %v", resp.StatusCode, body)
	}
	approvalID, _ := body["approval_id"].(string)
	if approvalID == "" {
		t.Fatal("no approval_id in escalation response")
	}

	// Operator sees it pending.
	resp, body = fx.do(t, http.MethodGet, "/api/v1/orgs/org-1/approvals?status=PENDING", operatorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list approvals: %d", resp.StatusCode)
	}
	if items, _ := body["approvals"].([]any); len(items) != 1 {
		t.Fatalf("pending approvals = %v", body["approvals"])
	}

	// Approve mints the override token.
	resp, body = fx.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/orgs/org-1/approvals/%s/approve", approvalID), operatorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d body %v", resp.StatusCode, body)
	}
	overrideToken, _ := body["override_token"].(string)
	if overrideToken == "" {
		t.Fatal("no override token returned")
	}

	// Replay the action with the token.
	exec := executeBody("pay_invoice", 5000)
	exec["override_token"] = overrideToken
	resp, body = fx.do(t, http.MethodPost, "/api/v1/gateway/execute", agentKey, exec)
	if resp.StatusCode != http.StatusOK || body["decision"] != "ALLOW" {
		t.Fatalf("override execute: status %d body %v", resp.StatusCode, body)
	}

	t.Run("second decision conflicts", func(t *testing.T) {
		resp, _ := fx.do(t, http.MethodPost,
			fmt.Sprintf("/api/v1/orgs/org-1/approvals/%s/deny", approvalID), operatorKey, nil)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("token replay is denied", func(t *testing.T) {
		resp, body := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", agentKey, exec)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["decision"] != "DENY" {
			t.Errorf("replay decision = %v", body["decision"])
		}
	})

	t.Run("unknown approval is 404", func(t *testing.T) {
		resp, _ := fx.do(t, http.MethodPost,
			"/api/v1/orgs/org-1/approvals/apr_nope/approve", operatorKey, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestRecordsAndVerification(t *testing.T) {
	fx := newServerFixture(t)

	for i := 0; i < 3; i++ {
		resp, _ := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", agentKey, executeBody("send_email", 0))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("execute %d: %d", i, resp.StatusCode)
		}
	}

	t.Run("list records", func(t *testing.T) {
		resp, body := fx.do(t, http.MethodGet,
			"/api/v1/orgs/org-1/interaction-records?uapk_id=notifier", viewerKey, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if records, _ := body["records"].([]any); len(records) != 3 {
			t.Errorf("records = %d, want 3", len(records))
		}
	})

	t.Run("verify chain", func(t *testing.T) {
		resp, body := fx.do(t, http.MethodGet,
			"/api/v1/orgs/org-1/logs/verify-chain?uapk_id=notifier", viewerKey, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		chains, _ := body["chains"].(map[string]any)
		report, _ := chains["notifier"].(map[string]any)
		if report["chain_valid"] != true {
			t.Errorf("report = %v", report)
		}
	})

	t.Run("export bundle", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost,
			fx.ts.URL+"/api/v1/orgs/org-1/audit/export",
			strings.NewReader(`{"uapk_id":"notifier"}`))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+viewerKey)
		resp, err := fx.ts.Client().Do(req)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/gzip" {
			t.Errorf("content type = %q", ct)
		}
		if _, err := gzip.NewReader(resp.Body); err != nil {
			t.Errorf("bundle is not gzip: %v", err)
		}
	})
}

func TestLoginRateLimit(t *testing.T) {
	fx := newServerFixture(t)

	var last int
	for i := 0; i < 12; i++ {
		resp, _ := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", "bad-key", executeBody("send_email", 0))
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("12th bad-key attempt = %d, want 429", last)
	}
}

func TestBodyCap(t *testing.T) {
	fx := newServerFixture(t)

	big := executeBody("send_email", 0)
	big["context"] = map[string]any{"blob": strings.Repeat("x", 2<<20)}
	resp, body := fx.do(t, http.MethodPost, "/api/v1/gateway/execute", agentKey, big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if code := errorCode(body); code != "PAYLOAD_TOO_LARGE" {
		t.Errorf("error code = %q", code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	fx := newServerFixture(t)

	resp, _ := fx.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	resp, body := fx.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Errorf("readyz = %d %v", resp.StatusCode, body)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	fx := newServerFixture(t)

	req, err := http.NewRequest(http.MethodGet, fx.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := fx.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}
