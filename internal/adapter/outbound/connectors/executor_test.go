package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/connector"
	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

// seqResolver replays a fixed sequence of answers, repeating the last
// one. Lets tests simulate DNS rebinding between validate and dispatch.
type seqResolver struct {
	answers [][]net.IP
	calls   int
}

func (r *seqResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	i := r.calls
	if i >= len(r.answers) {
		i = len(r.answers) - 1
	}
	r.calls++
	return r.answers[i], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serverExecutor wires an Executor at a local httptest server reachable
// as "api.test".
func serverExecutor(t *testing.T, handler http.HandlerFunc) (*Executor, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	ip := net.ParseIP(u.Hostname())
	exec := New(Config{
		Resolver:             &seqResolver{answers: [][]net.IP{{ip}}},
		GlobalAllowedDomains: []string{"api.test"},
		AllowPrivateNetworks: true,
		Logger:               testLogger(),
	})
	return exec, "http://api.test:" + u.Port()
}

func TestInvoke_Mock(t *testing.T) {
	exec := New(Config{Logger: testLogger()})

	t.Run("default payload", func(t *testing.T) {
		res := exec.Invoke(context.Background(), "org-1", manifest.ToolConfig{Type: "mock"}, nil)
		if !res.Success || res.Data["ok"] != true {
			t.Errorf("result = %+v", res)
		}
		if res.ResultHash == "" {
			t.Error("result hash missing")
		}
	})

	t.Run("configured payload", func(t *testing.T) {
		tool := manifest.ToolConfig{Type: "mock", MockResponse: map[string]any{"id": "m-1"}}
		res := exec.Invoke(context.Background(), "org-1", tool, nil)
		if !res.Success || res.Data["id"] != "m-1" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("configured failure", func(t *testing.T) {
		res := exec.Invoke(context.Background(), "org-1", manifest.ToolConfig{Type: "mock", MockFail: true}, nil)
		if res.Success || res.Error == nil || res.Error.Code != connector.CodeFailed {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestInvoke_UnknownType(t *testing.T) {
	exec := New(Config{Logger: testLogger()})
	res := exec.Invoke(context.Background(), "org-1", manifest.ToolConfig{Type: "carrier_pigeon"}, nil)
	if res.Success || res.Error.Code != connector.CodeFailed {
		t.Errorf("result = %+v", res)
	}
}

func TestDomainAllowed(t *testing.T) {
	allowed := []string{"example.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"a.example.com", true},
		{"deep.a.example.com", true},
		{"evilexample.com", false},
		{"example.com.attacker.tld", false},
		{"examplexcom", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := domainAllowed(tt.host, allowed); got != tt.want {
				t.Errorf("domainAllowed(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestIPBlocked(t *testing.T) {
	blocked := []string{"127.0.0.1", "10.1.2.3", "172.16.0.9", "192.168.1.1",
		"169.254.10.10", "0.0.0.0", "255.255.255.255", "::1", "fc00::1", "fe80::1"}
	for _, s := range blocked {
		if !ipBlocked(net.ParseIP(s)) {
			t.Errorf("ipBlocked(%s) = false, want true", s)
		}
	}
	routable := []string{"203.0.113.7", "8.8.8.8", "2001:4860:4860::8888"}
	for _, s := range routable {
		if ipBlocked(net.ParseIP(s)) {
			t.Errorf("ipBlocked(%s) = true, want false", s)
		}
	}
}

func TestValidateURL_Rejections(t *testing.T) {
	publicIP := []net.IP{net.ParseIP("203.0.113.7")}
	loopback := []net.IP{net.ParseIP("127.0.0.1")}

	tests := []struct {
		name     string
		url      string
		domains  []string
		answers  [][]net.IP
		wantCode string
	}{
		{"bad scheme", "ftp://example.com/x", []string{"example.com"}, [][]net.IP{publicIP}, connector.CodeSSRFBlocked},
		{"empty allowlist", "https://example.com/x", nil, [][]net.IP{publicIP}, connector.CodeDomainNotAllowed},
		{"host not allowed", "https://evilexample.com/x", []string{"example.com"}, [][]net.IP{publicIP}, connector.CodeDomainNotAllowed},
		{"resolves to loopback", "https://example.com/x", []string{"example.com"}, [][]net.IP{loopback}, connector.CodeSSRFBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := New(Config{
				Resolver: &seqResolver{answers: tt.answers},
				Logger:   testLogger(),
			})
			_, cerr := exec.validateURL(context.Background(), tt.url, tt.domains)
			if cerr == nil || cerr.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", cerr, tt.wantCode)
			}
		})
	}
}

func TestInvoke_HTTPTemplatedURL(t *testing.T) {
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("verbose"); got != "true" {
			t.Errorf("verbose = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"item":"42"}`)
	})

	tool := manifest.ToolConfig{Type: "http", URL: base + "/items/{id}", Method: "GET"}
	res := exec.Invoke(context.Background(), "org-1", tool, map[string]any{"id": 42, "verbose": true})
	if !res.Success || res.StatusCode != http.StatusOK {
		t.Fatalf("result = %+v", res)
	}
	if res.Data["item"] != "42" {
		t.Errorf("data = %v", res.Data)
	}
	if res.ResultHash == "" {
		t.Error("result hash missing")
	}
}

func TestInvoke_WebhookPostsJSON(t *testing.T) {
	var gotBody map[string]any
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"delivered":true}`)
	})

	tool := manifest.ToolConfig{Type: "webhook", URL: base + "/hook"}
	res := exec.Invoke(context.Background(), "org-1", tool, map[string]any{"event": "ping"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if gotBody["event"] != "ping" {
		t.Errorf("server saw body %v", gotBody)
	}
}

func TestInvoke_SecretInjection(t *testing.T) {
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{}`)
	})
	exec.secrets = staticSecrets{"api_token": "s3cret"}

	tool := manifest.ToolConfig{
		Type:       "http",
		URL:        base + "/private",
		Method:     "GET",
		Headers:    map[string]string{"Authorization": "Bearer {{api_token}}"},
		SecretRefs: []string{"api_token"},
	}
	res := exec.Invoke(context.Background(), "org-1", tool, nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
}

type staticSecrets map[string]string

func (s staticSecrets) Resolve(ctx context.Context, orgID, key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("no secret %q", key)
	}
	return v, nil
}

func TestInvoke_DNSDrift(t *testing.T) {
	exec := New(Config{
		Resolver: &seqResolver{answers: [][]net.IP{
			{net.ParseIP("203.0.113.7")},
			{net.ParseIP("203.0.113.99")},
		}},
		GlobalAllowedDomains: []string{"example.com"},
		Logger:               testLogger(),
	})

	tool := manifest.ToolConfig{Type: "webhook", URL: "https://example.com/hook"}
	res := exec.Invoke(context.Background(), "org-1", tool, map[string]any{"a": 1})
	if res.Success || res.Error == nil || res.Error.Code != connector.CodeSSRFDNSDrift {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_ResponseTooLarge(t *testing.T) {
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 4096))
	})

	tool := manifest.ToolConfig{Type: "http", URL: base + "/big", Method: "GET", MaxResponseBytes: 64}
	res := exec.Invoke(context.Background(), "org-1", tool, nil)
	if res.Success || res.Error.Code != connector.CodeResponseTooLarge {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_UpstreamError(t *testing.T) {
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"boom"}`, http.StatusInternalServerError)
	})

	tool := manifest.ToolConfig{Type: "http", URL: base + "/fail", Method: "GET"}
	res := exec.Invoke(context.Background(), "org-1", tool, nil)
	if res.Success {
		t.Fatal("5xx reported as success")
	}
	if res.StatusCode != http.StatusInternalServerError || res.Error.Code != connector.CodeFailed {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, `{}`)
	})

	tool := manifest.ToolConfig{Type: "http", URL: base + "/slow", Method: "GET", TimeoutMS: 50}
	res := exec.Invoke(context.Background(), "org-1", tool, nil)
	if res.Success || res.Error.Code != connector.CodeTimeout {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_ClientCancelled(t *testing.T) {
	started := make(chan struct{})
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	tool := manifest.ToolConfig{Type: "webhook", URL: base + "/hook"}
	res := exec.Invoke(ctx, "org-1", tool, map[string]any{"a": 1})
	if res.Success || res.Error.Code != connector.CodeClientCancelled {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_NoRedirectFollowing(t *testing.T) {
	exec, base := serverExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1:1/internal", http.StatusFound)
	})

	tool := manifest.ToolConfig{Type: "http", URL: base + "/redirect", Method: "GET"}
	res := exec.Invoke(context.Background(), "org-1", tool, nil)
	// The 302 itself is returned; the Location is never chased.
	if res.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302", res.StatusCode)
	}
}
