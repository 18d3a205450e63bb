package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/connector"
	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

// invokeHTTP drives both the templated http connector and the webhook
// connector; webhook is a fixed POST of the params as JSON.
func (e *Executor) invokeHTTP(ctx context.Context, orgID string, tool manifest.ToolConfig, params map[string]any, webhook bool) connector.Result {
	rawURL := tool.URL
	headers := make(map[string]string, len(tool.Headers))
	for k, v := range tool.Headers {
		headers[k] = v
	}

	if len(tool.SecretRefs) > 0 {
		if e.secrets == nil {
			return connector.Fail(connector.CodeFailed, "secret refs configured but no vault available")
		}
		for _, ref := range tool.SecretRefs {
			plaintext, err := e.secrets.Resolve(ctx, orgID, ref)
			if err != nil {
				// Never echo vault errors; they may reference key names.
				return connector.Fail(connector.CodeFailed, "secret resolution failed")
			}
			placeholder := "{{" + ref + "}}"
			rawURL = strings.ReplaceAll(rawURL, placeholder, plaintext)
			for k, v := range headers {
				headers[k] = strings.ReplaceAll(v, placeholder, plaintext)
			}
		}
	}

	remaining := params
	if !webhook {
		rawURL, remaining = fillPlaceholders(rawURL, params)
	}

	checked, cerr := e.validateURL(ctx, rawURL, tool.AllowedDomains)
	if cerr != nil {
		return connector.Result{Success: false, Error: cerr}
	}

	method := http.MethodPost
	if !webhook {
		method = strings.ToUpper(tool.Method)
		if method == "" {
			method = http.MethodGet
		}
	}

	var body io.Reader
	contentType := ""
	switch {
	case webhook || (method != http.MethodGet && method != http.MethodHead):
		payload, err := json.Marshal(remaining)
		if err != nil {
			return connector.Fail(connector.CodeFailed, "encode request body: "+err.Error())
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case len(remaining) > 0:
		q := checked.url.Query()
		for k, v := range remaining {
			q.Set(k, fmt.Sprint(v))
		}
		checked.url.RawQuery = q.Encode()
	}

	if cerr := e.recheckDrift(ctx, checked); cerr != nil {
		return connector.Result{Success: false, Error: cerr}
	}

	timeout := e.timeoutFor(tool)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, checked.url.String(), body)
	if err != nil {
		return connector.Fail(connector.CodeFailed, "build request: "+err.Error())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.pinnedClient(checked).Do(req)
	if err != nil {
		return e.transportFailure(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	return e.readResponse(resp, e.maxBodyFor(tool))
}

// pinnedClient dials the address validated earlier instead of
// re-resolving, closing the validate/dispatch race. Redirects are not
// followed and ambient proxy configuration is ignored.
func (e *Executor) pinnedClient(c *checkedURL) *http.Client {
	pinned := net.JoinHostPort(c.ips[0].String(), c.port)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *Executor) transportFailure(parent, call context.Context, err error) connector.Result {
	switch {
	case parent.Err() == context.Canceled:
		return connector.Fail(connector.CodeClientCancelled, "caller cancelled the request")
	case errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return connector.Fail(connector.CodeTimeout, "connector call timed out")
	default:
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return connector.Fail(connector.CodeTimeout, "connector call timed out")
		}
		return connector.Fail(connector.CodeFailed, "request failed: "+err.Error())
	}
}

// readResponse streams at most maxBody bytes and decodes JSON when the
// payload allows it.
func (e *Executor) readResponse(resp *http.Response, maxBody int64) connector.Result {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return connector.Fail(connector.CodeFailed, "read response: "+err.Error())
	}
	if int64(len(raw)) > maxBody {
		return connector.Result{
			Success:    false,
			StatusCode: resp.StatusCode,
			Error: &connector.Error{
				Code:    connector.CodeResponseTooLarge,
				Message: fmt.Sprintf("response exceeds %d bytes", maxBody),
			},
		}
	}

	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = map[string]any{"body": string(raw)}
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return connector.Result{
			Success:    false,
			Data:       data,
			StatusCode: resp.StatusCode,
			Error: &connector.Error{
				Code:    connector.CodeFailed,
				Message: fmt.Sprintf("upstream returned %d", resp.StatusCode),
			},
		}
	}
	return connector.Result{Success: true, Data: data, StatusCode: resp.StatusCode}
}

// fillPlaceholders substitutes {name} URL segments from params and
// returns the params that were not consumed.
func fillPlaceholders(rawURL string, params map[string]any) (string, map[string]any) {
	remaining := make(map[string]any, len(params))
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(rawURL, placeholder) {
			rawURL = strings.ReplaceAll(rawURL, placeholder, url.PathEscape(fmt.Sprint(v)))
			continue
		}
		remaining[k] = v
	}
	return rawURL, remaining
}
