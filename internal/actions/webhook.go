package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rendis/autoflow/pkg/schema"
)

// webhook performs the outbound call. Transport errors and non-2xx
// responses are ActionErrors carrying the status and a body excerpt.
func (e *Executor) webhook(ctx context.Context, a Webhook) (Result, error) {
	kind := a.Kind()
	u, err := url.ParseRequestURI(a.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.ActionError(kind, "invalid url %q", a.URL)
	}

	var body io.Reader
	if a.Payload != nil {
		b, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, schema.ActionError(kind, "marshal payload: %v", err).WithCause(err)
		}
		body = bytes.NewReader(b)
	}

	timeout := e.timeout
	if a.Timeout > 0 {
		timeout = a.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, a.Method, a.URL, body)
	if err != nil {
		return nil, schema.ActionError(kind, "build request: %v", err).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, a.Auth)

	start := time.Now()
	resp, err := e.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.ActionError(kind, "%s %s: %v", a.Method, a.URL, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, schema.ActionError(kind, "read response: %v", err).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := excerptOf(raw)
		return nil, schema.ActionError(kind, "%s %s returned %d: %s", a.Method, a.URL, resp.StatusCode, excerpt).
			WithDetails(map[string]any{
				"action":      string(kind),
				"status_code": resp.StatusCode,
				"body":        excerpt,
			})
	}

	contentType := resp.Header.Get("Content-Type")
	parsed := parseBody(raw, contentType)

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	res := Result{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsed,
		"content_type": contentType,
		"duration_ms":  durationMs,
	}
	if a.ResponsePath != "" {
		extracted, err := e.jq.Query(ctx, a.ResponsePath, parsed)
		if err != nil {
			return nil, schema.ActionError(kind, "response_path %q: %v", a.ResponsePath, err).WithCause(err)
		}
		res["extracted"] = extracted
	}
	return res, nil
}

func applyAuth(req *http.Request, auth *WebhookAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.HeaderValue)
		}
	}
}

// parseBody decodes JSON when the response says so or looks like it;
// anything else is kept as text.
func parseBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if strings.Contains(contentType, "json") || (len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// excerptOf trims a response body to at most bodyExcerptLen bytes without
// splitting a UTF-8 sequence.
func excerptOf(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= bodyExcerptLen {
		return s
	}
	cut := bodyExcerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
