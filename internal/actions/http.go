package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// --- http.request ---

// HTTPRequestAction implements the "http.request" action on a resty client.
type HTTPRequestAction struct {
	config HTTPConfig
}

// NewHTTPRequestAction creates a new http.request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestAction{config: cfg}
}

func (a *HTTPRequestAction) Name() string { return "http.request" }

func (a *HTTPRequestAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description:  "Execute an HTTP request with full control over method, headers, body, auth, and redirects.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPRequestAction) Validate(args map[string]any) error {
	rawURL := stringParam(args, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	args := input.Args
	if args == nil {
		args = map[string]any{}
	}

	if err := a.Validate(args); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(args, "method", "GET"))
	rawURL := stringParam(args, "url", "")
	bodyEncoding := stringParam(args, "body_encoding", "json")
	followRedirects := boolParam(args, "follow_redirects", true)
	maxRedirects := intParam(args, "max_redirects", 10)
	tlsSkipVerify := boolParam(args, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(args, "fail_on_error_status", false)

	timeout := a.config.DefaultTimeout
	if ts := stringParam(args, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	// A fresh client per call so per-request redirect and TLS settings never
	// leak between steps.
	client := resty.New().SetTimeout(timeout)
	if tlsSkipVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if !followRedirects {
		client.SetRedirectPolicy(resty.NoRedirectPolicy())
	} else if maxRedirects > 0 {
		client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects))
	}

	req := client.R().SetContext(ctx)

	if hdrs := stringMapParam(args, "headers"); hdrs != nil {
		req.SetHeaders(hdrs)
	}

	if rawBody, ok := args["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				form := make(map[string]string, len(formData))
				for k, v := range formData {
					form[k] = fmt.Sprintf("%v", v)
				}
				req.SetFormData(form)
			}
		case "text":
			req.SetHeader("Content-Type", "text/plain")
			req.SetBody(fmt.Sprintf("%v", rawBody))
		case "raw":
			req.SetBody(fmt.Sprintf("%v", rawBody))
		default: // json
			req.SetHeader("Content-Type", "application/json")
			req.SetBody(rawBody)
		}
	}

	if authRaw, ok := args["auth"]; ok {
		if auth, ok := authRaw.(map[string]any); ok {
			switch stringParam(auth, "type", "") {
			case "bearer":
				req.SetAuthToken(stringParam(auth, "token", ""))
			case "basic":
				req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
			case "api_key":
				if name := stringParam(auth, "header_name", ""); name != "" {
					req.SetHeader(name, stringParam(auth, "header_value", ""))
				}
			}
		}
	}

	resp, err := req.Execute(method, rawURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
	}

	bodyBytes := resp.Body()
	if int64(len(bodyBytes)) > a.config.MaxResponseBody {
		bodyBytes = bodyBytes[:a.config.MaxResponseBody]
	}

	respContentType := resp.Header().Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header()))
	for k := range resp.Header() {
		respHeaders[k] = resp.Header().Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode(),
		"status":       resp.Status(),
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  resp.Time().Milliseconds(),
	}

	if failOnErrorStatus && resp.StatusCode() >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", resp.StatusCode()).
			WithDetails(result)
	}

	return marshalOutput(result)
}

// --- http.get / http.post ---

// HTTPGetAction implements the "http.get" convenience action.
type HTTPGetAction struct {
	inner *HTTPRequestAction
}

// NewHTTPGetAction creates a new http.get action.
func NewHTTPGetAction(cfg HTTPConfig) *HTTPGetAction {
	return &HTTPGetAction{inner: NewHTTPRequestAction(cfg)}
}

func (a *HTTPGetAction) Name() string { return "http.get" }

func (a *HTTPGetAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description:  "Convenience action for HTTP GET requests.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPGetAction) Validate(args map[string]any) error {
	return a.inner.Validate(args)
}

func (a *HTTPGetAction) Execute(ctx context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if input.Args == nil {
		input.Args = map[string]any{}
	}
	input.Args["method"] = "GET"
	return a.inner.Execute(ctx, input)
}

// HTTPPostAction implements the "http.post" convenience action.
type HTTPPostAction struct {
	inner *HTTPRequestAction
}

// NewHTTPPostAction creates a new http.post action.
func NewHTTPPostAction(cfg HTTPConfig) *HTTPPostAction {
	return &HTTPPostAction{inner: NewHTTPRequestAction(cfg)}
}

func (a *HTTPPostAction) Name() string { return "http.post" }

func (a *HTTPPostAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description:  "Convenience action for HTTP POST requests.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPPostAction) Validate(args map[string]any) error {
	return a.inner.Validate(args)
}

func (a *HTTPPostAction) Execute(ctx context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if input.Args == nil {
		input.Args = map[string]any{}
	}
	input.Args["method"] = "POST"
	return a.inner.Execute(ctx, input)
}
