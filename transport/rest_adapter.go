package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-skus/core"
)

const (
	defaultClientTimeout       = 60 * time.Second
	defaultBodyLimit     int64 = 10 << 20
	defaultUserAgent           = "go-skus"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor performs one engine request synchronously. Hosts run it off the
// engine's goroutine.
type Executor interface {
	Execute(ctx context.Context, req core.HTTPRequest) (core.HTTPResponse, error)
}

// RESTAdapter executes engine requests over net/http.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{"User-Agent": defaultUserAgent},
		MaxResponseBodyBytes: defaultBodyLimit,
	}
}

// Execute reports any answered request as Result Ok with the server status,
// including 4xx and 5xx. Errors carry a result code and mean no status was
// read.
func (a *RESTAdapter) Execute(ctx context.Context, req core.HTTPRequest) (core.HTTPResponse, error) {
	if a == nil || a.Client == nil {
		return core.HTTPResponse{}, core.NetworkError(core.ResultUnknownError, "transport: rest adapter requires an http client", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return core.HTTPResponse{}, err
	}
	fields := map[string]any{"method": httpReq.Method, "url": httpReq.URL.String()}

	httpRes, err := a.Client.Do(httpReq)
	if errors.Is(err, context.Canceled) {
		return core.HTTPResponse{}, err
	}
	if err != nil {
		return core.HTTPResponse{}, core.WrapNetworkError(core.ResultRequestFailed, err, "transport: execute http request", fields)
	}
	defer httpRes.Body.Close()

	fields["status_code"] = httpRes.StatusCode
	body, err := a.readBody(httpRes.Body, fields)
	if err != nil {
		return core.HTTPResponse{}, err
	}
	return core.HTTPResponse{
		Result:  core.ResultOk,
		Status:  httpRes.StatusCode,
		Headers: flattenHeaders(httpRes.Header),
		Body:    body,
	}, nil
}

func (a *RESTAdapter) newRequest(ctx context.Context, req core.HTTPRequest) (*http.Request, error) {
	raw := strings.TrimSpace(req.URL)
	target, err := url.Parse(raw)
	if err != nil {
		return nil, core.WrapNetworkError(core.ResultQueryError, err, "transport: invalid request url", map[string]any{"url": raw})
	}
	if !target.IsAbs() || target.Host == "" {
		return nil, core.NetworkError(core.ResultQueryError, "transport: request url must be absolute", map[string]any{"url": raw})
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, core.WrapNetworkError(core.ResultQueryError, err, "transport: create http request", map[string]any{"method": method, "url": raw})
	}
	for key, value := range a.DefaultHeaders {
		if key = strings.TrimSpace(key); key != "" {
			httpReq.Header.Set(key, strings.TrimSpace(value))
		}
	}
	// Engine headers override adapter defaults.
	for key, value := range core.HeaderMap(req.Headers) {
		httpReq.Header.Set(key, value)
	}
	return httpReq, nil
}

// readBody reads at most the configured limit; one byte more marks an
// oversized body.
func (a *RESTAdapter) readBody(body io.Reader, fields map[string]any) ([]byte, error) {
	limit := a.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, core.WrapNetworkError(core.ResultRequestFailed, err, "transport: read response body", fields)
	}
	if int64(len(data)) > limit {
		fields["body_limit_bytes"] = limit
		return nil, core.NetworkError(core.ResultInvalidResponse, fmt.Sprintf("transport: response body exceeds %d bytes", limit), fields)
	}
	return data, nil
}

func flattenHeaders(headers http.Header) []string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return core.HeaderList(flat)
}

var _ Executor = (*RESTAdapter)(nil)
