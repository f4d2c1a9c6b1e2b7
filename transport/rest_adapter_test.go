package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-skus/core"
)

func TestRESTAdapter_ExecutesRequestAndFlattensHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Add("X-Echo", "a")
		w.Header().Add("X-Echo", "b")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	res, err := adapter.Execute(context.Background(), core.HTTPRequest{
		URL:     server.URL + "/v1/orders/o-1/credentials",
		Method:  http.MethodPost,
		Headers: []string{"Content-Type: application/json"},
		Body:    []byte(`{"itemId":"i"}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Result != core.ResultOk || res.Status != http.StatusCreated {
		t.Fatalf("unexpected response %+v", res)
	}
	if string(res.Body) != `{"itemId":"i"}` {
		t.Fatalf("unexpected body %q", res.Body)
	}
	if got := res.Header("x-echo"); got != "a,b" {
		t.Fatalf("expected joined header, got %q", got)
	}
}

func TestRESTAdapter_ResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 4

	_, err := adapter.Execute(context.Background(), core.HTTPRequest{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != core.ResultInvalidResponse.TextCode() {
		t.Fatalf("expected %q text code, got %q", core.ResultInvalidResponse.TextCode(), rich.TextCode)
	}
	if core.ResultFromError(err) != core.ResultInvalidResponse {
		t.Fatalf("expected invalid_response, got %s", core.ResultFromError(err))
	}
}

func TestRESTAdapter_RelativeURLIsQueryError(t *testing.T) {
	adapter := NewRESTAdapter(nil)
	_, err := adapter.Execute(context.Background(), core.HTTPRequest{URL: "/v1/orders"})
	if core.ResultFromError(err) != core.ResultQueryError {
		t.Fatalf("expected query_error, got %v", err)
	}
}

func TestRESTAdapter_UnreachableServerIsRequestFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewRESTAdapter(nil).Execute(context.Background(), core.HTTPRequest{URL: url})
	if core.ResultFromError(err) != core.ResultRequestFailed {
		t.Fatalf("expected request_failed, got %v", err)
	}
}
