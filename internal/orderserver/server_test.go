package orderserver_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/host"
	"github.com/goliatone/go-skus/internal/orderserver"
	"github.com/goliatone/go-skus/transport"
)

var testIssuer = core.DigestIssuer{Key: []byte("issuer-secret"), PublicKey: "pk-test"}

func newEngine(t *testing.T, server *orderserver.Server) *core.Engine {
	t.Helper()
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	h := host.New(
		host.WithExecutor(transport.NewRESTAdapter(ts.Client())),
		host.WithNamespace("local"),
	)
	t.Cleanup(h.Close)

	engine, err := core.NewEngine(core.Config{
		Environment:    "local",
		OrderServerURL: ts.URL,
		Request:        core.RequestConfig{InitialBackoffMS: 1, MaxBackoffMS: 5},
		Credentials:    core.CredentialsConfig{BatchSize: 3, PollAttempts: 3, PollIntervalMS: 1},
	}, h)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Shutdown)
	return engine
}

func paidOrder(id string) core.Order {
	return core.Order{
		ID:         id,
		MerchantID: "merchant-1",
		Location:   "shop.example",
		Status:     core.OrderStatusPaid,
		Items: []core.OrderItem{{
			ID:             id + "-item",
			SKU:            "sku-basic",
			Quantity:       1,
			CredentialType: core.CredentialTypeSingleUse,
		}},
	}
}

func await(t *testing.T, start func(func(core.ResultCode, string))) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return core.Await(ctx, start)
}

func awaitResult(t *testing.T, start func(func(core.ResultCode))) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return core.AwaitResult(ctx, start)
}

func TestEngineRoundTripAgainstOrderServer(t *testing.T) {
	server := orderserver.New(testIssuer, orderserver.WithPendingPolls(1))
	server.PutOrder(paidOrder("o-1"))
	engine := newEngine(t, server)

	payload, err := await(t, func(done func(core.ResultCode, string)) { engine.RefreshOrder("o-1", done) })
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	var order struct {
		ID   string `json:"id"`
		Paid bool   `json:"paid"`
	}
	if err := json.Unmarshal([]byte(payload), &order); err != nil || order.ID != "o-1" || !order.Paid {
		t.Fatalf("unexpected refresh payload %s (%v)", payload, err)
	}

	if err := awaitResult(t, func(done func(core.ResultCode)) { engine.FetchOrderCredentials("o-1", done) }); err != nil {
		t.Fatalf("fetch credentials: %v", err)
	}

	presentation, err := await(t, func(done func(core.ResultCode, string)) {
		engine.PrepareCredentialsPresentation("shop.example", "/download", done)
	})
	if err != nil {
		t.Fatalf("prepare presentation: %v", err)
	}
	decoded, ok := testIssuer.Verify(presentation)
	if !ok {
		t.Fatalf("issuer rejected presentation %s", presentation)
	}
	if decoded.Domain != "shop.example" || decoded.Path != "/download" || decoded.ItemID != "o-1-item" {
		t.Fatalf("unexpected presentation binding %+v", decoded)
	}

	summary, err := await(t, func(done func(core.ResultCode, string)) { engine.CredentialSummary("shop.example", done) })
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	var parsed struct {
		Remaining int  `json:"remaining_credential_count"`
		Active    bool `json:"active"`
	}
	if err := json.Unmarshal([]byte(summary), &parsed); err != nil || parsed.Remaining != 2 || !parsed.Active {
		t.Fatalf("unexpected summary %s", summary)
	}

	for i := 0; i < 2; i++ {
		if _, err := await(t, func(done func(core.ResultCode, string)) {
			engine.PrepareCredentialsPresentation("shop.example", "/download", done)
		}); err != nil {
			t.Fatalf("presentation %d: %v", i, err)
		}
	}
	_, err = await(t, func(done func(core.ResultCode, string)) {
		engine.PrepareCredentialsPresentation("shop.example", "/download", done)
	})
	if core.ResultFromError(err) != core.ResultItemCredentialsMissing {
		t.Fatalf("expected credentials to be used up, got %v", err)
	}
}

func TestFetchIsIdempotentOnceCredentialsAreStored(t *testing.T) {
	server := orderserver.New(testIssuer)
	server.PutOrder(paidOrder("o-2"))
	engine := newEngine(t, server)

	if err := awaitResult(t, func(done func(core.ResultCode)) { engine.FetchOrderCredentials("o-2", done) }); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	before := server.Requests()
	if err := awaitResult(t, func(done func(core.ResultCode)) { engine.FetchOrderCredentials("o-2", done) }); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got := server.Requests() - before; got != 1 {
		t.Fatalf("expected only the order lookup on refetch, got %d requests", got)
	}
}

func TestOrderServerRejections(t *testing.T) {
	server := orderserver.New(testIssuer)
	unpaid := paidOrder("o-3")
	unpaid.Status = "pending"
	server.PutOrder(unpaid)
	engine := newEngine(t, server)

	err := awaitResult(t, func(done func(core.ResultCode)) { engine.FetchOrderCredentials("o-3", done) })
	if core.ResultFromError(err) != core.ResultOrderUnpaid {
		t.Fatalf("expected unpaid order, got %v", err)
	}
	_, err = await(t, func(done func(core.ResultCode, string)) { engine.RefreshOrder("missing", done) })
	if core.ResultFromError(err) != core.ResultNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = await(t, func(done func(core.ResultCode, string)) {
		engine.PrepareCredentialsPresentation("other.example", "/", done)
	})
	if core.ResultFromError(err) != core.ResultItemCredentialsMissing {
		t.Fatalf("expected no credentials for unknown domain, got %v", err)
	}
}

func TestPollingGivesUpWithRetryLater(t *testing.T) {
	server := orderserver.New(testIssuer, orderserver.WithPendingPolls(10))
	server.PutOrder(paidOrder("o-4"))
	engine := newEngine(t, server)

	err := awaitResult(t, func(done func(core.ResultCode)) { engine.FetchOrderCredentials("o-4", done) })
	if core.ResultFromError(err) != core.ResultRetryLater {
		t.Fatalf("expected retry later after polling, got %v", err)
	}
}
