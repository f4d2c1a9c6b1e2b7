package adapters_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-skus/adapters/gocommand"
	"github.com/goliatone/go-skus/adapters/gojob"
	"github.com/goliatone/go-skus/adapters/gologger"
	skuscommand "github.com/goliatone/go-skus/command"
	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/host"
	"github.com/goliatone/go-skus/internal/orderserver"
	skusquery "github.com/goliatone/go-skus/query"
	"github.com/goliatone/go-skus/transport"
)

var compatIssuer = core.DigestIssuer{Key: []byte("compat-key"), PublicKey: "compat-issuer"}

func newCompatEngine(t *testing.T, logger glog.Logger) *core.Engine {
	t.Helper()
	server := orderserver.New(compatIssuer)
	server.PutOrder(core.Order{
		ID:         "order-1",
		MerchantID: "merchant",
		Location:   "shop.example",
		Status:     core.OrderStatusPaid,
		Items:      []core.OrderItem{{ID: "item-1", SKU: "sku-1", Quantity: 1}},
	})
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	h := host.New(
		host.WithExecutor(transport.NewRESTAdapter(ts.Client())),
		host.WithNamespace("local"),
		host.WithLogSink(gologger.NewHostLogSink(logger)),
	)
	t.Cleanup(h.Close)

	engine, err := core.NewEngine(core.Config{
		Environment:    "local",
		OrderServerURL: ts.URL,
		Request:        core.RequestConfig{InitialBackoffMS: 1, MaxBackoffMS: 5},
		Credentials:    core.CredentialsConfig{BatchSize: 2, PollAttempts: 2, PollIntervalMS: 1},
	}, h, core.WithLogger(logger))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Shutdown)
	return engine
}

func TestRuntimeCompatibility_GoJobGoCommandGoLogger(t *testing.T) {
	ctx := context.Background()

	provider := &compatProvider{logger: compatLogger{}}
	loggers := gologger.Resolve("skus", provider, nil)
	logger := loggers.Logger
	if loggers.JobProvider == nil || loggers.JobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}
	engine := newCompatEngine(t, logger)

	memQueue := &compatQueue{}
	enqueuer := gojob.NewEnqueuer(memQueue)
	if err := enqueuer.EnqueueCredentials(ctx, "order-1"); err != nil {
		t.Fatalf("enqueue credentials job: %v", err)
	}
	processor, err := gojob.NewProcessor(engine, memQueue, gojob.WithLogger(logger))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := processor.ProcessNext(ctx); err != nil {
		t.Fatalf("process credentials job: %v", err)
	}
	if len(memQueue.settled) != 1 || !memQueue.settled[0].acked {
		t.Fatalf("expected credentials job acked, got %+v", memQueue.settled)
	}

	queueRegistry := jobqueuecommand.NewRegistry()
	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	subs, err := gocommand.RegisterEngine(adapter, engine)
	if err != nil {
		t.Fatalf("register engine: %v", err)
	}
	defer subs.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}
	if _, ok := queueRegistry.Get(skuscommand.TypeFetchOrderCredentials); !ok {
		t.Fatalf("expected command resolver hook to mirror fetch command into go-job queue registry")
	}

	summary, err := gocommand.Query[skusquery.CredentialSummaryMessage, skusquery.CredentialSummary](ctx, skusquery.CredentialSummaryMessage{Domain: "shop.example"})
	if err != nil {
		t.Fatalf("query summary: %v", err)
	}
	if summary.RemainingCredentialCount != 2 || !summary.Active {
		t.Fatalf("expected two stored credentials, got %+v", summary)
	}

	presentation, err := gocommand.DispatchWithResult[skuscommand.PreparePresentationMessage, skuscommand.PresentationResult](ctx, skuscommand.PreparePresentationMessage{
		Domain: "shop.example",
		Path:   "/checkout",
	})
	if err != nil {
		t.Fatalf("dispatch presentation: %v", err)
	}
	decoded, ok := compatIssuer.Verify(presentation.Presentation)
	if !ok || decoded.Path != "/checkout" {
		t.Fatalf("expected verifiable presentation, got %+v", decoded)
	}

	if err := gocommand.Dispatch(ctx, skuscommand.ClearStateMessage{}); err != nil {
		t.Fatalf("dispatch clear state: %v", err)
	}
	summary, err = gocommand.Query[skusquery.CredentialSummaryMessage, skusquery.CredentialSummary](ctx, skusquery.CredentialSummaryMessage{Domain: "shop.example"})
	if err != nil {
		t.Fatalf("query summary after purge: %v", err)
	}
	if summary.Active {
		t.Fatalf("expected no credentials after purge, got %+v", summary)
	}
}

func TestRuntimeCompatibility_UnknownOrderDeadLetters(t *testing.T) {
	ctx := context.Background()
	engine := newCompatEngine(t, glog.Nop())

	memQueue := &compatQueue{}
	if err := gojob.NewEnqueuer(memQueue).EnqueueCredentials(ctx, "missing-order"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	processor, err := gojob.NewProcessor(engine, memQueue)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := processor.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(memQueue.settled) != 1 || memQueue.settled[0].acked {
		t.Fatalf("expected job to be nacked, got %+v", memQueue.settled)
	}
	if opts := memQueue.settled[0].nack; !opts.DeadLetter || opts.Requeue {
		t.Fatalf("expected dead letter for unknown order, got %+v", opts)
	}
}

type compatQueue struct {
	pending []*job.ExecutionMessage
	settled []*compatDelivery
}

func (q *compatQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.pending = append(q.pending, msg)
	return nil
}

func (q *compatQueue) Dequeue(context.Context) (queue.Delivery, error) {
	if len(q.pending) == 0 {
		return nil, context.Canceled
	}
	delivery := &compatDelivery{msg: q.pending[0]}
	q.pending = q.pending[1:]
	q.settled = append(q.settled, delivery)
	return delivery, nil
}

type compatDelivery struct {
	msg   *job.ExecutionMessage
	acked bool
	nack  queue.NackOptions
}

func (d *compatDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *compatDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *compatDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.nack = opts
	return nil
}

type compatProvider struct {
	logger glog.Logger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type compatLogger struct{}

func (compatLogger) Trace(string, ...any)                    {}
func (compatLogger) Debug(string, ...any)                    {}
func (compatLogger) Info(string, ...any)                     {}
func (compatLogger) Warn(string, ...any)                     {}
func (compatLogger) Error(string, ...any)                    {}
func (compatLogger) Fatal(string, ...any)                    {}
func (compatLogger) WithContext(context.Context) glog.Logger { return compatLogger{} }
