package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-skus/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

type stubEngine struct {
	refreshCodes []core.ResultCode
	fetchCodes   []core.ResultCode
	refreshed    []string
	fetched      []string
	hang         bool
	parked       []func(core.ResultCode)
}

func (s *stubEngine) RefreshOrder(orderID string, cb func(core.ResultCode, string)) {
	s.refreshed = append(s.refreshed, orderID)
	cb(s.pop(&s.refreshCodes), `{"id":"`+orderID+`"}`)
}

func (s *stubEngine) FetchOrderCredentials(orderID string, cb func(core.ResultCode)) {
	s.fetched = append(s.fetched, orderID)
	if s.hang {
		s.parked = append(s.parked, cb)
		return
	}
	cb(s.pop(&s.fetchCodes))
}

func (s *stubEngine) pop(codes *[]core.ResultCode) core.ResultCode {
	if len(*codes) == 0 {
		return core.ResultOk
	}
	code := (*codes)[0]
	*codes = (*codes)[1:]
	return code
}

type recordingHook struct {
	started, succeeded, retried, failed []worker.Event
}

func (h *recordingHook) OnStart(_ context.Context, e worker.Event) { h.started = append(h.started, e) }
func (h *recordingHook) OnSuccess(_ context.Context, e worker.Event) {
	h.succeeded = append(h.succeeded, e)
}
func (h *recordingHook) OnFailure(_ context.Context, e worker.Event) { h.failed = append(h.failed, e) }
func (h *recordingHook) OnRetry(_ context.Context, e worker.Event)   { h.retried = append(h.retried, e) }

func newTestProcessor(t *testing.T, engine Engine, opts ...ProcessorOption) *Processor {
	t.Helper()
	processor, err := NewProcessor(engine, nil, opts...)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return processor
}

func delivery(t *testing.T, build func(string) (*job.ExecutionMessage, error), orderID string) *stubQueueDelivery {
	t.Helper()
	msg, err := build(orderID)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return &stubQueueDelivery{msg: msg}
}

func TestProcessorAcksSuccessfulRefresh(t *testing.T) {
	engine := &stubEngine{}
	hook := &recordingHook{}
	processor := newTestProcessor(t, engine, WithHook(hook))

	d := delivery(t, RefreshMessage, "o-1")
	if err := processor.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !d.acked || d.nacked {
		t.Fatalf("expected ack, got acked=%v nacked=%v", d.acked, d.nacked)
	}
	if len(engine.refreshed) != 1 || engine.refreshed[0] != "o-1" {
		t.Fatalf("expected refresh of o-1, got %v", engine.refreshed)
	}
	if len(hook.started) != 1 || len(hook.succeeded) != 1 || hook.started[0].Attempt != 1 {
		t.Fatalf("unexpected hook calls %+v", hook)
	}
}

func TestProcessorRetriesRetryLaterWithBackoff(t *testing.T) {
	engine := &stubEngine{fetchCodes: []core.ResultCode{core.ResultRetryLater, core.ResultRetryLater}}
	hook := &recordingHook{}
	processor := newTestProcessor(t, engine,
		WithHook(hook),
		WithBackoff(core.ExponentialBackoffScheduler{Initial: time.Second, Max: time.Minute}),
	)

	first := delivery(t, CredentialsMessage, "o-2")
	if err := processor.Handle(context.Background(), first); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !first.nackOpts.Requeue || first.nackOpts.Delay != time.Second || first.nackOpts.Reason != "retry_later" {
		t.Fatalf("unexpected first nack %+v", first.nackOpts)
	}

	second := delivery(t, CredentialsMessage, "o-2")
	if err := processor.Handle(context.Background(), second); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if second.nackOpts.Delay != 2*time.Second {
		t.Fatalf("expected second attempt to back off further, got %s", second.nackOpts.Delay)
	}
	if len(hook.retried) != 2 || hook.retried[1].Attempt != 2 {
		t.Fatalf("expected two retries, got %+v", hook.retried)
	}
	if core.ResultFromError(hook.retried[0].Err) != core.ResultRetryLater {
		t.Fatalf("expected retry event to carry the result code")
	}

	third := delivery(t, CredentialsMessage, "o-2")
	if err := processor.Handle(context.Background(), third); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !third.acked {
		t.Fatalf("expected third delivery to succeed")
	}
	fourth := delivery(t, CredentialsMessage, "o-2")
	engine.fetchCodes = []core.ResultCode{core.ResultRetryLater}
	_ = processor.Handle(context.Background(), fourth)
	if fourth.nackOpts.Delay != time.Second {
		t.Fatalf("expected attempts to reset after success, got %s", fourth.nackOpts.Delay)
	}
}

func TestProcessorDeadLettersAtMaxAttempts(t *testing.T) {
	engine := &stubEngine{fetchCodes: []core.ResultCode{core.ResultInternalServer, core.ResultInternalServer}}
	hook := &recordingHook{}
	processor := newTestProcessor(t, engine,
		WithHook(hook),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2}),
	)

	_ = processor.Handle(context.Background(), delivery(t, CredentialsMessage, "o-3"))
	last := delivery(t, CredentialsMessage, "o-3")
	if err := processor.Handle(context.Background(), last); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !last.nackOpts.DeadLetter || last.nackOpts.Requeue {
		t.Fatalf("expected dead letter at max attempts, got %+v", last.nackOpts)
	}
	if len(hook.failed) != 1 {
		t.Fatalf("expected one failure event, got %d", len(hook.failed))
	}
}

func TestProcessorDeadLettersTerminalResults(t *testing.T) {
	engine := &stubEngine{fetchCodes: []core.ResultCode{core.ResultOrderUnpaid}}
	processor := newTestProcessor(t, engine)

	d := delivery(t, CredentialsMessage, "o-4")
	if err := processor.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !d.nackOpts.DeadLetter || d.nackOpts.Reason != "order_unpaid" {
		t.Fatalf("expected terminal dead letter, got %+v", d.nackOpts)
	}
}

func TestProcessorRejectsInvalidMessages(t *testing.T) {
	engine := &stubEngine{}
	processor := newTestProcessor(t, engine)

	unknown := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "other.job", Parameters: map[string]any{ParamOrderID: "o-5"}}}
	if err := processor.Handle(context.Background(), unknown); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !unknown.nackOpts.DeadLetter {
		t.Fatalf("expected unknown job to be dead-lettered")
	}
	missing := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDRefresh}}
	_ = processor.Handle(context.Background(), missing)
	if !missing.nackOpts.DeadLetter {
		t.Fatalf("expected missing order id to be dead-lettered")
	}
	if len(engine.refreshed) != 0 {
		t.Fatalf("engine must not run for invalid messages")
	}
}

func TestProcessorTimeoutIsRetryable(t *testing.T) {
	engine := &stubEngine{hang: true}
	processor := newTestProcessor(t, engine, WithOperationTimeout(10*time.Millisecond))

	d := delivery(t, CredentialsMessage, "o-6")
	if err := processor.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !d.nackOpts.Requeue || d.nackOpts.Reason != "retry_later" {
		t.Fatalf("expected timeout to requeue, got %+v", d.nackOpts)
	}
}

func TestProcessorDefersRedeliveryWhileTimedOutFetchRuns(t *testing.T) {
	engine := &stubEngine{hang: true}
	processor := newTestProcessor(t, engine, WithOperationTimeout(10*time.Millisecond))

	first := delivery(t, CredentialsMessage, "o-8")
	if err := processor.Handle(context.Background(), first); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	second := delivery(t, CredentialsMessage, "o-8")
	if err := processor.Handle(context.Background(), second); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if len(engine.fetched) != 1 {
		t.Fatalf("expected one fetch while the first is in flight, got %v", engine.fetched)
	}
	if !second.nackOpts.Requeue || second.nackOpts.Reason != "retry_later" {
		t.Fatalf("expected redelivery to be deferred, got %+v", second.nackOpts)
	}

	engine.hang = false
	engine.parked[0](core.ResultOk)
	third := delivery(t, CredentialsMessage, "o-8")
	if err := processor.Handle(context.Background(), third); err != nil {
		t.Fatalf("third handle: %v", err)
	}
	if len(engine.fetched) != 2 || !third.acked {
		t.Fatalf("expected a fresh fetch once the first finished, got %v acked=%v", engine.fetched, third.acked)
	}
}

func TestProcessorRunStopsOnDequeueError(t *testing.T) {
	engine := &stubEngine{}
	d := delivery(t, RefreshMessage, "o-7")
	dequeuer := &stubQueueDequeuer{deliveries: []queue.Delivery{d}, err: errors.New("queue closed")}
	processor, err := NewProcessor(engine, dequeuer)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := processor.Run(context.Background()); err == nil || err.Error() != "queue closed" {
		t.Fatalf("expected dequeue error, got %v", err)
	}
	if !d.acked {
		t.Fatalf("expected queued delivery to be processed before stopping")
	}
}

func TestNewProcessorRequiresEngine(t *testing.T) {
	if _, err := NewProcessor(nil, nil); err == nil {
		t.Fatalf("expected missing engine to fail")
	}
}
