package gojob

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-skus/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

func TestOrderMessages(t *testing.T) {
	msg, err := RefreshMessage(" o-1 ")
	if err != nil {
		t.Fatalf("refresh message: %v", err)
	}
	if msg.JobID != JobIDRefresh || msg.ScriptPath != JobIDRefresh {
		t.Fatalf("unexpected job id %q", msg.JobID)
	}
	if msg.IdempotencyKey != "skus.order.refresh:o-1" {
		t.Fatalf("unexpected idempotency key %q", msg.IdempotencyKey)
	}
	if orderID, ok := OrderID(msg); !ok || orderID != "o-1" {
		t.Fatalf("expected order id o-1, got %q", orderID)
	}

	msg, err = CredentialsMessage("o-2")
	if err != nil || msg.JobID != JobIDCredentials {
		t.Fatalf("unexpected credentials message %+v %v", msg, err)
	}
	if _, err := RefreshMessage("  "); err == nil {
		t.Fatalf("expected empty order id to fail")
	}
}

func TestOrderIDRejectsBadParameters(t *testing.T) {
	if _, ok := OrderID(nil); ok {
		t.Fatalf("expected nil message to fail")
	}
	if _, ok := OrderID(&job.ExecutionMessage{Parameters: map[string]any{ParamOrderID: 12}}); ok {
		t.Fatalf("expected non-string order id to fail")
	}
}

func TestEnqueuerMapsMessages(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewEnqueuer(enqueuer)

	if err := adapter.EnqueueCredentials(ctx, "o-9"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDCredentials {
		t.Fatalf("expected credentials job to be enqueued")
	}
	if err := NewEnqueuer(nil).EnqueueRefresh(ctx, "o-9"); err == nil {
		t.Fatalf("expected missing enqueuer to fail")
	}
}

func TestRetryPolicyDecide(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second}
	cases := []struct {
		name       string
		code       core.ResultCode
		attempt    int
		delay      time.Duration
		requeue    bool
		deadLetter bool
		wantDelay  time.Duration
	}{
		{"retryable capped", core.ResultRetryLater, 1, 30 * time.Second, true, false, 10 * time.Second},
		{"retryable negative delay", core.ResultRequestFailed, 2, -time.Second, true, false, 0},
		{"exhausted", core.ResultRetryLater, 3, time.Second, false, true, 0},
		{"permanent", core.ResultOrderUnpaid, 1, time.Second, false, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := policy.Decide(tc.code, tc.attempt, tc.delay)
			if opts.Requeue != tc.requeue || opts.DeadLetter != tc.deadLetter {
				t.Fatalf("unexpected settlement %+v", opts)
			}
			if opts.Delay != tc.wantDelay {
				t.Fatalf("expected delay %s, got %s", tc.wantDelay, opts.Delay)
			}
			if opts.Reason != tc.code.String() {
				t.Fatalf("expected reason %q, got %q", tc.code.String(), opts.Reason)
			}
		})
	}

	if opts := (RetryPolicy{}).Decide(core.ResultRetryLater, 50, time.Minute); !opts.Requeue || opts.Delay != time.Minute {
		t.Fatalf("expected unbounded policy to keep requeueing, got %+v", opts)
	}
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
	err        error
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		return nil, s.err
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}
