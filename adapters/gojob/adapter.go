package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-skus/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const (
	JobIDRefresh     = "skus.order.refresh"
	JobIDCredentials = "skus.order.credentials"

	ParamOrderID = "order_id"

	dedupPolicyDrop = "drop"
)

// RetryPolicy bounds how often a retryable skus job goes back on the queue.
type RetryPolicy struct {
	MaxAttempts int
	MaxDelay    time.Duration
}

// DefaultRetryPolicy gives up after five deliveries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, MaxDelay: 5 * time.Minute}
}

// Decide turns a failed result into nack options. Non-retryable results and
// exhausted attempts dead-letter; everything else requeues after delay,
// capped at MaxDelay.
func (p RetryPolicy) Decide(code core.ResultCode, attempt int, delay time.Duration) queue.NackOptions {
	reason := code.String()
	if !code.Retryable() || (p.MaxAttempts > 0 && attempt >= p.MaxAttempts) {
		return queue.NackOptions{DeadLetter: true, Reason: reason}
	}
	delay = max(delay, 0)
	if p.MaxDelay > 0 {
		delay = min(delay, p.MaxDelay)
	}
	return queue.NackOptions{Requeue: true, Delay: delay, Reason: reason}
}

// RefreshMessage builds the execution message for a background order refresh.
func RefreshMessage(orderID string) (*job.ExecutionMessage, error) {
	return orderMessage(JobIDRefresh, orderID)
}

// CredentialsMessage builds the execution message for a background
// credential fetch.
func CredentialsMessage(orderID string) (*job.ExecutionMessage, error) {
	return orderMessage(JobIDCredentials, orderID)
}

func orderMessage(jobID string, orderID string) (*job.ExecutionMessage, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("gojob: order id is required")
	}
	return &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     map[string]any{ParamOrderID: orderID},
		IdempotencyKey: jobID + ":" + orderID,
		DedupPolicy:    job.DeduplicationPolicy(dedupPolicyDrop),
	}, nil
}

// OrderID reads the order id parameter of a skus execution message.
func OrderID(msg *job.ExecutionMessage) (string, bool) {
	if msg == nil {
		return "", false
	}
	raw, ok := msg.Parameters[ParamOrderID]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

type Enqueuer struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuer(enqueuer queue.Enqueuer) *Enqueuer {
	return &Enqueuer{enqueuer: enqueuer}
}

func (e *Enqueuer) EnqueueRefresh(ctx context.Context, orderID string) error {
	msg, err := RefreshMessage(orderID)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, msg)
}

func (e *Enqueuer) EnqueueCredentials(ctx context.Context, orderID string) error {
	msg, err := CredentialsMessage(orderID)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, msg)
}

func (e *Enqueuer) enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if e == nil || e.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return e.enqueuer.Enqueue(ctx, msg)
}
