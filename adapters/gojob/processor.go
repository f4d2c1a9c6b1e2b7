package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-skus/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

// Engine is the slice of core.Engine the processor drives.
type Engine interface {
	RefreshOrder(orderID string, cb func(core.ResultCode, string))
	FetchOrderCredentials(orderID string, cb func(core.ResultCode))
}

type ProcessorOption func(*Processor)

func WithRetryPolicy(policy RetryPolicy) ProcessorOption {
	return func(p *Processor) {
		p.policy = policy
	}
}

func WithBackoff(backoff core.BackoffScheduler) ProcessorOption {
	return func(p *Processor) {
		if backoff != nil {
			p.backoff = backoff
		}
	}
}

func WithHook(hook worker.Hook) ProcessorOption {
	return func(p *Processor) {
		p.hook = hook
	}
}

func WithLogger(logger glog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = glog.Ensure(logger)
	}
}

// WithOperationTimeout bounds one engine operation.
func WithOperationTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func withClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// Processor consumes skus execution messages and runs them on an engine.
// Ok acks, retryable results nack with a backoff delay bounded by the
// retry policy and every other result is dead-lettered. Attempts are
// counted per idempotency key for the life of the processor.
type Processor struct {
	engine   Engine
	dequeuer queue.Dequeuer
	policy   RetryPolicy
	backoff  core.BackoffScheduler
	hook     worker.Hook
	logger   glog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	attempts map[string]int
	inflight map[string]struct{}
}

func NewProcessor(engine Engine, dequeuer queue.Dequeuer, opts ...ProcessorOption) (*Processor, error) {
	if engine == nil {
		return nil, fmt.Errorf("gojob: engine is required")
	}
	p := &Processor{
		engine:   engine,
		dequeuer: dequeuer,
		policy:   DefaultRetryPolicy(),
		backoff:  core.ExponentialBackoffScheduler{Initial: 5 * time.Second, Max: 5 * time.Minute},
		logger:   glog.Nop(),
		timeout:  2 * time.Minute,
		now:      time.Now,
		attempts: map[string]int{},
		inflight: map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run processes deliveries until ctx ends or the dequeuer fails.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := p.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *Processor) ProcessNext(ctx context.Context) error {
	if p.dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := p.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	return p.Handle(ctx, delivery)
}

// Handle settles one delivery. The returned error is only about acking or
// nacking; operation failures are reported through the delivery.
func (p *Processor) Handle(ctx context.Context, delivery queue.Delivery) error {
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	msg := delivery.Message()
	orderID, ok := OrderID(msg)
	if !ok || !knownJob(msg.JobID) {
		p.logger.Warn("dropping invalid skus job", "job_id", jobID(msg))
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "invalid skus job message"})
	}

	key := attemptKey(msg)
	attempt := p.nextAttempt(key)
	startedAt := p.now()
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: startedAt}
	p.onStart(ctx, event)

	code := p.run(ctx, key, msg.JobID, orderID)
	event.Duration = p.now().Sub(startedAt)

	if code.OK() {
		p.reset(key)
		if err := delivery.Ack(ctx); err != nil {
			return err
		}
		p.logger.Debug("skus job completed", "job_id", msg.JobID, "order_id", orderID, "attempt", attempt)
		p.onSuccess(ctx, event)
		return nil
	}

	event.Err = core.ErrorFromResult(code, msg.JobID)
	opts := p.policy.Decide(code, attempt, p.backoff.NextDelay(attempt))
	event.Delay = opts.Delay
	if opts.DeadLetter {
		p.reset(key)
	}
	if err := delivery.Nack(ctx, opts); err != nil {
		return err
	}
	if opts.Requeue {
		p.logger.Info("skus job will retry", "job_id", msg.JobID, "order_id", orderID, "attempt", attempt, "result_code", code.String(), "delay_ms", opts.Delay.Milliseconds())
		p.onRetry(ctx, event)
		return nil
	}
	p.logger.Error("skus job failed", "job_id", msg.JobID, "order_id", orderID, "attempt", attempt, "result_code", code.String())
	p.onFailure(ctx, event)
	return nil
}

// run starts the engine operation for key unless an earlier one is still in
// flight. A timed out operation keeps key claimed until the engine calls back,
// so a redelivery is deferred instead of overlapping it.
func (p *Processor) run(ctx context.Context, key string, jobID string, orderID string) core.ResultCode {
	if !p.claim(key) {
		p.logger.Info("skus job still in flight, deferring", "job_id", jobID, "order_id", orderID)
		return core.ResultRetryLater
	}
	release := sync.OnceFunc(func() { p.release(key) })

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var err error
	switch jobID {
	case JobIDRefresh:
		_, err = core.Await(runCtx, func(done func(core.ResultCode, string)) {
			p.engine.RefreshOrder(orderID, func(code core.ResultCode, payload string) {
				release()
				done(code, payload)
			})
		})
	case JobIDCredentials:
		err = core.AwaitResult(runCtx, func(done func(core.ResultCode)) {
			p.engine.FetchOrderCredentials(orderID, func(code core.ResultCode) {
				release()
				done(code)
			})
		})
	default:
		release()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ResultRetryLater
	}
	return core.ResultFromError(err)
}

func (p *Processor) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Processor) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
}

func (p *Processor) nextAttempt(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[key]++
	return p.attempts[key]
}

func (p *Processor) reset(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, key)
}

func (p *Processor) onStart(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnStart(ctx, event)
	}
}

func (p *Processor) onSuccess(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnSuccess(ctx, event)
	}
}

func (p *Processor) onRetry(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnRetry(ctx, event)
	}
}

func (p *Processor) onFailure(ctx context.Context, event worker.Event) {
	if p.hook != nil {
		p.hook.OnFailure(ctx, event)
	}
}

func knownJob(jobID string) bool {
	return jobID == JobIDRefresh || jobID == JobIDCredentials
}

func jobID(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	return msg.JobID
}

func attemptKey(msg *job.ExecutionMessage) string {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	orderID, _ := OrderID(msg)
	return msg.JobID + ":" + orderID
}

var _ Engine = (*core.Engine)(nil)
