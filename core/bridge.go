package core

import (
	"errors"
	"strconv"
	"time"
)

// RoundtripToken identifies one outstanding ExecuteRequest call.
type RoundtripToken uint64

// WakeupToken identifies one outstanding ScheduleWakeup call.
type WakeupToken uint64

type operationPhase int

const (
	phaseInit operationPhase = iota
	phaseAwaitingNetwork
	phaseResolving
	phaseDone
)

func (p operationPhase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseAwaitingNetwork:
		return "awaiting_network"
	case phaseResolving:
		return "resolving"
	default:
		return "done"
	}
}

// operation is the per-call state. It lives in the engine's operation table
// from start until its single delivery and is only touched under the engine
// lock.
type operation struct {
	id         uint64
	name       string
	fields     map[string]any
	startedAt  time.Time
	callback   func(ResultCode, string)
	phase      operationPhase
	request    RoundtripToken
	timeout    WakeupToken
	resume     WakeupToken
	onResponse func(HTTPResponse) step
	onResume   func() step
}

// step is what an operation continuation asks the bridge to do next.
type step struct {
	final      bool
	code       ResultCode
	payload    string
	err        error
	request    *HTTPRequest
	onResponse func(HTTPResponse) step
	delay      time.Duration
	onResume   func() step
}

func finish(code ResultCode, payload string) step {
	return step{final: true, code: code, payload: payload}
}

func fail(err error) step {
	if err == nil {
		err = InternalError(ResultUnknownError, nil, "core: operation failed without an error")
	}
	return step{final: true, err: err}
}

func send(req HTTPRequest, next func(HTTPResponse) step) step {
	return step{request: &req, onResponse: next}
}

func sleep(delay time.Duration, next func() step) step {
	if delay < 0 {
		delay = 0
	}
	return step{delay: delay, onResume: next}
}

type wakeupPurpose int

const (
	wakeupTimeout wakeupPurpose = iota
	wakeupResume
)

type pendingRequest struct {
	op     *operation
	handle RequestHandle
}

type pendingWakeup struct {
	op      *operation
	purpose wakeupPurpose
	handle  WakeupHandle
}

type canceler interface {
	Cancel()
}

type issueRequest struct {
	token RoundtripToken
	req   HTTPRequest
}

type issueWakeup struct {
	token WakeupToken
	delay time.Duration
}

type delivery struct {
	op      *operation
	code    ResultCode
	payload string
	err     error
}

// effects collects host calls decided under the lock and performed after it
// is released, so a host that completes inline can re-enter the engine.
type effects struct {
	cancels    []canceler
	requests   []issueRequest
	wakeups    []issueWakeup
	deliveries []delivery
}

func (e *Engine) advanceLocked(op *operation, next step, fx *effects) {
	if op == nil || op.phase == phaseDone {
		return
	}
	switch {
	case next.final:
		code := next.code
		if next.err != nil {
			code = ResultFromError(next.err)
		}
		if !code.Valid() {
			code = ResultUnhandledVariant
		}
		e.retireLocked(op, fx)
		fx.deliveries = append(fx.deliveries, delivery{op: op, code: code, payload: next.payload, err: next.err})
	case next.request != nil:
		op.phase = phaseAwaitingNetwork
		op.onResponse = next.onResponse
		token := RoundtripToken(e.requests.insert(&pendingRequest{op: op}))
		op.request = token
		fx.requests = append(fx.requests, issueRequest{token: token, req: *next.request})
		if timeout := e.config.Request.Timeout(); timeout > 0 {
			wakeup := WakeupToken(e.wakeups.insert(&pendingWakeup{op: op, purpose: wakeupTimeout}))
			op.timeout = wakeup
			fx.wakeups = append(fx.wakeups, issueWakeup{token: wakeup, delay: timeout})
		}
	case next.onResume != nil:
		op.phase = phaseAwaitingNetwork
		op.onResume = next.onResume
		wakeup := WakeupToken(e.wakeups.insert(&pendingWakeup{op: op, purpose: wakeupResume}))
		op.resume = wakeup
		fx.wakeups = append(fx.wakeups, issueWakeup{token: wakeup, delay: next.delay})
	default:
		e.advanceLocked(op, fail(InternalError(ResultUnhandledVariant, nil, "core: operation produced an empty step")), fx)
	}
}

// retireLocked removes op and every slot it still owns. Handles already
// attached are queued for cancellation.
func (e *Engine) retireLocked(op *operation, fx *effects) {
	op.phase = phaseDone
	op.onResponse = nil
	op.onResume = nil
	e.operations.take(op.id)
	if op.request != 0 {
		if pending, ok := e.requests.take(uint64(op.request)); ok && pending.handle != nil {
			fx.cancels = append(fx.cancels, pending.handle)
		}
		op.request = 0
	}
	for _, token := range []WakeupToken{op.timeout, op.resume} {
		if token == 0 {
			continue
		}
		if pending, ok := e.wakeups.take(uint64(token)); ok && pending.handle != nil {
			fx.cancels = append(fx.cancels, pending.handle)
		}
	}
	op.timeout = 0
	op.resume = 0
}

// CompleteRoundtrip is the fixed entry point for a finished ExecuteRequest.
// Completions for unknown, canceled, or already used tokens are dropped.
func (e *Engine) CompleteRoundtrip(token RoundtripToken, resp HTTPResponse) {
	if e == nil {
		return
	}
	var fx effects
	e.mu.Lock()
	if e.state != engineActive {
		e.mu.Unlock()
		e.recordDrop("roundtrip", "shutdown")
		return
	}
	pending, ok := e.requests.take(uint64(token))
	if !ok || pending.op == nil || pending.op.phase == phaseDone {
		e.mu.Unlock()
		e.recordDrop("roundtrip", "stale")
		return
	}
	op := pending.op
	op.request = 0
	if op.timeout != 0 {
		if timer, found := e.wakeups.take(uint64(op.timeout)); found && timer.handle != nil {
			fx.cancels = append(fx.cancels, timer.handle)
		}
		op.timeout = 0
	}
	op.phase = phaseResolving
	next := op.onResponse
	op.onResponse = nil
	if next == nil {
		e.advanceLocked(op, fail(InternalError(ResultUnhandledVariant, nil, "core: response without continuation")), &fx)
	} else {
		e.advanceLocked(op, next(resp), &fx)
	}
	e.mu.Unlock()
	e.runEffects(fx)
}

// CompleteWakeup is the fixed entry point for a fired ScheduleWakeup.
func (e *Engine) CompleteWakeup(token WakeupToken) {
	if e == nil {
		return
	}
	var fx effects
	e.mu.Lock()
	if e.state != engineActive {
		e.mu.Unlock()
		e.recordDrop("wakeup", "shutdown")
		return
	}
	pending, ok := e.wakeups.take(uint64(token))
	if !ok || pending.op == nil || pending.op.phase == phaseDone {
		e.mu.Unlock()
		e.recordDrop("wakeup", "stale")
		return
	}
	op := pending.op
	timedOut := false
	switch pending.purpose {
	case wakeupTimeout:
		op.timeout = 0
		if op.request == 0 {
			e.mu.Unlock()
			return
		}
		if request, found := e.requests.take(uint64(op.request)); found && request.handle != nil {
			fx.cancels = append(fx.cancels, request.handle)
		}
		op.request = 0
		op.phase = phaseResolving
		next := op.onResponse
		op.onResponse = nil
		timedOut = true
		if next == nil {
			e.advanceLocked(op, fail(InternalError(ResultUnhandledVariant, nil, "core: timeout without continuation")), &fx)
		} else {
			e.advanceLocked(op, next(HTTPResponse{Result: ResultRequestFailed}), &fx)
		}
	default:
		op.resume = 0
		op.phase = phaseResolving
		next := op.onResume
		op.onResume = nil
		if next == nil {
			e.advanceLocked(op, fail(InternalError(ResultUnhandledVariant, nil, "core: wakeup without continuation")), &fx)
		} else {
			e.advanceLocked(op, next(), &fx)
		}
	}
	name := op.name
	e.mu.Unlock()
	if timedOut {
		e.logger.Warn("request timed out", "operation", name, "timeout_ms", e.config.Request.TimeoutMS)
	}
	e.runEffects(fx)
}

func (e *Engine) runEffects(fx effects) {
	for _, handle := range fx.cancels {
		handle.Cancel()
	}
	for _, issue := range fx.requests {
		e.issueRequest(issue)
	}
	for _, issue := range fx.wakeups {
		e.issueWakeup(issue)
	}
	for _, d := range fx.deliveries {
		e.deliver(d)
	}
}

func (e *Engine) issueRequest(issue issueRequest) {
	if !e.requestPending(issue.token) {
		return
	}
	if throttled, retryAfter := e.throttled(); throttled {
		headers := []string(nil)
		if retryAfter > 0 {
			headers = append(headers, "Retry-After: "+strconv.FormatInt(int64(retryAfter.Round(time.Second)/time.Second), 10))
		}
		e.CompleteRoundtrip(issue.token, HTTPResponse{Result: ResultRetryLater, Status: 429, Headers: headers})
		return
	}
	e.recordCounter(e.ctx, "skus.bridge.requests.total", 1, map[string]string{"method": issue.req.Method})
	token := issue.token
	handle := e.host.ExecuteRequest(issue.req, func(resp HTTPResponse) {
		e.observeThrottle(resp)
		e.CompleteRoundtrip(token, resp)
	})
	e.attachRequest(token, handle)
}

func (e *Engine) issueWakeup(issue issueWakeup) {
	if !e.wakeupPending(issue.token) {
		return
	}
	e.recordCounter(e.ctx, "skus.bridge.wakeups.total", 1, nil)
	token := issue.token
	handle := e.host.ScheduleWakeup(issue.delay, func() {
		e.CompleteWakeup(token)
	})
	e.attachWakeup(token, handle)
}

// attachRequest records the handle on its slot. When the slot is already
// gone (completed inline, timed out, or shut down) the handle is released.
func (e *Engine) attachRequest(token RoundtripToken, handle RequestHandle) {
	if handle == nil {
		return
	}
	e.mu.Lock()
	if e.state == engineActive {
		if pending, ok := e.requests.get(uint64(token)); ok {
			pending.handle = handle
			e.mu.Unlock()
			return
		}
	}
	e.mu.Unlock()
	handle.Cancel()
}

func (e *Engine) attachWakeup(token WakeupToken, handle WakeupHandle) {
	if handle == nil {
		return
	}
	e.mu.Lock()
	if e.state == engineActive {
		if pending, ok := e.wakeups.get(uint64(token)); ok {
			pending.handle = handle
			e.mu.Unlock()
			return
		}
	}
	e.mu.Unlock()
	handle.Cancel()
}

func (e *Engine) requestPending(token RoundtripToken) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engineActive {
		return false
	}
	_, ok := e.requests.get(uint64(token))
	return ok
}

func (e *Engine) wakeupPending(token WakeupToken) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engineActive {
		return false
	}
	_, ok := e.wakeups.get(uint64(token))
	return ok
}

// deliver is the only place an operation callback runs. Deliveries queued
// before a concurrent Shutdown are dropped; no callback starts after it.
func (e *Engine) deliver(d delivery) {
	if d.op == nil {
		return
	}
	e.mu.Lock()
	shutdown := e.state == engineShutdown
	e.mu.Unlock()
	if shutdown {
		e.recordDrop("callback", "shutdown")
		return
	}
	e.observeOperation(e.ctx, d.op, d.code, d.err)
	if d.op.callback != nil {
		d.op.callback(d.code, d.payload)
	}
}

func (e *Engine) throttled() (bool, time.Duration) {
	if e.rateLimitPolicy == nil {
		return false, 0
	}
	err := e.rateLimitPolicy.BeforeCall(e.ctx, e.rateLimitKey())
	if err == nil {
		return false, 0
	}
	var hinted interface{ RetryAfterHint() time.Duration }
	if errors.As(err, &hinted) {
		return true, hinted.RetryAfterHint()
	}
	if ResultFromError(err) == ResultRetryLater {
		return true, 0
	}
	e.logger.Warn("rate limit check failed", "error", err.Error())
	return false, 0
}

func (e *Engine) observeThrottle(resp HTTPResponse) {
	if e.rateLimitPolicy == nil || resp.Result != ResultOk {
		return
	}
	meta := ResponseMeta{StatusCode: resp.Status, Headers: HeaderMap(resp.Headers)}
	if err := e.rateLimitPolicy.AfterCall(e.ctx, e.rateLimitKey(), meta); err != nil {
		e.logger.Warn("rate limit update failed", "error", err.Error())
	}
}

func (e *Engine) rateLimitKey() RateLimitKey {
	return RateLimitKey{Environment: string(e.environment), BucketKey: "orders"}
}

func (e *Engine) recordDrop(kind string, reason string) {
	e.recordCounter(e.ctx, "skus.bridge.dropped.total", 1, map[string]string{"kind": kind, "reason": reason})
}
