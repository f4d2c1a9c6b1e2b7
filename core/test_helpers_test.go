package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

const testOrderServer = "https://orders.test"

type stubCall struct {
	host       *stubHost
	req        HTTPRequest
	delay      time.Duration
	onResponse func(HTTPResponse)
	onWake     func()
	canceled   bool
	done       bool
}

func (c *stubCall) Cancel() {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	c.canceled = true
}

func (c *stubCall) isCanceled() bool {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	return c.canceled
}

func (c *stubCall) claim() bool {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.canceled || c.done {
		return false
	}
	c.done = true
	return true
}

func (c *stubCall) complete(resp HTTPResponse) bool {
	if !c.claim() {
		return false
	}
	c.onResponse(resp)
	return true
}

func (c *stubCall) fire() bool {
	if !c.claim() {
		return false
	}
	c.onWake()
	return true
}

// stubHost records every boundary call. With respond set it answers requests
// inline; with fireWakeups set it fires wakeups inline.
type stubHost struct {
	mu          sync.Mutex
	kv          map[string]string
	kvGetErr    error
	kvSetErr    error
	respond     func(HTTPRequest) (HTTPResponse, bool)
	fireWakeups bool
	requests    []*stubCall
	wakeups     []*stubCall
	logs        []string
}

func newStubHost() *stubHost {
	return &stubHost{kv: map[string]string{}}
}

func (h *stubHost) ExecuteRequest(req HTTPRequest, done func(HTTPResponse)) RequestHandle {
	call := &stubCall{host: h, req: req, onResponse: done}
	h.mu.Lock()
	h.requests = append(h.requests, call)
	respond := h.respond
	h.mu.Unlock()
	if respond != nil {
		if resp, ok := respond(req); ok {
			call.complete(resp)
		}
	}
	return call
}

func (h *stubHost) ScheduleWakeup(delay time.Duration, done func()) WakeupHandle {
	call := &stubCall{host: h, delay: delay, onWake: done}
	h.mu.Lock()
	h.wakeups = append(h.wakeups, call)
	fire := h.fireWakeups
	h.mu.Unlock()
	if fire {
		call.fire()
	}
	return call
}

func (h *stubHost) KVGet(key string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kvGetErr != nil {
		return "", h.kvGetErr
	}
	return h.kv[key], nil
}

func (h *stubHost) KVSet(key string, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kvSetErr != nil {
		return h.kvSetErr
	}
	h.kv[key] = value
	return nil
}

func (h *stubHost) KVPurge() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kv = map[string]string{}
	return nil
}

func (h *stubHost) Log(file string, line int, level LogLevel, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, fmt.Sprintf("%s %s:%d %s", level, file, line, message))
}

func (h *stubHost) request(t *testing.T, index int) *stubCall {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if index >= len(h.requests) {
		t.Fatalf("expected request %d, host saw %d", index, len(h.requests))
	}
	return h.requests[index]
}

func (h *stubHost) wakeup(t *testing.T, index int) *stubCall {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if index >= len(h.wakeups) {
		t.Fatalf("expected wakeup %d, host saw %d", index, len(h.wakeups))
	}
	return h.wakeups[index]
}

func (h *stubHost) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *stubHost) logged(fragment string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, line := range h.logs {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

// casHost adds compare-and-set with an optional forced conflict.
type casHost struct {
	*stubHost
	conflict bool
}

func (h *casHost) KVCompareAndSet(key string, expected string, value string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conflict || h.kv[key] != expected {
		return false, nil
	}
	h.kv[key] = value
	return true, nil
}

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Environment = string(EnvironmentLocal)
	cfg.OrderServerURL = testOrderServer
	cfg.Request.TimeoutMS = 0
	cfg.Request.MaxAttempts = 1
	cfg.Credentials.BatchSize = 4
	cfg.Credentials.PollAttempts = 3
	return cfg
}

func newTestEngine(t *testing.T, host HostServices, cfg Config, opts ...Option) *Engine {
	t.Helper()
	options := append([]Option{WithOptionsResolver(&fixedOptionsResolver{cfg: cfg})}, opts...)
	engine, err := NewEngine(cfg, host, options...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Shutdown)
	return engine
}

type callbackRecorder struct {
	mu       sync.Mutex
	codes    []ResultCode
	payloads []string
}

func (r *callbackRecorder) record(code ResultCode, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	r.payloads = append(r.payloads, payload)
}

func (r *callbackRecorder) recordCode(code ResultCode) {
	r.record(code, "")
}

func (r *callbackRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

func (r *callbackRecorder) only(t *testing.T) (ResultCode, string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.codes) != 1 {
		t.Fatalf("expected exactly one callback, got %d (%v)", len(r.codes), r.codes)
	}
	return r.codes[0], r.payloads[0]
}

// fakeOrderServer answers the order protocol and signs with a DigestIssuer.
type fakeOrderServer struct {
	mu           sync.Mutex
	issuer       DigestIssuer
	orders       map[string]Order
	blinded      map[string][]string
	pendingPolls int
	expiresAt    time.Time
	tamperProof  bool
	calls        map[string]int
}

func newFakeOrderServer() *fakeOrderServer {
	return &fakeOrderServer{
		issuer:    DigestIssuer{Key: []byte("issuer-signing-key"), PublicKey: "issuer-public-key"},
		orders:    map[string]Order{},
		blinded:   map[string][]string{},
		expiresAt: time.Now().Add(24 * time.Hour).UTC(),
		calls:     map[string]int{},
	}
}

func paidOrder(id string, location string) Order {
	return Order{
		ID:         id,
		MerchantID: "brave.com",
		Location:   location,
		Status:     OrderStatusPaid,
		Items: []OrderItem{{
			ID:             id + "-item",
			OrderID:        id,
			SKU:            "user-wallet-vote",
			Location:       location,
			Quantity:       1,
			CredentialType: CredentialTypeSingleUse,
		}},
	}
}

func jsonResponse(status int, value any) HTTPResponse {
	body, _ := json.Marshal(value)
	return HTTPResponse{Result: ResultOk, Status: status, Headers: []string{"Content-Type: application/json"}, Body: body}
}

func (s *fakeOrderServer) respond(req HTTPRequest) (HTTPResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := strings.TrimPrefix(req.URL, testOrderServer+"/v1/orders/")
	parts := strings.Split(path, "/")
	s.calls[req.Method+" "+strings.Join(parts[1:], "/")]++
	order, ok := s.orders[parts[0]]
	if !ok {
		return HTTPResponse{Result: ResultOk, Status: http.StatusNotFound}, true
	}
	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		return jsonResponse(http.StatusOK, order), true
	case len(parts) == 2 && req.Method == http.MethodPost:
		var body credentialRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return HTTPResponse{Result: ResultOk, Status: http.StatusBadRequest}, true
		}
		if _, exists := s.blinded[body.ItemID]; exists {
			return HTTPResponse{Result: ResultOk, Status: http.StatusConflict}, true
		}
		s.blinded[body.ItemID] = body.BlindedCreds
		return HTTPResponse{Result: ResultOk, Status: http.StatusCreated}, true
	case len(parts) == 3 && req.Method == http.MethodGet:
		if s.pendingPolls > 0 {
			s.pendingPolls--
			return HTTPResponse{Result: ResultOk, Status: http.StatusAccepted}, true
		}
		blinded := s.blinded[parts[2]]
		signed, proof := s.issuer.Sign(blinded)
		if s.tamperProof {
			proof = base64.RawURLEncoding.EncodeToString([]byte("forged"))
		}
		return jsonResponse(http.StatusOK, SignedBatch{
			ItemID:      parts[2],
			OrderID:     order.ID,
			IssuerID:    "issuer-1",
			PublicKey:   s.issuer.PublicKey,
			SignedCreds: signed,
			BatchProof:  proof,
			ValidFrom:   time.Now().Add(-time.Hour).UTC(),
			ExpiresAt:   s.expiresAt,
		}), true
	}
	return HTTPResponse{Result: ResultOk, Status: http.StatusMethodNotAllowed}, true
}

var errStubStorage = errors.New("stub storage unavailable")

type testSecretProvider struct{}

func (testSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("test secret provider: plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return []byte("sealed:" + encoded), nil
}

func (testSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	raw := string(ciphertext)
	if !strings.HasPrefix(raw, "sealed:") {
		return nil, fmt.Errorf("test secret provider: invalid ciphertext")
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, "sealed:"))
}

type throttleError struct {
	retryAfter time.Duration
}

func (e throttleError) Error() string { return "throttled" }

func (e throttleError) RetryAfterHint() time.Duration { return e.retryAfter }

type stubRateLimitPolicy struct {
	mu     sync.Mutex
	before error
	keys   []RateLimitKey
	after  []ResponseMeta
}

func (p *stubRateLimitPolicy) BeforeCall(_ context.Context, key RateLimitKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return p.before
}

func (p *stubRateLimitPolicy) AfterCall(_ context.Context, _ RateLimitKey, res ResponseMeta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.after = append(p.after, res)
	return nil
}

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) hasCounter(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, counter := range m.counters {
		if counter.name == name {
			return true
		}
	}
	return false
}

func (m *captureMetricsRecorder) hasHistogram(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, histogram := range m.histograms {
		if histogram.name == name {
			return true
		}
	}
	return false
}
