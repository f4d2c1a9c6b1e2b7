// Package orderserver is an in-memory order server speaking the engine's
// default wire format. It backs local development and tests.
package orderserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-skus/core"
)

type Option func(*Server)

// WithPendingPolls makes the credential endpoint answer 202 that many times
// per item before returning the signed batch.
func WithPendingPolls(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.pendingPolls = n
		}
	}
}

func WithValidity(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.validity = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

type submission struct {
	blinded []string
	polls   int
}

type Server struct {
	issuer       core.DigestIssuer
	pendingPolls int
	validity     time.Duration
	now          func() time.Time
	mux          *http.ServeMux

	mu          sync.Mutex
	orders      map[string]core.Order
	submissions map[string]*submission
	requests    int
}

func New(issuer core.DigestIssuer, opts ...Option) *Server {
	s := &Server{
		issuer:      issuer,
		validity:    30 * 24 * time.Hour,
		now:         time.Now,
		orders:      map[string]core.Order{},
		submissions: map[string]*submission{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/orders/{order}", s.getOrder)
	mux.HandleFunc("POST /v1/orders/{order}/credentials", s.submitCredentials)
	mux.HandleFunc("GET /v1/orders/{order}/credentials/{item}", s.getCredentials)
	s.mux = mux
	return s
}

// PutOrder adds or replaces an order.
func (s *Server) PutOrder(order core.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range order.Items {
		if order.Items[i].OrderID == "" {
			order.Items[i].OrderID = order.ID
		}
	}
	s.orders[order.ID] = order
}

// Requests counts every request served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
	s.mux.ServeHTTP(w, r)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	order, ok := s.orders[r.PathValue("order")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type credentialRequest struct {
	ItemID       string   `json:"itemId"`
	Type         string   `json:"type"`
	BlindedCreds []string `json:"blindedCreds"`
}

func (s *Server) submitCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.BlindedCreds) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[r.PathValue("order")]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if !strings.EqualFold(order.Status, core.OrderStatusPaid) {
		writeError(w, http.StatusPaymentRequired, "order_unpaid")
		return
	}
	if !hasItem(order, req.ItemID) {
		writeError(w, http.StatusBadRequest, "invalid_merchant_or_sku")
		return
	}
	key := order.ID + "/" + req.ItemID
	if _, exists := s.submissions[key]; exists {
		writeError(w, http.StatusConflict, "already_submitted")
		return
	}
	s.submissions[key] = &submission{blinded: append([]string(nil), req.BlindedCreds...)}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getCredentials(w http.ResponseWriter, r *http.Request) {
	orderID, itemID := r.PathValue("order"), r.PathValue("item")
	s.mu.Lock()
	sub, ok := s.submissions[orderID+"/"+itemID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if sub.polls < s.pendingPolls {
		sub.polls++
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	blinded := append([]string(nil), sub.blinded...)
	s.mu.Unlock()

	signed, proof := s.issuer.Sign(blinded)
	now := s.now().UTC()
	writeJSON(w, http.StatusOK, core.SignedBatch{
		ItemID:      itemID,
		OrderID:     orderID,
		IssuerID:    s.issuer.PublicKey,
		PublicKey:   s.issuer.PublicKey,
		SignedCreds: signed,
		BatchProof:  proof,
		ValidFrom:   now,
		ExpiresAt:   now.Add(s.validity),
	})
}

func hasItem(order core.Order, itemID string) bool {
	for _, item := range order.Items {
		if item.ID == itemID {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"errorCode": code, "message": strings.ReplaceAll(code, "_", " ")})
}
