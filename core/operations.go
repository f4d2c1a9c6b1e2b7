package core

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// exchange sends req and retries transient failures inside the operation,
// waiting through host wakeups between attempts.
func (e *Engine) exchange(req HTTPRequest, attempt int, handle func(HTTPResponse) step) step {
	return send(req, func(resp HTTPResponse) step {
		code := classifyResponse(resp)
		if !code.Retryable() || attempt >= e.config.Request.MaxAttempts {
			return handle(resp)
		}
		delay, ok := retryAfter(resp.Headers, e.now())
		if !ok {
			delay = e.backoff.NextDelay(attempt)
		}
		e.logger.Debug("retrying order server request",
			"url", req.URL,
			"attempt", attempt,
			"result_code", code.String(),
			"delay_ms", delay.Milliseconds(),
		)
		return sleep(delay, func() step {
			return e.exchange(req, attempt+1, handle)
		})
	})
}

type orderSummary struct {
	ID         string             `json:"id"`
	MerchantID string             `json:"merchant_id"`
	Location   string             `json:"location"`
	Status     string             `json:"status"`
	Paid       bool               `json:"paid"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	Items      []orderItemSummary `json:"items"`
}

type orderItemSummary struct {
	ID             string `json:"id"`
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	CredentialType string `json:"credential_type"`
}

func (e *Engine) beginRefreshOrder(orderID string) step {
	target, err := e.endpoints.order(orderID)
	if err != nil {
		return fail(err)
	}
	return e.exchange(getRequest(target), 1, func(resp HTTPResponse) step {
		order, err := e.acceptOrder(resp, orderID)
		if err != nil {
			return fail(err)
		}
		summary := orderSummary{
			ID:         order.ID,
			MerchantID: order.MerchantID,
			Location:   order.Location,
			Status:     order.Status,
			Paid:       strings.EqualFold(order.Status, OrderStatusPaid),
			ExpiresAt:  order.ExpiresAt,
			Items:      make([]orderItemSummary, 0, len(order.Items)),
		}
		for _, item := range order.Items {
			summary.Items = append(summary.Items, orderItemSummary{
				ID:             item.ID,
				SKU:            item.SKU,
				Quantity:       item.Quantity,
				CredentialType: credentialType(item),
			})
		}
		payload, err := json.Marshal(summary)
		if err != nil {
			return fail(InternalError(ResultSerializationFailed, err, "core: encode order summary"))
		}
		return finish(ResultOk, string(payload))
	})
}

// acceptOrder validates an order response and records it in state.
func (e *Engine) acceptOrder(resp HTTPResponse, orderID string) (Order, error) {
	if code := classifyResponse(resp); !code.OK() {
		return Order{}, responseError(resp, "order lookup")
	}
	order, err := decodeOrder(resp)
	if err != nil {
		return Order{}, err
	}
	if err := validateOrder(order, orderID); err != nil {
		return Order{}, err
	}
	refreshedAt := e.now()
	err = e.updateState(stateWriteRetries, func(state *credentialState) error {
		state.Orders[order.ID] = storedOrder{Order: order, RefreshedAt: refreshedAt}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func validateOrder(order Order, orderID string) error {
	if order.ID != orderID {
		return DomainError(ResultInvalidResponse, "core: order server returned a different order", map[string]any{
			"order_id":    orderID,
			"returned_id": order.ID,
		})
	}
	if strings.TrimSpace(order.MerchantID) == "" {
		return DomainError(ResultInvalidMerchantOrSku, "core: order has no merchant", map[string]any{"order_id": orderID})
	}
	for _, item := range order.Items {
		if strings.TrimSpace(item.SKU) == "" {
			return DomainError(ResultInvalidMerchantOrSku, "core: order item has no sku", map[string]any{"item_id": item.ID})
		}
		if item.Location != "" && !strings.EqualFold(item.Location, order.Location) {
			return DomainError(ResultOrderLocationMismatch, "core: order item location differs from order", map[string]any{
				"item_id":        item.ID,
				"item_location":  item.Location,
				"order_location": order.Location,
			})
		}
	}
	return nil
}

func credentialType(item OrderItem) string {
	if value := strings.TrimSpace(item.CredentialType); value != "" {
		return value
	}
	return CredentialTypeSingleUse
}

func (e *Engine) beginFetchCredentials(orderID string) step {
	target, err := e.endpoints.order(orderID)
	if err != nil {
		return fail(err)
	}
	return e.exchange(getRequest(target), 1, func(resp HTTPResponse) step {
		order, err := e.acceptOrder(resp, orderID)
		if err != nil {
			return fail(err)
		}
		if !strings.EqualFold(order.Status, OrderStatusPaid) {
			return fail(DomainError(ResultOrderUnpaid, "core: order is not paid", map[string]any{
				"order_id": order.ID,
				"status":   order.Status,
			}))
		}
		return e.fetchItem(order, 0)
	})
}

func (e *Engine) fetchItem(order Order, index int) step {
	for index < len(order.Items) && e.hasCredentials(order.Items[index].ID) {
		index++
	}
	if index >= len(order.Items) {
		return finish(ResultOk, "")
	}
	item := order.Items[index]
	tokens, err := e.scheme.Blind(e.config.Credentials.BatchSize)
	if err != nil {
		return fail(InternalError(ResultUnknownError, err, "core: prepare credential request"))
	}
	target, err := e.endpoints.credentials(order.ID)
	if err != nil {
		return fail(err)
	}
	blinded := make([]string, len(tokens))
	for i, token := range tokens {
		blinded[i] = token.Blinded
	}
	req, err := postJSON(target, credentialRequest{ItemID: item.ID, Type: credentialType(item), BlindedCreds: blinded})
	if err != nil {
		return fail(err)
	}
	return e.exchange(req, 1, func(resp HTTPResponse) step {
		alreadySubmitted := resp.Result == ResultOk && resp.Status == http.StatusConflict
		if code := classifyResponse(resp); !code.OK() && !alreadySubmitted {
			return fail(responseError(resp, "credential submission"))
		}
		return e.pollBatch(order, index, tokens, 1)
	})
}

func (e *Engine) pollBatch(order Order, index int, tokens []BlindedToken, poll int) step {
	item := order.Items[index]
	target, err := e.endpoints.itemCredentials(order.ID, item.ID)
	if err != nil {
		return fail(err)
	}
	return e.exchange(getRequest(target), 1, func(resp HTTPResponse) step {
		if resp.Result == ResultOk && resp.Status == http.StatusAccepted {
			if poll >= e.config.Credentials.PollAttempts {
				return fail(NetworkError(ResultRetryLater, "core: credentials are still being signed", map[string]any{
					"item_id": item.ID,
					"polls":   poll,
				}))
			}
			return sleep(e.config.Credentials.PollInterval(), func() step {
				return e.pollBatch(order, index, tokens, poll+1)
			})
		}
		if code := classifyResponse(resp); !code.OK() {
			return fail(responseError(resp, "credential retrieval"))
		}
		batch, err := decodeBatch(resp)
		if err != nil {
			return fail(err)
		}
		if batch.ItemID != item.ID {
			return fail(DomainError(ResultInvalidResponse, "core: credential batch is for another item", map[string]any{
				"item_id":     item.ID,
				"returned_id": batch.ItemID,
			}))
		}
		if !batch.ExpiresAt.IsZero() && !e.now().Before(batch.ExpiresAt) {
			return fail(DomainError(ResultItemCredentialsExpired, "core: credential batch already expired", map[string]any{"item_id": item.ID}))
		}
		credentials, err := e.scheme.Unblind(tokens, batch)
		if err != nil {
			if LayerOf(err) == "" {
				err = DomainError(ResultInvalidProof, "core: "+err.Error(), map[string]any{"item_id": item.ID})
			}
			return fail(err)
		}
		if err := e.storeCredentials(order, item, batch, credentials); err != nil {
			return fail(err)
		}
		return e.fetchItem(order, index+1)
	})
}

func (e *Engine) hasCredentials(itemID string) bool {
	state, _, err := e.loadState()
	if err != nil {
		return false
	}
	set, ok := state.Credentials[itemID]
	return ok && set != nil && !set.expired(e.now()) && set.remaining() > 0
}

func (e *Engine) storeCredentials(order Order, item OrderItem, batch SignedBatch, credentials []UnblindedCredential) error {
	location := item.Location
	if location == "" {
		location = order.Location
	}
	set := &storedCredentialSet{
		ItemID:      item.ID,
		OrderID:     order.ID,
		IssuerID:    batch.IssuerID,
		PublicKey:   batch.PublicKey,
		Location:    location,
		Type:        credentialType(item),
		ValidFrom:   batch.ValidFrom,
		ExpiresAt:   batch.ExpiresAt,
		Credentials: make([]storedCredential, 0, len(credentials)),
	}
	for _, credential := range credentials {
		set.Credentials = append(set.Credentials, storedCredential{UnblindedCredential: credential})
	}
	err := e.updateState(stateWriteRetries, func(state *credentialState) error {
		state.Credentials[item.ID] = set
		return nil
	})
	if err != nil && ResultFromError(err) == ResultStorageReadFailed {
		return StorageError(ResultStorageWriteFailed, err, "core: store credentials")
	}
	return err
}

func (e *Engine) beginPresentation(domain string, path string) step {
	var payload string
	now := e.now()
	err := e.updateState(0, func(state *credentialState) error {
		set, index, err := selectCredential(*state, domain, now)
		if err != nil {
			return err
		}
		presentation, err := e.scheme.Present(PresentableCredential{
			Issuer:              set.IssuerID,
			ItemID:              set.ItemID,
			UnblindedCredential: set.Credentials[index].UnblindedCredential,
		}, domain, path)
		if err != nil {
			return err
		}
		set.Credentials[index].Spent = true
		payload = presentation
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return finish(ResultOk, payload)
}

type credentialSummary struct {
	Domain                   string     `json:"domain"`
	OrderID                  string     `json:"order_id,omitempty"`
	ItemID                   string     `json:"item_id,omitempty"`
	RemainingCredentialCount int        `json:"remaining_credential_count"`
	ExpiresAt                *time.Time `json:"expires_at,omitempty"`
	Active                   bool       `json:"active"`
}

func (e *Engine) beginSummary(domain string) step {
	state, _, err := e.loadState()
	if err != nil {
		return fail(err)
	}
	summary := summarizeCredentials(state, domain, e.now())
	payload, err := json.Marshal(summary)
	if err != nil {
		return fail(InternalError(ResultSerializationFailed, err, "core: encode credential summary"))
	}
	return finish(ResultOk, string(payload))
}

func summarizeCredentials(state credentialState, domain string, now time.Time) credentialSummary {
	summary := credentialSummary{Domain: domain}
	for _, set := range domainSets(state, domain) {
		if set.expired(now) {
			continue
		}
		remaining := set.remaining()
		if remaining == 0 {
			continue
		}
		if summary.ItemID == "" {
			summary.OrderID = set.OrderID
			summary.ItemID = set.ItemID
			if !set.ExpiresAt.IsZero() {
				expiresAt := set.ExpiresAt
				summary.ExpiresAt = &expiresAt
			}
		}
		summary.RemainingCredentialCount += remaining
	}
	summary.Active = summary.RemainingCredentialCount > 0
	return summary
}
