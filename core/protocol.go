package core

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	OrderStatusPaid = "paid"

	CredentialTypeSingleUse   = "single-use"
	CredentialTypeTimeLimited = "time-limited"
)

// Order is the order server's view of a purchase.
type Order struct {
	ID         string      `json:"id"`
	MerchantID string      `json:"merchantId"`
	Location   string      `json:"location"`
	Status     string      `json:"status"`
	Currency   string      `json:"currencyCode,omitempty"`
	TotalPrice string      `json:"totalPrice,omitempty"`
	Items      []OrderItem `json:"items"`
	ExpiresAt  *time.Time  `json:"expiresAt,omitempty"`
	CreatedAt  time.Time   `json:"createdAt,omitempty"`
	UpdatedAt  time.Time   `json:"updatedAt,omitempty"`
}

type OrderItem struct {
	ID             string `json:"id"`
	OrderID        string `json:"orderId"`
	SKU            string `json:"sku"`
	Location       string `json:"location"`
	Description    string `json:"description,omitempty"`
	Quantity       int    `json:"quantity"`
	CredentialType string `json:"credentialType"`
}

type credentialRequest struct {
	ItemID       string   `json:"itemId"`
	Type         string   `json:"type"`
	BlindedCreds []string `json:"blindedCreds"`
}

type serverError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

var serverErrorCodes = map[string]ResultCode{
	"order_location_mismatch": ResultOrderLocationMismatch,
	"invalid_merchant_or_sku": ResultInvalidMerchantOrSku,
	"out_of_credentials":      ResultOutOfCredentials,
	"order_unpaid":            ResultOrderUnpaid,
}

// classifyResponse maps a host response onto the result taxonomy. Any 2xx is
// Ok; callers inspect the status for 202 and 409 themselves.
func classifyResponse(resp HTTPResponse) ResultCode {
	if resp.Result != ResultOk {
		if !resp.Result.Valid() {
			return ResultUnhandledVariant
		}
		return resp.Result
	}
	switch status := resp.Status; {
	case status >= 200 && status < 300:
		return ResultOk
	case status == http.StatusBadRequest:
		var body serverError
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			if code, ok := serverErrorCodes[strings.ToLower(strings.TrimSpace(body.ErrorCode))]; ok {
				return code
			}
		}
		return ResultBadRequest
	case status == http.StatusPaymentRequired:
		return ResultOrderUnpaid
	case status == http.StatusNotFound:
		return ResultNotFound
	case status == http.StatusTooManyRequests:
		return ResultRetryLater
	case status >= 500 && status < 600:
		return ResultInternalServer
	default:
		return ResultUnhandledStatus
	}
}

func responseError(resp HTTPResponse, operation string) error {
	code := classifyResponse(resp)
	metadata := map[string]any{"operation": operation}
	if resp.Result == ResultOk {
		metadata["status"] = resp.Status
	}
	switch code {
	case ResultOrderUnpaid, ResultOrderLocationMismatch, ResultInvalidMerchantOrSku, ResultOutOfCredentials:
		return DomainError(code, "core: order server rejected "+operation, metadata)
	default:
		return NetworkError(code, "core: "+operation+" request failed", metadata)
	}
}

type orderEndpoints struct {
	base string
}

func newOrderEndpoints(base string) (orderEndpoints, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return orderEndpoints{}, DomainError(ResultQueryError, "core: invalid order server url", map[string]any{"url": base})
	}
	return orderEndpoints{base: strings.TrimRight(parsed.String(), "/")}, nil
}

func (o orderEndpoints) order(orderID string) (string, error) {
	segment, err := pathSegment("order_id", orderID)
	if err != nil {
		return "", err
	}
	return o.base + "/v1/orders/" + segment, nil
}

func (o orderEndpoints) credentials(orderID string) (string, error) {
	orderURL, err := o.order(orderID)
	if err != nil {
		return "", err
	}
	return orderURL + "/credentials", nil
}

func (o orderEndpoints) itemCredentials(orderID string, itemID string) (string, error) {
	base, err := o.credentials(orderID)
	if err != nil {
		return "", err
	}
	segment, err := pathSegment("item_id", itemID)
	if err != nil {
		return "", err
	}
	return base + "/" + segment, nil
}

func pathSegment(field string, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed != value || strings.ContainsAny(value, "/?#") {
		return "", DomainError(ResultQueryError, "core: invalid "+field, map[string]any{field: value})
	}
	return url.PathEscape(value), nil
}

func jsonHeaders() []string {
	return []string{"Accept: application/json", "Content-Type: application/json"}
}

func getRequest(target string) HTTPRequest {
	return HTTPRequest{URL: target, Method: http.MethodGet, Headers: []string{"Accept: application/json"}}
}

func postJSON(target string, payload any) (HTTPRequest, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return HTTPRequest{}, InternalError(ResultSerializationFailed, err, "core: encode request body")
	}
	return HTTPRequest{URL: target, Method: http.MethodPost, Headers: jsonHeaders(), Body: body}, nil
}

func decodeOrder(resp HTTPResponse) (Order, error) {
	var order Order
	if err := json.Unmarshal(resp.Body, &order); err != nil {
		return Order{}, DomainError(ResultInvalidResponse, "core: order body is not valid json", nil)
	}
	if strings.TrimSpace(order.ID) == "" {
		return Order{}, DomainError(ResultInvalidResponse, "core: order body has no id", nil)
	}
	return order, nil
}

func decodeBatch(resp HTTPResponse) (SignedBatch, error) {
	var batch SignedBatch
	if err := json.Unmarshal(resp.Body, &batch); err != nil {
		return SignedBatch{}, DomainError(ResultInvalidResponse, "core: credential batch is not valid json", nil)
	}
	if strings.TrimSpace(batch.ItemID) == "" || len(batch.SignedCreds) == 0 {
		return SignedBatch{}, DomainError(ResultInvalidResponse, "core: credential batch is incomplete", nil)
	}
	return batch, nil
}
