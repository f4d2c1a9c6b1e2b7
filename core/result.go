package core

import "strings"

// ResultCode is the closed outcome set shared by every engine operation.
type ResultCode int

const (
	ResultOk ResultCode = iota
	ResultRequestFailed
	ResultInternalServer
	ResultBadRequest
	ResultUnhandledStatus
	ResultRetryLater
	ResultNotFound
	ResultSerializationFailed
	ResultInvalidResponse
	ResultInvalidProof
	ResultQueryError
	ResultOutOfCredentials
	ResultOrderUnpaid
	ResultOrderLocationMismatch
	ResultItemCredentialsMissing
	ResultItemCredentialsExpired
	ResultInvalidMerchantOrSku
	ResultStorageWriteFailed
	ResultStorageReadFailed
	ResultBorrowFailed
	ResultUnhandledVariant
	ResultUnknownError
)

var resultCodeNames = [...]string{
	ResultOk:                     "ok",
	ResultRequestFailed:          "request_failed",
	ResultInternalServer:         "internal_server",
	ResultBadRequest:             "bad_request",
	ResultUnhandledStatus:        "unhandled_status",
	ResultRetryLater:             "retry_later",
	ResultNotFound:               "not_found",
	ResultSerializationFailed:    "serialization_failed",
	ResultInvalidResponse:        "invalid_response",
	ResultInvalidProof:           "invalid_proof",
	ResultQueryError:             "query_error",
	ResultOutOfCredentials:       "out_of_credentials",
	ResultOrderUnpaid:            "order_unpaid",
	ResultOrderLocationMismatch:  "order_location_mismatch",
	ResultItemCredentialsMissing: "item_credentials_missing",
	ResultItemCredentialsExpired: "item_credentials_expired",
	ResultInvalidMerchantOrSku:   "invalid_merchant_or_sku",
	ResultStorageWriteFailed:     "storage_write_failed",
	ResultStorageReadFailed:      "storage_read_failed",
	ResultBorrowFailed:           "borrow_failed",
	ResultUnhandledVariant:       "unhandled_variant",
	ResultUnknownError:           "unknown_error",
}

func (c ResultCode) String() string {
	if c.Valid() {
		return resultCodeNames[c]
	}
	return resultCodeNames[ResultUnhandledVariant]
}

func (c ResultCode) Valid() bool {
	return c >= ResultOk && int(c) < len(resultCodeNames)
}

func (c ResultCode) OK() bool {
	return c == ResultOk
}

// ParseResultCode accepts the snake_case names produced by String.
func ParseResultCode(value string) (ResultCode, bool) {
	value = strings.TrimSpace(strings.ToLower(value))
	for index, name := range resultCodeNames {
		if name == value {
			return ResultCode(index), true
		}
	}
	return ResultUnhandledVariant, false
}

// Retryable reports the transport classes the engine may retry within one operation.
func (c ResultCode) Retryable() bool {
	switch c {
	case ResultRequestFailed, ResultInternalServer, ResultRetryLater:
		return true
	default:
		return false
	}
}
