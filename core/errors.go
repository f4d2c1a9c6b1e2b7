package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorLayer identifies which part of the engine produced an error.
type ErrorLayer string

const (
	LayerNetwork  ErrorLayer = "network"
	LayerStorage  ErrorLayer = "storage"
	LayerDomain   ErrorLayer = "domain"
	LayerInternal ErrorLayer = "internal"
)

const (
	metadataLayer      = "layer"
	metadataResultCode = "result_code"
)

// Text codes for failures outside the result taxonomy, used by the blocking
// command and query wrappers.
const (
	TextCodeBadInput = "SKUS_BAD_INPUT"
	TextCodeInternal = "SKUS_INTERNAL"
)

var ErrEngineShutdown = errors.New("core: engine used after shutdown")

type resultDescriptor struct {
	textCode string
	category goerrors.Category
	layer    ErrorLayer
}

var resultDescriptors = map[ResultCode]resultDescriptor{
	ResultRequestFailed:          {"SKUS_REQUEST_FAILED", goerrors.CategoryExternal, LayerNetwork},
	ResultInternalServer:         {"SKUS_INTERNAL_SERVER", goerrors.CategoryExternal, LayerNetwork},
	ResultBadRequest:             {"SKUS_BAD_REQUEST", goerrors.CategoryBadInput, LayerNetwork},
	ResultUnhandledStatus:        {"SKUS_UNHANDLED_STATUS", goerrors.CategoryExternal, LayerNetwork},
	ResultRetryLater:             {"SKUS_RETRY_LATER", goerrors.CategoryRateLimit, LayerNetwork},
	ResultNotFound:               {"SKUS_NOT_FOUND", goerrors.CategoryNotFound, LayerNetwork},
	ResultSerializationFailed:    {"SKUS_SERIALIZATION_FAILED", goerrors.CategoryInternal, LayerInternal},
	ResultInvalidResponse:        {"SKUS_INVALID_RESPONSE", goerrors.CategoryExternal, LayerNetwork},
	ResultInvalidProof:           {"SKUS_INVALID_PROOF", goerrors.CategoryAuth, LayerDomain},
	ResultQueryError:             {"SKUS_QUERY_ERROR", goerrors.CategoryBadInput, LayerNetwork},
	ResultOutOfCredentials:       {"SKUS_OUT_OF_CREDENTIALS", goerrors.CategoryConflict, LayerDomain},
	ResultOrderUnpaid:            {"SKUS_ORDER_UNPAID", goerrors.CategoryOperation, LayerDomain},
	ResultOrderLocationMismatch:  {"SKUS_ORDER_LOCATION_MISMATCH", goerrors.CategoryBadInput, LayerDomain},
	ResultItemCredentialsMissing: {"SKUS_ITEM_CREDENTIALS_MISSING", goerrors.CategoryNotFound, LayerDomain},
	ResultItemCredentialsExpired: {"SKUS_ITEM_CREDENTIALS_EXPIRED", goerrors.CategoryOperation, LayerDomain},
	ResultInvalidMerchantOrSku:   {"SKUS_INVALID_MERCHANT_OR_SKU", goerrors.CategoryBadInput, LayerDomain},
	ResultStorageWriteFailed:     {"SKUS_STORAGE_WRITE_FAILED", goerrors.CategoryInternal, LayerStorage},
	ResultStorageReadFailed:      {"SKUS_STORAGE_READ_FAILED", goerrors.CategoryInternal, LayerStorage},
	ResultBorrowFailed:           {"SKUS_BORROW_FAILED", goerrors.CategoryConflict, LayerStorage},
	ResultUnhandledVariant:       {"SKUS_UNHANDLED_VARIANT", goerrors.CategoryInternal, LayerInternal},
	ResultUnknownError:           {"SKUS_UNKNOWN_ERROR", goerrors.CategoryInternal, LayerInternal},
}

// TextCode returns the stable go-errors text code for a non-Ok result.
func (c ResultCode) TextCode() string {
	if descriptor, ok := resultDescriptors[c]; ok {
		return descriptor.textCode
	}
	return ""
}

func NetworkError(code ResultCode, message string, metadata map[string]any) *goerrors.Error {
	return newLayerError(LayerNetwork, code, nil, message, metadata)
}

// WrapNetworkError keeps source in the chain, so callers can still match
// net or context errors under the result code.
func WrapNetworkError(code ResultCode, source error, message string, metadata map[string]any) *goerrors.Error {
	return newLayerError(LayerNetwork, code, source, message, metadata)
}

func StorageError(code ResultCode, source error, message string) *goerrors.Error {
	return newLayerError(LayerStorage, code, source, message, nil)
}

func DomainError(code ResultCode, message string, metadata map[string]any) *goerrors.Error {
	return newLayerError(LayerDomain, code, nil, message, metadata)
}

func InternalError(code ResultCode, source error, message string) *goerrors.Error {
	return newLayerError(LayerInternal, code, source, message, nil)
}

func newLayerError(
	layer ErrorLayer,
	code ResultCode,
	source error,
	message string,
	metadata map[string]any,
) *goerrors.Error {
	descriptor, ok := resultDescriptors[code]
	if !ok {
		descriptor = resultDescriptors[ResultUnhandledVariant]
		code = ResultUnhandledVariant
	}
	var err *goerrors.Error
	if source != nil {
		err = goerrors.Wrap(source, descriptor.category, message)
		err.Category = descriptor.category
	} else {
		err = goerrors.New(message, descriptor.category)
	}
	err = err.
		WithCode(resultHTTPStatus(descriptor.category)).
		WithTextCode(descriptor.textCode).
		WithMetadata(map[string]any{
			metadataLayer:      string(layer),
			metadataResultCode: code.String(),
		})
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// ResultFromError collapses a layered error into the public result code.
func ResultFromError(err error) ResultCode {
	if err == nil {
		return ResultOk
	}

	// A layered code wins over whatever it wraps, including context errors.
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		if code, ok := resultFromTextCode(richErr.TextCode); ok {
			return code
		}
		if raw, ok := richErr.Metadata[metadataResultCode].(string); ok {
			if code, ok := ParseResultCode(raw); ok {
				return code
			}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ResultRequestFailed
	}
	if richErr == nil {
		richErr = goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	}
	if richErr == nil {
		return ResultUnknownError
	}

	switch richErr.Category {
	case goerrors.CategoryNotFound:
		return ResultNotFound
	case goerrors.CategoryRateLimit:
		return ResultRetryLater
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ResultBadRequest
	case goerrors.CategoryExternal:
		return ResultRequestFailed
	default:
		return ResultUnknownError
	}
}

// ErrorFromResult lifts a non-Ok result back into a go-errors envelope.
func ErrorFromResult(code ResultCode, detail string) error {
	if code == ResultOk {
		return nil
	}
	descriptor, ok := resultDescriptors[code]
	if !ok {
		code = ResultUnhandledVariant
		descriptor = resultDescriptors[code]
	}
	message := "skus: " + code.String()
	if detail = strings.TrimSpace(detail); detail != "" {
		message += ": " + detail
	}
	return newLayerError(descriptor.layer, code, nil, message, nil)
}

// LayerOf reports the layer recorded on err, if any.
func LayerOf(err error) ErrorLayer {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr == nil {
		return ""
	}
	if raw, ok := richErr.Metadata[metadataLayer].(string); ok {
		return ErrorLayer(raw)
	}
	if code, ok := resultFromTextCode(richErr.TextCode); ok {
		return resultDescriptors[code].layer
	}
	return ""
}

func resultFromTextCode(textCode string) (ResultCode, bool) {
	textCode = strings.TrimSpace(strings.ToUpper(textCode))
	if textCode == "" {
		return ResultOk, false
	}
	for code, descriptor := range resultDescriptors {
		if descriptor.textCode == textCode {
			return code, true
		}
	}
	return ResultOk, false
}

func resultHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusUnprocessableEntity
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
