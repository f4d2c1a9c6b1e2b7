package query

import (
	"net/http"

	"github.com/goliatone/go-skus/core"

	goerrors "github.com/goliatone/go-errors"
)

func queryDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.TextCodeInternal)
}

func queryValidationError(field string, message string) error {
	return goerrors.NewValidation("query: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.TextCodeBadInput).
		WithSeverity(goerrors.SeverityError)
}

func queryDecodeError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, "query: decode credential summary").
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ResultSerializationFailed.TextCode())
}
