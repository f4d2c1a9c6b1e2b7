package command

import "strings"

const (
	TypeRefreshOrder          = "skus.command.order.refresh"
	TypeFetchOrderCredentials = "skus.command.order.credentials.fetch"
	TypePreparePresentation   = "skus.command.presentation.prepare"
	TypeClearState            = "skus.command.state.clear"
)

type RefreshOrderMessage struct {
	OrderID string
}

func (RefreshOrderMessage) Type() string { return TypeRefreshOrder }

func (m RefreshOrderMessage) Validate() error {
	return requireField("order_id", m.OrderID)
}

type FetchOrderCredentialsMessage struct {
	OrderID string
}

func (FetchOrderCredentialsMessage) Type() string { return TypeFetchOrderCredentials }

func (m FetchOrderCredentialsMessage) Validate() error {
	return requireField("order_id", m.OrderID)
}

type PreparePresentationMessage struct {
	Domain string
	Path   string
}

func (PreparePresentationMessage) Type() string { return TypePreparePresentation }

func (m PreparePresentationMessage) Validate() error {
	if err := requireField("domain", m.Domain); err != nil {
		return err
	}
	if m.Path != "" && !strings.HasPrefix(m.Path, "/") {
		return commandValidationError("path", "must start with /")
	}
	return nil
}

type ClearStateMessage struct{}

func (ClearStateMessage) Type() string { return TypeClearState }

// RefreshOrderResult carries the order summary JSON produced by the engine.
type RefreshOrderResult struct {
	OrderID string
	Summary string
}

type PresentationResult struct {
	Domain       string
	Path         string
	Presentation string
}

func requireField(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return commandValidationError(field, "is required")
	}
	return nil
}
