package command

import (
	"context"

	"github.com/goliatone/go-skus/core"

	gocmd "github.com/goliatone/go-command"
)

// Engine is the mutating half of core.Engine.
type Engine interface {
	RefreshOrder(orderID string, cb func(core.ResultCode, string))
	FetchOrderCredentials(orderID string, cb func(core.ResultCode))
	PrepareCredentialsPresentation(domain string, path string, cb func(core.ResultCode, string))
	ClearState(cb func(core.ResultCode))
}

type RefreshOrderCommand struct {
	engine Engine
}

func NewRefreshOrderCommand(engine Engine) *RefreshOrderCommand {
	return &RefreshOrderCommand{engine: engine}
}

func (c *RefreshOrderCommand) Execute(ctx context.Context, msg RefreshOrderMessage) error {
	if c == nil || c.engine == nil {
		return commandDependencyError("command: refresh engine is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	summary, err := core.Await(ctx, func(done func(core.ResultCode, string)) {
		c.engine.RefreshOrder(msg.OrderID, done)
	})
	if err != nil {
		return err
	}
	storeResult(ctx, RefreshOrderResult{OrderID: msg.OrderID, Summary: summary})
	return nil
}

type FetchOrderCredentialsCommand struct {
	engine Engine
}

func NewFetchOrderCredentialsCommand(engine Engine) *FetchOrderCredentialsCommand {
	return &FetchOrderCredentialsCommand{engine: engine}
}

func (c *FetchOrderCredentialsCommand) Execute(ctx context.Context, msg FetchOrderCredentialsMessage) error {
	if c == nil || c.engine == nil {
		return commandDependencyError("command: credentials engine is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return core.AwaitResult(ctx, func(done func(core.ResultCode)) {
		c.engine.FetchOrderCredentials(msg.OrderID, done)
	})
}

type PreparePresentationCommand struct {
	engine Engine
}

func NewPreparePresentationCommand(engine Engine) *PreparePresentationCommand {
	return &PreparePresentationCommand{engine: engine}
}

func (c *PreparePresentationCommand) Execute(ctx context.Context, msg PreparePresentationMessage) error {
	if c == nil || c.engine == nil {
		return commandDependencyError("command: presentation engine is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	presentation, err := core.Await(ctx, func(done func(core.ResultCode, string)) {
		c.engine.PrepareCredentialsPresentation(msg.Domain, msg.Path, done)
	})
	if err != nil {
		return err
	}
	storeResult(ctx, PresentationResult{Domain: msg.Domain, Path: msg.Path, Presentation: presentation})
	return nil
}

type ClearStateCommand struct {
	engine Engine
}

func NewClearStateCommand(engine Engine) *ClearStateCommand {
	return &ClearStateCommand{engine: engine}
}

func (c *ClearStateCommand) Execute(ctx context.Context, _ ClearStateMessage) error {
	if c == nil || c.engine == nil {
		return commandDependencyError("command: state engine is required")
	}
	return core.AwaitResult(ctx, c.engine.ClearState)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
