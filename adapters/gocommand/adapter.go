package gocommand

import (
	"context"
	"fmt"
	"strings"

	skuscommand "github.com/goliatone/go-skus/command"
	skusquery "github.com/goliatone/go-skus/query"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

var errNoRegistry = fmt.Errorf("gocommand: registry is not configured")

// ValidateMessage rejects messages without a Type and runs their Validate
// hook when they have one.
func ValidateMessage(msg any) error {
	typed, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: %T does not implement Type() string", msg)
	}
	if strings.TrimSpace(typed.Type()) == "" {
		return fmt.Errorf("gocommand: %T has an empty message type", msg)
	}
	return command.ValidateMessage(msg)
}

// RegistryAdapter records skus handlers in a go-command registry so resolvers
// such as the go-job queue bridge can see them.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) target() (*command.Registry, error) {
	if a == nil || a.registry == nil {
		return nil, errNoRegistry
	}
	return a.registry, nil
}

func (a *RegistryAdapter) RegisterCommand(handler any) error {
	registry, err := a.target()
	if err != nil {
		return err
	}
	return registry.RegisterCommand(handler)
}

// AddQueueResolver mirrors every registered handler into queueRegistry, so
// the same commands can run as background jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	registry, err := a.target()
	if err != nil {
		return err
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	registry, err := a.target()
	return err == nil && registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	registry, err := a.target()
	if err != nil {
		return err
	}
	return registry.Initialize()
}

// Subscriptions groups dispatcher subscriptions so they can be dropped
// together.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// attach subscribes handler and records it; a failed record undoes the
// subscription.
func (a *RegistryAdapter) attach(handler any, subscribe func() commanddispatcher.Subscription) (commanddispatcher.Subscription, error) {
	if _, err := a.target(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("gocommand: handler is required")
	}
	sub := subscribe()
	if err := a.RegisterCommand(handler); err != nil {
		Subscriptions{sub}.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func RegisterCommand[T any](a *RegistryAdapter, cmd command.Commander[T], opts ...runner.Option) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	return a.attach(cmd, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeCommand(cmd, opts...)
	})
}

func RegisterQuery[T any, R any](a *RegistryAdapter, qry command.Querier[T, R], opts ...runner.Option) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	return a.attach(qry, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeQuery(qry, opts...)
	})
}

// Engine is everything the skus commands and queries need.
type Engine interface {
	skuscommand.Engine
	skusquery.SummaryReader
}

// RegisterEngine puts every skus command and the summary query on the global
// dispatcher. On failure nothing stays subscribed.
func RegisterEngine(a *RegistryAdapter, engine Engine, opts ...runner.Option) (Subscriptions, error) {
	if engine == nil {
		return nil, fmt.Errorf("gocommand: engine is required")
	}
	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) {
			return RegisterCommand(a, skuscommand.NewRefreshOrderCommand(engine), opts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterCommand(a, skuscommand.NewFetchOrderCredentialsCommand(engine), opts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterCommand(a, skuscommand.NewPreparePresentationCommand(engine), opts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterCommand(a, skuscommand.NewClearStateCommand(engine), opts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterQuery(a, skusquery.NewCredentialSummaryQuery(engine), opts...)
		},
	}
	subs := make(Subscriptions, 0, len(steps))
	for _, step := range steps {
		sub, err := step()
		if err != nil {
			subs.Unsubscribe()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Dispatch validates msg before handing it to the global dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessage(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

// DispatchWithResult dispatches msg and returns the value its handler stored.
func DispatchWithResult[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	if ctx == nil {
		ctx = context.Background()
	}
	collector := command.NewResult[R]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	value, ok := collector.Load()
	if !ok {
		return zero, fmt.Errorf("gocommand: %T stored no result", msg)
	}
	return value, nil
}
