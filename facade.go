package skus

import (
	"fmt"

	skuscommand "github.com/goliatone/go-skus/command"
	skusquery "github.com/goliatone/go-skus/query"
)

// CommandQueryEngine is the engine surface the facade wraps. *Engine
// satisfies it.
type CommandQueryEngine interface {
	skuscommand.Engine
	skusquery.SummaryReader
}

type Commands struct {
	RefreshOrder          *skuscommand.RefreshOrderCommand
	FetchOrderCredentials *skuscommand.FetchOrderCredentialsCommand
	PreparePresentation   *skuscommand.PreparePresentationCommand
	ClearState            *skuscommand.ClearStateCommand
}

type Queries struct {
	CredentialSummary *skusquery.CredentialSummaryQuery
}

// Facade exposes blocking go-command handlers over the callback engine.
type Facade struct {
	engine   CommandQueryEngine
	commands Commands
	queries  Queries
}

func NewFacade(engine CommandQueryEngine) (*Facade, error) {
	if engine == nil {
		return nil, fmt.Errorf("skus: engine is required")
	}
	return &Facade{
		engine: engine,
		commands: Commands{
			RefreshOrder:          skuscommand.NewRefreshOrderCommand(engine),
			FetchOrderCredentials: skuscommand.NewFetchOrderCredentialsCommand(engine),
			PreparePresentation:   skuscommand.NewPreparePresentationCommand(engine),
			ClearState:            skuscommand.NewClearStateCommand(engine),
		},
		queries: Queries{
			CredentialSummary: skusquery.NewCredentialSummaryQuery(engine),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Engine() CommandQueryEngine {
	if f == nil {
		return nil
	}
	return f.engine
}

var _ CommandQueryEngine = (*Engine)(nil)
