package query

import (
	"github.com/goliatone/go-skus/core"

	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[CredentialSummaryMessage, CredentialSummary] = (*CredentialSummaryQuery)(nil)
	_ SummaryReader                                              = (*core.Engine)(nil)
)
