package command

import (
	"github.com/goliatone/go-skus/core"

	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Commander[RefreshOrderMessage]          = (*RefreshOrderCommand)(nil)
	_ gocmd.Commander[FetchOrderCredentialsMessage] = (*FetchOrderCredentialsCommand)(nil)
	_ gocmd.Commander[PreparePresentationMessage]   = (*PreparePresentationCommand)(nil)
	_ gocmd.Commander[ClearStateMessage]            = (*ClearStateCommand)(nil)
	_ Engine                                        = (*core.Engine)(nil)
)
