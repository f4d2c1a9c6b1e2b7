package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	gocmd "github.com/goliatone/go-command"
	skuscommand "github.com/goliatone/go-skus/command"
	skusquery "github.com/goliatone/go-skus/query"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// runWithSession opens a session bounded by --timeout, runs fn and prints
// metrics on the way out when asked to.
func runWithSession(cmd *cobra.Command, opts *globalOptions, fn func(context.Context, *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	runErr := fn(ctx, s)
	if opts.showMetrics {
		if err := writeMetrics(cmd.ErrOrStderr(), s.recorder); err != nil {
			log.Warn().Err(err).Msg("gather metrics")
		}
	}
	return runErr
}

func newRefreshCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <order-id>",
		Short: "Re-read an order and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, opts, func(ctx context.Context, s *session) error {
				collector := gocmd.NewResult[skuscommand.RefreshOrderResult]()
				msg := skuscommand.RefreshOrderMessage{OrderID: args[0]}
				if err := s.facade.Commands().RefreshOrder.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
					return err
				}
				result, _ := collector.Load()
				return writeRaw(cmd.OutOrStdout(), result.Summary)
			})
		},
	}
}

func newFetchCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <order-id>",
		Short: "Fetch and store credentials for a paid order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, opts, func(ctx context.Context, s *session) error {
				msg := skuscommand.FetchOrderCredentialsMessage{OrderID: args[0]}
				if err := s.facade.Commands().FetchOrderCredentials.Execute(ctx, msg); err != nil {
					return err
				}
				log.Info().Str("order_id", args[0]).Msg("credentials stored")
				return nil
			})
		},
	}
}

func newPresentCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "present <domain> [path]",
		Short: "Spend one credential and print its presentation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := skuscommand.PreparePresentationMessage{Domain: args[0], Path: "/"}
			if len(args) == 2 {
				msg.Path = args[1]
			}
			return runWithSession(cmd, opts, func(ctx context.Context, s *session) error {
				collector := gocmd.NewResult[skuscommand.PresentationResult]()
				if err := s.facade.Commands().PreparePresentation.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
					return err
				}
				result, _ := collector.Load()
				_, err := fmt.Fprintln(cmd.OutOrStdout(), result.Presentation)
				return err
			})
		},
	}
}

func newSummaryCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <domain>",
		Short: "Describe stored credentials for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, opts, func(ctx context.Context, s *session) error {
				summary, err := s.facade.Queries().CredentialSummary.Query(ctx, skusquery.CredentialSummaryMessage{Domain: args[0]})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

func newPurgeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove all stored state for the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithSession(cmd, opts, func(ctx context.Context, s *session) error {
				if err := s.facade.Commands().ClearState.Execute(ctx, skuscommand.ClearStateMessage{}); err != nil {
					return err
				}
				log.Info().Str("environment", s.runtime.Host.Namespace()).Msg("state purged")
				return nil
			})
		},
	}
}

func writeRaw(w io.Writer, payload string) error {
	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		_, err = fmt.Fprintln(w, payload)
		return err
	}
	return writeJSON(w, decoded)
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
