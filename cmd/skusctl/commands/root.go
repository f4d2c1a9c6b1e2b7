package commands

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	environment     string
	orderServer     string
	store           string
	dsn             string
	cache           bool
	keyringBackends []string
	keyringDir      string
	keyringPassword string
	encryptState    bool
	rateLimit       bool
	timeout         time.Duration
	showMetrics     bool
}

// Execute runs the skusctl root command.
func Execute(ctx context.Context, version string) error {
	return newRootCommand(version).ExecuteContext(ctx)
}

func newRootCommand(version string) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "skusctl",
		Short:         "Fetch, inspect and spend SKU credentials",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.environment, "env", "e", "local", "environment: local, development, staging or production")
	flags.StringVar(&opts.orderServer, "order-server", "", "order server base url (overrides the environment default)")
	flags.StringVar(&opts.store, "store", storeSQLite, "state store: memory, sqlite, postgres or keyring")
	flags.StringVar(&opts.dsn, "dsn", "file:skus.db?cache=shared", "database dsn for the sqlite and postgres stores")
	flags.BoolVar(&opts.cache, "cache", false, "serve sql store reads through an in-process cache")
	flags.StringSliceVar(&opts.keyringBackends, "keyring-backend", nil, "allowed keyring backends (default: first available)")
	flags.StringVar(&opts.keyringDir, "keyring-dir", "", "directory for the file keyring backend")
	flags.StringVar(&opts.keyringPassword, "keyring-password", os.Getenv("SKUS_KEYRING_PASSWORD"), "password for the file keyring backend")
	flags.BoolVar(&opts.encryptState, "encrypt-state", false, "encrypt persisted state with a key held in the keyring")
	flags.BoolVar(&opts.rateLimit, "rate-limit", true, "track order server throttling between runs")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall timeout for one operation")
	flags.BoolVar(&opts.showMetrics, "metrics", false, "print operation metrics to stderr when done")

	root.AddCommand(
		newRefreshCommand(opts),
		newFetchCommand(opts),
		newPresentCommand(opts),
		newSummaryCommand(opts),
		newPurgeCommand(opts),
		newServeOrdersCommand(),
	)
	return root
}
