package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/internal/orderserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	addr         string
	ordersFile   string
	issuerKey    string
	publicKey    string
	pendingPolls int
	validity     time.Duration
}

func newServeOrdersCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve-orders",
		Short: "Run an in-memory order server for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveOrders(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", "localhost:3333", "listen address")
	flags.StringVar(&opts.ordersFile, "orders", "", "json file holding an array of orders to serve")
	flags.StringVar(&opts.issuerKey, "issuer-key", "local-issuer-key", "issuer signing key")
	flags.StringVar(&opts.publicKey, "public-key", "local-issuer", "issuer public key id")
	flags.IntVar(&opts.pendingPolls, "pending-polls", 0, "answer 202 this many times before returning credentials")
	flags.DurationVar(&opts.validity, "validity", 30*24*time.Hour, "lifetime of issued credentials")
	return cmd
}

func serveOrders(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	server := orderserver.New(
		core.DigestIssuer{Key: []byte(opts.issuerKey), PublicKey: opts.publicKey},
		orderserver.WithPendingPolls(opts.pendingPolls),
		orderserver.WithValidity(opts.validity),
	)
	if opts.ordersFile != "" {
		orders, err := loadOrders(opts.ordersFile)
		if err != nil {
			return err
		}
		for _, order := range orders {
			server.PutOrder(order)
		}
		log.Info().Int("orders", len(orders)).Str("file", opts.ordersFile).Msg("orders loaded")
	}

	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", opts.addr).Msg("order server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("order server stopping")
		return httpServer.Shutdown(shutdownCtx)
	}
}

func loadOrders(path string) ([]core.Order, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skusctl: read orders: %w", err)
	}
	var orders []core.Order
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, fmt.Errorf("skusctl: decode orders: %w", err)
	}
	return orders, nil
}
