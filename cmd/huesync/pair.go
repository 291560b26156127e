package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-hue/internal/bridges/hue"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/logging"
)

// pairRetryInterval is the wait between pairing attempts while the link
// button has not been pressed.
const pairRetryInterval = 5 * time.Second

type pairOptions struct {
	host    string
	app     string
	timeout time.Duration
	noStore bool
	retry   time.Duration
}

func newPairCmd(global *globalOptions) *cobra.Command {
	opts := &pairOptions{retry: pairRetryInterval}
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Obtain a credential from a gateway",
		Long: `pair asks the gateway for a new username. Press the link button on a Hue
bridge, or unlock the gateway in the Phoscon app for deCONZ, while the
command is waiting. The credential is stored in the database and printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.loadConfig(false)
			if err != nil {
				return err
			}
			return pair(cmd.Context(), cfg, opts, cmd.OutOrStdout(), logging.Default())
		},
	}
	cmd.Flags().StringVarP(&opts.host, "host", "H", "", "gateway address (host[:port])")
	cmd.Flags().StringVar(&opts.app, "app", "", "application name for the devicetype (default engine.app_name)")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 2*time.Minute, "how long to wait for the link button")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "print the credential without storing it")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// pair runs the pairing loop against one gateway until a credential is
// issued, the timeout expires or ctx is cancelled.
func pair(ctx context.Context, cfg *config.Config, opts *pairOptions, out io.Writer, log *logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	app := opts.app
	if app == "" {
		app = cfg.Engine.AppName
	}

	binding := &gatewayBinding{cfg: cfg, log: log}
	if !opts.noStore {
		db, store, err := openStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		binding.store = store
	}

	copts := clientOptions(cfg, opts.host, log)
	binding.bindClient(&copts)
	client, err := hue.NewClient(copts)
	if err != nil {
		return err
	}
	ident, err := client.Connect(ctx, classifyOptions(cfg, opts.host))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", opts.host, err)
	}
	fmt.Fprintf(out, "Connected to %s %q (%s, bridge id %s)\n", ident.Model, ident.Name, ident.APIVersion, ident.BridgeID)

	username, err := requestCredential(ctx, client, app, opts.retry, out, log)
	if err != nil {
		return err
	}
	if !opts.noStore {
		binding.saveCredential(opts.host, ident.BridgeID, username)
	}
	fmt.Fprintf(out, "Paired: %s %s\n", ident.BridgeID, username)
	return nil
}

// requestCredential repeats the pairing request every retry interval while
// the gateway answers that the link button has not been pressed.
func requestCredential(ctx context.Context, client *hue.Client, app string, retry time.Duration,
	out io.Writer, log *logging.Logger) (string, error) {
	prompted := false
	for {
		// Unlocking needs an existing credential. Without one the gateway
		// rejects it and the link button is the only route.
		if _, err := client.Unlock(ctx); err != nil {
			log.Debug("unlock not accepted", "error", err)
		}

		username, err := client.CreateCredential(ctx, app)
		if err == nil {
			return username, nil
		}
		if !errors.Is(err, hue.ErrPairingRequired) {
			return "", fmt.Errorf("pairing: %w", err)
		}
		if !prompted {
			fmt.Fprintln(out, "Press the link button on the gateway (or unlock it in Phoscon)...")
			prompted = true
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("pairing: link button not pressed: %w", ctx.Err())
		case <-time.After(retry):
		}
	}
}
