package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-hue/internal/bridges/hue"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/logging"
)

// maxParallelDumps bounds the gateways fetched at once.
const maxParallelDumps = 4

type dumpOptions struct {
	hosts      []string
	username   string
	configOnly bool
}

func newDumpCmd(global *globalOptions) *cobra.Command {
	opts := &dumpOptions{}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the full state of one or more gateways",
		Long: `dump fetches the complete resource tree of each gateway and prints it as
JSON keyed by bridge id. Usernames and whitelist entries are masked, so the
output is safe to attach to a bug report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.loadConfig(false)
			if err != nil {
				return err
			}
			if len(opts.hosts) == 0 {
				opts.hosts = cfg.Gateways.Hosts
			}
			if len(opts.hosts) == 0 {
				return errors.New("no gateway given: use --host or configure gateways.hosts")
			}
			return dump(cmd.Context(), cfg, opts, cmd.OutOrStdout(), logging.Default())
		},
	}
	cmd.Flags().StringSliceVarP(&opts.hosts, "host", "H", nil, "gateway address (repeatable; default gateways.hosts)")
	cmd.Flags().StringVarP(&opts.username, "username", "u", "", "credential to use instead of the stored one")
	cmd.Flags().BoolVar(&opts.configOnly, "config-only", false, "dump the unauthenticated /config only")
	return cmd
}

// gatewayDump is the state fetched from one gateway.
type gatewayDump struct {
	bridgeID string
	username string
	state    map[string]any
}

// dump fetches every host concurrently and writes one masked JSON document.
func dump(ctx context.Context, cfg *config.Config, opts *dumpOptions, out io.Writer, log *logging.Logger) error {
	binding := &gatewayBinding{cfg: cfg, log: log}
	if !opts.configOnly && opts.username == "" {
		db, store, err := openStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		binding.store = store
	}

	var (
		mu    sync.Mutex
		dumps = make([]gatewayDump, 0, len(opts.hosts))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDumps)
	for _, host := range opts.hosts {
		g.Go(func() error {
			d, err := dumpGateway(gctx, cfg, binding, host, opts, log)
			if err != nil {
				return fmt.Errorf("%s: %w", host, err)
			}
			mu.Lock()
			dumps = append(dumps, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	doc := make(map[string]any, len(dumps))
	usernames := make([]string, 0, len(dumps))
	for _, d := range dumps {
		doc[d.bridgeID] = d.state
		usernames = append(usernames, d.username)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dump: %w", err)
	}
	_, err = fmt.Fprintln(out, hue.MaskUsernames(string(data), usernames...))
	return err
}

// dumpGateway classifies host and fetches either its /config or its full state.
func dumpGateway(ctx context.Context, cfg *config.Config, binding *gatewayBinding, host string,
	opts *dumpOptions, log *logging.Logger) (gatewayDump, error) {
	client, ident, err := connectClient(ctx, cfg, binding, host, log)
	if err != nil {
		return gatewayDump{}, err
	}

	if opts.configOnly {
		state, err := client.Config(ctx)
		if err != nil {
			return gatewayDump{}, err
		}
		hue.MaskWhitelist(state)
		return gatewayDump{bridgeID: ident.BridgeID, state: state}, nil
	}

	username, err := authenticate(client, ident, binding, host, opts.username)
	if err != nil {
		return gatewayDump{}, err
	}
	state, err := client.GetObject(ctx, "/")
	if err != nil {
		return gatewayDump{}, err
	}
	if c, ok := state["config"].(map[string]any); ok {
		hue.MaskWhitelist(c)
	}
	return gatewayDump{bridgeID: ident.BridgeID, username: username, state: state}, nil
}
