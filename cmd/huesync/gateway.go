package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-hue/internal/bridges/hue"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/logging"
)

// gatewayAction is one maintenance command sent to a gateway.
type gatewayAction struct {
	name  string
	short string
	call  func(*hue.Client, context.Context) (*hue.Result, error)
}

var gatewayActions = []gatewayAction{
	{"restart", "Restart the gateway", (*hue.Client).Restart},
	{"search", "Search for new lights and sensors", (*hue.Client).Search},
	{"touchlink", "Start a touchlink scan", (*hue.Client).Touchlink},
}

type gatewayCmdOptions struct {
	host     string
	username string
}

func newGatewayCmd(global *globalOptions) *cobra.Command {
	opts := &gatewayCmdOptions{}
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Send a maintenance command to a gateway",
		Long: `gateway sends one maintenance command to a paired gateway. The command is
translated to the gateway's dialect: deCONZ and Hue bridges use different
resources for the same operation.`,
		Args: cobra.NoArgs,
	}
	cmd.PersistentFlags().StringVarP(&opts.host, "host", "H", "", "gateway address (host[:port])")
	cmd.PersistentFlags().StringVarP(&opts.username, "username", "u", "", "credential to use instead of the stored one")
	_ = cmd.MarkPersistentFlagRequired("host")

	for _, action := range gatewayActions {
		cmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := global.loadConfig(false)
				if err != nil {
					return err
				}
				return sendGatewayAction(cmd.Context(), cfg, opts, action, cmd.OutOrStdout(), logging.Default())
			},
		})
	}
	return cmd
}

// sendGatewayAction connects to the gateway, authenticates and sends action.
func sendGatewayAction(ctx context.Context, cfg *config.Config, opts *gatewayCmdOptions, action gatewayAction,
	out io.Writer, log *logging.Logger) error {
	binding := &gatewayBinding{cfg: cfg, log: log}
	if opts.username == "" {
		db, store, err := openStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		binding.store = store
	}

	client, ident, err := connectClient(ctx, cfg, binding, opts.host, log)
	if err != nil {
		return err
	}
	if _, err := authenticate(client, ident, binding, opts.host, opts.username); err != nil {
		return err
	}

	res, err := action.call(client, ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", action.name, err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%s: %w", action.name, err)
	}
	_, err = fmt.Fprintf(out, "%s sent to %s (%s)\n", action.name, ident.BridgeID, ident.Model)
	return err
}

// connectClient creates a one-shot client for host and classifies the gateway.
func connectClient(ctx context.Context, cfg *config.Config, binding *gatewayBinding, host string,
	log *logging.Logger) (*hue.Client, *hue.GatewayIdentity, error) {
	copts := clientOptions(cfg, host, log)
	binding.bindClient(&copts)
	client, err := hue.NewClient(copts)
	if err != nil {
		return nil, nil, err
	}
	ident, err := client.Connect(ctx, classifyOptions(cfg, host))
	if err != nil {
		return nil, nil, err
	}
	return client, ident, nil
}

// authenticate sets the username on client: the explicit one, the known
// credential for the bridge, or the gateway class default, in that order.
func authenticate(client *hue.Client, ident *hue.GatewayIdentity, binding *gatewayBinding,
	host, username string) (string, error) {
	if username == "" {
		username = binding.credential(ident.BridgeID)
	}
	if username == "" {
		username = client.Username()
	}
	if username == "" {
		return "", fmt.Errorf("no credential for bridge %s: run huesync pair --host %s: %w",
			ident.BridgeID, host, hue.ErrPairingRequired)
	}
	client.SetUsername(username)
	return username, nil
}
