// huesync - Hue and deCONZ gateway synchronisation for Gray Logic
//
// huesync keeps a device-oriented view of one or more Zigbee gateways that
// speak the Hue REST dialect and relays it to Gray Logic Core over MQTT.
//
// Commands:
//
//	huesync run                 run the synchronisation service
//	huesync pair --host H       obtain and store a gateway credential
//	huesync dump --host H       print the full gateway state, credentials masked
//	huesync gateway restart     restart, search or touchlink on one gateway
//	huesync version             print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/huesync.yaml"

func main() {
	_ = godotenv.Load() // .env file is optional

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called above
	}
}

// newRootCmd builds the command tree with fresh flag state.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "huesync",
		Short: "Synchronise Hue and deCONZ gateways with Gray Logic",
		Long: `huesync polls Hue bridges and deCONZ gateways, follows the deCONZ event
stream, and publishes a device-oriented view of their resources over MQTT.
Writes arriving on the command topics are forwarded to the owning gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(),
		"configuration file (env GRAYLOGIC_CONFIG)")

	root.AddCommand(
		newRunCmd(opts),
		newPairCmd(opts),
		newDumpCmd(opts),
		newGatewayCmd(opts),
		newVersionCmd(),
	)
	return root
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
