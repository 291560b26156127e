package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/nerrad567/gray-logic-hue/internal/bridges/hue"
	"github.com/nerrad567/gray-logic-hue/internal/gatewaystore"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hue/migrations"
)

// storeTimeout bounds the store writes made from gateway callbacks, which
// carry no context of their own.
const storeTimeout = 5 * time.Second

// globalOptions holds the flags shared by every command.
type globalOptions struct {
	configPath string
}

// loadConfig reads the configuration file. One-shot commands fall back to
// the defaults (plus environment overrides) when the file does not exist.
func (o *globalOptions) loadConfig(required bool) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err == nil {
		return cfg, nil
	}
	if !required && errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		if verr := cfg.Validate(); verr != nil {
			return nil, fmt.Errorf("validating config: %w", verr)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

// openStore opens the database, applies the embedded migrations and returns
// the gateway store on top of it. The caller closes the database.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, *gatewaystore.Store, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, gatewaystore.New(db.DB), nil
}

// classifyOptions maps the operator overrides used during classification.
func classifyOptions(cfg *config.Config, host string) hue.ClassifyOptions {
	return hue.ClassifyOptions{
		Host:             host,
		LinkButton:       cfg.Engine.LinkButton,
		ParallelRequests: cfg.Engine.ParallelRequests,
		ForceHTTP:        cfg.Engine.ForceHTTP,
	}
}

// exposureOptions maps the exposure section onto the resolver options.
func exposureOptions(cfg *config.Config) hue.ExposureOptions {
	e := cfg.Exposure
	return hue.ExposureOptions{
		Lights:                      e.Lights,
		Groups:                      e.Groups,
		Group0:                      e.Group0,
		Rooms:                       e.Rooms,
		Sensors:                     e.Sensors,
		Schedules:                   e.Schedules,
		Rules:                       e.Rules,
		NativeLights:                e.NativeLights,
		NativeSensors:               e.NativeSensors,
		ExcludeSensorTypes:          cfg.ExcludedSensorTypes(),
		HueMotionTemperatureHistory: e.HueMotionTemperatureHistory,
	}
}

// maxResends converts the configured resend cap. Zero in the file means no
// resends, which the transport spells as a negative value.
func maxResends(cfg *config.Config) int {
	if cfg.Engine.MaxResends == 0 {
		return -1
	}
	return cfg.Engine.MaxResends
}

// clientOptions returns the transport options for a one-shot connection to host.
func clientOptions(cfg *config.Config, host string, log *logging.Logger) hue.ClientOptions {
	def, perKind := cfg.GetSettleDelays()
	return hue.ClientOptions{
		Host:         host,
		Timeout:      cfg.GetTimeout(),
		ResendDelay:  cfg.GetResendDelay(),
		MaxResends:   maxResends(cfg),
		SettleDelays: &hue.SettleDelays{Default: def, PerKind: perKind},
		Logger:       log.With("gateway", host),
	}
}

// gatewayOptions maps the configuration onto the options for one host.
// Credential and fingerprint callbacks are attached by a gatewayBinding.
func gatewayOptions(cfg *config.Config, host string) hue.GatewayOptions {
	def, perKind := cfg.GetSettleDelays()
	return hue.GatewayOptions{
		Host:             host,
		Classify:         classifyOptions(cfg, host),
		Exposure:         exposureOptions(cfg),
		ResourceLinkName: cfg.Exposure.ResourceLinkName,
		AppName:          cfg.Engine.AppName,
		Heartrate:        cfg.Engine.Heartrate,
		HistoryInterval:  cfg.Engine.HistoryInterval,
		HistorySize:      cfg.Engine.HistorySize,
		Timeout:          cfg.GetTimeout(),
		ParallelRequests: cfg.Engine.ParallelRequests,
		ResendDelay:      cfg.GetResendDelay(),
		MaxResends:       maxResends(cfg),
		SettleDelays:     &hue.SettleDelays{Default: def, PerKind: perKind},
		StartupRetry:     cfg.GetStartupRetry(),
		ResourceWait:     cfg.GetResourceWait(),
		EventReconnect:   cfg.GetEventReconnect(),
	}
}

// gatewayBinding connects gateways to the credential and fingerprint
// sources: the configuration file first, then the gateway store.
type gatewayBinding struct {
	cfg   *config.Config
	store *gatewaystore.Store
	log   *logging.Logger
}

func (b *gatewayBinding) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// credential returns the username for bridgeID, or "" when none is known.
func (b *gatewayBinding) credential(bridgeID string) string {
	if u := b.cfg.Gateways.Users[bridgeID]; u != "" {
		return u
	}
	if b.store == nil {
		return ""
	}
	ctx, cancel := b.storeContext()
	defer cancel()
	return b.store.Credentials.Username(ctx, bridgeID)
}

// saveCredential stores a credential obtained by pairing with host.
func (b *gatewayBinding) saveCredential(host, bridgeID, username string) {
	if b.store == nil {
		return
	}
	ctx, cancel := b.storeContext()
	defer cancel()
	err := b.store.Credentials.Save(ctx, gatewaystore.Credential{
		BridgeID: bridgeID,
		Username: username,
		Host:     host,
	})
	if err != nil {
		b.log.Error("storing credential failed", "gateway", host, "bridge_id", bridgeID, "error", err)
		return
	}
	b.log.Info("credential stored", "gateway", host, "bridge_id", bridgeID)
}

// pinned returns the bridge id and fingerprint last pinned for host. A
// fingerprint in the configuration file overrides the stored one.
func (b *gatewayBinding) pinned(host string) (bridgeID, fingerprint string) {
	if b.store == nil {
		return "", ""
	}
	ctx, cancel := b.storeContext()
	defer cancel()
	pin, err := b.store.Fingerprints.ForHost(ctx, host)
	if err != nil {
		if !errors.Is(err, gatewaystore.ErrNotFound) {
			b.log.Warn("reading pinned fingerprint failed", "gateway", host, "error", err)
		}
		return "", ""
	}
	if fp := b.cfg.Gateways.Fingerprints[pin.BridgeID]; fp != "" {
		return pin.BridgeID, fp
	}
	return pin.BridgeID, pin.Fingerprint
}

// pinFingerprint records a fingerprint pinned on first use.
func (b *gatewayBinding) pinFingerprint(host, bridgeID, fingerprint string) {
	if want := b.cfg.Gateways.Fingerprints[bridgeID]; want != "" && want != fingerprint {
		b.log.Error("gateway certificate differs from configured fingerprint",
			"gateway", host, "bridge_id", bridgeID, "fingerprint", fingerprint)
	}
	if b.store == nil {
		return
	}
	ctx, cancel := b.storeContext()
	defer cancel()
	err := b.store.Fingerprints.Pin(ctx, gatewaystore.Pin{
		BridgeID:    bridgeID,
		Host:        host,
		Fingerprint: fingerprint,
	})
	if err != nil {
		b.log.Error("pinning fingerprint failed", "gateway", host, "bridge_id", bridgeID, "error", err)
		return
	}
	b.log.Info("fingerprint pinned", "gateway", host, "bridge_id", bridgeID)
}

// bindGateway attaches the credential and fingerprint sources to opts.
func (b *gatewayBinding) bindGateway(opts *hue.GatewayOptions) {
	host := opts.Host
	opts.BridgeID, opts.Fingerprint = b.pinned(host)
	opts.Credentials = b.credential
	opts.OnCredential = func(bridgeID, username string) {
		b.saveCredential(host, bridgeID, username)
	}
	opts.OnFingerprint = func(bridgeID, fingerprint string) {
		b.pinFingerprint(host, bridgeID, fingerprint)
	}
}

// bindClient is bindGateway for a one-shot transport client.
func (b *gatewayBinding) bindClient(opts *hue.ClientOptions) {
	host := opts.Host
	opts.BridgeID, opts.Fingerprint = b.pinned(host)
	opts.OnFingerprint = func(bridgeID, fingerprint string) {
		b.pinFingerprint(host, bridgeID, fingerprint)
	}
}
