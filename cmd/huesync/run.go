package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-hue/internal/bridges/hue"
	"github.com/nerrad567/gray-logic-hue/internal/gatewaystore"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/mqtt"
)

const (
	// watchInterval is the period of the infrastructure health check while running.
	watchInterval = time.Minute

	// pruneInterval is the period of the snapshot retention pass.
	pruneInterval = time.Hour

	// keepSnapshots is the number of snapshots retained per bridge.
	keepSnapshots = 20

	// shutdownTimeout bounds the store writes made while stopping.
	shutdownTimeout = 10 * time.Second
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the synchronisation service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
}

// run is the service logic, separated from the command for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Global command options
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts *globalOptions) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting huesync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := opts.loadConfig(true)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", opts.configPath)
	if len(cfg.Gateways.Hosts) == 0 {
		return errors.New("no gateways configured (gateways.hosts or GRAYLOGIC_HUE_HOSTS)")
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)
	log.Debug("effective configuration", "config", cfg.String())

	db, store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	var metrics hue.MetricsWriter
	if influxClient != nil {
		metrics = influxClient
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	adapter := &mqttBridgeAdapter{client: mqttClient}
	binding := &gatewayBinding{cfg: cfg, store: store, log: log}
	engine, link, err := buildEngine(cfg, binding, adapter, metrics, log)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	if err := link.Start(ctx); err != nil {
		return fmt.Errorf("starting device link: %w", err)
	}
	defer func() {
		log.Info("stopping device link")
		link.Stop()
	}()

	health := hue.NewHealthReporter(hue.HealthReporterConfig{
		Version:   version,
		Publisher: adapter,
		Gateways:  engine.Metrics,
		Logger:    log.With("component", "health"),
	})
	defer health.Stop()

	engine.Start(ctx)
	defer func() {
		log.Info("stopping gateways")
		engine.Stop()
		saveSnapshots(engine.Gateways(), store.Snapshots, log)
	}()
	health.Start(ctx)

	log.Info("initialisation complete, waiting for shutdown signal",
		"gateways", len(cfg.Gateways.Hosts),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watch(gctx, watchInterval, func(ctx context.Context) {
			if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
				log.Warn("health check failed", "error", err)
			}
			for host, ferr := range engine.Failed() {
				log.Error("gateway stopped", "gateway", host, "error", ferr)
			}
		})
		return nil
	})
	g.Go(func() error {
		watch(gctx, pruneInterval, func(ctx context.Context) {
			n, err := store.Snapshots.Prune(ctx, keepSnapshots)
			if err != nil {
				log.Warn("pruning snapshots failed", "error", err)
				return
			}
			if n > 0 {
				log.Debug("snapshots pruned", "removed", n)
			}
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// connectInflux connects to InfluxDB when enabled. A nil client means
// telemetry is off.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// buildEngine creates one gateway per configured host plus the device link
// that relays them over MQTT.
func buildEngine(cfg *config.Config, binding *gatewayBinding, mq hue.MQTTClient,
	metrics hue.MetricsWriter, log *logging.Logger) (*hue.Engine, *hue.DeviceLink, error) {
	var engine *hue.Engine
	link, err := hue.NewDeviceLink(hue.DeviceLinkOptions{
		MQTT: mq,
		Route: func(serial string) (hue.DeviceWriter, bool) {
			return engine.Route(serial)
		},
		Logger: log.With("component", "devicelink"),
	})
	if err != nil {
		return nil, nil, err
	}

	pacemaker := hue.NewPacemaker(hue.PacemakerOptions{
		OnDrift: hue.DriftRecorder(metrics),
		Logger:  log.With("component", "pacemaker"),
	})

	gateways := make([]hue.GatewayOptions, 0, len(cfg.Gateways.Hosts))
	for _, host := range cfg.Gateways.Hosts {
		opts := gatewayOptions(cfg, host)
		binding.bindGateway(&opts)
		opts.Handler = link
		opts.Metrics = metrics
		opts.Logger = log.With("gateway", host)
		gateways = append(gateways, opts)
	}

	engine, err = hue.NewEngine(hue.EngineOptions{
		Gateways:  gateways,
		Pacemaker: pacemaker,
		OnGatewayReady: func(gw *hue.Gateway) {
			ident := gw.Identity()
			log.Info("gateway ready",
				"gateway", gw.Host(),
				"bridge_id", ident.BridgeID,
				"model", ident.Model,
				"devices", len(gw.Devices()),
			)
		},
		Logger: log.With("component", "engine"),
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, link, nil
}

// saveSnapshots stores the final diagnostic state of every gateway that
// completed classification.
func saveSnapshots(gateways []*hue.Gateway, repo *gatewaystore.SnapshotRepository, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, gw := range gateways {
		if gw.Identity() == nil {
			continue
		}
		id, err := repo.Save(ctx, gw.Snapshot())
		if err != nil {
			log.Error("saving snapshot failed", "gateway", gw.Host(), "error", err)
			continue
		}
		log.Info("snapshot saved", "gateway", gw.Host(), "snapshot_id", id)
	}
}

// watch calls fn every interval until ctx is cancelled.
func watch(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
