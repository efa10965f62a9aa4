package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-channel-bridge/config"
	"mqtt-channel-bridge/internal/bridge"
	"mqtt-channel-bridge/internal/broker"
	"mqtt-channel-bridge/internal/broker/dial"
	"mqtt-channel-bridge/internal/channels"
	"mqtt-channel-bridge/internal/logger"
	"mqtt-channel-bridge/internal/metrics"
	"mqtt-channel-bridge/internal/stats"
)

const quiesce = 250 * time.Millisecond

func main() {
	// Command line flags for config and environment
	configPath := flag.String("config", "config/config.json", "path to config file (.json, .yaml or .yml)")
	envPath := flag.String("env", ".env", "path to an optional .env file")

	// Optional override flags
	hostOverride := flag.String("mqtt-host", "", "override MQTT broker host (empty = use config)")
	versionOverride := flag.Int("mqtt-version", 0, "override preferred MQTT protocol version: 50, 311 or 31 (0 = use config)")
	backendOverride := flag.String("backend", "", "override channel layer backend: nats, redis or memory (empty = use config)")
	logLevelOverride := flag.String("log-level", "", "override log level (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	// Settings from .env only fill variables the environment does not set.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("failed to load env file: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*hostOverride,
		*versionOverride,
		*backendOverride,
		*logLevelOverride,
		*metricsAddrOverride,
		*metricsPathOverride,
		*metricsIntervalOverride,
	)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	statsCollector := stats.NewStatsCollector()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server
	var reg *prometheus.Registry

	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}
	}

	// Channel layer
	layer, err := channels.New(cfg.Channels, logger.With("component", "channels"), metricsService)
	if err != nil {
		logger.Fatal("failed to create channel layer", "backend", cfg.Channels.Backend, "error", err)
	}
	defer layer.Close()

	// Broker link
	linkCfg, err := newLinkConfig(cfg)
	if err != nil {
		logger.Fatal("invalid broker configuration", "error", err)
	}
	brokerLog := logger.With("component", "broker")
	link := broker.NewLink(linkCfg, dial.New(brokerLog), nil, brokerLog, metricsService, statsCollector)
	statsCollector.AddSection("broker", func() interface{} { return link.GetStats() })

	consumer := bridge.NewConsumer(bridge.Config{
		Channel:            cfg.Channels.Name,
		SubscribeQoS:       byte(cfg.MQTT.SubscribeQoS),
		PublishQoS:         byte(*cfg.Bridge.PublishQoS),
		PublishRetain:      *cfg.Bridge.PublishRetain,
		UnsubscribeOnEmpty: cfg.Bridge.UnsubscribeOnEmpty,
		DeliveryTimeout:    config.Duration(cfg.Bridge.DeliveryTimeout),
		Quiesce:            quiesce,
	}, link, layer, logger.With("component", "bridge"), metricsService, statsCollector)

	if cfg.Metrics.Enabled {
		startTime := time.Now()
		collector := metrics.NewMetricsCollector(metricsService, config.Duration(cfg.Metrics.UpdateInterval), func() metrics.Snapshot {
			return metrics.Snapshot{
				Topics: consumer.Registry().Len(),
				Groups: consumer.Registry().GroupCount(),
				Uptime: time.Since(startTime),
			}
		})
		go collector.Run(ctx)

		// Setup metrics HTTP server
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			data, err := statsCollector.GetStatsJSON()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
		})

		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Start metrics server
		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Connect before accepting any request
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal("failed to start bridge", "error", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- consumer.Serve(ctx, layer)
	}()

	logger.Info("mqtt-channel-bridge started",
		"broker", linkCfg.Session.Server,
		"version", link.Version().String(),
		"channel", cfg.Channels.Name,
		"backend", cfg.Channels.Backend,
		"metricsEnabled", cfg.Metrics.Enabled)

	// Handle signals
	for {
		select {
		case err := <-serveErr:
			if err != nil {
				logger.Error("request loop stopped", "error", err)
			}
			shutdown(logger, cfg, cancel, consumer, metricsServer)
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reopening logs")
				if err := logger.Rotate(); err != nil {
					logger.Error("failed to reopen log file", "error", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutting down...")
				shutdown(logger, cfg, cancel, consumer, metricsServer)
				return
			}
		}
	}
}

func shutdown(logger *logger.Logger, cfg *config.Config, cancel context.CancelFunc, consumer *bridge.Consumer, metricsServer *http.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Duration(cfg.Bridge.ShutdownTimeout))
	defer shutdownCancel()

	// Stop reading requests, then drain the bridge
	cancel()
	if err := consumer.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop bridge", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
}

func newLinkConfig(cfg *config.Config) (broker.LinkConfig, error) {
	session := broker.SessionConfig{
		Server:         cfg.MQTT.BrokerURL(),
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		Version:        broker.ProtocolVersion(cfg.MQTT.ProtocolVersion),
		ConnectTimeout: config.Duration(cfg.MQTT.ConnectTimeout),
		KeepAlive:      config.Duration(cfg.MQTT.KeepAlive),
	}

	if cfg.MQTT.TLS.Enable {
		tlsConfig, err := broker.NewTLSConfig(broker.TLSOptions{
			CertFile:          cfg.MQTT.TLS.CertFile,
			KeyFile:           cfg.MQTT.TLS.KeyFile,
			CAFile:            cfg.MQTT.TLS.CAFile,
			SkipHostnameCheck: cfg.MQTT.TLS.SkipHostnameCheck,
		})
		if err != nil {
			return broker.LinkConfig{}, err
		}
		session.TLSConfig = tlsConfig
	}

	return broker.LinkConfig{
		Session:          session,
		FallbackVersion:  broker.ProtocolVersion(cfg.MQTT.FallbackVersion),
		OperationTimeout: config.Duration(cfg.MQTT.OperationTimeout),
		DropRetained:     *cfg.MQTT.DropRetained,
		Reconnect: broker.ReconnectPolicy{
			InitialInterval: config.Duration(cfg.MQTT.Reconnect.InitialInterval),
			MaxInterval:     config.Duration(cfg.MQTT.Reconnect.MaxInterval),
			MaxAttempts:     cfg.MQTT.Reconnect.MaxAttempts,
		},
	}, nil
}
