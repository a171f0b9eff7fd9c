package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/adapter"
	"github.com/iobridge/datagate/internal/config"
	"github.com/iobridge/datagate/internal/crypto"
	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/forwarder"
	"github.com/iobridge/datagate/internal/frameparser"
	"github.com/iobridge/datagate/internal/logging"
	"github.com/iobridge/datagate/internal/metrics"
	"github.com/iobridge/datagate/internal/monitoring"
	"github.com/iobridge/datagate/internal/pipeline"
	"github.com/iobridge/datagate/internal/routing"
	"github.com/iobridge/datagate/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/datagate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("datagate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting datagate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("adapters", len(cfg.Adapters)),
		zap.Int("rules", len(cfg.Rules)),
		zap.Int("targets", len(cfg.Targets)),
	)

	if err := run(cfg, *configPath); err != nil {
		logging.Error("Gateway error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	ctx := context.Background()

	bus := eventbus.New()

	cryptoSvc, err := buildCrypto(cfg.Crypto)
	if err != nil {
		return err
	}

	sink, err := buildSink(ctx, cfg.Monitoring.Sink)
	if err != nil {
		return err
	}
	index := buildIndex(cfg.Monitoring.Index)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	tracer, err := tracing.New(tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	mon := monitoring.NewService(monitoring.Options{
		Sink:           sink,
		Index:          index,
		Metrics:        collector,
		DiskPath:       cfg.Monitoring.DiskPath,
		SampleInterval: cfg.Monitoring.SampleInterval,
	})

	engine := routing.NewEngine(bus)
	manager := forwarder.NewManager(bus, cryptoSvc)
	pipe := pipeline.New(bus, engine, manager, mon, cryptoSvc)
	pipe.SetTracer(tracer)

	for i := range cfg.Schemas {
		if err := pipe.RegisterFrameSchema(&cfg.Schemas[i]); err != nil {
			return fmt.Errorf("register schema %s: %w", cfg.Schemas[i].Name, err)
		}
	}
	for _, r := range cfg.Rules {
		if err := pipe.RegisterRoutingRule(r); err != nil {
			return fmt.Errorf("register rule %s: %w", r.ID, err)
		}
	}
	for _, t := range cfg.Targets {
		if err := pipe.RegisterTargetSystem(t); err != nil {
			logging.Warn("target registered without forwarder",
				zap.String("target_id", t.ID), zap.Error(err))
		}
	}
	for _, ac := range cfg.Adapters {
		if !ac.Enabled {
			continue
		}
		a, err := buildAdapter(pipe, ac, bus)
		if err != nil {
			return fmt.Errorf("build adapter %s: %w", ac.Name, err)
		}
		pipe.AddAdapter(a)
	}

	if err := pipe.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logging.Warn("config watcher unavailable", zap.Error(err))
	} else {
		watcher.OnChange(func(next *config.Config) {
			bus.Publish(eventbus.TopicConfigUpdated, next, "config_watcher")
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("config watch failed", zap.Error(err))
		}
		defer watcher.Stop()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logging.Info("Shutting down", zap.String("signal", sig.String()))

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := pipe.Stop(); err != nil {
		logging.Warn("pipeline stop failed", zap.Error(err))
	}
	if err := mon.Close(); err != nil {
		logging.Warn("monitoring close failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tracer.Shutdown(shutdownCtx)
}

func buildCrypto(cfg config.CryptoConfig) (*crypto.Service, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.MasterKey != "" {
		svc, err := crypto.NewServiceFromBase64(cfg.MasterKey, cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("initialize crypto: %w", err)
		}
		return svc, nil
	}
	key := crypto.DeriveKey(cfg.Passphrase, cfg.Salt)
	svc, err := crypto.NewService(key, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("initialize crypto: %w", err)
	}
	return svc, nil
}

func buildSink(ctx context.Context, cfg config.SinkConfig) (monitoring.Sink, error) {
	switch cfg.Type {
	case "", "none":
		return monitoring.NopSink{}, nil
	case "file":
		return monitoring.NewFileSink(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups), nil
	case "postgres":
		return monitoring.NewPostgresSink(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

func buildIndex(cfg config.IndexConfig) monitoring.Index {
	if cfg.Type == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return monitoring.NewRedisIndex(client, cfg.Prefix)
	}
	return monitoring.NewLRUIndex(cfg.Size)
}

func buildAdapter(pipe *pipeline.Pipeline, ac config.AdapterConfig, bus *eventbus.Bus) (adapter.Adapter, error) {
	var (
		a   adapter.Adapter
		err error
	)
	switch envelope.ParseProtocol(ac.Protocol) {
	case envelope.ProtocolUDP:
		a, err = adapter.NewUDPAdapter(ac.Name, ac.UDP, bus)
	case envelope.ProtocolTCP:
		a, err = adapter.NewTCPAdapter(ac.Name, ac.TCP, bus)
	case envelope.ProtocolHTTP:
		a, err = adapter.NewHTTPAdapter(ac.Name, ac.HTTP, bus)
	case envelope.ProtocolWebSocket:
		a, err = adapter.NewWebSocketAdapter(ac.Name, ac.WebSocket, bus)
	case envelope.ProtocolMQTT:
		a, err = adapter.NewMQTTAdapter(ac.Name, ac.MQTT, bus)
	default:
		err = fmt.Errorf("unsupported protocol %q", ac.Protocol)
	}
	if err != nil {
		return nil, err
	}

	type configurable interface {
		BindSchema(s *frameparser.Schema, autoParse bool)
		SetRateLimit(perSecond float64, burst int)
	}
	if c, ok := a.(configurable); ok {
		if ac.AutoParse {
			schema, found := pipe.FrameSchema(ac.Schema)
			if !found {
				return nil, fmt.Errorf("unknown frame schema %q", ac.Schema)
			}
			c.BindSchema(schema, true)
		}
		if ac.RateLimit.PerSecond > 0 {
			c.SetRateLimit(ac.RateLimit.PerSecond, ac.RateLimit.Burst)
		}
	}
	return a, nil
}
