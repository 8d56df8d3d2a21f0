package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/daemonp/dreamcatcher2mqtt/internal/cache"
	"github.com/daemonp/dreamcatcher2mqtt/internal/cloud"
	"github.com/daemonp/dreamcatcher2mqtt/internal/config"
	"github.com/daemonp/dreamcatcher2mqtt/internal/homeassistant"
	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
	"github.com/daemonp/dreamcatcher2mqtt/internal/metrics"
	"github.com/daemonp/dreamcatcher2mqtt/internal/mqtt"
	"github.com/daemonp/dreamcatcher2mqtt/internal/panel"
	"github.com/daemonp/dreamcatcher2mqtt/internal/server"
)

func main() {
	configFile := flag.String("config", "config.yml", "Path to configuration file")
	history := flag.String("history", "", "Print the journaled alarms of a panel id and exit")
	limit := flag.Int("limit", 20, "Number of alarms printed by -history")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *history != "" {
		if err := printHistory(cfg.Cache.Path, *history, *limit); err != nil {
			fmt.Printf("Error reading alarm journal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewLogger(cfg.Log)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("%v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	client := cloud.NewClient(cfg.Dreamcatcher.DiscoveryURL, logger)

	logger.Info("Logging in to Dreamcatcher cloud as %s", cfg.Dreamcatcher.Username)
	session, err := client.Login(ctx, cfg.Dreamcatcher.Username, cfg.Dreamcatcher.Password, cfg.Dreamcatcher.InstallationID)
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}

	devices, err := client.ListDevices(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to list panels: %w", err)
	}
	logger.Info("Found %d panels", len(devices))

	var store *cache.Store
	if cfg.Cache.Enabled {
		store, err = cache.Open(cfg.Cache.Path)
		if err != nil {
			logger.Warning("Failed to open cache: %v", err)
		} else {
			defer store.Close()
		}
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := panel.NewManager(ctx, logger)

	// Connect to MQTT broker
	mqttClient := mqtt.NewMQTT(&cfg.MQTT, logger)
	mqttClient.SetCommandHandler(manager)
	if err := mqttClient.Connect(); err != nil {
		return err
	}
	defer mqttClient.Close()

	var ha *homeassistant.HomeAssistant
	if cfg.HomeAssistant.Discovery {
		ha = homeassistant.New(&cfg.HomeAssistant, mqttClient, logger)
	}

	for _, info := range devices {
		override, _ := cfg.Panel(info.DeviceID)
		if override.Disable {
			logger.Info("Skipping disabled panel %s", info.DeviceID)
			continue
		}
		var opts []panel.Option
		if cfg.Metrics.Enabled {
			opts = append(opts, panel.WithMetrics(collector))
		}
		if store != nil {
			opts = append(opts, panel.WithStore(store))
		}
		if ha != nil {
			opts = append(opts, panel.WithDiscovery(ha))
		}
		manager.Add(panel.NewPanel(session, info, override.Name, &cfg.Dreamcatcher, mqttClient, logger, opts...))
	}

	var httpServer *server.HTTPServer
	if cfg.Metrics.Enabled {
		httpServer = server.NewHTTPServer(cfg.Metrics.Listen, registry, manager.Ready, logger)
		httpServer.Start()
	}

	started := 0
	for _, p := range manager.Panels() {
		if err := p.Start(ctx); err != nil {
			logger.Error("Failed to start panel %s: %v", p.Slug(), err)
			continue
		}
		started++
	}
	if started == 0 && ctx.Err() == nil {
		manager.Stop()
		return errors.New("no panel could be started")
	}

	// Wait for termination signal
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Shutting down...")
	manager.Stop()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warning("Failed to stop HTTP server: %v", err)
		}
	}
	return nil
}

func printHistory(path, panelID string, limit int) error {
	store, err := cache.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.RecentAlarms(panelID, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
