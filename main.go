// main.go
// Application entry point: loads configuration, initializes logging, and
// runs the relay hub behind its HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/erilali/wsrelay/internal/api"
	"github.com/erilali/wsrelay/internal/bridge"
	"github.com/erilali/wsrelay/internal/config"
	"github.com/erilali/wsrelay/internal/hub"
	"github.com/erilali/wsrelay/internal/logger"
)

const defaultConfigPath = "relay.yaml"

func main() {
	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, configPath)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsrelay: %v\n", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. Errors are returned rather than fatal so
// the bridge is drained on every exit path.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}

	logger.InitLogger(cfg.Log)
	serverLogger := logger.NewLogger("server")
	serverLogger.WithFields(map[string]interface{}{
		"config":      configPath,
		"level":       cfg.Log.Level,
		"log_to_file": cfg.Log.LogToFile,
		"log_to_json": cfg.Log.LogToJSON,
	}).Info("Logger initialized")

	h := hub.NewHub(hub.Options{
		SendTimeout:    cfg.Server.SendTimeoutDuration(),
		MaxMessageSize: cfg.Server.MaxMessageSize,
		Logger:         logger.NewLogger("hub"),
	})
	go logHubEvents(h, logger.NewLogger("events"))

	b := startBridge(cfg.Bridge, h, serverLogger)
	if b != nil {
		defer func() {
			if err := b.Stop(); err != nil {
				serverLogger.Errorf("Error stopping bridge: %v", err)
			}
		}()
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := config.Watch(watchCtx, configPath, logger.NewLogger("config"), func(c *config.Config) {
			level := logger.SetLevel(c.Log.Level)
			serverLogger.Infof("Log level set to %s", level)
		}); err != nil {
			serverLogger.Debugf("Config hot reload disabled: %v", err)
		}
	}()

	bridgeName := bridge.KindNone
	if b != nil {
		bridgeName = b.Name()
	}
	srv := api.NewServer(cfg.Server, h, bridgeName, serverLogger)
	if err := srv.Run(ctx); err != nil {
		serverLogger.Errorf("Server error: %v", err)
		h.Shutdown(context.Background())
		return err
	}
	serverLogger.Info("Server stopped")
	return nil
}

// startBridge connects the configured bus. An unreachable bus leaves the hub
// without a consumer rather than failing startup.
func startBridge(cfg config.BridgeConfig, h *hub.Hub, log *logger.Logger) *bridge.Bridge {
	if cfg.Kind == bridge.KindNone {
		log.Warn("No bridge configured; inbound messages are dropped until a consumer registers")
		return nil
	}

	bridgeLogger := logger.NewLogger("bridge").WithField("transport", cfg.Kind)
	log.Infof("Connecting to %s at %s", cfg.Kind, cfg.URL)
	transport, err := bridge.Dial(cfg.Kind, cfg.URL, bridgeLogger)
	if err != nil {
		log.Errorf("Error connecting bridge: %v", err)
		log.Warn("Running without a bridge. Inbound messages will be dropped.")
		return nil
	}

	b := bridge.New(h, transport, bridge.Subjects{
		Inbound:  cfg.InboundSubject,
		Outbound: cfg.OutboundSubject,
	}, bridgeLogger)
	if err := b.Start(); err != nil {
		log.Errorf("Error starting bridge: %v", err)
		transport.Close()
		return nil
	}
	return b
}

// logHubEvents drains the hub's event channel until it is closed.
func logHubEvents(h *hub.Hub, log *logger.Logger) {
	for ev := range h.Events() {
		log.WithFields(map[string]interface{}{
			"kind":       ev.Kind,
			"session_id": ev.SessionID,
		}).Debugf("Hub event: %v", ev.Err)
	}
}
