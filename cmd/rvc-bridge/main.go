// Package main provides the entry point of the go-rvc bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-rvc/internal/canbus"
	"github.com/resident-x/go-rvc/internal/config"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/pubsub"
	"github.com/resident-x/go-rvc/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("go-rvc bridge %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-rvc bridge")
	cfg.Print()

	// Initialize MQTT publisher
	publisher := newPublisher(ctx, cfg)

	// Create the bridge; layout and rule errors stop here before the bus is opened
	srv, err := service.NewBridgeServer(cfg, publisher, Version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create bridge")
		_ = publisher.Close()
		return 1
	}

	// Open the CAN interface
	bus, err := canbus.DialSocketCAN(cfg.CAN.Interface)
	if err != nil {
		log.Error().Err(err).Str("interface", cfg.CAN.Interface).Msg("Failed to open CAN interface")
		_ = publisher.Close()
		return 1
	}

	if err := srv.Start(ctx, bus); err != nil {
		log.Error().Err(err).Msg("Failed to start bridge")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
		return 1
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the bridge
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping bridge")
		return 1
	}

	log.Info().Msg("Bridge stopped")
	return 0
}

// newPublisher connects to the MQTT broker, falling back to a noop publisher.
func newPublisher(ctx context.Context, cfg *config.Config) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	mqttPublisher := pubsub.NewMQTTPublisher(cfg)
	if err := mqttPublisher.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	log.Info().Msg("MQTT publisher connected successfully")
	return mqttPublisher
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
