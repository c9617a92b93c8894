// Package service provides the process orchestration of the go-rvc bridge.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-rvc/internal/api"
	"github.com/resident-x/go-rvc/internal/cache"
	"github.com/resident-x/go-rvc/internal/canbus"
	"github.com/resident-x/go-rvc/internal/config"
	"github.com/resident-x/go-rvc/internal/derived"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/engine"
	"github.com/resident-x/go-rvc/internal/handshake"
	"github.com/resident-x/go-rvc/internal/homeassistant"
	"github.com/resident-x/go-rvc/internal/metrics"
	"github.com/resident-x/go-rvc/internal/pubsub"
	"github.com/resident-x/go-rvc/internal/registry"
	"github.com/resident-x/go-rvc/internal/router"
	"github.com/resident-x/go-rvc/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProcessName is published on /Mgmt/ProcessName.
const ProcessName = "go-rvc"

// BridgeServer runs the CAN reader, the engine and the collaborators around the cache.
type BridgeServer struct {
	config    *config.Config
	bus       canbus.Bus
	publisher domain.MessagePublisher
	cache     *cache.Cache
	nodes     *domain.NodeRegistry
	metrics   *metrics.Metrics
	engine    *engine.Engine
	exporter  *pubsub.Exporter
	handshake *handshake.Handshake
	apiServer *api.Server
	logger    zerolog.Logger

	cancelEngine   context.CancelFunc
	cancelExporter context.CancelFunc
	engineDone     sync.WaitGroup
	exporterDone   sync.WaitGroup
	startTime      time.Time
}

// NewBridgeServer builds every component. Layout or rule errors are returned before
// the CAN bus is opened.
func NewBridgeServer(cfg *config.Config, publisher domain.MessagePublisher, version string) (*BridgeServer, error) {
	logger := log.With().Str("component", "server").Logger()

	reg, err := registry.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load DGN registry: %w", err)
	}

	machines, err := state.Machines(cfg.State.InverterRules, cfg.State.ChargerRules)
	if err != nil {
		return nil, fmt.Errorf("failed to build state rules: %w", err)
	}

	m := metrics.New()
	nodes := domain.NewNodeRegistry()
	r := router.New(reg, nodes, m, router.Options{
		Sources:          cfg.Sources(),
		ManufacturerCode: uint16(cfg.CAN.ManufacturerCode),
		DiscoverSources:  cfg.CAN.DiscoverSources,
	})

	c := cache.New()
	eng, err := engine.New(c, reg, r, derived.Default(), machines, engine.Options{
		Heartbeat: cfg.Heartbeat(),
		Device: engine.Device{
			ProductName:     cfg.Device.ProductName,
			ProductID:       int64(cfg.Device.ProductID),
			FirmwareVersion: cfg.Device.FirmwareVersion,
			DeviceInstance:  int64(cfg.Device.DeviceInstance),
			InverterName:    cfg.Device.InverterName,
			ChargerName:     cfg.Device.ChargerName,
			ProcessName:     ProcessName,
			ProcessVersion:  version,
			Connection:      "CAN " + cfg.CAN.Interface,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	s := &BridgeServer{
		config:    cfg,
		publisher: publisher,
		cache:     c,
		nodes:     nodes,
		metrics:   m,
		engine:    eng,
		logger:    logger,
	}

	if cfg.MQTT.Enabled {
		if err := s.setupExporter(); err != nil {
			return nil, err
		}
	}

	// Initialize HTTP API server if enabled.
	if cfg.API.Enabled {
		s.apiServer = api.NewServer(cfg, c, nodes, eng, m.Handler(), version)
	}

	return s, nil
}

func (s *BridgeServer) setupExporter() error {
	opts := pubsub.ExporterOptions{
		Topic:        s.config.MQTT.Topic,
		QueueSize:    s.config.MQTT.QueueSize,
		OfflineAfter: time.Duration(s.config.MQTT.OfflineAfterSeconds) * time.Second,
		Interval:     s.config.Heartbeat(),
	}

	ha := s.config.MQTT.HomeAssistantAutoDiscovery
	if ha.Enabled {
		discovery, err := homeassistant.New(homeassistant.Config{
			Enabled:            ha.Enabled,
			DiscoveryPrefix:    ha.DiscoveryPrefix,
			DeviceName:         ha.DeviceName,
			DeviceManufacturer: ha.DeviceManufacturer,
			DeviceModel:        ha.DeviceModel,
			RetainDiscovery:    ha.RetainDiscovery,
		}, s.config.MQTT.Topic, fmt.Sprintf("%s_%d", ProcessName, s.config.Device.DeviceInstance))
		if err != nil {
			return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
		opts.Discovery = discovery
	}

	s.exporter = pubsub.NewExporter(s.cache, s.publisher, s.metrics, opts)
	if mp, ok := s.publisher.(*pubsub.MQTTPublisher); ok {
		mp.OnConnect(s.exporter.Resync)
	}
	return nil
}

// Start takes over the bus and launches the reader, the engine, the exporter and
// the startup requests. The bus is closed by Stop, also after a failed Start.
func (s *BridgeServer) Start(ctx context.Context, bus canbus.Bus) error {
	// Record start time.
	s.startTime = time.Now()
	s.bus = bus

	if s.config.Handshake.Enabled {
		s.handshake = handshake.New(bus, handshake.Config{
			Requests:     s.config.HandshakeRequests(),
			Primary:      uint8(s.config.CAN.PrimarySource),
			Source:       uint8(s.config.CAN.RequestSource),
			SendAttempts: s.config.Handshake.SendAttempts,
			RetryDelay:   time.Duration(s.config.Handshake.RetryDelayMs) * time.Millisecond,
			Spacing:      time.Duration(s.config.Handshake.SpacingMs) * time.Millisecond,
		}, s.metrics)
	}

	for _, ns := range domain.Namespaces() {
		s.cache.OnChange(ns, "", s.metrics.Observe)
	}
	if s.exporter != nil {
		s.exporter.Subscribe()
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	s.cancelEngine = cancelEngine

	frames := make(chan domain.Frame, s.config.CAN.QueueSize)

	s.engineDone.Add(2)
	go func() {
		defer s.engineDone.Done()
		if err := canbus.Pump(engineCtx, s.bus, frames); err != nil {
			s.logger.Error().Err(err).Msg("CAN reader stopped")
		}
	}()
	go func() {
		defer s.engineDone.Done()
		if err := s.engine.Run(engineCtx, frames); err != nil {
			s.logger.Error().Err(err).Msg("Engine stopped")
		}
	}()

	if s.exporter != nil {
		exporterCtx, cancelExporter := context.WithCancel(ctx)
		s.cancelExporter = cancelExporter
		s.exporterDone.Add(1)
		go func() {
			defer s.exporterDone.Done()
			if err := s.exporter.Run(exporterCtx); err != nil {
				s.logger.Error().Err(err).Msg("Exporter stopped")
			}
		}()
	}

	if s.handshake != nil {
		s.engineDone.Add(1)
		go func() {
			defer s.engineDone.Done()
			summary, err := s.handshake.Run(engineCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("Handshake interrupted")
				return
			}
			s.logger.Debug().Int("sent", summary.Sent).Int("failed", summary.Failed).Msg("Handshake finished")
		}()
	}

	// Start HTTP API server if enabled.
	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	s.logger.Info().
		Str("interface", s.config.CAN.Interface).
		Int("sources", len(s.config.CAN.SourceAddresses)).
		Bool("mqtt", s.exporter != nil).
		Bool("api", s.apiServer != nil).
		Msg("Bridge started")

	return nil
}

// Stop shuts the bridge down: the reader and engine first, so the final offline
// status reaches the exporter, then the exporter, the API and the bus.
func (s *BridgeServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping bridge")

	if s.cancelEngine != nil {
		s.cancelEngine()
	}
	if err := wait(ctx, &s.engineDone); err != nil {
		s.logger.Warn().Err(err).Msg("Engine did not stop in time")
	}

	if s.cancelExporter != nil {
		s.cancelExporter()
	}
	if err := wait(ctx, &s.exporterDone); err != nil {
		s.logger.Warn().Err(err).Msg("Exporter did not stop in time")
	}

	// Stop API server
	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	// Close message publisher
	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close CAN bus")
		}
	}

	s.cache.Close()
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cache returns the path value cache.
func (s *BridgeServer) Cache() *cache.Cache {
	return s.cache
}

// Nodes returns the registry of source addresses seen on the bus.
func (s *BridgeServer) Nodes() *domain.NodeRegistry {
	return s.nodes
}

// GetMetrics returns runtime counters of the bridge.
func (s *BridgeServer) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})

	metrics["uptime"] = time.Since(s.startTime).Seconds()
	metrics["start_time"] = s.startTime
	metrics["frames"] = s.engine.Stats()
	metrics["node_count"] = len(s.nodes.All())
	if s.exporter != nil {
		metrics["export_dropped"] = s.exporter.Dropped()
	}
	if s.handshake != nil {
		metrics["handshake_pending"] = s.handshake.Pending()
	}

	return metrics
}
