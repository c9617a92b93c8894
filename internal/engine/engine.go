// Package engine runs the decode pipeline: route, decode, derive, resolve state, commit.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/resident-x/go-rvc/internal/cache"
	"github.com/resident-x/go-rvc/internal/derived"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/registry"
	"github.com/resident-x/go-rvc/internal/router"
	"github.com/resident-x/go-rvc/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Device carries the static identity published on the management paths.
type Device struct {
	ProductName     string
	ProductID       int64
	FirmwareVersion string
	DeviceInstance  int64
	InverterName    string
	ChargerName     string
	ProcessName     string
	ProcessVersion  string
	Connection      string
}

// Options configure an Engine.
type Options struct {
	Heartbeat time.Duration
	Device    Device
}

// Engine is the single writer of the cache.
type Engine struct {
	cache    *cache.Cache
	registry *registry.Registry
	router   *router.Router
	derived  derived.Table
	machines []state.Machine
	opts     Options
	logger   zerolog.Logger

	alive   int64
	online  map[domain.Namespace]bool
	started time.Time
}

// New registers every path the pipeline can write and publishes the static management values.
func New(c *cache.Cache, reg *registry.Registry, r *router.Router, table derived.Table, machines []state.Machine, opts Options) (*Engine, error) {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cache:    c,
		registry: reg,
		router:   r,
		derived:  table,
		machines: machines,
		opts:     opts,
		logger:   log.With().Str("component", "engine").Logger(),
		online:   make(map[domain.Namespace]bool),
		started:  time.Now(),
	}

	if err := e.registerPaths(); err != nil {
		return nil, err
	}
	e.publishStatic(e.started)
	return e, nil
}

func (e *Engine) registerPaths() error {
	for _, ns := range domain.Namespaces() {
		for _, p := range e.registry.Paths(ns) {
			if err := e.cache.Register(ns, p.Path, p.Kind, p.Unit, p.Description); err != nil {
				return err
			}
		}
		for _, m := range managementPaths {
			if err := e.cache.Register(ns, m.path, m.kind, m.unit, m.description); err != nil {
				return err
			}
		}
	}

	for _, r := range e.derived {
		for _, p := range r.Paths() {
			if err := e.cache.Register(r.Namespace, p, domain.KindNumber, r.Unit, fmt.Sprintf("%s of %v", r.Op, r.Inputs)); err != nil {
				return err
			}
		}
		if r.CountPath != "" {
			if err := e.cache.Register(r.Namespace, r.CountPath, domain.KindEnum, "", fmt.Sprintf("rails contributing to %s", r.Dst)); err != nil {
				return err
			}
		}
	}

	for _, m := range e.machines {
		if err := e.cache.Register(m.Namespace, state.StatePath, domain.KindEnum, "", "Operating state"); err != nil {
			return err
		}
		if m.FollowMode {
			if err := e.cache.Register(m.Namespace, state.ModePath, domain.KindEnum, "", "Switch position"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) publishStatic(now time.Time) {
	d := e.opts.Device
	names := map[domain.Namespace]string{
		domain.NamespaceInverter: d.InverterName,
		domain.NamespaceCharger:  d.ChargerName,
	}

	tx := e.cache.Begin()
	for _, ns := range domain.Namespaces() {
		e.set(tx, ns, PathProductName, domain.Text(d.ProductName))
		e.set(tx, ns, PathProductID, domain.Enum(d.ProductID))
		e.set(tx, ns, PathFirmware, domain.Text(d.FirmwareVersion))
		e.set(tx, ns, PathDeviceInstance, domain.Enum(d.DeviceInstance))
		e.set(tx, ns, PathCustomName, domain.Text(names[ns]))
		e.set(tx, ns, PathConnected, domain.Enum(1))
		e.set(tx, ns, PathStatus, domain.Text(StatusInitializing))
		e.set(tx, ns, PathProcessName, domain.Text(d.ProcessName))
		e.set(tx, ns, PathProcessVersion, domain.Text(d.ProcessVersion))
		e.set(tx, ns, PathConnection, domain.Text(d.Connection))
		e.set(tx, ns, PathType, domain.Text(string(ns)))
		e.set(tx, ns, PathProcessAlive, domain.Enum(0))
	}
	tx.Commit(now)
}

// set stages a write. Paths are registered in New, so failures are programming errors and only logged.
func (e *Engine) set(tx *cache.Tx, ns domain.Namespace, path string, v domain.Value) {
	if err := tx.Set(ns, path, v); err != nil {
		e.logger.Error().Err(err).Str("namespace", string(ns)).Str("path", path).Msg("Failed to stage value")
	}
}

// Process runs one frame through the pipeline and commits its effects at once.
func (e *Engine) Process(f domain.Frame) router.Result {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	res := e.router.Route(f)
	if len(res.Updates) == 0 {
		return res
	}

	tx := e.cache.Begin()
	touched := make(map[domain.Namespace][]string)
	for _, u := range res.Updates {
		if err := tx.Set(u.Namespace, u.Path, u.Value); err != nil {
			e.logger.Warn().Err(err).Str("namespace", string(u.Namespace)).Str("path", u.Path).Msg("Update rejected")
			continue
		}
		touched[u.Namespace] = append(touched[u.Namespace], u.Path)
	}

	for ns, paths := range touched {
		get := func(path string) domain.Value { return tx.Get(ns, path) }
		set := func(path string, v domain.Value) error {
			if err := tx.Set(ns, path, v); err != nil {
				return err
			}
			touched[ns] = append(touched[ns], path)
			return nil
		}
		if err := e.derived.Apply(ns, paths, get, set); err != nil {
			e.logger.Warn().Err(err).Str("namespace", string(ns)).Msg("Derived value computation failed")
		}
	}

	for _, m := range e.machines {
		paths, ok := touched[m.Namespace]
		if !ok || !m.Touches(paths) {
			continue
		}
		e.resolveState(tx, m)
	}

	for ns := range touched {
		e.set(tx, ns, PathLastUpdate, domain.Enum(f.Timestamp.Unix()))
		if !e.online[ns] {
			e.online[ns] = true
			e.set(tx, ns, PathStatus, domain.Text(StatusOK))
			e.logger.Info().Str("namespace", string(ns)).Msg("First data received")
		}
	}

	tx.Commit(f.Timestamp)
	return res
}

func (e *Engine) resolveState(tx *cache.Tx, m state.Machine) {
	get := func(path string) domain.Value { return tx.Get(m.Namespace, path) }

	s, ok := m.Evaluate(get)
	if !ok {
		return
	}

	prev := tx.Get(m.Namespace, state.StatePath)
	next := domain.Enum(int64(s))
	e.set(tx, m.Namespace, state.StatePath, next)
	if m.FollowMode {
		e.set(tx, m.Namespace, state.ModePath, domain.Enum(state.Mode(s)))
	}

	if !prev.Equal(next) {
		from := "unknown"
		if prev.Available {
			from = state.State(prev.Int).String()
		}
		e.logger.Info().
			Str("namespace", string(m.Namespace)).
			Str("from", from).
			Str("to", s.String()).
			Msg("State changed")
	}
}

// Heartbeat advances /Mgmt/ProcessAlive in every namespace.
func (e *Engine) Heartbeat(now time.Time) {
	e.alive++
	tx := e.cache.Begin()
	for _, ns := range domain.Namespaces() {
		e.set(tx, ns, PathProcessAlive, domain.Enum(e.alive))
	}
	tx.Commit(now)
}

// Run processes frames until the context is cancelled or the channel is closed.
// A frame already received is always committed before Run returns.
func (e *Engine) Run(ctx context.Context, frames <-chan domain.Frame) error {
	ticker := time.NewTicker(e.opts.Heartbeat)
	defer ticker.Stop()

	e.logger.Info().
		Int("dgns", len(e.registry.DGNs())).
		Dur("heartbeat", e.opts.Heartbeat).
		Msg("Engine started")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case f, ok := <-frames:
			if !ok {
				e.shutdown()
				return nil
			}
			e.Process(f)
		case now := <-ticker.C:
			e.Heartbeat(now)
		}
	}
}

func (e *Engine) shutdown() {
	now := time.Now()
	tx := e.cache.Begin()
	for _, ns := range domain.Namespaces() {
		e.set(tx, ns, PathStatus, domain.Text(StatusOffline))
		e.set(tx, ns, PathConnected, domain.Enum(0))
	}
	tx.Commit(now)

	s := e.router.Stats()
	e.logger.Info().
		Uint64("received", s.Received).
		Uint64("decoded", s.Decoded).
		Uint64("unknown_dgn", s.UnknownDGN).
		Uint64("malformed", s.Malformed).
		Uint64("source_filtered", s.Source).
		Uint64("gated", s.Gated).
		Uint64("transport", s.Transport).
		Dur("uptime", now.Sub(e.started)).
		Msg("Engine stopped")
}

// Stats returns the router's frame accounting.
func (e *Engine) Stats() router.Stats {
	return e.router.Stats()
}

// Started returns when the engine was created.
func (e *Engine) Started() time.Time {
	return e.started
}
