package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-rvc/internal/cache"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LastUpdatePath holds the epoch seconds of the last decoded frame of a namespace.
const LastUpdatePath = "/Mgmt/LastUpdate"

// Recorder counts exporter hand-offs.
type Recorder interface {
	Published()
	PublishDropped()
}

type noopRecorder struct{}

func (noopRecorder) Published() {}

func (noopRecorder) PublishDropped() {}

type retainedPublisher interface {
	PublishRetained(ctx context.Context, topic string, data interface{}) error
}

// Payload is the JSON document published for one path.
type Payload struct {
	Value     interface{} `json:"value"`
	Unit      string      `json:"unit,omitempty"`
	Available bool        `json:"available"`
	Timestamp int64       `json:"timestamp"`
	Label     string      `json:"label,omitempty"`
}

// ExporterOptions configures an Exporter.
type ExporterOptions struct {
	Topic        string
	QueueSize    int
	OfflineAfter time.Duration
	Interval     time.Duration
	Discovery    *homeassistant.AutoDiscovery
}

// Exporter forwards cache changes to a publisher. Changes are handed over through a
// bounded queue; when it is full the change is dropped and counted.
type Exporter struct {
	cache    *cache.Cache
	pub      domain.MessagePublisher
	recorder Recorder
	opts     ExporterOptions
	logger   zerolog.Logger

	queue   chan domain.Change
	resync  chan struct{}
	dropped atomic.Uint64

	mu      sync.Mutex
	cancels []func()
	online  map[domain.Namespace]bool

	now func() time.Time
}

// NewExporter creates an exporter. A nil recorder disables counting.
func NewExporter(c *cache.Cache, pub domain.MessagePublisher, recorder Recorder, opts ExporterOptions) *Exporter {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Exporter{
		cache:    c,
		pub:      pub,
		recorder: recorder,
		opts:     opts,
		logger:   log.With().Str("component", "exporter").Logger(),
		queue:    make(chan domain.Change, opts.QueueSize),
		resync:   make(chan struct{}, 1),
		online:   make(map[domain.Namespace]bool),
		now:      time.Now,
	}
}

// Subscribe registers for changes in every namespace. It must be called before the
// engine starts writing so that no change is missed.
func (e *Exporter) Subscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ns := range domain.Namespaces() {
		e.cancels = append(e.cancels, e.cache.OnChange(ns, "", e.enqueue))
	}
}

// enqueue runs on the engine goroutine and never blocks.
func (e *Exporter) enqueue(c domain.Change) {
	select {
	case e.queue <- c:
	default:
		n := e.dropped.Add(1)
		e.recorder.PublishDropped()
		if n == 1 || n%1000 == 0 {
			e.logger.Warn().
				Str("namespace", string(c.Namespace)).
				Str("path", c.Path).
				Uint64("dropped_total", n).
				Msg("Export queue full, dropping change")
		}
	}
}

// Dropped returns the number of changes discarded because the queue was full.
func (e *Exporter) Dropped() uint64 {
	return e.dropped.Load()
}

// Resync requests a full snapshot publish, e.g. after a broker reconnect.
func (e *Exporter) Resync() {
	select {
	case e.resync <- struct{}{}:
	default:
	}
}

// Run publishes queued changes until ctx is cancelled. On start it publishes
// discovery messages, the full snapshot and the availability of every namespace.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Info().Str("topic", e.opts.Topic).Int("queue_size", e.opts.QueueSize).Msg("Exporter started")

	e.publishAll(ctx)

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stop()
			return nil
		case c := <-e.queue:
			e.publishChange(ctx, c)
		case <-e.resync:
			e.publishAll(ctx)
		case <-ticker.C:
			e.CheckStaleness(ctx)
		}
	}
}

// stop cancels the subscriptions, flushes the queue and marks every namespace offline.
func (e *Exporter) stop() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	e.mu.Unlock()

	// The run context is gone; give the final messages their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for drained := false; !drained; {
		select {
		case c := <-e.queue:
			e.publishChange(ctx, c)
		default:
			drained = true
		}
	}

	for _, ns := range domain.Namespaces() {
		e.setAvailability(ctx, ns, false, true)
	}

	e.logger.Info().Uint64("dropped", e.Dropped()).Msg("Exporter stopped")
}

func (e *Exporter) publishAll(ctx context.Context) {
	e.publishDiscovery(ctx)
	e.publishSnapshot(ctx)

	e.mu.Lock()
	e.online = make(map[domain.Namespace]bool)
	e.mu.Unlock()
	e.CheckStaleness(ctx)
}

// publishSnapshot publishes the current value of every path.
func (e *Exporter) publishSnapshot(ctx context.Context) {
	count := 0
	for _, ns := range domain.Namespaces() {
		for path, entry := range e.cache.Snapshot(ns) {
			if e.send(ctx, e.stateTopic(ns, path), e.payload(path, entry.Current(), entry.Unit, entry.Updated)) {
				count++
			}
		}
	}
	e.logger.Debug().Int("paths", count).Msg("Published snapshot")
}

// publishDiscovery publishes Home Assistant discovery messages for every path.
func (e *Exporter) publishDiscovery(ctx context.Context) {
	if e.opts.Discovery == nil {
		return
	}

	for _, ns := range domain.Namespaces() {
		firmware := ""
		if entry, ok := e.cache.Get(ns, "/FirmwareVersion"); ok {
			firmware = entry.Current().Text
		}

		for topic, msg := range e.opts.Discovery.GenerateDiscoveryMessages(ns, e.cache.Paths(ns), firmware) {
			if err := e.publishRetained(ctx, topic, msg); err != nil {
				e.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish discovery message")
			}
		}
	}
}

func (e *Exporter) publishChange(ctx context.Context, c domain.Change) {
	unit := ""
	if entry, ok := e.cache.Get(c.Namespace, c.Path); ok {
		unit = entry.Unit
	}
	e.send(ctx, e.stateTopic(c.Namespace, c.Path), e.payload(c.Path, c.Value, unit, c.Timestamp))

	if c.Path == LastUpdatePath {
		e.CheckStaleness(ctx)
	}
}

func (e *Exporter) payload(path string, v domain.Value, unit string, ts time.Time) Payload {
	p := Payload{
		Value:     v.Interface(),
		Unit:      unit,
		Available: v.Available,
	}
	if !ts.IsZero() {
		p.Timestamp = ts.Unix()
	}
	if e.opts.Discovery != nil {
		if label, ok := e.opts.Discovery.StatusLabel(path, v); ok {
			p.Label = label
		}
	}
	return p
}

// CheckStaleness publishes availability transitions of each namespace. A namespace is
// online while its last decoded frame is younger than OfflineAfter.
func (e *Exporter) CheckStaleness(ctx context.Context) {
	now := e.now()
	for _, ns := range domain.Namespaces() {
		e.setAvailability(ctx, ns, e.fresh(ns, now), false)
	}
}

func (e *Exporter) fresh(ns domain.Namespace, now time.Time) bool {
	entry, ok := e.cache.Get(ns, LastUpdatePath)
	if !ok {
		return false
	}
	secs, ok := entry.Current().Float()
	if !ok || secs <= 0 {
		return false
	}
	return now.Sub(time.Unix(int64(secs), 0)) < e.opts.OfflineAfter
}

func (e *Exporter) setAvailability(ctx context.Context, ns domain.Namespace, online, force bool) {
	e.mu.Lock()
	prev, known := e.online[ns]
	if known && prev == online && !force {
		e.mu.Unlock()
		return
	}
	e.online[ns] = online
	e.mu.Unlock()

	status := "offline"
	if online {
		status = "online"
	}
	if err := e.publishRetained(ctx, e.availabilityTopic(ns), status); err != nil {
		e.logger.Warn().Err(err).Str("namespace", string(ns)).Msg("Failed to publish availability")
		return
	}
	e.logger.Info().Str("namespace", string(ns)).Str("status", status).Msg("Availability changed")
}

// Online reports the last published availability of a namespace.
func (e *Exporter) Online(ns domain.Namespace) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online[ns]
}

func (e *Exporter) send(ctx context.Context, topic string, data interface{}) bool {
	if err := e.pub.Publish(ctx, topic, data); err != nil {
		e.logger.Debug().Err(err).Str("topic", topic).Msg("Publish failed")
		return false
	}
	e.recorder.Published()
	return true
}

func (e *Exporter) publishRetained(ctx context.Context, topic string, data interface{}) error {
	if rp, ok := e.pub.(retainedPublisher); ok {
		return rp.PublishRetained(ctx, topic, data)
	}
	return e.pub.Publish(ctx, topic, data)
}

func (e *Exporter) stateTopic(ns domain.Namespace, path string) string {
	return e.opts.Topic + "/" + string(ns) + path
}

func (e *Exporter) availabilityTopic(ns domain.Namespace) string {
	return e.opts.Topic + "/" + string(ns) + "/status"
}
