package service

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/resident-x/go-rvc/internal/canbus"
	"github.com/resident-x/go-rvc/internal/config"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics map[string]interface{}
	closed bool
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{topics: make(map[string]interface{})}
}

func (p *capturePublisher) Connect(_ context.Context) error { return nil }

func (p *capturePublisher) Publish(_ context.Context, topic string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[topic] = data
	return nil
}

func (p *capturePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *capturePublisher) get(topic string) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.topics[topic]
	return v, ok
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.CAN.Interface = "loopback"
	cfg.API.Enabled = false
	cfg.MQTT.Enabled = true
	cfg.MQTT.Topic = "rvc/test"
	cfg.Handshake.SpacingMs = 0
	cfg.Handshake.RetryDelayMs = 0
	return cfg
}

func canFrame(source uint8, dgn uint32, data ...byte) canbus.Frame {
	f := canbus.Frame{ID: canbus.BuildID(6, dgn, source), Extended: true, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func TestNewBridgeServerRejectsUnknownRule(t *testing.T) {
	cfg := testConfig()
	cfg.State.ChargerRules = []string{"guesswork"}

	_, err := NewBridgeServer(cfg, newCapturePublisher(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state rules")
}

func TestBridgeEndToEnd(t *testing.T) {
	lb := canbus.NewLoopbackBus()
	defer lb.Close()

	device := lb.Open()
	pub := newCapturePublisher()

	srv, err := NewBridgeServer(testConfig(), pub, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx, lb.Open()))

	// The startup requests open with a global address-claim request from the configured source.
	req, err := device.Receive(ctx)
	require.NoError(t, err)
	_, dgn, source := canbus.ParseID(req.ID)
	assert.Equal(t, uint32(canbus.DGNRequest|canbus.GlobalAddress), dgn)
	assert.Equal(t, uint8(0x99), source)
	assert.Equal(t, []byte{0x00, 0xEE, 0x00}, req.Data[:3])

	// Inverter status register reports standby.
	require.NoError(t, device.Send(ctx, canFrame(0xD0, 0x1FFD4, 0x01, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)))
	// A frame from a foreign source is ignored.
	require.NoError(t, device.Send(ctx, canFrame(0x80, 0x1FFD4, 0x02, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)))

	c := srv.Cache()
	require.Eventually(t, func() bool {
		e, ok := c.Get(domain.NamespaceInverter, state.StatePath)
		return ok && e.Current().Equal(domain.Enum(int64(state.LowPower)))
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := pub.get("rvc/test/inverter/State")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	status, ok := c.Get(domain.NamespaceInverter, "/Status")
	require.True(t, ok)
	assert.Equal(t, domain.Text("ok"), status.Current())

	require.Eventually(t, func() bool {
		node, ok := srv.Nodes().Get(0x80)
		return ok && node.Frames == 1
	}, 2*time.Second, 10*time.Millisecond)

	metrics := srv.GetMetrics()
	assert.Contains(t, metrics, "frames")
	assert.Contains(t, metrics, "export_dropped")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, srv.Stop(stopCtx))

	// Shutdown marks both services offline and reaches the publisher.
	for _, ns := range domain.Namespaces() {
		e, _ := c.Get(ns, "/Status")
		assert.Equal(t, domain.Text("offline"), e.Current())

		v, ok := pub.get("rvc/test/" + string(ns) + "/status")
		require.True(t, ok)
		assert.Equal(t, "offline", v)
	}
	pub.mu.Lock()
	assert.True(t, pub.closed)
	pub.mu.Unlock()
}

func TestBridgeWithoutCollaborators(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Enabled = false
	cfg.Handshake.Enabled = false

	lb := canbus.NewLoopbackBus()
	defer lb.Close()

	srv, err := NewBridgeServer(cfg, newCapturePublisher(), "test")
	require.NoError(t, err)
	assert.Nil(t, srv.exporter)
	assert.Nil(t, srv.handshake)
	assert.Nil(t, srv.apiServer)

	require.NoError(t, srv.Start(context.Background(), lb.Open()))
	require.NoError(t, srv.Stop(context.Background()))

	metrics := srv.GetMetrics()
	assert.NotContains(t, metrics, "export_dropped")
	assert.NotContains(t, metrics, "handshake_pending")
}

func TestBridgeStopAfterFailedStart(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig()
	cfg.Handshake.Enabled = false
	cfg.API.Enabled = true
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = occupied.Addr().(*net.TCPAddr).Port

	lb := canbus.NewLoopbackBus()
	defer lb.Close()

	bus := lb.Open()
	pub := newCapturePublisher()
	srv, err := NewBridgeServer(cfg, pub, "test")
	require.NoError(t, err)

	err = srv.Start(context.Background(), bus)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start API server")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, srv.Stop(stopCtx))

	_, err = bus.Receive(stopCtx)
	assert.ErrorIs(t, err, canbus.ErrClosed)
	pub.mu.Lock()
	assert.True(t, pub.closed)
	pub.mu.Unlock()
}
