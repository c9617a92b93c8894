// Package router filters incoming frames and dispatches them to the DGN registry.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-rvc/internal/codec"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DGN of the address claim, with the destination byte masked off.
const dgnAddressClaim = 0x0EE00

// maxUnknownDGNs caps how many distinct unknown DGNs are tracked individually.
const maxUnknownDGNs = 100

// FirmwarePath receives the firmware version found in a multi-packet identification message.
const FirmwarePath = "/FirmwareVersion"

var firmwarePattern = regexp.MustCompile(`U3:0*([0-9]{1,2}\.[0-9]{2})`)

// Address claim NAME fields.
var (
	claimManufacturer = codec.FieldSpec{Offset: 2, Width: 2, Mask: 0xFFE0, Kind: domain.KindEnum}
	claimFunction     = codec.FieldSpec{Offset: 5, Width: 1, Kind: domain.KindEnum}
)

// DropReason says why a frame produced no updates.
type DropReason int

const (
	DropNone DropReason = iota
	DropSource
	DropUnknownDGN
	DropMalformed
	DropGated
	DropTransport
)

// String returns the string representation of the drop reason.
func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "none"
	case DropSource:
		return "source"
	case DropUnknownDGN:
		return "unknown_dgn"
	case DropMalformed:
		return "malformed"
	case DropGated:
		return "gated"
	case DropTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Result is the outcome of routing one frame.
type Result struct {
	Updates []domain.Update
	Dropped DropReason
	Err     error
	Spec    *registry.DgnSpec
}

// Recorder receives frame accounting events.
type Recorder interface {
	FrameReceived()
	FrameDecoded(dgn uint32)
	FrameDropped(reason DropReason)
}

type noopRecorder struct{}

func (noopRecorder) FrameReceived() {}
func (noopRecorder) FrameDecoded(uint32) {}
func (noopRecorder) FrameDropped(DropReason) {}

// Stats is a snapshot of the router's frame accounting.
type Stats struct {
	Received    uint64            `json:"received"`
	Decoded     uint64            `json:"decoded"`
	Source      uint64            `json:"source"`
	UnknownDGN  uint64            `json:"unknownDgn"`
	Malformed   uint64            `json:"malformed"`
	Gated       uint64            `json:"gated"`
	Transport   uint64            `json:"transport"`
	UnknownDGNs map[string]uint64 `json:"unknownDgns,omitempty"`
}

// Options configure a Router.
type Options struct {
	Sources          []uint8
	ManufacturerCode uint16
	DiscoverSources  bool
	TransportTimeout time.Duration
}

// Router accepts frames from the allowed sources and decodes them through the registry.
type Router struct {
	registry  *registry.Registry
	nodes     domain.NodeDirectory
	recorder  Recorder
	assembler *Assembler
	opts      Options
	logger    zerolog.Logger

	mu      sync.RWMutex
	allowed map[uint8]bool
	skipTP  map[uint8]bool
	stats   Stats
	unknown map[uint32]uint64
}

// New creates a router.
func New(reg *registry.Registry, nodes domain.NodeDirectory, recorder Recorder, opts Options) *Router {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = 2 * time.Second
	}

	r := &Router{
		registry:  reg,
		nodes:     nodes,
		recorder:  recorder,
		assembler: NewAssembler(opts.TransportTimeout),
		opts:      opts,
		logger:    log.With().Str("component", "router").Logger(),
		allowed:   make(map[uint8]bool),
		skipTP:    make(map[uint8]bool),
		unknown:   make(map[uint32]uint64),
	}
	for _, s := range opts.Sources {
		r.allowed[s] = true
	}
	return r
}

// Route processes one frame. It never fails: problems are reported as a drop reason.
func (r *Router) Route(f domain.Frame) Result {
	r.recorder.FrameReceived()
	r.count(func(s *Stats) { s.Received++ })
	if r.nodes != nil {
		r.nodes.Touch(f.Source, f.Timestamp)
	}

	if f.Len == 0 || f.Len > 8 {
		return r.drop(f, DropMalformed, fmt.Errorf("invalid payload length %d", f.Len))
	}

	if f.DGN&0x1FF00 == dgnAddressClaim {
		r.handleClaim(f)
	}

	if !r.Allowed(f.Source) {
		return r.drop(f, DropSource, nil)
	}

	if IsTransport(f.DGN) {
		return r.handleTransport(f)
	}

	spec, err := r.registry.Lookup(f.DGN)
	if err != nil {
		r.noteUnknown(f)
		return r.drop(f, DropUnknownDGN, err)
	}

	updates, err := spec.Decode(f.Payload(), f.Source)
	switch {
	case errors.Is(err, registry.ErrGated):
		return r.drop(f, DropGated, err)
	case err != nil:
		r.logger.Warn().
			Err(err).
			Str("dgn", fmt.Sprintf("0x%05X", f.DGN)).
			Str("source", fmt.Sprintf("0x%02X", f.Source)).
			Hex("payload", f.Payload()).
			Msg("Malformed frame dropped")
		return r.drop(f, DropMalformed, err)
	}

	r.recorder.FrameDecoded(f.DGN)
	r.count(func(s *Stats) { s.Decoded++ })
	r.logger.Trace().
		Str("dgn", fmt.Sprintf("0x%05X", f.DGN)).
		Str("name", spec.Name).
		Str("source", fmt.Sprintf("0x%02X", f.Source)).
		Hex("payload", f.Payload()).
		Int("updates", len(updates)).
		Msg("Frame decoded")

	return Result{Updates: updates, Spec: spec}
}

// Allowed reports whether frames from the address are accepted.
func (r *Router) Allowed(address uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[address]
}

// Sources returns the current allow-set in ascending order.
func (r *Router) Sources() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uint8, 0, len(r.allowed))
	for s := range r.allowed {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns a copy of the frame accounting.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	if len(r.unknown) > 0 {
		s.UnknownDGNs = make(map[string]uint64, len(r.unknown))
		for dgn, n := range r.unknown {
			s.UnknownDGNs[fmt.Sprintf("0x%05X", dgn)] = n
		}
	}
	return s
}

func (r *Router) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

func (r *Router) drop(f domain.Frame, reason DropReason, err error) Result {
	r.recorder.FrameDropped(reason)
	r.count(func(s *Stats) {
		switch reason {
		case DropSource:
			s.Source++
		case DropUnknownDGN:
			s.UnknownDGN++
		case DropMalformed:
			s.Malformed++
		case DropGated:
			s.Gated++
		case DropTransport:
			s.Transport++
		}
	})
	return Result{Dropped: reason, Err: err}
}

func (r *Router) noteUnknown(f domain.Frame) {
	r.mu.Lock()
	n, seen := r.unknown[f.DGN]
	if seen || len(r.unknown) < maxUnknownDGNs {
		r.unknown[f.DGN] = n + 1
	}
	r.mu.Unlock()

	if !seen {
		r.logger.Info().
			Str("dgn", fmt.Sprintf("0x%05X", f.DGN)).
			Str("source", fmt.Sprintf("0x%02X", f.Source)).
			Hex("payload", f.Payload()).
			Msg("Unmapped DGN")
	}
}

func (r *Router) handleClaim(f domain.Frame) {
	d := f.Payload()
	mfg, err := codec.Decode(d, claimManufacturer)
	if err != nil || !mfg.Available {
		return
	}
	fn, err := codec.Decode(d, claimFunction)
	if err != nil || !fn.Available {
		return
	}

	if r.nodes != nil {
		r.nodes.Claim(f.Source, uint16(mfg.Int), uint8(fn.Int))
	}

	if !r.opts.DiscoverSources || uint16(mfg.Int) != r.opts.ManufacturerCode {
		return
	}

	r.mu.Lock()
	known := r.allowed[f.Source]
	r.allowed[f.Source] = true
	r.mu.Unlock()

	if !known {
		r.logger.Info().
			Str("source", fmt.Sprintf("0x%02X", f.Source)).
			Int64("function", fn.Int).
			Msg("Discovered device source address")
	}
}

func (r *Router) handleTransport(f domain.Frame) Result {
	r.mu.RLock()
	skip := r.skipTP[f.Source]
	r.mu.RUnlock()
	if skip {
		return r.drop(f, DropTransport, nil)
	}

	msg, err := r.assembler.Feed(f)
	if err != nil {
		r.logger.Debug().Err(err).Str("source", fmt.Sprintf("0x%02X", f.Source)).Msg("Transport session dropped")
		return r.drop(f, DropMalformed, err)
	}
	if msg == nil {
		return r.drop(f, DropTransport, nil)
	}

	text := printable(msg.Data)
	if !strings.Contains(strings.ToUpper(text), "XANTREX") {
		r.mu.Lock()
		r.skipTP[f.Source] = true
		r.mu.Unlock()
		if r.nodes != nil {
			r.nodes.MarkForeign(f.Source)
		}
		r.logger.Info().
			Str("source", fmt.Sprintf("0x%02X", f.Source)).
			Str("text", text).
			Msg("Multi-packet message from foreign device, ignoring its transport traffic")
		return r.drop(f, DropTransport, nil)
	}

	m := firmwarePattern.FindStringSubmatch(text)
	if m == nil {
		return r.drop(f, DropTransport, nil)
	}

	version := m[1]
	if r.nodes != nil {
		r.nodes.SetFirmware(f.Source, version)
	}
	r.logger.Info().
		Str("source", fmt.Sprintf("0x%02X", f.Source)).
		Str("firmware", version).
		Msg("Firmware version identified")

	r.recorder.FrameDecoded(f.DGN)
	r.count(func(s *Stats) { s.Decoded++ })

	updates := make([]domain.Update, 0, 2)
	for _, ns := range domain.Namespaces() {
		updates = append(updates, domain.Update{Namespace: ns, Path: FirmwarePath, Value: domain.Text(version)})
	}
	return Result{Updates: updates}
}

func printable(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			sb.WriteByte(c)
		} else {
			sb.WriteByte(' ')
		}
	}
	return strings.TrimSpace(sb.String())
}
