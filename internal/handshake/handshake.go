// Package handshake issues the startup identification and status requests.
//
// Requests go out once, in priority order. Replies are ordinary frames and reach
// the engine through the router like any other traffic.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-rvc/internal/canbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Identity PGNs are requested from every node.
var identityPGNs = map[uint32]bool{
	0x0EE00: true, // address claim
	0x1FEEB: true, // product identification
	0x1FFDE: true, // model info
	0x1FEEF: true, // software identification
}

// DefaultRequests is the request list used when none is configured.
var DefaultRequests = []uint32{
	0x0EE00, 0x1FEEB, 0x1FFDE, 0x1FEEF,
	0x1FFD4, 0x1FFD7, 0x1FEE8, 0x1FFCA, 0x1FEA3, 0x1FFC7, 0x1FFC9,
}

// maxPGN is the largest PGN an 18-bit request field can name.
const maxPGN = 0x3FFFF

// ErrInvalidPGN is returned for a PGN wider than the request field.
var ErrInvalidPGN = errors.New("invalid PGN")

// Sender transmits frames; canbus.Bus satisfies it.
type Sender interface {
	Send(ctx context.Context, frame canbus.Frame) error
}

// Recorder counts request outcomes.
type Recorder interface {
	HandshakeRequest(ok bool)
}

// Config configures the handshake.
type Config struct {
	Requests     []uint32
	Primary      uint8
	Source       uint8
	SendAttempts int
	RetryDelay   time.Duration
	Spacing      time.Duration
}

// Summary reports what a run did.
type Summary struct {
	Sent   int
	Failed int
}

// Handshake sends the startup requests.
type Handshake struct {
	sender   Sender
	recorder Recorder
	config   Config
	queue    *Queue
	logger   zerolog.Logger
}

// New creates a handshake with every configured request queued.
func New(sender Sender, config Config, recorder Recorder) *Handshake {
	if len(config.Requests) == 0 {
		config.Requests = DefaultRequests
	}
	if config.SendAttempts < 1 {
		config.SendAttempts = 1
	}

	logger := log.With().Str("component", "handshake").Logger()
	h := &Handshake{
		sender:   sender,
		recorder: recorder,
		config:   config,
		queue:    NewQueue(logger),
		logger:   logger,
	}

	for _, pgn := range config.Requests {
		r := &Request{
			PGN:         pgn,
			Destination: config.Primary,
			Priority:    PriorityNormal,
			MaxAttempts: config.SendAttempts,
		}
		if identityPGNs[pgn] {
			r.Destination = canbus.GlobalAddress
			r.Priority = PriorityUrgent
		}
		h.queue.Enqueue(r)
	}
	return h
}

// Pending returns the number of requests not yet sent.
func (h *Handshake) Pending() int {
	return h.queue.Len()
}

// Run drains the queue once. Failed sends are retried up to the attempt limit;
// nothing is re-sent after Run returns.
func (h *Handshake) Run(ctx context.Context) (Summary, error) {
	var s Summary
	first := true

	for {
		r := h.queue.Dequeue()
		if r == nil {
			break
		}

		if !first && h.config.Spacing > 0 {
			if err := sleep(ctx, h.config.Spacing); err != nil {
				return s, err
			}
		}
		first = false

		if err := h.send(ctx, r); err != nil {
			if ctx.Err() != nil {
				return s, ctx.Err()
			}
			s.Failed++
			continue
		}
		s.Sent++
	}

	h.logger.Info().
		Int("sent", s.Sent).
		Int("failed", s.Failed).
		Msg("Startup requests issued")
	return s, nil
}

func (h *Handshake) send(ctx context.Context, r *Request) error {
	frame, err := RequestFrame(r.PGN, r.Destination, h.config.Source)
	if err != nil {
		r.Err = err
		h.logger.Error().Err(err).Str("request", r.ID()).Msg("Cannot encode request")
		h.record(false)
		return err
	}

	for {
		r.Attempts++
		err := h.sender.Send(ctx, frame)
		if err == nil {
			now := time.Now()
			r.SentAt = &now
			r.Err = nil
			h.record(true)
			h.logger.Debug().
				Str("request", r.ID()).
				Str("priority", r.Priority.String()).
				Int("attempt", r.Attempts).
				Msg("Request sent")
			return nil
		}

		r.Err = err
		h.record(false)
		if ctx.Err() != nil || !r.CanRetry() {
			h.logger.Warn().Err(err).Str("request", r.ID()).Int("attempts", r.Attempts).Msg("Request not sent")
			return err
		}
		h.logger.Debug().Err(err).Str("request", r.ID()).Int("attempt", r.Attempts).Msg("Send failed, retrying")
		if err := sleep(ctx, h.config.RetryDelay); err != nil {
			return err
		}
	}
}

func (h *Handshake) record(ok bool) {
	if h.recorder != nil {
		h.recorder.HandshakeRequest(ok)
	}
}

// RequestFrame builds a request for pgn from source to destination. The payload
// carries the PGN little-endian in bytes 0-2, the rest is 0xFF.
func RequestFrame(pgn uint32, destination, source uint8) (canbus.Frame, error) {
	if pgn > maxPGN {
		return canbus.Frame{}, fmt.Errorf("%w: 0x%X", ErrInvalidPGN, pgn)
	}

	// The PGN is an identifier, not a measurement, so 0xFFFF in the low word is
	// a real value rather than a sentinel.
	f := canbus.Frame{
		ID:       canbus.BuildID(6, canbus.DGNRequest|uint32(destination), source),
		Extended: true,
		Len:      8,
		Data:     [8]byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	}
	return f, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
