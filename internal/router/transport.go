package router

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-rvc/internal/domain"
)

// Transport protocol DGNs, with the destination byte masked off.
const (
	dgnTPConnect = 0x0EC00
	dgnTPData    = 0x0EB00

	tpControlBAM = 0x20
	tpBytesPerDT = 7
	tpMaxSize    = 1785
)

var (
	// ErrTransportSequence is returned when a data packet arrives out of order.
	ErrTransportSequence = errors.New("transport packet out of sequence")
	// ErrTransportTimeout is returned when a session expired before its next packet.
	ErrTransportTimeout = errors.New("transport session timed out")
	// ErrTransportAnnounce is returned for inconsistent BAM announcements.
	ErrTransportAnnounce = errors.New("invalid transport announcement")
)

// Message is a reassembled multi-packet payload.
type Message struct {
	Source uint8
	PGN    uint32
	Data   []byte
}

type tpSession struct {
	pgn      uint32
	size     int
	packets  int
	next     int
	buf      []byte
	deadline time.Time
}

// Assembler reassembles broadcast (BAM) multi-packet transfers, one session per source.
type Assembler struct {
	timeout  time.Duration
	sessions map[uint8]*tpSession
}

// NewAssembler creates an assembler that abandons sessions idle for longer than timeout.
func NewAssembler(timeout time.Duration) *Assembler {
	return &Assembler{
		timeout:  timeout,
		sessions: make(map[uint8]*tpSession),
	}
}

// IsTransport reports whether a DGN belongs to the transport protocol.
func IsTransport(dgn uint32) bool {
	pf := dgn & 0x1FF00
	return pf == dgnTPConnect || pf == dgnTPData
}

// Pending returns the number of open sessions.
func (a *Assembler) Pending() int {
	return len(a.sessions)
}

// Feed consumes one transport frame. It returns a Message when the final packet
// of a session arrives.
func (a *Assembler) Feed(f domain.Frame) (*Message, error) {
	d := f.Payload()
	if len(d) < 8 {
		return nil, fmt.Errorf("%w: %d byte transport frame", ErrTransportAnnounce, len(d))
	}

	switch f.DGN & 0x1FF00 {
	case dgnTPConnect:
		if d[0] != tpControlBAM {
			return nil, nil
		}
		size := int(binary.LittleEndian.Uint16(d[1:3]))
		packets := int(d[3])
		if size < 9 || size > tpMaxSize || packets != (size+tpBytesPerDT-1)/tpBytesPerDT {
			delete(a.sessions, f.Source)
			return nil, fmt.Errorf("%w: %d bytes in %d packets", ErrTransportAnnounce, size, packets)
		}
		a.sessions[f.Source] = &tpSession{
			pgn:      uint32(d[5]) | uint32(d[6])<<8 | uint32(d[7])<<16,
			size:     size,
			packets:  packets,
			next:     1,
			buf:      make([]byte, 0, packets*tpBytesPerDT),
			deadline: f.Timestamp.Add(a.timeout),
		}
		return nil, nil

	case dgnTPData:
		s, ok := a.sessions[f.Source]
		if !ok {
			return nil, nil
		}
		if f.Timestamp.After(s.deadline) {
			delete(a.sessions, f.Source)
			return nil, ErrTransportTimeout
		}
		if int(d[0]) != s.next {
			delete(a.sessions, f.Source)
			return nil, fmt.Errorf("%w: got %d, want %d", ErrTransportSequence, d[0], s.next)
		}

		s.buf = append(s.buf, d[1:8]...)
		s.next++
		s.deadline = f.Timestamp.Add(a.timeout)
		if s.next <= s.packets {
			return nil, nil
		}

		delete(a.sessions, f.Source)
		return &Message{Source: f.Source, PGN: s.pgn, Data: s.buf[:s.size]}, nil
	}

	return nil, nil
}
