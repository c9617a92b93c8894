// Package main provides a frame simulator that plays a Freedom XC style frame
// sequence onto a CAN interface.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-rvc/internal/canbus"
)

const (
	dgnTPConnect = 0x0ECFF
	dgnTPData    = 0x0EBFF
	firmwarePGN  = 0x1FEEB
)

// Simulator plays a list of frames onto a bus, cycling through them.
type Simulator struct {
	bus      canbus.Bus
	frames   []canbus.Frame
	interval time.Duration
	verbose  bool
	index    int
}

// parseFrame parses one frame in candump notation, e.g. 19FFD4D0#0100FFFFFFFFFFFF.
func parseFrame(line string) (canbus.Frame, error) {
	idPart, dataPart, ok := strings.Cut(strings.TrimSpace(line), "#")
	if !ok {
		return canbus.Frame{}, fmt.Errorf("missing '#' in %q", line)
	}

	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("invalid identifier %q: %w", idPart, err)
	}

	data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("invalid payload %q: %w", dataPart, err)
	}

	f := canbus.Frame{ID: uint32(id), Extended: true, Len: uint8(len(data))}
	if len(data) > len(f.Data) {
		return canbus.Frame{}, fmt.Errorf("payload of %d bytes exceeds 8", len(data))
	}
	copy(f.Data[:], data)

	if err := f.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	return f, nil
}

// loadFramesFromFile reads frames, one per line, from the specified file.
func loadFramesFromFile(filename string) ([]canbus.Frame, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	var frames []canbus.Frame
	scanner := bufio.NewScanner(file)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") { // Skip empty lines and comments
			continue
		}
		f, err := parseFrame(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		frames = append(frames, f)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames found in file %s", filename)
	}

	return frames, nil
}

func frame(source uint8, dgn uint32, data ...byte) canbus.Frame {
	f := canbus.Frame{ID: canbus.BuildID(6, dgn, source), Extended: true, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

// bamFrames announces and transfers text as a broadcast multi-packet message.
func bamFrames(source uint8, pgn uint32, text string) []canbus.Frame {
	payload := []byte(text)
	packets := (len(payload) + 6) / 7

	frames := []canbus.Frame{frame(source, dgnTPConnect,
		0x20, byte(len(payload)), byte(len(payload)>>8), byte(packets), 0xFF,
		byte(pgn), byte(pgn>>8), byte(pgn>>16))}

	for seq := 1; seq <= packets; seq++ {
		data := []byte{byte(seq), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		copy(data[1:], payload[(seq-1)*7:min(seq*7, len(payload))])
		frames = append(frames, frame(source, dgnTPData, data...))
	}
	return frames
}

// defaultFrames is a short sequence of a Freedom XC inverting from its battery.
func defaultFrames() []canbus.Frame {
	frames := []canbus.Frame{
		// Address claims with the Xantrex manufacturer code
		frame(0x42, 0x0EEFF, 0x00, 0x00, 0xE0, 0x0E, 0x00, 0x00, 0x00, 0x00),
		frame(0xD0, 0x0EEFF, 0x00, 0x00, 0xE0, 0x0E, 0x00, 0x00, 0x00, 0x00),
	}
	frames = append(frames, bamFrames(0x42, firmwarePGN, "XANTREX FREEDOM XC U3:02.14 B1:01.00")...)
	frames = append(frames,
		// Inverter status: inverting
		frame(0xD0, 0x1FFD4, 0x01, 0x02, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF),
		// AC output: 120 V, 4.2 A
		frame(0x42, 0x1FFD7, 0x01, 0x60, 0x09, 0x54, 0x00, 0xFF, 0xFF, 0xFF),
		// Charger status: 12.8 V battery, 0 A
		frame(0x42, 0x1FEA3, 0x01, 0xFF, 0x00, 0x01, 0x00, 0x00, 0xFF, 0xFF),
	)
	return frames
}

// NewSimulator creates a new frame simulator.
func NewSimulator(bus canbus.Bus, frames []canbus.Frame, interval time.Duration, verbose bool) *Simulator {
	return &Simulator{
		bus:      bus,
		frames:   frames,
		interval: interval,
		verbose:  verbose,
	}
}

// next returns the next frame, cycling through the sequence.
func (sim *Simulator) next() canbus.Frame {
	f := sim.frames[sim.index]
	sim.index = (sim.index + 1) % len(sim.frames)
	return f
}

// Run sends one frame per interval until ctx is cancelled.
func (sim *Simulator) Run(ctx context.Context) error {
	log.Printf("🔌 Starting RV-C frame simulator")
	log.Printf("   Frames: %d", len(sim.frames))
	log.Printf("   Send Interval: %v", sim.interval)
	log.Printf("")

	ticker := time.NewTicker(sim.interval)
	defer ticker.Stop()

	sent := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Printf("🛑 Simulator stopped, %d frames sent in %v", sent, time.Since(startTime).Round(time.Second))
			return ctx.Err()

		case <-ticker.C:
			f := sim.next()
			if err := sim.bus.Send(ctx, f); err != nil {
				if errors.Is(err, canbus.ErrClosed) {
					return err
				}
				log.Printf("❌ Error sending frame: %v", err)
				continue
			}
			sent++

			if sim.verbose {
				_, dgn, source := canbus.ParseID(f.ID)
				log.Printf("📤 DGN 0x%05X from 0x%02X: % X", dgn, source, f.Data[:f.Len])
			} else if sent%100 == 0 {
				log.Printf("📊 Sent %d frames", sent)
			}
		}
	}
}

func main() {
	var (
		iface     = flag.String("interface", "vcan0", "CAN interface to send on")
		frameFile = flag.String("file", "", "File of frames in candump notation (ID#DATA, one per line)")
		interval  = flag.Duration("interval", 100*time.Millisecond, "Interval between frames")
		verbose   = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	frames := defaultFrames()
	if *frameFile != "" {
		var err error
		if frames, err = loadFramesFromFile(*frameFile); err != nil {
			log.Fatalf("❌ %v", err)
		}
	}

	bus, err := canbus.DialSocketCAN(*iface)
	if err != nil {
		log.Fatalf("❌ Cannot open CAN interface %s: %v", *iface, err)
	}
	defer bus.Close()

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewSimulator(bus, frames, *interval, *verbose).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("❌ Simulator error: %v", err)
	}
}
