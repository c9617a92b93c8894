//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a blocked read or write waits before rechecking its context.
const pollInterval = 50

type socketCAN struct {
	fd        int
	iface     string
	closeOnce sync.Once
	closed    chan struct{}
}

// DialSocketCAN opens a raw CAN socket bound to the named interface (e.g. "can0").
func DialSocketCAN(iface string) (Bus, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: bind %s: %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: nonblock: %w", err)
	}

	return &socketCAN{fd: fd, iface: iface, closed: make(chan struct{})}, nil
}

func (s *socketCAN) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = unix.Close(s.fd)
	})
	return err
}

// Send writes one frame in the can_frame layout.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		n, werr := unix.Write(s.fd, buf)
		if werr == nil {
			if n != len(buf) {
				return errors.New("canbus: short write")
			}
			return nil
		}
		if !errors.Is(werr, unix.EAGAIN) {
			return s.mapErr(werr)
		}
		if err := s.wait(ctx, unix.POLLOUT); err != nil {
			return err
		}
	}
}

// Receive reads one frame.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	buf := make([]byte, FrameSize)
	for {
		n, rerr := unix.Read(s.fd, buf)
		if rerr == nil {
			if n != FrameSize {
				return Frame{}, errors.New("canbus: short read")
			}
			var f Frame
			if err := f.UnmarshalBinary(buf); err != nil {
				return Frame{}, err
			}
			return f, nil
		}
		if !errors.Is(rerr, unix.EAGAIN) {
			return Frame{}, s.mapErr(rerr)
		}
		if err := s.wait(ctx, unix.POLLIN); err != nil {
			return Frame{}, err
		}
	}
}

func (s *socketCAN) wait(ctx context.Context, events int16) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		default:
		}

		fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
		n, err := unix.Poll(fds, pollInterval)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return s.mapErr(err)
		}
		if n > 0 {
			return nil
		}
	}
}

func (s *socketCAN) mapErr(err error) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
		return fmt.Errorf("canbus: %s: %w", s.iface, err)
	}
}
