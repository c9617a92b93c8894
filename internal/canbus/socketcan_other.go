//go:build !linux

package canbus

// DialSocketCAN is only available on Linux.
func DialSocketCAN(iface string) (Bus, error) {
	return nil, ErrUnsupported
}
