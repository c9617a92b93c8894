// Package domain provides core domain models and interfaces for the go-rvc bridge.
package domain

import (
	"context"
	"fmt"
	"time"
)

// Namespace identifies one of the logical device services exposed for the physical unit.
type Namespace string

const (
	NamespaceInverter Namespace = "inverter"
	NamespaceCharger  Namespace = "charger"
)

// Namespaces returns every service namespace in a stable order.
func Namespaces() []Namespace {
	return []Namespace{NamespaceInverter, NamespaceCharger}
}

// ParseNamespace converts a string into a Namespace.
func ParseNamespace(s string) (Namespace, error) {
	switch Namespace(s) {
	case NamespaceInverter, NamespaceCharger:
		return Namespace(s), nil
	default:
		return "", fmt.Errorf("unknown namespace %q", s)
	}
}

// Frame is one RV-C frame as delivered by the transport.
type Frame struct {
	Source    uint8
	DGN       uint32
	Priority  uint8
	Len       uint8
	Data      [8]byte
	Timestamp time.Time
}

// Payload returns the valid bytes of the frame.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// Update is a single path write produced while processing a frame.
type Update struct {
	Namespace Namespace
	Path      string
	Value     Value
}

// Change is emitted by the cache when a path's value or availability changes.
type Change struct {
	Namespace Namespace
	Path      string
	Value     Value
	Previous  Value
	Timestamp time.Time
}

// MessagePublisher defines the interface for publishing exported data.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// NodeDirectory keeps track of the source addresses seen on the bus.
type NodeDirectory interface {
	// Touch records traffic from a source address
	Touch(address uint8, at time.Time)

	// Claim records an address claim for a source address
	Claim(address uint8, manufacturer uint16, function uint8)

	// SetFirmware stores the firmware version reported by a node
	SetFirmware(address uint8, version string)

	// MarkForeign flags a node as not belonging to the monitored device
	MarkForeign(address uint8)

	// Get retrieves information about a node
	Get(address uint8) (NodeInfo, bool)

	// All returns information about every known node
	All() []NodeInfo
}

// NodeInfo contains information about one source address on the bus.
type NodeInfo struct {
	Address          uint8     `json:"address"`
	ManufacturerCode uint16    `json:"manufacturerCode,omitempty"`
	Function         uint8     `json:"function,omitempty"`
	Claimed          bool      `json:"claimed"`
	Foreign          bool      `json:"foreign"`
	Firmware         string    `json:"firmware,omitempty"`
	Frames           uint64    `json:"frames"`
	FirstSeen        time.Time `json:"firstSeen"`
	LastContact      time.Time `json:"lastContact"`
}
