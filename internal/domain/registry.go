// Package domain provides core domain implementations.
package domain

import (
	"sort"
	"sync"
	"time"
)

// NodeRegistry implements the NodeDirectory interface.
type NodeRegistry struct {
	nodes map[uint8]*NodeInfo
	mutex sync.RWMutex
}

// NewNodeRegistry creates a new node registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		nodes: make(map[uint8]*NodeInfo),
	}
}

// node returns the entry for an address, creating it when missing. Caller holds the lock.
func (r *NodeRegistry) node(address uint8, at time.Time) *NodeInfo {
	n, exists := r.nodes[address]
	if !exists {
		n = &NodeInfo{
			Address:     address,
			FirstSeen:   at,
			LastContact: at,
		}
		r.nodes[address] = n
	}
	return n
}

// Touch records traffic from a source address.
func (r *NodeRegistry) Touch(address uint8, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n := r.node(address, at)
	n.Frames++
	if at.After(n.LastContact) {
		n.LastContact = at
	}
}

// Claim records an address claim for a source address.
func (r *NodeRegistry) Claim(address uint8, manufacturer uint16, function uint8) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n := r.node(address, time.Now())
	n.ManufacturerCode = manufacturer
	n.Function = function
	n.Claimed = true
}

// SetFirmware stores the firmware version reported by a node.
func (r *NodeRegistry) SetFirmware(address uint8, version string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.node(address, time.Now()).Firmware = version
}

// MarkForeign flags a node as not belonging to the monitored device.
func (r *NodeRegistry) MarkForeign(address uint8) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.node(address, time.Now()).Foreign = true
}

// Get retrieves information about a node.
func (r *NodeRegistry) Get(address uint8) (NodeInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	n, exists := r.nodes[address]
	if !exists {
		return NodeInfo{}, false
	}

	return *n, true
}

// All returns information about every known node ordered by address.
func (r *NodeRegistry) All() []NodeInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	nodes := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })

	return nodes
}
