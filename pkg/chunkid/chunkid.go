// Package chunkid composes and decomposes the chunk
// identifiers used by the memory store.
//
// A chunk id (CID) is a 64-bit value, whose highest 16
// bits are the id of the node owning the chunk, and the
// remaining 48 bits are the local id (LID) of the chunk
// inside the node's chunk table.
package chunkid

import (
	"fmt"
)

// Predefined component for composing into chunk id.
const (
	offsetLocalID = 0
	bitsLocalID   = 48
	offsetNodeID  = offsetLocalID + bitsLocalID
	bitsNodeID    = 64 - offsetNodeID
)

// MaxLocalID is the greatest local id representable.
const MaxLocalID = LID(1)<<bitsLocalID - 1

// InvalidLID is never issued by the allocator, since the
// first slot of every chunk table is reserved.
const InvalidLID = LID(0)

// LID is the local id of a chunk inside a node.
type LID uint64

// Valid reports whether the local id fits in 48 bits.
func (l LID) Valid() bool {
	return l <= MaxLocalID
}

// String formats the local id as hexadecimal.
func (l LID) String() string {
	return fmt.Sprintf("0x%x", uint64(l))
}

// NodeID identifies the node owning a chunk.
type NodeID uint16

// String formats the node id as hexadecimal.
func (n NodeID) String() string {
	return fmt.Sprintf("0x%04x", uint16(n))
}

// CID is the globally addressable chunk id.
type CID uint64

// Make composes the chunk id from its node and local id.
func Make(node NodeID, lid LID) CID {
	return CID(uint64(node)<<offsetNodeID |
		uint64(lid)&uint64(MaxLocalID))
}

// NodeID returns the node component of the chunk id.
func (c CID) NodeID() NodeID {
	return NodeID((uint64(c) >> offsetNodeID) & (1<<bitsNodeID - 1))
}

// LocalID returns the local component of the chunk id.
func (c CID) LocalID() LID {
	return LID(uint64(c) & uint64(MaxLocalID))
}

// String formats the chunk id as "<node>:<lid>".
func (c CID) String() string {
	return fmt.Sprintf("%04x:%012x",
		uint16(c.NodeID()), uint64(c.LocalID()))
}
