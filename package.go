// Package lidstore is the local identifier allocator of a
// storage node, which hands out the 48-bit local part of
// the chunk ids created on the node.
//
// Fresh ids are taken from a monotonic counter, while the
// ids released by chunk removal are recycled through the
// spare store, so that they are handed out again before the
// counter grows any further.
package lidstore

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chaitin/lidstore/pkg/chunkid"
)

// ErrCorruptDump is the error returned when an imported
// dump does not describe a consistent allocator.
var ErrCorruptDump = errors.New("corrupt allocator dump")

// DefaultCapacity is the default number of slots of the
// spare store ring.
const DefaultCapacity = 4096

// Status is the point in time view of the allocator.
type Status struct {
	// HighestLID is the highest id ever issued by the
	// counter, it is 0 when nothing has been issued yet.
	HighestLID chunkid.LID

	// TotalFree is the number of free ids owed by the spare
	// store, including the zombies in the chunk table.
	TotalFree uint64

	// InStore is the number of free ids represented in the
	// ring of the spare store.
	InStore uint64

	Slots    int
	Capacity int
}

type option struct {
	capacity       int
	initialCounter chunkid.LID
	logger         *zap.Logger
}

// Option to initialize the allocator.
type Option func(*option)

// WithCapacity is the number of slots in the spare store.
// The default value is DefaultCapacity.
func WithCapacity(capacity int) Option {
	return func(opt *option) {
		opt.capacity = capacity
	}
}

// WithInitialCounter is the first id to be issued by the
// counter. The default value is 1.
func WithInitialCounter(lid chunkid.LID) Option {
	return func(opt *option) {
		opt.initialCounter = lid
	}
}

// WithLogger specifies the logger for the allocator.
// The default value is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(opt *option) {
		opt.logger = logger
	}
}

// WithOptions aggregate a set of options together.
func WithOptions(opts ...Option) Option {
	return func(o *option) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// newOption creates the option with all default values.
func newOption() *option {
	return &option{
		capacity:       DefaultCapacity,
		initialCounter: 1,
		logger:         zap.L(),
	}
}
