// Package sparelid packs free local id ranges into the
// 64-bit entries of the spare store ring buffer.
//
// Each entry carries a 16-bit tag in its highest bits and
// a 48-bit local id in the remaining bits. The tag tells
// how the local id should be interpreted:
//
//	0        the entry is a single free local id.
//	1        the entry is one border of a two-slot interval,
//	         the first border is the inclusive start and the
//	         second border is the inclusive end.
//	2~65535  the entry is a run, starting at the local id
//	         (inclusive) and spanning the tag value of ids.
//
// The packing is confined to this package, the rest of the
// code works with Spare and Range values.
package sparelid

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/chaitin/lidstore/pkg/chunkid"
)

// Predefined component for composing into an entry.
const (
	offsetLID = 0
	bitsLID   = 48
	offsetTag = offsetLID + bitsLID
	bitsTag   = 64 - offsetTag
)

const (
	tagSingle = 0
	tagBorder = 1
)

// MaxRunLength is the greatest length a run could carry.
const MaxRunLength = uint64(1)<<bitsTag - 1

// Kind is the interpretation of an entry.
type Kind uint8

const (
	KindSingle = Kind(iota)
	KindBorder
	KindRun
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindBorder:
		return "border"
	case KindRun:
		return "run"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is the packed representation in the ring buffer.
type Entry uint64

// Single packs a single free local id.
func Single(lid chunkid.LID) Entry {
	return pack(tagSingle, lid)
}

// Border packs one border of a two-slot interval.
func Border(lid chunkid.LID) Entry {
	return pack(tagBorder, lid)
}

// Run packs a run of length ids starting at start.
//
// The length must be within [2, MaxRunLength], a range of
// a single id must be packed with Single, and a longer
// range requires a two-slot interval.
func Run(start chunkid.LID, length uint64) Entry {
	if length < 2 || length > MaxRunLength {
		panic(errors.Errorf(
			"run length %d out of range", length))
	}
	return pack(length, start)
}

func pack(tag uint64, lid chunkid.LID) Entry {
	if !lid.Valid() {
		panic(errors.Errorf("invalid local id %s", lid))
	}
	return Entry(tag<<offsetTag | uint64(lid)<<offsetLID)
}

func (e Entry) tag() uint64 {
	return (uint64(e) >> offsetTag) & (1<<bitsTag - 1)
}

// LID returns the local id carried by the entry.
func (e Entry) LID() chunkid.LID {
	return chunkid.LID((uint64(e) >> offsetLID) & (1<<bitsLID - 1))
}

// Kind returns the interpretation of the entry.
func (e Entry) Kind() Kind {
	switch e.tag() {
	case tagSingle:
		return KindSingle
	case tagBorder:
		return KindBorder
	default:
		return KindRun
	}
}

// Length returns the number of ids the entry spans by
// itself. Borders only make sense in pairs so their
// length is reported as 0.
func (e Entry) Length() uint64 {
	switch tag := e.tag(); tag {
	case tagSingle:
		return 1
	case tagBorder:
		return 0
	default:
		return tag
	}
}

// Slots returns the number of ring slots a range whose
// head is this entry occupies.
func (e Entry) Slots() int {
	if e.Kind() == KindBorder {
		return 2
	}
	return 1
}

// Decode unpacks the entry into its typed form.
func (e Entry) Decode() Spare {
	return Spare{
		Kind:   e.Kind(),
		LID:    e.LID(),
		Length: e.Length(),
	}
}

// String formats the entry for debugging.
func (e Entry) String() string {
	return e.Decode().String()
}

// Spare is the typed form of an entry.
type Spare struct {
	Kind   Kind
	LID    chunkid.LID
	Length uint64
}

// Encode packs the typed form back into an entry.
func (s Spare) Encode() Entry {
	switch s.Kind {
	case KindSingle:
		return Single(s.LID)
	case KindBorder:
		return Border(s.LID)
	default:
		return Run(s.LID, s.Length)
	}
}

// String formats the spare entry.
func (s Spare) String() string {
	if s.Kind == KindRun {
		return fmt.Sprintf("run(%d,%d)", uint64(s.LID), s.Length)
	}
	return fmt.Sprintf("%s(%d)", s.Kind, uint64(s.LID))
}

// Range is a contiguous block of free ids, both ends are
// inclusive.
type Range struct {
	Start chunkid.LID
	End   chunkid.LID
}

// Size returns the number of ids in the range.
func (r Range) Size() uint64 {
	return uint64(r.End-r.Start) + 1
}

// Contains reports whether the id lies inside the range.
func (r Range) Contains(lid chunkid.LID) bool {
	return r.Start <= lid && lid <= r.End
}

// Slots returns the number of ring slots the canonical
// encoding of the range occupies.
func (r Range) Slots() int {
	if r.Size() > MaxRunLength {
		return 2
	}
	return 1
}

// AppendTo appends the canonical encoding of the range:
// a single for one id, a run while the length fits in the
// tag and a two-slot interval otherwise.
func (r Range) AppendTo(dst []Entry) []Entry {
	switch size := r.Size(); {
	case size == 1:
		return append(dst, Single(r.Start))
	case size <= MaxRunLength:
		return append(dst, Run(r.Start, size))
	default:
		return append(dst, Border(r.Start), Border(r.End))
	}
}

// String formats the range.
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", uint64(r.Start), uint64(r.End))
}

// RangeOf returns the range headed by the entry. The tail
// is only consulted for two-slot intervals and must be the
// entry following the head in the ring.
func RangeOf(head, tail Entry) Range {
	switch head.Kind() {
	case KindBorder:
		return Range{Start: head.LID(), End: tail.LID()}
	default:
		return Range{
			Start: head.LID(),
			End:   head.LID() + chunkid.LID(head.Length()) - 1,
		}
	}
}
