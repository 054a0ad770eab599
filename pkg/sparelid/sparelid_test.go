package sparelid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chaitin/lidstore/pkg/chunkid"
)

func TestPacking(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Entry(5), Single(5))
	assert.Equal(Entry(1<<48|5), Border(5))
	assert.Equal(Entry(2<<48|3), Run(3, 2))
	assert.Equal(Entry(0xffff<<48|4), Run(4, MaxRunLength))
	assert.Equal(uint64(65535), MaxRunLength)

	run := Run(4, MaxRunLength).Decode()
	assert.Equal(KindRun, run.Kind)
	assert.Equal(chunkid.LID(4), run.LID)
	assert.Equal(MaxRunLength, run.Length)
	assert.Equal(Run(4, MaxRunLength), run.Encode())

	assert.Equal(KindSingle, Single(7).Kind())
	assert.Equal(uint64(1), Single(7).Length())
	assert.Equal(KindBorder, Border(7).Kind())
	assert.Equal(2, Border(7).Slots())
	assert.Equal(1, Run(7, 9).Slots())
	assert.Equal("run(7,9)", Run(7, 9).String())
	assert.Equal("border(7)", Border(7).String())
}

func TestPackingPanics(t *testing.T) {
	assert := assert.New(t)
	assert.Panics(func() { Run(1, 1) })
	assert.Panics(func() { Run(1, MaxRunLength+1) })
	assert.Panics(func() { Single(chunkid.MaxLocalID + 1) })
}

func TestRangeEncoding(t *testing.T) {
	assert := assert.New(t)

	assert.Equal([]Entry{Single(9)},
		Range{Start: 9, End: 9}.AppendTo(nil))
	assert.Equal([]Entry{Run(9, 2)},
		Range{Start: 9, End: 10}.AppendTo(nil))
	assert.Equal([]Entry{Run(1, MaxRunLength)},
		Range{Start: 1, End: 65535}.AppendTo(nil))
	assert.Equal([]Entry{Border(1), Border(65536)},
		Range{Start: 1, End: 65536}.AppendTo(nil))
	assert.Equal(2, Range{Start: 1, End: 65536}.Slots())
	assert.Equal(1, Range{Start: 1, End: 65535}.Slots())

	assert.Equal(Range{Start: 3, End: 7}, RangeOf(Run(3, 5), 0))
	assert.Equal(Range{Start: 3, End: 3}, RangeOf(Single(3), 0))
	assert.Equal(Range{Start: 3, End: 70000},
		RangeOf(Border(3), Border(70000)))
	assert.True(Range{Start: 3, End: 7}.Contains(7))
	assert.False(Range{Start: 3, End: 7}.Contains(8))
}
