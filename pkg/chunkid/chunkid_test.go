package chunkid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompose(t *testing.T) {
	assert := assert.New(t)

	cid := Make(NodeID(0xbeef), LID(0x123456789abc))
	assert.Equal(CID(0xbeef123456789abc), cid)
	assert.Equal(NodeID(0xbeef), cid.NodeID())
	assert.Equal(LID(0x123456789abc), cid.LocalID())
	assert.Equal("beef:123456789abc", cid.String())

	// Local ids are truncated to their 48 bits.
	cid = Make(NodeID(1), MaxLocalID+2)
	assert.Equal(NodeID(1), cid.NodeID())
	assert.Equal(LID(1), cid.LocalID())
}

func TestValid(t *testing.T) {
	assert := assert.New(t)
	assert.True(InvalidLID.Valid())
	assert.True(MaxLocalID.Valid())
	assert.False((MaxLocalID + 1).Valid())
	assert.Equal(LID(0xffffffffffff), MaxLocalID)
}
