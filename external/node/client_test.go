package node

import (
	"encoding/binary"
	"testing"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotBytes(slot uint64) []byte {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], slot)
	return raw[:]
}

func TestAuraSlot(t *testing.T) {
	header := types.Header{Digest: types.Digest{
		{IsPreRuntime: true, AsPreRuntime: types.PreRuntime{
			ConsensusEngineID: auraEngineID,
			Bytes:             slotBytes(100123),
		}},
	}}

	slot, ok := auraSlot(header)
	require.True(t, ok)
	assert.Equal(t, uint64(100123), slot)
}

func TestAuraSlot_SkipsForeignDigests(t *testing.T) {
	babeEngineID := types.ConsensusEngineID(binary.LittleEndian.Uint32([]byte("BABE")))
	header := types.Header{Digest: types.Digest{
		{IsOther: true, AsOther: types.Bytes{0x01}},
		{IsPreRuntime: true, AsPreRuntime: types.PreRuntime{
			ConsensusEngineID: babeEngineID,
			Bytes:             slotBytes(7),
		}},
		{IsPreRuntime: true, AsPreRuntime: types.PreRuntime{
			ConsensusEngineID: auraEngineID,
			Bytes:             slotBytes(42),
		}},
	}}

	slot, ok := auraSlot(header)
	require.True(t, ok)
	assert.Equal(t, uint64(42), slot)
}

func TestAuraSlot_NoAuraDigest(t *testing.T) {
	header := types.Header{Digest: types.Digest{
		{IsOther: true, AsOther: types.Bytes{0x01}},
		{IsPreRuntime: true, AsPreRuntime: types.PreRuntime{
			ConsensusEngineID: auraEngineID,
			Bytes:             []byte{0x01, 0x02},
		}},
	}}

	_, ok := auraSlot(header)
	assert.False(t, ok)
}
