package maple

import (
	"crypto/des"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptOpcodeTable(t *testing.T, plaintext string) []byte {
	t.Helper()
	key := make([]byte, 24)
	copy(key, opcodeMapDesKeyBase)
	copy(key[16:], opcodeMapDesKeyBase[:8])
	block, err := des.NewTripleDESCipher(key)
	require.NoError(t, err)

	padded := []byte(plaintext)
	for len(padded)%des.BlockSize != 0 {
		padded = append(padded, 0)
	}
	out := make([]byte, len(padded))
	for off := 0; off < len(padded); off += des.BlockSize {
		block.Encrypt(out[off:off+des.BlockSize], padded[off:off+des.BlockSize])
	}
	return out
}

func TestMaybeParseOpcodeMapBuildsTable(t *testing.T) {
	cipher := encryptOpcodeTable(t, "100|200|300")

	payload := make([]byte, 4, 4+len(cipher))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(cipher)))
	payload = append(payload, cipher...)

	m := maybeParseOpcodeMap(opcodeMapTriggerOpcode, payload)
	require.NotNil(t, m)

	assert.Equal(t, dynamicOpcodeBase+0, m.Translate(100))
	assert.Equal(t, dynamicOpcodeBase+1, m.Translate(200))
	assert.Equal(t, dynamicOpcodeBase+2, m.Translate(300))
	assert.Equal(t, uint16(999), m.Translate(999), "an opcode absent from the table passes through unchanged")
}

func TestMaybeParseOpcodeMapIgnoresNonTriggerOpcode(t *testing.T) {
	m := maybeParseOpcodeMap(0x99, []byte{1, 2, 3, 4})
	assert.Nil(t, m)
}

func TestMaybeParseOpcodeMapStopsAtBadToken(t *testing.T) {
	cipher := encryptOpcodeTable(t, "10|notanumber|30")

	payload := make([]byte, 4, 4+len(cipher))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(cipher)))
	payload = append(payload, cipher...)

	m := maybeParseOpcodeMap(opcodeMapTriggerOpcode, payload)
	require.NotNil(t, m)
	assert.Equal(t, dynamicOpcodeBase+0, m.Translate(10))
	assert.Equal(t, uint16(30), m.Translate(30), "tokens after the first bad one are never installed")
}

func TestOpcodeMapNilReceiverPassesThrough(t *testing.T) {
	var m *OpcodeMap
	assert.Equal(t, uint16(1234), m.Translate(1234))
}
