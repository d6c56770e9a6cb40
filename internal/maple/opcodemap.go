package maple

import (
	"crypto/des"
	"encoding/binary"
	"strconv"
	"strings"
)

// opcodeMapTriggerOpcode is the inbound opcode that carries an
// encrypted opcode-remap table.
const opcodeMapTriggerOpcode uint16 = 0x46

// dynamicOpcodeBase is added to a token's index to produce the real
// outbound opcode it maps to.
const dynamicOpcodeBase uint16 = 0xCC

// opcodeMapDesKeyBase is the 16-character base of the 3DES-ECB key used to
// decrypt the remap table; the 24-byte key is this string followed by its
// own first 8 characters.
const opcodeMapDesKeyBase = "BrN=r54jQp2@yP6G"

// OpcodeMap translates an outbound stream's encrypted opcodes to their real
// values once a remap table has been observed on the inbound stream.
type OpcodeMap struct {
	table map[uint16]uint16
}

// Translate rewrites opcode if it has an entry; entries absent from the
// table pass through unchanged.
func (m *OpcodeMap) Translate(opcode uint16) uint16 {
	if m == nil {
		return opcode
	}
	if real, ok := m.table[opcode]; ok {
		return real
	}
	return opcode
}

// maybeParseOpcodeMap inspects an inbound frame; if it's the opcode-remap
// trigger message, it decrypts and parses the table and returns it. It
// returns nil if this frame isn't a trigger or the table could not be
// built at all: a malformed header never yields a partial map, but
// whatever tokens parsed before the first failure are still installed, so
// an empty result from a bad prefix is still "whatever was built".
func maybeParseOpcodeMap(opcode uint16, payload []byte) *OpcodeMap {
	if opcode != opcodeMapTriggerOpcode || len(payload) < 4 {
		return nil
	}
	bufferSize := int32(binary.LittleEndian.Uint32(payload[0:4]))
	if bufferSize <= 0 || len(payload) < 4+int(bufferSize) {
		return nil
	}

	cipherLen := int(bufferSize)
	if rest := len(payload) - 4; rest < cipherLen {
		cipherLen = rest
	}
	plaintext, ok := tripleDESDecryptECB(payload[4 : 4+cipherLen])
	if !ok {
		return nil
	}

	return &OpcodeMap{table: parseOpcodeTokens(plaintext)}
}

// tripleDESDecryptECB decrypts data with the fixed opcode-map key using
// 3DES in ECB mode, no padding. A trailing partial block is dropped; it
// returns ok=false if no full block remains.
func tripleDESDecryptECB(data []byte) ([]byte, bool) {
	if len(data)%des.BlockSize != 0 {
		// Truncate to the last full block rather than reject outright —
		// the original tolerates a short tail the same way.
		data = data[:len(data)-len(data)%des.BlockSize]
	}
	if len(data) == 0 {
		return nil, false
	}

	key := make([]byte, 24)
	copy(key, opcodeMapDesKeyBase)
	copy(key[16:], opcodeMapDesKeyBase[:8])

	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, false
	}

	out := make([]byte, len(data))
	for off := 0; off < len(data); off += des.BlockSize {
		block.Decrypt(out[off:off+des.BlockSize], data[off:off+des.BlockSize])
	}
	return out, true
}

// parseOpcodeTokens splits the decrypted "op1|op2|op3" plaintext on '|' and
// builds encryptedOpcode -> dynamicOpcodeBase+index, stopping at the first
// unparseable token or duplicate key and keeping whatever was built so far.
func parseOpcodeTokens(plaintext []byte) map[uint16]uint16 {
	result := make(map[uint16]uint16)
	text := string(plaintext)
	if nul := strings.IndexByte(text, 0); nul >= 0 {
		text = text[:nul]
	}

	index := 0
	for _, token := range strings.Split(text, "|") {
		if token == "" {
			break
		}
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > 0xFFFF {
			break
		}
		encOp := uint16(n)
		if _, dup := result[encOp]; dup {
			break
		}
		result[encOp] = dynamicOpcodeBase + uint16(index)
		index++
	}
	return result
}
