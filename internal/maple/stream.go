package maple

import "encoding/binary"

// MapleStream is a per-direction pull-based framer: it accumulates raw
// still-encrypted stream bytes via Append and yields zero or more decrypted
// frames each time the driver calls TryRead in a loop. It never blocks or
// allocates a goroutine of its own — resumption is just expectedDataSize.
type MapleStream struct {
	outbound bool
	engine   *AesEngine
	useByteShift bool
	dead     bool

	buf              []byte
	cursor           int
	expectedDataSize int

	opcodeMap    *OpcodeMap
	pendingRemap *OpcodeMap
}

// NewMapleStream creates a framer for one direction. useByteShift selects
// the alternate inbound cipher (set only for inbound streams on a
// non-login server whose handshake enabled extraCipher).
func NewMapleStream(outbound bool, engine *AesEngine, useByteShift bool) *MapleStream {
	return &MapleStream{
		outbound:         outbound,
		engine:           engine,
		useByteShift:     useByteShift,
		buf:              make([]byte, 4096),
		expectedDataSize: 4,
	}
}

// Dead reports whether this direction's framer has desynchronized and
// stopped decrypting.
func (s *MapleStream) Dead() bool { return s.dead }

// SetOpcodeMap installs a remap table on an outbound stream (the inbound
// stream that discovered the table is never the one that uses it).
func (s *MapleStream) SetOpcodeMap(m *OpcodeMap) { s.opcodeMap = m }

// Append copies bytes into the stream's internal buffer, growing it as
// needed.
func (s *MapleStream) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	needed := s.cursor + len(data)
	if needed > len(s.buf) {
		newCap := len(s.buf)
		if newCap == 0 {
			newCap = 4096
		}
		for newCap < needed {
			newCap *= 2
		}
		grown := make([]byte, newCap)
		copy(grown, s.buf[:s.cursor])
		s.buf = grown
	}
	copy(s.buf[s.cursor:], data)
	s.cursor += len(data)
}

// TryRead drives one frame out of the buffered bytes. It returns
// ok=false when more bytes are needed, or when the stream has died.
func (s *MapleStream) TryRead(timestamp float64) (DecryptedPacket, bool) {
	if s.dead {
		return DecryptedPacket{}, false
	}
	if s.cursor < s.expectedDataSize {
		return DecryptedPacket{}, false
	}

	if !s.engine.ConfirmHeader(s.buf[:4]) {
		s.dead = true
		return DecryptedPacket{}, false
	}

	headerLen := s.engine.HeaderLength(s.buf[:4])
	s.expectedDataSize = headerLen
	if s.cursor < s.expectedDataSize {
		return DecryptedPacket{}, false
	}

	packetSize := s.engine.PacketLength(s.buf[:8])
	s.expectedDataSize = headerLen + packetSize
	if s.cursor < s.expectedDataSize {
		return DecryptedPacket{}, false
	}

	payload := make([]byte, packetSize)
	copy(payload, s.buf[headerLen:headerLen+packetSize])

	if s.useByteShift {
		s.engine.TransformByteShift(payload)
	} else {
		s.engine.TransformAES(payload)
	}
	s.engine.ShiftIV()

	consumed := s.expectedDataSize
	remaining := s.cursor - consumed
	copy(s.buf, s.buf[consumed:s.cursor])
	s.cursor = remaining
	s.expectedDataSize = 4

	var opcode uint16
	var body []byte
	if len(payload) >= 2 {
		opcode = binary.LittleEndian.Uint16(payload[0:2])
		body = payload[2:]
	}

	if !s.outbound {
		if remap := maybeParseOpcodeMap(opcode, body); remap != nil {
			s.pendingRemap = remap
		}
	}
	if s.outbound {
		opcode = s.opcodeMap.Translate(opcode)
	}

	pkt := DecryptedPacket{
		Timestamp: timestamp,
		Outbound:  s.outbound,
		Opcode:    opcode,
		Payload:   body,
		Length:    len(body),
		HexDump:   hexDump(body),
		Variant:   VariantData,
	}
	return pkt, true
}

// pendingRemap, when set by a TryRead on the inbound stream, is the table
// the owning Session must install onto the outbound stream. Cleared by
// TakePendingRemap.
func (s *MapleStream) TakePendingRemap() *OpcodeMap {
	m := s.pendingRemap
	s.pendingRemap = nil
	return m
}
