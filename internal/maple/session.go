package maple

// SessionState enumerates a Session's lifecycle.
type SessionState int

const (
	StatePreHandshake SessionState = iota
	StateActive
	StateDead
	StateTerminated
)

// maxPendingBytes caps the pre-handshake raw byte queues per direction so
// a connection that never completes a handshake can't grow without bound.
const maxPendingBytes = 2 << 20

// Session is one logical Maple connection, reachable from up to four
// Dispatcher aliases. It owns both directions' reassembly, cipher state,
// and framers as a single unit, guarded by the Dispatcher's mutex rather
// than one of its own.
type Session struct {
	ID uint32

	ServerIP   uint32
	ServerPort uint16
	ClientPort uint16

	state SessionState

	Version       uint16
	SubVersionRaw string
	Locale        uint8

	clientReasm *Reasm
	serverReasm *Reasm

	pendingInbound  []byte
	pendingOutbound []byte

	lastServerSeqEnd uint32
	lastClientSeqEnd uint32
	haveServerSeqEnd bool
	haveClientSeqEnd bool

	// serverSeqHint/clientSeqHint carry the provisional starting sequence
	// numbers learned from a SYN/SYN-ACK, used only as a fallback: if any
	// bytes were actually seen pre-handshake, lastServerSeqEnd/
	// lastClientSeqEnd (tracking real consumed bytes) take precedence.
	serverSeqHint     uint32
	clientSeqHint     uint32
	haveServerSeqHint bool
	haveClientSeqHint bool

	outboundStream *MapleStream
	inboundStream  *MapleStream

	deadNotified [2]bool // index 0 = inbound, 1 = outbound

	// primaryKey/primaryDir/primarySet record the Dispatcher's direction
	// convention for the key this session was created from, used to
	// resolve direction before either endpoint's port is confirmed.
	primaryKey ConnectionKey
	primaryDir direction
	primarySet bool

	log Logger
}

// NewSession creates a fresh pre-handshake session with the given id.
func NewSession(id uint32, log Logger) *Session {
	if log == nil {
		log = NopLogger{}
	}
	return &Session{
		ID:          id,
		state:       StatePreHandshake,
		clientReasm: NewReasm(),
		serverReasm: NewReasm(),
		log:         log,
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Terminate marks the session terminated; the Dispatcher removes its
// aliases. No further records are emitted.
func (s *Session) Terminate() { s.state = StateTerminated }

// InitClientSeq records the provisional client->server starting sequence
// number learned from a SYN's seq+1. It does not seed the reassembler
// directly: the actual seed is chosen in completeHandshake, once it's known
// whether any bytes were sent before the handshake finished.
func (s *Session) InitClientSeq(seq uint32) {
	if !s.haveClientSeqHint {
		s.clientSeqHint = seq
		s.haveClientSeqHint = true
	}
}

// InitServerSeq records the provisional server->client starting sequence
// number learned from a SYN-ACK's seq+1. See InitClientSeq.
func (s *Session) InitServerSeq(seq uint32) {
	if !s.haveServerSeqHint {
		s.serverSeqHint = seq
		s.haveServerSeqHint = true
	}
}

// direction identifies which side of the connection a segment travels.
type direction int

const (
	dirInbound  direction = iota // server -> client
	dirOutbound                  // client -> server
)

// ProcessSegment feeds one TCP segment through reassembly (or pre-handshake
// buffering) and returns every DecryptedPacket produced as a result,
// including at most one dead record per direction.
func (s *Session) ProcessSegment(seg *TcpSegment, dir direction, timestamp float64) []DecryptedPacket {
	if s.state == StateTerminated || s.state == StateDead {
		return nil
	}

	if s.state == StatePreHandshake {
		return s.processPreHandshake(seg, dir, timestamp)
	}
	return s.processActive(seg, dir, timestamp)
}

func (s *Session) processPreHandshake(seg *TcpSegment, dir direction, timestamp float64) []DecryptedPacket {
	segEnd := seg.Seq + uint32(len(seg.Payload))
	if dir == dirInbound {
		if s.ServerPort == 0 {
			s.ServerIP = seg.SrcIP
			s.ServerPort = seg.SrcPort
		}
		if s.ClientPort == 0 {
			s.ClientPort = seg.DstPort
		}
		s.pendingInbound = append(s.pendingInbound, seg.Payload...)
		s.lastServerSeqEnd = segEnd
		s.haveServerSeqEnd = true
	} else {
		if s.ClientPort == 0 {
			s.ClientPort = seg.SrcPort
		}
		if s.ServerPort == 0 {
			s.ServerIP = seg.DstIP
			s.ServerPort = seg.DstPort
		}
		s.pendingOutbound = append(s.pendingOutbound, seg.Payload...)
		s.lastClientSeqEnd = segEnd
		s.haveClientSeqEnd = true
	}

	if len(s.pendingInbound) > maxPendingBytes || len(s.pendingOutbound) > maxPendingBytes {
		s.state = StateTerminated
		return nil
	}

	hs, status, consumed := tryParseHandshake(s.pendingInbound)
	switch status {
	case handshakeNeedMore, handshakeMalformed:
		// Neither case rejects outright: the session stays in pre-handshake.
		// NeedMore waits for further inbound bytes. After Malformed the bad
		// message stays at the front of pendingInbound, so every later parse
		// sees the same prefix and the session is inert until the
		// pending-bytes cap above terminates it.
		return nil
	}

	return s.completeHandshake(hs, s.pendingInbound[consumed:], timestamp)
}

func (s *Session) completeHandshake(hs parsedHandshake, leftoverInbound []byte, timestamp float64) []DecryptedPacket {
	s.Version = hs.version
	s.Locale = hs.locale
	s.SubVersionRaw = hs.patchLocation

	extraCipher := false
	if hs.locale == 6 {
		extraCipher = !hasColon(hs.patchLocation)
	}
	useByteShiftInbound := extraCipher && s.ServerPort != loginServerPort

	outEngine := NewAesEngine(s.Version, s.Locale, hs.localIV)
	inEngine := NewAesEngine(0xFFFF-s.Version, s.Locale, hs.remoteIV)

	s.outboundStream = NewMapleStream(true, outEngine, false)
	s.inboundStream = NewMapleStream(false, inEngine, useByteShiftInbound)

	switch {
	case s.haveServerSeqEnd:
		s.serverReasm.Init(s.lastServerSeqEnd)
	case s.haveServerSeqHint:
		s.serverReasm.Init(s.serverSeqHint)
	}
	switch {
	case s.haveClientSeqEnd:
		s.clientReasm.Init(s.lastClientSeqEnd)
	case s.haveClientSeqHint:
		s.clientReasm.Init(s.clientSeqHint)
	}

	s.state = StateActive

	out := []DecryptedPacket{{
		Timestamp:     timestamp,
		SessionID:     s.ID,
		ServerPort:    s.ServerPort,
		Outbound:      false,
		Opcode:        HandshakeOpcode,
		Variant:       VariantHandshake,
		Version:       s.Version,
		SubVersion:    subVersionOf(s.SubVersionRaw),
		SubVersionRaw: s.SubVersionRaw,
		Locale:        s.Locale,
	}}

	if len(s.pendingOutbound) > 0 {
		out = append(out, s.feed(s.outboundStream, dirOutbound, s.pendingOutbound, timestamp)...)
	}
	if len(leftoverInbound) > 0 {
		out = append(out, s.feed(s.inboundStream, dirInbound, leftoverInbound, timestamp)...)
	}
	s.pendingOutbound = nil
	s.pendingInbound = nil

	return out
}

func (s *Session) processActive(seg *TcpSegment, dir direction, timestamp float64) []DecryptedPacket {
	var reasm *Reasm
	var stream *MapleStream
	if dir == dirInbound {
		reasm = s.serverReasm
		stream = s.inboundStream
	} else {
		reasm = s.clientReasm
		stream = s.outboundStream
	}

	reasm.AddSegment(seg.Seq, seg.Payload)
	if reasm.StagedCount() > maxStagedSegments {
		s.state = StateTerminated
		return nil
	}

	data := reasm.Drain(true)
	if len(data) == 0 {
		return nil
	}
	return s.feed(stream, dir, data, timestamp)
}

// feed appends bytes to the given stream and pulls every complete frame
// out of it, applying opcode-remap side effects and dead-notification
// bookkeeping along the way.
func (s *Session) feed(stream *MapleStream, dir direction, data []byte, timestamp float64) []DecryptedPacket {
	stream.Append(data)

	var out []DecryptedPacket
	for {
		pkt, ok := stream.TryRead(timestamp)
		if !ok {
			break
		}
		pkt.SessionID = s.ID
		pkt.ServerPort = s.ServerPort
		out = append(out, pkt)

		if dir == dirInbound {
			if remap := stream.TakePendingRemap(); remap != nil {
				s.outboundStream.SetOpcodeMap(remap)
			}
		}
	}

	if stream.Dead() {
		idx := 1
		if dir == dirInbound {
			idx = 0
		}
		if !s.deadNotified[idx] {
			s.deadNotified[idx] = true
			out = append(out, DecryptedPacket{
				Timestamp:  timestamp,
				SessionID:  s.ID,
				ServerPort: s.ServerPort,
				Outbound:   dir == dirOutbound,
				Opcode:     0,
				Variant:    VariantDead,
			})
		}
		if s.inboundStream.Dead() && s.outboundStream.Dead() {
			s.state = StateDead
		}
	}

	return out
}
