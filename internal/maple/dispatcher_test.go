package maple

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClientIP   = uint32(0x0A000001)
	testServerIP   = uint32(0x0A000002)
	testClientPort = uint16(54321)
	testServerPort = uint16(8484)
)

// buildEncryptedFrame encrypts one Maple frame (header + ciphertext) the
// same way the real cipher does, advancing engine's IV exactly as TryRead
// will when it later decrypts this same frame.
func buildEncryptedFrame(engine *AesEngine, opcode uint16, body []byte, useByteShift bool) []byte {
	payload := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(payload[0:2], opcode)
	copy(payload[2:], body)

	iv := engine.IV()
	b0 := iv[2] ^ byte(engine.version&0xFF)
	b1 := iv[3] ^ byte((engine.version>>8)&0xFF)
	ivWord := uint16(b0) | uint16(b1)<<8
	length := uint16(len(payload))
	xorred := ivWord ^ length
	header := []byte{b0, b1, byte(xorred), byte(xorred >> 8)}

	if useByteShift {
		engine.TransformByteShift(payload)
	} else {
		engine.TransformAES(payload)
	}
	engine.ShiftIV()

	return append(header, payload...)
}

func synSegment(seq uint32) *TcpSegment {
	return &TcpSegment{SrcIP: testClientIP, DstIP: testServerIP, SrcPort: testClientPort, DstPort: testServerPort, Seq: seq, SYN: true}
}

func synAckSegment(seq uint32) *TcpSegment {
	return &TcpSegment{SrcIP: testServerIP, DstIP: testClientIP, SrcPort: testServerPort, DstPort: testClientPort, Seq: seq, SYN: true, ACK: true}
}

func outboundSegment(seq uint32, payload []byte) *TcpSegment {
	return &TcpSegment{SrcIP: testClientIP, DstIP: testServerIP, SrcPort: testClientPort, DstPort: testServerPort, Seq: seq, ACK: true, Payload: payload}
}

func inboundSegment(seq uint32, payload []byte) *TcpSegment {
	return &TcpSegment{SrcIP: testServerIP, DstIP: testClientIP, SrcPort: testServerPort, DstPort: testClientPort, Seq: seq, ACK: true, Payload: payload}
}

func finSegment() *TcpSegment {
	return &TcpSegment{SrcIP: testClientIP, DstIP: testServerIP, SrcPort: testClientPort, DstPort: testServerPort, FIN: true}
}

// TestDispatcherFullFlow drives a SYN, SYN-ACK, standard handshake, and one
// data frame in each direction all the way through the Dispatcher, using
// the real cipher to build wire bytes so decryption is exercised for real.
func TestDispatcherFullFlow(t *testing.T) {
	d := NewDispatcher(nil)

	version := uint16(95)
	locale := uint8(8)
	localIV := [4]byte{1, 2, 3, 4}
	remoteIV := [4]byte{5, 6, 7, 8}

	clientSeq := uint32(1000)
	serverSeq := uint32(5000)

	require.Empty(t, d.HandleSegment(synSegment(clientSeq), 0))
	require.Empty(t, d.HandleSegment(synAckSegment(serverSeq), 0))
	require.Equal(t, 1, d.SessionCount())

	handshakeMsg := buildStandardHandshake(version, "1.2.3.4:8484", localIV, remoteIV, locale)
	inSeq := serverSeq + 1
	out := d.HandleSegment(inboundSegment(inSeq, handshakeMsg), 1.0)
	require.Len(t, out, 1)
	assert.Equal(t, VariantHandshake, out[0].Variant)
	assert.Equal(t, version, out[0].Version)

	sessions := d.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateActive, sessions[0].State())

	// Outbound data frame, encrypted with a mirror of the real outbound
	// engine (same version/locale/IV the Session derived from the
	// handshake).
	// Reasm holds the sole remaining staged segment back until a successor
	// arrives, so a data frame is only handed to the framer once a
	// following segment lands.
	outEngine := NewAesEngine(version, locale, localIV)
	outWire := buildEncryptedFrame(outEngine, 0x1234, []byte("ping"), false)
	outSeq := clientSeq + 1
	require.Empty(t, d.HandleSegment(outboundSegment(outSeq, outWire), 2.0))

	out = d.HandleSegment(outboundSegment(outSeq+uint32(len(outWire)), []byte{0}), 2.1)
	require.Len(t, out, 1)
	assert.True(t, out[0].Outbound)
	assert.Equal(t, uint16(0x1234), out[0].Opcode)
	assert.Equal(t, []byte("ping"), out[0].Payload)

	// Inbound data frame, encrypted with a mirror of the real inbound
	// engine.
	inEngine := NewAesEngine(0xFFFF-version, locale, remoteIV)
	inWire := buildEncryptedFrame(inEngine, 0x5678, []byte("pong"), false)
	inSeq += uint32(len(handshakeMsg))
	require.Empty(t, d.HandleSegment(inboundSegment(inSeq, inWire), 3.0))

	out = d.HandleSegment(inboundSegment(inSeq+uint32(len(inWire)), []byte{0}), 3.1)
	require.Len(t, out, 1)
	assert.False(t, out[0].Outbound)
	assert.Equal(t, uint16(0x5678), out[0].Opcode)
	assert.Equal(t, []byte("pong"), out[0].Payload)
}

func TestDispatcherReconnectOnReusedTuple(t *testing.T) {
	d := NewDispatcher(nil)

	require.Empty(t, d.HandleSegment(synSegment(1000), 0))
	require.Empty(t, d.HandleSegment(synAckSegment(5000), 0))
	first := d.Sessions()
	require.Len(t, first, 1)
	firstID := first[0].ID

	d.HandleSegment(finSegment(), 0)
	assert.Equal(t, 0, d.SessionCount(), "FIN must remove every alias of the closed session")

	require.Empty(t, d.HandleSegment(synSegment(9000), 0))
	second := d.Sessions()
	require.Len(t, second, 1)
	assert.NotEqual(t, firstID, second[0].ID, "a reused 4-tuple must start a fresh session, never resume the old one")
}

func TestDispatcherDropsMalformedFrame(t *testing.T) {
	d := NewDispatcher(nil)
	out := d.HandleFrame([]byte{1, 2, 3}, 0)
	assert.Nil(t, out)
	assert.Equal(t, 0, d.SessionCount())
}

func TestDispatcherCloseSession(t *testing.T) {
	d := NewDispatcher(nil)
	d.HandleSegment(synSegment(1000), 0)
	d.HandleSegment(synAckSegment(5000), 0)
	sessions := d.Sessions()
	require.Len(t, sessions, 1)

	assert.True(t, d.CloseSession(sessions[0].ID))
	assert.Equal(t, 0, d.SessionCount())
	assert.False(t, d.CloseSession(sessions[0].ID), "closing an already-closed id reports false")
}

func TestDispatcherIgnoresEmptyPayload(t *testing.T) {
	d := NewDispatcher(nil)
	d.HandleSegment(synSegment(1000), 0)
	d.HandleSegment(synAckSegment(5000), 0)

	out := d.HandleSegment(outboundSegment(1001, nil), 0)
	assert.Nil(t, out)
	assert.Equal(t, 1, d.SessionCount())
}
