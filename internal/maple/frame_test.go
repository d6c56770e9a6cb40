package maple

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildEthIPv4TCPFrame constructs a minimal well-formed Ethernet/IPv4/TCP
// frame carrying payload, for exercising ParseFrame without a live capture.
func buildEthIPv4TCPFrame(srcIP, dstIP uint32, srcPort, dstPort uint16, seq uint32, flags uint8, payload []byte) []byte {
	tcpLen := 20 + len(payload)
	ipLen := 20 + tcpLen
	frame := make([]byte, 14+ipLen)

	binary.BigEndian.PutUint16(frame[12:14], ethertypeIPv4)

	ip := frame[14:]
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	ip[9] = ipProtocolTCP
	binary.BigEndian.PutUint32(ip[12:16], srcIP)
	binary.BigEndian.PutUint32(ip[16:20], dstIP)

	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	tcp[12] = 5 << 4 // data offset 20 bytes
	tcp[13] = flags
	copy(tcp[20:], payload)

	return frame
}

func TestParseFrameExtractsFields(t *testing.T) {
	payload := []byte("hello maple")
	frame := buildEthIPv4TCPFrame(0x0A000001, 0x0A000002, 5000, 8484, 1000, tcpFlagACK, payload)

	seg, ok := ParseFrame(frame)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0A000001), seg.SrcIP)
	assert.Equal(t, uint32(0x0A000002), seg.DstIP)
	assert.Equal(t, uint16(5000), seg.SrcPort)
	assert.Equal(t, uint16(8484), seg.DstPort)
	assert.Equal(t, uint32(1000), seg.Seq)
	assert.True(t, seg.ACK)
	assert.False(t, seg.SYN)
	assert.Equal(t, payload, []byte(seg.Payload))
}

func TestParseFrameRejectsNonIPv4Ethertype(t *testing.T) {
	frame := buildEthIPv4TCPFrame(1, 2, 1, 2, 0, 0, nil)
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD) // IPv6
	_, ok := ParseFrame(frame)
	assert.False(t, ok)
}

func TestParseFrameRejectsNonTCPProtocol(t *testing.T) {
	frame := buildEthIPv4TCPFrame(1, 2, 1, 2, 0, 0, nil)
	frame[14+9] = 17 // UDP
	_, ok := ParseFrame(frame)
	assert.False(t, ok)
}

func TestParseFrameRejectsTruncatedFrame(t *testing.T) {
	_, ok := ParseFrame(make([]byte, 10))
	assert.False(t, ok)
}

func TestParseFrameTolerantOfPaddedCapture(t *testing.T) {
	payload := []byte("x")
	frame := buildEthIPv4TCPFrame(1, 2, 1, 2, 0, tcpFlagACK, payload)
	frame = append(frame, 0, 0, 0, 0) // trailing link-layer padding
	seg, ok := ParseFrame(frame)
	require.True(t, ok)
	assert.Equal(t, payload, []byte(seg.Payload))
}

func TestConnectionKeyReverse(t *testing.T) {
	k := ConnectionKey{SrcIP: 1, DstIP: 2, SrcPort: 100, DstPort: 200}
	r := k.Reverse()
	assert.Equal(t, ConnectionKey{SrcIP: 2, DstIP: 1, SrcPort: 200, DstPort: 100}, r)
	assert.Equal(t, k, r.Reverse())
}
