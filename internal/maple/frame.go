package maple

import "encoding/binary"

const (
	tcpFlagFIN uint8 = 0x01
	tcpFlagRST uint8 = 0x04
	tcpFlagACK uint8 = 0x10
	tcpFlagSYN uint8 = 0x02

	ethertypeIPv4  = 0x0800
	ipProtocolTCP  = 6
	ethernetHeader = 14
)

// TcpSegment is a parsed TCP/IPv4-over-Ethernet frame. Payload borrows the
// caller's slice; it is only valid for the duration of the HandleFrame call.
type TcpSegment struct {
	SrcIP, DstIP     uint32
	SrcPort, DstPort uint16
	Seq              uint32
	SYN, ACK, FIN, RST bool
	Payload          []byte
}

// Key returns the forward 4-tuple for this segment.
func (s *TcpSegment) Key() ConnectionKey {
	return ConnectionKey{SrcIP: s.SrcIP, DstIP: s.DstIP, SrcPort: s.SrcPort, DstPort: s.DstPort}
}

// ParseFrame strips Ethernet II / IPv4 / TCP headers from a raw link-layer
// frame. It returns ok=false for anything that isn't a well-formed IPv4/TCP
// frame; malformed frames are silently dropped per spec.
func ParseFrame(buf []byte) (TcpSegment, bool) {
	var seg TcpSegment
	if len(buf) < ethernetHeader {
		return seg, false
	}
	ethertype := binary.BigEndian.Uint16(buf[12:14])
	if ethertype != ethertypeIPv4 {
		return seg, false
	}

	ip := buf[ethernetHeader:]
	if len(ip) < 20 {
		return seg, false
	}
	versionIHL := ip[0]
	version := versionIHL >> 4
	ihl := int(versionIHL&0x0F) * 4
	if version != 4 || ihl < 20 || len(ip) < ihl {
		return seg, false
	}
	if ip[9] != ipProtocolTCP {
		return seg, false
	}
	totalLen := int(binary.BigEndian.Uint16(ip[2:4]))
	if totalLen < ihl || len(ip) < totalLen {
		// Tolerate a total-length field smaller than the IP header or larger
		// than the bytes captured: clamp to what's actually present as long
		// as the TCP header itself fits.
		totalLen = len(ip)
	}

	tcp := ip[ihl:]
	if len(tcp) < 20 {
		return seg, false
	}
	dataOffset := int(tcp[12]>>4) * 4
	if dataOffset < 20 || len(tcp) < dataOffset {
		return seg, false
	}

	seg.SrcIP = binary.BigEndian.Uint32(ip[12:16])
	seg.DstIP = binary.BigEndian.Uint32(ip[16:20])
	seg.SrcPort = binary.BigEndian.Uint16(tcp[0:2])
	seg.DstPort = binary.BigEndian.Uint16(tcp[2:4])
	seg.Seq = binary.BigEndian.Uint32(tcp[4:8])
	flags := tcp[13]
	seg.SYN = flags&tcpFlagSYN != 0
	seg.ACK = flags&tcpFlagACK != 0
	seg.FIN = flags&tcpFlagFIN != 0
	seg.RST = flags&tcpFlagRST != 0

	payloadEnd := totalLen - ihl
	if payloadEnd < dataOffset {
		payloadEnd = dataOffset
	}
	if payloadEnd > len(tcp) {
		payloadEnd = len(tcp)
	}
	seg.Payload = tcp[dataOffset:payloadEnd]
	return seg, true
}
