package sniffer

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taida957789/maplesniffer/internal/maple"
)

// decryptedPacketRecord is the wire shape for a forwarded DecryptedPacket:
// json field names a downstream consumer can rely on, independent of the
// internal/maple struct's Go field names.
type decryptedPacketRecord struct {
	Timestamp     float64 `json:"ts"`
	SessionID     uint32  `json:"session_id"`
	ServerPort    uint16  `json:"server_port"`
	Outbound      bool    `json:"outbound"`
	Opcode        uint16  `json:"opcode"`
	OpcodeHex     string  `json:"opcode_hex"`
	Length        int     `json:"length"`
	HexDump       string  `json:"hex_dump"`
	Variant       string  `json:"variant"`
	Version       uint16  `json:"version,omitempty"`
	SubVersion    int     `json:"sub_version,omitempty"`
	SubVersionRaw string  `json:"sub_version_raw,omitempty"`
	Locale        uint8   `json:"locale,omitempty"`
}

func toRecord(pkt maple.DecryptedPacket) decryptedPacketRecord {
	return decryptedPacketRecord{
		Timestamp:     pkt.Timestamp,
		SessionID:     pkt.SessionID,
		ServerPort:    pkt.ServerPort,
		Outbound:      pkt.Outbound,
		Opcode:        pkt.Opcode,
		OpcodeHex:     formatOpcode(pkt.Opcode),
		Length:        pkt.Length,
		HexDump:       pkt.HexDump,
		Variant:       variantName(pkt.Variant),
		Version:       pkt.Version,
		SubVersion:    pkt.SubVersion,
		SubVersionRaw: pkt.SubVersionRaw,
		Locale:        pkt.Locale,
	}
}

// formatOpcode renders an opcode as uppercase 0xXXXX, always 4 hex digits.
func formatOpcode(opcode uint16) string {
	return fmt.Sprintf("0x%04X", opcode)
}

func variantName(v maple.PacketVariant) string {
	switch v {
	case maple.VariantHandshake:
		return "handshake"
	case maple.VariantDead:
		return "dead"
	default:
		return "data"
	}
}

// tcpTarget is one downstream JSON consumer of decoded records.
type tcpTarget struct {
	conn net.Conn
	enc  *json.Encoder
	mu   sync.Mutex
}

func (t *tcpTarget) write(rec decryptedPacketRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(rec)
}

// OutputManager forwards every DecryptedPacket the Dispatcher produces to
// zero or more downstream TCP targets as newline-delimited JSON.
type OutputManager struct {
	log     zerolog.Logger
	mu      sync.Mutex
	targets []*tcpTarget
}

// NewOutputManager returns an OutputManager with no targets attached yet.
func NewOutputManager(log zerolog.Logger) *OutputManager {
	return &OutputManager{log: log}
}

// Dial connects to addr and adds it as a forwarding target.
func (m *OutputManager) Dial(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("output: dial %s: %w", addr, err)
	}
	m.mu.Lock()
	m.targets = append(m.targets, &tcpTarget{conn: conn, enc: json.NewEncoder(conn)})
	m.mu.Unlock()
	m.log.Info().Str("addr", addr).Msg("output target connected")
	return nil
}

// Close disconnects every target.
func (m *OutputManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		_ = t.conn.Close()
	}
	m.targets = nil
}

// Forward writes every packet to every connected target, dropping (and
// logging) any target whose connection has gone bad rather than blocking
// the whole pipeline on one slow consumer.
func (m *OutputManager) Forward(packets []maple.DecryptedPacket) {
	if len(packets) == 0 {
		return
	}
	m.mu.Lock()
	targets := append([]*tcpTarget(nil), m.targets...)
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var dead []*tcpTarget
	for _, pkt := range packets {
		rec := toRecord(pkt)
		for _, t := range targets {
			if err := t.write(rec); err != nil {
				m.log.Warn().Err(err).Msg("output target write failed, dropping")
				dead = append(dead, t)
			}
		}
	}
	if len(dead) == 0 {
		return
	}
	m.mu.Lock()
	m.targets = removeAll(m.targets, dead)
	m.mu.Unlock()
}

func removeAll(all, dead []*tcpTarget) []*tcpTarget {
	deadSet := make(map[*tcpTarget]bool, len(dead))
	for _, d := range dead {
		deadSet[d] = true
		_ = d.conn.Close()
	}
	out := all[:0:0]
	for _, t := range all {
		if !deadSet[t] {
			out = append(out, t)
		}
	}
	return out
}
