// Package controlplane exposes a small newline-delimited-JSON TCP protocol
// for inspecting a running sniffer: listing sessions, closing one, reading
// aggregate stats, and subscribing to a live feed of decoded packets.
package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/taida957789/maplesniffer/internal/maple"
)

// SessionView is the presentation-layer summary of one Session.
type SessionView struct {
	ID            uint32 `json:"id"`
	State         string `json:"state"`
	ServerPort    uint16 `json:"server_port"`
	ClientPort    uint16 `json:"client_port"`
	Version       uint16 `json:"version"`
	Locale        uint8  `json:"locale"`
	SubVersionRaw string `json:"sub_version_raw"`
}

func stateName(s maple.SessionState) string {
	switch s {
	case maple.StatePreHandshake:
		return "pre_handshake"
	case maple.StateActive:
		return "active"
	case maple.StateDead:
		return "dead"
	case maple.StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func viewOf(s *maple.Session) SessionView {
	return SessionView{
		ID:            s.ID,
		State:         stateName(s.State()),
		ServerPort:    s.ServerPort,
		ClientPort:    s.ClientPort,
		Version:       s.Version,
		Locale:        s.Locale,
		SubVersionRaw: s.SubVersionRaw,
	}
}

// FormatOpcode renders an opcode as uppercase 0xXXXX, always 4 hex digits.
func FormatOpcode(opcode uint16) string {
	return fmt.Sprintf("0x%04X", opcode)
}

// StatsFunc returns whatever aggregate counters the caller wants exposed
// under the "stats" command; the control plane treats it as opaque.
type StatsFunc func() map[string]any

// Plane is one TCP control listener bound to a Dispatcher.
type Plane struct {
	bindIP     string
	port       int
	log        zerolog.Logger
	dispatcher *maple.Dispatcher
	statsFn    StatsFunc

	listenerMu sync.Mutex
	listener   net.Listener

	clientsMu sync.Mutex
	clients   map[net.Conn]*subscriber

	bytesOut atomic.Int64
}

type subscriber struct {
	conn    net.Conn
	enc     *json.Encoder
	mu      sync.Mutex
	events  bool
}

// New returns a Plane. statsFn may be nil, in which case "stats" replies
// with an empty object.
func New(bindIP string, port int, log zerolog.Logger, dispatcher *maple.Dispatcher, statsFn StatsFunc) *Plane {
	return &Plane{
		bindIP:     bindIP,
		port:       port,
		log:        log,
		dispatcher: dispatcher,
		statsFn:    statsFn,
		clients:    map[net.Conn]*subscriber{},
	}
}

// Start binds the listener and begins accepting clients in the background.
func (p *Plane) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", p.bindIP, p.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}
	p.listenerMu.Lock()
	p.listener = ln
	p.listenerMu.Unlock()

	p.log.Info().Str("addr", addr).Msg("control plane listening")
	go p.acceptLoop(ctx)
	return nil
}

// Close shuts the listener and every connected client down.
func (p *Plane) Close() {
	p.listenerMu.Lock()
	ln := p.listener
	p.listener = nil
	p.listenerMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	p.clientsMu.Lock()
	for conn := range p.clients {
		_ = conn.Close()
	}
	p.clients = map[net.Conn]*subscriber{}
	p.clientsMu.Unlock()
}

// BytesOut reports how many bytes have been written to control-plane
// clients since Start, for the "stats" command.
func (p *Plane) BytesOut() int64 { return p.bytesOut.Load() }

func (p *Plane) acceptLoop(ctx context.Context) {
	for {
		p.listenerMu.Lock()
		ln := p.listener
		p.listenerMu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				p.log.Warn().Err(err).Msg("control plane accept failed")
			}
			return
		}
		go p.handleClient(conn)
	}
}

func (p *Plane) handleClient(conn net.Conn) {
	sub := &subscriber{conn: conn, enc: json.NewEncoder(conn)}
	p.clientsMu.Lock()
	p.clients[conn] = sub
	p.clientsMu.Unlock()
	p.log.Debug().Str("peer", conn.RemoteAddr().String()).Msg("control client connected")

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		line = []byte(strings.TrimSpace(string(line)))
		if len(line) == 0 {
			continue
		}
		var cmd map[string]any
		if err := json.Unmarshal(line, &cmd); err != nil {
			p.reply(sub, "", map[string]any{"ok": false, "error": "bad_json"})
			continue
		}
		p.handleCmd(sub, cmd)
	}

	p.clientsMu.Lock()
	delete(p.clients, conn)
	p.clientsMu.Unlock()
	_ = conn.Close()
}

func (p *Plane) handleCmd(sub *subscriber, cmd map[string]any) {
	name := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", cmd["cmd"])))
	switch name {
	case "ping":
		p.reply(sub, name, map[string]any{"ok": true})
	case "stats":
		stats := map[string]any{}
		if p.statsFn != nil {
			stats = p.statsFn()
		}
		stats["sessions"] = p.dispatcher.SessionCount()
		p.reply(sub, name, map[string]any{"ok": true, "stats": stats})
	case "list_sessions":
		sessions := p.dispatcher.Sessions()
		views := make([]SessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, viewOf(s))
		}
		sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
		p.reply(sub, name, map[string]any{"ok": true, "sessions": views})
	case "get_session":
		id, ok := sessionIDArg(cmd)
		if !ok {
			p.reply(sub, name, map[string]any{"ok": false, "error": "missing_session_id"})
			return
		}
		found := false
		for _, s := range p.dispatcher.Sessions() {
			if s.ID == id {
				p.reply(sub, name, map[string]any{"ok": true, "session": viewOf(s)})
				found = true
				break
			}
		}
		if !found {
			p.reply(sub, name, map[string]any{"ok": false, "error": "not_found"})
		}
	case "close_session":
		id, ok := sessionIDArg(cmd)
		if !ok {
			p.reply(sub, name, map[string]any{"ok": false, "error": "missing_session_id"})
			return
		}
		closed := p.dispatcher.CloseSession(id)
		p.reply(sub, name, map[string]any{"ok": closed, "session_id": id})
	case "subscribe":
		sub.mu.Lock()
		sub.events = true
		sub.mu.Unlock()
		p.reply(sub, name, map[string]any{"ok": true})
	case "unsubscribe":
		sub.mu.Lock()
		sub.events = false
		sub.mu.Unlock()
		p.reply(sub, name, map[string]any{"ok": true})
	default:
		p.reply(sub, name, map[string]any{"ok": false, "error": "unknown_cmd"})
	}
}

func sessionIDArg(cmd map[string]any) (uint32, bool) {
	raw, ok := cmd["session_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return uint32(v), true
	case string:
		var id uint32
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			return id, true
		}
	}
	return 0, false
}

func (p *Plane) reply(sub *subscriber, replyTo string, payload map[string]any) {
	payload["reply_to"] = replyTo
	p.write(sub, payload)
}

// Broadcast pushes every decoded packet to every client that has issued a
// "subscribe" command, formatting each opcode the way FormatOpcode does.
func (p *Plane) Broadcast(packets []maple.DecryptedPacket) {
	if len(packets) == 0 {
		return
	}
	p.clientsMu.Lock()
	subs := make([]*subscriber, 0, len(p.clients))
	for _, s := range p.clients {
		subs = append(subs, s)
	}
	p.clientsMu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		wants := sub.events
		sub.mu.Unlock()
		if !wants {
			continue
		}
		for _, pkt := range packets {
			p.write(sub, map[string]any{
				"event":       "packet",
				"session_id":  pkt.SessionID,
				"server_port": pkt.ServerPort,
				"outbound":    pkt.Outbound,
				"opcode":      pkt.Opcode,
				"opcode_hex":  FormatOpcode(pkt.Opcode),
				"length":      pkt.Length,
			})
		}
	}
}

func (p *Plane) write(sub *subscriber, payload map[string]any) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		p.log.Debug().Err(err).Msg("control client write failed")
		return
	}
	n, err := sub.conn.Write(append(b, '\n'))
	p.bytesOut.Add(int64(n))
	if err != nil {
		p.log.Debug().Err(err).Msg("control client write failed")
	}
}
