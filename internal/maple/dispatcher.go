package maple

import "sync"

// Dispatcher demultiplexes TCP segments into Sessions keyed by 4-tuple. It
// owns the single mutex that guards the session table and every Session
// reachable through it — the table and the sessions it holds are one
// concurrency unit, not one lock per session.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[ConnectionKey]*Session
	nextID   uint32
	log      Logger
}

// NewDispatcher returns an empty Dispatcher. A nil Logger is replaced with
// NopLogger.
func NewDispatcher(log Logger) *Dispatcher {
	if log == nil {
		log = NopLogger{}
	}
	return &Dispatcher{sessions: make(map[ConnectionKey]*Session), log: log}
}

// SessionCount reports the number of live sessions (aliases collapsed).
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[*Session]bool)
	for _, s := range d.sessions {
		seen[s] = true
	}
	return len(seen)
}

// Sessions returns a snapshot of the live, distinct sessions. Used by the
// control plane to list/inspect sessions without reaching into the
// Dispatcher's internals.
func (d *Dispatcher) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[*Session]bool)
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// CloseSession terminates and removes the session with the given id, if
// live. Returns false if no such session exists.
func (d *Dispatcher) CloseSession(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.ID == id {
			s.Terminate()
			d.removeSessionLocked(s)
			return true
		}
	}
	return false
}

// HandleFrame parses a raw link-layer frame and routes it. Malformed
// frames are silently dropped.
func (d *Dispatcher) HandleFrame(buf []byte, timestamp float64) []DecryptedPacket {
	seg, ok := ParseFrame(buf)
	if !ok {
		return nil
	}
	return d.HandleSegment(&seg, timestamp)
}

// HandleSegment routes one already-parsed TcpSegment through the session
// table, returning every DecryptedPacket produced.
func (d *Dispatcher) HandleSegment(seg *TcpSegment, timestamp float64) []DecryptedPacket {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := seg.Key()

	switch {
	case seg.SYN && !seg.ACK:
		d.handleSYN(seg, key)
		return nil

	case seg.SYN && seg.ACK:
		d.handleSYNACK(seg, key)
		return nil

	case seg.FIN || seg.RST:
		if s, ok := d.lookupLocked(key); ok {
			s.Terminate()
			d.removeSessionLocked(s)
		}
		return nil

	case len(seg.Payload) == 0:
		return nil

	default:
		return d.handlePayload(seg, key, timestamp)
	}
}

func (d *Dispatcher) handleSYN(seg *TcpSegment, key ConnectionKey) {
	if existing, ok := d.sessions[key]; ok {
		d.removeSessionLocked(existing)
	}
	s := d.newSessionLocked()
	s.ClientPort = seg.SrcPort
	s.primaryKey = key
	s.primaryDir = dirOutbound
	s.primarySet = true
	s.InitClientSeq(seg.Seq + 1)
	d.sessions[key] = s
}

func (d *Dispatcher) handleSYNACK(seg *TcpSegment, key ConnectionKey) {
	s, ok := d.lookupLocked(key)
	if !ok {
		return
	}
	s.InitServerSeq(seg.Seq + 1)
	s.ServerIP = seg.SrcIP
	s.ServerPort = seg.SrcPort
	// Register the SYN-ACK's own key explicitly; it may differ from the
	// reverse of the SYN key under NAT/asymmetric capture.
	d.sessions[key] = s
}

func (d *Dispatcher) handlePayload(seg *TcpSegment, key ConnectionKey, timestamp float64) []DecryptedPacket {
	s, ok := d.lookupLocked(key)
	if !ok {
		s = d.newSessionLocked()
		s.primaryKey = key
		s.primaryDir = dirInbound // no SYN observed: assume capture started mid-handshake
		s.primarySet = true
		d.sessions[key] = s
	}

	wasPreHandshake := s.State() == StatePreHandshake
	dir := d.directionFor(s, key)

	out := s.ProcessSegment(seg, dir, timestamp)

	if wasPreHandshake && s.State() == StateActive {
		d.sessions[key] = s
		d.sessions[key.Reverse()] = s
	}

	if s.State() == StateTerminated {
		d.removeSessionLocked(s)
	}

	return out
}

// directionFor determines whether segments carrying key travel inbound
// (server->client) or outbound (client->server) for session s, preferring
// the learned endpoints once known and falling back to the convention
// fixed at session creation otherwise.
func (d *Dispatcher) directionFor(s *Session, key ConnectionKey) direction {
	if s.ClientPort != 0 && key.SrcPort == s.ClientPort {
		return dirOutbound
	}
	if s.ServerPort != 0 && key.SrcPort == s.ServerPort {
		return dirInbound
	}
	if s.primarySet && key == s.primaryKey {
		return s.primaryDir
	}
	if s.primaryDir == dirInbound {
		return dirOutbound
	}
	return dirInbound
}

func (d *Dispatcher) lookupLocked(key ConnectionKey) (*Session, bool) {
	if s, ok := d.sessions[key]; ok {
		return s, true
	}
	if s, ok := d.sessions[key.Reverse()]; ok {
		return s, true
	}
	return nil, false
}

func (d *Dispatcher) newSessionLocked() *Session {
	d.nextID++
	return NewSession(d.nextID, d.log)
}

// removeSessionLocked prunes every alias pointing at s from the session
// table — up to four aliases (both directions of both handshake keys) can
// share one Session.
func (d *Dispatcher) removeSessionLocked(s *Session) {
	for k, v := range d.sessions {
		if v == s {
			delete(d.sessions, k)
		}
	}
}
