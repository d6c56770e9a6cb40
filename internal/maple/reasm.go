package maple

// maxStagedSegments caps the per-direction out-of-order buffer so a
// misbehaving or hostile peer can't grow it without bound.
const maxStagedSegments = 4096

// Reasm is a per-direction TCP reassembly buffer. It orders segments by
// sequence number, drops duplicates, prefers the longer of two segments at
// the same sequence, and delivers a contiguous byte stream with a
// one-segment hold-back so a later replacement at the same seq can still
// win before the shorter copy is ever handed to the caller.
type Reasm struct {
	nextSeq     uint32
	initialized bool
	staged      map[uint32][]byte
}

// NewReasm returns an empty, uninitialized reassembler.
func NewReasm() *Reasm {
	return &Reasm{staged: make(map[uint32][]byte)}
}

// Init seeds nextSeq, as Session.completeHandshake does from the last
// pre-handshake segment's sequence end or, failing that, a SYN/SYN-ACK's
// sequence number (+1). A second call is a no-op.
func (r *Reasm) Init(seq uint32) {
	if r.initialized {
		return
	}
	r.nextSeq = seq
	r.initialized = true
}

// Initialized reports whether Init has been called.
func (r *Reasm) Initialized() bool { return r.initialized }

// StagedCount returns the number of pending out-of-order segments, used by
// the Session to enforce resource caps.
func (r *Reasm) StagedCount() int { return len(r.staged) }

// AddSegment stages one TCP segment. If a segment already exists at this
// seq, the longer of the two wins — retransmit tolerance with preference
// for the fuller replacement. It does not enforce the per-direction cap
// itself — the caller checks StagedCount and terminates the session if
// AddSegment pushed it over the limit.
func (r *Reasm) AddSegment(seq uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	if !r.initialized {
		r.nextSeq = seq
		r.initialized = true
	}
	if existing, ok := r.staged[seq]; !ok || len(existing) < len(data) {
		buf := make([]byte, len(data))
		copy(buf, data)
		r.staged[seq] = buf
	}
}

// Drain emits a contiguous prefix of bytes starting at nextSeq, using
// signed 32-bit differences to compare sequence numbers so comparisons
// remain correct across a 2^32 wraparound. If holdLast is true, the single
// most-recent remaining staged segment is never delivered on its own — it
// stays pending until a successor segment arrives.
func (r *Reasm) Drain(holdLast bool) []byte {
	var out []byte
	for {
		seq, data, found := r.nextDeliverable()
		if !found {
			return out
		}
		if holdLast && len(r.staged) <= 1 {
			return out
		}
		offset := int32(r.nextSeq - seq)
		if offset < 0 {
			offset = 0
		}
		if int(offset) > len(data) {
			offset = int32(len(data))
		}
		out = append(out, data[offset:]...)
		r.nextSeq = seq + uint32(len(data))
		delete(r.staged, seq)
	}
}

// nextDeliverable discards segments fully below nextSeq and returns the
// first remaining segment that starts at or before nextSeq, if any.
func (r *Reasm) nextDeliverable() (uint32, []byte, bool) {
	for seq, data := range r.staged {
		segEnd := seq + uint32(len(data))
		if int32(segEnd-r.nextSeq) <= 0 {
			delete(r.staged, seq)
		}
	}

	var bestSeq uint32
	var bestData []byte
	found := false
	for seq, data := range r.staged {
		if int32(seq-r.nextSeq) > 0 {
			continue
		}
		if !found || int32(seq-bestSeq) < 0 {
			bestSeq, bestData, found = seq, data, true
		}
	}
	return bestSeq, bestData, found
}
