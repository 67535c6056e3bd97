package mqtt

import "sync"

// idTypeKey is the composite (packet-id, expected-response-type) key used
// for acknowledgment lookup: spec.md §4.3's primary key.
type idTypeKey struct {
	id     uint16
	expect PacketType
}

// storeEntry is one outstanding outbound frame awaiting acknowledgment.
// frame is held by reference so replay (§4.3) can flip its DUP bit in
// place and rewrite the identical bytes; Go's garbage collector keeps the
// backing array alive for as long as any entry references it, which is
// the Go analogue of the source's reference-counted frame ownership
// (spec.md §9).
type storeEntry struct {
	id      uint16
	expect  PacketType // PacketPuback, PacketPubrec, or PacketPubcomp
	frame   *sendFrame
	removed bool // tombstone left in place so sequence indices stay stable
}

// outboundStore persists unacknowledged PUBLISH/PUBREL frames. It is
// sequence-indexed (an append-only slice addressed by insertion order) with
// two side maps for O(1) lookup, per the re-architecture spec.md §9
// recommends in place of the source's multi-indexed structure. The store
// mutex also guards the packet-id allocator: per spec.md §4.2/§5 the two
// must transition atomically.
type outboundStore struct {
	mu      sync.Mutex
	ids     idAllocator
	entries []storeEntry
	byIDype map[idTypeKey]int // -> index into entries
	byID    map[uint16][]int  // -> indices into entries, for bulk erase

	// handled is the QoS2-inbound-handled set (spec.md §3): ids for which
	// an inbound QoS2 PUBLISH has been delivered to the user callback but
	// whose PUBREL has not yet arrived. Guarded by the same mutex as the
	// rest of the store per spec.md §5.
	handled map[uint16]struct{}
}

func newOutboundStore() *outboundStore {
	return &outboundStore{
		ids:     newIDAllocator(),
		byIDype: make(map[idTypeKey]int),
		byID:    make(map[uint16][]int),
		handled: make(map[uint16]struct{}),
	}
}

// markHandled records id as delivered-to-user for an inbound QoS2 PUBLISH.
// It returns true if id was not already in the handled set (first
// delivery), false if this is a duplicate that must be suppressed.
func (s *outboundStore) markHandled(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handled[id]; ok {
		return false
	}
	s.handled[id] = struct{}{}
	return true
}

// clearHandled removes id from the QoS2-inbound-handled set; called when
// the matching PUBREL arrives.
func (s *outboundStore) clearHandled(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handled, id)
}

// acquireID allocates a fresh packet id under the store lock.
func (s *outboundStore) acquireID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.acquire()
}

// registerID reserves a caller-chosen id under the store lock.
func (s *outboundStore) registerID(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.register(id)
}

// insert records a new outstanding frame awaiting the given response type.
// Caller must already hold the id (via acquireID/registerID).
func (s *outboundStore) insert(id uint16, expect PacketType, frame *sendFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := len(s.entries)
	s.entries = append(s.entries, storeEntry{id: id, expect: expect, frame: frame})
	s.byIDype[idTypeKey{id, expect}] = seq
	s.byID[id] = append(s.byID[id], seq)
}

// eraseAck erases the entry matching (id, expect) -- the normal terminal
// acknowledgment path (PUBACK for QoS1, PUBCOMP for QoS2) -- and releases
// the id. Returns the erased entry's frame (for the caller to return to
// the frame pool) and false if no such entry exists.
func (s *outboundStore) eraseAck(id uint16, expect PacketType) (*sendFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idTypeKey{id, expect}
	seq, ok := s.byIDype[key]
	if !ok {
		return nil, false
	}
	frame := s.entries[seq].frame
	s.removeLocked(key, seq)
	s.ids.release(id)
	return frame, true
}

// transition implements the PUBREC→PUBREL store-entry replacement:
// erase the (id, PUBREC) entry without releasing the id, and insert a
// fresh (id, PUBCOMP) entry carrying the PUBREL frame. Returns the
// superseded entry's frame (the original PUBLISH frame) for pooling.
func (s *outboundStore) transition(id uint16, from PacketType, to PacketType, newFrame *sendFrame) (*sendFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idTypeKey{id, from}
	seq, ok := s.byIDype[key]
	if !ok {
		return nil, false
	}
	old := s.entries[seq].frame
	s.removeLocked(key, seq)
	newSeq := len(s.entries)
	s.entries = append(s.entries, storeEntry{id: id, expect: to, frame: newFrame})
	s.byIDype[idTypeKey{id, to}] = newSeq
	s.byID[id] = append(s.byID[id], newSeq)
	return old, true
}

// removeLocked tombstones entries[seq] and detaches it from both side
// maps. Caller must hold s.mu.
func (s *outboundStore) removeLocked(key idTypeKey, seq int) {
	s.entries[seq].removed = true
	s.entries[seq].frame = nil
	delete(s.byIDype, key)
	id := key.id
	list := s.byID[id]
	for i, v := range list {
		if v == seq {
			s.byID[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.byID[id]) == 0 {
		delete(s.byID, id)
	}
}

// clearStoredPublish is the power-user escape hatch documented in
// spec.md §9: it erases every entry for id regardless of expected
// response type and releases the id, even mid-QoS2-handshake. The caller
// is responsible for not invoking it during an active QoS2 flow. Returns
// the erased entries' frames for pooling.
func (s *outboundStore) clearStoredPublish(id uint16) ([]*sendFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	frames := make([]*sendFrame, 0, len(seqs))
	for _, seq := range seqs {
		e := s.entries[seq]
		if e.frame != nil {
			frames = append(frames, e.frame)
		}
		delete(s.byIDype, idTypeKey{e.id, e.expect})
		s.entries[seq].removed = true
		s.entries[seq].frame = nil
	}
	delete(s.byID, id)
	s.ids.release(id)
	return frames, true
}

// clear empties the store and the QoS2-inbound-handled set; used on
// CONNACK(accepted, clean_session=true) per spec.md §4.5. The id
// allocator is reset too, releasing every id, including ids held by
// SUBSCRIBE/UNSUBSCRIBE requests that have no store entry, since a clean
// session discards all prior state.
// Returns the live entries' frames for the caller to return to the frame
// pool.
func (s *outboundStore) clear() []*sendFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]*sendFrame, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.removed && e.frame != nil {
			frames = append(frames, e.frame)
		}
	}
	s.entries = s.entries[:0]
	s.byIDype = make(map[idTypeKey]int)
	s.byID = make(map[uint16][]int)
	s.handled = make(map[uint16]struct{})
	s.ids = newIDAllocator()
	return frames
}

// len reports the number of live (non-tombstoned) entries.
func (s *outboundStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

// forEach iterates live entries in insertion order, the order replay uses.
// visit must not call back into the store: forEach holds the store mutex
// for its duration, matching replay's synchronous-under-lock contract.
func (s *outboundStore) forEach(visit func(id uint16, expect PacketType, frame []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.removed || e.frame == nil {
			continue
		}
		visit(e.id, e.expect, e.frame.bytes())
	}
}

// replayFrames returns the frames of all live entries in insertion order,
// for synchronous replay on reconnect per spec.md §4.3. PUBLISH-expecting
// entries (expect == PUBACK or PUBREC) get their DUP bit set in place;
// PUBREL entries (expect == PUBCOMP) are returned unchanged, since DUP
// applies only to PUBLISH.
func (s *outboundStore) replayFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, len(s.entries))
	for _, e := range s.entries {
		if e.removed || e.frame == nil {
			continue
		}
		b := e.frame.bytes()
		if e.expect == PacketPuback || e.expect == PacketPubrec {
			b[0] |= 0x08 // DUP bit, MQTT-3.3.1-1
		}
		out = append(out, b)
	}
	return out
}
