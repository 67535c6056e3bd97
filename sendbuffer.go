package mqtt

import "sync"

const sendFrameReserve = 5 // 1 fixed-header byte + up to 4 remaining-length bytes.

// sendFrame is an assembled MQTT frame: a reusable backing array with the
// first sendFrameReserve bytes reserved so the fixed header can be written
// in place without relocating the payload that follows it, per spec.md
// §4.6. start marks where the live frame actually begins after finalize
// computes how many of the reserved bytes the remaining-length field used.
type sendFrame struct {
	buf   []byte
	start int
}

// payload returns the area callers write the packet's variable header and
// application payload into, starting right after the reserved prefix. Its
// length is exactly the capacity requested from framePool.get.
func (f *sendFrame) payload() []byte {
	return f.buf[sendFrameReserve:]
}

// writer returns a cursor-based io.Writer over payload(), for assembling
// a variable-length encoding (e.g. a PUBLISH variable header + payload)
// without an intermediate allocation.
func (f *sendFrame) writer() *frameWriter {
	return &frameWriter{buf: f.payload()}
}

// finalize writes the fixed header byte and the remaining-length encoding
// of payloadSize immediately before the payload, and returns the live
// frame bytes (start-pointer, total-length per spec.md §4.6).
func (f *sendFrame) finalize(firstByte byte, payloadSize int) ([]byte, error) {
	if uint32(payloadSize) > maxRemainingLengthValue {
		return nil, codecErr("", "remaining length too large for MQTT v3.1.1")
	}
	var remlenBuf [4]byte
	n := encodeRemainingLength(uint32(payloadSize), remlenBuf[:])
	f.start = sendFrameReserve - 1 - n
	f.buf[f.start] = firstByte
	copy(f.buf[f.start+1:], remlenBuf[:n])
	total := f.start + 1 + n + payloadSize
	return f.buf[f.start:total], nil
}

// bytes returns the finalized frame's live byte range.
func (f *sendFrame) bytes() []byte {
	return f.buf[f.start:]
}

// frameWriter is a minimal cursor-based io.Writer over a fixed-capacity
// slice, used to assemble a packet's variable header and payload directly
// into a sendFrame's reserved backing array without any allocation,
// unlike writing into a bytes.Buffer and copying it in afterwards.
type frameWriter struct {
	buf []byte
	pos int
}

func (w *frameWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	if n < len(p) {
		return n, ErrUserBufferFull
	}
	return n, nil
}

// framePool recycles sendFrame backing arrays, grounded on the corpus's
// sync.Pool-backed MQTT buffer pool (ctlove0523's ByteBuffer/BufferPool):
// frame assembly is on every hot publish/subscribe path, so avoiding a
// fresh allocation per packet matters.
type framePool struct {
	pool sync.Pool
}

func newFramePool() *framePool {
	return &framePool{
		pool: sync.Pool{
			New: func() any {
				return &sendFrame{buf: make([]byte, sendFrameReserve, defaultBufferLen)}
			},
		},
	}
}

// get returns a sendFrame whose payload() has exactly n bytes of capacity
// available after the reserved prefix.
func (p *framePool) get(n int) *sendFrame {
	f := p.pool.Get().(*sendFrame)
	f.start = 0
	need := sendFrameReserve + n
	if cap(f.buf) < need {
		f.buf = make([]byte, need)
	} else {
		f.buf = f.buf[:need]
	}
	return f
}

// put returns f to the pool. Callers must not call put on a frame still
// referenced by a live store entry or an in-flight write -- the store and
// transmit queue own the frame until the write completes and, for QoS≥1,
// until the terminal acknowledgment arrives.
func (p *framePool) put(f *sendFrame) {
	p.pool.Put(f)
}
