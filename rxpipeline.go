package mqtt

import (
	"errors"
	"io"
)

// Transport is the byte stream an Endpoint (or a bare RxTx) exchanges MQTT
// packets over. It is satisfied by *net.TCPConn, *tls.Conn, an in-memory
// pipe used in tests, or any other reliable, ordered, bidirectional byte
// stream. Close must be safe to call more than once, since both the
// receive and transmit sides may race to tear the transport down after an
// I/O error; the error a repeated Close returns is ignored.
type Transport = io.ReadWriteCloser

// RxTx implements the receive half of a bare minimum MQTT protocol endpoint
// plus the write-side encoders for every packet type. A RxTx reads and
// decodes one packet per call to ReadNextPacket, dispatching it to the
// matching OnX callback. Write methods assemble and send complete packets
// immediately; they do not participate in any queuing or strand discipline
// themselves -- see txqueue.go for the serialized write path used by
// Endpoint.
type RxTx struct {
	// LastReceivedHeader contains the last correctly read header.
	LastReceivedHeader Header
	// Functions below can access the Header of the message via RxTx.LastReceivedHeader.
	// All these functions block RxTx.ReadNextPacket.
	OnConnect func(*RxTx, *VariablesConnect) error // Receives pointer because of large struct!
	OnConnack func(*RxTx, VariablesConnack) error
	OnPub     func(*RxTx, VariablesPublish, io.Reader) error
	// OnOther takes in the Header of received packet and a packet identifier uint16 if present.
	// OnOther receives PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK packets containing non-zero packet identfiers
	// and DISCONNECT, PINGREQ, PINGRESP packets with no packet identifier.
	OnOther  func(rxtx *RxTx, packetIdentifier uint16) error
	OnSub    func(*RxTx, VariablesSubscribe) error
	OnSuback func(*RxTx, VariablesSuback) error
	OnUnsub  func(*RxTx, VariablesUnsubscribe) error
	// Transport
	trp Transport
	// User defined decoder for allocating packets.
	userDec Decoder
	// Default decoder for non allocating packets.
	dec        DecoderLowmem
	ScratchBuf []byte
}

func (rxtx *RxTx) exhaustReader(r io.Reader) (err error) {
	if len(rxtx.ScratchBuf) == 0 {
		rxtx.ScratchBuf = make([]byte, 1024) // Lazy initialization when needed.
	}
	for err == nil {
		_, err = r.Read(rxtx.ScratchBuf[:])
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// NewRxTx creates a new RxTx. Before use user must configure OnX fields by setting a function
// to perform an action each time a packet is received.
func NewRxTx(transport Transport, decoder Decoder) (*RxTx, error) {
	if transport == nil || decoder == nil {
		return nil, errors.New("got nil transport or nil Decoder")
	}
	cc := &RxTx{
		trp:     transport,
		userDec: decoder,
		// No memory needed for DecoderLowmem for this use.
		dec: DecoderLowmem{},
	}
	return cc, nil
}

// Close closes the underlying transport. Close is idempotent to the extent
// the underlying Transport's Close is idempotent.
func (rxtx *RxTx) Close() error { return rxtx.trp.Close() }

// ReadNextPacket blocks until a full MQTT packet is read off the transport
// and dispatched to its matching OnX callback, or an error occurs. Any
// error, including one returned by a callback, closes the underlying
// transport: a RxTx cannot recover from a framing error or a failed
// callback and resume reading.
func (rxtx *RxTx) ReadNextPacket() (int, error) {
	hdr, n, err := DecodeHeader(rxtx.trp)
	if err != nil {
		rxtx.trp.Close()
		return n, err
	}
	rxtx.LastReceivedHeader = hdr
	var (
		ngot             int
		packetIdentifier uint16
	)
	switch hdr.Type() {
	case PacketPublish:
		var vp VariablesPublish
		vp, ngot, err = rxtx.userDec.DecodePublish(rxtx.trp, hdr.Flags().QoS())
		n += ngot
		if err != nil {
			break
		}
		payloadLen := int(hdr.RemainingLength) - ngot
		lr := io.LimitedReader{R: rxtx.trp, N: int64(payloadLen)}
		if rxtx.OnPub != nil {
			err = rxtx.OnPub(rxtx, vp, &lr)
		} else {
			err = rxtx.exhaustReader(&lr)
		}
		if lr.N != 0 && err == nil {
			err = errors.New("expected OnPub to completely read payload")
			break
		}

	case PacketConnack:
		var vc VariablesConnack
		vc, ngot, err = rxtx.dec.DecodeConnack(rxtx.trp)
		n += ngot
		if err != nil {
			break
		}
		if rxtx.OnConnack != nil {
			err = rxtx.OnConnack(rxtx, vc)
		}

	case PacketConnect:
		var vc VariablesConnect
		vc, ngot, err = rxtx.userDec.DecodeConnect(rxtx.trp)
		n += ngot
		if err != nil {
			break
		}
		if rxtx.OnConnect != nil {
			err = rxtx.OnConnect(rxtx, &vc)
		}

	case PacketSuback:
		var vsbck VariablesSuback
		vsbck, ngot, err = rxtx.dec.DecodeSuback(rxtx.trp, hdr.RemainingLength)
		n += ngot
		if err != nil {
			break
		}
		if rxtx.OnSuback != nil {
			err = rxtx.OnSuback(rxtx, vsbck)
		}

	case PacketSubscribe:
		var vsbck VariablesSubscribe
		vsbck, ngot, err = rxtx.userDec.DecodeSubscribe(rxtx.trp, hdr.RemainingLength)
		n += ngot
		if err != nil {
			break
		}
		if rxtx.OnSub != nil {
			err = rxtx.OnSub(rxtx, vsbck)
		}

	case PacketUnsubscribe:
		var vunsub VariablesUnsubscribe
		vunsub, ngot, err = rxtx.userDec.DecodeUnsubscribe(rxtx.trp, hdr.RemainingLength)
		n += ngot
		if err != nil {
			break
		}
		if rxtx.OnUnsub != nil {
			err = rxtx.OnUnsub(rxtx, vunsub)
		}

	case PacketPuback, PacketPubrec, PacketPubrel, PacketPubcomp, PacketUnsuback:
		// Only PI, no payload.
		var pi uint16
		pi, ngot, err = decodeUint16(rxtx.trp)
		n += ngot
		if err != nil {
			break
		}
		packetIdentifier = pi
		fallthrough
	case PacketDisconnect, PacketPingreq, PacketPingresp:
		// No payload or variable header.
		if rxtx.OnOther != nil {
			err = rxtx.OnOther(rxtx, packetIdentifier)
		}

	default:
		panic("unreachable")
	}

	if err != nil {
		rxtx.trp.Close()
	}
	return n, err
}

// WriteConnect encodes and writes a CONNECT packet over the wire, deriving
// its fixed header from varConn's own encoded size.
func (rxtx *RxTx) WriteConnect(varConn *VariablesConnect) error {
	h, err := NewHeader(PacketConnect, 0, uint32(varConn.Size()))
	if err != nil {
		return err
	}
	_, err = h.Encode(rxtx.trp)
	if err != nil {
		return err
	}
	_, err = encodeConnect(rxtx.trp, varConn)
	return err
}

// WriteConnack encodes and writes a CONNACK packet over the wire.
func (rxtx *RxTx) WriteConnack(varConnack VariablesConnack) error {
	h, err := NewHeader(PacketConnack, 0, uint32(varConnack.Size()))
	if err != nil {
		return err
	}
	_, err = h.Encode(rxtx.trp)
	if err != nil {
		return err
	}
	_, err = encodeConnack(rxtx.trp, varConnack)
	return err
}

// WritePublishPayload encodes and writes a PUBLISH packet over the wire.
// Unlike the other Write methods the caller supplies the fixed header
// directly, since it alone carries the QoS/DUP/RETAIN flags that PUBLISH
// requires and that cannot be derived from VariablesPublish.
func (rxtx *RxTx) WritePublishPayload(h Header, varPub VariablesPublish, payload []byte) error {
	_, err := h.Encode(rxtx.trp)
	if err != nil {
		return err
	}
	_, err = encodePublish(rxtx.trp, h.Flags().QoS(), varPub)
	if err != nil {
		return err
	}
	_, err = writeFull(rxtx.trp, payload)
	return err
}

// WriteSubscribe encodes and writes a SUBSCRIBE packet over the wire.
func (rxtx *RxTx) WriteSubscribe(varsub VariablesSubscribe) error {
	h, err := NewHeader(PacketSubscribe, PacketFlagsPubrelSubUnsub, uint32(varsub.Size()))
	if err != nil {
		return err
	}
	_, err = h.Encode(rxtx.trp)
	if err != nil {
		return err
	}
	_, err = encodeSubscribe(rxtx.trp, varsub)
	return err
}

// WriteUnsubscribe encodes and writes an UNSUBSCRIBE packet over the wire.
func (rxtx *RxTx) WriteUnsubscribe(varunsub VariablesUnsubscribe) error {
	h, err := NewHeader(PacketUnsubscribe, PacketFlagsPubrelSubUnsub, uint32(varunsub.Size()))
	if err != nil {
		return err
	}
	_, err = h.Encode(rxtx.trp)
	if err != nil {
		return err
	}
	_, err = encodeUnsubscribe(rxtx.trp, varunsub)
	return err
}

// WriteSuback encodes and writes a SUBACK packet over the wire.
func (rxtx *RxTx) WriteSuback(varSuback VariablesSuback) error {
	h, err := NewHeader(PacketSuback, 0, uint32(varSuback.Size()))
	if err != nil {
		return err
	}
	_, err = h.Encode(rxtx.trp)
	if err != nil {
		return err
	}
	_, err = encodeSuback(rxtx.trp, varSuback)
	return err
}

// WriteOther writes PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK packets containing non-zero packet identfiers
// and DISCONNECT, PINGREQ, PINGRESP packets with no packet identifier. It automatically sets the RemainingLength field.
func (rxtx *RxTx) WriteOther(h Header, packetIdentifier uint16) (err error) {
	hasPI := h.HasPacketIdentifier()
	if hasPI {
		h.RemainingLength = 2
		_, err = h.Encode(rxtx.trp)
		if err != nil {
			return err
		}
		_, err = encodeUint16(rxtx.trp, packetIdentifier)
	} else {
		h.RemainingLength = 0
		_, err = h.Encode(rxtx.trp)
	}
	return err
}
