package mqtt

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// wireHandlers attaches the RxTx OnX callbacks that implement spec.md
// §4.5's per-control-packet table: parse (already done by RxTx/Decoder),
// invoke the application callback, generate the automatic response, and
// mutate the store. Called once from NewEndpoint.
func (e *Endpoint) wireHandlers() {
	e.rxtx.OnConnect = e.handleConnect
	e.rxtx.OnConnack = e.handleConnack
	e.rxtx.OnPub = e.handlePublish
	e.rxtx.OnSub = e.handleSubscribe
	e.rxtx.OnSuback = e.handleSuback
	e.rxtx.OnUnsub = e.handleUnsubscribe
	e.rxtx.OnOther = e.handleOther
}

func (e *Endpoint) handleConnect(rt *RxTx, vc *VariablesConnect) error {
	e.log().Debug("rx CONNECT", zap.ByteString("client_id", vc.ClientID))
	if string(vc.Protocol) != defaultProtocol || vc.ProtocolLevel != defaultProtocolLevel {
		return ErrProtocolMismatch
	}
	if e.OnConnect != nil && !e.OnConnect(vc) {
		return io.EOF
	}
	return nil
}

func (e *Endpoint) handleConnack(rt *RxTx, vc VariablesConnack) error {
	e.log().Debug("rx CONNACK", zap.Uint8("return_code", uint8(vc.ReturnCode)))
	accepted := vc.ReturnCode == ReturnCodeConnAccepted
	if accepted {
		e.state.mu.Lock()
		e.state.onConnect(time.Now())
		e.state.mu.Unlock()
		// The discriminant is the client's own clean_session flag from its
		// CONNECT, not CONNACK's session-present bit: per spec.md §4.5/§4.3,
		// accepted+clean clears the store, accepted+not-clean replays it.
		if e.cleanSession {
			for _, f := range e.store.clear() {
				e.pool.put(f)
			}
		} else {
			if err := e.replayStore(); err != nil {
				return err
			}
		}
	}
	if e.OnConnack != nil && !e.OnConnack(vc.SessionPresent(), vc.ReturnCode) {
		return io.EOF
	}
	return nil
}

func (e *Endpoint) handlePublish(rt *RxTx, vp VariablesPublish, r io.Reader) error {
	qos := rt.LastReceivedHeader.Flags().QoS()
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	deliver := true
	if qos == QoS2 {
		deliver = e.store.markHandled(vp.PacketIdentifier)
	}
	if deliver && e.OnPublish != nil {
		if !e.OnPublish(rt.LastReceivedHeader, vp.PacketIdentifier, vp.TopicName, payload) {
			return io.EOF
		}
	}
	switch qos {
	case QoS1:
		return e.autoRespond(PacketPuback, vp.PacketIdentifier)
	case QoS2:
		// PUBREC is always sent, duplicate or not, per spec.md §4.5.
		return e.autoRespond(PacketPubrec, vp.PacketIdentifier)
	}
	return nil
}

func (e *Endpoint) handleSubscribe(rt *RxTx, vs VariablesSubscribe) error {
	if e.OnSubscribe != nil && !e.OnSubscribe(vs.PacketIdentifier, vs.TopicFilters) {
		return io.EOF
	}
	return nil
}

func (e *Endpoint) handleSuback(rt *RxTx, vs VariablesSuback) error {
	if frame, ok := e.store.eraseAck(vs.PacketIdentifier, PacketSuback); ok && frame != nil {
		e.pool.put(frame)
	}
	e.releaseID(vs.PacketIdentifier)
	if e.OnSuback != nil && !e.OnSuback(vs.PacketIdentifier, vs.ReturnCodes) {
		return io.EOF
	}
	return nil
}

func (e *Endpoint) handleUnsubscribe(rt *RxTx, vu VariablesUnsubscribe) error {
	if e.OnUnsubscribe != nil && !e.OnUnsubscribe(vu.PacketIdentifier, vu.Topics) {
		return io.EOF
	}
	return nil
}

// handleOther dispatches PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK (with a
// packet identifier) and DISCONNECT/PINGREQ/PINGRESP (without one), per
// spec.md §4.5.
func (e *Endpoint) handleOther(rt *RxTx, pi uint16) error {
	switch rt.LastReceivedHeader.Type() {
	case PacketPuback:
		if frame, ok := e.store.eraseAck(pi, PacketPuback); ok && frame != nil {
			e.pool.put(frame)
		}
		e.releaseID(pi)
		if e.OnPuback != nil && !e.OnPuback(pi) {
			return io.EOF
		}

	case PacketPubrec:
		if e.OnPubrec != nil && !e.OnPubrec(pi) {
			return io.EOF
		}
		return e.handlePubrec(pi)

	case PacketPubrel:
		e.store.clearHandled(pi)
		if e.OnPubrel != nil && !e.OnPubrel(pi) {
			return io.EOF
		}
		return e.autoRespond(PacketPubcomp, pi)

	case PacketPubcomp:
		if frame, ok := e.store.eraseAck(pi, PacketPubcomp); ok && frame != nil {
			e.pool.put(frame)
		}
		e.releaseID(pi)
		if e.OnPubcomp != nil && !e.OnPubcomp(pi) {
			return io.EOF
		}

	case PacketUnsuback:
		if frame, ok := e.store.eraseAck(pi, PacketUnsuback); ok && frame != nil {
			e.pool.put(frame)
		}
		e.releaseID(pi)
		if e.OnUnsuback != nil && !e.OnUnsuback(pi) {
			return io.EOF
		}

	case PacketPingreq:
		if e.OnPingreq != nil && !e.OnPingreq() {
			return io.EOF
		}
		return e.autoRespondPingresp()

	case PacketPingresp:
		if e.OnPingresp != nil && !e.OnPingresp() {
			return io.EOF
		}

	case PacketDisconnect:
		if e.OnDisconnect != nil {
			e.OnDisconnect()
		}
		return io.EOF
	}
	return nil
}

// handlePubrec replaces the store entry awaiting PUBREC with one awaiting
// PUBCOMP carrying a freshly assembled PUBREL frame, and sends it -- the
// PUBREC→PUBREL store-entry replacement spec.md §4.3/§4.5 requires.
func (e *Endpoint) handlePubrec(id uint16) error {
	f := e.pool.get(2)
	buf := f.payload()
	buf[0] = byte(id >> 8)
	buf[1] = byte(id)
	frame, err := f.finalize(byte(PacketPubrel)<<4|byte(PacketFlagsPubrelSubUnsub), 2)
	if err != nil {
		return err
	}
	if old, ok := e.store.transition(id, PacketPubrec, PacketPubcomp, f); ok && old != nil {
		e.pool.put(old)
	}
	if !e.state.IsConnected() {
		// Disconnected: only store the frame for later replay, §4.5.
		return nil
	}
	// The frame stays owned by the store entry, so it is not pooled here.
	switch e.cfg.AutoPubResponse {
	case AutoResponseNone:
		return nil
	case AutoResponseAsync:
		return e.sendFrame(frame, nil)
	default:
		return e.tx.writeSync(frame)
	}
}

func (e *Endpoint) autoRespond(responseType PacketType, pi uint16) error {
	hdr, err := NewHeader(responseType, 0, 2)
	if err != nil {
		return err
	}
	f := e.pool.get(2)
	buf := f.payload()[:2]
	buf[0] = byte(pi >> 8)
	buf[1] = byte(pi)
	frame, err := f.finalize(hdr.firstByte, 2)
	if err != nil {
		return err
	}
	var respErr error
	switch e.cfg.AutoPubResponse {
	case AutoResponseNone:
		e.pool.put(f)
		return nil
	case AutoResponseAsync:
		respErr = e.tx.enqueue(frame, func(error) { e.pool.put(f) })
		if respErr != nil {
			// enqueue rejected the frame outright (queue closed/fatal): the
			// done callback above never fires, so reclaim it here instead.
			e.pool.put(f)
		}
	default:
		respErr = e.tx.writeSync(frame)
		e.pool.put(f)
	}
	if respErr == nil && e.OnPubResSent != nil {
		e.OnPubResSent(pi)
	}
	return respErr
}

func (e *Endpoint) autoRespondPingresp() error {
	hdr, err := NewHeader(PacketPingresp, 0, 0)
	if err != nil {
		return err
	}
	var buf [sendFrameReserve]byte
	n := hdr.Put(buf[:])
	return e.tx.writeSync(buf[:n])
}

