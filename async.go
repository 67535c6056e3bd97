package mqtt

// Async variants of the publish/subscribe facade enqueue their
// frame on the transmit strand instead of writing synchronously, and
// invoke done (if non-nil) with the write's eventual outcome. This is the
// "thin synchronous wrapper over a single async core" arrangement spec.md
// §9 recommends, applied in the direction the core naturally supports:
// the blocking methods in endpoint.go write directly; these reuse the
// same frame-assembly helpers and instead hand the result to the strand.

// AsyncPublishAtMostOnce enqueues a QoS0 PUBLISH without creating a store
// entry.
func (e *Endpoint) AsyncPublishAtMostOnce(topic, payload []byte, retain bool, done func(error)) error {
	hdr, _, err := e.buildPublishFrame(0, topic, payload, QoS0, false, retain)
	if err != nil {
		return err
	}
	f := e.pool.get(len(topic) + 4 + len(payload))
	frame, err := e.assemblePublishFrame(f, hdr, VariablesPublish{TopicName: topic}, payload)
	if err != nil {
		return err
	}
	// QoS0 frames are never stored, so reclaim f once the write completes
	// (or immediately if enqueue rejects it outright).
	wrapped := func(writeErr error) {
		e.pool.put(f)
		if done != nil {
			done(writeErr)
		}
	}
	if err := e.sendFrame(frame, wrapped); err != nil {
		e.pool.put(f)
		return err
	}
	return nil
}

// AsyncPublishAtLeastOnce enqueues a QoS1 PUBLISH with an auto-allocated
// id, storing the frame until PUBACK arrives.
func (e *Endpoint) AsyncPublishAtLeastOnce(topic, payload []byte, retain bool, done func(error)) (uint16, error) {
	return e.publishStoredAsync(topic, payload, QoS1, retain, done)
}

// AsyncPublishExactlyOnce enqueues a QoS2 PUBLISH with an auto-allocated
// id, storing the frame until the PUBREC/PUBREL/PUBCOMP handshake
// completes.
func (e *Endpoint) AsyncPublishExactlyOnce(topic, payload []byte, retain bool, done func(error)) (uint16, error) {
	return e.publishStoredAsync(topic, payload, QoS2, retain, done)
}

func (e *Endpoint) publishStoredAsync(topic, payload []byte, qos QoSLevel, retain bool, done func(error)) (uint16, error) {
	id, err := e.store.acquireID()
	if err != nil {
		return 0, err
	}
	hdr, _, err := e.buildPublishFrame(id, topic, payload, qos, false, retain)
	if err != nil {
		e.releaseID(id)
		return 0, err
	}
	f := e.pool.get(len(topic) + 4 + len(payload))
	frame, err := e.assemblePublishFrame(f, hdr, VariablesPublish{TopicName: topic, PacketIdentifier: id}, payload)
	if err != nil {
		e.releaseID(id)
		return 0, err
	}
	expect := PacketPuback
	if qos == QoS2 {
		expect = PacketPubrec
	}
	e.store.insert(id, expect, f)
	return id, e.sendFrame(frame, done)
}

// AsyncSubscribe enqueues a SUBSCRIBE with an auto-allocated id.
func (e *Endpoint) AsyncSubscribe(filters []SubscribeRequest, done func(error)) (uint16, error) {
	id, err := e.store.acquireID()
	if err != nil {
		return 0, err
	}
	vs := VariablesSubscribe{PacketIdentifier: id, TopicFilters: filters}
	if err := vs.Validate(); err != nil {
		e.releaseID(id)
		return 0, err
	}
	f := e.pool.get(vs.Size())
	w := f.writer()
	if _, err := encodeSubscribe(w, vs); err != nil {
		e.releaseID(id)
		return 0, err
	}
	hdr, err := NewHeader(PacketSubscribe, PacketFlagsPubrelSubUnsub, uint32(vs.Size()))
	if err != nil {
		e.releaseID(id)
		return 0, err
	}
	frame, err := f.finalize(hdr.firstByte, w.pos)
	if err != nil {
		e.releaseID(id)
		return 0, err
	}
	// SUBSCRIBE frames are never stored for replay, so reclaim f once the
	// write completes (or immediately if enqueue rejects it outright).
	wrapped := func(writeErr error) {
		e.pool.put(f)
		if done != nil {
			done(writeErr)
		}
	}
	if err := e.sendFrame(frame, wrapped); err != nil {
		e.pool.put(f)
		e.releaseID(id)
		return 0, err
	}
	return id, nil
}
