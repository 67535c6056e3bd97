package mqtt

import (
	"errors"
	"io"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Will describes the Last Will and Testament a broker publishes on the
// client's behalf if the connection drops uncleanly. Supplementing
// spec.md's "Will... set once before CONNECT" into a first-class struct
// mirrors VariablesConnect's own will fields.
type Will struct {
	Topic   []byte
	Message []byte
	QoS     QoSLevel
	Retain  bool
}

func defaultClientID() []byte {
	return []byte(xid.New().String())
}

// Endpoint is a symmetric MQTT v3.1.1 protocol endpoint usable as either a
// connecting client or an already-accepted server-side connection
// (spec.md §1). It owns one transport, one receive pipeline, one transmit
// queue, one outbound store, and the packet-identifier space that store
// guards.
type Endpoint struct {
	cfg       EndpointConfig
	transport Transport
	rxtx      *RxTx
	store     *outboundStore
	tx        *txQueue
	pool      *framePool
	state     connState

	clientID     []byte
	will         *Will
	cleanSession bool

	closed chan struct{}

	// Application callbacks; any may be left nil. Continue?-style hooks
	// returning false end the receive loop cleanly, per spec.md §4.5.
	OnConnect     func(vc *VariablesConnect) bool
	OnConnack     func(sessionPresent bool, rc ConnectReturnCode) bool
	OnPublish     func(h Header, id uint16, topic []byte, payload []byte) bool
	OnPuback      func(id uint16) bool
	OnPubrec      func(id uint16) bool
	OnPubrel      func(id uint16) bool
	OnPubcomp     func(id uint16) bool
	OnPubResSent  func(id uint16)
	OnSubscribe   func(id uint16, filters []SubscribeRequest) bool
	OnSuback      func(id uint16, codes []QoSLevel) bool
	OnUnsubscribe func(id uint16, topics [][]byte) bool
	OnUnsuback    func(id uint16) bool
	OnPingreq     func() bool
	OnPingresp    func() bool
	OnDisconnect  func()
	OnClose       func(err error)
}

// NewEndpoint constructs an Endpoint bound to transport. The endpoint is
// usable immediately in server (broker-accepted) mode; a client-role
// caller should follow up with Connect.
func NewEndpoint(transport Transport, opts ...EndpointOption) (*Endpoint, error) {
	var cfg EndpointConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	DefaultEndpointConfig()(&cfg)
	if cfg.err != nil {
		return nil, cfg.err
	}
	rxtx, err := NewRxTx(transport, cfg.Decoder)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:       cfg,
		transport: transport,
		rxtx:      rxtx,
		store:     newOutboundStore(),
		tx:        newTxQueue(transport, cfg.TxQueueDepth, cfg.Logger),
		pool:      newFramePool(),
		closed:    make(chan struct{}),
	}
	e.wireHandlers()
	return e, nil
}

func (e *Endpoint) log() *zap.Logger { return e.cfg.Logger }

// Run drives the endpoint's receive pipeline and transmit strand until
// either observes a fatal error or a clean shutdown, then tears down the
// transport. Run blocks; callers typically invoke it in its own
// goroutine. The two loops are paired with errgroup so a fatal error on
// either side tears down the shared transport and unblocks the other,
// mirroring the corpus's own errgroup-driven network loop pairing
// (absmach-mproxy's errgroup.WithContext over paired read/write loops).
func (e *Endpoint) Run() error {
	var eg errgroup.Group
	// The transmit strand blocks on its request channel until closed; the
	// receive loop blocks on the transport until it errors. Neither side
	// naturally wakes the other, so whichever goroutine ends first tears
	// down the other's blocking point explicitly instead of relying on
	// errgroup (which only aggregates the returned errors, it does not
	// cancel siblings).
	eg.Go(func() error {
		err := e.tx.run()
		e.transport.Close()
		return err
	})
	eg.Go(func() error {
		for {
			_, err := e.rxtx.ReadNextPacket()
			if err != nil {
				e.tx.close()
				return err
			}
		}
	})
	err := eg.Wait()
	close(e.closed)
	e.state.onDisconnect(errOrClosed(err))
	if e.OnClose != nil {
		e.OnClose(err)
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Done returns a channel closed once Run has finished tearing the
// endpoint down.
func (e *Endpoint) Done() <-chan struct{} { return e.closed }

func errOrClosed(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}

// IsConnected reports whether the endpoint currently has an active
// connection.
func (e *Endpoint) IsConnected() bool { return e.state.IsConnected() }

// Err returns the error that ended the connection, or nil.
func (e *Endpoint) Err() error { return e.state.Err() }

// ForEachStore iterates stored outbound frames in insertion order, for
// inspection or tests (spec.md §4.8).
func (e *Endpoint) ForEachStore(visit func(id uint16, expect PacketType, frame []byte)) {
	e.store.forEach(visit)
}

// ClearStoredPublish manually drops a store entry and releases the id,
// regardless of expected-response-type. Per spec.md §9 this is a
// power-user escape hatch: calling it mid-QoS2-handshake can release an
// id that is still logically in flight. The caller is responsible for not
// doing that.
func (e *Endpoint) ClearStoredPublish(id uint16) bool {
	frames, ok := e.store.clearStoredPublish(id)
	for _, f := range frames {
		e.pool.put(f)
	}
	return ok
}

// --- Connect / disconnect -------------------------------------------------

// Connect sends a CONNECT packet establishing clientID (or an
// auto-generated one if clientID is empty), username/password, will, and
// keepAliveSec, and blocks until the write completes.
func (e *Endpoint) Connect(clientID []byte, username, password []byte, will *Will, clean bool, keepAliveSec uint16) error {
	if len(clientID) == 0 {
		clientID = e.cfg.DefaultClientIDGenerator()
	}
	if err := validateUTF8String(clientID); err != nil {
		return err
	}
	var vc VariablesConnect
	vc.SetDefaultMQTT(clientID)
	vc.CleanSession = clean
	vc.KeepAlive = keepAliveSec
	vc.Username = username
	vc.Password = password
	if will != nil {
		vc.WillTopic = will.Topic
		vc.WillMessage = will.Message
		vc.WillQoS = will.QoS
		vc.WillRetain = will.Retain
	}
	if err := validatePassword(password); err != nil {
		return err
	}
	e.clientID = clientID
	e.will = will
	e.cleanSession = clean
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteConnect(&vc) })
}

// Connack sends a CONNACK in the server role.
func (e *Endpoint) Connack(sessionPresent bool, rc ConnectReturnCode) error {
	vc := VariablesConnack{ReturnCode: rc}
	if sessionPresent {
		vc.AckFlags = 1
	}
	if rc == ReturnCodeConnAccepted {
		e.state.mu.Lock()
		e.state.onConnect(time.Now())
		e.state.mu.Unlock()
	}
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteConnack(vc) })
}

// Disconnect sends DISCONNECT iff connected. The will, if any, is NOT
// triggered server-side since this is a clean disconnect (spec.md §4.8).
func (e *Endpoint) Disconnect() error {
	if !e.IsConnected() {
		return nil
	}
	hdr, err := NewHeader(PacketDisconnect, 0, 0)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteOther(hdr, 0) })
}

// ForceDisconnect tears down the transport without sending DISCONNECT;
// from the broker's perspective this is an ungraceful drop and the will
// (if any) fires.
func (e *Endpoint) ForceDisconnect() error {
	return e.transport.Close()
}

// Pingreq sends a PINGREQ.
func (e *Endpoint) Pingreq() error {
	hdr, err := NewHeader(PacketPingreq, 0, 0)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteOther(hdr, 0) })
}

// Pingresp sends a PINGRESP, for the server role.
func (e *Endpoint) Pingresp() error {
	hdr, err := NewHeader(PacketPingresp, 0, 0)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteOther(hdr, 0) })
}

// --- Publish ---------------------------------------------------------------

func (e *Endpoint) buildPublishFrame(id uint16, topic, payload []byte, qos QoSLevel, dup, retain bool) (Header, []byte, error) {
	if err := validateUTF8String(topic); err != nil {
		return Header{}, nil, err
	}
	vp := VariablesPublish{TopicName: topic, PacketIdentifier: id}
	_ = vp
	flags, err := NewPublishFlags(qos, dup, retain)
	if err != nil {
		return Header{}, nil, err
	}
	varSize := len(topic) + 2
	if qos != QoS0 {
		varSize += 2
	}
	hdr, err := NewHeader(PacketPublish, flags, uint32(varSize+len(payload)))
	return hdr, payload, err
}

// PublishAtMostOnce sends a QoS0 PUBLISH. No store entry is created; no
// acknowledgment is expected (spec.md §4.8, §8 scenario 1).
func (e *Endpoint) PublishAtMostOnce(topic, payload []byte, retain bool) error {
	hdr, _, err := e.buildPublishFrame(0, topic, payload, QoS0, false, retain)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error {
		return e.rxtx.WritePublishPayload(hdr, VariablesPublish{TopicName: topic}, payload)
	})
}

// PublishAtLeastOnce sends a QoS1 PUBLISH with an auto-allocated id,
// storing the frame until PUBACK arrives (spec.md §8 scenario 2).
func (e *Endpoint) PublishAtLeastOnce(topic, payload []byte, retain bool) (uint16, error) {
	return e.publishStored(topic, payload, QoS1, retain, 0, false)
}

// PublishExactlyOnce sends a QoS2 PUBLISH with an auto-allocated id,
// storing the frame until the PUBREC/PUBREL/PUBCOMP handshake completes
// (spec.md §8 scenario 3).
func (e *Endpoint) PublishExactlyOnce(topic, payload []byte, retain bool) (uint16, error) {
	return e.publishStored(topic, payload, QoS2, retain, 0, false)
}

// PublishAtLeastOnceWithID sends a QoS1 PUBLISH under a caller-supplied id,
// the manual-id counterpart to PublishAtLeastOnce spec.md §4.8 requires
// ("every QoS-1/2 operation ... in (a) auto-id and (b) caller-supplied-id
// variants"). accepted is false, with a nil error, if id was already in
// use; any other error is a frame-assembly or I/O failure.
func (e *Endpoint) PublishAtLeastOnceWithID(id uint16, topic, payload []byte, retain bool) (accepted bool, err error) {
	return e.publishStoredWithID(id, topic, payload, QoS1, retain)
}

// PublishExactlyOnceWithID sends a QoS2 PUBLISH under a caller-supplied id,
// the manual-id counterpart to PublishExactlyOnce.
func (e *Endpoint) PublishExactlyOnceWithID(id uint16, topic, payload []byte, retain bool) (accepted bool, err error) {
	return e.publishStoredWithID(id, topic, payload, QoS2, retain)
}

func (e *Endpoint) publishStoredWithID(id uint16, topic, payload []byte, qos QoSLevel, retain bool) (bool, error) {
	_, err := e.publishStored(topic, payload, qos, retain, id, true)
	if errors.Is(err, ErrIDCollision) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Publish dispatches to the PublishAtXOnce variant matching qos.
func (e *Endpoint) Publish(topic, payload []byte, qos QoSLevel, retain bool) (uint16, error) {
	switch qos {
	case QoS0:
		return 0, e.PublishAtMostOnce(topic, payload, retain)
	case QoS1:
		return e.PublishAtLeastOnce(topic, payload, retain)
	case QoS2:
		return e.PublishExactlyOnce(topic, payload, retain)
	}
	return 0, errors.New("natiu-mqtt: invalid QoS")
}

// PublishDup re-sends a QoS≥1 PUBLISH under a caller-supplied id with DUP
// explicitly set, per spec.md §4.8's publish_dup.
func (e *Endpoint) PublishDup(id uint16, topic, payload []byte, qos QoSLevel, retain bool) error {
	if qos == QoS0 {
		return errQoS0NoDup
	}
	hdr, _, err := e.buildPublishFrame(id, topic, payload, qos, true, retain)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error {
		return e.rxtx.WritePublishPayload(hdr, VariablesPublish{TopicName: topic, PacketIdentifier: id}, payload)
	})
}

func (e *Endpoint) publishStored(topic, payload []byte, qos QoSLevel, retain bool, id uint16, manualID bool) (uint16, error) {
	var err error
	if manualID {
		err = e.store.registerID(id)
	} else {
		id, err = e.store.acquireID()
	}
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
	err = e.tx.writeSync(frame)
	return id, err
}

// assemblePublishFrame encodes a PUBLISH packet into f's reserved buffer
// and finalizes it, returning the ready-to-send byte range.
func (e *Endpoint) assemblePublishFrame(f *sendFrame, hdr Header, vp VariablesPublish, payload []byte) ([]byte, error) {
	w := f.writer()
	if _, err := encodePublish(w, hdr.Flags().QoS(), vp); err != nil {
		return nil, err
	}
	if _, err := writeFull(w, payload); err != nil {
		return nil, err
	}
	return f.finalize(hdr.firstByte, w.pos)
}

// --- Subscribe / unsubscribe -------------------------------------------------

// Subscribe sends a SUBSCRIBE for the given (filter, qos) pairs with an
// auto-allocated id.
func (e *Endpoint) Subscribe(filters []SubscribeRequest) (uint16, error) {
	id, err := e.store.acquireID()
	if err != nil {
		return 0, err
	}
	vs := VariablesSubscribe{PacketIdentifier: id, TopicFilters: filters}
	if err := vs.Validate(); err != nil {
		e.releaseID(id)
		return 0, err
	}
	if err := e.tx.withWriteLock(func() error { return e.rxtx.WriteSubscribe(vs) }); err != nil {
		e.releaseID(id)
		return 0, err
	}
	return id, nil
}

// SubscribeWithID sends a SUBSCRIBE under a caller-supplied id, the
// manual-id counterpart to Subscribe. accepted is false, with a nil
// error, if id was already in use.
func (e *Endpoint) SubscribeWithID(id uint16, filters []SubscribeRequest) (accepted bool, err error) {
	if err := e.store.registerID(id); err != nil {
		if errors.Is(err, ErrIDCollision) {
			return false, nil
		}
		return false, err
	}
	vs := VariablesSubscribe{PacketIdentifier: id, TopicFilters: filters}
	if err := vs.Validate(); err != nil {
		e.releaseID(id)
		return false, err
	}
	if err := e.tx.withWriteLock(func() error { return e.rxtx.WriteSubscribe(vs) }); err != nil {
		e.releaseID(id)
		return false, err
	}
	return true, nil
}

// Unsubscribe sends an UNSUBSCRIBE for the given topic filters with an
// auto-allocated id.
func (e *Endpoint) Unsubscribe(topics [][]byte) (uint16, error) {
	id, err := e.store.acquireID()
	if err != nil {
		return 0, err
	}
	vu := VariablesUnsubscribe{PacketIdentifier: id, Topics: topics}
	if err := e.tx.withWriteLock(func() error { return e.rxtx.WriteUnsubscribe(vu) }); err != nil {
		e.releaseID(id)
		return 0, err
	}
	return id, nil
}

// UnsubscribeWithID sends an UNSUBSCRIBE under a caller-supplied id, the
// manual-id counterpart to Unsubscribe. accepted is false, with a nil
// error, if id was already in use.
func (e *Endpoint) UnsubscribeWithID(id uint16, topics [][]byte) (accepted bool, err error) {
	if err := e.store.registerID(id); err != nil {
		if errors.Is(err, ErrIDCollision) {
			return false, nil
		}
		return false, err
	}
	vu := VariablesUnsubscribe{PacketIdentifier: id, Topics: topics}
	if err := e.tx.withWriteLock(func() error { return e.rxtx.WriteUnsubscribe(vu) }); err != nil {
		e.releaseID(id)
		return false, err
	}
	return true, nil
}

// Suback sends a SUBACK for the server role.
func (e *Endpoint) Suback(id uint16, codes []QoSLevel) error {
	return e.tx.withWriteLock(func() error {
		return e.rxtx.WriteSuback(VariablesSuback{PacketIdentifier: id, ReturnCodes: codes})
	})
}

// Unsuback sends an UNSUBACK for the server role.
func (e *Endpoint) Unsuback(id uint16) error {
	hdr, err := NewHeader(PacketUnsuback, 0, 2)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteOther(hdr, id) })
}

// Puback, Pubrec, Pubrel, Pubcomp send the matching acknowledgment
// packet, for use by the server role or by an application overriding the
// automatic-response behavior (AutoResponseNone).
func (e *Endpoint) Puback(id uint16) error { return e.writeOtherByType(PacketPuback, id) }
func (e *Endpoint) Pubrec(id uint16) error { return e.writeOtherByType(PacketPubrec, id) }
func (e *Endpoint) Pubcomp(id uint16) error { return e.writeOtherByType(PacketPubcomp, id) }

// Pubrel sends PUBREL, which requires the reserved 0010 flags.
func (e *Endpoint) Pubrel(id uint16) error {
	hdr, err := NewHeader(PacketPubrel, PacketFlagsPubrelSubUnsub, 2)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteOther(hdr, id) })
}

func (e *Endpoint) writeOtherByType(pt PacketType, id uint16) error {
	hdr, err := NewHeader(pt, 0, 2)
	if err != nil {
		return err
	}
	return e.tx.withWriteLock(func() error { return e.rxtx.WriteOther(hdr, id) })
}

func (e *Endpoint) releaseID(id uint16) {
	e.store.mu.Lock()
	e.store.ids.release(id)
	e.store.mu.Unlock()
}

// sendFrame enqueues frame on the transmit strand. done, if non-nil, is
// invoked with the write's outcome.
func (e *Endpoint) sendFrame(frame []byte, done func(error)) error {
	return e.tx.enqueue(frame, done)
}
