package mqtt

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newEndpointPair returns two Endpoints wired over an in-memory duplex
// pipe (net.Pipe), the "test double" transport spec.md treats as an
// external collaborator distinct from the transport subpackage's real
// socket implementations.
func newEndpointPair(t *testing.T, opts ...EndpointOption) (client, server *Endpoint) {
	t.Helper()
	a, b := net.Pipe()
	client, err := NewEndpoint(a, opts...)
	require.NoError(t, err)
	server, err = NewEndpoint(b, opts...)
	require.NoError(t, err)
	// Mark both ends connected directly rather than driving a full
	// CONNECT/CONNACK handshake: several handlers (e.g. handlePubrec's
	// PUBREL send) gate on IsConnected, and scenarios below exercise them
	// without a preceding handshake.
	for _, e := range []*Endpoint{client, server} {
		e.state.mu.Lock()
		e.state.onConnect(time.Now())
		e.state.mu.Unlock()
	}
	return client, server
}

func runEndpoint(t *testing.T, e *Endpoint) {
	t.Helper()
	go e.Run()
}

// Scenario 1: QoS0 publish, no store entry, no ack expected.
func TestScenarioQoS0Publish(t *testing.T) {
	client, server := newEndpointPair(t)
	received := make(chan string, 1)
	server.OnPublish = func(h Header, id uint16, topic, payload []byte) bool {
		received <- string(topic) + "|" + string(payload)
		return true
	}
	runEndpoint(t, client)
	runEndpoint(t, server)

	require.NoError(t, client.PublishAtMostOnce([]byte("a/b"), []byte("hi"), false))

	select {
	case got := <-received:
		require.Equal(t, "a/b|hi", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for QoS0 publish delivery")
	}
	require.Equal(t, 0, client.store.len())
}

// Scenario 2: QoS1 round-trip -- store entry created, erased on PUBACK,
// id released.
func TestScenarioQoS1RoundTrip(t *testing.T) {
	client, server := newEndpointPair(t)
	server.OnPublish = func(h Header, id uint16, topic, payload []byte) bool { return true }
	runEndpoint(t, client)
	runEndpoint(t, server)

	acked := make(chan uint16, 1)
	client.OnPuback = func(id uint16) bool { acked <- id; return true }

	id, err := client.PublishAtLeastOnce([]byte("a/b"), []byte("hi"), false)
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)
	require.Equal(t, 1, client.store.len())

	select {
	case got := <-acked:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PUBACK")
	}
	require.Eventually(t, func() bool { return client.store.len() == 0 }, time.Second, time.Millisecond)
	require.False(t, client.store.ids.isUsed(id))
}

// Scenario 3: QoS2 round-trip -- PUBREC flips the store entry to await
// PUBCOMP; id released only on PUBCOMP.
func TestScenarioQoS2RoundTrip(t *testing.T) {
	client, server := newEndpointPair(t)
	server.OnPublish = func(h Header, id uint16, topic, payload []byte) bool { return true }
	runEndpoint(t, client)
	runEndpoint(t, server)

	completed := make(chan uint16, 1)
	client.OnPubcomp = func(id uint16) bool { completed <- id; return true }

	id, err := client.PublishExactlyOnce([]byte("a/b"), []byte("hi"), false)
	require.NoError(t, err)

	select {
	case got := <-completed:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PUBCOMP")
	}
	require.Eventually(t, func() bool { return client.store.len() == 0 }, time.Second, time.Millisecond)
	require.False(t, client.store.ids.isUsed(id))
}

// Scenario 4: QoS1 retransmit with DUP -- replaying the store sets the
// DUP bit on the stored frame's first byte.
func TestScenarioQoS1ReplaySetsDup(t *testing.T) {
	client, _ := newEndpointPair(t)
	id, err := client.store.acquireID()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)

	hdr, _, err := client.buildPublishFrame(id, []byte("a/b"), []byte("hi"), QoS1, false, false)
	require.NoError(t, err)
	f := client.pool.get(len([]byte("a/b")) + 4 + len([]byte("hi")))
	frame, err := client.assemblePublishFrame(f, hdr, VariablesPublish{TopicName: []byte("a/b"), PacketIdentifier: id}, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, byte(0x32), frame[0])
	client.store.insert(id, PacketPuback, f)

	frames := client.store.replayFrames()
	require.Len(t, frames, 1)
	require.Equal(t, byte(0x3A), frames[0][0])
}

// Scenario 5: QoS2 inbound duplicate suppression -- the user publish
// callback fires exactly once even if the same id is delivered twice on
// the wire. Auto-responses are disabled so the server's handled set is
// never cleared by an (unsent) PUBREL, making the suppression check
// deterministic instead of racing the real handshake.
func TestScenarioQoS2InboundDuplicateSuppressed(t *testing.T) {
	client, server := newEndpointPair(t, WithAutoPubResponse(AutoResponseNone))
	deliveries := make(chan struct{}, 4)
	server.OnPublish = func(h Header, id uint16, topic, payload []byte) bool {
		deliveries <- struct{}{}
		return true
	}
	runEndpoint(t, client)
	runEndpoint(t, server)

	id, err := client.PublishExactlyOnce([]byte("a/b"), []byte("hi"), false)
	require.NoError(t, err)

	select {
	case <-deliveries:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first delivery")
	}

	// Resend the identical PUBLISH as a genuine wire duplicate (DUP set,
	// same id) -- the server's handled set must suppress the redelivery.
	require.NoError(t, client.PublishDup(id, []byte("a/b"), []byte("hi"), QoS2, false))

	select {
	case <-deliveries:
		t.Fatal("duplicate PUBLISH must not be redelivered to the user callback")
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario 6: malformed CONNECT -- protocol-name mismatch is reported as
// a protocol error, the connect callback is never invoked, and the
// receive loop halts.
func TestScenarioMalformedConnect(t *testing.T) {
	server, client := newEndpointPair(t)
	connectCalled := false
	server.OnConnect = func(vc *VariablesConnect) bool {
		connectCalled = true
		return true
	}

	done := make(chan error, 1)
	go func() { done <- server.Run() }()

	// encodeConnect always writes protocol name "MQTT", so the malformed
	// frame is written as raw bytes: CONNECT, remaining length 14, protocol
	// "MQTX" at level 4, flags 0, keep-alive 60, client id "id".
	raw := []byte{0x10, 0x0e, 0x00, 0x04, 'M', 'Q', 'T', 'X', 0x04, 0x00, 0x00, 0x3c, 0x00, 0x02, 'i', 'd'}
	_, err := client.transport.Write(raw)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the receive loop to halt")
	}
	require.False(t, connectCalled)
}

// seedStoredPublish inserts a QoS1 store entry as if a prior connection had
// sent it and never received its PUBACK, for exercising the CONNACK
// replay/clear discriminant without a real disconnect/reconnect.
func seedStoredPublish(t *testing.T, e *Endpoint) uint16 {
	t.Helper()
	id, err := e.store.acquireID()
	require.NoError(t, err)
	hdr, _, err := e.buildPublishFrame(id, []byte("a/b"), []byte("hi"), QoS1, false, false)
	require.NoError(t, err)
	f := e.pool.get(len([]byte("a/b")) + 4 + len([]byte("hi")))
	_, err = e.assemblePublishFrame(f, hdr, VariablesPublish{TopicName: []byte("a/b"), PacketIdentifier: id}, []byte("hi"))
	require.NoError(t, err)
	e.store.insert(id, PacketPuback, f)
	return id
}

// CONNACK's replay/clear discriminant is the client's own clean_session
// flag (persisted by Connect), not CONNACK's session-present bit. Both
// tests below set session-present to the value that would give the wrong
// answer if session-present were mistakenly used as the discriminant.
func TestScenarioConnackNotCleanSessionReplaysStore(t *testing.T) {
	// The server does not acknowledge automatically, so the replayed
	// PUBLISH stays in the client's store instead of being erased by a
	// PUBACK.
	client, server := newEndpointPair(t, WithAutoPubResponse(AutoResponseNone))
	replayed := make(chan Header, 1)
	server.OnPublish = func(h Header, id uint16, topic, payload []byte) bool {
		replayed <- h
		return true
	}
	runEndpoint(t, client)
	runEndpoint(t, server)

	seedStoredPublish(t, client)
	client.cleanSession = false

	require.NoError(t, server.Connack(false, ReturnCodeConnAccepted))

	select {
	case h := <-replayed:
		require.True(t, h.Flags().Dup())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the replayed PUBLISH")
	}
	require.Equal(t, 1, client.store.len())
}

func TestScenarioConnackCleanSessionClearsStore(t *testing.T) {
	client, server := newEndpointPair(t)
	runEndpoint(t, client)
	runEndpoint(t, server)

	seedStoredPublish(t, client)
	client.cleanSession = true

	require.NoError(t, server.Connack(true, ReturnCodeConnAccepted))

	require.Eventually(t, func() bool { return client.store.len() == 0 }, time.Second, time.Millisecond)
}

// Manual-id (caller-supplied-id) variants report acceptance as a bool
// rather than an auto-allocated id, and reject a collision the same way
// the underlying allocator does.
func TestManualIDPublishAcceptsThenRejectsCollision(t *testing.T) {
	client, server := newEndpointPair(t)
	server.OnPublish = func(h Header, id uint16, topic, payload []byte) bool { return true }
	runEndpoint(t, client)
	runEndpoint(t, server)

	accepted, err := client.PublishAtLeastOnceWithID(42, []byte("a/b"), []byte("hi"), false)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, 1, client.store.len())

	accepted, err = client.PublishExactlyOnceWithID(42, []byte("a/b"), []byte("hi"), false)
	require.NoError(t, err)
	require.False(t, accepted, "id 42 is already held by the QoS1 publish above")
}

func TestManualIDSubscribeUnsubscribe(t *testing.T) {
	// The server runs so the client's blocking writes have a reader.
	client, server := newEndpointPair(t)
	runEndpoint(t, client)
	runEndpoint(t, server)

	accepted, err := client.SubscribeWithID(7, []SubscribeRequest{{TopicFilter: []byte("a/b"), QoS: QoS1}})
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = client.SubscribeWithID(7, []SubscribeRequest{{TopicFilter: []byte("c/d"), QoS: QoS0}})
	require.NoError(t, err)
	require.False(t, accepted, "id 7 is still held by the prior subscribe")

	client.releaseID(7)
	accepted, err = client.UnsubscribeWithID(7, [][]byte{[]byte("a/b")})
	require.NoError(t, err)
	require.True(t, accepted)
}
