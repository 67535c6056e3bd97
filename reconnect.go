package mqtt

// replayStore implements spec.md §4.3's replay rule, triggered by the
// CONNACK handler when return-code=accepted and the client's own
// clean_session flag (persisted on Connect) is false: walk every live
// entry in insertion order, OR the DUP bit into PUBLISH-awaiting frames,
// and write each frame synchronously. Replay is synchronous -- not routed
// through the transmit queue -- because, per spec.md §9, the asynchronous
// writer's continuation could outlive a reconnecting endpoint. It runs
// inline in the receive loop while Run's transmit strand is already
// running; writeSync takes the same write lock as the strand, so replayed
// frames never interleave with queued ones, but a frame that was enqueued
// before the CONNACK arrived may reach the wire before the replay.
func (e *Endpoint) replayStore() error {
	frames := e.store.replayFrames()
	for _, frame := range frames {
		if err := e.tx.writeSync(frame); err != nil {
			return err
		}
	}
	return nil
}
