package mqtt

// String-accepting convenience wrappers around the []byte-based facade in
// endpoint.go, for callers working with topic/payload data that already
// lives in Go strings. bytesFromString (safe.go/unsafe.go) is the
// allocate-or-reinterpret conversion the teacher package already carried
// for this purpose; tinygo/unsafe builds skip the copy.

// PublishStringAtMostOnce sends a QoS0 PUBLISH built from string topic and
// payload.
func (e *Endpoint) PublishStringAtMostOnce(topic, payload string, retain bool) error {
	return e.PublishAtMostOnce(bytesFromString(topic), bytesFromString(payload), retain)
}

// PublishString sends a PUBLISH at the given QoS built from string topic
// and payload.
func (e *Endpoint) PublishString(topic, payload string, qos QoSLevel, retain bool) (uint16, error) {
	return e.Publish(bytesFromString(topic), bytesFromString(payload), qos, retain)
}

// SubscribeString subscribes to plain string topic filters at a uniform
// requested QoS.
func (e *Endpoint) SubscribeString(topics []string, qos QoSLevel) (uint16, error) {
	filters := make([]SubscribeRequest, len(topics))
	for i, t := range topics {
		filters[i] = SubscribeRequest{TopicFilter: bytesFromString(t), QoS: qos}
	}
	return e.Subscribe(filters)
}

// UnsubscribeString unsubscribes from plain string topic filters.
func (e *Endpoint) UnsubscribeString(topics []string) (uint16, error) {
	bs := make([][]byte, len(topics))
	for i, t := range topics {
		bs[i] = bytesFromString(t)
	}
	return e.Unsubscribe(bs)
}
