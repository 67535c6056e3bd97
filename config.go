package mqtt

import (
	"go.uber.org/zap"
)

// AutoResponseMode selects how a packet handler's automatic response
// (PUBACK/PUBREC/PUBREL/PUBCOMP) is sent, per spec.md §4.5's
// auto_pub_response / auto_pub_response_async flags.
type AutoResponseMode uint8

const (
	// AutoResponseBlocking writes the automatic response synchronously,
	// inline with the handler that produced it. This is the default: it
	// keeps receive-then-ack ordering trivial to reason about.
	AutoResponseBlocking AutoResponseMode = iota
	// AutoResponseAsync enqueues the automatic response on the transmit
	// queue instead of writing it inline.
	AutoResponseAsync
	// AutoResponseNone disables automatic responses entirely; the
	// application callback is responsible for acknowledging inbound
	// packets itself via the broker-side Endpoint methods.
	AutoResponseNone
)

// EndpointConfig configures an Endpoint. Construct with EndpointOption
// functions and DefaultEndpointConfig, mirroring the functional-options
// pattern the teacher package already uses for client configuration.
type EndpointConfig struct {
	// ReadBuffer backs decoding of the strings in a packet's variable
	// header and payload. It is not grown: a packet whose strings do not
	// fit fails to decode with ErrUserBufferFull.
	ReadBuffer []byte
	// Decoder is used for allocating decodes (CONNECT/PUBLISH/SUBSCRIBE/
	// UNSUBSCRIBE); defaults to DecoderLowmem{ReadBuffer}.
	Decoder Decoder
	// Logger receives structured diagnostics for I/O teardown and
	// packet-level dispatch. Defaults to zap.NewNop() so a caller that
	// does not care about logging pays no cost.
	Logger *zap.Logger
	// AutoPubResponse governs how PUBACK/PUBREC/PUBREL/PUBCOMP are sent
	// in response to inbound PUBLISH/PUBREC/PUBREL.
	AutoPubResponse AutoResponseMode
	// DefaultClientIDGenerator produces a ClientID when Connect is called
	// with an empty one. Defaults to an xid-backed generator.
	DefaultClientIDGenerator func() []byte
	// TxQueueDepth bounds how many frames may be enqueued ahead of the
	// transmit strand before an Async* call blocks the caller.
	TxQueueDepth int

	err error
}

// SetError aborts endpoint construction with err once every option has
// run, mirroring the teacher's own ClientConfig.SetError escape hatch for
// options that detect a misconfiguration.
func (cfg *EndpointConfig) SetError(err error) {
	cfg.err = err
}

// EndpointOption configures an EndpointConfig.
type EndpointOption func(*EndpointConfig)

// WithEndpointConfig replaces the configuration wholesale.
func WithEndpointConfig(cfg EndpointConfig) EndpointOption {
	return func(c *EndpointConfig) {
		*c = cfg
	}
}

// WithLogger attaches a structured logger to the endpoint.
func WithLogger(log *zap.Logger) EndpointOption {
	return func(c *EndpointConfig) {
		c.Logger = log
	}
}

// WithAutoPubResponse selects the automatic-response delivery mode.
func WithAutoPubResponse(mode AutoResponseMode) EndpointOption {
	return func(c *EndpointConfig) {
		c.AutoPubResponse = mode
	}
}

// DefaultEndpointConfig lazily fills in buffers, decoder, logger, id
// generator, and queue depth left unset by prior options. Always apply it
// last.
func DefaultEndpointConfig() EndpointOption {
	return func(c *EndpointConfig) {
		if len(c.ReadBuffer) == 0 {
			c.ReadBuffer = make([]byte, defaultBufferLen)
		}
		if c.Decoder == nil {
			c.Decoder = &DecoderLowmem{UserBuffer: c.ReadBuffer}
		}
		if c.Logger == nil {
			c.Logger = zap.NewNop()
		}
		if c.DefaultClientIDGenerator == nil {
			c.DefaultClientIDGenerator = defaultClientID
		}
		if c.TxQueueDepth <= 0 {
			c.TxQueueDepth = 16
		}
	}
}
