// ABOUTME: Package transport provides the delivery seam implementations used by the router
// ABOUTME: In-process hub, gRPC inbox client and server, and a Kafka producer

// Package transport implements router.Deliverer over three carriers.
//
// # Hub
//
// Hub delivers to handlers attached in the same process. An agent with no
// handler is reported with router.ErrRecipientUnavailable, which the router
// retries with backoff. Per-agent rate limits are applied with
// golang.org/x/time/rate; a limiter wait that cannot finish before the
// attempt deadline also reports the agent unavailable.
//
// # gRPC inbox
//
// The Inbox service has a single unary Deliver method taking a
// google.protobuf.Struct. RegisterInbox serves it and hands every received
// message to a local Deliverer, typically a Hub. GRPCDeliverer is the client
// side. Status codes are mapped back onto router errors:
//
//	Unavailable, ResourceExhausted, Aborted  -> ErrRecipientUnavailable (retried)
//	DeadlineExceeded                         -> ErrDeliveryTimeout (retried)
//	anything else                            -> ErrDeliveryRejected
//
// # Kafka
//
// KafkaDeliverer produces a deterministic CBOR Envelope to the topic
// prefix+recipientID, keyed by conversation ID. Non-temporary broker errors
// are permanent; everything else is retried.
package transport
