// Package gateway assembles a coven-relay node from configuration.
//
// # Overview
//
// The gateway owns every long-lived component and their lifecycle:
//
//	type Gateway struct {
//	    registry   *capability.Registry   // catalog + agent bindings
//	    store      store.Store            // SQLite persistence
//	    hub        *transport.Hub         // locally attached agents
//	    deliverer  router.Deliverer       // hub, gRPC or Kafka
//	    router     *router.Router
//	    manager    *conversation.Manager
//	    dedupe     *dedupe.Window
//	    authorizer *auth.GrantAuthorizer  // nil when auth is disabled
//	    grpcServer *grpc.Server           // inbox + health, when listening
//	}
//
// # Transports
//
// transport.kind selects where the router sends messages:
//
//   - local: straight into handlers attached to the hub
//   - grpc: to the inbox of the relay node that hosts the recipient
//   - kafka: to one topic per recipient
//
// When transport.listen is set the node also serves its own inbox, so
// remote relays can reach agents attached to this hub. The standard gRPC
// health service reports SERVING while the inbox is up.
//
// # Lifecycle
//
// New wires everything without opening listeners. Run serves until its
// context is canceled and then calls Shutdown, which stops the inbox,
// cancels pending deliveries and closes the transport and the store.
package gateway
