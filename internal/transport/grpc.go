// ABOUTME: gRPC inbox service carrying adapted messages between relay processes
// ABOUTME: Status codes map onto the router's transient and permanent delivery errors

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/router"
)

const (
	inboxServiceName  = "coven.relay.v1.Inbox"
	inboxDeliverRoute = "/coven.relay.v1.Inbox/Deliver"
)

// InboxServer accepts messages pushed by a remote relay.
type InboxServer interface {
	Deliver(ctx context.Context, payload *structpb.Struct) (*emptypb.Empty, error)
}

var inboxServiceDesc = grpc.ServiceDesc{
	ServiceName: inboxServiceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: inboxDeliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coven/relay/v1/inbox.proto",
}

func inboxDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InboxServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inboxDeliverRoute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InboxServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// inboxService hands received messages to a local Deliverer, usually a Hub.
type inboxService struct {
	local  router.Deliverer
	logger *slog.Logger
}

// RegisterInbox serves the inbox on s, delivering into local.
func RegisterInbox(s grpc.ServiceRegistrar, local router.Deliverer, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.RegisterService(&inboxServiceDesc, &inboxService{
		local:  local,
		logger: logger.With("component", "inbox"),
	})
}

func (s *inboxService) Deliver(ctx context.Context, payload *structpb.Struct) (*emptypb.Empty, error) {
	env, err := envelopeFromStruct(payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	msg, err := env.Message()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "envelope: %v", err)
	}

	if err := s.local.Deliver(ctx, env.RecipientID, msg); err != nil {
		s.logger.Debug("inbox delivery failed",
			"recipient_id", env.RecipientID,
			"message_id", env.MessageID,
			"error", err)
		return nil, statusFromDeliveryError(err)
	}
	return &emptypb.Empty{}, nil
}

func statusFromDeliveryError(err error) error {
	switch {
	case errors.Is(err, router.ErrRecipientUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, router.ErrDeliveryTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, router.ErrDeliveryRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func deliveryErrorFromStatus(ctx context.Context, recipientID string, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %s: %s", router.ErrRecipientUnavailable, recipientID, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s: %s", router.ErrDeliveryTimeout, recipientID, st.Message())
	case codes.Canceled:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %s", router.ErrRecipientUnavailable, recipientID, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s (%s)", router.ErrDeliveryRejected, recipientID, st.Message(), st.Code())
	}
}

// GRPCDeliverer pushes messages to remote inboxes. Each recipient is looked
// up in the endpoint table, falling back to the default endpoint.
type GRPCDeliverer struct {
	endpoints map[string]string
	fallback  string
	dialOpts  []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	logger *slog.Logger
}

// NewGRPCDeliverer creates a deliverer. Without dial options the connection
// is plaintext.
func NewGRPCDeliverer(endpoints map[string]string, fallback string, logger *slog.Logger, opts ...grpc.DialOption) *GRPCDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &GRPCDeliverer{
		endpoints: eps,
		fallback:  fallback,
		dialOpts:  opts,
		conns:     make(map[string]*grpc.ClientConn),
		logger:    logger.With("component", "grpc-deliverer"),
	}
}

// Deliver sends msg to recipientID's inbox.
func (d *GRPCDeliverer) Deliver(ctx context.Context, recipientID string, msg *message.Message) error {
	conn, err := d.conn(recipientID)
	if err != nil {
		return err
	}
	payload, err := NewEnvelope(recipientID, msg).toStruct()
	if err != nil {
		return fmt.Errorf("%w: %v", router.ErrDeliveryRejected, err)
	}

	out := new(emptypb.Empty)
	if err := conn.Invoke(ctx, inboxDeliverRoute, payload, out); err != nil {
		return deliveryErrorFromStatus(ctx, recipientID, err)
	}
	return nil
}

func (d *GRPCDeliverer) conn(recipientID string) (*grpc.ClientConn, error) {
	addr, ok := d.endpoints[recipientID]
	if !ok {
		addr = d.fallback
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: no inbox endpoint for %s", router.ErrDeliveryRejected, recipientID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, d.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", router.ErrDeliveryRejected, addr, err)
	}
	d.conns[addr] = c
	d.logger.Debug("inbox connection opened", "endpoint", addr)
	return c, nil
}

// Close closes every open connection.
func (d *GRPCDeliverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for addr, c := range d.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", addr, err))
		}
		delete(d.conns, addr)
	}
	return errors.Join(errs...)
}
