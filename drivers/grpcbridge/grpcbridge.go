// Package grpcbridge is a second remote-process bridge transport
// alongside the worked HTTP example: a bidirectional gRPC stream carries
// ContactChanges out to every connected peer and ExternalInputs back in,
// grounded on the domain-proxy's bidirectional stream proxying a remote
// plugin process without any generated service stub — messages travel as
// google.golang.org/protobuf's well-known structpb.Struct, so the wire
// contract needs no .proto compilation step.
package grpcbridge

import (
	"context"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/input"
	"github.com/teranos/propagator/logging"
)

// Bridge hosts a gRPC server; every connected peer's stream receives a
// copy of every outbound change and may push ExternalInputs back.
type Bridge struct {
	*bridge.Base
	addr       string
	sourceName string

	srv *grpc.Server
	lis net.Listener

	streamsMu sync.Mutex
	streams   map[int]grpc.ServerStream
	nextID    int
}

// New constructs a gRPC bridge listening on addr (e.g. ":9090").
func New(id, name, version, addr string, cfg bridge.Config) *Bridge {
	b := &Bridge{addr: addr, sourceName: id, streams: make(map[int]grpc.ServerStream)}
	b.Base = bridge.NewBase(id, name, version, cfg, b)
	return b
}

func (b *Bridge) OnInitialize(ctx context.Context, config map[string]interface{}) error {
	return nil
}

func (b *Bridge) OnShutdown(ctx context.Context, force bool) error {
	return nil
}

// OnStartListening opens the listening socket and starts the gRPC server
// hosting the hand-registered bidirectional Sync stream.
func (b *Bridge) OnStartListening(ctx context.Context) error {
	lis, err := net.Listen("tcp", b.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", b.addr)
	}
	b.lis = lis

	b.srv = grpc.NewServer()
	b.srv.RegisterService(&serviceDesc, b)

	go func() {
		if err := b.srv.Serve(lis); err != nil {
			logging.Logger.Warnw("grpc bridge server exited", logging.FieldBridge, b.ID(), logging.FieldError, err)
		}
	}()
	return nil
}

func (b *Bridge) OnStopListening(ctx context.Context) error {
	if b.srv != nil {
		b.srv.GracefulStop()
	}
	return nil
}

func (b *Bridge) OnHealthCheck(ctx context.Context) bool {
	return b.srv != nil
}

func (b *Bridge) OnHandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	return driver.CommandResponse{}, errors.NewCommandError(b.ID(), true, errors.Newf("unsupported command: %s", cmd.Kind))
}

// OnHandleChange fans change out to every connected peer stream.
func (b *Bridge) OnHandleChange(ctx context.Context, change contact.ContactChange) error {
	msg, err := changeToStruct(change)
	if err != nil {
		return errors.Wrap(err, "failed to encode contact change")
	}

	b.streamsMu.Lock()
	defer b.streamsMu.Unlock()
	for id, stream := range b.streams {
		if err := stream.SendMsg(msg); err != nil {
			logging.Logger.Warnw("grpc bridge send failed, dropping peer", logging.FieldBridge, b.ID(), "peer", id, logging.FieldError, err)
			delete(b.streams, id)
		}
	}
	return nil
}

// handleSync services one peer's bidirectional stream: every inbound
// Struct is decoded into an ExternalInput, until the peer disconnects.
func (b *Bridge) handleSync(stream grpc.ServerStream) error {
	b.streamsMu.Lock()
	id := b.nextID
	b.nextID++
	b.streams[id] = stream
	b.streamsMu.Unlock()

	defer func() {
		b.streamsMu.Lock()
		delete(b.streams, id)
		b.streamsMu.Unlock()
	}()

	for {
		var msg structpb.Struct
		if err := stream.RecvMsg(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		in, err := structToInput(b.sourceName, &msg)
		if err != nil {
			logging.Logger.Warnw("grpc bridge dropped malformed input", logging.FieldBridge, b.ID(), logging.FieldError, err)
			continue
		}
		if err := b.InvokeInput(stream.Context(), in); err != nil {
			logging.Logger.Warnw("grpc bridge input rejected", logging.FieldBridge, b.ID(), logging.FieldError, err)
		}
	}
}

func changeToStruct(change contact.ContactChange) (*structpb.Struct, error) {
	value, err := structpb.NewValue(change.Value)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]interface{}{
		"contactId": string(change.ContactId),
		"groupId":   string(change.GroupId),
		"value":     value.AsInterface(),
		"timestamp": change.Timestamp.UnixNano(),
	})
}

func structToInput(source string, msg *structpb.Struct) (input.Input, error) {
	fields := msg.GetFields()
	contactID, ok := fields["contactId"]
	if !ok {
		return input.Input{}, errors.Newf("grpc input missing contactId")
	}
	groupID := fields["groupId"]

	return input.Input{
		Kind:      input.KindContactUpdate,
		Source:    source,
		ContactId: contact.ContactId(contactID.GetStringValue()),
		GroupId:   contact.GroupId(groupID.GetStringValue()),
		Value:     fields["value"].AsInterface(),
	}, nil
}

// serviceDesc hand-registers the single bidirectional Sync stream
// without a compiled .proto/service stub: grpc-go dispatches any proto.Message
// through (Server)Stream.SendMsg/RecvMsg regardless of how the service was
// described, so structpb.Struct is a sufficient wire contract here.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "propagator.Bridge",
	HandlerType: (*interface{})(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Sync",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(*Bridge).handleSync(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "propagator/grpcbridge.proto",
}
