package grpcbridge

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stretchr/testify/require"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/input"
)

func TestChangeToStructRoundTrip(t *testing.T) {
	change := contact.ContactChange{
		ContactId: "c1",
		GroupId:   "root",
		Value:     42.0,
		Timestamp: time.Unix(0, 0),
	}

	msg, err := changeToStruct(change)
	require.NoError(t, err)

	in, err := structToInput("peer", msg)
	require.NoError(t, err)
	require.Equal(t, contact.ContactId("c1"), in.ContactId)
	require.Equal(t, contact.GroupId("root"), in.GroupId)
	require.Equal(t, 42.0, in.Value)
	require.Equal(t, input.KindContactUpdate, in.Kind)
}

func TestStructToInput_MissingContactId(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{"groupId": "root"})
	require.NoError(t, err)
	_, err = structToInput("peer", msg)
	require.Error(t, err)
}

type recordingHandler struct {
	received chan input.Input
}

func (h recordingHandler) HandleExternalInput(ctx context.Context, raw interface{}) error {
	h.received <- raw.(input.Input)
	return nil
}

// syncMethod is the full method name of serviceDesc's single stream,
// dialed by name since there is no generated client stub.
const syncMethod = "/propagator.Bridge/Sync"

func TestBridge_StreamsChangesAndInputs(t *testing.T) {
	b := New("grpc-bridge", "grpc-bridge", "1.0.0", "127.0.0.1:0", bridge.DefaultConfig())
	received := make(chan input.Input, 1)
	b.SetInputHandler(recordingHandler{received: received})

	require.NoError(t, b.OnStartListening(context.Background()))
	defer b.OnStopListening(context.Background())

	addr := b.lis.Addr().String()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Sync", ServerStreams: true, ClientStreams: true}, syncMethod)
	require.NoError(t, err)

	// Client pushes an ExternalInput to the bridge.
	inbound, err := structpb.NewStruct(map[string]interface{}{
		"contactId": "c2",
		"groupId":   "root",
		"value":     7.0,
	})
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(inbound))

	select {
	case in := <-received:
		require.Equal(t, contact.ContactId("c2"), in.ContactId)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not dispatch inbound stream message")
	}

	// Bridge fans an outbound change out to the connected client.
	require.Eventually(t, func() bool {
		b.streamsMu.Lock()
		defer b.streamsMu.Unlock()
		return len(b.streams) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.OnHandleChange(context.Background(), contact.ContactChange{
		ContactId: "c3",
		GroupId:   "root",
		Value:     1.0,
	}))

	var out structpb.Struct
	require.NoError(t, stream.RecvMsg(&out))
	require.Equal(t, "c3", out.GetFields()["contactId"].GetStringValue())
}
