package mcpbridge

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/input"
)

type recordingHandler struct {
	received chan input.Input
	err      error
}

func (h recordingHandler) HandleExternalInput(ctx context.Context, raw interface{}) error {
	h.received <- raw.(input.Input)
	return h.err
}

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestHandleUpdateContact_DispatchesInput(t *testing.T) {
	b := New("mcp-bridge", "mcp-bridge", "1.0.0", bridge.DefaultConfig())
	received := make(chan input.Input, 1)
	b.SetInputHandler(recordingHandler{received: received})

	result, err := b.handleUpdateContact(context.Background(), callRequest(map[string]interface{}{
		"contactId": "c1",
		"groupId":   "root",
		"value":     "42",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	select {
	case in := <-received:
		require.Equal(t, contact.ContactId("c1"), in.ContactId)
		require.Equal(t, contact.GroupId("root"), in.GroupId)
		require.Equal(t, input.KindContactUpdate, in.Kind)
	case <-time.After(time.Second):
		t.Fatal("update was not dispatched")
	}
}

func TestHandleQueryContact_ResolvesViaSystemContactReply(t *testing.T) {
	b := New("mcp-bridge", "mcp-bridge", "1.0.0", bridge.DefaultConfig())
	received := make(chan input.Input, 1)
	b.SetInputHandler(recordingHandler{received: received})

	resultCh := make(chan *mcp.CallToolResult, 1)
	go func() {
		result, err := b.handleQueryContact(context.Background(), callRequest(map[string]interface{}{
			"contactId": "c1",
		}))
		require.NoError(t, err)
		resultCh <- result
	}()

	var in input.Input
	select {
	case in = <-received:
	case <-time.After(time.Second):
		t.Fatal("query was not dispatched")
	}
	require.Equal(t, input.KindQueryContact, in.Kind)

	err := b.OnHandleChange(context.Background(), contact.ContactChange{
		ContactId: contact.SystemContactId,
		Value:     map[string]interface{}{"requestId": in.RequestId, "result": map[string]interface{}{"value": 99.0}},
	})
	require.NoError(t, err)

	select {
	case result := <-resultCh:
		require.False(t, result.IsError)
	case <-time.After(time.Second):
		t.Fatal("query did not resolve")
	}
}

func TestHandleQueryContact_TimesOut(t *testing.T) {
	b := New("mcp-bridge", "mcp-bridge", "1.0.0", bridge.DefaultConfig())
	received := make(chan input.Input, 1)
	b.SetInputHandler(recordingHandler{received: received})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := b.handleQueryContact(ctx, callRequest(map[string]interface{}{"contactId": "c1"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestOnHandleChange_IgnoresNonSystemContact(t *testing.T) {
	b := New("mcp-bridge", "mcp-bridge", "1.0.0", bridge.DefaultConfig())
	err := b.OnHandleChange(context.Background(), contact.ContactChange{ContactId: "c1", Value: 1.0})
	require.NoError(t, err)
}
