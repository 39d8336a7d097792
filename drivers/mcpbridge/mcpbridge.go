// Package mcpbridge exposes the runtime over the Model Context Protocol:
// an external MCP client (an assistant, an IDE) drives contact updates
// and queries as tool calls over stdio, the same way this stack exposes
// gopls operations as MCP tools.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/input"
	"github.com/teranos/propagator/logging"
)

// Bridge exposes update-contact / query-contact tools over MCP stdio.
// Query replies arrive asynchronously as a ContactChange on
// contact.SystemContactId (per §4.2/§6); Bridge correlates them back to
// the waiting tool call by RequestId.
type Bridge struct {
	*bridge.Base
	sourceName string
	srv        *mcpserver.MCPServer
	stop       context.CancelFunc

	repliesMu sync.Mutex
	replies   map[string]chan map[string]interface{}
}

// New constructs an MCP IPC bridge.
func New(id, name, version string, cfg bridge.Config) *Bridge {
	b := &Bridge{sourceName: id, replies: make(map[string]chan map[string]interface{})}
	b.Base = bridge.NewBase(id, name, version, cfg, b)
	b.srv = mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(true))
	b.registerTools()
	return b
}

func (b *Bridge) registerTools() {
	updateTool := mcp.NewTool("propagator_update_contact",
		mcp.WithDescription("Update a contact's value and propagate the change through its wires"),
		mcp.WithString("contactId", mcp.Required(), mcp.Description("the contact to update")),
		mcp.WithString("groupId", mcp.Required(), mcp.Description("the owning group")),
		mcp.WithString("value", mcp.Required(), mcp.Description("JSON-encoded value to assign")),
	)
	b.srv.AddTool(updateTool, b.handleUpdateContact)

	queryTool := mcp.NewTool("propagator_query_contact",
		mcp.WithDescription("Query a contact's current value"),
		mcp.WithString("contactId", mcp.Required(), mcp.Description("the contact to query")),
	)
	b.srv.AddTool(queryTool, b.handleQueryContact)
}

func (b *Bridge) handleUpdateContact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contactID, err := request.RequireString("contactId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	groupID, err := request.RequireString("groupId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawValue, err := request.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var value contact.Value
	if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid JSON value: %v", err)), nil
	}

	in := input.Input{
		Kind:      input.KindContactUpdate,
		Source:    b.sourceName,
		ContactId: contact.ContactId(contactID),
		GroupId:   contact.GroupId(groupID),
		Value:     value,
	}
	if err := b.InvokeInput(ctx, in); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update rejected: %v", err)), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

func (b *Bridge) handleQueryContact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contactID, err := request.RequireString("contactId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	requestID := contactID
	replyCh := make(chan map[string]interface{}, 1)
	b.repliesMu.Lock()
	b.replies[requestID] = replyCh
	b.repliesMu.Unlock()
	defer func() {
		b.repliesMu.Lock()
		delete(b.replies, requestID)
		b.repliesMu.Unlock()
	}()

	in := input.Input{
		Kind:      input.KindQueryContact,
		Source:    b.sourceName,
		ContactId: contact.ContactId(contactID),
		RequestId: requestID,
	}
	if err := b.InvokeInput(ctx, in); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query rejected: %v", err)), nil
	}

	select {
	case payload := <-replyCh:
		if errMsg, ok := payload["error"].(string); ok {
			return mcp.NewToolResultError(errMsg), nil
		}
		encoded, err := json.Marshal(payload["result"])
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(encoded)), nil
	case <-ctx.Done():
		return mcp.NewToolResultError("query timed out"), nil
	}
}

func (b *Bridge) OnInitialize(ctx context.Context, config map[string]interface{}) error {
	return nil
}

func (b *Bridge) OnShutdown(ctx context.Context, force bool) error {
	if b.stop != nil {
		b.stop()
	}
	return nil
}

// OnStartListening launches the MCP stdio server loop.
func (b *Bridge) OnStartListening(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.stop = cancel

	go func() {
		if err := mcpserver.ServeStdio(b.srv); err != nil {
			logging.Logger.Warnw("mcp bridge stdio server exited", logging.FieldBridge, b.ID(), logging.FieldError, err)
		}
		<-runCtx.Done()
	}()
	return nil
}

func (b *Bridge) OnStopListening(ctx context.Context) error {
	if b.stop != nil {
		b.stop()
	}
	return nil
}

func (b *Bridge) OnHealthCheck(ctx context.Context) bool {
	return b.srv != nil
}

func (b *Bridge) OnHandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	return driver.CommandResponse{}, errors.NewCommandError(b.ID(), true, errors.Newf("unsupported command: %s", cmd.Kind))
}

// OnHandleChange fulfills a pending query's reply channel when the
// change is a system-contact reply correlated by RequestId; it is
// otherwise a no-op, since this bridge exposes tools for an MCP client to
// drive the runtime rather than forwarding arbitrary outbound changes.
func (b *Bridge) OnHandleChange(ctx context.Context, change contact.ContactChange) error {
	if change.ContactId != contact.SystemContactId {
		return nil
	}
	payload, ok := change.Value.(map[string]interface{})
	if !ok {
		return nil
	}
	requestID, _ := payload["requestId"].(string)

	b.repliesMu.Lock()
	ch, ok := b.replies[requestID]
	b.repliesMu.Unlock()
	if !ok {
		return nil
	}

	select {
	case ch <- payload:
	default:
	}
	return nil
}
