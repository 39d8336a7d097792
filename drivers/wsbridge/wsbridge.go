// Package wsbridge implements a duplex websocket bridge: outbound
// changes are written as JSON frames over a persistent connection to a
// remote peer, inbound frames are decoded into ExternalInput and
// dispatched, and a keepalive ping/pong loop follows the same timing the
// rest of this stack uses for its own websocket clients.
package wsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/input"
	"github.com/teranos/propagator/logging"
)

// Keepalive timing, matching the gorilla-recommended ratios used
// elsewhere in this stack's own websocket client.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// frame is the wire shape for both directions: a change going out, or an
// external input coming in.
type frame struct {
	Kind      string          `json:"kind"`
	ContactId string          `json:"contactId,omitempty"`
	GroupId   string          `json:"groupId,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Source    string          `json:"source,omitempty"`
	RequestId string          `json:"requestId,omitempty"`
}

// Bridge is the websocket transport adapter embedding bridge.Base.
type Bridge struct {
	*bridge.Base
	url        string
	sourceName string
	dialer     *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// New constructs a websocket bridge dialing url when started.
func New(id, name, version, url string, cfg bridge.Config) *Bridge {
	b := &Bridge{url: url, sourceName: id, dialer: websocket.DefaultDialer}
	b.Base = bridge.NewBase(id, name, version, cfg, b)
	return b
}

func (b *Bridge) OnInitialize(ctx context.Context, config map[string]interface{}) error {
	return nil
}

func (b *Bridge) OnShutdown(ctx context.Context, force bool) error {
	return nil
}

// OnStartListening dials the remote peer and launches the read pump.
func (b *Bridge) OnStartListening(ctx context.Context) error {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial websocket peer")
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go b.readPump(conn)
	go b.pingLoop(ctx, conn)

	return nil
}

func (b *Bridge) OnStopListening(ctx context.Context) error {
	b.connMu.Lock()
	conn := b.conn
	b.conn = nil
	b.connMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (b *Bridge) OnHealthCheck(ctx context.Context) bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn != nil
}

func (b *Bridge) OnHandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	return driver.CommandResponse{}, errors.NewCommandError(b.ID(), true, errors.Newf("unsupported command: %s", cmd.Kind))
}

// OnHandleChange writes one ContactChange as a JSON frame.
func (b *Bridge) OnHandleChange(ctx context.Context, change contact.ContactChange) error {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return errors.Newf("websocket bridge %s is not connected", b.ID())
	}

	value, err := json.Marshal(change.Value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal change value")
	}

	fr := frame{
		Kind:      "change",
		ContactId: string(change.ContactId),
		GroupId:   string(change.GroupId),
		Value:     value,
		Timestamp: change.Timestamp,
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(fr)
}

// readPump decodes inbound frames into ExternalInput and dispatches them
// through the framework's InvokeInput helper.
func (b *Bridge) readPump(conn *websocket.Conn) {
	for {
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			logging.Logger.Warnw("websocket bridge read failed", logging.FieldBridge, b.ID(), logging.FieldError, err)
			return
		}

		var value contact.Value
		if len(fr.Value) > 0 {
			if err := json.Unmarshal(fr.Value, &value); err != nil {
				logging.Logger.Warnw("websocket bridge decode failed", logging.FieldBridge, b.ID(), logging.FieldError, err)
				continue
			}
		}

		in := input.Input{
			Kind:      input.KindContactUpdate,
			Source:    b.sourceName,
			RequestId: fr.RequestId,
			ContactId: contact.ContactId(fr.ContactId),
			GroupId:   contact.GroupId(fr.GroupId),
			Value:     value,
		}
		if err := b.InvokeInput(context.Background(), in); err != nil {
			logging.Logger.Warnw("websocket bridge dispatch failed", logging.FieldBridge, b.ID(), logging.FieldError, err)
		}
	}
}

// pingLoop sends keepalive pings on pingPeriod until ctx is cancelled or
// the write fails, mirroring this stack's own websocket client timing.
func (b *Bridge) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			b.writeMu.Unlock()
			if err != nil {
				logging.Logger.Warnw("websocket bridge ping failed", logging.FieldBridge, b.ID(), logging.FieldError, err)
				return
			}
		}
	}
}
