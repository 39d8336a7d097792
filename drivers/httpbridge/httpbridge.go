// Package httpbridge is the worked HTTP bridge example: outbound changes
// are POSTed in batches, inbound updates are pulled via long-polling, and
// health is exposed for external monitoring.
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/httpclient"
	"github.com/teranos/propagator/input"
	"github.com/teranos/propagator/logging"
)

// batchRequest is the POST /batch wire shape.
type batchRequest struct {
	Changes []changeWire `json:"changes"`
}

type changeWire struct {
	ContactId string      `json:"contactId"`
	GroupId   string      `json:"groupId"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// pollResponse is the GET /poll wire shape.
type pollResponse struct {
	Updates []struct {
		ContactId  string      `json:"contactId"`
		GroupId    string      `json:"groupId"`
		Value      interface{} `json:"value"`
		Timestamp  time.Time   `json:"timestamp"`
		SequenceId int64       `json:"sequenceId"`
	} `json:"updates"`
	SequenceId int64 `json:"sequenceId"`
}

// Bridge is the HTTP transport adapter embedding bridge.Base.
type Bridge struct {
	*bridge.Base
	baseURL    string
	httpClient *httpclient.SaferClient
	sourceName string

	sequenceId int64
}

// New constructs an HTTP bridge with id/name/version and the given base
// URL of the remote HTTP peer.
func New(id, name, version, baseURL string, cfg bridge.Config) *Bridge {
	b := &Bridge{
		baseURL:    baseURL,
		httpClient: httpclient.NewSaferClient(30 * time.Second),
		sourceName: id,
	}
	b.Base = bridge.NewBase(id, name, version, cfg, b)
	return b
}

func (b *Bridge) OnInitialize(ctx context.Context, config map[string]interface{}) error {
	logging.Logger.Infow("http bridge initialized", logging.FieldBridge, b.ID(), "base_url", b.baseURL)
	return nil
}

func (b *Bridge) OnShutdown(ctx context.Context, force bool) error {
	return nil
}

func (b *Bridge) OnStartListening(ctx context.Context) error {
	return nil
}

func (b *Bridge) OnStopListening(ctx context.Context) error {
	return nil
}

func (b *Bridge) OnHealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (b *Bridge) OnHandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	if cmd.Kind == "force-poll" {
		if err := b.poll(ctx); err != nil {
			return driver.CommandResponse{}, errors.NewCommandError(b.ID(), true, err)
		}
		return driver.CommandResponse{}, nil
	}
	return driver.CommandResponse{}, errors.NewCommandError(b.ID(), true, errors.Newf("unsupported command: %s", cmd.Kind))
}

// OnPoll satisfies bridge.Poller: Base's pollLoop calls this every
// PollInterval while listening.
func (b *Bridge) OnPoll(ctx context.Context) error {
	return b.poll(ctx)
}

// OnHandleChange transmits one contact change via POST /batch.
func (b *Bridge) OnHandleChange(ctx context.Context, change contact.ContactChange) error {
	body := batchRequest{Changes: []changeWire{{
		ContactId: string(change.ContactId),
		GroupId:   string(change.GroupId),
		Value:     change.Value,
		Timestamp: change.Timestamp,
	}}}

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal batch request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/batch", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build batch request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "batch request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Newf("batch request returned status %d", resp.StatusCode)
	}
	return nil
}

// poll issues GET /poll carrying the last sequence ID and dispatches
// returned updates as ExternalInput records.
func (b *Bridge) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/poll", nil)
	if err != nil {
		return errors.Wrap(err, "failed to build poll request")
	}
	req.Header.Set("X-Last-Sequence-Id", strconv.FormatInt(b.sequenceId, 10))
	req.Header.Set("X-Long-Poll-Timeout", "30")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "poll request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("poll request returned status %d", resp.StatusCode)
	}

	var parsed pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errors.Wrap(err, "failed to decode poll response")
	}

	for _, u := range parsed.Updates {
		in := input.Input{
			Kind:      input.KindContactUpdate,
			Source:    b.sourceName,
			ContactId: contact.ContactId(u.ContactId),
			GroupId:   contact.GroupId(u.GroupId),
			Value:     u.Value,
		}
		if err := b.InvokeInput(ctx, in); err != nil {
			logging.Logger.Warnw("failed to dispatch polled update", logging.FieldBridge, b.ID(), logging.FieldError, err)
		}
	}

	b.sequenceId = parsed.SequenceId
	return nil
}

// MountHealth attaches a GET /health handler for a peer acting as the
// remote side of this bridge in tests or local demos.
func MountHealth(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Logger.Errorw("failed to encode JSON response", logging.FieldError, err)
	}
}
