package httpbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/httpclient"
	"github.com/teranos/propagator/input"
)

// allowLoopback builds a SaferClient with private-IP blocking disabled, so
// tests can point a Bridge at an httptest.Server on 127.0.0.1.
func allowLoopback() *httpclient.SaferClient {
	block := false
	return httpclient.NewSaferClientWithOptions(5*time.Second, httpclient.SaferClientOptions{
		BlockPrivateIP: &block,
	})
}

func TestOnHandleChange_PostsBatch(t *testing.T) {
	received := make(chan batchRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/batch", r.URL.Path)
		var body batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New("http-bridge", "http-bridge", "1.0.0", srv.URL, bridge.DefaultConfig())
	b.httpClient = allowLoopback()

	err := b.OnHandleChange(context.Background(), contact.ContactChange{
		ContactId: "c1",
		GroupId:   "root",
		Value:     42.0,
	})
	require.NoError(t, err)

	select {
	case body := <-received:
		require.Len(t, body.Changes, 1)
		require.Equal(t, "c1", body.Changes[0].ContactId)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive batch")
	}
}

func TestOnHandleChange_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New("http-bridge", "http-bridge", "1.0.0", srv.URL, bridge.DefaultConfig())
	b.httpClient = allowLoopback()

	err := b.OnHandleChange(context.Background(), contact.ContactChange{ContactId: "c1"})
	require.Error(t, err)
}

func TestPoll_DispatchesUpdatesAndAdvancesSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/poll", r.URL.Path)
		require.Equal(t, "0", r.Header.Get("X-Last-Sequence-Id"))
		writeJSON(w, http.StatusOK, pollResponse{
			Updates: []struct {
				ContactId  string      `json:"contactId"`
				GroupId    string      `json:"groupId"`
				Value      interface{} `json:"value"`
				Timestamp  time.Time   `json:"timestamp"`
				SequenceId int64       `json:"sequenceId"`
			}{{ContactId: "c2", GroupId: "root", Value: 7.0, SequenceId: 1}},
			SequenceId: 1,
		})
	}))
	defer srv.Close()

	b := New("http-bridge", "http-bridge", "1.0.0", srv.URL, bridge.DefaultConfig())
	b.httpClient = allowLoopback()

	received := make(chan input.Input, 1)
	b.SetInputHandler(recordingHandler{fn: func(ctx context.Context, raw interface{}) error {
		received <- raw.(input.Input)
		return nil
	}})

	require.NoError(t, b.poll(context.Background()))
	require.Equal(t, int64(1), b.sequenceId)

	select {
	case in := <-received:
		require.Equal(t, contact.ContactId("c2"), in.ContactId)
		require.Equal(t, input.KindContactUpdate, in.Kind)
	case <-time.After(time.Second):
		t.Fatal("poll did not dispatch update")
	}
}

func TestOnHealthCheck_ReflectsRemoteStatus(t *testing.T) {
	mux := http.NewServeMux()
	MountHealth(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := New("http-bridge", "http-bridge", "1.0.0", srv.URL, bridge.DefaultConfig())
	b.httpClient = allowLoopback()

	require.True(t, b.OnHealthCheck(context.Background()))
}

type recordingHandler struct {
	fn func(ctx context.Context, raw interface{}) error
}

func (h recordingHandler) HandleExternalInput(ctx context.Context, raw interface{}) error {
	return h.fn(ctx, raw)
}
