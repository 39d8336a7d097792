package fsbridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/input"
)

type recordingHandler struct {
	received chan input.Input
}

func (h recordingHandler) HandleExternalInput(ctx context.Context, raw interface{}) error {
	h.received <- raw.(input.Input)
	return nil
}

func TestOnHandleChange_WritesSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	b := New("fs-bridge", "fs-bridge", "1.0.0", dir, bridge.DefaultConfig())

	err := b.OnHandleChange(context.Background(), contact.ContactChange{
		ContactId: "c1",
		GroupId:   "root",
		Value:     3.0,
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "c1.json"))
	require.NoError(t, err)

	var upd updateFile
	require.NoError(t, json.Unmarshal(raw, &upd))
	require.Equal(t, "c1", upd.ContactId)
	require.Equal(t, "root", upd.GroupId)
}

func TestWatchLoop_DispatchesDebouncedWrite(t *testing.T) {
	dir := t.TempDir()
	b := New("fs-bridge", "fs-bridge", "1.0.0", dir, bridge.DefaultConfig())
	b.SetDebouncePeriod(10 * time.Millisecond)

	received := make(chan input.Input, 1)
	b.SetInputHandler(recordingHandler{received: received})

	require.NoError(t, b.OnInitialize(context.Background(), nil))
	require.NoError(t, b.OnStartListening(context.Background()))
	defer b.OnStopListening(context.Background())

	value, err := json.Marshal(42.0)
	require.NoError(t, err)
	payload, err := json.Marshal(updateFile{ContactId: "c2", GroupId: "root", Value: value})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c2.json"), payload, 0o644))

	select {
	case in := <-received:
		require.Equal(t, contact.ContactId("c2"), in.ContactId)
		require.Equal(t, input.KindContactUpdate, in.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not dispatch the written file")
	}
}
