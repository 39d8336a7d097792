// Package fsbridge implements a filesystem bridge: it watches a
// directory of JSON update files with fsnotify and translates each
// debounced write into an ExternalInput, following the same
// watcher-plus-debounce-timer shape as am's config file watcher.
package fsbridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/propagator/bridge"
	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/input"
	"github.com/teranos/propagator/logging"
)

// updateFile is the JSON shape a dropped file is decoded as.
type updateFile struct {
	ContactId string          `json:"contactId"`
	GroupId   string          `json:"groupId"`
	Value     json.RawMessage `json:"value"`
}

// Bridge watches dir for written update files and dispatches one
// ExternalInput per debounced write.
type Bridge struct {
	*bridge.Base
	dir            string
	sourceName     string
	debouncePeriod time.Duration

	watcher *fsnotify.Watcher

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// New constructs a filesystem bridge watching dir.
func New(id, name, version, dir string, cfg bridge.Config) *Bridge {
	b := &Bridge{
		dir:            dir,
		sourceName:     id,
		debouncePeriod: 250 * time.Millisecond,
		timers:         make(map[string]*time.Timer),
	}
	b.Base = bridge.NewBase(id, name, version, cfg, b)
	return b
}

// SetDebouncePeriod overrides the default debounce window applied to
// repeated writes of the same file.
func (b *Bridge) SetDebouncePeriod(d time.Duration) {
	b.debouncePeriod = d
}

func (b *Bridge) OnInitialize(ctx context.Context, config map[string]interface{}) error {
	return os.MkdirAll(b.dir, 0o755)
}

func (b *Bridge) OnShutdown(ctx context.Context, force bool) error {
	return nil
}

// OnStartListening opens the fsnotify watcher on dir and launches the
// event loop.
func (b *Bridge) OnStartListening(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch directory %s", b.dir)
	}
	b.watcher = watcher

	go b.watchLoop(ctx)
	return nil
}

func (b *Bridge) OnStopListening(ctx context.Context) error {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Close()
}

func (b *Bridge) OnHealthCheck(ctx context.Context) bool {
	return b.watcher != nil
}

func (b *Bridge) OnHandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	return driver.CommandResponse{}, errors.NewCommandError(b.ID(), true, errors.Newf("unsupported command: %s", cmd.Kind))
}

// OnHandleChange writes a JSON snapshot of the change into dir, so an
// out-of-process collaborator watching the same directory observes
// outbound values too.
func (b *Bridge) OnHandleChange(ctx context.Context, change contact.ContactChange) error {
	value, err := json.Marshal(change.Value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal change value")
	}
	payload, err := json.Marshal(updateFile{
		ContactId: string(change.ContactId),
		GroupId:   string(change.GroupId),
		Value:     value,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal update file")
	}

	path := filepath.Join(b.dir, string(change.ContactId)+".json")
	return os.WriteFile(path, payload, 0o644)
}

func (b *Bridge) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			b.scheduleDispatch(event.Name)

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			logging.Logger.Warnw("fsbridge watcher error", logging.FieldBridge, b.ID(), logging.FieldError, err)
		}
	}
}

// scheduleDispatch debounces rapid writes to the same file before
// reading and dispatching it, the way am's watcher debounces config
// reloads.
func (b *Bridge) scheduleDispatch(path string) {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()

	if t, ok := b.timers[path]; ok {
		t.Stop()
	}
	b.timers[path] = time.AfterFunc(b.debouncePeriod, func() {
		b.dispatchFile(path)
	})
}

func (b *Bridge) dispatchFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logging.Logger.Warnw("fsbridge read failed", logging.FieldBridge, b.ID(), "path", path, logging.FieldError, err)
		return
	}

	var upd updateFile
	if err := json.Unmarshal(raw, &upd); err != nil {
		logging.Logger.Warnw("fsbridge decode failed", logging.FieldBridge, b.ID(), "path", path, logging.FieldError, err)
		return
	}

	var value contact.Value
	if len(upd.Value) > 0 {
		if err := json.Unmarshal(upd.Value, &value); err != nil {
			logging.Logger.Warnw("fsbridge value decode failed", logging.FieldBridge, b.ID(), "path", path, logging.FieldError, err)
			return
		}
	}

	in := input.Input{
		Kind:      input.KindContactUpdate,
		Source:    b.sourceName,
		ContactId: contact.ContactId(upd.ContactId),
		GroupId:   contact.GroupId(upd.GroupId),
		Value:     value,
	}
	if err := b.InvokeInput(context.Background(), in); err != nil {
		logging.Logger.Warnw("fsbridge dispatch failed", logging.FieldBridge, b.ID(), logging.FieldError, err)
	}
}
