// Package kernel implements the fan-out layer between the userspace
// runtime and drivers: a driver registry, non-blocking change dispatch
// tracked via pending futures, and the driver lifecycle state machine.
package kernel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/input"
	"github.com/teranos/propagator/logging"
)

// State is a driver's position in the lifecycle state machine:
// Unregistered → Initialized → (Listening ↔ ListenerStopped)? → ShuttingDown → Unregistered.
type State string

const (
	StateUnregistered    State = "unregistered"
	StateInitialized     State = "initialized"
	StateListening       State = "listening"
	StateListenerStopped State = "listener-stopped"
	StateShuttingDown    State = "shutting-down"
)

type registration struct {
	d     driver.Driver
	state State
}

// Config controls kernel-wide dispatch policy.
type Config struct {
	FailFast bool
	Debug    bool

	// RequiredDriverVersion, when set, is a semver constraint (e.g.
	// ">= 1.0.0, < 2.0.0") every registering driver's Version() must
	// satisfy. Empty disables the check.
	RequiredDriverVersion string
}

// InputDelegate is the userspace callback the kernel invokes for
// handleExternalInput; the runtime implements it.
type InputDelegate func(ctx context.Context, in input.Input) (*input.Reply, error)

// Kernel is the fan-out layer. State is not persisted: the registry,
// pending set, and userspace handler all live only for the process
// lifetime.
type Kernel struct {
	cfg Config

	mu        sync.RWMutex
	drivers   map[string]*registration
	bridges   map[string]struct{}
	storages  map[string]struct{}

	userspace InputDelegate

	pendingMu sync.Mutex
	pending   map[string]struct{}
	nextPendingID uint64

	wg sync.WaitGroup

	errCh chan errors.KernelError
}

// New constructs a Kernel under the given configuration.
func New(cfg Config) *Kernel {
	return &Kernel{
		cfg:      cfg,
		drivers:  make(map[string]*registration),
		bridges:  make(map[string]struct{}),
		storages: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		errCh:    make(chan errors.KernelError, 64),
	}
}

// Errors returns the channel of asynchronously escalated kernel errors.
// The spec's resolution of the fire-and-forget tension: userspace does
// not await kernel dispatch, but fatal failures are observably flagged
// here for an observer (e.g. the CLI observer driver) to consume.
func (k *Kernel) Errors() <-chan errors.KernelError {
	return k.errCh
}

func (k *Kernel) emitError(contactID string, cause error) {
	select {
	case k.errCh <- *errors.NewKernelError(contactID, cause):
	default:
		logging.Logger.Warnw("kernel error channel full, dropping escalation", logging.FieldError, cause)
	}
}

// SetUserspaceHandler wires the inbound external-input path.
func (k *Kernel) SetUserspaceHandler(fn InputDelegate) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.userspace = fn
}

// RegisterDriver initializes d and adds it to the registry. If d
// implements Bridge, its input handler is wired to HandleExternalInput
// and its listener started. If d implements Storage, it is recorded in
// the storage set.
func (k *Kernel) RegisterDriver(ctx context.Context, d driver.Driver) error {
	k.mu.Lock()
	if _, exists := k.drivers[d.ID()]; exists {
		k.mu.Unlock()
		return errors.Newf("driver already registered: %s", d.ID())
	}
	k.mu.Unlock()

	if err := k.validateVersion(d); err != nil {
		return err
	}

	if _, err := d.HandleCommand(ctx, driver.Command{Kind: driver.CommandInitialize}); err != nil {
		return errors.Wrapf(err, "failed to initialize driver %s", d.ID())
	}

	k.mu.Lock()
	k.drivers[d.ID()] = &registration{d: d, state: StateInitialized}
	k.mu.Unlock()

	if b, ok := d.(driver.Bridge); ok {
		b.SetInputHandler(kernelInputHandler{k: k})
		if err := b.StartListening(ctx); err != nil {
			return errors.Wrapf(err, "failed to start listening on bridge %s", d.ID())
		}
		k.mu.Lock()
		k.bridges[d.ID()] = struct{}{}
		k.drivers[d.ID()].state = StateListening
		k.mu.Unlock()
	}

	if _, ok := d.(driver.Storage); ok {
		k.mu.Lock()
		k.storages[d.ID()] = struct{}{}
		k.mu.Unlock()
	}

	return nil
}

// kernelInputHandler adapts Kernel to driver.InputHandler for bridges.
type kernelInputHandler struct{ k *Kernel }

// HandleExternalInput delegates to the userspace handler and, when a
// query reply was produced, fans it out as a ContactChange addressed to
// contact.SystemContactId — reaching every driver, including the
// originating bridge, through the ordinary HandleChange path per §4.2
// and scenario S6. A bridge's InputHandler contract is otherwise
// success/failure only; this is the sole back-channel the kernel
// provides.
func (h kernelInputHandler) HandleExternalInput(ctx context.Context, raw interface{}) error {
	in, ok := raw.(input.Input)
	if !ok {
		return errors.Newf("bridge delivered unrecognized external input payload")
	}
	reply, err := h.k.HandleExternalInput(ctx, in)
	if err != nil {
		return err
	}
	if reply != nil {
		h.k.HandleChange(replyChange(in, reply))
	}
	return nil
}

func replyChange(in input.Input, reply *input.Reply) contact.ContactChange {
	payload := map[string]interface{}{"requestId": reply.RequestId, "result": reply.Result}
	if reply.Err != nil {
		payload["error"] = reply.Err.Error()
	}
	return contact.ContactChange{
		ContactId: contact.SystemContactId,
		GroupId:   in.GroupId,
		Value:     payload,
		Timestamp: time.Now(),
	}
}

// UnregisterDriver stops a bridge's listener, issues a graceful shutdown,
// retrying with force=true on a recoverable command error, then removes
// the driver from every set.
func (k *Kernel) UnregisterDriver(ctx context.Context, id string) error {
	k.mu.Lock()
	reg, ok := k.drivers[id]
	k.mu.Unlock()
	if !ok {
		return errors.Newf("driver not registered: %s", id)
	}

	if b, ok := reg.d.(driver.Bridge); ok {
		if err := b.StopListening(ctx); err != nil {
			logging.Logger.Warnw("bridge stop-listening failed", logging.FieldDriver, id, logging.FieldError, err)
		}
	}

	k.mu.Lock()
	reg.state = StateShuttingDown
	k.mu.Unlock()

	_, err := reg.d.HandleCommand(ctx, driver.Command{Kind: driver.CommandShutdown, Force: false})
	if err != nil {
		var cmdErr *errors.CommandError
		if errors.As(err, &cmdErr) && cmdErr.CanContinue {
			if _, retryErr := reg.d.HandleCommand(ctx, driver.Command{Kind: driver.CommandShutdown, Force: true}); retryErr != nil {
				return errors.Wrapf(retryErr, "forced shutdown failed for driver %s", id)
			}
		} else {
			return errors.Wrapf(err, "shutdown failed for driver %s", id)
		}
	}

	k.mu.Lock()
	delete(k.drivers, id)
	delete(k.bridges, id)
	delete(k.storages, id)
	k.mu.Unlock()
	return nil
}

// HandleChange returns immediately, recording a pending future that runs
// the precondition/dispatch/postcondition sequence in the background.
func (k *Kernel) HandleChange(change contact.ContactChange) {
	pendingID := k.beginPending()
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer k.endPending(pendingID)
		k.dispatch(context.Background(), change)
	}()
}

func (k *Kernel) beginPending() string {
	k.pendingMu.Lock()
	defer k.pendingMu.Unlock()
	k.nextPendingID++
	id := strconv.FormatUint(k.nextPendingID, 10)
	k.pending[id] = struct{}{}
	return id
}

func (k *Kernel) endPending(id string) {
	k.pendingMu.Lock()
	defer k.pendingMu.Unlock()
	delete(k.pending, id)
}

func (k *Kernel) dispatch(ctx context.Context, change contact.ContactChange) {
	k.mu.RLock()
	storageIDs := make([]string, 0, len(k.storages))
	for id := range k.storages {
		storageIDs = append(storageIDs, id)
	}
	allDrivers := make([]*registration, 0, len(k.drivers))
	for _, reg := range k.drivers {
		allDrivers = append(allDrivers, reg)
	}
	k.mu.RUnlock()

	for _, id := range storageIDs {
		reg := k.lookup(id)
		if reg == nil {
			continue
		}
		storage, ok := reg.d.(driver.Storage)
		if !ok {
			continue
		}
		checker, ok := storage.(driver.PreconditionChecker)
		if !ok {
			continue
		}
		if err := checker.CheckPreconditions(ctx, change); err != nil {
			if k.cfg.FailFast || isFatal(err) {
				k.emitError(string(change.ContactId), err)
				return
			}
			logging.Logger.Warnw("precondition check failed", logging.FieldDriver, id, logging.FieldError, err)
		}
	}

	for _, reg := range allDrivers {
		_, err := reg.d.HandleChange(ctx, change)
		if err != nil {
			if k.cfg.FailFast || isFatal(err) {
				k.emitError(string(change.ContactId), err)
				return
			}
			logging.Logger.Warnw("driver change handling failed", logging.FieldDriver, reg.d.ID(), logging.FieldError, err)
		}
	}

	for _, id := range storageIDs {
		reg := k.lookup(id)
		if reg == nil {
			continue
		}
		storage, ok := reg.d.(driver.Storage)
		if !ok {
			continue
		}
		checker, ok := storage.(driver.PostconditionChecker)
		if !ok {
			continue
		}
		if err := checker.CheckPostconditions(ctx, change); err != nil {
			k.emitError(string(change.ContactId), err)
			return
		}
	}
}

// validateVersion rejects registration of a driver whose Version() does
// not satisfy k.cfg.RequiredDriverVersion, the way the plugin registry
// gates incompatible plugin versions before wiring them in.
func (k *Kernel) validateVersion(d driver.Driver) error {
	if k.cfg.RequiredDriverVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(k.cfg.RequiredDriverVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid driver version constraint %q", k.cfg.RequiredDriverVersion)
	}
	v, err := semver.NewVersion(d.Version())
	if err != nil {
		return errors.Wrapf(err, "driver %s has unparseable version %q", d.ID(), d.Version())
	}
	if !constraint.Check(v) {
		return errors.Newf("driver %s version %s does not satisfy constraint %q", d.ID(), d.Version(), k.cfg.RequiredDriverVersion)
	}
	return nil
}

func isFatal(err error) bool {
	var driverErr *errors.DriverError
	if errors.As(err, &driverErr) {
		return driverErr.Fatal
	}
	return false
}

func (k *Kernel) lookup(id string) *registration {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.drivers[id]
}

// HandleExternalInput delegates to the userspace handler; any rejection
// is raised as a kernel error.
func (k *Kernel) HandleExternalInput(ctx context.Context, in input.Input) (*input.Reply, error) {
	k.mu.RLock()
	handler := k.userspace
	k.mu.RUnlock()

	if handler == nil {
		return nil, errors.Newf("no userspace handler registered")
	}

	reply, err := handler(ctx, in)
	if err != nil {
		k.emitError(string(in.ContactId), err)
		return nil, err
	}
	return reply, nil
}

// HealthCheck fans out isHealthy probes; individual failures produce a
// false entry and never abort the check.
func (k *Kernel) HealthCheck(ctx context.Context) map[string]bool {
	k.mu.RLock()
	regs := make([]*registration, 0, len(k.drivers))
	for _, reg := range k.drivers {
		regs = append(regs, reg)
	}
	k.mu.RUnlock()

	result := make(map[string]bool, len(regs))
	for _, reg := range regs {
		result[reg.d.ID()] = safeIsHealthy(ctx, reg.d)
	}
	return result
}

func safeIsHealthy(ctx context.Context, d driver.Driver) (healthy bool) {
	defer func() {
		if recover() != nil {
			healthy = false
		}
	}()
	return d.IsHealthy(ctx)
}

// HasPendingWork reports whether the pending-operation set is non-empty.
func (k *Kernel) HasPendingWork() bool {
	k.pendingMu.Lock()
	defer k.pendingMu.Unlock()
	return len(k.pending) > 0
}

// WaitForCompletion awaits all pending futures.
func (k *Kernel) WaitForCompletion() {
	k.wg.Wait()
}

// Shutdown drains pending work, then unregisters every currently
// registered driver.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.WaitForCompletion()

	k.mu.RLock()
	ids := make([]string, 0, len(k.drivers))
	for id := range k.drivers {
		ids = append(ids, id)
	}
	k.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := k.UnregisterDriver(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// waitTimeout is exposed for tests that want a bounded wait instead of an
// unconditional WaitForCompletion.
func (k *Kernel) waitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
