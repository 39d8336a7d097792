// Package driver defines the contracts every kernel-attached driver
// implements, plus the optional Bridge and Storage capability interfaces
// a driver may additionally satisfy. Capability is detected by type
// assertion against these interfaces rather than reflection, the way the
// rest of this stack declares plugin capabilities explicitly.
package driver

import (
	"context"
	"time"

	"github.com/teranos/propagator/contact"
)

// Driver is the contract every kernel-registered driver satisfies.
type Driver interface {
	ID() string
	Name() string
	Version() string

	// HandleChange delivers a ContactChange to the driver. Failures are
	// raised as *errors.DriverError, never returned as plain errors —
	// DriverResponse itself is success-only.
	HandleChange(ctx context.Context, change contact.ContactChange) (DriverResponse, error)

	// HandleCommand delivers a lifecycle or extension command.
	// Failures are raised as *errors.CommandError.
	HandleCommand(ctx context.Context, cmd Command) (CommandResponse, error)

	IsHealthy(ctx context.Context) bool
}

// StatsProvider is an optional capability: a driver that can report
// processing statistics for observability.
type StatsProvider interface {
	GetStats() Stats
}

// Bridge is the capability a driver declares when it both receives
// external input and accepts outbound changes from the kernel.
type Bridge interface {
	Driver
	SetInputHandler(fn InputHandler)
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
}

// InputHandler is the narrow interface the kernel implements and hands to
// a bridge at registration time, replacing closure-captured callbacks
// with an explicit, testable seam.
type InputHandler interface {
	HandleExternalInput(ctx context.Context, input interface{}) error
}

// Storage is the capability a driver declares when it persists network
// state and may gate changes with pre/postcondition hooks.
type Storage interface {
	Driver
	LoadGroup(ctx context.Context, groupId contact.GroupId) (*contact.GroupState, bool, error)
	Capabilities() StorageCapabilities
}

// PreconditionChecker is an optional Storage extension: invoked before a
// change is dispatched to any driver.
type PreconditionChecker interface {
	CheckPreconditions(ctx context.Context, change contact.ContactChange) error
}

// PostconditionChecker is an optional Storage extension: invoked after a
// change has been dispatched to every driver. Failures here are always
// fatal, per the error handling design.
type PostconditionChecker interface {
	CheckPostconditions(ctx context.Context, change contact.ContactChange) error
}

// TransactionalStorage is an optional Storage extension for drivers that
// support grouping a batch of changes into one commit.
type TransactionalStorage interface {
	BeginBatch(ctx context.Context) (BatchHandle, error)
}

// BatchHandle scopes a transactional batch opened by BeginBatch.
type BatchHandle interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// StorageCapabilities is the descriptor a storage driver advertises
// through Capabilities. The kernel does not read it: it picks hooks by
// the optional interfaces a driver implements and dispatches each change
// on its own.
type StorageCapabilities struct {
	SupportsBatching     bool
	SupportsTransactions bool
	SupportsStreaming    bool
	MaxBatchSize         int
	Persistent           bool
}

// DriverResponse is the success-only result of HandleChange.
type DriverResponse struct {
	Acknowledged bool
}

// CommandResponse is the success-only result of HandleCommand.
type CommandResponse struct {
	Data map[string]interface{}
}

// CommandKind names the well-known lifecycle commands every driver
// handles; bridges and storage drivers extend this set with their own
// string constants (force-poll, flush-batch, reset-circuit, ...).
type CommandKind string

const (
	CommandInitialize  CommandKind = "initialize"
	CommandShutdown    CommandKind = "shutdown"
	CommandHealthCheck CommandKind = "health-check"
)

// Command is a lifecycle or extension command delivered to HandleCommand.
type Command struct {
	Kind   CommandKind
	Force  bool
	Config map[string]interface{}
}

// Stats is the observability snapshot returned by GetStats.
type Stats struct {
	Processed     uint64
	Failed        uint64
	Pending       uint64
	LastError     error
	Uptime        time.Duration
	Custom        map[string]interface{}
}
