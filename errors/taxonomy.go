package errors

import "fmt"

// DriverError is raised by a driver while handling a ContactChange or a
// lifecycle command's change-handling path. Fatal errors — or any error
// when the kernel runs with failFast — escalate to a KernelError and abort
// the current change dispatch; non-fatal errors are logged and dispatch
// continues to the remaining drivers.
type DriverError struct {
	DriverID string
	Fatal    bool
	Cause    error
}

func NewDriverError(driverID string, fatal bool, cause error) *DriverError {
	return &DriverError{DriverID: driverID, Fatal: fatal, Cause: cause}
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %v", e.DriverID, e.Cause)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// CommandError is raised by a driver's DriverCommand handling (initialize,
// shutdown, health-check, or a bridge/storage extension command).
// CanContinue signals whether the kernel may retry or proceed past this
// failure; a continuable shutdown error triggers a forced retry, and a
// non-continuable one aborts the unregister.
type CommandError struct {
	DriverID    string
	CanContinue bool
	Cause       error
}

func NewCommandError(driverID string, canContinue bool, cause error) *CommandError {
	return &CommandError{DriverID: driverID, CanContinue: canContinue, Cause: cause}
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("driver %s command: %v", e.DriverID, e.Cause)
}

func (e *CommandError) Unwrap() error { return e.Cause }

// KernelError is the runtime's escalation envelope: it wraps whatever
// DriverError, CommandError, or external-input rejection caused the
// kernel to abort a dispatch, plus the ID of the contact change (if any)
// being processed when the escalation happened.
type KernelError struct {
	ContactID string
	Cause     error
}

func NewKernelError(contactID string, cause error) *KernelError {
	return &KernelError{ContactID: contactID, Cause: cause}
}

func (e *KernelError) Error() string {
	if e.ContactID == "" {
		return fmt.Sprintf("kernel: %v", e.Cause)
	}
	return fmt.Sprintf("kernel: contact %s: %v", e.ContactID, e.Cause)
}

func (e *KernelError) Unwrap() error { return e.Cause }
