// Package cliobserver implements a console driver: a non-storage,
// non-bridge driver that prints every contact change and kernel error to
// the terminal with pterm, the way ats/ix's CLIEmitter renders progress.
package cliobserver

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pterm/pterm"

	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/kernel"
)

// Driver prints contact changes to the terminal. It carries no
// persistence or transport concerns — it exists purely to make the
// kernel's fan-out and asynchronous error channel visible when running
// the runtime interactively.
type Driver struct {
	id, name, version string
	verbosity         int

	processed uint64
	failed    uint64
}

// New constructs a console observer driver.
func New(id, name, version string, verbosity int) *Driver {
	return &Driver{id: id, name: name, version: version, verbosity: verbosity}
}

func (d *Driver) ID() string      { return d.id }
func (d *Driver) Name() string    { return d.name }
func (d *Driver) Version() string { return d.version }

// HandleChange prints a one-line summary of the change.
func (d *Driver) HandleChange(ctx context.Context, change contact.ContactChange) (driver.DriverResponse, error) {
	atomic.AddUint64(&d.processed, 1)
	pterm.Printf("%s %s = %v\n", pterm.LightCyan(string(change.ContactId)), pterm.Gray("<-"), change.Value)
	return driver.DriverResponse{Acknowledged: true}, nil
}

// HandleCommand handles initialize/shutdown/health-check; this driver
// has no extension commands.
func (d *Driver) HandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	switch cmd.Kind {
	case driver.CommandInitialize:
		pterm.Info.Printfln("cli observer %s attached", d.id)
		return driver.CommandResponse{}, nil
	case driver.CommandShutdown:
		return driver.CommandResponse{}, nil
	case driver.CommandHealthCheck:
		return driver.CommandResponse{Data: map[string]interface{}{"healthy": true}}, nil
	default:
		return driver.CommandResponse{}, errors.NewCommandError(d.id, true, errors.Newf("unsupported command: %s", cmd.Kind))
	}
}

// IsHealthy is always true: this driver has no external dependency to
// fail against.
func (d *Driver) IsHealthy(ctx context.Context) bool { return true }

// GetStats reports processed/failed counters.
func (d *Driver) GetStats() driver.Stats {
	return driver.Stats{
		Processed: atomic.LoadUint64(&d.processed),
		Failed:    atomic.LoadUint64(&d.failed),
	}
}

// WatchErrors drains k's asynchronous KernelError channel and prints each
// escalation until ctx is cancelled. Intended to run in its own goroutine
// alongside a registered Driver instance.
func (d *Driver) WatchErrors(ctx context.Context, k *kernel.Kernel) {
	for {
		select {
		case <-ctx.Done():
			return
		case kerr, ok := <-k.Errors():
			if !ok {
				return
			}
			atomic.AddUint64(&d.failed, 1)
			pterm.Error.Println(formatKernelError(kerr))
		}
	}
}

func formatKernelError(kerr errors.KernelError) string {
	if kerr.ContactID == "" {
		return fmt.Sprintf("kernel error: %v", kerr.Cause)
	}
	return fmt.Sprintf("kernel error on contact %s: %v", kerr.ContactID, kerr.Cause)
}

var _ driver.Driver = (*Driver)(nil)
var _ driver.StatsProvider = (*Driver)(nil)
