// Package hooks defines the application-context hook interface (§6): the
// entire, deliberately narrow boundary between the generic bootloader
// session engine and a user's bus topology. The core never decides *how*
// bus silencing or bootloader entry works -- it only calls these three
// methods and reacts to their errors.
package hooks

import (
	"context"

	"github.com/sirupsen/logrus"
)

// TargetID is the opaque, application-level identifier the hooks interpret
// (e.g. a bus address). The core treats it as an uninterpreted value.
type TargetID uint16

// Hooks is the user-must-supply-this contract. Implementations are provided
// by the application wiring the core to its specific bus, not by this
// module.
type Hooks interface {
	// BeQuiet must guarantee that every target in targets, other than the
	// one about to be placed in bootloader mode, will not transmit on the
	// bus. Called once per session, at session start, and again by the
	// fleet driver between targets as a bus-idle refresh.
	BeQuiet(ctx context.Context, targets []TargetID) error

	// EnterBootloader must force target into ROM bootloader mode and
	// guarantee it alone will respond on the bus.
	EnterBootloader(ctx context.Context, target TargetID) error

	// ReleaseAll must undo BeQuiet/EnterBootloader for every target. Called
	// once by the fleet driver when the run finishes or aborts.
	ReleaseAll(ctx context.Context) error
}

// ErrHook wraps a hook failure, always fatal for the target session that
// observed it.
type ErrHook struct {
	Stage string // "be_quiet", "enter_bootloader", or "release_all"
	Err   error
}

func (e *ErrHook) Error() string { return "hooks: " + e.Stage + ": " + e.Err.Error() }
func (e *ErrHook) Unwrap() error { return e.Err }

// LoggingHooks is a reference implementation for dry runs and tests only --
// it performs no real bus control and must not be used against real
// hardware. It exists so the session engine and fleet driver can be
// exercised end to end without a real bus topology.
type LoggingHooks struct {
	Log *logrus.Entry
}

func (h *LoggingHooks) entry() *logrus.Entry {
	if h.Log != nil {
		return h.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (h *LoggingHooks) BeQuiet(ctx context.Context, targets []TargetID) error {
	h.entry().WithField("targets", targets).Debug("hooks: be_quiet (no-op reference implementation)")
	return nil
}

func (h *LoggingHooks) EnterBootloader(ctx context.Context, target TargetID) error {
	h.entry().WithField("target", target).Debug("hooks: enter_bootloader (no-op reference implementation)")
	return nil
}

func (h *LoggingHooks) ReleaseAll(ctx context.Context) error {
	h.entry().Debug("hooks: release_all (no-op reference implementation)")
	return nil
}

var _ Hooks = (*LoggingHooks)(nil)
