// Program stm32-uart-prog mass-programs STM32F4 microcontrollers on a
// shared UART bus using each device's factory ROM bootloader, matching the
// §6 CLI contract: --hexfile/--targets/--port/--baud, retry-ceiling flags,
// --no-go by default, and the fixed exit-code set (0/1/2/3/130).
//
// The bus-silencing and bootloader-entry hooks (§6) are the one thing this
// binary cannot ship a real implementation of -- they depend on the
// operator's RS-485 topology. Without --dry-run this binary refuses to run
// and says so; a real deployment links its own hooks.Hooks implementation
// into a copy of this command (see internal/hooks).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/FT9R/stm32-uart-prog/internal/bootcmd"
	"github.com/FT9R/stm32-uart-prog/internal/fleet"
	"github.com/FT9R/stm32-uart-prog/internal/hexreader"
	"github.com/FT9R/stm32-uart-prog/internal/hooks"
	"github.com/FT9R/stm32-uart-prog/internal/logx"
	"github.com/FT9R/stm32-uart-prog/internal/session"
	"github.com/FT9R/stm32-uart-prog/internal/transport"
)

// version is overridden at build time with -ldflags.
var version = "dev"

// exitError carries a specific process exit code through cobra's error
// return path, since the §6 exit codes are richer than cobra's default
// success/failure split.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) *exitError {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// targetsValue is a pflag.Value so a malformed --targets list is rejected
// at flag-parse time, before --hexfile is opened or the bus is touched --
// it is a PlanError-class argument error (§7), not a runtime one.
type targetsValue struct {
	raw     string
	parsed  []hooks.TargetID
}

var _ pflag.Value = (*targetsValue)(nil)

func (v *targetsValue) String() string { return v.raw }
func (v *targetsValue) Type() string   { return "targets" }
func (v *targetsValue) Set(s string) error {
	parsed, err := fleet.ParseTargets(s)
	if err != nil {
		return err
	}
	v.raw = s
	v.parsed = parsed
	return nil
}

type cliFlags struct {
	hexfile       string
	targets       targetsValue
	port          string
	baud          int
	goAfter       bool
	retriesCmd    int
	retriesChunk  int
	retriesSector int
	retriesErase  int
	debug         bool
	dryRun        bool
}

func newRootCmd() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:          "stm32-uart-prog",
		Short:        "Mass-program STM32F4 microcontrollers over a shared UART bus",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.hexfile, "hexfile", "", "Intel HEX image to program (required)")
	f.Var(&flags.targets, "targets", "target list, e.g. 1,3-5,8 (required)")
	f.StringVar(&flags.port, "port", "/dev/ttyUSB0", "serial port device")
	f.IntVar(&flags.baud, "baud", 115200, "serial baud rate")
	f.BoolVar(&flags.goAfter, "go", false, "jump to flash_lo after a successful program")
	// --no-go is the default and is accepted as a no-op for §6 flag-surface
	// parity; --go is what actually opts into jumping (Open Question 2).
	f.Bool("no-go", true, "do not jump to flash_lo after a successful program (default; safe)")
	f.IntVar(&flags.retriesCmd, "retries-cmd", bootcmd.DefaultRetries().Cmd, "R_cmd: low-level transport retry per command")
	f.IntVar(&flags.retriesChunk, "retries-chunk", session.DefaultRetries().Chunk, "R_chunk: write-verify retry per chunk")
	f.IntVar(&flags.retriesSector, "retries-sector", session.DefaultRetries().SectorRecover, "R_sector_recover: sector-recovery escalation ceiling")
	f.IntVar(&flags.retriesErase, "retries-erase", session.DefaultRetries().Erase, "R_erase: erase-then-check retry per sector")
	f.BoolVar(&flags.debug, "debug", false, "verbose logging")
	f.BoolVar(&flags.dryRun, "dry-run", false, "use the no-op reference hooks instead of real bus control (testing only)")

	return cmd
}

func run(ctx context.Context, flags cliFlags) error {
	log := logx.New(flags.debug)

	if flags.hexfile == "" {
		return fail(2, "stm32-uart-prog: --hexfile is required")
	}
	if len(flags.targets.parsed) == 0 {
		return fail(2, "stm32-uart-prog: --targets is required")
	}
	targets := flags.targets.parsed

	hexFile, err := os.Open(flags.hexfile)
	if err != nil {
		return fail(2, "stm32-uart-prog: %w", err)
	}
	defer hexFile.Close()

	// The flash window used to validate HEX addresses is the F4xx window;
	// the session re-derives the exact descriptor per target from GET_ID,
	// so this is only a coarse, fail-fast sanity check before any bus
	// activity (a PlanError-class error per §7).
	const flashLo, flashHi = 0x0800_0000, 0x0810_0000
	image, err := hexreader.Read(hexFile, flashLo, flashHi)
	if err != nil {
		return fail(2, "stm32-uart-prog: %w", err)
	}

	var h hooks.Hooks
	if flags.dryRun {
		h = &hooks.LoggingHooks{Log: logrus.NewEntry(log).WithField("component", "hooks")}
	} else {
		return fail(2, "stm32-uart-prog: no hooks.Hooks implementation is wired into this binary; "+
			"pass --dry-run to exercise the engine with the no-op reference hooks, or build a copy of "+
			"this command importing internal/hooks with a real bus implementation")
	}

	port, err := transport.Open(transport.Settings{PortName: flags.port, Baud: flags.baud})
	if err != nil {
		return fail(3, "stm32-uart-prog: %w", err)
	}
	defer port.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := fleet.New(port, fleet.Options{
		Hooks: h,
		Image: image,
		Go:    flags.goAfter,
		BootcmdRetries: bootcmd.Retries{
			Cmd: flags.retriesCmd,
		},
		Timeouts: bootcmd.DefaultTimeouts(),
		SessionRetries: session.Retries{
			Erase:          flags.retriesErase,
			Chunk:          flags.retriesChunk,
			SectorRecover:  flags.retriesSector,
			SessionRestart: session.DefaultRetries().SessionRestart,
		},
		InterTargetDelay: fleet.DefaultInterTargetDelay,
		Log:              log,
	})

	report := driver.Run(ctx, targets)
	printReport(log, report)

	if ctx.Err() != nil {
		return &exitError{code: 130, err: errors.New("stm32-uart-prog: cancelled")}
	}
	if report.AnyFailed() {
		return &exitError{code: 1, err: errors.New("stm32-uart-prog: one or more targets failed")}
	}
	return nil
}

// printReport prints each target's final state and, for a failed target,
// its terminal error message. Sector or chunk coordinates appear only as far
// as that message carries them (ErrSectorUnrecoverable names the sector, not
// the failing chunk); they are not reported as separate fields.
func printReport(log *logrus.Logger, report fleet.Report) {
	for _, o := range report.Outcomes {
		entry := log.WithFields(logrus.Fields{
			"target": o.Target,
			"state":  o.State.String(),
		})
		if o.Err != nil {
			entry = entry.WithField("error", o.Err.Error())
		}
		if o.Failed() {
			entry.Error("report: target failed")
		} else {
			entry.Info("report: target done")
		}
	}
}

func main() {
	cmd := newRootCmd()
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		os.Exit(0)
	}

	var xerr *exitError
	if errors.As(err, &xerr) {
		fmt.Fprintln(os.Stderr, xerr.Error())
		os.Exit(xerr.code)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(2)
}
