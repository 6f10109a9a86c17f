// Package fleet implements the fleet driver (C8): it parses the --targets
// range syntax, iterates the target list, runs one session.Session per
// target in sequence (the bus is exclusive to one session at a time, per
// §5), and aggregates a {target: outcome} report. It continues past
// individual target failures by default, matching §4.8.
package fleet

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"zappem.net/pub/debug/xcrc32"

	"github.com/FT9R/stm32-uart-prog/internal/bootcmd"
	"github.com/FT9R/stm32-uart-prog/internal/heximage"
	"github.com/FT9R/stm32-uart-prog/internal/hooks"
	"github.com/FT9R/stm32-uart-prog/internal/session"
	"github.com/FT9R/stm32-uart-prog/internal/transport"
)

// DefaultInterTargetDelay is the bus-idle boundary the fleet driver
// enforces between targets, per §5.
const DefaultInterTargetDelay = 50 * time.Millisecond

// Options configures one fleet run, shared across every target's session.
type Options struct {
	Hooks             hooks.Hooks
	Image             *heximage.Image
	Go                bool
	BootcmdRetries    bootcmd.Retries
	Timeouts          bootcmd.Timeouts
	SessionRetries    session.Retries
	InterTargetDelay  time.Duration
	Log               *logrus.Logger
}

// Driver runs sessions over a fleet of identical targets sharing one
// serial port.
type Driver struct {
	port transport.Port
	opts Options
	log  *logrus.Entry
}

// New binds a fleet driver to an already-open port.
func New(port transport.Port, opts Options) *Driver {
	l := opts.Log
	if l == nil {
		l = logrus.StandardLogger()
	}
	if opts.InterTargetDelay == 0 {
		opts.InterTargetDelay = DefaultInterTargetDelay
	}
	return &Driver{port: port, opts: opts, log: logrus.NewEntry(l)}
}

// Outcome is one target's terminal result.
type Outcome struct {
	Target   hooks.TargetID
	State    session.State
	Err      error
	Counters session.AttemptCounters
}

// Failed reports whether the target did not reach session.Done.
func (o Outcome) Failed() bool { return o.State != session.Done }

// Report is the per-target result set a fleet run produces, in target-list
// order.
type Report struct {
	Outcomes []Outcome
}

// AnyFailed reports whether at least one target failed, driving the CLI's
// exit code 1 per §6.
func (r Report) AnyFailed() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}

// Run programs every target in order, logging a whole-image CRC32 fingerprint
// once up front (an operator sanity check the right HEX file was loaded --
// the same zappem.net/pub/debug/xcrc32 package the teacher uses to
// validate a flashed section's checksum, computed here over the input image
// instead of read-back flash). It calls hooks.ReleaseAll exactly once when
// the run finishes or is cancelled.
func (d *Driver) Run(ctx context.Context, targets []hooks.TargetID) Report {
	if crc, ok := imageCRC32(d.opts.Image); ok {
		d.log.Infof("fleet: image CRC32 0x%08x", crc)
	}

	defer func() {
		if err := d.opts.Hooks.ReleaseAll(context.Background()); err != nil {
			d.log.WithError(err).Warn("fleet: release_all failed")
		}
	}()

	var report Report
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{Target: target, State: session.Failed, Err: &session.ErrCancelled{}})
			continue
		}

		entry := d.log.WithField("target", target)
		entry.Info("fleet: starting target")

		s := session.New(d.port, session.Options{
			Target:         target,
			AllTargets:     targets,
			Hooks:          d.opts.Hooks,
			Image:          d.opts.Image,
			Go:             d.opts.Go,
			BootcmdRetries: d.opts.BootcmdRetries,
			Timeouts:       d.opts.Timeouts,
			SessionRetries: d.opts.SessionRetries,
			Log:            entry,
		})
		result := s.Run(ctx)
		report.Outcomes = append(report.Outcomes, Outcome{
			Target:   target,
			State:    result.State,
			Err:      result.Err,
			Counters: result.Counters,
		})

		if result.Err != nil {
			entry.WithError(result.Err).Warn("fleet: target failed")
		} else {
			entry.Info("fleet: target done")
		}

		if i < len(targets)-1 {
			// Bus-idle boundary: a final be_quiet refresh plus an
			// inter-target delay, per §5, before the next target starts.
			if err := d.opts.Hooks.BeQuiet(ctx, targets); err != nil {
				entry.WithError(err).Warn("fleet: bus-idle be_quiet refresh failed")
			}
			select {
			case <-ctx.Done():
			case <-time.After(d.opts.InterTargetDelay):
			}
		}
	}
	return report
}

// imageCRC32 computes a CRC32 over the image's occupied extent, padding
// holes with heximage.PadByte, or returns ok=false for an empty image.
func imageCRC32(img *heximage.Image) (crc uint32, ok bool) {
	if img == nil {
		return 0, false
	}
	lo, hi, set := img.Extent()
	if !set {
		return 0, false
	}
	buf := make([]byte, hi-lo)
	for i := range buf {
		b, present := img.Get(lo + uint32(i))
		if present {
			buf[i] = b
		} else {
			buf[i] = heximage.PadByte
		}
	}
	_, crc = xcrc32.NewCRC32(buf)
	return crc, true
}
