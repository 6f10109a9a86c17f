package fleet

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FT9R/stm32-uart-prog/internal/bootcmd"
	"github.com/FT9R/stm32-uart-prog/internal/heximage"
	"github.com/FT9R/stm32-uart-prog/internal/hooks"
	"github.com/FT9R/stm32-uart-prog/internal/session"
	"github.com/FT9R/stm32-uart-prog/internal/simulator"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func oneChunkImage(t *testing.T) *heximage.Image {
	t.Helper()
	b := heximage.NewBuilder()
	for i := 0; i < 256; i++ {
		require.NoError(t, b.Set(0x0800_0000+uint32(i), 0xAA))
	}
	return b.Build()
}

func TestDriverRunAggregatesSuccess(t *testing.T) {
	bl := simulator.New(0x413, true, 256)
	img := oneChunkImage(t)

	d := New(bl, Options{
		Hooks:            &hooks.LoggingHooks{},
		Image:            img,
		BootcmdRetries:   bootcmd.DefaultRetries(),
		Timeouts:         bootcmd.DefaultTimeouts(),
		SessionRetries:   session.DefaultRetries(),
		InterTargetDelay: 0,
		Log:              quietLogger(),
	})

	report := d.Run(context.Background(), []hooks.TargetID{1})
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, session.Done, report.Outcomes[0].State)
	assert.False(t, report.AnyFailed())
}

func TestDriverRunContinuesPastFailure(t *testing.T) {
	img := oneChunkImage(t)

	// The fleet driver only ever holds one port, so both targets are
	// answered by the same simulated bootloader, which reports an
	// unsupported PID. The first target's failure must not stop the run:
	// the second target is still attempted and reported, and fails the
	// same way.
	failing := simulator.New(0x999, true, 256)
	d := New(failing, Options{
		Hooks:            &hooks.LoggingHooks{},
		Image:            img,
		BootcmdRetries:   bootcmd.DefaultRetries(),
		Timeouts:         bootcmd.DefaultTimeouts(),
		SessionRetries:   session.DefaultRetries(),
		InterTargetDelay: 0,
		Log:              quietLogger(),
	})
	report := d.Run(context.Background(), []hooks.TargetID{1, 2})
	require.Len(t, report.Outcomes, 2)
	assert.True(t, report.Outcomes[0].Failed())
	assert.True(t, report.Outcomes[1].Failed())
	assert.True(t, report.AnyFailed())
}

func TestDriverRunCancellation(t *testing.T) {
	bl := simulator.New(0x413, true, 256)
	img := oneChunkImage(t)

	d := New(bl, Options{
		Hooks:            &hooks.LoggingHooks{},
		Image:            img,
		BootcmdRetries:   bootcmd.DefaultRetries(),
		Timeouts:         bootcmd.DefaultTimeouts(),
		SessionRetries:   session.DefaultRetries(),
		InterTargetDelay: 0,
		Log:              quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := d.Run(ctx, []hooks.TargetID{1, 2, 3})
	require.Len(t, report.Outcomes, 3)
	for _, o := range report.Outcomes {
		assert.True(t, o.Failed())
	}
}
