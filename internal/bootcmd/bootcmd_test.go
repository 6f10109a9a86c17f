package bootcmd

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FT9R/stm32-uart-prog/internal/frame"
	"github.com/FT9R/stm32-uart-prog/internal/transport"
)

// syncNACKPort answers the first single-byte write (the sync byte) with a
// NACK and every subsequent one with an ACK, counting how many times Write
// was called so the test can assert the sync byte was sent only once.
type syncNACKPort struct {
	writeCount int
	nacked     bool
}

func (p *syncNACKPort) Write(b []byte, _ time.Duration) error {
	p.writeCount++
	return nil
}

func (p *syncNACKPort) ReadExact(n int, _ time.Duration) ([]byte, error) {
	if n == 1 {
		if !p.nacked {
			p.nacked = true
			return []byte{frame.NACK}, nil
		}
		return []byte{frame.ACK}, nil
	}
	return nil, transport.ErrTimeout
}

func (p *syncNACKPort) ReadUntilByte(b byte, _ time.Duration) ([]byte, error) {
	return nil, transport.ErrTimeout
}

func (p *syncNACKPort) Drain()        {}
func (p *syncNACKPort) Reopen() error { return nil }
func (p *syncNACKPort) Close() error  { return nil }

var _ transport.Port = (*syncNACKPort)(nil)

func quietEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// A NACK on sync must not be retried: §4.3 says the sync byte is emitted
// exactly once per session, and a NACK is reported to the caller as-is.
func TestSyncNACKNotRetried(t *testing.T) {
	port := &syncNACKPort{}
	d := NewDevice(port, DefaultTimeouts(), DefaultRetries(), quietEntry())

	err := d.Sync(context.Background())
	require.Error(t, err)
	var nack *ErrSyncNACK
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, 1, port.writeCount)
}
