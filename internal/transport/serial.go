package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/term"
)

// SerialPort is the real Port implementation, a thin wrapper over
// github.com/pkg/term -- the same library tinkerator-qftool opens its
// QuickFeather connection with. The underlying package has no built-in
// per-call deadline, so reads/writes run on a helper goroutine and race
// against a timer, the same shape cc2538's needACK uses for its ACK wait.
type SerialPort struct {
	settings Settings
	t        *term.Term
}

// Open establishes a serial port at settings.Baud, 8 data bits, even parity,
// 1 stop bit -- the AN3155 line configuration.
func Open(settings Settings) (*SerialPort, error) {
	t, err := term.Open(settings.PortName,
		term.Speed(settings.Baud),
		term.RawMode,
		term.ParityEven,
		term.StopBits(1),
		term.CharSize(8),
	)
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	return &SerialPort{settings: settings, t: t}, nil
}

type readResult struct {
	b   []byte
	err error
}

func (p *SerialPort) Write(b []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, err := p.t.Write(b)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return &IOError{Op: "write", Err: err}
		}
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

func (p *SerialPort) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	result := make(chan readResult, 1)
	go func() {
		buf := make([]byte, n)
		read := 0
		for read < n {
			m, err := p.t.Read(buf[read:])
			read += m
			if err != nil {
				result <- readResult{b: buf[:read], err: err}
				return
			}
		}
		result <- readResult{b: buf, err: nil}
	}()
	select {
	case r := <-result:
		if r.err != nil {
			if r.err == io.EOF {
				return r.b, &IOError{Op: "read_exact", Err: ErrClosed}
			}
			return r.b, &IOError{Op: "read_exact", Err: r.err}
		}
		return r.b, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (p *SerialPort) ReadUntilByte(b byte, timeout time.Duration) ([]byte, error) {
	result := make(chan readResult, 1)
	go func() {
		var out []byte
		one := make([]byte, 1)
		for {
			_, err := p.t.Read(one)
			if err != nil {
				result <- readResult{b: out, err: err}
				return
			}
			out = append(out, one[0])
			if one[0] == b {
				result <- readResult{b: out, err: nil}
				return
			}
		}
	}()
	select {
	case r := <-result:
		if r.err != nil {
			return r.b, &IOError{Op: "read_until_byte", Err: r.err}
		}
		return r.b, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (p *SerialPort) Drain() {
	p.t.Flush()
}

func (p *SerialPort) Reopen() error {
	if p.t != nil {
		_ = p.t.Close()
	}
	t, err := term.Open(p.settings.PortName,
		term.Speed(p.settings.Baud),
		term.RawMode,
		term.ParityEven,
		term.StopBits(1),
		term.CharSize(8),
	)
	if err != nil {
		return &IOError{Op: "reopen", Err: err}
	}
	p.t = t
	return nil
}

func (p *SerialPort) Close() error {
	if err := p.t.Close(); err != nil {
		return &IOError{Op: "close", Err: err}
	}
	return nil
}

var _ Port = (*SerialPort)(nil)

func (p *SerialPort) String() string {
	return fmt.Sprintf("%s@%d", p.settings.PortName, p.settings.Baud)
}
