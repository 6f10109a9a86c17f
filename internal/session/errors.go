package session

import "fmt"

// ErrSectorUnrecoverable is fatal for the target: the sector-recovery
// ceiling was exhausted.
type ErrSectorUnrecoverable struct {
	Sector int
}

func (e *ErrSectorUnrecoverable) Error() string {
	return fmt.Sprintf("session: sector %d unrecoverable after sector-recovery retries exhausted", e.Sector)
}

// ErrEraseCheckFailed means a sector, after an erase command succeeded, did
// not read back as all-0xFF.
type ErrEraseCheckFailed struct {
	Sector int
}

func (e *ErrEraseCheckFailed) Error() string {
	return fmt.Sprintf("session: sector %d failed erase verification (not all 0xFF)", e.Sector)
}

// ErrVerifyMismatch means a written chunk did not read back identical to
// what was written.
type ErrVerifyMismatch struct {
	SectorIndex int
	PageIndex   int
	Address     uint32
}

func (e *ErrVerifyMismatch) Error() string {
	return fmt.Sprintf("session: verify mismatch at 0x%08x (sector %d, page %d)", e.Address, e.SectorIndex, e.PageIndex)
}

// ErrCancelled means the cancellation context was done between commands or
// chunks.
type ErrCancelled struct{}

func (e *ErrCancelled) Error() string { return "session: cancelled" }

// ErrSessionRestartsExhausted is fatal: repeated ProtocolError after
// transport reopen exhausted the per-target session-restart ceiling.
type ErrSessionRestartsExhausted struct {
	Target any
}

func (e *ErrSessionRestartsExhausted) Error() string {
	return fmt.Sprintf("session: target %v exhausted session-restart ceiling", e.Target)
}
