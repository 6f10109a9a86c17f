package session

import "fmt"

// State is one of the session's lifecycle states (§3).
type State int

const (
	Idle State = iota
	Silenced
	BootloaderEntered
	Handshaked
	Identified
	Erasing
	Writing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Silenced:
		return "Silenced"
	case BootloaderEntered:
		return "BootloaderEntered"
	case Handshaked:
		return "Handshaked"
	case Identified:
		return "Identified"
	case Erasing:
		return "Erasing"
	case Writing:
		return "Writing"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AttemptCounters records per-sector and per-chunk retry counts, exposed so
// tests can assert exact counts against the scenario tables in spec §8.
type AttemptCounters struct {
	// EraseAttempts[sector] is the number of erase attempts made for that
	// sector across the whole session, including recovery re-erases. One
	// attempt may resend the ERASE/EXTENDED_ERASE command under R_cmd.
	EraseAttempts map[int]int

	// WriteAttempts[address] is the number of write attempts made for the
	// chunk at that address, including recovery rewrites. One attempt may
	// resend the WRITE_MEMORY command under R_cmd.
	WriteAttempts map[uint32]int

	// SectorRecoveries[sector] counts how many times that sector was
	// escalated to full recovery (re-erase + rewrite from its first chunk).
	SectorRecoveries map[int]int

	// SessionRestarts counts how many times this session restarted from
	// BootloaderEntered after repeated ProtocolError.
	SessionRestarts int

	// Reopens counts successful transport.Reopen calls.
	Reopens int
}

func newAttemptCounters() AttemptCounters {
	return AttemptCounters{
		EraseAttempts:    make(map[int]int),
		WriteAttempts:    make(map[uint32]int),
		SectorRecoveries: make(map[int]int),
	}
}

// Result is the outcome of one session.Run call.
type Result struct {
	State     State
	Err       error
	Counters  AttemptCounters
	FailedAt  struct {
		Sector int
		Chunk  uint32
	}
}
