package fleet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/FT9R/stm32-uart-prog/internal/hooks"
)

// ErrInvalidTargets is a PlanError-class argument error: malformed
// --targets syntax, caught before any bus activity (exit code 2 at the CLI
// layer).
type ErrInvalidTargets struct {
	Input string
	Msg   string
}

func (e *ErrInvalidTargets) Error() string {
	return fmt.Sprintf("fleet: invalid --targets %q: %s", e.Input, e.Msg)
}

// ParseTargets parses the §6 --targets syntax: comma-separated singles and
// inclusive ranges, e.g. "1,3-5,8". Duplicates are rejected. The result
// preserves first-seen order (not sorted), since operators may have a
// reason to program in a particular order.
func ParseTargets(spec string) ([]hooks.TargetID, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, &ErrInvalidTargets{Input: spec, Msg: "empty target list"}
	}

	seen := make(map[hooks.TargetID]bool)
	var out []hooks.TargetID

	add := func(id hooks.TargetID) error {
		if seen[id] {
			return &ErrInvalidTargets{Input: spec, Msg: fmt.Sprintf("duplicate target %d", id)}
		}
		seen[id] = true
		out = append(out, id)
		return nil
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &ErrInvalidTargets{Input: spec, Msg: "empty element in list"}
		}
		if dash := strings.IndexByte(part, '-'); dash > 0 {
			loStr, hiStr := part[:dash], part[dash+1:]
			lo, err := strconv.ParseUint(loStr, 10, 16)
			if err != nil {
				return nil, &ErrInvalidTargets{Input: spec, Msg: fmt.Sprintf("bad range start %q", loStr)}
			}
			hi, err := strconv.ParseUint(hiStr, 10, 16)
			if err != nil {
				return nil, &ErrInvalidTargets{Input: spec, Msg: fmt.Sprintf("bad range end %q", hiStr)}
			}
			if hi < lo {
				return nil, &ErrInvalidTargets{Input: spec, Msg: fmt.Sprintf("range %d-%d is reversed", lo, hi)}
			}
			for v := lo; v <= hi; v++ {
				if err := add(hooks.TargetID(v)); err != nil {
					return nil, err
				}
			}
			continue
		}
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, &ErrInvalidTargets{Input: spec, Msg: fmt.Sprintf("bad target %q", part)}
		}
		if err := add(hooks.TargetID(v)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
