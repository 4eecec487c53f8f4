// Package tdd translates the array-wide frame plan into per-role device
// schedules and describes the TDD configuration pushed to each radio.
package tdd

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidScheduleSymbol = errors.New("invalid schedule symbol")
	ErrInvalidRole           = errors.New("invalid array role")
)

// Symbol is one slot of the global frame plan.
type Symbol byte

const (
	Beacon   Symbol = 'B'
	Pilot    Symbol = 'P'
	Uplink   Symbol = 'U'
	Downlink Symbol = 'D'
	Guard    Symbol = 'G'
)

// FrameSchedule is the role-agnostic frame plan, one Symbol per character,
// e.g. "BGPPUUDD".
type FrameSchedule string

// Validate reports the first character that is not a known Symbol.
func (s FrameSchedule) Validate() error {
	for i := 0; i < len(s); i++ {
		switch Symbol(s[i]) {
		case Beacon, Pilot, Uplink, Downlink, Guard:
		default:
			return fmt.Errorf("%w: %q at position %d", ErrInvalidScheduleSymbol, s[i], i)
		}
	}
	return nil
}

// Role selects which side of the link an array plays.
type Role int

const (
	Base Role = iota
	Client
)

func (r Role) String() string {
	switch r {
	case Base:
		return "base"
	case Client:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// LocalOp is what a radio does during one symbol.
type LocalOp int

const (
	Guarded LocalOp = iota
	Transmit
	Receive
)

func (o LocalOp) String() string {
	switch o {
	case Transmit:
		return "Transmit"
	case Receive:
		return "Receive"
	default:
		return "Guard"
	}
}

// LocalSchedule is derived from a FrameSchedule for one role. It is rebuilt
// with Translate whenever the plan or the role changes.
type LocalSchedule struct {
	Role Role
	Ops  []LocalOp
	// pilot marks transmit slots that carry the pilot/beacon waveform.
	pilot []bool
}

// String renders the schedule in the device frame alphabet: P for a pilot
// transmit, T for a data transmit, R for receive and G for guard.
func (l LocalSchedule) String() string {
	var b strings.Builder
	b.Grow(len(l.Ops))
	for i, op := range l.Ops {
		switch {
		case op == Transmit && l.pilot[i]:
			b.WriteByte('P')
		case op == Transmit:
			b.WriteByte('T')
		case op == Receive:
			b.WriteByte('R')
		default:
			b.WriteByte('G')
		}
	}
	return b.String()
}

// IsPilot reports whether slot i transmits the pilot waveform.
func (l LocalSchedule) IsPilot(i int) bool {
	return i >= 0 && i < len(l.pilot) && l.pilot[i]
}

type slot struct {
	op    LocalOp
	pilot bool
}

var translation = map[Role]map[Symbol]slot{
	Base: {
		Beacon:   {Transmit, true},
		Pilot:    {Receive, false},
		Uplink:   {Receive, false},
		Downlink: {Transmit, false},
		Guard:    {Guarded, false},
	},
	Client: {
		Beacon:   {Guarded, false},
		Pilot:    {Transmit, true},
		Uplink:   {Transmit, false},
		Downlink: {Receive, false},
		Guard:    {Guarded, false},
	},
}

// Translate maps every symbol of schedule to the local operation of role.
func Translate(schedule FrameSchedule, role Role) (LocalSchedule, error) {
	table, ok := translation[role]
	if !ok {
		return LocalSchedule{}, fmt.Errorf("%w: %v", ErrInvalidRole, role)
	}
	out := LocalSchedule{
		Role:  role,
		Ops:   make([]LocalOp, len(schedule)),
		pilot: make([]bool, len(schedule)),
	}
	for i := 0; i < len(schedule); i++ {
		s, ok := table[Symbol(schedule[i])]
		if !ok {
			return LocalSchedule{}, fmt.Errorf("%w: %q at position %d", ErrInvalidScheduleSymbol, schedule[i], i)
		}
		out.Ops[i] = s.op
		out.pilot[i] = s.pilot
	}
	return out, nil
}

// TranslateAll translates several frames for the same role and returns their
// device strings.
func TranslateAll(frames []FrameSchedule, role Role) ([]string, error) {
	out := make([]string, len(frames))
	for i, f := range frames {
		local, err := Translate(f, role)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out[i] = local.String()
	}
	return out, nil
}
