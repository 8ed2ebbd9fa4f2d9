package registry

import (
	"fmt"
	"strings"
)

// Frame is one entry of a stack trace.
type Frame struct {
	Function string `json:"function"`
	Location string `json:"location"`
}

func (f Frame) String() string {
	return f.Function + "@" + f.Location
}

// Containment selects the length comparison used by IsContainedIn.
type Containment int

const (
	// ContainmentStrict requires the contained trace to be shorter.
	ContainmentStrict Containment = iota
	// ContainmentInclusive also treats equal traces as contained.
	ContainmentInclusive
)

func (c Containment) String() string {
	if c == ContainmentInclusive {
		return "inclusive"
	}
	return "strict"
}

// ParseContainment accepts "strict" and "inclusive".
func ParseContainment(s string) (Containment, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return ContainmentStrict, nil
	case "inclusive":
		return ContainmentInclusive, nil
	}
	return ContainmentStrict, fmt.Errorf("unknown containment mode %q", s)
}

// StackTrace lists frames from the faulting function outwards. It ends with
// the frame of its entry function, or holds the whole stack if the entry
// function never appears in it.
type StackTrace struct {
	Frames        []Frame `json:"frames"`
	EntryFunction string  `json:"entry_function"`
}

// NewStackTrace truncates frames after the first frame of entry.
func NewStackTrace(frames []Frame, entry string) StackTrace {
	end := len(frames)
	for i, f := range frames {
		if f.Function == entry {
			end = i + 1
			break
		}
	}
	return StackTrace{
		Frames:        append([]Frame(nil), frames[:end]...),
		EntryFunction: entry,
	}
}

func (s StackTrace) Depth() int {
	return len(s.Frames)
}

func (s StackTrace) Empty() bool {
	return len(s.Frames) == 0
}

// Head is the deepest frame.
func (s StackTrace) Head() (Frame, bool) {
	if len(s.Frames) == 0 {
		return Frame{}, false
	}
	return s.Frames[0], true
}

func (s StackTrace) Equal(other StackTrace) bool {
	if len(s.Frames) != len(other.Frames) {
		return false
	}
	for i := range s.Frames {
		if s.Frames[i] != other.Frames[i] {
			return false
		}
	}
	return true
}

// IsContainedIn reports whether s is a proper prefix of other.
func (s StackTrace) IsContainedIn(other StackTrace) bool {
	return s.IsContainedInMode(other, ContainmentStrict)
}

func (s StackTrace) IsContainedInMode(other StackTrace, mode Containment) bool {
	if len(s.Frames) > len(other.Frames) {
		return false
	}
	if len(s.Frames) == len(other.Frames) && mode == ContainmentStrict {
		return false
	}
	for i := range s.Frames {
		if s.Frames[i] != other.Frames[i] {
			return false
		}
	}
	return true
}

// Prepend returns the trace obtained by replacing the frame of s that calls
// other's entry function, and everything below it, with the frames of other.
// If s never calls other's entry function only other's frames remain.
func (s StackTrace) Prepend(other StackTrace) StackTrace {
	callPos := len(s.Frames)
	for i, f := range s.Frames {
		if f.Function == other.EntryFunction {
			callPos = i
			break
		}
	}

	frames := make([]Frame, 0, len(other.Frames)+len(s.Frames))
	frames = append(frames, other.Frames...)
	if callPos+1 < len(s.Frames) {
		frames = append(frames, s.Frames[callPos+1:]...)
	}
	return StackTrace{Frames: frames, EntryFunction: s.EntryFunction}
}

// Functions returns the function names from the deepest frame outwards.
func (s StackTrace) Functions() []string {
	names := make([]string, len(s.Frames))
	for i, f := range s.Frames {
		names[i] = f.Function
	}
	return names
}

func (s StackTrace) String() string {
	parts := make([]string, len(s.Frames))
	for i, f := range s.Frames {
		parts[i] = f.String()
	}
	return "[" + strings.Join(parts, " <- ") + "]"
}

// ProgramFunctionSet holds the functions defined by the analyzed program, as
// opposed to library or runtime functions showing up in stack traces.
type ProgramFunctionSet struct {
	names map[string]bool
}

func NewProgramFunctionSet(names ...string) ProgramFunctionSet {
	set := ProgramFunctionSet{names: make(map[string]bool, len(names))}
	for _, n := range names {
		set.names[n] = true
	}
	return set
}

// Contains reports whether name is a program function. An empty set
// contains every name.
func (p ProgramFunctionSet) Contains(name string) bool {
	if len(p.names) == 0 {
		return true
	}
	return p.names[name]
}

func (p ProgramFunctionSet) Len() int {
	return len(p.names)
}
