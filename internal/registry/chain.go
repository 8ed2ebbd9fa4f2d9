package registry

// Chain groups errors that describe the same root cause seen from
// increasingly shallow callers. Trace is the stack of the deepest errors
// found so far.
type Chain struct {
	ID    int
	Trace StackTrace
	Found []*Error
	Heads []*Error

	mode Containment
}

func newChain(id int, e *Error, mode Containment) *Chain {
	return &Chain{
		ID:    id,
		Trace: e.Trace,
		Found: []*Error{e},
		Heads: []*Error{e},
		mode:  mode,
	}
}

// Origin is the error that created the chain.
func (c *Chain) Origin() *Error {
	return c.Found[0]
}

func (c *Chain) Depth() int {
	return c.Trace.Depth()
}

// Support is the number of errors merged into the chain.
func (c *Chain) Support() int {
	return len(c.Found)
}

// Matches reports whether one of the traces contains the other.
func (c *Chain) Matches(e *Error) bool {
	return e.Trace.IsContainedInMode(c.Trace, c.mode) || c.Trace.IsContainedInMode(e.Trace, c.mode)
}

// Add merges e into the chain and reports whether the chain got deeper.
// Callers must check Matches first.
func (c *Chain) Add(e *Error) bool {
	c.Found = append(c.Found, e)
	switch depth := e.Depth(); {
	case depth == c.Depth():
		c.Heads = append(c.Heads, e)
	case depth > c.Depth():
		c.Trace = e.Trace
		c.Heads = []*Error{e}
		return true
	}
	return false
}

// VulnerableLocation is the faulting location shared by the head errors.
func (c *Chain) VulnerableLocation() string {
	return c.Heads[0].VulnerableLocation
}

// EntryFunction is the outermost function the chain reaches.
func (c *Chain) EntryFunction() string {
	if c.Trace.Empty() {
		return ""
	}
	return c.Trace.Frames[len(c.Trace.Frames)-1].Function
}

// NumUserFunctions counts the distinct program functions on the trace.
func (c *Chain) NumUserFunctions(fns ProgramFunctionSet) int {
	seen := make(map[string]bool)
	for _, f := range c.Trace.Frames {
		if fns.Contains(f.Function) {
			seen[f.Function] = true
		}
	}
	return len(seen)
}

// FilteredTrace drops frames of functions outside the program.
func (c *Chain) FilteredTrace(fns ProgramFunctionSet) []Frame {
	var frames []Frame
	for _, f := range c.Trace.Frames {
		if fns.Contains(f.Function) {
			frames = append(frames, f)
		}
	}
	return frames
}

// ErrorFiles lists the reports of every merged error.
func (c *Chain) ErrorFiles() []string {
	files := make([]string, len(c.Found))
	for i, e := range c.Found {
		files[i] = e.ErrFile
	}
	return files
}

func (c *Chain) clone() *Chain {
	return &Chain{
		ID:    c.ID,
		Trace: c.Trace,
		Found: append([]*Error(nil), c.Found...),
		Heads: append([]*Error(nil), c.Heads...),
		mode:  c.mode,
	}
}
