package registry

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeErr writes a KLEE style error report. An empty location omits the
// File:/line: lines.
func writeErr(t *testing.T, dir, name, reason, file string, line int, frames ...Frame) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))

	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", reason)
	if file != "" {
		fmt.Fprintf(&b, "File: %s\nline: %d\n", file, line)
	}
	b.WriteString("assembly.ll line: 42\nStack: \n")
	for i, f := range frames {
		fmt.Fprintf(&b, "\t#%d00000%02d in %s (n=0) at %s\n", i, 10+i, f.Function, f.Location)
	}
	b.WriteString("Info: \n\taddress: 0\n")

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

var dump = spew.ConfigState{Indent: " ", DisablePointerAddresses: true, DisableCapacities: true, SortKeys: true}

func frame(fn, loc string) Frame {
	return Frame{Function: fn, Location: loc}
}

func TestNewStackTraceTruncatesAtEntry(t *testing.T) {
	frames := []Frame{frame("c4", "a.c:1"), frame("c3", "a.c:2"), frame("main", "a.c:3")}

	st := NewStackTrace(frames, "c3")
	assert.Equal(t, []Frame{frame("c4", "a.c:1"), frame("c3", "a.c:2")}, st.Frames)

	whole := NewStackTrace(frames, "unrelated")
	assert.Equal(t, 3, whole.Depth())
}

func TestContainment(t *testing.T) {
	a := StackTrace{Frames: []Frame{frame("c4", "l1")}}
	b := StackTrace{Frames: []Frame{frame("c4", "l1"), frame("c3", "l2")}}
	c := StackTrace{Frames: []Frame{frame("c4", "l9"), frame("c3", "l2")}}

	assert.True(t, a.IsContainedIn(b))
	assert.False(t, b.IsContainedIn(a))
	assert.False(t, a.IsContainedIn(c))
	assert.False(t, b.IsContainedIn(b))
	assert.True(t, b.IsContainedInMode(b, ContainmentInclusive))
	assert.True(t, a.IsContainedInMode(b, ContainmentInclusive))
	assert.False(t, c.IsContainedInMode(b, ContainmentInclusive))
}

func randomTrace(r *rand.Rand) StackTrace {
	n := r.Intn(5)
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = frame(fmt.Sprintf("f%d", r.Intn(3)), fmt.Sprintf("l%d", r.Intn(2)))
	}
	return StackTrace{Frames: frames}
}

func TestContainmentIsStrictPartialOrder(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		a, b := randomTrace(r), randomTrace(r)
		require.False(t, a.IsContainedIn(a), spew.Sdump(a))

		if a.Depth() < b.Depth() {
			prefix := StackTrace{Frames: b.Frames[:a.Depth()]}
			require.Equal(t, a.Equal(prefix), a.IsContainedIn(b), spew.Sdump(a, b))
		}
		if a.IsContainedIn(b) {
			require.False(t, b.IsContainedIn(a), spew.Sdump(a, b))
		}
	}
}

func TestPrepend(t *testing.T) {
	seed := NewStackTrace([]Frame{frame("c4", "chain.c:4")}, "c4")
	found := NewStackTrace([]Frame{frame("c4", "chain.c:40"), frame("c3", "chain.c:9")}, "c3")

	got := found.Prepend(seed)
	want := StackTrace{
		Frames:        []Frame{frame("c4", "chain.c:4"), frame("c3", "chain.c:9")},
		EntryFunction: "c3",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("prepend mismatch (-want +got):\n%s", diff)
	}
	// the receiver is left alone
	assert.Equal(t, "chain.c:40", found.Frames[0].Location)

	deep := NewStackTrace([]Frame{frame("strlen", "libc.c:1"), frame("c3", "chain.c:5"), frame("c2", "chain.c:8")}, "c3")
	callsDeep := NewStackTrace([]Frame{frame("c3", "chain.c:77"), frame("c2", "chain.c:8")}, "c2")
	assert.Equal(t,
		[]Frame{frame("strlen", "libc.c:1"), frame("c3", "chain.c:5"), frame("c2", "chain.c:8")},
		callsDeep.Prepend(deep).Frames)
}

func TestParseErrorFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "klee-out-1")
	path := writeErr(t, dir, "test000001.ptr.err", "memory error: out of bound pointer", "/src/chain.c", 12,
		frame("__macke_error_c4", "macke.c:1"),
		frame("c4", "/src/chain.c:12"),
		frame("c3", "/src/chain.c:20"),
		frame("main", "/src/chain.c:30"))

	e, err := ParseErrorFile(path, "c3.1234", NewProgramFunctionSet("c3", "c4", "main"))
	require.NoError(t, err)

	assert.Equal(t, "c3", e.EntryFunction)
	assert.Equal(t, "memory error: out of bound pointer", e.Reason)
	assert.Equal(t, "/src/chain.c:12", e.VulnerableLocation)
	assert.Equal(t, "c4", e.VulnerableFunction)
	assert.Equal(t, filepath.Join(dir, "test000001.ktest"), e.KTestFile)
	assert.Equal(t, []string{"c4", "c3"}, e.Trace.Functions())
	assert.False(t, e.IsPropagated())
}

func TestParseErrorFileWithoutLocation(t *testing.T) {
	dir := t.TempDir()
	path := writeErr(t, dir, "test000002.assert.err", "ASSERTION FAIL: x != 3", "", 0,
		frame("f", "f.c:3"))

	e, err := ParseErrorFile(path, "f", ProgramFunctionSet{})
	require.NoError(t, err)
	assert.Empty(t, e.VulnerableLocation)
	assert.Equal(t, 1, e.Depth())
}

func TestParseErrorFileMalformed(t *testing.T) {
	dir := t.TempDir()

	noReason := filepath.Join(dir, "test000001.ptr.err")
	require.NoError(t, os.WriteFile(noReason, []byte("garbage\n"), 0644))
	_, err := ParseErrorFile(noReason, "f", ProgramFunctionSet{})
	assert.ErrorIs(t, err, ErrMalformedArtifact)

	badLine := filepath.Join(dir, "test000002.ptr.err")
	require.NoError(t, os.WriteFile(badLine, []byte("Error: x\nFile: a.c\nline: abc\n"), 0644))
	_, err = ParseErrorFile(badLine, "f", ProgramFunctionSet{})
	assert.ErrorIs(t, err, ErrMalformedArtifact)

	shortFrame := filepath.Join(dir, "test000003.ptr.err")
	require.NoError(t, os.WriteFile(shortFrame, []byte("Error: x\nStack:\n\t#0 in\nInfo:\n"), 0644))
	_, err = ParseErrorFile(shortFrame, "f", ProgramFunctionSet{})
	assert.ErrorIs(t, err, ErrMalformedArtifact)

	_, err = ParseErrorFile(filepath.Join(dir, "noext"), "f", ProgramFunctionSet{})
	assert.ErrorIs(t, err, ErrMalformedArtifact)
}

func TestParsePropagatedError(t *testing.T) {
	dir := t.TempDir()
	path := writeErr(t, dir, "test000001.macke.err", "ERROR FROM /runs/klee-out-1/test000001.ptr.err", "", 0,
		frame("c4", "chain.c:50"), frame("c3", "chain.c:20"))

	e, err := ParseErrorFile(path, "c3", ProgramFunctionSet{})
	require.NoError(t, err)
	assert.True(t, e.IsPropagated())
	assert.Equal(t, "/runs/klee-out-1/test000001.ptr.err", e.SeedFile)
	assert.Equal(t, filepath.Join(dir, "test000001.ktest"), e.KTestFile)
}

func TestChainMonotonicity(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	base := []Frame{frame("a", "1"), frame("b", "2"), frame("c", "3"), frame("d", "4"), frame("e", "5")}

	for round := 0; round < 100; round++ {
		first := &Error{ErrFile: "e0", Trace: StackTrace{Frames: base[:1+r.Intn(2)]}}
		c := newChain(0, first, ContainmentStrict)

		for i := 1; i < 20; i++ {
			e := &Error{ErrFile: fmt.Sprintf("e%d", i), Trace: StackTrace{Frames: base[:1+r.Intn(len(base))]}}
			before := c.Depth()
			if !c.Matches(e) {
				continue
			}
			grew := c.Add(e)

			require.GreaterOrEqual(t, c.Depth(), before)
			require.Equal(t, grew, c.Depth() > before)
			for _, h := range c.Heads {
				require.Equal(t, c.Depth(), h.Depth(), spew.Sdump(c))
			}
		}
	}
}

// phaseTwo simulates a prepended run of caller that reaches the errors of
// seed through the call at callSite.
func phaseTwo(t *testing.T, r *Registry, dir string, seed *Error, caller, callSite string) *Error {
	t.Helper()
	path := writeErr(t, dir, "test000001.macke.err", "ERROR FROM "+seed.ErrFile, "", 0,
		frame("__macke_error_"+seed.EntryFunction, "macke.c:1"),
		frame(seed.EntryFunction, "prepended.c:1"),
		frame(caller, callSite))
	e, err := r.RegisterFile(path, caller)
	require.NoError(t, err)
	return e
}

func TestScenarioLinearChain(t *testing.T) {
	root := t.TempDir()
	r := New(Options{Functions: NewProgramFunctionSet("c1", "c2", "c3", "c4")})

	e4, err := r.RegisterFile(writeErr(t, filepath.Join(root, "klee-out-4"), "test000001.ptr.err",
		"memory error: out of bound pointer", "chain.c", 4, frame("c4", "chain.c:4")), "c4")
	require.NoError(t, err)
	assert.Len(t, r.ErrorsFor("c4"), 1)

	e3 := phaseTwo(t, r, filepath.Join(root, "klee-out-5"), e4, "c3", "chain.c:9")
	e2 := phaseTwo(t, r, filepath.Join(root, "klee-out-6"), e3, "c2", "chain.c:14")
	phaseTwo(t, r, filepath.Join(root, "klee-out-7"), e2, "c1", "chain.c:19")

	chains := r.Chains()
	require.Len(t, chains, 1)
	c := chains[0]
	assert.Equal(t, 4, c.Depth())
	assert.Equal(t, []string{"c4", "c3", "c2", "c1"}, c.Trace.Functions())
	assert.Equal(t, "chain.c:4", c.VulnerableLocation())
	assert.Equal(t, 4, c.Support())

	var entries []string
	for _, e := range c.Found {
		entries = append(entries, e.EntryFunction)
		assert.Equal(t, "chain.c:4", e.VulnerableLocation)
	}
	assert.Equal(t, []string{"c4", "c3", "c2", "c1"}, entries)

	assert.Equal(t, 3, r.PropagatedCount())
	assert.Len(t, r.PropagatedFrom(e4.ErrFile), 1)
	assert.Equal(t, ChainStats{Count: 1, LongerThanOne: 1, MinLength: 4, MaxLength: 4, AvgLength: 4}, r.Stats())
}

func TestScenarioDiamond(t *testing.T) {
	root := t.TempDir()
	r := New(Options{})

	eb, err := r.RegisterFile(writeErr(t, filepath.Join(root, "klee-out-1"), "test000001.div.err",
		"divide by zero", "d.c", 3, frame("bottom", "d.c:3")), "bottom")
	require.NoError(t, err)

	// first batch: both callers of bottom
	el := phaseTwo(t, r, filepath.Join(root, "klee-out-2"), eb, "left", "d.c:10")
	er := phaseTwo(t, r, filepath.Join(root, "klee-out-3"), eb, "right", "d.c:20")

	assert.Equal(t, []string{eb.ErrFile}, r.ToPrependInPhaseTwo("left", "bottom", false))
	assert.Equal(t, []string{el.ErrFile}, r.ToPrependInPhaseTwo("top", "left", true))

	// second batch: top through both paths
	phaseTwo(t, r, filepath.Join(root, "klee-out-4"), el, "top", "d.c:30")
	phaseTwo(t, r, filepath.Join(root, "klee-out-5"), er, "top", "d.c:31")

	byLoc := r.ChainsByLocation()
	require.Len(t, byLoc, 1)
	chains := byLoc["d.c:3"]
	require.Len(t, chains, 2, spew.Sdump(chains))

	var traces [][]string
	for _, c := range chains {
		assert.Equal(t, 3, c.Depth())
		assert.Equal(t, "top", c.EntryFunction())
		traces = append(traces, c.Trace.Functions())
	}
	assert.ElementsMatch(t, [][]string{{"bottom", "left", "top"}, {"bottom", "right", "top"}}, traces)

	// the bottom error was pulled into the chain started by the right path
	assert.Contains(t, chains[1].ErrorFiles(), eb.ErrFile)
}

func TestScenarioIndependentBugs(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{})

	for i, fn := range []string{"f", "g", "h"} {
		_, err := r.RegisterFile(writeErr(t, dir, fmt.Sprintf("test%06d.assert.err", i+1),
			"ASSERTION FAIL: "+fn, "ind.c", 10*(i+1), frame(fn, fmt.Sprintf("ind.c:%d", 10*(i+1)))), fn)
		require.NoError(t, err)
	}

	chains := r.Chains()
	require.Len(t, chains, 3)
	for _, c := range chains {
		assert.Equal(t, 1, c.Support())
	}
	stats := r.Stats()
	assert.Equal(t, 0, stats.LongerThanOne)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 3, r.CountVulnerableLocations())
	assert.Equal(t, 3, r.CountFunctionsWithErrors())
}

func TestRegisterPropagatedTwiceIsIdempotent(t *testing.T) {
	root := t.TempDir()
	r := New(Options{})

	seed, err := r.RegisterFile(writeErr(t, filepath.Join(root, "a"), "test000001.ptr.err", "ptr", "x.c", 1,
		frame("callee", "x.c:1")), "callee")
	require.NoError(t, err)

	path := writeErr(t, filepath.Join(root, "b"), "test000001.macke.err", "ERROR FROM "+seed.ErrFile, "", 0,
		frame("callee", "x.c:50"), frame("caller", "x.c:9"))
	_, err = r.RegisterFile(path, "caller")
	require.NoError(t, err)

	snapshot := func() string {
		return dump.Sdump(r.Chains(), r.ErrorCount(), r.PropagatedCount(), r.ErrorsFor("caller"))
	}
	before := snapshot()

	_, err = r.RegisterFile(path, "caller")
	require.NoError(t, err)
	e, _ := r.Lookup(path)
	require.NoError(t, r.Register(e))

	assert.Equal(t, before, snapshot())
	assert.Equal(t, 2, r.ErrorCount())
	assert.Equal(t, []string{"x.c:1"}, r.VulnerableLocationsFor("caller"))
}

func TestRegisterDrops(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{})

	_, err := r.RegisterFile(writeErr(t, dir, "test000001.macke.err", "ERROR FROM /nowhere/test000009.ptr.err", "", 0,
		frame("callee", "x.c:1"), frame("caller", "x.c:2")), "caller")
	assert.ErrorIs(t, err, ErrOrderingViolation)

	_, err = r.RegisterFile(writeErr(t, dir, "test000002.ptr.err", "memory error: klee_get_obj_size", "x.c", 3,
		frame("f", "x.c:3")), "f")
	assert.ErrorIs(t, err, ErrBlacklisted)

	_, err = r.RegisterFile(writeErr(t, dir, "test000003.ptr.err", "memory error", "x.c", 4), "f")
	assert.ErrorIs(t, err, ErrEmptyStack)

	garbage := filepath.Join(dir, "test000004.ptr.err")
	require.NoError(t, os.WriteFile(garbage, []byte("\x00\x01"), 0644))
	_, err = r.RegisterFile(garbage, "f")
	assert.ErrorIs(t, err, ErrMalformedArtifact)

	assert.Zero(t, r.ErrorCount())
	assert.Empty(t, r.Chains())
	assert.Equal(t, map[string]int{"ordering": 1, "blacklisted": 1, "empty_stack": 1, "malformed": 1}, r.Dropped())
}

func TestToPrependInPhaseTwoExcludesKnown(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{})

	known, err := r.RegisterFile(writeErr(t, dir, "test000001.ptr.err", "ptr", "x.c", 1,
		frame("callee", "x.c:1")), "callee")
	require.NoError(t, err)
	fresh, err := r.RegisterFile(writeErr(t, dir, "test000002.div.err", "div", "x.c", 2,
		frame("callee", "x.c:2")), "callee")
	require.NoError(t, err)
	_, err = r.RegisterFile(writeErr(t, dir, "test000003.ptr.err", "ptr", "x.c", 1,
		frame("callee", "x.c:1"), frame("caller", "x.c:10")), "caller")
	require.NoError(t, err)

	assert.Equal(t, []string{fresh.ErrFile}, r.ToPrependInPhaseTwo("caller", "callee", true))
	assert.ElementsMatch(t, []string{known.ErrFile, fresh.ErrFile}, r.ToPrependInPhaseTwo("caller", "callee", false))
	assert.Empty(t, r.ToPrependInPhaseTwo("caller", "nobody", false))
}

func TestConcurrentRegistration(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{})

	var paths []string
	for i := 0; i < 64; i++ {
		paths = append(paths, writeErr(t, dir, fmt.Sprintf("test%06d.ptr.err", i+1), "ptr", "x.c", i%8,
			frame("f", fmt.Sprintf("x.c:%d", i%8)), frame(fmt.Sprintf("g%d", i%4), "x.c:100")))
	}

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := r.RegisterFile(p, "main")
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 64, r.ErrorCount())
	total := 0
	for _, c := range r.Chains() {
		for _, h := range c.Heads {
			assert.Equal(t, c.Depth(), h.Depth())
		}
		total += c.Support()
	}
	assert.GreaterOrEqual(t, total, 64)
}
