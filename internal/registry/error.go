package registry

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrMalformedArtifact marks an error report that does not follow the
	// expected format. The artifact is skipped.
	ErrMalformedArtifact = errors.New("malformed artifact")
	// ErrEmptyStack marks an error without a single stack frame.
	ErrEmptyStack = errors.New("empty stack trace")
	// ErrOrderingViolation marks a propagated error whose seed has not been
	// registered yet.
	ErrOrderingViolation = errors.New("seed error not registered")
	// ErrBlacklisted marks an error whose reason is known to be useless.
	ErrBlacklisted = errors.New("blacklisted error reason")
)

const (
	// PropagatedSuffix is the suffix of errors reached through a prepended
	// error summary.
	PropagatedSuffix = ".macke.err"
	propagatedPrefix = "ERROR FROM "
	helperPrefix     = "__macke_error_"
)

// blacklist lists reason fragments of errors that are never registered.
var blacklist = []string{
	"klee_get_obj_size",
}

// Error is one error report found by a backend run.
type Error struct {
	ErrFile            string     `json:"errfile"`
	KTestFile          string     `json:"ktestfile"`
	EntryFunction      string     `json:"entryfunction"`
	Reason             string     `json:"reason"`
	VulnerableLocation string     `json:"vulnerableInstruction"`
	VulnerableFunction string     `json:"vulnerableFunction,omitempty"`
	Trace              StackTrace `json:"stacktrace"`
	// SeedFile is the error report a propagated error was seeded from.
	SeedFile string `json:"seedfile,omitempty"`
}

func (e *Error) String() string {
	return fmt.Sprintf("<%s, %s, %s, %s>", e.EntryFunction, e.ErrFile, e.Reason, e.VulnerableLocation)
}

// IsPropagated reports whether the error was found with a prepended error
// summary in place.
func (e *Error) IsPropagated() bool {
	return strings.HasSuffix(e.ErrFile, PropagatedSuffix)
}

func (e *Error) IsBlacklisted() bool {
	for _, fragment := range blacklist {
		if strings.Contains(e.Reason, fragment) {
			return true
		}
	}
	return false
}

// Depth is the depth of the error's stack trace.
func (e *Error) Depth() int {
	return e.Trace.Depth()
}

// NormalizeEntryFunction strips compiler suffixes such as "f.1234".
func NormalizeEntryFunction(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// CorrespondingKTest maps dir/test000001.ptr.err to dir/test000001.ktest.
func CorrespondingKTest(errFile string) (string, error) {
	if !strings.HasSuffix(errFile, ".err") {
		return "", fmt.Errorf("%w: %s is not an error report", ErrMalformedArtifact, errFile)
	}
	base := strings.TrimSuffix(errFile, ".err")
	dot := strings.LastIndexByte(base, '.')
	if dot < 0 || dot < strings.LastIndexByte(base, filepath.Separator) {
		return "", fmt.Errorf("%w: %s has no error type", ErrMalformedArtifact, errFile)
	}
	return base[:dot] + ".ktest", nil
}

// ParseErrorFile reads an error report produced by a run whose entry point
// was entryFunction. Functions in fns are used to pick the vulnerable
// function; an empty set accepts every frame.
func ParseErrorFile(path, entryFunction string, fns ProgramFunctionSet) (*Error, error) {
	ktest, err := CorrespondingKTest(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open error report: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	entry := NormalizeEntryFunction(entryFunction)
	e := &Error{
		ErrFile:       path,
		KTestFile:     ktest,
		EntryFunction: entry,
	}

	if !scanner.Scan() || !strings.HasPrefix(scanner.Text(), "Error: ") {
		return nil, fmt.Errorf("%w: %s: missing reason line", ErrMalformedArtifact, path)
	}
	e.Reason = strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "Error: "))

	var frames []Frame
	inStack := false
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if !inStack {
			switch {
			case lineNo == 2 && strings.HasPrefix(line, "File: "):
				location, err := readLocation(scanner, strings.TrimPrefix(line, "File: "))
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrMalformedArtifact, path, err)
				}
				lineNo++
				e.VulnerableLocation = location
			case strings.HasPrefix(line, "Stack:"):
				inStack = true
			}
			continue
		}

		if strings.HasPrefix(line, "Info:") {
			break
		}
		if line == "" {
			continue
		}
		words := strings.Fields(line)
		if len(words) < 3 {
			return nil, fmt.Errorf("%w: %s:%d: short stack frame %q", ErrMalformedArtifact, path, lineNo, line)
		}
		if strings.HasPrefix(words[2], helperPrefix) {
			continue
		}
		frames = append(frames, Frame{Function: words[2], Location: words[len(words)-1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedArtifact, path, err)
	}

	e.Trace = NewStackTrace(frames, entry)
	for _, f := range e.Trace.Frames {
		if fns.Contains(f.Function) {
			e.VulnerableFunction = f.Function
			break
		}
	}

	if e.IsPropagated() {
		if !strings.HasPrefix(e.Reason, propagatedPrefix) {
			return nil, fmt.Errorf("%w: %s: propagated error without seed", ErrMalformedArtifact, path)
		}
		e.SeedFile = strings.TrimSpace(strings.TrimPrefix(e.Reason, propagatedPrefix))
	}
	return e, nil
}

func readLocation(scanner *bufio.Scanner, file string) (string, error) {
	if !scanner.Scan() {
		return "", fmt.Errorf("missing line after File:")
	}
	line := strings.TrimSpace(scanner.Text())
	if !strings.HasPrefix(line, "line: ") {
		return "", fmt.Errorf("expected line:, got %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "line: ")))
	if err != nil {
		return "", fmt.Errorf("bad line number: %v", err)
	}
	return fmt.Sprintf("%s:%d", file, n), nil
}
