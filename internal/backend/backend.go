// Package backend defines the result shared by the symbolic-execution and
// fuzzing runners and the classification of their captured output.
package backend

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrBackendCrash marks a backend that terminated abnormally for a reason
	// that is not a timeout or a resource limit.
	ErrBackendCrash = errors.New("backend crashed")
	// ErrBackendFailed marks a backend that exited with an error status but
	// did not crash, e.g. because it could not load its input.
	ErrBackendFailed = errors.New("backend failed")
)

type Kind string

const (
	KindSymbolic Kind = "symbolic"
	KindFuzz     Kind = "fuzz"
)

// ErrorFileSuffixes are the suffixes of error reports in an output directory.
var ErrorFileSuffixes = []string{
	".ptr.err",
	".free.err",
	".assert.err",
	".div.err",
	".macke.err",
	".fuzz.err",
}

// IsErrorFile reports whether name carries one of ErrorFileSuffixes.
func IsErrorFile(name string) bool {
	for _, suffix := range ErrorFileSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Diagnostics are derived from the captured output of a run.
type Diagnostics struct {
	Crashed       bool `json:"crashed"`
	Failed        bool `json:"failed"`
	OutOfTime     bool `json:"out_of_time"`
	OutOfMemory   bool `json:"out_of_memory"`
	ReachedTarget bool `json:"reached_target"`
}

// Result is the outcome of one backend invocation.
type Result struct {
	Kind     Kind   `json:"kind"`
	Function string `json:"function"`
	// Caller and Callee are set for targeted runs of a call edge.
	Caller string `json:"caller,omitempty"`
	Callee string `json:"callee,omitempty"`

	Image      string        `json:"bcfile"`
	OutDir     string        `json:"folder"`
	Output     string        `json:"-"`
	ExitCode   int           `json:"exit_code"`
	ErrorFiles []string      `json:"error_files,omitempty"`
	TestCount  int           `json:"test_count"`
	Duration   time.Duration `json:"duration"`
	// Progress reports whether the run found anything new: tests covering
	// new code for symbolic runs, new paths for fuzz runs.
	Progress    bool        `json:"progress"`
	Diagnostics Diagnostics `json:"diagnostics"`

	// Err is set when the run itself failed.
	Err error `json:"-"`
}

// Failed reports whether the run should be counted as a failed work item.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// IsTargeted reports whether the run aimed at a single call edge.
func (r *Result) IsTargeted() bool {
	return r.Callee != ""
}

func (r *Result) String() string {
	name := r.Function
	if r.IsTargeted() {
		name = r.Caller + "->" + r.Callee
	}
	return fmt.Sprintf("%s run of %s (%d tests, %d errors)", r.Kind, name, r.TestCount, len(r.ErrorFiles))
}

// Phrases printed by KLEE and AFL for the outcomes classified below. This is
// the only list to update when the backend wording changes.
var (
	timeoutPhrases = []string{
		"KLEE: WATCHDOG: time expired",
		"KLEE: HaltTimer invoked",
	}
	memoryPhrases = []string{
		"LLVM ERROR: not enough shared memory",
		"KLEE: WARNING: killing",
		"MEMORY_LIMIT",
		"Out of memory",
	}
	crashPhrases = []string{
		"Stack dump:",
		"Segmentation fault",
		"PLEASE submit a bug report",
		"Assertion `",
		"[-] PROGRAM ABORT",
	}
	targetPhrases = []string{
		"KLEE: targeted function reached: ",
		"reached target function ",
	}
)

// ClassifyOutcome derives the diagnostics of a finished run from its exit
// code and captured output. target is the callee aimed at by a targeted run
// and may be empty.
func ClassifyOutcome(exitCode int, output, target string) Diagnostics {
	var d Diagnostics
	d.OutOfTime = containsAny(output, timeoutPhrases)
	d.OutOfMemory = containsAny(output, memoryPhrases)
	if target != "" {
		for _, phrase := range targetPhrases {
			if strings.Contains(output, phrase+target) {
				d.ReachedTarget = true
				break
			}
		}
	}

	switch {
	case d.OutOfTime || d.OutOfMemory:
		// expected terminations, whatever the exit code
	case exitCode < 0, exitCode > 128:
		d.Crashed = true
	case exitCode != 0 && containsAny(output, crashPhrases):
		d.Crashed = true
	case exitCode != 0:
		d.Failed = true
	}
	return d
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// CrashError wraps ErrBackendCrash with the exit code and the tail of the
// captured output.
func CrashError(label string, exitCode int, output string) error {
	return exitError(ErrBackendCrash, label, exitCode, output)
}

// FailureError is CrashError for ErrBackendFailed.
func FailureError(label string, exitCode int, output string) error {
	return exitError(ErrBackendFailed, label, exitCode, output)
}

// RunError returns the error of a run with diagnostics d, nil for a run
// that ended normally or by an expected limit.
func RunError(d Diagnostics, label string, exitCode int, output string) error {
	switch {
	case d.Crashed:
		return CrashError(label, exitCode, output)
	case d.Failed:
		return FailureError(label, exitCode, output)
	}
	return nil
}

func exitError(kind error, label string, exitCode int, output string) error {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return fmt.Errorf("%w: %s exited with %d: %s", kind, label, exitCode, strings.Join(lines, " | "))
}

// ScanErrorFiles lists the error reports directly inside dir, sorted.
func ScanErrorFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !IsErrorFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// EnsureDir creates dir if a backend failed before creating it.
func EnsureDir(dir string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("Warning: failed to create output directory %s: %v", dir, err)
	}
}

// WriteOutput stores the captured output next to the results.
func WriteOutput(dir, output string) {
	if err := os.WriteFile(filepath.Join(dir, "output.txt"), []byte(output), 0644); err != nil {
		log.Printf("Warning: failed to write output.txt in %s: %v", dir, err)
	}
}
