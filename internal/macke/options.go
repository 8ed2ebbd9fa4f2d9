package macke

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"macke/internal/registry"
)

// Options are the parameters of one analysis run.
type Options struct {
	Bitcode   string `validate:"required"`
	ParentDir string `validate:"required"`
	Comment   string

	// MaxTime bounds every symbolic run, MaxInstructionTime a single
	// instruction inside one.
	MaxTime            time.Duration `validate:"gt=0"`
	MaxInstructionTime time.Duration `validate:"gte=0"`

	// SymArgs (min-argvs, max-argvs, max-len) and SymFiles (count, length)
	// configure the POSIX environment of main. Without SymArgs main is not
	// analyzed.
	SymArgs  []string `validate:"omitempty,len=3,dive,numeric"`
	SymFiles []string `validate:"omitempty,len=2,dive,numeric"`

	// UseFuzzer fuzzes every function with a fuzz driver in phase one
	// instead of running KLEE on it.
	UseFuzzer bool
	// UseFlipper alternates KLEE and the fuzzer on every function with a
	// fuzz driver for FlipperTime.
	UseFlipper       bool
	FuzzTime         time.Duration `validate:"gte=0"`
	FlipperTime      time.Duration `validate:"gte=0"`
	StopFuzzWhenDone bool
	// FuzzBitcode replaces Bitcode as the source of the fuzz target.
	FuzzBitcode string
	Libraries   []string

	ExcludeKnown bool
	// Threads of zero uses the configured thread count.
	Threads int `validate:"gte=0,lte=127"`
	Quiet   bool
	// RunTimeout stops dispatching new backend runs once it expires.
	RunTimeout  time.Duration `validate:"gte=0"`
	Containment registry.Containment
	// Argv is recorded in info.json.
	Argv []string
}

// DefaultOptions returns the defaults of the command line.
func DefaultOptions() Options {
	return Options{
		ParentDir:          "/tmp/macke",
		MaxTime:            120 * time.Second,
		MaxInstructionTime: 12 * time.Second,
		FuzzTime:           10 * time.Minute,
		FlipperTime:        30 * time.Minute,
		ExcludeKnown:       true,
		Containment:        registry.ContainmentStrict,
	}
}

var validate = validator.New()

func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if o.fuzzing() && o.FuzzTime <= 0 {
		return fmt.Errorf("invalid options: fuzzing needs a positive fuzz time")
	}
	if o.UseFlipper && o.FlipperTime < o.MaxTime+o.FuzzTime {
		return fmt.Errorf("invalid options: flipper time %v is shorter than one round (%v)", o.FlipperTime, o.MaxTime+o.FuzzTime)
	}
	return nil
}

func (o Options) fuzzing() bool {
	return o.UseFuzzer || o.UseFlipper
}

// RemoveMain reports whether main is left out of both phases.
func (o Options) RemoveMain() bool {
	return len(o.SymArgs) == 0
}

// KleeFlags are the user flags added to every KLEE run.
func (o Options) KleeFlags() []string {
	return append([]string{"--max-time=" + seconds(o.MaxTime)}, o.limitFlags()...)
}

// limitFlags are the KLEE flags without a time budget.
func (o Options) limitFlags() []string {
	if o.MaxInstructionTime <= 0 {
		return nil
	}
	return []string{"--max-instruction-time=" + seconds(o.MaxInstructionTime)}
}

// PosixFlags describe the symbolic environment of main.
func (o Options) PosixFlags() []string {
	var flags []string
	if len(o.SymArgs) > 0 {
		flags = append(append(flags, "--sym-args"), o.SymArgs...)
	}
	if len(o.SymFiles) > 0 {
		flags = append(append(flags, "--sym-files"), o.SymFiles...)
	}
	return flags
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d.Seconds()))
}

// optionsFile is the persisted form of Options.
type optionsFile struct {
	Bitcode            string   `json:"bitcode"`
	ParentDir          string   `json:"parent-dir"`
	Comment            string   `json:"comment"`
	MaxTime            int      `json:"max-time"`
	MaxInstructionTime int      `json:"max-instruction-time"`
	SymArgs            []string `json:"sym-args"`
	SymFiles           []string `json:"sym-files"`
	UseFuzzer          bool     `json:"use-fuzzer"`
	UseFlipper         bool     `json:"use-flipper"`
	FuzzTime           int      `json:"fuzz-time"`
	FlipperTime        int      `json:"flipper-time"`
	StopFuzzWhenDone   bool     `json:"stop-fuzz-when-done"`
	FuzzBitcode        string   `json:"fuzz-bc,omitempty"`
	Libraries          []string `json:"libraries"`
	ExcludeKnown       bool     `json:"exclude-known"`
	Threads            int      `json:"threads"`
	RunTimeout         int      `json:"run-timeout"`
	Containment        string   `json:"containment"`
	KleeFlags          []string `json:"klee-flags"`
	PosixFlags         []string `json:"posix4main"`
}

func (o Options) file(threads int) optionsFile {
	return optionsFile{
		Bitcode:            o.Bitcode,
		ParentDir:          o.ParentDir,
		Comment:            o.Comment,
		MaxTime:            int(o.MaxTime.Seconds()),
		MaxInstructionTime: int(o.MaxInstructionTime.Seconds()),
		SymArgs:            o.SymArgs,
		SymFiles:           o.SymFiles,
		UseFuzzer:          o.UseFuzzer,
		UseFlipper:         o.UseFlipper,
		FuzzTime:           int(o.FuzzTime.Seconds()),
		FlipperTime:        int(o.FlipperTime.Seconds()),
		StopFuzzWhenDone:   o.StopFuzzWhenDone,
		FuzzBitcode:        o.FuzzBitcode,
		Libraries:          o.Libraries,
		ExcludeKnown:       o.ExcludeKnown,
		Threads:            threads,
		RunTimeout:         int(o.RunTimeout.Seconds()),
		Containment:        o.Containment.String(),
		KleeFlags:          o.KleeFlags(),
		PosixFlags:         o.PosixFlags(),
	}
}
