package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"macke/internal/config"
	"macke/internal/klee"
	"macke/internal/llvm"
	"macke/internal/macke"
	"macke/internal/registry"
	"macke/internal/telemetry"
)

type cliFlags struct {
	configPath           string
	comment              string
	parentDir            string
	maxTime              int
	maxInstructionTime   int
	symArgs              []string
	symFiles             []string
	useFuzzer            bool
	useFlipper           bool
	fuzzTime             int
	flipperTime          int
	stopFuzzWhenDone     bool
	fuzzBitcode          string
	fuzzInputMaxLen      int
	excludeKnown         bool
	libraries            []string
	threads              int
	runTimeout           int
	inclusiveContainment bool
	quiet                bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment only")
	}
	if err := newRootCmd(&cliFlags{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(f *cliFlags) *cobra.Command {
	defaults := macke.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "macke <program.bc>",
		Short: "Run modular and compositional symbolic execution on a bitcode file",
		Long: `macke analyzes every function of the given bitcode file in isolation
and then propagates the errors found along the call graph to report
the chains of calls through which they are reachable.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), f, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "macke: %v\n", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", os.Getenv("MACKE_CONFIG"), "YAML file with the tool locations and runtime limits")
	flags.StringVar(&f.comment, "comment", "", "additional comment stored in the output directory")
	flags.StringVar(&f.parentDir, "parent-dir", defaults.ParentDir, "the output directory of the run is put inside this directory")
	flags.IntVar(&f.maxTime, "max-time", int(defaults.MaxTime.Seconds()), "maximum execution time of one KLEE run in seconds")
	flags.IntVar(&f.maxInstructionTime, "max-instruction-time", int(defaults.MaxInstructionTime.Seconds()), "maximum time KLEE can spend on one instruction in seconds")
	flags.StringSliceVar(&f.symArgs, "sym-args", nil, "symbolic arguments of main: <min-argvs>,<max-argvs>,<max-len>")
	flags.StringSliceVar(&f.symFiles, "sym-files", nil, "symbolic files of main: <no-sym-files>,<sym-file-len>")
	flags.BoolVar(&f.useFuzzer, "use-fuzzer", false, "fuzz functions with a fuzz driver instead of running KLEE on them")
	flags.BoolVar(&f.useFlipper, "use-flipper", false, "alternate KLEE and the fuzzer on functions with a fuzz driver")
	flags.IntVar(&f.fuzzTime, "fuzz-time", int(defaults.FuzzTime.Minutes()), "time to fuzz a single function in minutes")
	flags.IntVar(&f.flipperTime, "flipper-time", int(defaults.FlipperTime.Minutes()), "time budget of the flipper per function in minutes")
	flags.BoolVar(&f.stopFuzzWhenDone, "stop-fuzz-when-done", false, "stop the fuzzer once its coverage saturates")
	flags.StringVar(&f.fuzzBitcode, "fuzz-bc", "", "bitcode file used to build the fuzz target")
	flags.IntVar(&f.fuzzInputMaxLen, "fuzz-input-maxlen", 0, "maximum array argument length of generated fuzz inputs")
	flags.BoolVar(&f.excludeKnown, "exclude-known", defaults.ExcludeKnown, "skip callers that already have an error at the same location in phase two")
	flags.StringSliceVar(&f.libraries, "libraries", nil, "libraries needed for linking the fuzz target")
	flags.IntVar(&f.threads, "threads", 0, "parallel backend runs (default: configured thread count)")
	flags.IntVar(&f.runTimeout, "run-timeout", 0, "stop dispatching backend runs after this many seconds")
	flags.BoolVar(&f.inclusiveContainment, "inclusive-containment", false, "treat equally long stack traces as contained in each other")
	flags.BoolVar(&f.quiet, "quiet", false, "only print warnings")

	cmd.AddCommand(newCgroupsCmd())
	return cmd
}

func (f *cliFlags) options(bitcode string) macke.Options {
	opts := macke.DefaultOptions()
	opts.Bitcode = bitcode
	opts.Comment = f.comment
	opts.ParentDir = f.parentDir
	opts.MaxTime = time.Duration(f.maxTime) * time.Second
	opts.MaxInstructionTime = time.Duration(f.maxInstructionTime) * time.Second
	opts.SymArgs = f.symArgs
	opts.SymFiles = f.symFiles
	opts.UseFuzzer = f.useFuzzer
	opts.UseFlipper = f.useFlipper
	opts.FuzzTime = time.Duration(f.fuzzTime) * time.Minute
	opts.FlipperTime = time.Duration(f.flipperTime) * time.Minute
	opts.StopFuzzWhenDone = f.stopFuzzWhenDone
	opts.FuzzBitcode = f.fuzzBitcode
	opts.ExcludeKnown = f.excludeKnown
	opts.Libraries = f.libraries
	opts.Threads = f.threads
	opts.RunTimeout = time.Duration(f.runTimeout) * time.Second
	opts.Quiet = f.quiet
	opts.Argv = os.Args
	if f.inclusiveContainment {
		opts.Containment = registry.ContainmentInclusive
	}
	return opts
}

// preflight checks that opt loads every MACKE pass and that KLEE supports
// the targeted search of phase two.
func preflight(ctx context.Context, cfg *config.Config) error {
	if err := llvm.New(cfg).CheckPasses(ctx); err != nil {
		return err
	}
	return klee.NewRunner(cfg).CheckTargetedSearch(ctx)
}

func run(ctx context.Context, f *cliFlags, bitcode string) error {
	if _, err := os.Stat(bitcode); err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.fuzzInputMaxLen > 0 {
		cfg.Fuzz.InputMaxLen = f.fuzzInputMaxLen
	}
	opts := f.options(bitcode)
	if err := cfg.CheckBinaries(opts.UseFuzzer || opts.UseFlipper); err != nil {
		return err
	}
	if err := preflight(ctx, cfg); err != nil {
		return err
	}

	_, shutdown, err := telemetry.Init("macke", macke.Version)
	if err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Printf("Warning: Failed to flush traces: %v", err)
		}
	}()

	m, err := macke.New(cfg, opts)
	if err != nil {
		return err
	}

	// an interrupt stops dispatching, the summary is still written
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := m.Run(ctx)
	if err != nil {
		if macke.IsFatal(err) {
			log.Printf("[macke] Aborted: a compiler pass failed")
		}
		return err
	}
	if dir := m.RunDir(); dir != nil {
		fmt.Printf("%s: %d errors, %d chains (%d from main)\n", dir.Root, summary.TotalErrors, summary.Chains, summary.ChainsFromMain)
	}
	return nil
}
