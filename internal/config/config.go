package config

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"
)

// Config holds the locations of the external tools and the runtime limits
// shared by every analysis run.
type Config struct {
	Binaries   Binaries   `yaml:"binaries"`
	Runtime    Runtime    `yaml:"runtime"`
	Fuzz       Fuzz       `yaml:"fuzz"`
	Saturation Saturation `yaml:"saturation"`
}

type Binaries struct {
	LLVMOpt     string `yaml:"llvmopt" validate:"required"`
	LibMackeOpt string `yaml:"libmackeopt" validate:"required"`
	Klee        string `yaml:"klee" validate:"required"`

	// Fuzzing toolchain, only needed when fuzzing or flipper mode is enabled.
	LLVMFuzzOpt      string `yaml:"llvmfuzzopt"`
	LibMackeFuzzOpt  string `yaml:"libmackefuzzopt"`
	LibMackeFuzzPath string `yaml:"libmackefuzzpath"`
	Clang            string `yaml:"clang"`
	AFLCC            string `yaml:"afl_cc"`
	AFLFuzz          string `yaml:"afl_fuzz"`
	AFLLib           string `yaml:"afl_lib"`
	KTestConverter   string `yaml:"ktest_converter"`
}

type Runtime struct {
	// ThreadNum of 0 means one worker per host CPU.
	ThreadNum int `yaml:"threadnum" validate:"min=0,max=127"`
	// GraceSeconds is added on top of every backend timeout before the
	// process group is killed.
	GraceSeconds int `yaml:"grace_seconds" validate:"min=0"`
}

type Fuzz struct {
	MemLimitMB  int    `yaml:"memlimit" validate:"min=0"`
	UseCGroups  bool   `yaml:"use_cgroups"`
	CGroupRoot  string `yaml:"cgroup_root"`
	IgnoreSwap  bool   `yaml:"ignore_swap"`
	InputMaxLen int    `yaml:"input_maxlen" validate:"min=1"`
}

// Saturation tunes the convergence heuristic used to stop fuzzing early.
type Saturation struct {
	PollInterval        time.Duration `yaml:"poll_interval" validate:"gt=0"`
	CycleDoneIncrement  int           `yaml:"cycle_done_increment" validate:"min=0"`
	IncompleteIncrement int           `yaml:"incomplete_increment" validate:"min=0"`
	Threshold           int           `yaml:"threshold" validate:"min=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Binaries: Binaries{
			LLVMOpt:     "opt",
			LibMackeOpt: "libMackeOpt.so",
			Klee:        "klee",
			LLVMFuzzOpt: "opt",
			Clang:       "clang",
			AFLCC:       "afl-clang",
			AFLFuzz:     "afl-fuzz",
		},
		Runtime: Runtime{
			GraceSeconds: 10,
		},
		Fuzz: Fuzz{
			MemLimitMB:  50,
			CGroupRoot:  "/sys/fs/cgroup/memory",
			InputMaxLen: 32,
		},
		Saturation: Saturation{
			PollInterval:        5 * time.Second,
			CycleDoneIncrement:  2,
			IncompleteIncrement: 1,
			Threshold:           2,
		},
	}
}

// Load reads the YAML file at path (if any) on top of the defaults, applies
// MACKE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"MACKE_LLVMOPT":          &c.Binaries.LLVMOpt,
		"MACKE_LIBMACKEOPT":      &c.Binaries.LibMackeOpt,
		"MACKE_KLEE":             &c.Binaries.Klee,
		"MACKE_LLVMFUZZOPT":      &c.Binaries.LLVMFuzzOpt,
		"MACKE_LIBMACKEFUZZOPT":  &c.Binaries.LibMackeFuzzOpt,
		"MACKE_LIBMACKEFUZZPATH": &c.Binaries.LibMackeFuzzPath,
		"MACKE_CLANG":            &c.Binaries.Clang,
		"MACKE_AFL_CC":           &c.Binaries.AFLCC,
		"MACKE_AFL_FUZZ":         &c.Binaries.AFLFuzz,
		"MACKE_AFL_LIB":          &c.Binaries.AFLLib,
		"MACKE_KTEST_CONVERTER":  &c.Binaries.KTestConverter,
		"MACKE_CGROUP_ROOT":      &c.Fuzz.CGroupRoot,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("MACKE_THREADNUM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Warning: ignoring MACKE_THREADNUM=%q: %v", v, err)
		} else {
			c.Runtime.ThreadNum = n
		}
	}
	if v := os.Getenv("MACKE_FUZZ_MEMLIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Warning: ignoring MACKE_FUZZ_MEMLIMIT=%q: %v", v, err)
		} else {
			c.Fuzz.MemLimitMB = n
		}
	}
	if v := os.Getenv("MACKE_USE_CGROUPS"); v != "" {
		c.Fuzz.UseCGroups = strings.EqualFold(v, "true") || v == "1"
	}
}

// ThreadCount is the number of backend invocations allowed to run at once.
func (c *Config) ThreadCount() int {
	if c.Runtime.ThreadNum > 0 {
		return c.Runtime.ThreadNum
	}
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Grace is the slack granted to a backend after its own time budget.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Runtime.GraceSeconds) * time.Second
}

// CheckBinaries verifies that the symbolic-execution toolchain can be found.
// Fuzzing binaries are only checked when withFuzzer is set.
func (c *Config) CheckBinaries(withFuzzer bool) error {
	required := map[string]string{
		"llvmopt":     c.Binaries.LLVMOpt,
		"libmackeopt": c.Binaries.LibMackeOpt,
		"klee":        c.Binaries.Klee,
	}
	if withFuzzer {
		required["llvmfuzzopt"] = c.Binaries.LLVMFuzzOpt
		required["libmackefuzzopt"] = c.Binaries.LibMackeFuzzOpt
		required["clang"] = c.Binaries.Clang
		required["afl_cc"] = c.Binaries.AFLCC
		required["afl_fuzz"] = c.Binaries.AFLFuzz
	}

	var missing []string
	for name, bin := range required {
		if !binaryExists(bin) {
			missing = append(missing, fmt.Sprintf("%s (%q)", name, bin))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("config: binaries not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

func binaryExists(bin string) bool {
	if bin == "" {
		return false
	}
	if strings.ContainsRune(bin, os.PathSeparator) || strings.HasSuffix(bin, ".so") {
		_, err := os.Stat(bin)
		return err == nil
	}
	_, err := exec.LookPath(bin)
	return err == nil
}
