// Package llvm wraps the compiler passes of libMackeOpt. Every pass is run
// as a black-box opt invocation; any failure is a ToolInvocationError.
package llvm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"macke/internal/config"
	"macke/internal/proc"
)

// ToolInvocationError reports a pass that could not be run or produced
// output that could not be understood. It is fatal for an analysis run.
type ToolInvocationError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	msg := fmt.Sprintf("tool invocation failed: %s %s: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Err
}

// NodeInfo is one entry of the extracted call graph.
type NodeInfo struct {
	Calls           []string `json:"calls"`
	CalledBy        []string `json:"calledby"`
	HasDoublePtrArg bool     `json:"hasdoubleptrarg"`
	IsExternal      bool     `json:"isexternal"`
}

type Toolchain struct {
	Opt         string
	LibMackeOpt string
	// Timeout bounds every single pass. Zero means no limit.
	Timeout time.Duration
}

func New(cfg *config.Config) *Toolchain {
	return &Toolchain{
		Opt:         cfg.Binaries.LLVMOpt,
		LibMackeOpt: cfg.Binaries.LibMackeOpt,
		Timeout:     30 * time.Minute,
	}
}

func (t *Toolchain) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-load", t.LibMackeOpt}, args...)
	out, err := proc.Run(ctx, proc.Command{Path: t.Opt, Args: full, Timeout: t.Timeout})
	if err != nil {
		return "", &ToolInvocationError{Tool: t.Opt, Args: full, Err: err}
	}
	if out.Killed() {
		return out.Text, &ToolInvocationError{Tool: t.Opt, Args: full, Output: out.Text, Err: fmt.Errorf("killed after %v", out.Duration)}
	}
	if out.ExitCode != 0 {
		return out.Text, &ToolInvocationError{Tool: t.Opt, Args: full, Output: out.Text, Err: fmt.Errorf("exit status %d", out.ExitCode)}
	}
	return out.Text, nil
}

func (t *Toolchain) runJSON(ctx context.Context, v interface{}, args ...string) error {
	text, err := t.run(ctx, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(jsonPayload(text)), v); err != nil {
		return &ToolInvocationError{
			Tool:   t.Opt,
			Args:   args,
			Output: text,
			Err:    fmt.Errorf("malformed json output: %w", err),
		}
	}
	return nil
}

// jsonPayload strips anything opt printed before the JSON document.
func jsonPayload(text string) string {
	if i := strings.IndexAny(text, "{["); i > 0 {
		return text[i:]
	}
	return text
}

// ExtractCallgraph runs the -extractcallgraph pass.
func (t *Toolchain) ExtractCallgraph(ctx context.Context, bitcode string) (map[string]NodeInfo, error) {
	graph := make(map[string]NodeInfo)
	if err := t.runJSON(ctx, &graph, "-extractcallgraph", bitcode, "-disable-output"); err != nil {
		return nil, err
	}
	return graph, nil
}

// ListAllFuncsTopological runs the -listallfuncstopologic pass. Cycles are
// reported as nested lists; every unit is returned as a slice.
func (t *Toolchain) ListAllFuncsTopological(ctx context.Context, bitcode string) ([][]string, error) {
	var raw []json.RawMessage
	if err := t.runJSON(ctx, &raw, "-listallfuncstopologic", bitcode, "-disable-output"); err != nil {
		return nil, err
	}

	units := make([][]string, 0, len(raw))
	for _, entry := range raw {
		var name string
		if err := json.Unmarshal(entry, &name); err == nil {
			units = append(units, []string{name})
			continue
		}
		var group []string
		if err := json.Unmarshal(entry, &group); err != nil {
			return nil, &ToolInvocationError{
				Tool:   t.Opt,
				Args:   []string{"-listallfuncstopologic", bitcode},
				Output: string(entry),
				Err:    fmt.Errorf("unexpected topology entry: %w", err),
			}
		}
		units = append(units, group)
	}
	return units, nil
}

// EncapsulateSymbolic rewrites src into dest so that a macke_<function>_main
// entry point calls function with symbolic arguments. dest may equal src.
func (t *Toolchain) EncapsulateSymbolic(ctx context.Context, src, function, dest string) error {
	_, err := t.run(ctx, "-encapsulatesymbolic", src, "-encapsulatedfunction", function, "-o", dest)
	return err
}

// PrependError writes into dest a copy of src where function first checks
// whether its inputs match one of the given error reports.
func (t *Toolchain) PrependError(ctx context.Context, src, function string, errFiles []string, dest string) error {
	args := []string{"-preprenderror", src, "-prependtofunction", function}
	for _, errFile := range errFiles {
		args = append(args, "-errorfiletoprepend", errFile)
	}
	args = append(args, "-o", dest)
	_, err := t.run(ctx, args...)
	return err
}

// OptimizeRedundantGlobals removes duplicated globals left by repeated prepending.
func (t *Toolchain) OptimizeRedundantGlobals(ctx context.Context, src, dest string) error {
	_, err := t.run(ctx, "-constmerge", src, "-o", dest)
	return err
}

// RequiredPasses must all be listed in the help output of opt once
// libMackeOpt is loaded.
var RequiredPasses = []string{
	"-extractcallgraph",
	"-listallfuncstopologic",
	"-encapsulatesymbolic",
	"-preprenderror",
}

// CheckPasses verifies that the configured opt and libMackeOpt provide every
// required pass.
func (t *Toolchain) CheckPasses(ctx context.Context) error {
	args := []string{"-load", t.LibMackeOpt, "-help"}
	out, err := proc.Run(ctx, proc.Command{Path: t.Opt, Args: args, Timeout: time.Minute})
	if err != nil {
		return &ToolInvocationError{Tool: t.Opt, Args: args, Err: err}
	}
	var missing []string
	for _, pass := range RequiredPasses {
		if !strings.Contains(out.Text, pass) {
			missing = append(missing, pass)
		}
	}
	if len(missing) > 0 {
		return &ToolInvocationError{
			Tool: t.Opt,
			Args: args,
			Err:  fmt.Errorf("libmackeopt does not support %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
