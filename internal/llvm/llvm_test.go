package llvm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpt answers the analysis passes with canned JSON and records the
// arguments of transformation passes.
const fakeOpt = `#!/bin/sh
echo "$@" >> "$(dirname "$0")/calls.log"
for arg in "$@"; do
  case "$arg" in
    -extractcallgraph)
      echo 'WARNING: loaded plugin'
      echo '{"main": {"calls": ["f"], "calledby": [], "hasdoubleptrarg": true, "isexternal": false},'
      echo ' "f": {"calls": [], "calledby": ["main"], "hasdoubleptrarg": false, "isexternal": false}}'
      exit 0 ;;
    -listallfuncstopologic)
      echo '["f", ["a", "b"], "main"]'
      exit 0 ;;
    -preprenderror)
      exit 0 ;;
    -encapsulatesymbolic)
      exit 0 ;;
  esac
done
echo "unknown pass" >&2
exit 1
`

func newFakeToolchain(t *testing.T, script string) (*Toolchain, string) {
	t.Helper()
	dir := t.TempDir()
	opt := filepath.Join(dir, "opt")
	require.NoError(t, os.WriteFile(opt, []byte(script), 0755))
	return &Toolchain{Opt: opt, LibMackeOpt: "libMackeOpt.so"}, dir
}

func TestExtractCallgraph(t *testing.T) {
	tc, _ := newFakeToolchain(t, fakeOpt)

	graph, err := tc.ExtractCallgraph(context.Background(), "program.bc")
	require.NoError(t, err)
	require.Len(t, graph, 2)
	assert.Equal(t, []string{"f"}, graph["main"].Calls)
	assert.True(t, graph["main"].HasDoublePtrArg)
	assert.Equal(t, []string{"main"}, graph["f"].CalledBy)
}

func TestListAllFuncsTopological(t *testing.T) {
	tc, _ := newFakeToolchain(t, fakeOpt)

	units, err := tc.ListAllFuncsTopological(context.Background(), "program.bc")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"f"}, {"a", "b"}, {"main"}}, units)
}

func TestPrependErrorArguments(t *testing.T) {
	tc, dir := newFakeToolchain(t, fakeOpt)

	err := tc.PrependError(context.Background(), "in.bc", "callee", []string{"a.ptr.err", "b.assert.err"}, "out.bc")
	require.NoError(t, err)

	calls, err := os.ReadFile(filepath.Join(dir, "calls.log"))
	require.NoError(t, err)
	assert.Equal(t,
		"-load libMackeOpt.so -preprenderror in.bc -prependtofunction callee -errorfiletoprepend a.ptr.err -errorfiletoprepend b.assert.err -o out.bc\n",
		string(calls))
}

func TestToolFailureIsToolInvocationError(t *testing.T) {
	tc, _ := newFakeToolchain(t, fakeOpt)

	err := tc.OptimizeRedundantGlobals(context.Background(), "in.bc", "out.bc")
	require.Error(t, err)

	var invErr *ToolInvocationError
	require.True(t, errors.As(err, &invErr))
	assert.Contains(t, invErr.Output, "unknown pass")
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestMalformedJSON(t *testing.T) {
	tc, _ := newFakeToolchain(t, "#!/bin/sh\necho 'not json'\n")

	_, err := tc.ExtractCallgraph(context.Background(), "program.bc")
	var invErr *ToolInvocationError
	require.True(t, errors.As(err, &invErr))
	assert.Contains(t, invErr.Err.Error(), "malformed json")
}

func TestMissingOpt(t *testing.T) {
	tc := &Toolchain{Opt: filepath.Join(t.TempDir(), "missing-opt")}

	_, err := tc.ListAllFuncsTopological(context.Background(), "program.bc")
	var invErr *ToolInvocationError
	assert.True(t, errors.As(err, &invErr))
}

func TestCheckPasses(t *testing.T) {
	tc, _ := newFakeToolchain(t, "#!/bin/sh\necho '  -extractcallgraph  -listallfuncstopologic  -encapsulatesymbolic'\nexit 1\n")

	err := tc.CheckPasses(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-preprenderror")
	assert.NotContains(t, err.Error(), "-extractcallgraph,")
}
