package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macke/internal/cgroups"
	"macke/internal/config"
	"macke/internal/registry"
)

func TestDefaultFlags(t *testing.T) {
	f := &cliFlags{}
	cmd := newRootCmd(f)
	require.NoError(t, cmd.Flags().Parse(nil))

	opts := f.options("prog.bc")
	require.NoError(t, opts.Validate())
	assert.Equal(t, "/tmp/macke", opts.ParentDir)
	assert.Equal(t, 120*time.Second, opts.MaxTime)
	assert.Equal(t, 12*time.Second, opts.MaxInstructionTime)
	assert.Equal(t, 10*time.Minute, opts.FuzzTime)
	assert.True(t, opts.ExcludeKnown)
	assert.True(t, opts.RemoveMain())
	assert.Equal(t, registry.ContainmentStrict, opts.Containment)
}

func TestFlags(t *testing.T) {
	f := &cliFlags{}
	cmd := newRootCmd(f)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--max-time=30",
		"--sym-args=1,2,8",
		"--sym-files", "1,64",
		"--exclude-known=false",
		"--use-fuzzer",
		"--fuzz-time=2",
		"--libraries=m,z",
		"--inclusive-containment",
		"--threads=4",
		"--run-timeout=600",
	}))

	opts := f.options("prog.bc")
	require.NoError(t, opts.Validate())
	assert.Equal(t, 30*time.Second, opts.MaxTime)
	assert.Equal(t, []string{"--sym-args", "1", "2", "8", "--sym-files", "1", "64"}, opts.PosixFlags())
	assert.False(t, opts.ExcludeKnown)
	assert.True(t, opts.UseFuzzer)
	assert.Equal(t, 2*time.Minute, opts.FuzzTime)
	assert.Equal(t, []string{"m", "z"}, opts.Libraries)
	assert.Equal(t, registry.ContainmentInclusive, opts.Containment)
	assert.Equal(t, 4, opts.Threads)
	assert.Equal(t, 10*time.Minute, opts.RunTimeout)
}

func TestMissingBitcode(t *testing.T) {
	cmd := newRootCmd(&cliFlags{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.bc")})
	assert.Error(t, cmd.Execute())

	cmd = newRootCmd(&cliFlags{})
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func TestPreflight(t *testing.T) {
	bin := t.TempDir()
	cfg := config.Default()
	cfg.Binaries.LLVMOpt = writeScript(t, bin, "opt",
		"#!/bin/sh\necho '  -extractcallgraph  -listallfuncstopologic  -encapsulatesymbolic  -preprenderror'\n")
	cfg.Binaries.LibMackeOpt = filepath.Join(bin, "libMackeOpt.so")
	cfg.Binaries.Klee = writeScript(t, bin, "klee",
		"#!/bin/sh\necho '  =ld2t  - targeted search'\necho '  -targeted-function=<string>'\n")
	require.NoError(t, preflight(context.Background(), cfg))

	cfg.Binaries.Klee = writeScript(t, bin, "old-klee", "#!/bin/sh\necho '  =dfs  - depth first'\n")
	assert.ErrorContains(t, preflight(context.Background(), cfg), "targeted search")

	cfg.Binaries.LLVMOpt = writeScript(t, bin, "old-opt", "#!/bin/sh\necho '  -extractcallgraph'\n")
	assert.ErrorContains(t, preflight(context.Background(), cfg), "-preprenderror")
}

// fakeCgcreate creates the directory of the group it is given below
// $CGROUP_ROOT, with both limit files, as the kernel would.
const fakeCgcreate = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
	-g) name="${2#memory:}"; shift ;;
	esac
	shift
done
mkdir -p "$CGROUP_ROOT/$name"
touch "$CGROUP_ROOT/$name/memory.limit_in_bytes" "$CGROUP_ROOT/$name/memory.memsw.limit_in_bytes"
`

func TestCgroupsInit(t *testing.T) {
	root := t.TempDir()
	bin := t.TempDir()
	writeScript(t, bin, "cgcreate", fakeCgcreate)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("CGROUP_ROOT", root)
	t.Setenv("MACKE_CGROUP_ROOT", root)
	t.Setenv("MACKE_FUZZ_MEMLIMIT", "512")
	t.Setenv("MACKE_CONFIG", "")

	cmd := newRootCmd(&cliFlags{})
	cmd.SetArgs([]string{"cgroups", "init", "--threads=2", "--user=fuzz:fuzz"})
	require.NoError(t, cmd.Execute())

	for _, name := range cgroups.Names(2) {
		data, err := os.ReadFile(filepath.Join(root, name, "memory.limit_in_bytes"))
		require.NoError(t, err)
		assert.Equal(t, "512M", string(data))
	}
	assert.NoDirExists(t, filepath.Join(root, cgroups.Names(3)[2]))
}

func TestCgroupsInitNeedsOwner(t *testing.T) {
	cmd := newRootCmd(&cliFlags{})
	cmd.SetArgs([]string{"cgroups", "init"})
	assert.Error(t, cmd.Execute())
}
