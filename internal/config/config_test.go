package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "macke.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "klee", cfg.Binaries.Klee)
	assert.Equal(t, 5*time.Second, cfg.Saturation.PollInterval)
	assert.Equal(t, 2, cfg.Saturation.Threshold)
	assert.Greater(t, cfg.ThreadCount(), 0)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
binaries:
  llvmopt: /opt/llvm/bin/opt
  libmackeopt: /opt/macke/libMackeOpt.so
  klee: /opt/klee/bin/klee
runtime:
  threadnum: 4
saturation:
  poll_interval: 6s
  threshold: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/klee/bin/klee", cfg.Binaries.Klee)
	assert.Equal(t, 4, cfg.ThreadCount())
	assert.Equal(t, 6*time.Second, cfg.Saturation.PollInterval)
	assert.Equal(t, 3, cfg.Saturation.Threshold)
	// untouched keys keep their defaults
	assert.Equal(t, 2, cfg.Saturation.CycleDoneIncrement)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MACKE_KLEE", "/usr/local/bin/klee")
	t.Setenv("MACKE_THREADNUM", "7")
	t.Setenv("MACKE_USE_CGROUPS", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/klee", cfg.Binaries.Klee)
	assert.Equal(t, 7, cfg.ThreadCount())
	assert.True(t, cfg.Fuzz.UseCGroups)
}

func TestLoadRejectsInvalidThreadNum(t *testing.T) {
	path := writeConfig(t, "runtime:\n  threadnum: 500\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestCheckBinaries(t *testing.T) {
	dir := t.TempDir()
	klee := filepath.Join(dir, "klee")
	opt := filepath.Join(dir, "opt")
	lib := filepath.Join(dir, "libMackeOpt.so")
	for _, p := range []string{klee, opt, lib} {
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0755))
	}

	cfg := Default()
	cfg.Binaries.Klee = klee
	cfg.Binaries.LLVMOpt = opt
	cfg.Binaries.LibMackeOpt = lib
	assert.NoError(t, cfg.CheckBinaries(false))

	cfg.Binaries.Klee = filepath.Join(dir, "missing-klee")
	err := cfg.CheckBinaries(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "klee")
}

func TestCheckBinariesListsMissingInOrder(t *testing.T) {
	cfg := Default()
	missing := filepath.Join(t.TempDir(), "missing")
	cfg.Binaries.Klee = missing
	cfg.Binaries.LLVMOpt = missing
	cfg.Binaries.LibMackeOpt = missing
	cfg.Binaries.Clang = missing
	cfg.Binaries.AFLCC = missing
	cfg.Binaries.AFLFuzz = missing
	cfg.Binaries.LLVMFuzzOpt = missing
	cfg.Binaries.LibMackeFuzzOpt = missing

	want := "config: binaries not found: " + strings.Join([]string{
		fmt.Sprintf("afl_cc (%q)", missing),
		fmt.Sprintf("afl_fuzz (%q)", missing),
		fmt.Sprintf("clang (%q)", missing),
		fmt.Sprintf("klee (%q)", missing),
		fmt.Sprintf("libmackefuzzopt (%q)", missing),
		fmt.Sprintf("libmackeopt (%q)", missing),
		fmt.Sprintf("llvmfuzzopt (%q)", missing),
		fmt.Sprintf("llvmopt (%q)", missing),
	}, ", ")
	for i := 0; i < 5; i++ {
		err := cfg.CheckBinaries(true)
		require.Error(t, err)
		assert.Equal(t, want, err.Error())
	}
}
