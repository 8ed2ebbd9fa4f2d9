package cgroups

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macke/internal/config"
)

func testConfig(root string, enabled bool) *config.Config {
	cfg := config.Default()
	cfg.Fuzz.CGroupRoot = root
	cfg.Fuzz.UseCGroups = enabled
	cfg.Fuzz.MemLimitMB = 50
	return cfg
}

func TestWrapper(t *testing.T) {
	p := NewPool(testConfig(t.TempDir(), true), 2)
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(g)

	assert.Equal(t, []string{"cgexec", "-g", "memory:mackefuzzer_0", "--sticky"}, g.Wrapper())

	disabled := NewPool(testConfig(t.TempDir(), false), 1)
	d, err := disabled.Acquire(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d.Wrapper())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(testConfig(t.TempDir(), false), 3)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(g *Group) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int32(3))
	assert.Len(t, p.free, 3)
}

func TestWithReleasesOnErrorAndPanic(t *testing.T) {
	p := NewPool(testConfig(t.TempDir(), false), 1)

	boom := errors.New("boom")
	assert.ErrorIs(t, p.With(context.Background(), func(*Group) error { return boom }), boom)

	assert.Panics(t, func() {
		_ = p.With(context.Background(), func(*Group) error { panic("worker died") })
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g, err := p.Acquire(ctx)
	require.NoError(t, err, "group leaked")
	p.Release(g)
}

func TestAcquireHonorsContext(t *testing.T) {
	p := NewPool(testConfig(t.TempDir(), false), 1)
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(g)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func makeGroups(t *testing.T, root string, n int, limit string, withSwap bool) {
	t.Helper()
	for _, name := range Names(n) {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, memoryLimitFile), []byte(limit+"\n"), 0644))
		if withSwap {
			require.NoError(t, os.WriteFile(filepath.Join(dir, swapLimitFile), []byte(limit+"\n"), 0644))
		}
	}
}

func TestValidate(t *testing.T) {
	root := t.TempDir()
	makeGroups(t, root, 2, "52428800", true)
	assert.NoError(t, NewPool(testConfig(root, true), 2).Validate())

	assert.Error(t, NewPool(testConfig(root, true), 3).Validate(), "third group is missing")

	noSwap := t.TempDir()
	makeGroups(t, noSwap, 1, "52428800", false)
	assert.ErrorIs(t, NewPool(testConfig(noSwap, true), 1).Validate(), ErrSwapUnsupported)
	cfg := testConfig(noSwap, true)
	cfg.Fuzz.IgnoreSwap = true
	assert.NoError(t, NewPool(cfg, 1).Validate())

	wrong := t.TempDir()
	makeGroups(t, wrong, 1, "1024", true)
	assert.Error(t, NewPool(testConfig(wrong, true), 1).Validate())
}

func TestWriteLimits(t *testing.T) {
	root := t.TempDir()
	makeGroups(t, root, 1, "0", true)
	p := NewPool(testConfig(root, true), 1)

	require.NoError(t, p.writeLimits(p.groups[0]))
	data, err := os.ReadFile(filepath.Join(root, "mackefuzzer_0", memoryLimitFile))
	require.NoError(t, err)
	assert.Equal(t, "50M", string(data))
}
