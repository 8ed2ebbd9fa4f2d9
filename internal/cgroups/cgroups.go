// Package cgroups manages the memory control groups fuzzing workers run in.
// There is one group per worker; a group is held by exactly one fuzz run at
// a time.
package cgroups

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"macke/internal/config"
	"macke/internal/proc"
)

const (
	memoryLimitFile = "memory.limit_in_bytes"
	swapLimitFile   = "memory.memsw.limit_in_bytes"
)

// ErrSwapUnsupported is returned when swap cannot be limited and swap
// limits are not ignored.
var ErrSwapUnsupported = errors.New("the system does not allow limiting swap memory with cgroups, disable swap or ignore swap limits")

// Group is one memory control group.
type Group struct {
	Name string
	// enabled is false for the placeholder groups of a disabled pool.
	enabled bool
}

// Wrapper is the command prefix that runs a command inside the group.
func (g *Group) Wrapper() []string {
	if g == nil || !g.enabled {
		return nil
	}
	return []string{"cgexec", "-g", "memory:" + g.Name, "--sticky"}
}

// Pool hands out groups. Acquire blocks until a group is free.
type Pool struct {
	root       string
	limitMB    int
	ignoreSwap bool
	enabled    bool
	groups     []*Group
	free       chan *Group
}

// Names returns the group names for n workers.
func Names(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "mackefuzzer_" + strconv.Itoa(i)
	}
	return names
}

// NewPool creates a pool of size groups. When cgroups are disabled in cfg
// the pool still bounds concurrency but does not wrap commands.
func NewPool(cfg *config.Config, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		root:       cfg.Fuzz.CGroupRoot,
		limitMB:    cfg.Fuzz.MemLimitMB,
		ignoreSwap: cfg.Fuzz.IgnoreSwap,
		enabled:    cfg.Fuzz.UseCGroups,
		free:       make(chan *Group, size),
	}
	for _, name := range Names(size) {
		g := &Group{Name: name, enabled: p.enabled}
		p.groups = append(p.groups, g)
		p.free <- g
	}
	return p
}

func (p *Pool) Size() int {
	return len(p.groups)
}

func (p *Pool) Enabled() bool {
	return p.enabled
}

// Acquire takes a free group.
func (p *Pool) Acquire(ctx context.Context) (*Group, error) {
	select {
	case g := <-p.free:
		return g, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns g to the pool.
func (p *Pool) Release(g *Group) {
	if g == nil {
		return
	}
	p.free <- g
}

// With runs fn while holding a group. The group is released even if fn
// panics.
func (p *Pool) With(ctx context.Context, fn func(g *Group) error) error {
	g, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(g)
	return fn(g)
}

func (p *Pool) limit() string {
	return strconv.Itoa(p.limitMB) + "M"
}

// Initialize creates every group with cgcreate, owned by usergroup, and
// writes the memory limits. It usually needs root.
func (p *Pool) Initialize(ctx context.Context, usergroup string) error {
	for _, g := range p.groups {
		out, err := proc.Run(ctx, proc.Command{
			Path: "cgcreate",
			Args: []string{"-s", "775", "-d", "775", "-f", "775", "-a", usergroup, "-t", usergroup, "-g", "memory:" + g.Name},
		})
		if err != nil {
			return fmt.Errorf("failed to create cgroup %s: %w", g.Name, err)
		}
		if out.ExitCode != 0 {
			return fmt.Errorf("cgcreate %s exited with %d: %s", g.Name, out.ExitCode, strings.TrimSpace(out.Text))
		}
		if err := p.writeLimits(g); err != nil {
			return err
		}
	}
	log.Printf("[cgroups] Initialized %d groups with a limit of %s", len(p.groups), p.limit())
	return nil
}

func (p *Pool) writeLimits(g *Group) error {
	dir := filepath.Join(p.root, g.Name)
	for _, name := range []string{memoryLimitFile, swapLimitFile} {
		path := filepath.Join(dir, name)
		if name == swapLimitFile {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if !p.ignoreSwap {
					return ErrSwapUnsupported
				}
				continue
			}
		}
		if err := os.WriteFile(path, []byte(p.limit()), 0644); err != nil {
			return fmt.Errorf("failed to set %s of %s: %w", name, g.Name, err)
		}
	}
	return nil
}

// Validate checks that every group exists, is accessible and carries the
// configured memory limit.
func (p *Pool) Validate() error {
	want := int64(p.limitMB) * 1024 * 1024
	for _, g := range p.groups {
		dir := filepath.Join(p.root, g.Name)
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("cgroup %s does not exist: %w", g.Name, err)
		}
		if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("lacking access to cgroup %s: %w", g.Name, err)
		}
		for _, name := range []string{memoryLimitFile, swapLimitFile} {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if os.IsNotExist(err) && name == swapLimitFile {
				if !p.ignoreSwap {
					return ErrSwapUnsupported
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read %s of %s: %w", name, g.Name, err)
			}
			got, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
			if err != nil || got != want {
				return fmt.Errorf("cgroup %s has an invalid memory limit %q, want %d", g.Name, strings.TrimSpace(string(data)), want)
			}
		}
	}
	return nil
}
