package macke

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"macke/internal/backend"
	"macke/internal/models"
)

const (
	timestampLayout = "2006-01-02-15-04-05"
	lastLinkName    = "macke-last"
)

// RunDir is the output directory of one analysis run:
//
//	<parent>/<timestamp>/
//	    bitcode/program.bc, bitcode/symmains.bc, bitcode/prepend-*.bc
//	    klee/klee-out-N/    one directory per backend run
//	    fuzz/               fuzz target, input corpus and fuzz-out-N/
//	    klee.json info.json options.json summary.json timing.json callgraph.dot
type RunDir struct {
	Parent string
	Root   string
}

// CreateRunDir creates a fresh run directory below parent named after now.
// A suffix is added when a run of the same second already exists.
func CreateRunDir(parent string, now time.Time) (*RunDir, error) {
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	name := now.Format(timestampLayout)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = name + "-" + strconv.Itoa(i)
		}
		root := filepath.Join(parent, candidate)
		err := os.Mkdir(root, 0755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
		d := &RunDir{Parent: parent, Root: root}
		for _, sub := range []string{d.BitcodeDir(), d.KleeDir(), d.FuzzDir()} {
			if err := os.MkdirAll(sub, 0755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", sub, err)
			}
		}
		return d, nil
	}
}

func (d *RunDir) BitcodeDir() string { return filepath.Join(d.Root, "bitcode") }
func (d *RunDir) KleeDir() string    { return filepath.Join(d.Root, "klee") }
func (d *RunDir) FuzzDir() string    { return filepath.Join(d.Root, "fuzz") }

// Program is the copy of the analyzed bitcode.
func (d *RunDir) Program() string {
	return filepath.Join(d.BitcodeDir(), "program.bc")
}

// SymMains holds the symbolic encapsulation of every phase-one function.
func (d *RunDir) SymMains() string {
	return filepath.Join(d.BitcodeDir(), "symmains.bc")
}

// EdgeImage is the private image of one phase-two call edge.
func (d *RunDir) EdgeImage(caller, callee string) string {
	return filepath.Join(d.BitcodeDir(), "prepend-"+caller+"-"+callee+".bc")
}

func (d *RunDir) Path(name string) string {
	return filepath.Join(d.Root, name)
}

// WriteJSON stores v as name inside the run directory.
func (d *RunDir) WriteJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return writeFileAtomic(d.Path(name), data)
}

// LinkLast points <parent>/macke-last at this run.
func (d *RunDir) LinkLast() error {
	link := filepath.Join(d.Parent, lastLinkName)
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", link, err)
	}
	return os.Symlink(d.Root, link)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// KleeIndex hands out the output directories of backend runs and keeps
// klee.json up to date. It is safe for concurrent use.
type KleeIndex struct {
	mu   sync.Mutex
	dir  *RunDir
	next int
	runs map[string]models.KleeRun
}

func NewKleeIndex(dir *RunDir) *KleeIndex {
	return &KleeIndex{dir: dir, next: 1, runs: make(map[string]models.KleeRun)}
}

// Next reserves the output directory of a run and records it. The
// directory itself is created by the backend.
func (x *KleeIndex) Next(run models.KleeRun) string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var id, parent string
	if run.Kind == string(backend.KindFuzz) {
		id = "fuzz-out-" + strconv.Itoa(x.next)
		parent = x.dir.FuzzDir()
	} else {
		id = "klee-out-" + strconv.Itoa(x.next)
		parent = x.dir.KleeDir()
	}
	x.next++

	run.Folder = filepath.Join(parent, id)
	x.runs[id] = run
	if err := x.dir.WriteJSON("klee.json", x.runs); err != nil {
		log.Printf("Warning: failed to update klee.json: %v", err)
	}
	return run.Folder
}

// Runs returns a copy of the index.
func (x *KleeIndex) Runs() map[string]models.KleeRun {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]models.KleeRun, len(x.runs))
	for k, v := range x.runs {
		out[k] = v
	}
	return out
}

func (x *KleeIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.runs)
}
