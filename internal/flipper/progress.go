package flipper

import (
	"path/filepath"

	"macke/internal/fuzz"
	"macke/internal/klee"
)

// progress accumulates what the runs of one session have reached. A run
// progresses only if it gets beyond everything before it in the session.
type progress struct {
	lines map[string]*klee.LineCoverage
	paths int
}

func newProgress() *progress {
	return &progress{lines: make(map[string]*klee.LineCoverage)}
}

// symbolic merges the covered lines of a KLEE run from its run.istats and
// reports whether the session coverage grew.
func (p *progress) symbolic(outDir string) (bool, error) {
	cov, err := klee.ReadLineCoverage(filepath.Join(outDir, "run.istats"))
	if err != nil {
		return false, err
	}
	before := klee.CountCoveredLines(p.lines)
	for file, c := range cov {
		seen, ok := p.lines[file]
		if !ok {
			seen = &klee.LineCoverage{Covered: make(map[int]bool), Uncovered: make(map[int]bool)}
			p.lines[file] = seen
		}
		for l := range c.Covered {
			seen.Covered[l] = true
		}
	}
	return klee.CountCoveredLines(p.lines) > before, nil
}

// fuzz reports whether a fuzz run ended with more paths than the previous
// ones. Every slice starts from the queue of the one before, so the total
// only grows with new paths.
func (p *progress) fuzz(outDir string) (bool, error) {
	rows, err := fuzz.ReadPlotData(filepath.Join(outDir, "plot_data"))
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	total := rows[len(rows)-1].PathsTotal
	if total <= p.paths {
		return false, nil
	}
	p.paths = total
	return true, nil
}

// covered is the number of source lines covered by the session so far.
func (p *progress) covered() int {
	return klee.CountCoveredLines(p.lines)
}
