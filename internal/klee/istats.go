package klee

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"macke/internal/registry"
)

// LineCoverage holds the covered and uncovered source lines of one file.
type LineCoverage struct {
	Covered   map[int]bool
	Uncovered map[int]bool
}

// CoveredLines returns the sorted covered lines.
func (c *LineCoverage) CoveredLines() []int {
	return sortedLines(c.Covered)
}

// UncoveredLines returns the sorted uncovered lines.
func (c *LineCoverage) UncoveredLines() []int {
	return sortedLines(c.Uncovered)
}

func sortedLines(set map[int]bool) []int {
	lines := make([]int, 0, len(set))
	for l := range set {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

// runtimeSources are library and runtime files left out of coverage.
var runtimeSources = []string{
	"/libc/string/",
	"/runtime/Intrinsic/",
	"/runtime/POSIX/",
	"/libc/termios/",
	"/libc/stdio/",
	"/libc/stdlib/",
	"/klee-uclibc/",
}

// ReadLineCoverage parses a run.istats file. A line counts as covered once
// any of its instructions was executed.
func ReadLineCoverage(path string) (map[string]*LineCoverage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	header := make(map[string]string)
	coverage := make(map[string]*LineCoverage)
	var current *LineCoverage
	lineNo := 0
	inHeader := true

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		if inHeader {
			if k, v, ok := strings.Cut(line, ":"); ok && !strings.Contains(k, "=") {
				header[strings.TrimSpace(k)] = strings.TrimSpace(v)
				continue
			}
			inHeader = false
			if header["version"] != "1" || header["creator"] != "klee" || header["positions"] != "instr line" {
				return nil, fmt.Errorf("%w: %s: unexpected istats header", registry.ErrMalformedArtifact, path)
			}
		}

		switch {
		case line[0] >= '0' && line[0] <= '9':
			cols := strings.Fields(line)
			if len(cols) < 3 {
				return nil, fmt.Errorf("%w: %s:%d: short row", registry.ErrMalformedArtifact, path, lineNo)
			}
			loc, err1 := strconv.Atoi(cols[1])
			count, err2 := strconv.Atoi(cols[2])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: %s:%d: bad row %q", registry.ErrMalformedArtifact, path, lineNo, line)
			}
			if loc == 0 || current == nil {
				continue
			}
			if count != 0 {
				current.Covered[loc] = true
			} else {
				current.Uncovered[loc] = true
			}
		case strings.HasPrefix(line, "fl="):
			name := strings.TrimSpace(line[3:])
			current = nil
			if name == "" {
				continue
			}
			if c, ok := coverage[name]; ok {
				current = c
			} else {
				current = &LineCoverage{Covered: make(map[int]bool), Uncovered: make(map[int]bool)}
				coverage[name] = current
			}
		case line[0] == '#', strings.HasPrefix(line, "ob="), strings.HasPrefix(line, "cob="),
			strings.HasPrefix(line, "fn="), strings.HasPrefix(line, "cfl="),
			strings.HasPrefix(line, "cfn="), strings.HasPrefix(line, "calls="):
		default:
			return nil, fmt.Errorf("%w: %s:%d: invalid line %q", registry.ErrMalformedArtifact, path, lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if inHeader {
		return nil, fmt.Errorf("%w: %s: no coverage data", registry.ErrMalformedArtifact, path)
	}

	for name, c := range coverage {
		for _, rt := range runtimeSources {
			if strings.Contains(name, rt) {
				delete(coverage, name)
				break
			}
		}
		// lines covered by any instruction are not uncovered
		for l := range c.Covered {
			delete(c.Uncovered, l)
		}
	}
	return coverage, nil
}

// CountCoveredLines sums the covered lines over all files.
func CountCoveredLines(coverage map[string]*LineCoverage) int {
	n := 0
	for _, c := range coverage {
		n += len(c.Covered)
	}
	return n
}
