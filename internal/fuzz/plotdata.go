package fuzz

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"macke/internal/config"
	"macke/internal/registry"
)

// PlotRow is one line of AFL's plot_data progress log.
type PlotRow struct {
	Time          int64
	CyclesDone    int
	CurPath       int
	PathsTotal    int
	PendingTotal  int
	PendingFavs   int
	MapSize       float64
	UniqueCrashes int
	UniqueHangs   int
	MaxDepth      int
	ExecsPerSec   float64
}

const plotColumns = 11

// ReadPlotData parses plot_data. Comment lines are skipped; columns after
// the eleventh, written by newer AFL versions, are ignored. A missing file
// yields no rows.
func ReadPlotData(path string) ([]PlotRow, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var rows []PlotRow
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		row, err := parsePlotRow(line)
		if err != nil {
			return rows, fmt.Errorf("%w: %s:%d: %v", registry.ErrMalformedArtifact, path, lineNo, err)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func parsePlotRow(line string) (PlotRow, error) {
	cols := strings.Split(line, ",")
	if len(cols) < plotColumns {
		return PlotRow{}, fmt.Errorf("expected %d columns, got %d", plotColumns, len(cols))
	}
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}

	var (
		row  PlotRow
		err  error
		ints = []*int{
			&row.CyclesDone, &row.CurPath, &row.PathsTotal, &row.PendingTotal, &row.PendingFavs,
		}
	)
	if row.Time, err = strconv.ParseInt(cols[0], 10, 64); err != nil {
		return row, err
	}
	for i, dst := range ints {
		if *dst, err = strconv.Atoi(cols[i+1]); err != nil {
			return row, err
		}
	}
	if row.MapSize, err = strconv.ParseFloat(strings.TrimSuffix(cols[6], "%"), 64); err != nil {
		return row, err
	}
	for i, dst := range []*int{&row.UniqueCrashes, &row.UniqueHangs, &row.MaxDepth} {
		if *dst, err = strconv.Atoi(cols[i+7]); err != nil {
			return row, err
		}
	}
	if row.ExecsPerSec, err = strconv.ParseFloat(cols[10], 64); err != nil {
		return row, err
	}
	return row, nil
}

// Saturation decides when a fuzzer stopped making progress. Every poll
// adds to a score: a finished queue cycle without pending paths adds more
// than an unfinished one, pending paths reset it.
type Saturation struct {
	cfg        config.Saturation
	score      int
	lastCycles int
}

func NewSaturation(cfg config.Saturation) *Saturation {
	return &Saturation{cfg: cfg}
}

// Observe feeds the latest plot_data row and reports whether the fuzzer is
// saturated.
func (s *Saturation) Observe(row PlotRow) bool {
	switch {
	case row.PendingTotal > 0:
		s.score = 0
	case row.CyclesDone > s.lastCycles:
		s.score += s.cfg.CycleDoneIncrement
	default:
		s.score += s.cfg.IncompleteIncrement
	}
	s.lastCycles = row.CyclesDone
	return s.Saturated()
}

func (s *Saturation) Saturated() bool {
	return s.score > s.cfg.Threshold
}

func (s *Saturation) Score() int {
	return s.score
}
