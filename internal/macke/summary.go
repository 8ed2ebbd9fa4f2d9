package macke

import (
	"log"
	"sort"

	"macke/internal/metrics"
	"macke/internal/models"
	"macke/internal/registry"
)

// Finalize writes summary.json and timing.json, links macke-last to the
// run and returns the summary. The summary is returned even if writing
// one of the files fails.
func (m *Macke) Finalize() (*models.Summary, error) {
	end := m.now()
	m.timing.End = end
	if m.timing.StartPhaseTwo.IsZero() {
		m.timing.StartPhaseTwo = end
	}
	m.timing.PhaseOne = models.DurationSeconds(m.timing.StartPhaseTwo.Sub(m.timing.Start))
	m.timing.PhaseTwo = models.DurationSeconds(end.Sub(m.timing.StartPhaseTwo))
	m.timing.Total = models.DurationSeconds(end.Sub(m.timing.Start))

	summary := m.Summary()
	metrics.SetChains(summary.Chains)

	m.qprintf("[Summary] %d tests were generated with %d backend runs", summary.Testcases, summary.BackendRuns)
	m.qprintf("[Summary] %d errors were detected spread over %d functions", summary.TotalErrors, summary.FunctionsWithErrors)
	if len(summary.FailedFunctions) > 0 {
		log.Printf("[Summary] Warning: %d runs failed: %v", len(summary.FailedFunctions), summary.FailedFunctions)
	}

	if err := m.dir.WriteJSON("summary.json", summary); err != nil {
		return summary, err
	}
	if err := m.dir.WriteJSON("timing.json", m.timing); err != nil {
		return summary, err
	}
	if err := m.dir.WriteJSON("klee.json", m.index.Runs()); err != nil {
		return summary, err
	}
	if err := m.dir.LinkLast(); err != nil {
		log.Printf("[macke] Warning: failed to link %s: %v", lastLinkName, err)
	}
	return summary, nil
}

// Summary computes the summary of the run so far.
func (m *Macke) Summary() *models.Summary {
	stats := m.reg.Stats()
	s := &models.Summary{
		Functions:             m.cg.Len(),
		EncapsulatedFunctions: len(m.stats.functions),
		Testcases:             m.stats.testcases,
		BackendRuns:           m.stats.phaseOneRuns + m.stats.phaseTwoRuns,
		PhaseOneRuns:          m.stats.phaseOneRuns,
		PhaseTwoRuns:          m.stats.phaseTwoRuns,
		SuitableCalls:         m.stats.suitableCalls,
		TotalCalls:            m.stats.totalCalls,
		SkippedCalls:          m.stats.skippedCalls,
		Batches:               m.stats.batches,

		TotalErrors:            m.reg.ErrorCount(),
		PropagatedErrors:       m.reg.PropagatedCount(),
		DroppedErrors:          m.reg.Dropped(),
		FunctionsWithErrors:    m.reg.CountFunctionsWithErrors(),
		NewFunctionsInPhaseTwo: m.reg.CountFunctionsWithErrors() - m.stats.phaseOneErrFns,
		VulnerableInstructions: m.reg.CountVulnerableLocations(),

		Timeouts:        m.stats.timeouts,
		OutOfMemory:     m.stats.outOfMemory,
		CrashedRuns:     m.stats.crashed,
		FailedFunctions: append([]string{}, m.stats.failed...),

		Chains:              stats.Count,
		ChainsLongerThanOne: stats.LongerThanOne,
		ChainsFromMain:      stats.FromMain,
		MaxChainLength:      stats.MaxLength,
		AvgChainLength:      stats.AvgLength,

		FunctionToErrorRuns: make(map[string][]string, len(m.stats.errorRuns)),
		ErrorChains:         chainModels(m.reg, registry.NewProgramFunctionSet(m.cg.Names()...)),
	}
	sort.Strings(s.FailedFunctions)
	for fn, dirs := range m.stats.errorRuns {
		s.FunctionToErrorRuns[fn] = append([]string{}, dirs...)
	}
	return s
}

// chainModels lists the chains longest first. The length of a chain counts
// the functions of fns on its trace.
func chainModels(reg *registry.Registry, fns registry.ProgramFunctionSet) []models.Chain {
	chains := reg.Chains()
	sort.SliceStable(chains, func(i, j int) bool {
		return chains[i].Depth() > chains[j].Depth()
	})
	out := make([]models.Chain, 0, len(chains))
	for _, c := range chains {
		var programTrace []string
		for _, f := range c.FilteredTrace(fns) {
			programTrace = append(programTrace, f.String())
		}
		out = append(out, models.Chain{
			ID:                 c.ID,
			VulnerableLocation: c.VulnerableLocation(),
			Reason:             c.Origin().Reason,
			Length:             c.NumUserFunctions(fns),
			Depth:              c.Depth(),
			Trace:              c.Trace.Functions(),
			ProgramTrace:       programTrace,
			ErrorFiles:         c.ErrorFiles(),
			Support:            c.Support(),
		})
	}
	return out
}
