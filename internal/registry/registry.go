// Package registry collects the errors found by all backend runs of one
// analysis and reconstructs error chains from their stack traces.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

type Options struct {
	Containment Containment
	// Functions are the functions defined by the analyzed program.
	Functions ProgramFunctionSet
}

// Registry is safe for concurrent use. A single lock guards every index.
type Registry struct {
	mu   sync.Mutex
	opts Options

	byFile     map[string]*Error
	byFunction map[string][]*Error
	byLocation map[string][]*Error
	byHead     map[Frame][]*Error
	bySeed     map[string][]*Error
	order      []*Error
	chains     []*Chain

	propagated int
	dropped    map[string]int
}

func New(opts Options) *Registry {
	return &Registry{
		opts:       opts,
		byFile:     make(map[string]*Error),
		byFunction: make(map[string][]*Error),
		byLocation: make(map[string][]*Error),
		byHead:     make(map[Frame][]*Error),
		bySeed:     make(map[string][]*Error),
		dropped:    make(map[string]int),
	}
}

// RegisterFile parses and registers one error report.
func (r *Registry) RegisterFile(path, entryFunction string) (*Error, error) {
	e, err := ParseErrorFile(path, entryFunction, r.opts.Functions)
	if err != nil {
		r.mu.Lock()
		r.dropped[dropReason(err)]++
		r.mu.Unlock()
		return nil, err
	}
	if err := r.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Register indexes e and merges it into the error chains. Registering the
// same report twice is a no-op. Errors with an empty stack, blacklisted
// reasons or an unregistered seed are dropped.
//
// A propagated error inherits the vulnerable location of its seed and gets
// the seed's trace prepended to its own before it is indexed.
func (r *Registry) Register(e *Error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byFile[e.ErrFile]; ok {
		return nil
	}
	if e.IsBlacklisted() {
		r.dropped[dropReason(ErrBlacklisted)]++
		return fmt.Errorf("%w: %s", ErrBlacklisted, e.ErrFile)
	}

	if e.IsPropagated() {
		seed, ok := r.byFile[e.SeedFile]
		if !ok {
			r.dropped[dropReason(ErrOrderingViolation)]++
			log.Printf("[registry] Warning: dropping %s, seed %s is not registered", e.ErrFile, e.SeedFile)
			return fmt.Errorf("%w: %s seeded from %s", ErrOrderingViolation, e.ErrFile, e.SeedFile)
		}
		e.VulnerableLocation = seed.VulnerableLocation
		e.Trace = e.Trace.Prepend(seed.Trace)
	}

	if e.Trace.Empty() {
		r.dropped[dropReason(ErrEmptyStack)]++
		log.Printf("[registry] Warning: dropping %s: %v", e.ErrFile, ErrEmptyStack)
		return fmt.Errorf("%w: %s", ErrEmptyStack, e.ErrFile)
	}

	if e.IsPropagated() {
		r.propagated++
		r.bySeed[e.SeedFile] = append(r.bySeed[e.SeedFile], e)
	}
	r.byFile[e.ErrFile] = e
	r.byFunction[e.EntryFunction] = append(r.byFunction[e.EntryFunction], e)
	r.byLocation[e.VulnerableLocation] = append(r.byLocation[e.VulnerableLocation], e)
	head, _ := e.Trace.Head()
	r.byHead[head] = append(r.byHead[head], e)
	r.order = append(r.order, e)

	r.addToChains(e)
	return nil
}

// addToChains merges e into the oldest matching chain. Without a match a new
// chain is started and every registered error along its trace that matches
// is pulled in.
func (r *Registry) addToChains(e *Error) {
	for _, c := range r.chains {
		if c.Matches(e) {
			c.Add(e)
			return
		}
	}

	c := newChain(len(r.chains), e, r.opts.Containment)
	r.chains = append(r.chains, c)

	seen := map[*Error]bool{e: true}
	for _, frame := range e.Trace.Frames {
		for _, prev := range r.byHead[frame] {
			if seen[prev] {
				continue
			}
			seen[prev] = true
			if c.Matches(prev) {
				c.Add(prev)
			}
		}
	}
}

// ToPrependInPhaseTwo returns the error reports of callee that should be
// prepended when analyzing caller. With excludeKnown, errors whose trace is
// already contained in one of caller's errors are left out.
func (r *Registry) ToPrependInPhaseTwo(caller, callee string, excludeKnown bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []string
	for _, e := range r.byFunction[callee] {
		if excludeKnown && r.knownTo(caller, e) {
			continue
		}
		result = append(result, e.ErrFile)
	}
	sort.Strings(result)
	return result
}

func (r *Registry) knownTo(caller string, e *Error) bool {
	for _, other := range r.byFunction[caller] {
		if e.Trace.IsContainedInMode(other.Trace, r.opts.Containment) {
			return true
		}
	}
	return false
}

// Lookup returns the registered error of a report file.
func (r *Registry) Lookup(errFile string) (*Error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byFile[errFile]
	return e, ok
}

// Errors returns every registered error in registration order.
func (r *Registry) Errors() []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Error(nil), r.order...)
}

func (r *Registry) ErrorsFor(function string) []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Error(nil), r.byFunction[function]...)
}

// PropagatedFrom returns the errors seeded from errFile.
func (r *Registry) PropagatedFrom(errFile string) []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Error(nil), r.bySeed[errFile]...)
}

func (r *Registry) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) PropagatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.propagated
}

func (r *Registry) CountVulnerableLocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byLocation)
}

func (r *Registry) CountFunctionsWithErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFunction)
}

// FunctionsWithErrors returns the sorted entry functions with errors.
func (r *Registry) FunctionsWithErrors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byFunction))
	for name := range r.byFunction {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VulnerableLocationsFor returns the sorted distinct vulnerable locations
// of the errors found from function.
func (r *Registry) VulnerableLocationsFor(function string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var result []string
	for _, e := range r.byFunction[function] {
		if !seen[e.VulnerableLocation] {
			seen[e.VulnerableLocation] = true
			result = append(result, e.VulnerableLocation)
		}
	}
	sort.Strings(result)
	return result
}

// Dropped returns how many errors were dropped, by reason.
func (r *Registry) Dropped() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.dropped))
	for k, v := range r.dropped {
		out[k] = v
	}
	return out
}

// Chains returns a snapshot of all chains in creation order.
func (r *Registry) Chains() []*Chain {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Chain, len(r.chains))
	for i, c := range r.chains {
		out[i] = c.clone()
	}
	return out
}

// ChainsByLocation groups the chains by vulnerable location, longest
// first. Chains of equal depth keep their creation order.
func (r *Registry) ChainsByLocation() map[string][]*Chain {
	result := make(map[string][]*Chain)
	for _, c := range r.Chains() {
		loc := c.VulnerableLocation()
		result[loc] = append(result[loc], c)
	}
	for _, chains := range result {
		sort.SliceStable(chains, func(i, j int) bool {
			return chains[i].Depth() > chains[j].Depth()
		})
	}
	return result
}

// ChainStats summarizes the chains of a registry.
type ChainStats struct {
	Count         int     `json:"count"`
	LongerThanOne int     `json:"longer_than_one"`
	MinLength     int     `json:"min_length"`
	MaxLength     int     `json:"max_length"`
	AvgLength     float64 `json:"avg_length"`
	FromMain      int     `json:"from_main"`
}

// Stats measures chain length as the number of distinct program functions
// on the chain's trace.
func (r *Registry) Stats() ChainStats {
	chains := r.Chains()
	stats := ChainStats{Count: len(chains)}
	if len(chains) == 0 {
		return stats
	}

	total := 0
	stats.MinLength = -1
	for _, c := range chains {
		n := c.NumUserFunctions(r.opts.Functions)
		total += n
		if n > 1 {
			stats.LongerThanOne++
		}
		if stats.MinLength < 0 || n < stats.MinLength {
			stats.MinLength = n
		}
		if n > stats.MaxLength {
			stats.MaxLength = n
		}
		if c.EntryFunction() == "main" {
			stats.FromMain++
		}
	}
	stats.AvgLength = float64(total) / float64(len(chains))
	return stats
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedArtifact):
		return "malformed"
	case errors.Is(err, ErrEmptyStack):
		return "empty_stack"
	case errors.Is(err, ErrOrderingViolation):
		return "ordering"
	case errors.Is(err, ErrBlacklisted):
		return "blacklisted"
	}
	return "other"
}

// DropReason names the reason an error was dropped, for counting.
func DropReason(err error) string {
	return dropReason(err)
}
