package models

import (
	"time"

	"github.com/google/uuid"
)

// KleeRun is one entry of klee.json. Fields are declared in key order so
// the persisted object is sorted.
type KleeRun struct {
	BCFile   string `json:"bcfile"`
	Callee   string `json:"callee,omitempty"`
	Caller   string `json:"caller,omitempty"`
	Folder   string `json:"folder"`
	Function string `json:"function,omitempty"`
	Kind     string `json:"kind"`
	Phase    int    `json:"phase"`
}

// Info is written to info.json when a run starts.
type Info struct {
	RunID               uuid.UUID `json:"run-id"`
	Version             string    `json:"macke-version"`
	AnalyzedBitcodeFile string    `json:"analyzed-bitcodefile"`
	Argv                []string  `json:"run-argv"`
	Comment             string    `json:"comment"`
	Start               time.Time `json:"start"`
}

// Timing is written to timing.json.
type Timing struct {
	Start         time.Time `json:"start"`
	StartPhaseTwo time.Time `json:"start-phase-two"`
	End           time.Time `json:"end"`
	PhaseOne      Seconds   `json:"phase-one-seconds"`
	PhaseTwo      Seconds   `json:"phase-two-seconds"`
	Total         Seconds   `json:"total-seconds"`
}

// Seconds marshals a duration as a number of seconds.
type Seconds float64

func DurationSeconds(d time.Duration) Seconds {
	return Seconds(d.Seconds())
}

// Chain is the persisted form of an error chain.
type Chain struct {
	ID                 int      `json:"id"`
	VulnerableLocation string   `json:"vulnerable-instruction"`
	Reason             string   `json:"reason"`
	Length             int      `json:"length"`
	Depth              int      `json:"depth"`
	Trace              []string `json:"trace"`
	// ProgramTrace holds the frames of Trace in program functions as
	// function@location.
	ProgramTrace []string `json:"program-trace"`
	ErrorFiles   []string `json:"error-files"`
	Support      int      `json:"support"`
}

// Summary is written to summary.json and returned by the service.
type Summary struct {
	Functions             int `json:"functions"`
	EncapsulatedFunctions int `json:"encapsulated-functions"`
	Testcases             int `json:"testcases"`
	BackendRuns           int `json:"backend-runs"`
	PhaseOneRuns          int `json:"phase-one-runs"`
	PhaseTwoRuns          int `json:"phase-two-runs"`
	SuitableCalls         int `json:"suitable-calls"`
	TotalCalls            int `json:"total-calls"`
	SkippedCalls          int `json:"skipped-calls"`
	Batches               int `json:"batches"`

	TotalErrors            int            `json:"totalNumberOfErrors"`
	PropagatedErrors       int            `json:"propagated-errors"`
	DroppedErrors          map[string]int `json:"dropped-errors,omitempty"`
	FunctionsWithErrors    int            `json:"numberOfFunctionsWithErrors"`
	NewFunctionsInPhaseTwo int            `json:"new-functions-with-errors-in-phase-two"`
	VulnerableInstructions int            `json:"vulnerable-instructions"`

	Timeouts        int      `json:"klee-timeouts"`
	OutOfMemory     int      `json:"klee-outofmemory"`
	CrashedRuns     int      `json:"crashed-runs"`
	FailedFunctions []string `json:"failed-functions"`

	Chains              int     `json:"chains"`
	ChainsLongerThanOne int     `json:"chains-longer-than-one"`
	ChainsFromMain      int     `json:"chainsfrommain"`
	MaxChainLength      int     `json:"max-chain-length"`
	AvgChainLength      float64 `json:"avg-chain-length"`

	FunctionToErrorRuns map[string][]string `json:"functionToKleeRunWithErrorMap"`
	ErrorChains         []Chain             `json:"errorchains"`
}

// AnalysisState is the lifecycle state of an analysis run of the service.
type AnalysisState string

const (
	AnalysisPending   AnalysisState = "pending"
	AnalysisRunning   AnalysisState = "running"
	AnalysisSucceeded AnalysisState = "succeeded"
	AnalysisFailed    AnalysisState = "failed"
	AnalysisCanceled  AnalysisState = "canceled"
)

// AnalysisRequest asks the service to analyze one bitcode file.
type AnalysisRequest struct {
	Bitcode          string   `json:"bitcode" binding:"required"`
	Comment          string   `json:"comment"`
	MaxTime          int      `json:"max_time" binding:"omitempty,min=1"`
	MaxInstTime      int      `json:"max_instruction_time" binding:"omitempty,min=1"`
	SymArgs          []string `json:"sym_args" binding:"omitempty,len=3"`
	SymFiles         []string `json:"sym_files" binding:"omitempty,len=2"`
	UseFuzzer        bool     `json:"use_fuzzer"`
	UseFlipper       bool     `json:"use_flipper"`
	FuzzTime         int      `json:"fuzz_time" binding:"omitempty,min=1"`
	StopFuzzWhenDone bool     `json:"stop_fuzz_when_done"`
	ExcludeKnown     *bool    `json:"exclude_known"`
	Libraries        []string `json:"libraries"`
	Threads          int      `json:"threads" binding:"omitempty,min=1,max=127"`
	// Timeout bounds the whole run in seconds.
	Timeout int `json:"timeout" binding:"omitempty,min=1"`
}

// Analysis is the service's view of one analysis run.
type Analysis struct {
	ID       uuid.UUID       `json:"id"`
	State    AnalysisState   `json:"state"`
	Request  AnalysisRequest `json:"request"`
	RunDir   string          `json:"run_dir,omitempty"`
	Error    string          `json:"error,omitempty"`
	Summary  *Summary        `json:"summary,omitempty"`
	Created  int64           `json:"created"`
	Finished int64           `json:"finished,omitempty"`
}

// Status is returned by the status endpoint.
type Status struct {
	Ready   bool        `json:"ready"`
	Since   int64       `json:"since"`
	State   StatusState `json:"state"`
	Version string      `json:"version"`
}

type StatusState struct {
	Analyses StatusAnalysesState `json:"analyses"`
}

type StatusAnalysesState struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// ChainSubmission is posted to the results endpoint for every chain.
type ChainSubmission struct {
	RunID              uuid.UUID `json:"run_id"`
	Bitcode            string    `json:"bitcode"`
	VulnerableLocation string    `json:"vulnerable_instruction"`
	Reason             string    `json:"reason"`
	Trace              []string  `json:"trace"`
	ErrorFiles         []string  `json:"error_files"`
	Length             int       `json:"length"`
}

type ChainSubmissionResponse struct {
	Status       string `json:"status"`
	SubmissionID string `json:"submission_id"`
}
