package build

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/derivation"
	"storeweaver/internal/storepath"
)

// ExitCode is the terminal state of a goal.
type ExitCode string

const (
	ExitSuccess ExitCode = "success"
	ExitFailed  ExitCode = "failed"
	// ExitNoSubstituters means no substituter knows the path.
	ExitNoSubstituters ExitCode = "no-substituters"
	// ExitIncompleteClosure means a reference of the path could not be
	// substituted.
	ExitIncompleteClosure ExitCode = "incomplete-closure"
)

// Status classifies the outcome of building or substituting.
type Status string

const (
	Built            Status = "Built"
	Substituted      Status = "Substituted"
	AlreadyValid     Status = "AlreadyValid"
	PermanentFailure Status = "PermanentFailure"
	InputRejected    Status = "InputRejected"
	OutputRejected   Status = "OutputRejected"
	TransientFailure Status = "TransientFailure"
	TimedOut         Status = "TimedOut"
	MiscFailure      Status = "MiscFailure"
	DependencyFailed Status = "DependencyFailed"
	LogLimitExceeded Status = "LogLimitExceeded"
	NotDeterministic Status = "NotDeterministic"
	NoSubstituters   Status = "NoSubstituters"
)

// BuildResult is what a client learns about one realised target.
type BuildResult struct {
	Status     Status
	ErrorMsg   string
	TimesBuilt int
	StartTime  time.Time
	StopTime   time.Time
	// BuiltOutputs maps output names to the paths holding them.
	BuiltOutputs map[string]derivation.Realisation
}

// Success reports whether the target is now valid.
func (r BuildResult) Success() bool {
	switch r.Status {
	case Built, Substituted, AlreadyValid:
		return true
	}
	return false
}

// RestrictTo keeps only the outputs p asks for.
func (r BuildResult) RestrictTo(p derivation.DerivedPath) BuildResult {
	if !p.Built || p.Outputs.All {
		return r
	}
	out := r
	out.BuiltOutputs = make(map[string]derivation.Realisation)
	for name, rl := range r.BuiltOutputs {
		if p.Outputs.Contains(name) {
			out.BuiltOutputs[name] = rl
		}
	}
	return out
}

// OutputPaths returns the paths of the built outputs.
func (r BuildResult) OutputPaths() []storepath.StorePath {
	set := sets.New[storepath.StorePath]()
	for _, rl := range r.BuiltOutputs {
		set.Insert(rl.OutPath)
	}
	return storepath.SortedList(set)
}

// WorkResult is the terminal result of a goal, as seen by the goals waiting
// on it and by the worker.
type WorkResult struct {
	ExitCode ExitCode
	Result   BuildResult
	// Err explains a failure; nil on success.
	Err error

	PermanentFailure bool
	TimedOut         bool
	HashMismatch     bool
	CheckMismatch    bool

	// StorePath is set by substitution goals.
	StorePath storepath.StorePath
}
