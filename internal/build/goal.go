package build

import (
	"context"
	"time"
)

// JobCategory selects the token pool an asynchronous job draws from.
type JobCategory int

const (
	// CategoryBuild jobs are CPU and memory bound; maxBuildJobs tokens.
	CategoryBuild JobCategory = iota
	// CategorySubstitution jobs are network bound; maxSubstitutionJobs tokens.
	CategorySubstitution
	// categoryRemote jobs wait on something outside this machine and take
	// no token.
	categoryRemote
)

func (c JobCategory) String() string {
	switch c {
	case CategoryBuild:
		return "build"
	case CategorySubstitution:
		return "substitution"
	default:
		return "remote"
	}
}

// BuildMode selects how outputs that are already valid are treated.
type BuildMode int

const (
	// ModeNormal builds only what is missing.
	ModeNormal BuildMode = iota
	// ModeRepair rebuilds or re-substitutes corrupted paths.
	ModeRepair
	// ModeCheck rebuilds valid outputs and compares the results.
	ModeCheck
)

func (m BuildMode) String() string {
	switch m {
	case ModeRepair:
		return "repair"
	case ModeCheck:
		return "check"
	default:
		return "normal"
	}
}

// goal is a state machine driven by the Worker. work is called from the
// scheduler loop only, so goals need no locking; asynchronous jobs hand
// their results back through the goal's own fields before the loop resumes
// it.
type goal interface {
	base() *goalBase
	// work runs the current state until the goal has to suspend or finish.
	work(w *Worker) step
	// waiteeDone is called once for every finished dependency, after the
	// failure counters are updated.
	waiteeDone(w *Worker, dep goal, res WorkResult)
	category() JobCategory
}

// goalBase holds the bookkeeping shared by every goal kind.
type goalBase struct {
	name string
	// topLevel is set for goals requested by the caller of Run rather than
	// by another goal.
	topLevel bool

	nrFailed            int
	nrNoSubstituters    int
	nrIncompleteClosure int

	waitees []goal
	waiters []goal

	completed bool
	result    WorkResult
}

func (b *goalBase) base() *goalBase { return b }

func (b *goalBase) resetCounters() {
	b.nrFailed, b.nrNoSubstituters, b.nrIncompleteClosure = 0, 0, 0
}

func (b *goalBase) waitingOn(g goal) bool {
	for _, d := range b.waitees {
		if d == g {
			return true
		}
	}
	return false
}

func removeGoal(gs []goal, g goal) []goal {
	for i, x := range gs {
		if x == g {
			return append(gs[:i], gs[i+1:]...)
		}
	}
	return gs
}

type stepKind int

const (
	stepContinue stepKind = iota
	stepWait
	stepJob
	stepSleep
	stepDone
)

// step is what one call of work asks the scheduler to do next.
type step struct {
	kind   stepKind
	deps   []goal
	cat    JobCategory
	job    func(ctx context.Context)
	delay  time.Duration
	result WorkResult
}

// next runs the goal's new state immediately.
func next() step { return step{kind: stepContinue} }

// waitFor suspends until every dep finished, or until one failed when the
// worker does not keep going.
func waitFor(deps ...goal) step { return step{kind: stepWait, deps: deps} }

// runJob runs fn in its own goroutine once a token of cat is available and
// resumes the goal when fn returns. fn must honour ctx.
func runJob(cat JobCategory, fn func(ctx context.Context)) step {
	return step{kind: stepJob, cat: cat, job: fn}
}

// sleepFor resumes the goal after d.
func sleepFor(d time.Duration) step { return step{kind: stepSleep, delay: d} }

// finish ends the goal with res.
func finish(res WorkResult) step { return step{kind: stepDone, result: res} }
