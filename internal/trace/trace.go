// Package trace records what a build run decided: which paths were already
// valid, substituted, built or failed, and the lines builders printed.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RunTrace is the record of one worker run.
//
// Events are observational only and never affect scheduling. After
// Canonicalize the order depends only on what happened, not on timing: events
// are grouped by path, and events of one path keep the order they were
// recorded in.
type RunTrace struct {
	RunID  string  `json:"runId"`
	Events []Event `json:"events"`
}

// EventKind discriminates Event. The values appear in trace files; do not
// rename them.
type EventKind string

const (
	EventGoalStarted        EventKind = "GoalStarted"
	EventOutputsValid       EventKind = "OutputsValid"
	EventPathSubstituted    EventKind = "PathSubstituted"
	EventBuildStarted       EventKind = "BuildStarted"
	EventLogLine            EventKind = "LogLine"
	EventOutputsBuilt       EventKind = "OutputsBuilt"
	EventSubstitutionFailed EventKind = "SubstitutionFailed"
	EventBuildFailed        EventKind = "BuildFailed"
	EventDependencyFailed   EventKind = "DependencyFailed"
)

// Event is one transition of a goal.
type Event struct {
	Kind EventKind `json:"kind"`
	// Path is the printed derivation or store path the event is about.
	Path string `json:"path"`
	// Reason is a build status or substituter URI.
	Reason string `json:"reason,omitempty"`
	// Cause names a related path, such as the dependency that failed.
	Cause string `json:"cause,omitempty"`
	// Outputs lists printed output paths.
	Outputs []string `json:"outputs,omitempty"`
	// Line is a line of builder output.
	Line string `json:"line,omitempty"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Validate checks the required fields.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.RunID == "" {
		return errors.New("runId is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Path == "" {
			return fmt.Errorf("events[%d].path is required for kind %q", i, e.Kind)
		}
		for j, o := range e.Outputs {
			if o == "" {
				return fmt.Errorf("events[%d].outputs[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts outputs and orders events by (path, kind). The sort is
// stable, so log lines of one build stay in order.
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Outputs) == 0 {
			t.Events[i].Outputs = nil
			continue
		}
		outs := append([]string(nil), t.Events[i].Outputs...)
		sort.Strings(outs)
		t.Events[i].Outputs = outs
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventGoalStarted:
		return 10
	case EventOutputsValid:
		return 20
	case EventPathSubstituted:
		return 30
	case EventBuildStarted:
		return 40
	case EventLogLine:
		return 50
	case EventOutputsBuilt:
		return 60
	case EventSubstitutionFailed:
		return 70
	case EventBuildFailed:
		return 80
	case EventDependencyFailed:
		return 90
	default:
		return 1000
	}
}

// CanonicalJSON encodes a canonicalized copy of the trace.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	c := RunTrace{RunID: t.RunID, Events: append([]Event(nil), t.Events...)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Events == nil {
		c.Events = []Event{}
	}
	return json.Marshal(c)
}

// Hash returns "sha256:" and the hex digest of the canonical encoding. The
// run id is left out, so two runs that decided the same things hash equal.
func (t RunTrace) Hash() (string, error) {
	b, err := RunTrace{RunID: "-", Events: t.Events}.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
