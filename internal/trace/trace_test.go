package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalJSON_IndependentOfRecordingOrder(t *testing.T) {
	trace1 := RunTrace{
		RunID: "run",
		Events: []Event{
			{Kind: EventOutputsBuilt, Path: "b.drv", Outputs: []string{"/s/b"}},
			{Kind: EventOutputsValid, Path: "a.drv"},
			{Kind: EventDependencyFailed, Path: "c.drv", Reason: "DependencyFailed", Cause: "b.drv"},
		},
	}
	trace2 := RunTrace{
		RunID: "run",
		Events: []Event{
			{Kind: EventDependencyFailed, Path: "c.drv", Cause: "b.drv", Reason: "DependencyFailed"},
			{Kind: EventOutputsValid, Path: "a.drv"},
			{Kind: EventOutputsBuilt, Path: "b.drv", Outputs: []string{"/s/b"}},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", b1, b2)
	}
}

func TestCanonicalize_KeepsLogLinesInOrder(t *testing.T) {
	tr := RunTrace{
		RunID: "run",
		Events: []Event{
			{Kind: EventBuildStarted, Path: "x.drv"},
			{Kind: EventLogLine, Path: "x.drv", Line: "zeta"},
			{Kind: EventGoalStarted, Path: "a.drv"},
			{Kind: EventLogLine, Path: "x.drv", Line: "alpha"},
			{Kind: EventOutputsBuilt, Path: "x.drv"},
		},
	}
	tr.Canonicalize()

	var got []string
	for _, e := range tr.Events {
		got = append(got, string(e.Kind)+":"+e.Line)
	}
	want := "GoalStarted: BuildStarted: LogLine:zeta LogLine:alpha OutputsBuilt:"
	if strings.Join(got, " ") != want {
		t.Fatalf("unexpected order\nexpected=%s\nactual  =%s", want, strings.Join(got, " "))
	}
}

func TestHash_IgnoresRunID(t *testing.T) {
	events := []Event{{Kind: EventPathSubstituted, Path: "p", Reason: "file:///cache"}}
	h1, err := RunTrace{RunID: NewRunID(), Events: events}.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := RunTrace{RunID: NewRunID(), Events: events}.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash, got %q != %q", h1, h2)
	}
}

func TestValidate_RequiresPath(t *testing.T) {
	tr := RunTrace{RunID: "run", Events: []Event{{Kind: EventBuildStarted}}}
	if _, err := tr.CanonicalJSON(); err == nil {
		t.Fatal("expected an error for an event without a path")
	}
}

func TestOutputs_SortedAndOmittedWhenEmpty(t *testing.T) {
	tr := RunTrace{
		RunID:  "r",
		Events: []Event{{Kind: EventOutputsBuilt, Path: "a", Outputs: []string{"z", "a"}}},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"runId":"r","events":[{"kind":"OutputsBuilt","path":"a","outputs":["a","z"]}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, b)
	}

	tr2 := RunTrace{RunID: "r", Events: []Event{{Kind: EventOutputsValid, Path: "a", Outputs: []string{}}}}
	b2, err := tr2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected2 := `{"runId":"r","events":[{"kind":"OutputsValid","path":"a"}]}`
	if string(b2) != expected2 {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected2, b2)
	}
}

func TestJSONLSink_OneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf, "run-1")
	Tee{sink, NopSink{}, nil}.Record(Event{Kind: EventBuildStarted, Path: "x.drv"})
	sink.Record(Event{Kind: EventLogLine, Path: "x.drv", Line: "hello"})
	if err := sink.Err(); err != nil {
		t.Fatalf("sink error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	var rec struct {
		RunID string `json:"runId"`
		Kind  string `json:"kind"`
		Line  string `json:"line"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.RunID != "run-1" || rec.Kind != "LogLine" || rec.Line != "hello" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	r := NewRecorder()
	Tee{panicSink{}, r}.Record(Event{Kind: EventGoalStarted, Path: "p"})
	SafeRecord(panicSink{}, Event{Kind: EventGoalStarted, Path: "p"})
	if got := len(r.Snapshot()); got != 1 {
		t.Fatalf("expected the recorder to see 1 event, got %d", got)
	}
}

func TestJSONLSink_FinishWritesTraceHash(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf, "run-2")
	rec := NewRecorder()
	events := Tee{sink, rec}
	events.Record(Event{Kind: EventGoalStarted, Path: "b.drv"})
	events.Record(Event{Kind: EventOutputsValid, Path: "a.drv"})

	tr := rec.Trace("run-2")
	if err := sink.Finish(tr); err != nil {
		t.Fatalf("finish: %v", err)
	}
	want, err := RunTrace{RunID: "other", Events: []Event{
		{Kind: EventOutputsValid, Path: "a.drv"},
		{Kind: EventGoalStarted, Path: "b.drv"},
	}}.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(want, "sha256:") {
		t.Fatalf("unexpected hash format %q", want)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	var summary struct {
		RunID     string `json:"runId"`
		Events    int    `json:"events"`
		TraceHash string `json:"traceHash"`
	}
	if err := json.Unmarshal([]byte(lines[2]), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.RunID != "run-2" || summary.Events != 2 || summary.TraceHash != want {
		t.Fatalf("unexpected summary %+v, want hash %s", summary, want)
	}
}

func TestFinish_RejectsInvalidTrace(t *testing.T) {
	sink := NewJSONLSink(&bytes.Buffer{}, "run")
	if err := sink.Finish(RunTrace{RunID: "run", Events: []Event{{Kind: EventLogLine}}}); err == nil {
		t.Fatal("expected an error for an event without a path")
	}
}
