package trace

import (
	"encoding/json"
	"io"
	"sync"
)

// Sink receives events from the build engine.
//
// Record must not panic and has no error result; a failing sink never fails
// a build. Callers must assume Record may be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event, swallowing panics from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder collects events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of the events recorded so far.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace returns the canonical trace of the recorded events.
func (r *Recorder) Trace(runID string) RunTrace {
	tr := RunTrace{RunID: runID, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// JSONLSink writes each event as one JSON object per line, tagged with the
// run id. Write errors are remembered and reported by Err.
type JSONLSink struct {
	runID string

	mu  sync.Mutex
	enc *json.Encoder
	err error
}

type jsonlRecord struct {
	RunID string `json:"runId"`
	Event
}

// NewJSONLSink writes events to w.
func NewJSONLSink(w io.Writer, runID string) *JSONLSink {
	return &JSONLSink{runID: runID, enc: json.NewEncoder(w)}
}

func (s *JSONLSink) Record(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(jsonlRecord{RunID: s.runID, Event: event})
}

type summaryRecord struct {
	RunID     string `json:"runId"`
	Events    int    `json:"events"`
	TraceHash string `json:"traceHash"`
}

// Finish appends the closing record: the number of events in tr and its
// hash. No events may be recorded afterwards.
func (s *JSONLSink) Finish(tr RunTrace) error {
	h, err := tr.Hash()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.err = s.enc.Encode(summaryRecord{RunID: s.runID, Events: len(tr.Events), TraceHash: h})
	return s.err
}

// Err returns the first write error.
func (s *JSONLSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Tee fans events out to several sinks.
type Tee []Sink

func (t Tee) Record(event Event) {
	for _, s := range t {
		SafeRecord(s, event)
	}
}
