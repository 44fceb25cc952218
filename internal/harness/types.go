package harness

import "sync"

// Trace entry types.
const (
	TraceStep  = "step"
	TraceCall  = "call"
	TraceEvent = "event"
)

// Entry is one line of a scenario trace.
type Entry struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"` // "step", "call" or "event"
	Name string `json:"name"`

	// Key is the resource key of a step or event, or the method of a read.
	Key  string         `json:"key,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// Outcome is "ok", a result source, "queued", "sent", "updated",
	// "unchanged" or an error class.
	Outcome  string   `json:"outcome,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Label returns "type:name", the form used by trace assertions.
func (e Entry) Label() string {
	return e.Type + ":" + e.Name
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step matched its expect clause and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps, remote calls and events in order.
	Trace []Entry `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final row count of each engine table.
	State map[string]any `json:"state,omitempty"`

	mu sync.Mutex
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []Entry{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Add appends e to the trace, numbering it, and returns its index.
func (r *Result) Add(e Entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, e)
	return len(r.Trace) - 1
}

// Set replaces the entry at index i, keeping its sequence number.
func (r *Result) Set(i int, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Seq = r.Trace[i].Seq
	r.Trace[i] = e
}
