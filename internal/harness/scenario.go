package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/remote"
)

// Scenario defines an engine test scenario.
// Scenarios drive the engine through a flow of steps against a scripted
// remote and assert on the resulting trace and final database state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Resources holds CUE resource type definitions. Optional: unknown
	// types use the replace policy with no invalidation.
	Resources string `yaml:"resources,omitempty"`

	// Offline starts the scenario without connectivity.
	Offline bool `yaml:"offline,omitempty"`

	// CacheTTL and SyncThrottle override the engine defaults ("10m").
	CacheTTL     string `yaml:"cache_ttl,omitempty"`
	SyncThrottle string `yaml:"sync_throttle,omitempty"`

	// Setup steps run before the flow and are not traced.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the traced steps.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, row_count
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action of a scenario.
type Step struct {
	// Do names the step, see the Step* constants.
	Do string `yaml:"do"`

	// Method and Params address a remote call (respond, fail, read,
	// submit, invalidate).
	Method string         `yaml:"method,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`

	// Response is the JSON body scripted by respond.
	Response any `yaml:"response,omitempty"`

	// Error is the failure scripted by fail.
	Error *RemoteError `yaml:"error,omitempty"`

	// Times makes respond or fail one-shot, repeated Times calls.
	// Zero scripts every later call.
	Times int `yaml:"times,omitempty"`

	// Key is a resource key "type:id[:owner]".
	Key string `yaml:"key,omitempty"`

	// Submit fields.
	Kind    string         `yaml:"kind,omitempty"`
	Name    string         `yaml:"name,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`

	// Policy selects the read policy: read (default), write or stale.
	Policy   string `yaml:"policy,omitempty"`
	CacheKey string `yaml:"cache_key,omitempty"`

	// Invalidate targets.
	Prefix string `yaml:"prefix,omitempty"`
	All    bool   `yaml:"all,omitempty"`

	// Force skips throttling for sync_if_needed and sync_all.
	Force bool `yaml:"force,omitempty"`

	// Duration is the clock advance ("90s").
	Duration string `yaml:"duration,omitempty"`

	// Operation names the holder of a block.
	Operation string `yaml:"operation,omitempty"`

	// Expect validates the step's outcome. Without it the step must not
	// fail.
	Expect *Expect `yaml:"expect,omitempty"`
}

// RemoteError describes a scripted remote failure.
type RemoteError struct {
	Kind    string `yaml:"kind"`
	Code    string `yaml:"code,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// Expect specifies the expected outcome of a step.
// Only the fields that are set are checked.
type Expect struct {
	// Error is the expected error class: rejected, transient, authExpired,
	// offline, not_found, blocked or sync_failed.
	Error string `yaml:"error,omitempty"`

	// Source is where a read was served from: cache, remote or emergency.
	Source string `yaml:"source,omitempty"`

	// Data is the expected response body, compared as JSON.
	Data any `yaml:"data,omitempty"`

	Queued   *bool    `yaml:"queued,omitempty"`
	Updated  *bool    `yaml:"updated,omitempty"`
	Warnings []string `yaml:"warnings,omitempty"`

	// Removed is the number of mutations a discard removed.
	Removed *int `yaml:"removed,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check a labelled entry appears, with key and args
	// - "trace_order": Check labels appear in order
	// - "trace_count": Check a label appears exactly N times
	// - "final_state": Query table and verify expected values
	// - "row_count": Check a table holds N rows matching where
	Type string `yaml:"type"`

	// Action is a trace label such as "call:mod_forum_update_reply".
	Action string `yaml:"action,omitempty"`

	// Key restricts trace_contains to entries with this key.
	Key string `yaml:"key,omitempty"`

	// Args are the expected entry arguments (used by trace_contains).
	// Subset match - only specified fields are validated.
	Args map[string]any `yaml:"args,omitempty"`

	// Table is the table name (used by final_state and row_count).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state and row_count).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (used by final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences or rows.
	Count int `yaml:"count,omitempty"`

	// Actions is the expected label order (used by trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertRowCount      = "row_count"
)

// Step names.
const (
	StepRespond      = "respond"
	StepFail         = "fail"
	StepOnline       = "online"
	StepOffline      = "offline"
	StepAdvance      = "advance"
	StepRead         = "read"
	StepSubmit       = "submit"
	StepDiscard      = "discard"
	StepSync         = "sync"
	StepSyncIfNeeded = "sync_if_needed"
	StepSyncAll      = "sync_all"
	StepInvalidate   = "invalidate"
	StepBlock        = "block"
	StepUnblock      = "unblock"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := parseDuration(s.CacheTTL); err != nil {
		return fmt.Errorf("cache_ttl: %w", err)
	}
	if _, err := parseDuration(s.SyncThrottle); err != nil {
		return fmt.Errorf("sync_throttle: %w", err)
	}

	for i := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), &s.Setup[i]); err != nil {
			return err
		}
	}
	for i := range s.Flow {
		if err := validateStep(fmt.Sprintf("flow[%d]", i), &s.Flow[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks the fields each step needs.
func validateStep(where string, st *Step) error {
	needKey := func() error {
		if _, err := model.ParseResourceKey(st.Key); err != nil {
			return fmt.Errorf("%s: %s: %w", where, st.Do, err)
		}
		return nil
	}
	needMethod := func() error {
		if st.Method == "" {
			return fmt.Errorf("%s: method is required for %s", where, st.Do)
		}
		return nil
	}

	switch st.Do {
	case "":
		return fmt.Errorf("%s: do is required", where)
	case StepOnline, StepOffline, StepSyncAll:
		return nil
	case StepRespond:
		if st.Response == nil {
			return fmt.Errorf("%s: response is required for respond", where)
		}
		return needMethod()
	case StepFail:
		if st.Error == nil {
			return fmt.Errorf("%s: error is required for fail", where)
		}
		switch remote.Kind(st.Error.Kind) {
		case remote.KindRejected, remote.KindTransient, remote.KindAuthExpired, remote.KindOffline:
		default:
			return fmt.Errorf("%s: unknown error kind %q", where, st.Error.Kind)
		}
		return needMethod()
	case StepAdvance:
		d, err := parseDuration(st.Duration)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s: advance needs a positive duration, got %q", where, st.Duration)
		}
		return nil
	case StepRead:
		switch st.Policy {
		case "", "read", "write", "stale":
		default:
			return fmt.Errorf("%s: unknown read policy %q", where, st.Policy)
		}
		return needMethod()
	case StepSubmit:
		if st.Kind != "" && !model.OperationKind(st.Kind).Valid() {
			return fmt.Errorf("%s: invalid kind %q", where, st.Kind)
		}
		return needKey()
	case StepDiscard, StepSync, StepSyncIfNeeded:
		return needKey()
	case StepBlock, StepUnblock:
		if st.Operation == "" {
			return fmt.Errorf("%s: operation is required for %s", where, st.Do)
		}
		return needKey()
	case StepInvalidate:
		targets := 0
		for _, set := range []bool{st.Method != "", st.CacheKey != "", st.Prefix != "", st.Key != "", st.All} {
			if set {
				targets++
			}
		}
		if targets != 1 {
			return fmt.Errorf("%s: invalidate needs exactly one of method, cache_key, prefix, key, all", where)
		}
		if st.Key != "" {
			return needKey()
		}
		return nil
	default:
		return fmt.Errorf("%s: unknown step %q", where, st.Do)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// parseDuration parses s, treating "" as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
