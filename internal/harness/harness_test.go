package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const forumResources = `
resource: forum_reply: {
	label: "Forum reply"
	methods: update: "mod_forum_update_reply"
	invalidate: keys: ["forum:discussion:{id}"]
}
`

func boolPtr(b bool) *bool { return &b }

// TestScenarios runs every scenario under testdata/scenarios and compares
// its trace with the golden file of the same name.
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_OfflineSubmitQueues(t *testing.T) {
	scenario := &Scenario{
		Name:        "offline_submit",
		Description: "offline submit is queued",
		Resources:   forumResources,
		Offline:     true,
		Flow: []Step{
			{Do: StepSubmit, Key: "forum_reply:5:2", Payload: map[string]any{"message": "hi"}, Expect: &Expect{Queued: boolPtr(true)}},
			{Do: StepSync, Key: "forum_reply:5:2", Expect: &Expect{Error: "offline"}},
		},
		Assertions: []Assertion{
			{Type: AssertRowCount, Table: "pending_mutations", Count: 1},
			{Type: AssertFinalState, Table: "pending_mutations", Where: map[string]any{"resource_id": "5"}, Expect: map[string]any{
				"method":        "mod_forum_update_reply",
				"owner_user_id": "2",
				"payload":       map[string]any{"message": "hi"},
			}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, "queued", result.Trace[0].Outcome)
	assert.Equal(t, "offline", result.Trace[1].Outcome)
	assert.Equal(t, 1, result.State["pending_mutations"])
	assert.Equal(t, 0, result.State["sync_state"])
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "wrong expectations are reported",
		Setup: []Step{
			{Do: StepRespond, Method: "core_webservice_get_site_info", Response: map[string]any{"sitename": "School"}},
		},
		Flow: []Step{
			{Do: StepRead, Method: "core_webservice_get_site_info", Expect: &Expect{Source: "cache"}},
			{Do: StepRead, Method: "core_webservice_get_site_info", Expect: &Expect{Data: map[string]any{"sitename": "College"}}},
			{Do: StepRead, Method: "core_unknown"},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Action: "call:core_webservice_get_site_info", Count: 5},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "flow[0] read: expected source cache")
	assert.Contains(t, result.Errors[1], "flow[1] read: expected data")
	assert.Contains(t, result.Errors[2], "flow[2] read: unexpected error")
	assert.Contains(t, result.Errors[3], "Assertion failed: trace_count")

	// The unscripted method is rejected by the fake remote.
	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "call:core_unknown", last.Label())
	assert.Equal(t, "rejected", last.Outcome)
}

func TestRun_SetupIsNotTraced(t *testing.T) {
	scenario := &Scenario{
		Name:        "setup",
		Description: "setup steps leave no trace",
		Resources:   forumResources,
		Setup: []Step{
			{Do: StepRespond, Method: "mod_forum_update_reply", Response: map[string]any{"status": true}},
			{Do: StepOffline},
			{Do: StepSubmit, Key: "forum_reply:5:2", Payload: map[string]any{"message": "hi"}},
			{Do: StepOnline},
			{Do: StepSync, Key: "forum_reply:5:2"},
		},
		Flow: []Step{
			{Do: StepSyncAll, Expect: &Expect{Updated: boolPtr(false)}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Action: "call:mod_forum_update_reply", Count: 0},
			{Type: AssertTraceCount, Action: "event:manual_synced", Count: 0},
			{Type: AssertRowCount, Table: "sync_state", Count: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "step:sync_all", result.Trace[0].Label())
}

func TestRun_SetupFailureIsAnError(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_setup",
		Description: "a failing setup step aborts the run",
		Setup: []Step{
			{Do: StepRead, Method: "core_unknown"},
		},
		Flow:       []Step{{Do: StepOnline}},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: "step:online", Count: 1}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute setup")
}

func TestRun_InvalidResources(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_resources",
		Description: "resources must compile",
		Resources:   `resource: note: { policy: "sometimes", methods: create: "m" }`,
		Flow:        []Step{{Do: StepOnline}},
		Assertions:  []Assertion{{Type: AssertTraceCount, Action: "step:online", Count: 1}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile resources")
}

func TestRun_AppendPolicyKeepsEntries(t *testing.T) {
	scenario := &Scenario{
		Name:        "append",
		Description: "append-policy resources keep every entry",
		Resources: `
resource: note: {
	policy: "append"
	methods: create: "core_notes_create_notes"
}
`,
		Offline: true,
		Flow: []Step{
			{Do: StepSubmit, Key: "note:9:3", Kind: "create", Payload: map[string]any{"text": "one"}},
			{Do: StepSubmit, Key: "note:9:3", Kind: "create", Payload: map[string]any{"text": "two"}},
			{Do: StepDiscard, Key: "note:9:3", Expect: &Expect{Removed: intPtr(2)}},
		},
		Assertions: []Assertion{
			{Type: AssertRowCount, Table: "pending_mutations", Count: 0},
			{Type: AssertTraceOrder, Actions: []string{"step:submit", "step:submit", "step:discard"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func intPtr(n int) *int { return &n }
