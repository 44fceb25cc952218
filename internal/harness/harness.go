package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"

	"github.com/roach88/lmsync/internal/cache"
	"github.com/roach88/lmsync/internal/compiler"
	"github.com/roach88/lmsync/internal/config"
	"github.com/roach88/lmsync/internal/connectivity"
	"github.com/roach88/lmsync/internal/engine"
	"github.com/roach88/lmsync/internal/events"
	"github.com/roach88/lmsync/internal/executor"
	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/offline"
	"github.com/roach88/lmsync/internal/remote"
	"github.com/roach88/lmsync/internal/syncer"
	"github.com/roach88/lmsync/internal/testutil"
)

// account is the name of the single account every scenario runs as.
const account = "scenario"

// Harness is the test execution engine.
// It runs one scenario against a fresh engine with a deterministic clock.
type Harness struct {
	engine    *engine.Engine
	transport *testutil.FakeTransport
	clock     *testutil.FakeClock
	network   *connectivity.Switch
	events    <-chan events.Event
	result    *Result
	logger    *slog.Logger

	// tracing is off during setup.
	tracing bool
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh database under a temporary directory.
// Step mismatches and failed assertions mark the result as failed; an error
// is returned only when the scenario cannot be run at all.
//
// Execution flow:
// 1. Compile the resource definitions and open the engine
// 2. Execute setup steps (untraced)
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions against the trace and the database
func Run(scenario *Scenario) (*Result, error) {
	registry := compiler.Empty()
	if scenario.Resources != "" {
		r, err := compiler.LoadString(scenario.Resources, scenario.Name+".cue")
		if err != nil {
			return nil, fmt.Errorf("failed to compile resources: %w", err)
		}
		registry = r
	}

	dir, err := os.MkdirTemp("", "lmsync-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SyncConcurrency = 1
	if d, _ := parseDuration(scenario.CacheTTL); d > 0 {
		cfg.CacheTTL = d
	}
	if d, _ := parseDuration(scenario.SyncThrottle); d > 0 {
		cfg.SyncThrottle = d
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	h := &Harness{
		transport: testutil.NewFakeTransport(),
		clock:     testutil.NewFakeClock(testutil.Epoch),
		network:   connectivity.NewSwitch(!scenario.Offline),
		result:    NewResult(),
		logger:    logger,
	}

	bus := events.NewBus(logger)
	ch, unsubscribe := bus.Subscribe("", 64)
	defer unsubscribe()
	h.events = ch

	eng, err := engine.Open(cfg, account, remote.TransportFunc(h.call), remote.NewStaticCredentials("scenario-token"),
		engine.WithRegistry(registry),
		engine.WithClock(h.clock),
		engine.WithOracle(h.network),
		engine.WithPublisher(bus),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	defer eng.Close()
	h.engine = eng

	ctx := context.Background()

	for i, step := range scenario.Setup {
		if err := h.execute(ctx, fmt.Sprintf("setup[%d]", i), step); err != nil {
			return nil, fmt.Errorf("failed to execute setup: %w", err)
		}
	}

	h.tracing = true
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, fmt.Sprintf("flow[%d]", i), step); err != nil {
			h.result.AddError(err.Error())
		}
	}
	h.tracing = false

	actx := &AssertionContext{Store: eng.Store(), Ctx: ctx}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	for _, table := range stateTables {
		n, err := countRows(ctx, eng.Store().DB(), table, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read final state: %w", err)
		}
		h.result.State[table] = n
	}

	return h.result, nil
}

// stateTables are the engine tables reported in Result.State.
var stateTables = []string{"ws_cache", "pending_mutations", "sync_state"}

// call is the transport seen by the engine: the scripted fake, recorded
// into the trace.
func (h *Harness) call(ctx context.Context, method string, params model.Params, creds remote.Credentials) (json.RawMessage, error) {
	data, err := h.transport.Call(ctx, method, params, creds)
	if h.tracing {
		h.result.Add(Entry{
			Type:    TraceCall,
			Name:    method,
			Args:    map[string]any(params),
			Outcome: outcomeOf(err, "ok"),
		})
	}
	return data, err
}

// execute runs one step. The returned error describes a step that failed
// or did not match its expect clause.
func (h *Harness) execute(ctx context.Context, where string, st Step) error {
	entry := Entry{Type: TraceStep, Name: st.Do, Key: st.Key}
	if st.Do == StepRead {
		entry.Key = st.Method
		entry.Args = st.Params
	}
	// The step is numbered before the calls it makes.
	idx := -1
	if h.tracing {
		idx = h.result.Add(entry)
	}

	got, err := h.perform(ctx, st, &entry)
	if err != nil {
		entry.Outcome = errorClass(err)
	}
	entry.Warnings = got.warnings

	if idx >= 0 {
		h.result.Set(idx, entry)
	}
	h.drainEvents()
	h.logger.Debug("step completed", "step", where, "do", st.Do, "outcome", entry.Outcome)

	var expect Expect
	if st.Expect != nil {
		expect = *st.Expect
	}
	if mismatch := compare(expect, got, err); mismatch != "" {
		return fmt.Errorf("%s %s: %s", where, st.Do, mismatch)
	}
	return nil
}

// outcome is what a step produced, for expect validation.
type outcome struct {
	source   string
	data     json.RawMessage
	queued   *bool
	updated  *bool
	warnings []string
	removed  *int
}

func (h *Harness) perform(ctx context.Context, st Step, entry *Entry) (outcome, error) {
	var out outcome
	entry.Outcome = "ok"

	key, _ := model.ParseResourceKey(st.Key)

	switch st.Do {
	case StepRespond:
		data, err := json.Marshal(st.Response)
		if err != nil {
			return out, fmt.Errorf("encode response: %w", err)
		}
		h.script(st, testutil.Response{Data: data})

	case StepFail:
		h.script(st, testutil.Response{Err: &remote.Error{
			Kind:    remote.Kind(st.Error.Kind),
			Method:  st.Method,
			Code:    st.Error.Code,
			Message: st.Error.Message,
		}})

	case StepOnline:
		h.network.Set(true)

	case StepOffline:
		h.network.Set(false)

	case StepAdvance:
		d, err := parseDuration(st.Duration)
		if err != nil {
			return out, err
		}
		h.clock.Advance(d)

	case StepRead:
		res, err := h.engine.Read(ctx, st.Method, model.Params(st.Params), readPolicy(st))
		if err != nil {
			return out, err
		}
		out.source, out.data = string(res.Source), res.Data
		entry.Outcome = out.source

	case StepSubmit:
		payload, err := json.Marshal(st.Payload)
		if err != nil {
			return out, fmt.Errorf("encode payload: %w", err)
		}
		if st.Payload == nil {
			payload = []byte("{}")
		}
		kind := model.OpUpdate
		if st.Kind != "" {
			kind = model.OperationKind(st.Kind)
		}
		res, err := h.engine.Submit(ctx, model.PendingMutation{
			ResourceType: key.Type,
			ResourceID:   key.ID,
			OwnerUserID:  key.Owner,
			Name:         st.Name,
			Method:       st.Method,
			Payload:      payload,
			Kind:         kind,
		})
		if err != nil {
			return out, err
		}
		out.queued, out.data = &res.Queued, res.Data
		entry.Outcome = "sent"
		if res.Queued {
			entry.Outcome = "queued"
		}

	case StepDiscard:
		n, err := h.engine.Discard(ctx, key)
		if err != nil {
			return out, err
		}
		out.removed = &n

	case StepSync, StepSyncIfNeeded:
		var (
			res model.SyncResult
			err error
		)
		if st.Do == StepSync {
			res, err = h.engine.SyncNow(ctx, key)
		} else {
			res, err = h.engine.SyncIfNeeded(ctx, key, st.Force)
		}
		out.updated, out.warnings = &res.Updated, res.Warnings
		if err != nil {
			return out, err
		}
		entry.Outcome = updatedOutcome(res.Updated)

	case StepSyncAll:
		batch, err := h.engine.SyncAll(ctx, offline.Filter{}, st.Force)
		updated := batch.Updated()
		out.updated, out.warnings = &updated, batch.Warnings()
		if err != nil && len(batch.Keys) == 0 {
			return out, err
		}
		entry.Outcome = updatedOutcome(updated)
		if err != nil {
			entry.Outcome = "partial"
		}

	case StepInvalidate:
		if err := h.invalidate(ctx, st, key); err != nil {
			return out, err
		}

	case StepBlock:
		h.engine.Coordinator().Block(key, st.Operation)

	case StepUnblock:
		h.engine.Coordinator().Unblock(key, st.Operation)

	default:
		return out, fmt.Errorf("unknown step %q", st.Do)
	}
	return out, nil
}

// script registers resp for the step's method, persistent or one-shot.
func (h *Harness) script(st Step, resp testutil.Response) {
	if st.Times <= 0 {
		if resp.Err != nil {
			h.transport.Fail(st.Method, resp.Err)
		} else {
			h.transport.Respond(st.Method, string(resp.Data))
		}
		return
	}
	for range st.Times {
		h.transport.Enqueue(st.Method, resp)
	}
}

func (h *Harness) invalidate(ctx context.Context, st Step, key model.ResourceKey) error {
	inval := h.engine.Invalidator()
	switch {
	case st.Method != "":
		id, err := model.CacheID(st.Method, model.Params(st.Params))
		if err != nil {
			return err
		}
		return inval.Invalidate(ctx, id)
	case st.CacheKey != "":
		return inval.InvalidateKey(ctx, st.CacheKey)
	case st.Prefix != "":
		return inval.InvalidatePrefix(ctx, st.Prefix)
	case st.Key != "":
		return inval.InvalidateResource(ctx, h.engine.Registry().Lookup(key.Type), key)
	default:
		return inval.InvalidateAll(ctx)
	}
}

// drainEvents moves every published event into the trace, or drops it
// during setup. Events are published before the engine call returns, so
// none are in flight.
func (h *Harness) drainEvents() {
	for {
		select {
		case e := <-h.events:
			if !h.tracing {
				continue
			}
			h.result.Add(Entry{
				Type:     TraceEvent,
				Name:     e.Name,
				Key:      e.Key,
				Outcome:  updatedOutcome(e.Updated),
				Warnings: e.Warnings,
			})
		default:
			return
		}
	}
}

func readPolicy(st Step) executor.Policy {
	var p executor.Policy
	switch st.Policy {
	case "write":
		p = executor.WritePolicy()
	case "stale":
		p = executor.ReadPolicy()
		p.OmitExpiry = true
	default:
		p = executor.ReadPolicy()
	}
	return p.WithCacheKey(st.CacheKey)
}

func updatedOutcome(updated bool) string {
	if updated {
		return "updated"
	}
	return "unchanged"
}

// errorClass names the failure category of err as used in traces and
// expect clauses.
func errorClass(err error) string {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return "not_found"
	case syncer.IsBlocked(err):
		return "blocked"
	case engine.IsSyncFailed(err):
		return "sync_failed"
	}
	return string(remote.KindOf(err))
}

func outcomeOf(err error, ok string) string {
	if err != nil {
		return errorClass(err)
	}
	return ok
}

// compare checks an outcome against its expect clause and describes the
// first mismatch.
func compare(want Expect, got outcome, err error) string {
	if err != nil {
		if want.Error == "" {
			return fmt.Sprintf("unexpected error: %v", err)
		}
		if class := errorClass(err); class != want.Error {
			return fmt.Sprintf("expected error %s, got %s (%v)", want.Error, class, err)
		}
	} else if want.Error != "" {
		return fmt.Sprintf("expected error %s, got success", want.Error)
	}

	if want.Source != "" && want.Source != got.source {
		return fmt.Sprintf("expected source %s, got %q", want.Source, got.source)
	}
	if want.Data != nil && !jsonEqual(want.Data, got.data) {
		return fmt.Sprintf("expected data %v, got %s", want.Data, got.data)
	}
	if want.Queued != nil && (got.queued == nil || *got.queued != *want.Queued) {
		return fmt.Sprintf("expected queued=%t", *want.Queued)
	}
	if want.Updated != nil && (got.updated == nil || *got.updated != *want.Updated) {
		return fmt.Sprintf("expected updated=%t", *want.Updated)
	}
	if want.Warnings != nil && !slices.Equal(want.Warnings, got.warnings) {
		return fmt.Sprintf("expected warnings %q, got %q", want.Warnings, got.warnings)
	}
	if want.Removed != nil && (got.removed == nil || *got.removed != *want.Removed) {
		return fmt.Sprintf("expected %d removed", *want.Removed)
	}
	return ""
}

// jsonEqual compares a YAML-decoded value with a JSON document.
func jsonEqual(want any, got json.RawMessage) bool {
	if len(got) == 0 {
		return false
	}
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return false
	}
	var a, b any
	if json.Unmarshal(wantJSON, &a) != nil || json.Unmarshal(got, &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
