package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/dispatch"
	"github.com/petrijr/stepflow/internal/modules"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

type eventLog struct {
	mu     sync.Mutex
	events []api.Event
}

func (l *eventLog) Publish(_ context.Context, ev api.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]api.Event(nil), l.events...)
}

func (l *eventLog) types() []api.EventType {
	var out []api.EventType
	for _, ev := range l.all() {
		out = append(out, ev.Type)
	}
	return out
}

// tracker backs the test.track module: it records calls, tracks
// concurrency, and can delay or fail on request.
type tracker struct {
	mu       sync.Mutex
	calls    []string
	inFlight int
	peak     int
}

func (tr *tracker) called() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

func (tr *tracker) invoke(ctx context.Context, args []api.Value) (api.Value, error) {
	opts := args[0]
	name, _ := opts.Get("name")
	tr.mu.Lock()
	tr.calls = append(tr.calls, name.String())
	tr.inFlight++
	if tr.inFlight > tr.peak {
		tr.peak = tr.inFlight
	}
	tr.mu.Unlock()
	defer func() {
		tr.mu.Lock()
		tr.inFlight--
		tr.mu.Unlock()
	}()

	if d, ok := opts.Get("delayMs"); ok {
		ms, _ := d.Num()
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return api.Value{}, ctx.Err()
		}
	}
	if msg, ok := opts.Get("fail"); ok {
		return api.Value{}, errors.New(msg.String())
	}
	if v, ok := opts.Get("value"); ok {
		return v, nil
	}
	return name, nil
}

type harness struct {
	store   *persistence.InMemoryStore
	events  *eventLog
	tracker *tracker
	metrics *api.BasicMetrics
	engine  *engineImpl
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:   persistence.NewInMemoryStore(),
		events:  &eventLog{},
		tracker: &tracker{},
		metrics: &api.BasicMetrics{},
	}
	reg := modules.NewRegistry()
	reg.MustRegister(dispatch.Descriptor{
		Path:   "test.track",
		Params: []dispatch.Param{{Name: "options", Kind: dispatch.ParamObject}},
		Invoke: h.tracker.invoke,
	})
	cfg := Config{
		Persistence: persistence.Persistence{
			Workflows:     h.store,
			Runs:          h.store,
			Organizations: h.store,
			Credentials:   h.store,
			Settings:      h.store,
			Events:        h.store,
		},
		Dispatcher: dispatch.NewDispatcher(reg),
		Observer:   h.metrics,
		Events:     h.events,
	}
	for _, c := range configure {
		c(&cfg)
	}
	h.engine = newEngine(cfg)
	return h
}

func (h *harness) save(t *testing.T, wf *api.Workflow) {
	t.Helper()
	if wf.ID == "" {
		wf.ID = "wf"
	}
	require.NoError(t, h.store.SaveWorkflow(context.Background(), wf))
}

func (h *harness) execute(t *testing.T, req api.RunRequest) (*api.WorkflowRun, error) {
	t.Helper()
	if req.WorkflowID == "" {
		req.WorkflowID = "wf"
	}
	return h.engine.Execute(context.Background(), req)
}

// obj builds an object from alternating keys and Go values.
func obj(kv ...any) api.Value {
	fields := make([]api.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, api.Field{Key: kv[i].(string), Value: api.MustFromAny(kv[i+1])})
	}
	return api.Object(fields...)
}

func track(id, outputAs string, kv ...any) api.Step {
	return api.Step{
		ID:       id,
		Module:   "test.track",
		Inputs:   obj(append([]any{"name", id}, kv...)...),
		OutputAs: outputAs,
	}
}
