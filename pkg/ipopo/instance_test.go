package ipopo

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeHandler is a minimal Handler used to drive the Stored Instance FSM
// from tests without a real dependency/provider handler.
type fakeHandler struct {
	id   string
	kind HandlerKind
	vote atomic.Value // Vote

	mu           sync.Mutex
	manipulated  bool
	started      int
	stopped      int
	cleared      int
}

func newFakeHandler(id string) *fakeHandler {
	h := &fakeHandler{id: id, kind: DependencyKind}
	h.vote.Store(VoteNoOpinion)
	return h
}

func (h *fakeHandler) HandlerID() string     { return h.id }
func (h *fakeHandler) GetKind() HandlerKind  { return h.kind }
func (h *fakeHandler) Manipulate(instance *StoredInstance, userObject interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manipulated = true
	return nil
}
func (h *fakeHandler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return nil
}
func (h *fakeHandler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
	return nil
}
func (h *fakeHandler) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared++
	return nil
}
func (h *fakeHandler) CheckLifecycle() Vote { return h.vote.Load().(Vote) }
func (h *fakeHandler) setVote(v Vote)       { h.vote.Store(v) }

type demoComponent struct {
	validateCalls   int
	invalidateCalls int
	failValidate    bool
}

func (d *demoComponent) Validate() error {
	d.validateCalls++
	if d.failValidate {
		return errors.New("validation refused")
	}
	return nil
}

func (d *demoComponent) Invalidate() error {
	d.invalidateCalls++
	return nil
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	return log.Sugar()
}

func newTestInstance(t *testing.T, name string, obj interface{}, handlers []Handler) (*StoredInstance, *eventFanout) {
	fc := NewFactoryContext(name + ".factory")
	require.NoError(t, fc.SetCallback(Validate, "Validate"))
	require.NoError(t, fc.SetCallback(Invalidate, "Invalidate"))
	_, err := fc.Seal()
	require.NoError(t, err)

	cc := NewComponentContext(fc, name, nil, nil)
	fanout := newEventFanout(testLogger(t))
	si := NewStoredInstance(cc, nil, obj, handlers, fanout, testLogger(t))
	return si, fanout
}

func TestStoredInstance_StartValidatesWhenHandlersAgree(t *testing.T) {
	obj := &demoComponent{}
	si, _ := newTestInstance(t, "inst", obj, nil)

	require.NoError(t, si.Start())
	assert.Equal(t, StateValid, si.State())
	assert.Equal(t, 1, obj.validateCalls)
}

func TestStoredInstance_StaysInvalidWhenHandlerVotesInvalid(t *testing.T) {
	h := newFakeHandler("dep")
	h.setVote(VoteInvalid)
	obj := &demoComponent{}
	si, _ := newTestInstance(t, "inst", obj, []Handler{h})

	require.NoError(t, si.Start())
	assert.Equal(t, StateInvalid, si.State())
	assert.Equal(t, 0, obj.validateCalls)
}

func TestStoredInstance_ValidateFailureGoesErroneous(t *testing.T) {
	obj := &demoComponent{failValidate: true}
	si, fanout := newTestInstance(t, "inst", obj, nil)

	var mu sync.Mutex
	var events []EventKind
	fanout.AddListener(listenerFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Kind)
	}))

	require.NoError(t, si.Start())
	assert.Equal(t, StateErroneous, si.State())
	assert.NotEmpty(t, si.ErrorTrace())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, EventInvalidated)
}

func TestStoredInstance_RetryErroneousOffErroneousIsNoop(t *testing.T) {
	obj := &demoComponent{}
	si, _ := newTestInstance(t, "inst", obj, nil)
	require.NoError(t, si.Start())

	state, err := si.RetryErroneous(nil)
	require.NoError(t, err)
	assert.Equal(t, StateValid, state)
	assert.Equal(t, 1, obj.validateCalls, "retry off ERRONEOUS must not re-run VALIDATE")
}

func TestStoredInstance_RetryErroneousClearsErrorAndRevalidates(t *testing.T) {
	obj := &demoComponent{failValidate: true}
	si, _ := newTestInstance(t, "inst", obj, nil)
	require.NoError(t, si.Start())
	require.Equal(t, StateErroneous, si.State())

	obj.failValidate = false
	state, err := si.RetryErroneous(map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, StateValid, state)

	v, ok := si.ComponentContext().GetProperty("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestStoredInstance_KillInvalidatesAndStopsHandlers(t *testing.T) {
	h := newFakeHandler("dep")
	obj := &demoComponent{}
	si, _ := newTestInstance(t, "inst", obj, []Handler{h})
	require.NoError(t, si.Start())
	require.Equal(t, StateValid, si.State())

	require.NoError(t, si.Kill())
	assert.Equal(t, StateKilled, si.State())
	assert.Equal(t, 1, obj.invalidateCalls)
	assert.Equal(t, 1, h.stopped)
	assert.Equal(t, 1, h.cleared)

	err := si.Kill()
	assert.ErrorIs(t, err, ErrUnknownInstance, "killing an already-killed instance fails fast")
}

func TestStoredInstance_InvalidateRunsCallbackThenReVoteCanReValidate(t *testing.T) {
	obj := &demoComponent{}
	si, _ := newTestInstance(t, "inst", obj, nil)
	require.NoError(t, si.Start())

	require.NoError(t, si.Invalidate(true))
	assert.Equal(t, StateInvalid, si.State())
	assert.Equal(t, 1, obj.invalidateCalls)

	_, err := si.CheckLifecycle()
	require.NoError(t, err)
	assert.Equal(t, StateValid, si.State(), "re-check_lifecycle revalidates once handlers agree again")
}

func TestStoredInstance_ManipulateRunsBeforeStart(t *testing.T) {
	h := newFakeHandler("dep")
	obj := &demoComponent{}
	si, _ := newTestInstance(t, "inst", obj, []Handler{h})
	_ = si

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.True(t, h.manipulated)
}

func TestStoredInstance_DispatchFailsFastAfterKill(t *testing.T) {
	obj := &demoComponent{}
	si, _ := newTestInstance(t, "inst", obj, nil)
	require.NoError(t, si.Start())
	require.NoError(t, si.Kill())

	done := make(chan error, 1)
	go func() { done <- si.Start() }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnknownInstance)
	case <-time.After(time.Second):
		t.Fatal("dispatch on a killed instance must not hang")
	}
}

type listenerFunc func(Event)

func (f listenerFunc) HandleEvent(e Event) { f(e) }
