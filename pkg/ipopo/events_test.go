package ipopo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingListener struct {
	events []Event
}

func (l *recordingListener) HandleEvent(event Event) {
	l.events = append(l.events, event)
}

func TestEventFanout_AddListenerIsIdempotent(t *testing.T) {
	f := newEventFanout(nil)
	l := &recordingListener{}

	assert.True(t, f.AddListener(l))
	assert.False(t, f.AddListener(l))
}

func TestEventFanout_RemoveListenerIsIdempotent(t *testing.T) {
	f := newEventFanout(nil)
	l := &recordingListener{}

	require.True(t, f.AddListener(l))
	assert.True(t, f.RemoveListener(l))
	assert.False(t, f.RemoveListener(l))
}

func TestEventFanout_EmitDeliversToAllListeners(t *testing.T) {
	f := newEventFanout(nil)
	l1, l2 := &recordingListener{}, &recordingListener{}
	f.AddListener(l1)
	f.AddListener(l2)

	f.Emit(Event{Kind: EventValidated, FactoryName: "f", InstanceName: "i"})

	assert.Len(t, l1.events, 1)
	assert.Len(t, l2.events, 1)
	assert.Equal(t, EventValidated, l1.events[0].Kind)
}

type panicListener struct{ calledAfter bool }

func (p *panicListener) HandleEvent(event Event) {
	panic("listener exploded")
}

func TestEventFanout_PanicInOneListenerDoesNotBlockOthers(t *testing.T) {
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	f := newEventFanout(log.Sugar())

	bad := &panicListener{}
	good := &recordingListener{}
	f.AddListener(bad)
	f.AddListener(good)

	assert.NotPanics(t, func() {
		f.Emit(Event{Kind: EventKilled})
	})
	assert.Len(t, good.events, 1)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "VALIDATED", EventValidated.String())
	assert.Equal(t, "UNKNOWN", EventKind(99).String())
}
