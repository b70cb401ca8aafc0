package framework

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewRegistry(log.Sugar())
}

func TestRegistry_RegisterAndGetService(t *testing.T) {
	r := newTestRegistry(t)
	bc := r.NewBundleContext(BundleID(1))

	reg, err := bc.RegisterService([]string{"spec.A"}, "instance-A", map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.NotNil(t, reg)

	ref, err := bc.GetServiceReference("spec.A", "")
	require.NoError(t, err)
	assert.Equal(t, reg.Reference().ID(), ref.ID())

	instance, err := bc.GetService(ref)
	require.NoError(t, err)
	assert.Equal(t, "instance-A", instance)
}

func TestRegistry_FilterMatching(t *testing.T) {
	r := newTestRegistry(t)
	bc := r.NewBundleContext(BundleID(1))

	_, err := bc.RegisterService([]string{"spec.B"}, "svc-1", map[string]interface{}{"color": "red"})
	require.NoError(t, err)
	_, err = bc.RegisterService([]string{"spec.B"}, "svc-2", map[string]interface{}{"color": "blue"})
	require.NoError(t, err)

	refs, err := bc.GetAllServiceReferences("spec.B", "color=blue")
	require.NoError(t, err)
	require.Len(t, refs, 1)

	instance, err := bc.GetService(refs[0])
	require.NoError(t, err)
	assert.Equal(t, "svc-2", instance)
}

func TestRegistry_ServiceListenerReceivesLifecycleEvents(t *testing.T) {
	r := newTestRegistry(t)
	bc := r.NewBundleContext(BundleID(1))

	var kinds []ServiceEventKind
	listener := serviceListenerFunc(func(event ServiceEvent) {
		kinds = append(kinds, event.Kind)
	})

	require.NoError(t, bc.AddServiceListener(listener, "", "spec.C"))

	reg, err := bc.RegisterService([]string{"spec.C"}, "svc", nil)
	require.NoError(t, err)

	reg.SetProperties(map[string]interface{}{"updated": true})
	require.NoError(t, reg.Unregister())

	assert.Equal(t, []ServiceEventKind{Registered, Modified, Unregistering}, kinds)
}

func TestRegistry_ServiceListenerPanicIsContained(t *testing.T) {
	r := newTestRegistry(t)
	bc := r.NewBundleContext(BundleID(1))

	listener := serviceListenerFunc(func(event ServiceEvent) {
		panic("boom")
	})
	require.NoError(t, bc.AddServiceListener(listener, "", "spec.D"))

	assert.NotPanics(t, func() {
		_, err := bc.RegisterService([]string{"spec.D"}, "svc", nil)
		require.NoError(t, err)
	})
}

func TestRegistry_BundleEventDelivery(t *testing.T) {
	r := newTestRegistry(t)

	var kinds []BundleEventKind
	listener := bundleListenerFunc(func(event BundleEvent) {
		kinds = append(kinds, event.Kind)
	})
	bc := r.NewBundleContext(BundleID(1))
	require.NoError(t, bc.AddBundleListener(listener))

	r.FireBundleEvent(BundleEvent{Kind: Starting, BundleID: 1})
	r.FireBundleEvent(BundleEvent{Kind: StoppingPreclean, BundleID: 1})

	assert.Equal(t, []BundleEventKind{Starting, StoppingPreclean}, kinds)
}

// serviceListenerFunc adapts a plain func to ServiceListener, the way table
// tests in this package need ad hoc listeners without a named type per case.
type serviceListenerFunc func(event ServiceEvent)

func (f serviceListenerFunc) ServiceChanged(event ServiceEvent) { f(event) }

type bundleListenerFunc func(event BundleEvent)

func (f bundleListenerFunc) BundleChanged(event BundleEvent) { f(event) }
