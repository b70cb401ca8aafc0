package ipopo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
)

func newTestReactor(t *testing.T) (*Service, *BundleReactor, framework.BundleContext, *framework.Registry) {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	reg := framework.NewRegistry(log.Sugar())
	bc := reg.NewBundleContext(framework.BundleID(7))
	svc, err := NewService(bc, log.Sugar())
	require.NoError(t, err)
	reactor, err := NewBundleReactor(svc, bc, log.Sugar())
	require.NoError(t, err)
	return svc, reactor, bc, reg
}

func TestBundleReactor_StartingRegistersFactoriesAndDeclaratives(t *testing.T) {
	svc, reactor, bc, reg := newTestReactor(t)
	registerHandlerFactory(t, bc, "bundle.handler")

	f := sealedFactory(t, "bundle.factory", "bundle.handler", func() (interface{}, error) { return &greeter{}, nil })
	b := &Bundle{
		ID:        framework.BundleID(7),
		BC:        bc,
		Factories: []*Factory{f},
		Declarative: []DeclarativeInstance{
			{Factory: "bundle.factory", Name: "eager-1"},
		},
	}
	reactor.Track(b)

	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.Starting, BundleID: 7})

	assert.True(t, svc.IsRegisteredFactory("bundle.factory"))
	assert.Contains(t, svc.GetInstances(), "eager-1")
}

func TestBundleReactor_StoppingPrecleanUnregistersFactories(t *testing.T) {
	svc, reactor, bc, reg := newTestReactor(t)
	registerHandlerFactory(t, bc, "bundle.handler2")

	f := sealedFactory(t, "bundle.factory2", "bundle.handler2", func() (interface{}, error) { return &greeter{}, nil })
	b := &Bundle{ID: framework.BundleID(7), BC: bc, Factories: []*Factory{f}}
	reactor.Track(b)

	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.Starting, BundleID: 7})
	require.True(t, svc.IsRegisteredFactory("bundle.factory2"))

	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.StoppingPreclean, BundleID: 7})
	assert.False(t, svc.IsRegisteredFactory("bundle.factory2"))
}

func TestBundleReactor_UpdateCycleReplaysAutoRestartInstances(t *testing.T) {
	svc, reactor, bc, reg := newTestReactor(t)
	registerHandlerFactory(t, bc, "bundle.handler3")

	f := sealedFactory(t, "bundle.factory3", "bundle.handler3", func() (interface{}, error) { return &greeter{}, nil })
	b := &Bundle{ID: framework.BundleID(7), BC: bc, Factories: []*Factory{f}}
	reactor.Track(b)

	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.Starting, BundleID: 7})
	_, err := svc.Instantiate("bundle.factory3", "restart-1", map[string]interface{}{"auto_restart": true})
	require.NoError(t, err)
	_, err = svc.Instantiate("bundle.factory3", "no-restart-1", map[string]interface{}{"auto_restart": false})
	require.NoError(t, err)

	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.UpdateBegin, BundleID: 7})
	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.Updated, BundleID: 7})

	assert.Contains(t, svc.GetInstances(), "restart-1", "auto_restart instance must be replayed across the update")
	assert.NotContains(t, svc.GetInstances(), "no-restart-1", "non-auto_restart instance must not reappear")
}

func TestBundleReactor_UpdateFailedDiscardsSnapshot(t *testing.T) {
	svc, reactor, bc, reg := newTestReactor(t)
	registerHandlerFactory(t, bc, "bundle.handler4")

	f := sealedFactory(t, "bundle.factory4", "bundle.handler4", func() (interface{}, error) { return &greeter{}, nil })
	b := &Bundle{ID: framework.BundleID(7), BC: bc, Factories: []*Factory{f}}
	reactor.Track(b)

	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.Starting, BundleID: 7})
	_, err := svc.Instantiate("bundle.factory4", "gone-1", map[string]interface{}{"auto_restart": true})
	require.NoError(t, err)

	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.UpdateBegin, BundleID: 7})
	require.NoError(t, svc.Kill("gone-1"))
	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.UpdateFailed, BundleID: 7})
	reg.FireBundleEvent(framework.BundleEvent{Kind: framework.Updated, BundleID: 7})

	assert.NotContains(t, svc.GetInstances(), "gone-1", "a failed update must not replay the discarded snapshot")
}
