package provides_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo/handlers/provides"
)

type greeterImpl struct {
	Enabled bool
}

func (g *greeterImpl) Validate() error { return nil }

func newHarness(t *testing.T) (*ipopo.Service, framework.BundleContext) {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	reg := framework.NewRegistry(log.Sugar())
	bc := reg.NewBundleContext(framework.BundleID(1))
	svc, err := ipopo.NewService(bc, log.Sugar())
	require.NoError(t, err)
	_, err = bc.RegisterService([]string{ipopo.HandlerFactorySpec}, &provides.Factory{BC: bc, Log: log.Sugar()}, map[string]interface{}{"handler.id": provides.HandlerID})
	require.NoError(t, err)
	return svc, bc
}

func TestProvidesHandler_PublishesOnValidateWithNoController(t *testing.T) {
	svc, bc := newHarness(t)
	fc := ipopo.NewFactoryContext("provider.factory")
	require.NoError(t, fc.AddProvides([]string{"greet.Provided"}, ""))
	require.NoError(t, fc.SetCallback(ipopo.Validate, "Validate"))
	sealed, err := fc.Seal()
	require.NoError(t, err)
	require.NoError(t, svc.RegisterFactory(bc, &ipopo.Factory{Context: sealed, New: func() (interface{}, error) { return &greeterImpl{}, nil }}, false))

	_, err = svc.Instantiate("provider.factory", "provider-1", nil)
	require.NoError(t, err)

	ref, err := bc.GetServiceReference("greet.Provided", "")
	require.NoError(t, err)
	instance, err := bc.GetService(ref)
	require.NoError(t, err)
	assert.IsType(t, &greeterImpl{}, instance)
}

func TestProvidesHandler_ControllerFalseSuppressesPublish(t *testing.T) {
	svc, bc := newHarness(t)
	fc := ipopo.NewFactoryContext("gated.factory")
	require.NoError(t, fc.AddProvides([]string{"greet.Gated"}, "Enabled"))
	require.NoError(t, fc.SetCallback(ipopo.Validate, "Validate"))
	sealed, err := fc.Seal()
	require.NoError(t, err)
	require.NoError(t, svc.RegisterFactory(bc, &ipopo.Factory{Context: sealed, New: func() (interface{}, error) { return &greeterImpl{Enabled: false}, nil }}, false))

	_, err = svc.Instantiate("gated.factory", "gated-1", nil)
	require.NoError(t, err)

	_, err = bc.GetServiceReference("greet.Gated", "")
	assert.Error(t, err, "a disabled controller must not publish")
}

func TestProvidesHandler_SyncProvidersRegistersAfterControllerFlip(t *testing.T) {
	svc, bc := newHarness(t)
	fc := ipopo.NewFactoryContext("resync.factory")
	require.NoError(t, fc.AddProvides([]string{"greet.Resync"}, "Enabled"))
	require.NoError(t, fc.SetCallback(ipopo.Validate, "Validate"))
	sealed, err := fc.Seal()
	require.NoError(t, err)

	obj := &greeterImpl{Enabled: false}
	require.NoError(t, svc.RegisterFactory(bc, &ipopo.Factory{Context: sealed, New: func() (interface{}, error) { return obj, nil }}, false))

	_, err = svc.Instantiate("resync.factory", "resync-1", nil)
	require.NoError(t, err)
	_, err = bc.GetServiceReference("greet.Resync", "")
	require.Error(t, err)

	obj.Enabled = true
	require.NoError(t, svc.SyncProviders("resync-1"))

	ref, err := bc.GetServiceReference("greet.Resync", "")
	require.NoError(t, err)
	instance, err := bc.GetService(ref)
	require.NoError(t, err)
	assert.Same(t, obj, instance)
}

func TestProvidesHandler_UnpublishesOnKill(t *testing.T) {
	svc, bc := newHarness(t)
	fc := ipopo.NewFactoryContext("teardown.factory")
	require.NoError(t, fc.AddProvides([]string{"greet.Teardown"}, ""))
	require.NoError(t, fc.SetCallback(ipopo.Validate, "Validate"))
	sealed, err := fc.Seal()
	require.NoError(t, err)
	require.NoError(t, svc.RegisterFactory(bc, &ipopo.Factory{Context: sealed, New: func() (interface{}, error) { return &greeterImpl{}, nil }}, false))

	_, err = svc.Instantiate("teardown.factory", "teardown-1", nil)
	require.NoError(t, err)
	_, err = bc.GetServiceReference("greet.Teardown", "")
	require.NoError(t, err)

	require.NoError(t, svc.Kill("teardown-1"))
	_, err = bc.GetServiceReference("greet.Teardown", "")
	assert.Error(t, err, "killing the instance must unregister its provided service")
}
