package ipopo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryContext_SealFreezesMutation(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	require.NoError(t, fc.SetProperty("color", "red"))

	sealed, err := fc.Seal()
	require.NoError(t, err)
	assert.True(t, sealed.Completed())

	err = fc.SetProperty("color", "blue")
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestFactoryContext_SealRejectsEmptyName(t *testing.T) {
	fc := NewFactoryContext("")
	_, err := fc.Seal()
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestFactoryContext_AddRequirementRegistersRequiresHandler(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	require.NoError(t, fc.AddRequirement("Dep", Requirement{Spec: "spec.X"}))

	ids := fc.GetHandlersIDs()
	assert.Contains(t, ids, HandlerIDRequires)
}

func TestFactoryContext_AddProvidesRegistersProvidesHandler(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	require.NoError(t, fc.AddProvides([]string{"spec.Y"}, ""))

	ids := fc.GetHandlersIDs()
	assert.Contains(t, ids, HandlerIDProvides)
}

func TestFactoryContext_GetHandlersIDsIsSorted(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	require.NoError(t, fc.SetHandler("z.handler", nil))
	require.NoError(t, fc.SetHandler("a.handler", nil))

	assert.Equal(t, []string{"a.handler", "z.handler"}, fc.GetHandlersIDs())
}

func TestFactoryContext_SetHandlerDefaultDoesNotOverride(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	require.NoError(t, fc.SetHandler("h", "explicit"))
	require.NoError(t, fc.SetHandlerDefault("h", "default"))

	cfg, ok := fc.GetHandler("h")
	require.True(t, ok)
	assert.Equal(t, "explicit", cfg)
}

func TestFactoryContext_CopyDeepIsIndependent(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	require.NoError(t, fc.SetProperty("color", "red"))
	require.NoError(t, fc.AddRequirement("Dep", Requirement{Spec: "spec.X"}))

	clone := fc.Copy(true)
	require.NoError(t, clone.SetProperty("color", "blue"))

	assert.Equal(t, "red", fc.properties["color"])
	assert.Equal(t, "blue", clone.properties["color"])
}

func TestFactoryContext_CopyShallowSharesState(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	clone := fc.Copy(false)
	clone.properties["color"] = "green"
	assert.Equal(t, "green", fc.properties["color"])
}

func TestFactoryContext_InheritHandlersSkipsExcluded(t *testing.T) {
	parent := NewFactoryContext("parent")
	require.NoError(t, parent.SetHandler("keep.me", 1))
	require.NoError(t, parent.SetHandler("skip.me", 2))

	child := NewFactoryContext("child")
	require.NoError(t, child.InheritHandlers(parent, map[string]bool{"skip.me": true}))

	ids := child.GetHandlersIDs()
	assert.Contains(t, ids, "keep.me")
	assert.NotContains(t, ids, "skip.me")
}

func TestFactoryContext_AddInstanceDuplicateFails(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	require.NoError(t, fc.AddInstance("inst-1", nil))
	err := fc.AddInstance("inst-1", nil)
	assert.ErrorIs(t, err, ErrDuplicateInstance)
}

func TestFactory_ConstructWrapsConstructorError(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	sealed, err := fc.Seal()
	require.NoError(t, err)

	boom := errors.New("boom")
	f := &Factory{Context: sealed, New: func() (interface{}, error) { return nil, boom }}

	_, err = f.construct()
	assert.ErrorIs(t, err, ErrFactoryRaised)
	assert.ErrorIs(t, err, boom)
}

func TestFactory_ConstructRecoversPanic(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	sealed, err := fc.Seal()
	require.NoError(t, err)

	f := &Factory{Context: sealed, New: func() (interface{}, error) { panic("kaboom") }}

	_, err = f.construct()
	assert.ErrorIs(t, err, ErrFactoryRaised)
}

func TestFactory_ConstructSucceeds(t *testing.T) {
	fc := NewFactoryContext("demo.factory")
	sealed, err := fc.Seal()
	require.NoError(t, err)

	f := &Factory{Context: sealed, New: func() (interface{}, error) { return "ok", nil }}

	obj, err := f.construct()
	require.NoError(t, err)
	assert.Equal(t, "ok", obj)
}
