// pkg/ipopo/factory.go
package ipopo

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
)

// Built-in handler ids. Every factory that declares requirements or
// provided specifications implicitly depends on these, the same way the
// original Pelix/iPOPO distribution ships "requires" and "provides" as
// baseline handlers rather than leaving every component to roll its own.
const (
	HandlerIDRequires = "ipopo.handler.requires"
	HandlerIDProvides = "ipopo.handler.provides"
)

// Constructor is a component type's zero-arg constructor (GLOSSARY:
// "Factory — a component type descriptor plus its zero-arg constructor").
// A panic inside Constructor is recovered and reported the same way as a
// returned error, both surfacing as ErrFactoryRaised.
type Constructor func() (interface{}, error)

// Factory pairs a sealed FactoryContext with the constructor that builds
// fresh user objects for it (§4.5 instantiate).
type Factory struct {
	Context *FactoryContext
	New     Constructor
}

func (f *Factory) construct() (obj interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ipopo: constructor for %q panicked: %v: %w", f.Context.Name(), r, ErrFactoryRaised)
		}
	}()
	obj, constructErr := f.New()
	if constructErr != nil {
		return nil, fmt.Errorf("ipopo: constructor for %q failed: %w: %w", f.Context.Name(), constructErr, ErrFactoryRaised)
	}
	return obj, nil
}

// CallbackKind enumerates the component-wide lifecycle callback slots a
// Factory Context can carry (§3).
type CallbackKind int

const (
	Validate CallbackKind = iota
	Invalidate
	Bind
	Update
	Unbind
	PostRegistration
	PostUnregistration
)

func (k CallbackKind) String() string {
	switch k {
	case Validate:
		return "VALIDATE"
	case Invalidate:
		return "INVALIDATE"
	case Bind:
		return "BIND"
	case Update:
		return "UPDATE"
	case Unbind:
		return "UNBIND"
	case PostRegistration:
		return "POST_REGISTRATION"
	case PostUnregistration:
		return "POST_UNREGISTRATION"
	default:
		return "UNKNOWN"
	}
}

// FieldCallbackKind enumerates the per-field callback slots (§3).
type FieldCallbackKind int

const (
	BindField FieldCallbackKind = iota
	UpdateField
	UnbindField
)

// FieldCallback is one per-field callback target, tagged if_valid per §3.
type FieldCallback struct {
	Kind    FieldCallbackKind
	Target  string
	IfValid bool
}

// Requirement is the declarative description of one dependency (§3, GLOSSARY).
type Requirement struct {
	Spec            string
	Aggregate       bool
	Optional        bool
	Filter          string
	ImmediateRebind bool
}

// ProvidesDecl is one (specifications, optional controller field) tuple (§3).
type ProvidesDecl struct {
	Specifications []string
	Controller     string // empty means no controller field
}

// FactoryContext is the immutable-after-sealing descriptor of a component
// type (§3, §4.1). It plays the role the teacher's decorators build up
// incrementally; here callers build it explicitly and call Seal() once,
// matching the Design Notes' "decorator metadata -> explicit configuration
// record" guidance.
type FactoryContext struct {
	name string

	properties       map[string]interface{}
	propertiesFields map[string]string
	hiddenProperties map[string]interface{}

	provides       []ProvidesDecl
	requirements   map[string]*Requirement
	callbacks      map[CallbackKind]string
	fieldCallbacks map[string][]FieldCallback
	handlerConfigs map[string]interface{}
	instances      map[string]map[string]interface{}

	isSingleton bool
	// isSingletonActive is the one field the invariant in §3 allows to
	// mutate after sealing, so it is accessed atomically rather than
	// through the structural mutation guard every other setter uses.
	isSingletonActive atomic.Bool

	// bundleID is a back-reference to the owning bundle, stored as an id
	// rather than a direct framework.BundleContext pointer so unloading a
	// bundle never has to break a reference cycle (§9 Design Notes).
	bundleID atomic.Value // framework.BundleID

	completed bool
}

// NewFactoryContext starts building a new, unsealed Factory Context.
func NewFactoryContext(name string) *FactoryContext {
	fc := &FactoryContext{
		name:             name,
		properties:       make(map[string]interface{}),
		propertiesFields: make(map[string]string),
		hiddenProperties: make(map[string]interface{}),
		requirements:     make(map[string]*Requirement),
		callbacks:        make(map[CallbackKind]string),
		fieldCallbacks:   make(map[string][]FieldCallback),
		handlerConfigs:   make(map[string]interface{}),
		instances:        make(map[string]map[string]interface{}),
	}
	fc.bundleID.Store(framework.BundleID(0))
	return fc
}

func (fc *FactoryContext) Name() string { return fc.name }

func (fc *FactoryContext) checkMutable() error {
	if fc.completed {
		return fmt.Errorf("ipopo: factory context %q is sealed: %w", fc.name, ErrInvalidType)
	}
	return nil
}

// SetProperty declares a default property value. The user-visible field
// name it is mirrored to is recorded separately, with SetPropertyField.
func (fc *FactoryContext) SetProperty(name string, value interface{}) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.properties[name] = value
	return nil
}

// SetPropertyField records that field maps to property name.
func (fc *FactoryContext) SetPropertyField(field, name string) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.propertiesFields[field] = name
	return nil
}

// SetHiddenProperty declares a property never exposed externally.
func (fc *FactoryContext) SetHiddenProperty(name string, value interface{}) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.hiddenProperties[name] = value
	return nil
}

// AddProvides declares a provided-specifications tuple and registers a
// dependency on the built-in provides handler.
func (fc *FactoryContext) AddProvides(specs []string, controller string) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.provides = append(fc.provides, ProvidesDecl{Specifications: specs, Controller: controller})
	if _, ok := fc.handlerConfigs[HandlerIDProvides]; !ok {
		fc.handlerConfigs[HandlerIDProvides] = struct{}{}
	}
	return nil
}

// AddRequirement declares one dependency field and registers a dependency
// on the built-in requires handler.
func (fc *FactoryContext) AddRequirement(field string, req Requirement) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.requirements[field] = &req
	if _, ok := fc.handlerConfigs[HandlerIDRequires]; !ok {
		fc.handlerConfigs[HandlerIDRequires] = struct{}{}
	}
	return nil
}

// SetCallback records the single target method for a component-wide
// lifecycle callback kind.
func (fc *FactoryContext) SetCallback(kind CallbackKind, target string) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.callbacks[kind] = target
	return nil
}

// AddFieldCallback records a per-field callback target.
func (fc *FactoryContext) AddFieldCallback(field string, cb FieldCallback) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.fieldCallbacks[field] = append(fc.fieldCallbacks[field], cb)
	return nil
}

// SetHandler sets the config blob for a handler id (§4.1 set_handler).
func (fc *FactoryContext) SetHandler(id string, config interface{}) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.handlerConfigs[id] = config
	return nil
}

// SetHandlerDefault sets a handler id's config only if it is absent
// (§4.1 set_handler_default).
func (fc *FactoryContext) SetHandlerDefault(id string, def interface{}) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	if _, ok := fc.handlerConfigs[id]; !ok {
		fc.handlerConfigs[id] = def
	}
	return nil
}

// GetHandler returns the config blob for a handler id, if any (§4.1 get_handler).
func (fc *FactoryContext) GetHandler(id string) (interface{}, bool) {
	cfg, ok := fc.handlerConfigs[id]
	return cfg, ok
}

// AddInstance records a declarative instantiation request. Fails with
// ErrDuplicateInstance if name was already declared (§4.1 add_instance).
func (fc *FactoryContext) AddInstance(name string, properties map[string]interface{}) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	if _, exists := fc.instances[name]; exists {
		return fmt.Errorf("ipopo: instance %q already declared on factory %q: %w", name, fc.name, ErrDuplicateInstance)
	}
	if properties == nil {
		properties = make(map[string]interface{})
	}
	fc.instances[name] = properties
	return nil
}

// Instances returns the declarative instance requests (name -> properties).
func (fc *FactoryContext) Instances() map[string]map[string]interface{} {
	return fc.instances
}

// InheritHandlers inherits handler configs from a parent factory context,
// skipping any handler id present in excluded (§4.1 inherit_handlers).
func (fc *FactoryContext) InheritHandlers(parent *FactoryContext, excluded map[string]bool) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	for id, cfg := range parent.handlerConfigs {
		if excluded != nil && excluded[id] {
			continue
		}
		if _, ok := fc.handlerConfigs[id]; !ok {
			fc.handlerConfigs[id] = cfg
		}
	}
	return nil
}

// Requirements returns a copy of the declared dependency fields, keyed by
// field name (§3, consumed by the requires handler factory).
func (fc *FactoryContext) Requirements() map[string]Requirement {
	out := make(map[string]Requirement, len(fc.requirements))
	for field, req := range fc.requirements {
		out[field] = *req
	}
	return out
}

// ProvidesDecls returns the declared provided-specification tuples (§3,
// consumed by the provides handler factory).
func (fc *FactoryContext) ProvidesDecls() []ProvidesDecl {
	return append([]ProvidesDecl(nil), fc.provides...)
}

// GetHandlersIDs returns the set of handler ids this type depends on,
// in a stable (sorted) order (§4.1 get_handlers_ids).
func (fc *FactoryContext) GetHandlersIDs() []string {
	ids := make([]string, 0, len(fc.handlerConfigs))
	for id := range fc.handlerConfigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetSingleton marks whether this factory is constrained to one live instance.
func (fc *FactoryContext) SetSingleton(singleton bool) error {
	if err := fc.checkMutable(); err != nil {
		return err
	}
	fc.isSingleton = singleton
	return nil
}

func (fc *FactoryContext) IsSingleton() bool { return fc.isSingleton }

// IsSingletonActive reports whether a singleton instance is currently live.
// This is the one field the §3 invariant allows to mutate post-sealing.
func (fc *FactoryContext) IsSingletonActive() bool { return fc.isSingletonActive.Load() }

func (fc *FactoryContext) setSingletonActive(active bool) { fc.isSingletonActive.Store(active) }

// BundleID returns the back-reference to the owning bundle.
func (fc *FactoryContext) BundleID() framework.BundleID {
	return fc.bundleID.Load().(framework.BundleID)
}

// SetBundleID updates the back-reference; allowed even after sealing (§3).
func (fc *FactoryContext) SetBundleID(id framework.BundleID) {
	fc.bundleID.Store(id)
}

// Completed reports whether Seal has been called.
func (fc *FactoryContext) Completed() bool { return fc.completed }

// Seal validates the context and freezes it: after Seal, only
// IsSingletonActive/SetBundleID may mutate (§3 invariant).
func (fc *FactoryContext) Seal() (*FactoryContext, error) {
	if fc.name == "" {
		return nil, fmt.Errorf("ipopo: factory context has no name: %w", ErrInvalidName)
	}
	fc.completed = true
	return fc, nil
}

// Copy returns a clone of the factory context for inheritance flows where
// a child type must not mutate its parent's context (§4.1 copy). A deep
// copy clones every map; a shallow copy shares the leaf maps/values.
func (fc *FactoryContext) Copy(deep bool) *FactoryContext {
	clone := &FactoryContext{
		name:        fc.name,
		isSingleton: fc.isSingleton,
	}
	clone.bundleID.Store(fc.BundleID())

	if deep {
		clone.properties = cloneMap(fc.properties)
		clone.propertiesFields = cloneStringMap(fc.propertiesFields)
		clone.hiddenProperties = cloneMap(fc.hiddenProperties)
		clone.provides = append([]ProvidesDecl(nil), fc.provides...)
		clone.requirements = make(map[string]*Requirement, len(fc.requirements))
		for k, v := range fc.requirements {
			r := *v
			clone.requirements[k] = &r
		}
		clone.callbacks = make(map[CallbackKind]string, len(fc.callbacks))
		for k, v := range fc.callbacks {
			clone.callbacks[k] = v
		}
		clone.fieldCallbacks = make(map[string][]FieldCallback, len(fc.fieldCallbacks))
		for k, v := range fc.fieldCallbacks {
			clone.fieldCallbacks[k] = append([]FieldCallback(nil), v...)
		}
		clone.handlerConfigs = cloneMap(fc.handlerConfigs)
		clone.instances = make(map[string]map[string]interface{}, len(fc.instances))
		for k, v := range fc.instances {
			clone.instances[k] = cloneMap(v)
		}
	} else {
		clone.properties = fc.properties
		clone.propertiesFields = fc.propertiesFields
		clone.hiddenProperties = fc.hiddenProperties
		clone.provides = fc.provides
		clone.requirements = fc.requirements
		clone.callbacks = fc.callbacks
		clone.fieldCallbacks = fc.fieldCallbacks
		clone.handlerConfigs = fc.handlerConfigs
		clone.instances = fc.instances
	}
	return clone
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
