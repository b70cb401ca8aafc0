// pkg/ipopo/handler.go
package ipopo

import "github.com/isandlaTech/ipopo-go/pkg/framework"

// HandlerKind classifies what role a handler plays; introspection APIs
// filter by kind (§4.3).
type HandlerKind int

const (
	ServiceProviderKind HandlerKind = iota
	DependencyKind
	OtherKind
)

// Vote is the ternary check_lifecycle result (§4.3 "valid, invalid, no opinion").
type Vote int

const (
	VoteNoOpinion Vote = iota
	VoteValid
	VoteInvalid
)

// Binding describes one field's binding to a matching service, returned by
// a DEPENDENCY handler's GetBindings (used by get_instance_details, §6).
type Binding struct {
	Specification string
	Filter        string
	Reference     framework.ServiceReference
}

// Handler is the polymorphic plugin capability set from §4.3. Not every
// handler implements every optional method — kind-specific accessors
// return their zero value / false when not applicable, which callers
// check through the optional-interface pattern below rather than a single
// fat interface with panicking defaults.
type Handler interface {
	// HandlerID reports the id of the handler factory that produced this
	// handler (used by get_instance_details' "dependencies[].handler", §6).
	HandlerID() string

	// GetKind reports this handler's role.
	GetKind() HandlerKind

	// Manipulate installs runtime accessors (property get/set, controller
	// flag) into the user object so declared fields become live views
	// over the component context (§4.4 Manipulation).
	Manipulate(instance *StoredInstance, userObject interface{}) error

	// Start is called once, when the Stored Instance's start transition
	// fires.
	Start() error

	// Stop is called during kill, before Clear.
	Stop() error

	// Clear releases any resources the handler is holding; called after Stop.
	Clear() error

	// CheckLifecycle returns this handler's vote on the component's
	// current validity.
	CheckLifecycle() Vote
}

// DependencyHandler is the optional capability set a DEPENDENCY-kind
// handler exposes (§4.3: get_service_reference, get_bindings, get_field,
// requirement).
type DependencyHandler interface {
	Handler
	Requirement() Requirement
	GetBindings() []Binding
	GetField() string
	// UpdateBindings asks the handler to (re)resolve matching services
	// against the framework; called on every update_bindings sweep (§4.4).
	UpdateBindings() error
}

// ServiceProviderHandler is the optional capability set a
// SERVICE_PROVIDER-kind handler exposes. Publish/Unpublish are distinct
// from the generic Start/Stop: Start/Stop bracket the handler's own
// one-time setup/teardown for the whole instance lifetime, while
// Publish/Unpublish are driven by check_lifecycle on every INVALID<->VALID
// edge (§4.4: "publish service providers ... register_service" /
// "unregister services ... unregister_service").
type ServiceProviderHandler interface {
	Handler
	Publish() error
	Unpublish() error
	// ServiceReferences returns the registrations currently published by
	// this handler (used by get_instance_details' "services" field, §6).
	ServiceReferences() []framework.ServiceReference
}

// ControllerHandler is the optional capability a SERVICE_PROVIDER handler
// exposes when one of its provided specifications carries a controller
// field (§3 ProvidesDecl.Controller). Go has no live field-write hook, so
// toggling the controller at runtime does not publish/unpublish by
// itself; SyncController re-reads the field and reconciles registration
// state against it. StoredInstance.SyncProviders is the dispatching entry
// point a component (or its caller) uses to request that reconciliation.
type ControllerHandler interface {
	ServiceProviderHandler
	SyncController() error
}

// HandlerFactory is a service advertised in the registry with a
// handler.id property (§4.3). It produces a fresh set of handlers per
// (component, incarnation) — handlers are instance-scoped and never
// reused across re-instantiations.
type HandlerFactory interface {
	ID() string
	GetHandlers(cc *ComponentContext, userObject interface{}) ([]Handler, error)
}
