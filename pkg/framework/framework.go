// Package framework defines the §6 external collaborator contracts that
// the ipopo core consumes: the bundle context, service references, and the
// bundle/service event schemas. The core never constructs these types
// itself — the framework is, per spec.md §1, "out of scope": lookup,
// filter matching, listener dispatch, and bundle loading belong here, not
// in pkg/ipopo.
package framework

import "fmt"

// BundleID identifies a bundle without holding a direct pointer to it,
// resolving the back-reference cycle the Design Notes (§9) call out:
// "factory_context.bundle_context ... resolve by storing the bundle as a
// weak/back reference or by an id-indexed lookup into the framework".
type BundleID int64

// BundleEventKind enumerates the bundle lifecycle events the core reacts
// to (§6).
type BundleEventKind int

const (
	Starting BundleEventKind = iota
	StoppingPreclean
	UpdateBegin
	Updated
	UpdateFailed
)

func (k BundleEventKind) String() string {
	switch k {
	case Starting:
		return "STARTING"
	case StoppingPreclean:
		return "STOPPING_PRECLEAN"
	case UpdateBegin:
		return "UPDATE_BEGIN"
	case Updated:
		return "UPDATED"
	case UpdateFailed:
		return "UPDATE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// BundleEvent is delivered to bundle listeners (§6).
type BundleEvent struct {
	Kind     BundleEventKind
	BundleID BundleID
}

// ServiceEventKind enumerates the service registry events the core reacts
// to (§6).
type ServiceEventKind int

const (
	Registered ServiceEventKind = iota
	Modified
	Unregistering
)

func (k ServiceEventKind) String() string {
	switch k {
	case Registered:
		return "REGISTERED"
	case Modified:
		return "MODIFIED"
	case Unregistering:
		return "UNREGISTERING"
	default:
		return "UNKNOWN"
	}
}

// ServiceEvent is delivered to service listeners (§6).
type ServiceEvent struct {
	Kind      ServiceEventKind
	Reference ServiceReference
}

// ServiceReference is an opaque handle a registry hands back; the core
// only ever reads properties off it and passes it back to get_service /
// unget_service (§6).
type ServiceReference interface {
	fmt.Stringer
	ID() uint64
	GetProperty(key string) (interface{}, bool)
}

// Registration is returned by register_service; it lets the registrant
// unregister or update its own service properties (§6).
type Registration interface {
	Reference() ServiceReference
	SetProperties(properties map[string]interface{})
	Unregister() error
}

// ServiceListener receives service events for specifications/filters it
// subscribed to (§6).
type ServiceListener interface {
	ServiceChanged(event ServiceEvent)
}

// BundleListener receives bundle lifecycle events (§6).
type BundleListener interface {
	BundleChanged(event BundleEvent)
}

// FrameworkStopListener is notified when the framework itself is stopping.
type FrameworkStopListener interface {
	FrameworkStopping()
}

// BundleContext is the collaborator contract consumed by the core (§6),
// modeled directly on the operations the spec lists verbatim.
type BundleContext interface {
	GetBundle() BundleID
	GetBundles() []BundleID
	GetProperty(key string) (interface{}, bool)

	GetService(ref ServiceReference) (interface{}, error)
	UngetService(ref ServiceReference) error
	GetServiceReference(spec string, filter string) (ServiceReference, error)
	GetAllServiceReferences(spec string, filter string) ([]ServiceReference, error)

	RegisterService(spec []string, instance interface{}, properties map[string]interface{}) (Registration, error)

	AddServiceListener(listener ServiceListener, filter string, spec string) error
	RemoveServiceListener(listener ServiceListener) error

	AddBundleListener(listener BundleListener) error
	RemoveBundleListener(listener BundleListener) error

	AddFrameworkStopListener(listener FrameworkStopListener) error
}
