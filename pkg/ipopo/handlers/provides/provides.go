// Package provides implements the built-in SERVICE_PROVIDER handler
// factory (handler id "ipopo.handler.provides"): it registers and
// unregisters a component's provided specifications against the framework
// across VALID<->INVALID edges (§3, §4.3).
package provides

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo"
)

// HandlerID is the well-known id components depend on through AddProvides
// (§4.1).
const HandlerID = ipopo.HandlerIDProvides

// Factory produces one provider handler per AddProvides declaration on a
// component type, scoped to bc.
type Factory struct {
	BC  framework.BundleContext
	Log *zap.SugaredLogger
}

func (f *Factory) ID() string { return HandlerID }

func (f *Factory) GetHandlers(cc *ipopo.ComponentContext, userObject interface{}) ([]ipopo.Handler, error) {
	decls := cc.FactoryContext().ProvidesDecls()
	if len(decls) == 0 {
		return nil, nil
	}
	handlers := make([]ipopo.Handler, 0, len(decls))
	for _, decl := range decls {
		handlers = append(handlers, &handler{decl: decl, bc: f.BC, log: f.Log})
	}
	return handlers, nil
}

// handler publishes one ProvidesDecl's specifications as a single service
// registration, gated by an optional controller field (§4.3).
type handler struct {
	decl ipopo.ProvidesDecl
	bc   framework.BundleContext
	log  *zap.SugaredLogger

	mu             sync.Mutex
	instance       *ipopo.StoredInstance
	userObject     interface{}
	controllerVal  reflect.Value // zero Value if decl.Controller == ""
	reg            framework.Registration
}

func (h *handler) HandlerID() string { return HandlerID }

func (h *handler) GetKind() ipopo.HandlerKind { return ipopo.ServiceProviderKind }

// Manipulate locates the optional controller field. A declaration without
// a controller publishes unconditionally. With a controller, the field's
// value gates publication, so a field left at Go's zero value (false)
// keeps the service unpublished — callers that want it published must set
// it to true themselves, e.g. in their constructor (documented limitation:
// there is no live field-write hook, so toggling it afterward requires
// SyncController, §4.3).
func (h *handler) Manipulate(instance *ipopo.StoredInstance, userObject interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instance = instance
	h.userObject = userObject

	if h.decl.Controller == "" {
		return nil
	}

	value := reflect.ValueOf(userObject)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("provides: component %q user object must be a pointer to struct", instance.Name())
	}
	fv := value.Elem().FieldByName(h.decl.Controller)
	if !fv.IsValid() {
		return fmt.Errorf("provides: component %q has no controller field %q", instance.Name(), h.decl.Controller)
	}
	if fv.Kind() != reflect.Bool {
		return fmt.Errorf("provides: controller field %q on component %q must be a bool", h.decl.Controller, instance.Name())
	}
	if !fv.CanSet() {
		if h.log != nil {
			h.log.Warnw("provides: controller field cannot be read back after set, treating as enabled", "field", h.decl.Controller, "instance", instance.Name())
		}
		return nil
	}
	h.controllerVal = fv
	return nil
}

func (h *handler) Start() error { return nil }

func (h *handler) Stop() error { return nil }

func (h *handler) Clear() error {
	return h.Unpublish()
}

// CheckLifecycle never blocks validity: publishing is a side effect of
// becoming VALID, not a precondition for it (§4.3).
func (h *handler) CheckLifecycle() ipopo.Vote { return ipopo.VoteNoOpinion }

func (h *handler) controllerEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.controllerVal.IsValid() {
		return true
	}
	return h.controllerVal.Bool()
}

// Publish registers the declared specifications if the controller (if
// any) currently allows it (§4.4 "publish service providers").
func (h *handler) Publish() error {
	if !h.controllerEnabled() {
		return nil
	}
	return h.register()
}

func (h *handler) register() error {
	h.mu.Lock()
	if h.reg != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	props := make(map[string]interface{})
	for k, v := range h.instance.ComponentContext().Properties() {
		props[k] = v
	}
	reg, err := h.bc.RegisterService(h.decl.Specifications, h.userObject, props)
	if err != nil {
		return fmt.Errorf("provides: registering %v failed: %w", h.decl.Specifications, err)
	}

	h.mu.Lock()
	h.reg = reg
	h.mu.Unlock()
	return nil
}

// Unpublish unregisters the service if currently registered (§4.4
// "unregister services").
func (h *handler) Unpublish() error {
	h.mu.Lock()
	reg := h.reg
	h.reg = nil
	h.mu.Unlock()

	if reg == nil {
		return nil
	}
	if err := reg.Unregister(); err != nil {
		return fmt.Errorf("provides: unregistering %v failed: %w", h.decl.Specifications, err)
	}
	return nil
}

// SyncController implements ipopo.ControllerHandler: it re-reads the
// controller field and registers or unregisters to match.
func (h *handler) SyncController() error {
	if h.controllerEnabled() {
		return h.register()
	}
	return h.Unpublish()
}

// ServiceReferences returns the registration currently held by this
// handler, if any (§6 get_instance_details "services").
func (h *handler) ServiceReferences() []framework.ServiceReference {
	h.mu.Lock()
	reg := h.reg
	h.mu.Unlock()
	if reg == nil {
		return nil
	}
	ref := reg.Reference()
	if ref == nil {
		return nil
	}
	return []framework.ServiceReference{ref}
}
