// Package requires implements the built-in DEPENDENCY handler factory
// (handler id "ipopo.handler.requires"): it resolves, tracks, and injects
// the services a component declares through AddRequirement (§3, §4.3).
package requires

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo"
)

// HandlerID is the well-known id components depend on through
// AddRequirement (§4.1).
const HandlerID = ipopo.HandlerIDRequires

// Factory produces one requires handler per dependency field declared on a
// component type, scoped to bc.
type Factory struct {
	BC  framework.BundleContext
	Log *zap.SugaredLogger
}

func (f *Factory) ID() string { return HandlerID }

// GetHandlers builds one handler per declared field, in a stable (sorted)
// order so GetHandlersIDs-style iteration stays deterministic across runs.
func (f *Factory) GetHandlers(cc *ipopo.ComponentContext, userObject interface{}) ([]ipopo.Handler, error) {
	reqs := cc.FactoryContext().Requirements()
	if len(reqs) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(reqs))
	for field := range reqs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	handlers := make([]ipopo.Handler, 0, len(fields))
	for _, field := range fields {
		req := reqs[field]
		handlers = append(handlers, &handler{field: field, req: req, bc: f.BC, log: f.Log})
	}
	return handlers, nil
}

type binding struct {
	ref framework.ServiceReference
	svc interface{}
}

// handler tracks one dependency field for one component incarnation. It is
// never reused across re-instantiations (§4.3).
type handler struct {
	field string
	req   ipopo.Requirement
	bc    framework.BundleContext
	log   *zap.SugaredLogger

	mu       sync.Mutex
	instance *ipopo.StoredInstance
	fieldVal reflect.Value
	bound    []binding // index 0 is the "primary" binding for a non-aggregate field
}

func (h *handler) HandlerID() string { return HandlerID }

func (h *handler) GetKind() ipopo.HandlerKind { return ipopo.DependencyKind }

// Manipulate locates the struct field this handler injects into, mirroring
// the reflect-based field discovery the container's struct injector uses:
// a pointer-to-struct is required, the named field must exist and be
// settable (§4.4 Manipulation).
func (h *handler) Manipulate(instance *ipopo.StoredInstance, userObject interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instance = instance

	value := reflect.ValueOf(userObject)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("requires: component %q user object must be a pointer to struct", instance.Name())
	}
	fv := value.Elem().FieldByName(h.field)
	if !fv.IsValid() {
		return fmt.Errorf("requires: component %q has no field %q", instance.Name(), h.field)
	}
	if !fv.CanSet() {
		return fmt.Errorf("requires: field %q on component %q cannot be set", h.field, instance.Name())
	}
	h.fieldVal = fv
	return nil
}

// Start subscribes to service events so ServiceChanged can react to an
// arrival or departure without waiting for the next update_bindings sweep
// (§4.3).
func (h *handler) Start() error {
	if h.bc == nil {
		return nil
	}
	return h.bc.AddServiceListener(h, h.req.Filter, h.req.Spec)
}

func (h *handler) Stop() error {
	if h.bc == nil {
		return nil
	}
	return h.bc.RemoveServiceListener(h)
}

// Clear unbinds everything still held. It always runs from killInActor,
// which is itself on the actor goroutine, so it uses the Direct notify
// variants rather than the dispatching ones.
func (h *handler) Clear() error {
	h.mu.Lock()
	bound := h.bound
	h.bound = nil
	fieldVal := h.fieldVal
	instance := h.instance
	h.mu.Unlock()

	for _, b := range bound {
		if instance != nil {
			instance.NotifyUnbindDirect(h.field, b.svc, b.ref)
		}
	}
	if fieldVal.IsValid() {
		fieldVal.Set(reflect.Zero(fieldVal.Type()))
	}
	return nil
}

// CheckLifecycle votes INVALID only when the field is mandatory and
// unbound; an optional or satisfied field has no opinion (§4.3).
func (h *handler) CheckLifecycle() ipopo.Vote {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.req.Optional {
		return ipopo.VoteNoOpinion
	}
	if len(h.bound) == 0 {
		return ipopo.VoteInvalid
	}
	return ipopo.VoteNoOpinion
}

func (h *handler) Requirement() ipopo.Requirement { return h.req }

func (h *handler) GetField() string { return h.field }

func (h *handler) GetBindings() []ipopo.Binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ipopo.Binding, 0, len(h.bound))
	for _, b := range h.bound {
		out = append(out, ipopo.Binding{Specification: h.req.Spec, Filter: h.req.Filter, Reference: b.ref})
	}
	return out
}

// UpdateBindings re-resolves this field's matches against the framework.
// It is invoked from updateBindingsInActor, so the calling goroutine
// already is the Stored Instance's actor — every notification here uses
// the Direct variant to avoid a mailbox round-trip into itself (§4.4
// update_bindings).
func (h *handler) UpdateBindings() error {
	if h.bc == nil {
		return nil
	}
	refs, err := h.bc.GetAllServiceReferences(h.req.Spec, h.req.Filter)
	if err != nil {
		return fmt.Errorf("requires: resolving %q failed: %w", h.req.Spec, err)
	}
	if h.req.Aggregate {
		return h.reconcileAggregate(refs, h.notifyBindSync, h.notifyUnbindSync)
	}
	return h.reconcileSingle(refs, h.notifyBindSync, h.notifyUnbindSync)
}

// ServiceChanged implements framework.ServiceListener: it reacts to a
// registration or departure the instant the framework reports it, which is
// what lets a waiting dependency resolve the moment a matching service
// shows up rather than only on the next explicit update_bindings sweep.
// On a departure, a lost binding's replacement is searched for inline in
// this same event. Requirement.ImmediateRebind (§3) is not read here: the
// behavior is the same whether it is set or not. This always runs on the framework's event-dispatch
// goroutine, never the actor, so it uses the dispatching Notify calls and
// explicitly re-triggers check_lifecycle afterward.
func (h *handler) ServiceChanged(event framework.ServiceEvent) {
	if h.instance == nil {
		return
	}

	refs, err := h.bc.GetAllServiceReferences(h.req.Spec, h.req.Filter)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("requires: immediate rebind resolve failed", "field", h.field, "error", err)
		}
		return
	}

	var reconcileErr error
	if h.req.Aggregate {
		reconcileErr = h.reconcileAggregate(refs, h.notifyBindAsync, h.notifyUnbindAsync)
	} else {
		reconcileErr = h.reconcileSingle(refs, h.notifyBindAsync, h.notifyUnbindAsync)
	}
	if reconcileErr != nil {
		if h.log != nil {
			h.log.Errorw("requires: immediate rebind reconcile failed", "field", h.field, "error", reconcileErr)
		}
		return
	}

	if _, err := h.instance.CheckLifecycle(); err != nil && h.log != nil {
		h.log.Debugw("requires: post-rebind check_lifecycle skipped", "field", h.field, "error", err)
	}
}

type notifyFunc func(service interface{}, ref framework.ServiceReference)

func (h *handler) notifyBindSync(service interface{}, ref framework.ServiceReference) {
	h.instance.NotifyBindDirect(h.field, service, ref)
}

func (h *handler) notifyUnbindSync(service interface{}, ref framework.ServiceReference) {
	h.instance.NotifyUnbindDirect(h.field, service, ref)
}

func (h *handler) notifyBindAsync(service interface{}, ref framework.ServiceReference) {
	if err := h.instance.NotifyBind(h.field, service, ref); err != nil && h.log != nil {
		h.log.Errorw("requires: async bind notify failed", "field", h.field, "error", err)
	}
}

func (h *handler) notifyUnbindAsync(service interface{}, ref framework.ServiceReference) {
	if err := h.instance.NotifyUnbind(h.field, service, ref); err != nil && h.log != nil {
		h.log.Errorw("requires: async unbind notify failed", "field", h.field, "error", err)
	}
}

// reconcileSingle keeps at most one binding: it leaves the current binding
// alone if it is still present in refs, else unbinds it and binds the
// first available candidate (ascending service id order, §4.5's stable
// iteration rule).
func (h *handler) reconcileSingle(refs []framework.ServiceReference, bind, unbind notifyFunc) error {
	h.mu.Lock()
	var current *binding
	if len(h.bound) == 1 {
		current = &h.bound[0]
	}
	h.mu.Unlock()

	var chosen framework.ServiceReference
	for _, ref := range refs {
		if current != nil && ref.ID() == current.ref.ID() {
			return nil // still satisfied by the same service, nothing to do
		}
	}
	if len(refs) > 0 {
		chosen = refs[0]
	}

	if current != nil {
		unbind(current.svc, current.ref)
		h.mu.Lock()
		h.bound = nil
		h.mu.Unlock()
	}

	if chosen == nil {
		h.setField(nil)
		return nil
	}

	service, err := h.bc.GetService(chosen)
	if err != nil {
		return fmt.Errorf("requires: fetching %q service: %w", h.req.Spec, err)
	}

	h.mu.Lock()
	h.bound = []binding{{ref: chosen, svc: service}}
	h.mu.Unlock()

	h.setField(service)
	bind(service, chosen)
	return nil
}

// reconcileAggregate binds every match and unbinds every stale entry,
// presenting the field as a slice ordered by ascending service id.
func (h *handler) reconcileAggregate(refs []framework.ServiceReference, bind, unbind notifyFunc) error {
	wanted := make(map[uint64]framework.ServiceReference, len(refs))
	for _, ref := range refs {
		wanted[ref.ID()] = ref
	}

	h.mu.Lock()
	existing := make(map[uint64]binding, len(h.bound))
	for _, b := range h.bound {
		existing[b.ref.ID()] = b
	}
	h.mu.Unlock()

	for id, b := range existing {
		if _, ok := wanted[id]; !ok {
			unbind(b.svc, b.ref)
		}
	}

	newBound := make([]binding, 0, len(refs))
	for _, ref := range refs {
		if b, ok := existing[ref.ID()]; ok {
			newBound = append(newBound, b)
			continue
		}
		service, err := h.bc.GetService(ref)
		if err != nil {
			return fmt.Errorf("requires: fetching %q service: %w", h.req.Spec, err)
		}
		b := binding{ref: ref, svc: service}
		newBound = append(newBound, b)
		bind(service, ref)
	}
	sort.Slice(newBound, func(i, j int) bool { return newBound[i].ref.ID() < newBound[j].ref.ID() })

	h.mu.Lock()
	h.bound = newBound
	h.mu.Unlock()

	h.setFieldSlice(newBound)
	return nil
}

func (h *handler) setField(service interface{}) {
	h.mu.Lock()
	fv := h.fieldVal
	h.mu.Unlock()
	if !fv.IsValid() {
		return
	}
	if service == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return
	}
	sv := reflect.ValueOf(service)
	if sv.Type().AssignableTo(fv.Type()) {
		fv.Set(sv)
	} else if h.log != nil {
		h.log.Errorw("requires: service type not assignable to field", "field", h.field, "fieldType", fv.Type(), "serviceType", sv.Type())
	}
}

func (h *handler) setFieldSlice(bound []binding) {
	h.mu.Lock()
	fv := h.fieldVal
	h.mu.Unlock()
	if !fv.IsValid() || fv.Kind() != reflect.Slice {
		if h.log != nil && fv.IsValid() {
			h.log.Errorw("requires: aggregate field must be a slice", "field", h.field, "fieldType", fv.Type())
		}
		return
	}
	elemType := fv.Type().Elem()
	slice := reflect.MakeSlice(fv.Type(), 0, len(bound))
	for _, b := range bound {
		sv := reflect.ValueOf(b.svc)
		if !sv.Type().AssignableTo(elemType) {
			if h.log != nil {
				h.log.Errorw("requires: aggregate element type not assignable", "field", h.field, "elemType", elemType, "serviceType", sv.Type())
			}
			continue
		}
		slice = reflect.Append(slice, sv)
	}
	fv.Set(slice)
}
