// pkg/ipopo/instance.go
package ipopo

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
)

// State is one of the Stored Instance FSM states (§4.4).
type State int

const (
	StateInvalid State = iota
	StateValid
	StateErroneous
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateValid:
		return "VALID"
	case StateErroneous:
		return "ERRONEOUS"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// DependencyDetail mirrors one entry of get_instance_details' "dependencies"
// field (§6).
type DependencyDetail struct {
	Handler       string
	Specification string
	Filter        string
	Optional      bool
	Aggregate     bool
	Bindings      []Binding
}

// InstanceDetails mirrors the get_instance_details record (§6), minus the
// factory/bundle fields the Service (E) layer attaches.
type InstanceDetails struct {
	Name         string
	State        State
	ErrorTrace   string
	Services     map[uint64]framework.ServiceReference
	Dependencies map[string]DependencyDetail
	Properties   map[string]string
}

// StoredInstance owns the user object, its handlers, and drives the
// INVALID -> VALID -> ... state machine (§4.4).
//
// The source's pervasive per-instance re-entrant lock is replaced here by
// the single-threaded-actor shape the Design Notes (§9) call out as an
// equivalent: every transition is a closure submitted to a private
// mailbox and run by one dedicated goroutine, so "all transitions
// serialize on a per-instance lock" falls out of there being exactly one
// goroutine ever touching FSM state, with no risk of recursive-lock bugs.
type StoredInstance struct {
	incarnation string // uuid: distinguishes this (context, user object) cycle from a later re-queue
	name        string
	cc          *ComponentContext
	bc          framework.BundleContext
	log         *zap.SugaredLogger
	events      EventSink

	userObject interface{}
	handlers   []Handler

	mailbox chan func()
	killed  boolFlag

	// fsmState/errTrace are touched only by the actor goroutine; mu/published*
	// mirror them for introspection calls made from any goroutine.
	fsmState State
	errTrace string

	mu                sync.RWMutex
	publishedState    State
	publishedTrace    string
	publishedHandlers []Handler
}

// boolFlag is a tiny atomic bool without importing sync/atomic's generic
// helpers twice across this file; kept local to avoid a second import line
// for a single field.
type boolFlag struct {
	mu    sync.Mutex
	value bool
}

func (f *boolFlag) set() {
	f.mu.Lock()
	f.value = true
	f.mu.Unlock()
}

func (f *boolFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// NewStoredInstance constructs a Stored Instance around an already-built
// user object and its produced handlers, and starts its actor goroutine.
func NewStoredInstance(cc *ComponentContext, bc framework.BundleContext, userObject interface{}, handlers []Handler, events EventSink, log *zap.SugaredLogger) *StoredInstance {
	si := &StoredInstance{
		incarnation: uuid.NewString(),
		name:        cc.Name(),
		cc:          cc,
		bc:          bc,
		log:         log,
		events:      events,
		userObject:  userObject,
		handlers:    handlers,
		mailbox:     make(chan func()),
	}
	si.mu.Lock()
	si.publishedHandlers = handlers
	si.mu.Unlock()
	// Manipulation happens once, at construction, before the actor
	// goroutine starts and before anything else can observe the instance
	// (§4.4 Manipulation) — distinct from the "start" transition itself.
	for _, h := range handlers {
		if err := h.Manipulate(si, userObject); err != nil && log != nil {
			log.Errorw("handler manipulate failed", "instance", si.name, "error", err)
		}
	}
	go si.run()
	return si
}

func (si *StoredInstance) run() {
	for job := range si.mailbox {
		job()
	}
}

// dispatch submits fn to the actor goroutine and blocks for its result.
// Once the instance is killed, dispatch fails fast with ErrUnknownInstance
// instead of blocking on a mailbox nobody drains anymore.
func (si *StoredInstance) dispatch(fn func() error) (err error) {
	if si.killed.get() {
		return fmt.Errorf("ipopo: instance %q already killed: %w", si.name, ErrUnknownInstance)
	}
	result := make(chan error, 1)
	func() {
		defer func() {
			if r := recover(); r != nil {
				// Raced with the kill job closing the mailbox.
				result <- fmt.Errorf("ipopo: instance %q already killed: %w", si.name, ErrUnknownInstance)
			}
		}()
		si.mailbox <- func() { result <- fn() }
	}()
	return <-result
}

func (si *StoredInstance) Name() string { return si.name }

func (si *StoredInstance) Incarnation() string { return si.incarnation }

func (si *StoredInstance) ComponentContext() *ComponentContext { return si.cc }

// UserObject returns the live user object (nil once killed).
func (si *StoredInstance) UserObject() interface{} { return si.userObject }

func (si *StoredInstance) State() State {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.publishedState
}

func (si *StoredInstance) ErrorTrace() string {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.publishedTrace
}

// handlersSnapshot returns the handler set as of the last publish/kill,
// safe to call from any goroutine — mirrors si.handlers the same way
// publishedState mirrors si.fsmState, since the actor goroutine nils
// si.handlers out on kill without otherwise synchronizing with readers.
func (si *StoredInstance) handlersSnapshot() []Handler {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.publishedHandlers
}

func (si *StoredInstance) publish(state State, trace string) {
	si.fsmState = state
	si.errTrace = trace
	si.mu.Lock()
	si.publishedState = state
	si.publishedTrace = trace
	si.mu.Unlock()
}

func (si *StoredInstance) emit(kind EventKind) {
	if si.events == nil {
		return
	}
	si.events.Emit(Event{Kind: kind, FactoryName: si.cc.FactoryContext().Name(), InstanceName: si.name})
}

// Start runs handler.start once, resolves already-registered dependencies,
// and attempts the first check_lifecycle (§4.4 "start"). Manipulation has
// already run in NewStoredInstance.
func (si *StoredInstance) Start() error {
	return si.dispatch(si.startInActor)
}

func (si *StoredInstance) startInActor() error {
	for _, h := range si.handlers {
		if err := h.Start(); err != nil {
			si.log.Errorw("handler start failed", "instance", si.name, "error", err)
		}
	}
	si.publish(StateInvalid, "")
	// Resolve any dependency already present in the registry before the
	// first check_lifecycle vote — a dependency handler's Start only
	// subscribes to *future* arrivals, so without this pass a component
	// instantiated after its required service would never bind.
	si.runDependencyUpdate()
	si.checkLifecycleInActor()
	return nil
}

// UpdateBindings asks every dependency handler to (re)resolve matching
// services, then re-attempts check_lifecycle (§4.4 "update_bindings").
func (si *StoredInstance) UpdateBindings() error {
	return si.dispatch(si.updateBindingsInActor)
}

func (si *StoredInstance) updateBindingsInActor() error {
	if si.fsmState == StateKilled {
		return nil
	}
	si.runDependencyUpdate()
	si.checkLifecycleInActor()
	return nil
}

func (si *StoredInstance) runDependencyUpdate() {
	for _, h := range si.handlers {
		if dh, ok := h.(DependencyHandler); ok {
			if err := dh.UpdateBindings(); err != nil {
				si.log.Errorw("dependency handler update failed", "instance", si.name, "error", err)
			}
		}
	}
}

// CheckLifecycle re-evaluates handler votes and drives the VALID/INVALID
// edges (§4.4 "check_lifecycle"). Exposed publicly so handlers can trigger
// it directly (e.g. after an immediate rebind).
func (si *StoredInstance) CheckLifecycle() (State, error) {
	var state State
	err := si.dispatch(func() error {
		si.checkLifecycleInActor()
		state = si.fsmState
		return nil
	})
	return state, err
}

func (si *StoredInstance) checkLifecycleInActor() {
	switch si.fsmState {
	case StateInvalid:
		si.tryValidate()
	case StateValid:
		si.tryInvalidate()
	case StateErroneous, StateKilled:
		// no automatic transition
	}
}

func (si *StoredInstance) tryValidate() {
	for _, h := range si.handlers {
		if h.CheckLifecycle() == VoteInvalid {
			return
		}
	}

	if err := si.invokeZeroArg(Validate); err != nil {
		si.publish(StateErroneous, formatTrace(fmt.Errorf("%w: %v", ErrValidationFailed, err)))
		si.emit(EventInvalidated)
		return
	}

	for _, h := range si.handlers {
		if ph, ok := h.(ServiceProviderHandler); ok {
			if err := ph.Publish(); err != nil {
				si.log.Errorw("service provider publish failed", "instance", si.name, "error", err)
			}
		}
	}
	if err := si.invokeZeroArg(PostRegistration); err != nil {
		si.log.Errorw("POST_REGISTRATION callback failed", "instance", si.name, "error", err)
	}

	si.publish(StateValid, "")
	si.emit(EventValidated)
}

func (si *StoredInstance) tryInvalidate() {
	anyInvalid := false
	for _, h := range si.handlers {
		if h.CheckLifecycle() == VoteInvalid {
			anyInvalid = true
			break
		}
	}
	if !anyInvalid {
		return
	}
	si.invalidateInActor(true)
}

// invalidateInActor implements the VALID->INVALID path shared by
// check_lifecycle and the public Invalidate operation (§4.4). Per §5's
// ordering guarantee ("service unregistration precedes INVALIDATE") the
// unpublish step runs before the user's INVALIDATE callback, even though
// §4.4's prose lists them in the other order — see DESIGN.md for this
// resolution.
func (si *StoredInstance) invalidateInActor(callback bool) {
	if si.fsmState != StateValid {
		return
	}

	if err := si.invokeZeroArg(PostUnregistration); err != nil {
		si.log.Errorw("POST_UNREGISTRATION callback failed", "instance", si.name, "error", err)
	}
	for _, h := range si.handlers {
		if ph, ok := h.(ServiceProviderHandler); ok {
			if err := ph.Unpublish(); err != nil {
				si.log.Errorw("service provider unpublish failed", "instance", si.name, "error", err)
			}
		}
	}

	if callback {
		if err := si.invokeZeroArg(Invalidate); err != nil {
			si.log.Errorw("INVALIDATE callback failed", "instance", si.name, "error", err)
		}
	}

	si.publish(StateInvalid, "")
	si.emit(EventInvalidated)
}

// SyncProviders asks every ControllerHandler to reconcile its registration
// state against its controller field's current value. A no-op off VALID,
// since a provider handler only holds live registrations while the
// instance is VALID (§4.3 ControllerHandler).
func (si *StoredInstance) SyncProviders() error {
	return si.dispatch(func() error {
		if si.fsmState != StateValid {
			return nil
		}
		for _, h := range si.handlers {
			ch, ok := h.(ControllerHandler)
			if !ok {
				continue
			}
			if err := ch.SyncController(); err != nil {
				si.log.Errorw("controller sync failed", "instance", si.name, "error", err)
			}
		}
		return nil
	})
}

// RetryErroneous merges a property update, clears the error trace, and
// re-attempts check_lifecycle from ERRONEOUS (§4.4 "retry_erroneous").
// Off ERRONEOUS this is a documented no-op that returns the current state
// without running any callback.
func (si *StoredInstance) RetryErroneous(propertiesUpdate map[string]interface{}) (State, error) {
	var state State
	err := si.dispatch(func() error {
		if si.fsmState != StateErroneous {
			state = si.fsmState
			return nil
		}
		for k, v := range propertiesUpdate {
			si.cc.SetProperty(k, v)
		}
		si.publish(StateInvalid, "")
		si.checkLifecycleInActor()
		state = si.fsmState
		return nil
	})
	return state, err
}

// Invalidate forces the VALID->INVALID transition from outside the FSM
// sweep (used by the framework tearing a component down deliberately). If
// callback is false the user's INVALIDATE callback is skipped.
func (si *StoredInstance) Invalidate(callback bool) error {
	return si.dispatch(func() error {
		si.invalidateInActor(callback)
		return nil
	})
}

// Kill tears the instance down unconditionally and terminates its actor
// goroutine (§4.4 "kill"). KILLED is terminal: after Kill returns, every
// further dispatch fails with ErrUnknownInstance.
func (si *StoredInstance) Kill() error {
	return si.dispatch(si.killInActor)
}

func (si *StoredInstance) killInActor() error {
	if si.fsmState == StateValid {
		si.invalidateInActor(true)
	}

	for _, h := range si.handlers {
		if err := h.Stop(); err != nil {
			si.log.Errorw("handler stop failed", "instance", si.name, "error", err)
		}
		if err := h.Clear(); err != nil {
			si.log.Errorw("handler clear failed", "instance", si.name, "error", err)
		}
	}

	si.handlers = nil
	si.userObject = nil
	si.mu.Lock()
	si.publishedHandlers = nil
	si.mu.Unlock()
	si.publish(StateKilled, "")
	si.emit(EventKilled)

	si.killed.set()
	close(si.mailbox)
	return nil
}

// NotifyBind runs the per-field then global BIND callbacks and emits
// BOUND (§4.4).
func (si *StoredInstance) NotifyBind(field string, service interface{}, ref framework.ServiceReference) error {
	return si.dispatch(func() error {
		si.notifyInActor(BindField, Bind, EventBound, field, service, ref)
		return nil
	})
}

// NotifyUpdate runs the per-field then global UPDATE callbacks (§4.4). No
// component-level event is defined for UPDATE in the §6 schema.
func (si *StoredInstance) NotifyUpdate(field string, service interface{}, ref framework.ServiceReference) error {
	return si.dispatch(func() error {
		si.notifyInActor(UpdateField, Update, -1, field, service, ref)
		return nil
	})
}

// NotifyUnbind runs the per-field then global UNBIND callbacks and emits
// UNBOUND (§4.4).
func (si *StoredInstance) NotifyUnbind(field string, service interface{}, ref framework.ServiceReference) error {
	return si.dispatch(func() error {
		si.notifyInActor(UnbindField, Unbind, EventUnbound, field, service, ref)
		return nil
	})
}

// NotifyBindDirect runs the BIND callbacks inline, without a mailbox
// round-trip. The only legal caller is a DependencyHandler.UpdateBindings
// implementation: UpdateBindings is itself invoked from
// updateBindingsInActor, so the calling goroutine already is the actor —
// dispatching again would send into a mailbox that nothing is left to
// drain, deadlocking the instance (§4.4 update_bindings).
func (si *StoredInstance) NotifyBindDirect(field string, service interface{}, ref framework.ServiceReference) {
	si.notifyInActor(BindField, Bind, EventBound, field, service, ref)
}

// NotifyUnbindDirect is NotifyBindDirect's UNBIND counterpart. It must
// likewise only be called from the actor goroutine: from
// DependencyHandler.UpdateBindings, or from a handler's Clear, which runs
// inside killInActor.
func (si *StoredInstance) NotifyUnbindDirect(field string, service interface{}, ref framework.ServiceReference) {
	si.notifyInActor(UnbindField, Unbind, EventUnbound, field, service, ref)
}

func (si *StoredInstance) notifyInActor(fieldKind FieldCallbackKind, globalKind CallbackKind, event EventKind, field string, service interface{}, ref framework.ServiceReference) {
	fc := si.cc.FactoryContext()

	for _, cb := range fc.fieldCallbacks[field] {
		if cb.Kind != fieldKind {
			continue
		}
		if cb.IfValid && si.fsmState != StateValid {
			continue
		}
		if err := si.invokeBinding(cb.Target, service, ref); err != nil {
			si.log.Errorw("field callback failed", "instance", si.name, "field", field, "error", err)
		}
	}

	if target, ok := fc.callbacks[globalKind]; ok {
		if err := si.invokeBinding(target, service, ref); err != nil {
			si.log.Errorw("callback failed", "instance", si.name, "kind", globalKind.String(), "error", err)
		}
	}

	if event >= 0 {
		si.emit(event)
	}
}

// invokeZeroArg calls the zero-argument callback registered under kind, if
// any. A missing callback is not an error — callbacks are optional per
// component type.
func (si *StoredInstance) invokeZeroArg(kind CallbackKind) error {
	target, ok := si.cc.FactoryContext().callbacks[kind]
	if !ok || target == "" {
		return nil
	}
	method := reflect.ValueOf(si.userObject).MethodByName(target)
	if !method.IsValid() {
		si.log.Warnw("callback target not found", "instance", si.name, "target", target, "kind", kind.String())
		return nil
	}
	out := method.Call(nil)
	return firstError(out)
}

// invokeBinding calls a (service interface{}, ref framework.ServiceReference)
// -> error callback by name, the signature BIND/UPDATE/UNBIND callbacks use.
func (si *StoredInstance) invokeBinding(target string, service interface{}, ref framework.ServiceReference) error {
	if target == "" {
		return nil
	}
	method := reflect.ValueOf(si.userObject).MethodByName(target)
	if !method.IsValid() {
		si.log.Warnw("callback target not found", "instance", si.name, "target", target)
		return nil
	}
	args := []reflect.Value{reflect.ValueOf(service), reflect.ValueOf(ref)}
	out := method.Call(args)
	return firstError(out)
}

func firstError(out []reflect.Value) error {
	for _, v := range out {
		if err, ok := v.Interface().(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func formatTrace(err error) string {
	return fmt.Sprintf("%+v", err)
}

// Details snapshots this instance's introspectable state (§6
// get_instance_details, minus factory/bundle which the Service layer adds).
func (si *StoredInstance) Details() InstanceDetails {
	details := InstanceDetails{
		Name:         si.name,
		State:        si.State(),
		ErrorTrace:   si.ErrorTrace(),
		Services:     make(map[uint64]framework.ServiceReference),
		Dependencies: make(map[string]DependencyDetail),
		Properties:   make(map[string]string),
	}

	for k, v := range si.cc.Properties() {
		details.Properties[k] = fmt.Sprintf("%v", v)
	}

	for _, h := range si.handlersSnapshot() {
		switch handler := h.(type) {
		case ServiceProviderHandler:
			for _, ref := range handler.ServiceReferences() {
				details.Services[ref.ID()] = ref
			}
		case DependencyHandler:
			req := handler.Requirement()
			details.Dependencies[handler.GetField()] = DependencyDetail{
				Handler:       handler.HandlerID(),
				Specification: req.Spec,
				Filter:        req.Filter,
				Optional:      req.Optional,
				Aggregate:     req.Aggregate,
				Bindings:      handler.GetBindings(),
			}
		}
	}

	return details
}
