// pkg/ipopo/service.go
package ipopo

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
)

// HandlerFactorySpec is the specification string handler factories are
// expected to register under in the framework, carrying a "handler.id"
// property (§4.3). The Service listens for this spec the way the original
// listens for handler factory services in the registry.
const HandlerFactorySpec = "ipopo.handler.factory"

type waitingEntry struct {
	factoryContext *FactoryContext
	cc             *ComponentContext
	userObject     interface{}
}

// WaitingComponent describes one entry of get_waiting_components (§4.5).
type WaitingComponent struct {
	Name            string
	Factory         string
	MissingHandlers []string
}

// FactoryDetails mirrors get_factory_details (§6).
type FactoryDetails struct {
	Name         string
	Bundle       framework.BundleID
	Properties   map[string]string
	Requirements map[string]Requirement
	Services     []string
	Handlers     map[string]interface{}
}

// Service is the iPOPO Service (E): it owns the factory and instance
// registries and the waiting pool, listens to handler-factory service
// events, and exposes the public API (§4.5). Bundle events and the
// auto-restart snapshots are handled by a separate BundleReactor (see
// NewBundleReactor).
type Service struct {
	bc  framework.BundleContext
	log *zap.SugaredLogger

	factoriesLock sync.RWMutex
	factories     map[string]*Factory

	instancesLock   sync.Mutex
	instances       map[string]*StoredInstance
	waitingHandlers map[string]waitingEntry
	reserved        map[string]string // name -> factory name, held during constructor execution

	handlersLock sync.RWMutex
	handlers     map[string]HandlerFactory
	handlersRefs map[string]framework.ServiceReference

	events *eventFanout

	running atomic.Bool
}

// NewService creates an iPOPO Service bound to bc and immediately starts
// listening for handler-factory service events (§4.5). It does not
// subscribe to bundle events; NewBundleReactor does.
func NewService(bc framework.BundleContext, log *zap.SugaredLogger) (*Service, error) {
	s := &Service{
		bc:              bc,
		log:             log,
		factories:       make(map[string]*Factory),
		instances:       make(map[string]*StoredInstance),
		waitingHandlers: make(map[string]waitingEntry),
		reserved:        make(map[string]string),
		handlers:        make(map[string]HandlerFactory),
		handlersRefs:    make(map[string]framework.ServiceReference),
		events:          newEventFanout(log),
	}
	s.running.Store(true)

	if err := bc.AddServiceListener(s, "", HandlerFactorySpec); err != nil {
		return nil, fmt.Errorf("ipopo: subscribing to handler factory events: %w", err)
	}
	return s, nil
}

// ServiceChanged implements framework.ServiceListener: it tracks handler
// factory arrival/departure (§4.5).
func (s *Service) ServiceChanged(event framework.ServiceEvent) {
	rawID, ok := event.Reference.GetProperty("handler.id")
	if !ok {
		return
	}
	id, ok := rawID.(string)
	if !ok || id == "" {
		return
	}

	switch event.Kind {
	case framework.Registered:
		instance, err := s.bc.GetService(event.Reference)
		if err != nil {
			s.log.Errorw("fetching handler factory service failed", "id", id, "error", err)
			return
		}
		hf, ok := instance.(HandlerFactory)
		if !ok {
			s.log.Errorw("handler factory service does not implement HandlerFactory", "id", id)
			return
		}
		s.handlerFactoryArrived(id, event.Reference, hf)
	case framework.Unregistering:
		s.handlerFactoryDeparted(id)
	case framework.Modified:
		// property changes on a handler factory registration do not
		// affect ipopo's bookkeeping.
	}
}

func (s *Service) handlerFactoryArrived(id string, ref framework.ServiceReference, hf HandlerFactory) {
	s.handlersLock.Lock()
	if _, exists := s.handlers[id]; exists {
		s.handlersLock.Unlock()
		// Open Question (§9) resolved: first-registered wins, later
		// registrations with the same handler.id are logged and ignored.
		s.log.Warnw("handler factory id already registered, ignoring", "id", id)
		return
	}
	s.handlers[id] = hf
	s.handlersRefs[id] = ref
	s.handlersLock.Unlock()

	s.promoteWaiting(id)
}

func (s *Service) handlerFactoryDeparted(id string) {
	s.handlersLock.Lock()
	if _, exists := s.handlers[id]; !exists {
		s.handlersLock.Unlock()
		return
	}
	delete(s.handlers, id)
	delete(s.handlersRefs, id)
	s.handlersLock.Unlock()

	s.instancesLock.Lock()
	var affected []string
	for name, si := range s.instances {
		if dependsOn(si.ComponentContext().FactoryContext(), id) {
			affected = append(affected, name)
		}
	}
	sort.Strings(affected)
	s.instancesLock.Unlock()

	for _, name := range affected {
		s.instancesLock.Lock()
		si, ok := s.instances[name]
		if ok {
			delete(s.instances, name)
		}
		s.instancesLock.Unlock()
		if !ok {
			// Killed concurrently; tolerate per §9's mid-iteration note.
			continue
		}

		userObject := si.UserObject()
		cc := si.ComponentContext()
		fc := cc.FactoryContext()

		if err := si.Kill(); err != nil {
			s.log.Errorw("kill during handler departure failed", "instance", name, "error", err)
		}

		s.instancesLock.Lock()
		s.waitingHandlers[name] = waitingEntry{factoryContext: fc, cc: cc, userObject: userObject}
		s.instancesLock.Unlock()
	}

	// A replacement handler factory might already be registered under the
	// same id (e.g. one ignored at arrival as a duplicate); promote it
	// immediately.
	if refs, err := s.bc.GetAllServiceReferences(HandlerFactorySpec, "handler.id="+id); err == nil {
		for _, ref := range refs {
			raw, err := s.bc.GetService(ref)
			if err != nil {
				continue
			}
			if hf, ok := raw.(HandlerFactory); ok {
				s.handlerFactoryArrived(id, ref, hf)
				return
			}
		}
	}
	s.promoteWaiting(id)
}

func dependsOn(fc *FactoryContext, handlerID string) bool {
	for _, id := range fc.GetHandlersIDs() {
		if id == handlerID {
			return true
		}
	}
	return false
}

// promoteWaiting retries try_instantiate for every waiting instance that
// might now resolve, in a stable (sorted) order within this single arrival
// event (§4.5).
func (s *Service) promoteWaiting(arrivedID string) {
	for {
		s.instancesLock.Lock()
		var names []string
		for name, entry := range s.waitingHandlers {
			if dependsOn(entry.factoryContext, arrivedID) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		s.instancesLock.Unlock()

		if len(names) == 0 {
			return
		}

		progressed := false
		for _, name := range names {
			s.instancesLock.Lock()
			entry, ok := s.waitingHandlers[name]
			s.instancesLock.Unlock()
			if !ok {
				continue
			}

			si, waiting, err := s.tryInstantiate(entry.factoryContext, entry.cc, entry.userObject)
			if err != nil {
				s.log.Errorw("promoting waiting instance failed", "instance", name, "error", err)
				continue
			}
			if waiting {
				continue
			}

			s.instancesLock.Lock()
			delete(s.waitingHandlers, name)
			s.instances[name] = si
			s.instancesLock.Unlock()

			s.events.Emit(Event{Kind: EventInstantiated, FactoryName: entry.factoryContext.Name(), InstanceName: name})
			if err := si.Start(); err != nil {
				s.log.Errorw("starting promoted instance failed", "instance", name, "error", err)
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// RegisterFactory registers a component type. override permits replacing
// an already-registered factory of the same name (§4.5).
func (s *Service) RegisterFactory(bc framework.BundleContext, factory *Factory, override bool) error {
	if factory == nil || factory.Context == nil || !factory.Context.Completed() || factory.New == nil {
		return fmt.Errorf("ipopo: register_factory requires a sealed factory context and constructor: %w", ErrInvalidType)
	}
	name := factory.Context.Name()

	s.factoriesLock.Lock()
	if _, exists := s.factories[name]; exists && !override {
		s.factoriesLock.Unlock()
		return fmt.Errorf("ipopo: factory %q already registered: %w", name, ErrDuplicateFactory)
	}
	factory.Context.SetBundleID(bc.GetBundle())
	s.factories[name] = factory
	s.factoriesLock.Unlock()

	s.events.Emit(Event{Kind: EventRegistered, FactoryName: name})
	return nil
}

// UnregisterFactory kills every instance of the factory, removes waiting
// entries, then emits UNREGISTERED (§4.5).
func (s *Service) UnregisterFactory(name string) error {
	s.factoriesLock.Lock()
	_, exists := s.factories[name]
	if !exists {
		s.factoriesLock.Unlock()
		return fmt.Errorf("ipopo: factory %q not registered: %w", name, ErrUnknownFactory)
	}
	delete(s.factories, name)
	s.factoriesLock.Unlock()

	s.instancesLock.Lock()
	var toKill []string
	for iname, si := range s.instances {
		if si.ComponentContext().FactoryContext().Name() == name {
			toKill = append(toKill, iname)
		}
	}
	var toDrop []string
	for iname, entry := range s.waitingHandlers {
		if entry.factoryContext.Name() == name {
			toDrop = append(toDrop, iname)
		}
	}
	s.instancesLock.Unlock()

	sort.Strings(toKill)
	for _, iname := range toKill {
		if err := s.Kill(iname); err != nil {
			// Tolerated: another caller may have killed it concurrently
			// (§9 Open Question resolution).
			s.log.Debugw("factory teardown: kill raced", "instance", iname, "error", err)
		}
	}

	sort.Strings(toDrop)
	for _, iname := range toDrop {
		s.instancesLock.Lock()
		entry, ok := s.waitingHandlers[iname]
		if ok {
			delete(s.waitingHandlers, iname)
		}
		s.instancesLock.Unlock()
		if ok && entry.factoryContext.IsSingleton() {
			entry.factoryContext.setSingletonActive(false)
		}
	}

	s.events.Emit(Event{Kind: EventUnregistered, FactoryName: name})
	return nil
}

// Instantiate builds a new instance of factoryName named instanceName
// (§4.5).
func (s *Service) Instantiate(factoryName, instanceName string, properties map[string]interface{}) (interface{}, error) {
	if !s.running.Load() {
		return nil, fmt.Errorf("ipopo: runtime is stopping: %w", ErrRuntimeStopping)
	}
	if instanceName == "" {
		return nil, fmt.Errorf("ipopo: instance name must not be empty: %w", ErrInvalidName)
	}

	s.factoriesLock.RLock()
	factory, ok := s.factories[factoryName]
	s.factoriesLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ipopo: factory %q not registered: %w", factoryName, ErrUnknownFactory)
	}

	s.instancesLock.Lock()
	if s.nameTakenLocked(instanceName) {
		s.instancesLock.Unlock()
		return nil, fmt.Errorf("ipopo: instance %q already exists: %w", instanceName, ErrDuplicateInstance)
	}
	if factory.Context.IsSingleton() && factory.Context.IsSingletonActive() {
		s.instancesLock.Unlock()
		return nil, fmt.Errorf("ipopo: factory %q singleton already active: %w", factoryName, ErrSingletonActive)
	}
	s.reserved[instanceName] = factoryName
	s.instancesLock.Unlock()

	userObject, err := factory.construct()
	if err != nil {
		s.instancesLock.Lock()
		delete(s.reserved, instanceName)
		s.instancesLock.Unlock()
		return nil, err
	}

	if factory.Context.IsSingleton() {
		factory.Context.setSingletonActive(true)
	}

	frameworkProps := make(map[string]interface{})
	for k := range factory.Context.properties {
		if v, ok := s.bc.GetProperty(k); ok {
			frameworkProps[k] = v
		}
	}
	cc := NewComponentContext(factory.Context, instanceName, frameworkProps, properties)

	si, waiting, err := s.tryInstantiate(factory.Context, cc, userObject)
	if err != nil {
		s.instancesLock.Lock()
		delete(s.reserved, instanceName)
		s.instancesLock.Unlock()
		if factory.Context.IsSingleton() {
			factory.Context.setSingletonActive(false)
		}
		return nil, err
	}

	if waiting {
		s.instancesLock.Lock()
		delete(s.reserved, instanceName)
		s.waitingHandlers[instanceName] = waitingEntry{factoryContext: factory.Context, cc: cc, userObject: userObject}
		s.instancesLock.Unlock()
		return userObject, nil
	}

	s.instancesLock.Lock()
	delete(s.reserved, instanceName)
	s.instances[instanceName] = si
	s.instancesLock.Unlock()

	s.events.Emit(Event{Kind: EventInstantiated, FactoryName: factoryName, InstanceName: instanceName})
	if err := si.Start(); err != nil {
		s.log.Errorw("starting instance failed", "instance", instanceName, "error", err)
	}
	return userObject, nil
}

// nameTakenLocked requires instancesLock held.
func (s *Service) nameTakenLocked(name string) bool {
	if _, ok := s.instances[name]; ok {
		return true
	}
	if _, ok := s.waitingHandlers[name]; ok {
		return true
	}
	if _, ok := s.reserved[name]; ok {
		return true
	}
	return false
}

// tryInstantiate resolves the handler ids a factory context depends on; if
// any is missing it reports waiting=true so the caller queues the entry
// (§4.5 try_instantiate).
func (s *Service) tryInstantiate(fc *FactoryContext, cc *ComponentContext, userObject interface{}) (*StoredInstance, bool, error) {
	ids := fc.GetHandlersIDs()

	s.handlersLock.RLock()
	factories := make([]HandlerFactory, 0, len(ids))
	for _, id := range ids {
		hf, ok := s.handlers[id]
		if !ok {
			s.handlersLock.RUnlock()
			return nil, true, nil
		}
		factories = append(factories, hf)
	}
	s.handlersLock.RUnlock()

	var handlers []Handler
	for _, hf := range factories {
		hs, err := hf.GetHandlers(cc, userObject)
		if err != nil {
			return nil, false, fmt.Errorf("ipopo: handler factory %q failed to produce handlers for %q: %w", hf.ID(), cc.Name(), err)
		}
		handlers = append(handlers, hs...)
	}

	si := NewStoredInstance(cc, s.bc, userObject, handlers, s.events, s.log)
	return si, false, nil
}

// Kill tears an instance down unconditionally, whether it is fully live or
// still waiting on a handler (§4.5).
func (s *Service) Kill(name string) error {
	s.instancesLock.Lock()
	si, live := s.instances[name]
	if live {
		delete(s.instances, name)
	}
	var waiting waitingEntry
	var isWaiting bool
	if !live {
		waiting, isWaiting = s.waitingHandlers[name]
		if isWaiting {
			delete(s.waitingHandlers, name)
		}
	}
	s.instancesLock.Unlock()

	switch {
	case live:
		fc := si.ComponentContext().FactoryContext()
		err := si.Kill()
		if fc.IsSingleton() {
			fc.setSingletonActive(false)
		}
		return err
	case isWaiting:
		if waiting.factoryContext.IsSingleton() {
			waiting.factoryContext.setSingletonActive(false)
		}
		return nil
	default:
		return fmt.Errorf("ipopo: instance %q not found: %w", name, ErrUnknownInstance)
	}
}

// Invalidate forces a VALID instance to INVALID (§4.5).
func (s *Service) Invalidate(name string) error {
	s.instancesLock.Lock()
	si, ok := s.instances[name]
	s.instancesLock.Unlock()
	if !ok {
		return fmt.Errorf("ipopo: instance %q not found: %w", name, ErrUnknownInstance)
	}
	return si.Invalidate(true /* run INVALIDATE callback */)
}

// SyncProviders asks a VALID instance to reconcile its provider handlers'
// registration state against their controller fields' current values — the
// explicit re-sync a caller uses after flipping a controller field directly
// on the user object, since Go has no live field-write hook to catch that
// automatically (§4.3 ControllerHandler).
func (s *Service) SyncProviders(name string) error {
	s.instancesLock.Lock()
	si, ok := s.instances[name]
	s.instancesLock.Unlock()
	if !ok {
		return fmt.Errorf("ipopo: instance %q not found: %w", name, ErrUnknownInstance)
	}
	return si.SyncProviders()
}

// RetryErroneous clears an ERRONEOUS instance's error and retries
// validation, optionally merging a property update (§4.5).
func (s *Service) RetryErroneous(name string, properties map[string]interface{}) (State, error) {
	s.instancesLock.Lock()
	si, ok := s.instances[name]
	s.instancesLock.Unlock()
	if !ok {
		return StateKilled, fmt.Errorf("ipopo: instance %q not found: %w", name, ErrUnknownInstance)
	}
	return si.RetryErroneous(properties)
}

// IsRegisteredFactory reports whether name is currently registered.
func (s *Service) IsRegisteredFactory(name string) bool {
	s.factoriesLock.RLock()
	defer s.factoriesLock.RUnlock()
	_, ok := s.factories[name]
	return ok
}

// IsRegisteredInstance reports whether name is live or waiting.
func (s *Service) IsRegisteredInstance(name string) bool {
	s.instancesLock.Lock()
	defer s.instancesLock.Unlock()
	return s.nameTakenLocked(name)
}

// GetInstances returns the names of every live instance.
func (s *Service) GetInstances() []string {
	s.instancesLock.Lock()
	defer s.instancesLock.Unlock()
	out := make([]string, 0, len(s.instances))
	for name := range s.instances {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetWaitingComponents returns every instance blocked on a missing handler.
func (s *Service) GetWaitingComponents() []WaitingComponent {
	s.instancesLock.Lock()
	entries := make(map[string]waitingEntry, len(s.waitingHandlers))
	for k, v := range s.waitingHandlers {
		entries[k] = v
	}
	s.instancesLock.Unlock()

	s.handlersLock.RLock()
	defer s.handlersLock.RUnlock()

	out := make([]WaitingComponent, 0, len(entries))
	for name, entry := range entries {
		var missing []string
		for _, id := range entry.factoryContext.GetHandlersIDs() {
			if _, ok := s.handlers[id]; !ok {
				missing = append(missing, id)
			}
		}
		out = append(out, WaitingComponent{Name: name, Factory: entry.factoryContext.Name(), MissingHandlers: missing})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetInstanceDetails returns the full introspection record for name (§6).
func (s *Service) GetInstanceDetails(name string) (InstanceDetails, error) {
	s.instancesLock.Lock()
	si, ok := s.instances[name]
	s.instancesLock.Unlock()
	if !ok {
		return InstanceDetails{}, fmt.Errorf("ipopo: instance %q not found: %w", name, ErrUnknownInstance)
	}
	return si.Details(), nil
}

// GetFactoryDetails returns the factory-detail record for name (§6).
func (s *Service) GetFactoryDetails(name string) (FactoryDetails, error) {
	s.factoriesLock.RLock()
	factory, ok := s.factories[name]
	s.factoriesLock.RUnlock()
	if !ok {
		return FactoryDetails{}, fmt.Errorf("ipopo: factory %q not found: %w", name, ErrUnknownFactory)
	}

	fc := factory.Context
	props := make(map[string]string, len(fc.properties))
	for k, v := range fc.properties {
		props[k] = fmt.Sprintf("%v", v)
	}

	requirements := make(map[string]Requirement, len(fc.requirements))
	for field, req := range fc.requirements {
		requirements[field] = *req
	}

	var services []string
	for _, p := range fc.provides {
		services = append(services, p.Specifications...)
	}

	handlers := make(map[string]interface{}, len(fc.handlerConfigs))
	for id, cfg := range fc.handlerConfigs {
		handlers[id] = cfg
	}

	return FactoryDetails{
		Name:         fc.Name(),
		Bundle:       fc.BundleID(),
		Properties:   props,
		Requirements: requirements,
		Services:     services,
		Handlers:     handlers,
	}, nil
}

// GetFactories returns every registered factory name.
func (s *Service) GetFactories() []string {
	s.factoriesLock.RLock()
	defer s.factoriesLock.RUnlock()
	out := make([]string, 0, len(s.factories))
	for name := range s.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetFactoryBundle returns the bundle owning a factory.
func (s *Service) GetFactoryBundle(name string) (framework.BundleID, error) {
	s.factoriesLock.RLock()
	defer s.factoriesLock.RUnlock()
	factory, ok := s.factories[name]
	if !ok {
		return 0, fmt.Errorf("ipopo: factory %q not found: %w", name, ErrUnknownFactory)
	}
	return factory.Context.BundleID(), nil
}

// AddListener subscribes l to iPOPO lifecycle events; idempotent (§4.5).
func (s *Service) AddListener(l Listener) bool { return s.events.AddListener(l) }

// RemoveListener unsubscribes l; idempotent (§4.5).
func (s *Service) RemoveListener(l Listener) bool { return s.events.RemoveListener(l) }

// Stop refuses new instantiate calls, releases handler-factory references,
// and kill-cascades every instance through its owning factory (§4.5,
// §5 Shutdown).
func (s *Service) Stop() error {
	s.running.Store(false)

	if err := s.bc.RemoveServiceListener(s); err != nil {
		s.log.Errorw("removing handler factory listener failed", "error", err)
	}

	s.handlersLock.Lock()
	s.handlers = make(map[string]HandlerFactory)
	s.handlersRefs = make(map[string]framework.ServiceReference)
	s.handlersLock.Unlock()

	for _, name := range s.GetFactories() {
		if err := s.UnregisterFactory(name); err != nil {
			s.log.Errorw("unregistering factory during stop failed", "factory", name, "error", err)
		}
	}
	return nil
}

// instancesOwnedBy returns the live Stored Instances declared by bundleID's
// factories, used internally by the Bundle Reactor (F).
func (s *Service) instancesOwnedBy(bundleID framework.BundleID) []*StoredInstance {
	s.instancesLock.Lock()
	defer s.instancesLock.Unlock()
	var out []*StoredInstance
	for _, si := range s.instances {
		if si.ComponentContext().FactoryContext().BundleID() == bundleID {
			out = append(out, si)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
