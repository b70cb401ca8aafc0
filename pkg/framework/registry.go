// pkg/framework/registry.go
package framework

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry is a minimal, synchronous, in-memory BundleContext
// implementation. It exists so the ipopo core is testable end-to-end
// (spec.md §8's scenarios all exercise a registry) even though spec.md §1
// treats the registry as an external collaborator. It is deliberately not
// production-grade: no ranking, no persistence, no network transport —
// the teacher's internal/services plays the same "demo consumer, not a
// shipped product" role for pkg/container.
type Registry struct {
	mu sync.RWMutex
	log *zap.SugaredLogger

	nextServiceID uint64
	services      map[uint64]*serviceEntry

	serviceListeners []*listenerSub
	bundleListeners  []BundleListener
	stopListeners    []FrameworkStopListener

	bundles map[BundleID]bool
}

type serviceEntry struct {
	ref        *serviceReference
	instance   interface{}
	properties map[string]interface{}
}

type listenerSub struct {
	listener ServiceListener
	filter   string
	spec     string
}

// NewRegistry creates an empty in-memory registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:      log,
		services: make(map[uint64]*serviceEntry),
		bundles:  make(map[BundleID]bool),
	}
}

// NewBundleContext returns a BundleContext scoped to bundleID, backed by
// this registry.
func (r *Registry) NewBundleContext(bundleID BundleID) BundleContext {
	r.mu.Lock()
	r.bundles[bundleID] = true
	r.mu.Unlock()
	return &bundleContext{registry: r, bundleID: bundleID}
}

type serviceReference struct {
	id    uint64
	token string
	specs []string
	props func() map[string]interface{}
}

func (s *serviceReference) ID() uint64 { return s.id }

func (s *serviceReference) GetProperty(key string) (interface{}, bool) {
	v, ok := s.props()[key]
	return v, ok
}

func (s *serviceReference) String() string {
	return fmt.Sprintf("ServiceReference{id=%d, token=%s, specs=%v}", s.id, s.token, s.specs)
}

type registration struct {
	registry *Registry
	id       uint64
}

func (reg *registration) Reference() ServiceReference {
	reg.registry.mu.RLock()
	defer reg.registry.mu.RUnlock()
	entry := reg.registry.services[reg.id]
	if entry == nil {
		return nil
	}
	return entry.ref
}

func (reg *registration) SetProperties(properties map[string]interface{}) {
	reg.registry.mu.Lock()
	entry, ok := reg.registry.services[reg.id]
	if ok {
		entry.properties = properties
	}
	reg.registry.mu.Unlock()
	if ok {
		reg.registry.fireServiceEvent(Modified, entry)
	}
}

func (reg *registration) Unregister() error {
	return reg.registry.unregister(reg.id)
}

type bundleContext struct {
	registry *Registry
	bundleID BundleID
}

func (b *bundleContext) GetBundle() BundleID { return b.bundleID }

func (b *bundleContext) GetBundles() []BundleID {
	b.registry.mu.RLock()
	defer b.registry.mu.RUnlock()
	out := make([]BundleID, 0, len(b.registry.bundles))
	for id := range b.registry.bundles {
		out = append(out, id)
	}
	return out
}

func (b *bundleContext) GetProperty(key string) (interface{}, bool) {
	return nil, false
}

func (b *bundleContext) GetService(ref ServiceReference) (interface{}, error) {
	sref, ok := ref.(*serviceReference)
	if !ok {
		return nil, fmt.Errorf("framework: foreign service reference")
	}
	b.registry.mu.RLock()
	defer b.registry.mu.RUnlock()
	entry, ok := b.registry.services[sref.id]
	if !ok {
		return nil, fmt.Errorf("framework: service %d no longer registered", sref.id)
	}
	return entry.instance, nil
}

func (b *bundleContext) UngetService(ref ServiceReference) error { return nil }

func (b *bundleContext) GetServiceReference(spec string, filter string) (ServiceReference, error) {
	refs, err := b.GetAllServiceReferences(spec, filter)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("framework: no service matches spec %q filter %q", spec, filter)
	}
	return refs[0], nil
}

func (b *bundleContext) GetAllServiceReferences(spec string, filter string) ([]ServiceReference, error) {
	pred, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	b.registry.mu.RLock()
	defer b.registry.mu.RUnlock()

	var out []ServiceReference
	for _, id := range b.registry.sortedServiceIDsLocked() {
		entry := b.registry.services[id]
		if !hasSpec(entry.ref.specs, spec) {
			continue
		}
		if !pred(entry.properties) {
			continue
		}
		out = append(out, entry.ref)
	}
	return out, nil
}

func (b *bundleContext) RegisterService(spec []string, instance interface{}, properties map[string]interface{}) (Registration, error) {
	id := atomic.AddUint64(&b.registry.nextServiceID, 1)
	if properties == nil {
		properties = make(map[string]interface{})
	}
	entry := &serviceEntry{
		instance:   instance,
		properties: properties,
	}
	ref := &serviceReference{
		id:    id,
		token: uuid.NewString(),
		specs: append([]string(nil), spec...),
	}
	ref.props = func() map[string]interface{} {
		b.registry.mu.RLock()
		defer b.registry.mu.RUnlock()
		if current, ok := b.registry.services[id]; ok {
			return current.properties
		}
		// Unregistered: UNREGISTERING listeners still read the last properties.
		return entry.properties
	}
	entry.ref = ref

	b.registry.mu.Lock()
	b.registry.services[id] = entry
	b.registry.mu.Unlock()

	if b.registry.log != nil {
		b.registry.log.Debugw("service registered", "id", id, "specs", spec, "token", ref.token)
	}
	b.registry.fireServiceEvent(Registered, entry)
	return &registration{registry: b.registry, id: id}, nil
}

func (b *bundleContext) AddServiceListener(listener ServiceListener, filter string, spec string) error {
	b.registry.mu.Lock()
	defer b.registry.mu.Unlock()
	b.registry.serviceListeners = append(b.registry.serviceListeners, &listenerSub{listener: listener, filter: filter, spec: spec})
	return nil
}

func (b *bundleContext) RemoveServiceListener(listener ServiceListener) error {
	b.registry.mu.Lock()
	defer b.registry.mu.Unlock()
	kept := b.registry.serviceListeners[:0]
	for _, sub := range b.registry.serviceListeners {
		if sub.listener != listener {
			kept = append(kept, sub)
		}
	}
	b.registry.serviceListeners = kept
	return nil
}

func (b *bundleContext) AddBundleListener(listener BundleListener) error {
	b.registry.mu.Lock()
	defer b.registry.mu.Unlock()
	b.registry.bundleListeners = append(b.registry.bundleListeners, listener)
	return nil
}

func (b *bundleContext) RemoveBundleListener(listener BundleListener) error {
	b.registry.mu.Lock()
	defer b.registry.mu.Unlock()
	kept := b.registry.bundleListeners[:0]
	for _, l := range b.registry.bundleListeners {
		if l != listener {
			kept = append(kept, l)
		}
	}
	b.registry.bundleListeners = kept
	return nil
}

func (b *bundleContext) AddFrameworkStopListener(listener FrameworkStopListener) error {
	b.registry.mu.Lock()
	defer b.registry.mu.Unlock()
	b.registry.stopListeners = append(b.registry.stopListeners, listener)
	return nil
}

func (r *Registry) unregister(id uint64) error {
	r.mu.Lock()
	entry, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("framework: service %d not registered", id)
	}
	subs := r.matchingListenersLocked(Unregistering, entry)
	delete(r.services, id)
	r.mu.Unlock()

	r.deliverServiceEvent(Unregistering, entry, subs)
	return nil
}

// FireBundleEvent delivers a bundle event to every bundle listener, in
// registration order, swallowing and logging any panic per §4.7's
// listener-isolation rule.
func (r *Registry) FireBundleEvent(event BundleEvent) {
	r.mu.RLock()
	listeners := append([]BundleListener(nil), r.bundleListeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		r.safeBundleDeliver(l, event)
	}
}

func (r *Registry) safeBundleDeliver(l BundleListener, event BundleEvent) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Errorw("bundle listener panicked", "panic", rec)
		}
	}()
	l.BundleChanged(event)
}

// FireFrameworkStop notifies every registered stop listener.
func (r *Registry) FireFrameworkStop() {
	r.mu.RLock()
	listeners := append([]FrameworkStopListener(nil), r.stopListeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l.FrameworkStopping()
	}
}

// fireServiceEvent snapshots the matching listeners under a read lock, then
// dispatches to them after releasing it — §5 requires listeners run without
// any runtime lock held, since a listener (e.g. the requires handler) can
// call back into the registry (GetAllServiceReferences, RemoveServiceListener)
// from the same goroutine.
func (r *Registry) fireServiceEvent(kind ServiceEventKind, entry *serviceEntry) {
	r.mu.RLock()
	subs := r.matchingListenersLocked(kind, entry)
	r.mu.RUnlock()
	r.deliverServiceEvent(kind, entry, subs)
}

// matchingListenersLocked requires the caller already hold r.mu (either lock
// flavor); it only reads the listener slice and filters it, which is safe
// under RLock or Lock alike. It returns a fresh slice so the caller can
// release the lock before dispatching.
func (r *Registry) matchingListenersLocked(kind ServiceEventKind, entry *serviceEntry) []*listenerSub {
	var subs []*listenerSub
	for _, sub := range r.serviceListeners {
		if sub.spec != "" && !hasSpec(entry.ref.specs, sub.spec) {
			continue
		}
		pred, err := parseFilter(sub.filter)
		if err != nil || !pred(entry.properties) {
			continue
		}
		subs = append(subs, sub)
	}
	return subs
}

// deliverServiceEvent dispatches to an already-filtered, already-snapshotted
// listener set with no registry lock held.
func (r *Registry) deliverServiceEvent(kind ServiceEventKind, entry *serviceEntry, subs []*listenerSub) {
	for _, sub := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil && r.log != nil {
					r.log.Errorw("service listener panicked", "panic", rec)
				}
			}()
			sub.listener.ServiceChanged(ServiceEvent{Kind: kind, Reference: entry.ref})
		}()
	}
}

func (r *Registry) sortedServiceIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	// Registration order == ascending id order; stable and deterministic,
	// matching §4.5's "iteration order unspecified but stable" rule.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func hasSpec(specs []string, spec string) bool {
	if spec == "" {
		return true
	}
	for _, s := range specs {
		if s == spec {
			return true
		}
	}
	return false
}

// parseFilter implements the LDAP-filter subset iPOPO itself relies on:
// an AND-conjunction of "key=value" clauses separated by commas. There is
// no ecosystem LDAP-filter library in the pack (see DESIGN.md), so this
// stays a small hand-rolled predicate rather than a parenthesized
// (&(k=v)(k2=v2)) grammar.
func parseFilter(filter string) (func(map[string]interface{}) bool, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return func(map[string]interface{}) bool { return true }, nil
	}
	clauses := strings.Split(filter, ",")
	type clause struct{ key, value string }
	parsed := make([]clause, 0, len(clauses))
	for _, c := range clauses {
		kv := strings.SplitN(c, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("framework: malformed filter clause %q", c)
		}
		parsed = append(parsed, clause{key: strings.TrimSpace(kv[0]), value: strings.TrimSpace(kv[1])})
	}
	return func(props map[string]interface{}) bool {
		for _, c := range parsed {
			v, ok := props[c.key]
			if !ok || fmt.Sprintf("%v", v) != c.value {
				return false
			}
		}
		return true
	}, nil
}
