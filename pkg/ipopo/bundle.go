// pkg/ipopo/bundle.go
package ipopo

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
)

// Bundle groups the factories one unit of deployment brings into the
// runtime, the way the original bundle manifest declares its component
// factories (GLOSSARY: "Bundle"). A Bundle Reactor only ever sees Bundles
// through this descriptor — it never inspects the module that produced it.
type Bundle struct {
	ID        framework.BundleID
	BC        framework.BundleContext
	Factories []*Factory
	// Declarative holds add_instance-style (factory, name, properties)
	// requests to instantiate automatically on STARTING (§4.1, §4.6).
	Declarative []DeclarativeInstance
}

// DeclarativeInstance is one eager instantiation request carried by a Bundle.
type DeclarativeInstance struct {
	Factory      string
	Name         string
	Properties   map[string]interface{}
	AutoRestart  bool
}

// autoRestartSnapshot remembers a live instance's (factory, properties)
// across an UPDATE_BEGIN/UPDATED cycle so the Bundle Reactor can replay it
// (§4.6 Bundle update).
type autoRestartSnapshot struct {
	factory    string
	name       string
	properties map[string]interface{}
}

// BundleReactor is the Bundle Reactor (F): it reacts to bundle lifecycle
// events by registering/unregistering a bundle's factories and replaying
// auto-restart instances across an update cycle (§4.6). It lives alongside
// Service rather than behind an exported accessor surface, since it needs
// direct access to Service's registries under Service's own lock
// discipline.
type BundleReactor struct {
	service *Service
	log     *zap.SugaredLogger

	mu        sync.Mutex
	bundles   map[framework.BundleID]*Bundle
	snapshots map[framework.BundleID][]autoRestartSnapshot
}

// NewBundleReactor creates a reactor bound to service and subscribes it to
// bc's bundle events.
func NewBundleReactor(service *Service, bc framework.BundleContext, log *zap.SugaredLogger) (*BundleReactor, error) {
	r := &BundleReactor{
		service:   service,
		log:       log,
		bundles:   make(map[framework.BundleID]*Bundle),
		snapshots: make(map[framework.BundleID][]autoRestartSnapshot),
	}
	if err := bc.AddBundleListener(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Track registers a Bundle's existence so its STARTING event can find its
// factory list; this stands in for the framework's own bundle-to-manifest
// lookup, which is out of scope per §1.
func (r *BundleReactor) Track(b *Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[b.ID] = b
}

// BundleChanged implements framework.BundleListener (§4.6).
func (r *BundleReactor) BundleChanged(event framework.BundleEvent) {
	r.mu.Lock()
	b, ok := r.bundles[event.BundleID]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch event.Kind {
	case framework.Starting:
		r.onStarting(b)
	case framework.StoppingPreclean:
		r.onStoppingPreclean(b)
	case framework.UpdateBegin:
		r.onUpdateBegin(b)
	case framework.Updated:
		r.onUpdated(b)
	case framework.UpdateFailed:
		r.onUpdateFailed(b)
	}
}

// onStarting registers every factory the bundle declares, then runs its
// declarative instantiations in the order they were listed (§4.6 STARTING).
// Per-factory/per-instance failures never abort the sweep; they accumulate
// into one joined error so a single log line reports everything that went
// wrong in this STARTING pass instead of scattering partial failures across
// separate lines.
func (r *BundleReactor) onStarting(b *Bundle) {
	var errs []error
	for _, factory := range b.Factories {
		if err := r.service.RegisterFactory(b.BC, factory, false); err != nil {
			errs = append(errs, fmt.Errorf("factory %q: %w", factory.Context.Name(), err))
		}
	}
	for _, decl := range b.Declarative {
		if _, err := r.service.Instantiate(decl.Factory, decl.Name, decl.Properties); err != nil {
			errs = append(errs, fmt.Errorf("instance %q: %w", decl.Name, err))
		}
	}
	if joined := errors.Join(errs...); joined != nil {
		r.log.Errorw("bundle start: one or more registrations/instantiations failed", "bundle", b.ID, "error", joined)
	}
}

// onStoppingPreclean unregisters every factory the bundle declared, which
// kill-cascades all of the bundle's live and waiting instances (§4.6
// STOPPING_PRECLEAN).
func (r *BundleReactor) onStoppingPreclean(b *Bundle) {
	for _, factory := range b.Factories {
		name := factory.Context.Name()
		if !r.service.IsRegisteredFactory(name) {
			continue
		}
		if err := r.service.UnregisterFactory(name); err != nil {
			r.log.Errorw("bundle stop: unregistering factory failed", "bundle", b.ID, "factory", name, "error", err)
		}
	}
}

// onUpdateBegin snapshots every live instance flagged auto_restart,
// copying its property map so later property changes on the
// soon-to-be-killed instance cannot alter the replay (§4.6 UPDATE_BEGIN).
// The copy is one level deep: map, slice or pointer values are shared with
// the instance.
func (r *BundleReactor) onUpdateBegin(b *Bundle) {
	var snaps []autoRestartSnapshot
	for _, si := range r.service.instancesOwnedBy(b.ID) {
		cc := si.ComponentContext()
		autoRestart, _ := cc.GetProperty("auto_restart")
		restart, _ := autoRestart.(bool)
		if !restart {
			continue
		}
		props := make(map[string]interface{}, len(cc.Properties()))
		for k, v := range cc.Properties() {
			props[k] = v
		}
		snaps = append(snaps, autoRestartSnapshot{
			factory:    cc.FactoryContext().Name(),
			name:       cc.Name(),
			properties: props,
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].name < snaps[j].name })

	r.mu.Lock()
	r.snapshots[b.ID] = snaps
	r.mu.Unlock()
}

// onUpdated unregisters the bundle's still-registered factories (killing
// their instances), re-registers them, then replays the UPDATE_BEGIN
// snapshot against the (possibly changed) factory set. A replay failure is
// logged, not fatal — the update proceeds for every other snapshotted
// instance (§4.6 UPDATED).
func (r *BundleReactor) onUpdated(b *Bundle) {
	r.mu.Lock()
	snaps := r.snapshots[b.ID]
	delete(r.snapshots, b.ID)
	r.mu.Unlock()

	var errs []error
	for _, factory := range b.Factories {
		// Unregistering first kills the instances of the previous
		// incarnation, so the replay below can reuse their names.
		if name := factory.Context.Name(); r.service.IsRegisteredFactory(name) {
			if err := r.service.UnregisterFactory(name); err != nil {
				errs = append(errs, fmt.Errorf("factory %q: %w", name, err))
			}
		}
		if err := r.service.RegisterFactory(b.BC, factory, true); err != nil {
			errs = append(errs, fmt.Errorf("factory %q: %w", factory.Context.Name(), err))
		}
	}

	for _, snap := range snaps {
		if _, err := r.service.Instantiate(snap.factory, snap.name, snap.properties); err != nil {
			errs = append(errs, fmt.Errorf("auto-restart instance %q: %w", snap.name, err))
		}
	}

	if joined := errors.Join(errs...); joined != nil {
		r.log.Errorw("bundle update: one or more re-registrations/replays failed", "bundle", b.ID, "error", joined)
	}
}

// onUpdateFailed discards the snapshot without replaying it (§4.6
// UPDATE_FAILED). It kills nothing itself: instances still alive stay
// alive, and instances already killed are not restored.
func (r *BundleReactor) onUpdateFailed(b *Bundle) {
	r.mu.Lock()
	delete(r.snapshots, b.ID)
	r.mu.Unlock()
}
