// Package introspect formats iPOPO's introspection records
// (get_instance_details, get_factory_details, §6) for a human reader, the
// way the teacher's reflection inspector pretty-prints an injected
// struct's shape rather than leaving the caller to fmt.Printf a %+v.
package introspect

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo"
)

// Dumper renders ipopo introspection records to text.
type Dumper struct {
	log *zap.SugaredLogger
}

func NewDumper(log *zap.SugaredLogger) *Dumper {
	return &Dumper{log: log}
}

// PrettyPrintInstance renders one get_instance_details record.
func (d *Dumper) PrettyPrintInstance(details ipopo.InstanceDetails) string {
	if d.log != nil {
		d.log.Debugw("rendering instance details", "instance", details.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Instance: %s\n", details.Name)
	fmt.Fprintf(&b, "State: %s\n", details.State.String())
	if details.ErrorTrace != "" {
		fmt.Fprintf(&b, "Error: %s\n", details.ErrorTrace)
	}

	if len(details.Properties) > 0 {
		b.WriteString("Properties:\n")
		for _, key := range sortedKeys(details.Properties) {
			fmt.Fprintf(&b, "  %s: %s\n", key, details.Properties[key])
		}
	}

	if len(details.Dependencies) > 0 {
		b.WriteString("Dependencies:\n")
		for _, field := range sortedKeysGeneric(details.Dependencies) {
			dep := details.Dependencies[field]
			fmt.Fprintf(&b, "  - %s:\n", field)
			fmt.Fprintf(&b, "    Handler: %s\n", dep.Handler)
			fmt.Fprintf(&b, "    Specification: %s\n", dep.Specification)
			if dep.Filter != "" {
				fmt.Fprintf(&b, "    Filter: %s\n", dep.Filter)
			}
			fmt.Fprintf(&b, "    Optional: %v\n", dep.Optional)
			fmt.Fprintf(&b, "    Aggregate: %v\n", dep.Aggregate)
			if len(dep.Bindings) == 0 {
				b.WriteString("    Bindings: none\n")
				continue
			}
			b.WriteString("    Bindings:\n")
			for _, binding := range dep.Bindings {
				fmt.Fprintf(&b, "      - service #%d\n", binding.Reference.ID())
			}
		}
	}

	if len(details.Services) > 0 {
		b.WriteString("Published services:\n")
		for _, id := range sortedServiceIDs(details.Services) {
			fmt.Fprintf(&b, "  - service #%d: %s\n", id, details.Services[id].String())
		}
	}

	return b.String()
}

// PrettyPrintFactory renders one get_factory_details record.
func (d *Dumper) PrettyPrintFactory(details ipopo.FactoryDetails) string {
	if d.log != nil {
		d.log.Debugw("rendering factory details", "factory", details.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Factory: %s\n", details.Name)
	fmt.Fprintf(&b, "Bundle: %d\n", details.Bundle)

	if len(details.Services) > 0 {
		fmt.Fprintf(&b, "Provides: %s\n", strings.Join(details.Services, ", "))
	}

	if len(details.Requirements) > 0 {
		b.WriteString("Requirements:\n")
		for _, field := range sortedKeysGeneric(details.Requirements) {
			req := details.Requirements[field]
			fmt.Fprintf(&b, "  - %s: %s (optional=%v, aggregate=%v)\n", field, req.Spec, req.Optional, req.Aggregate)
		}
	}

	if len(details.Properties) > 0 {
		b.WriteString("Properties:\n")
		for _, key := range sortedKeys(details.Properties) {
			fmt.Fprintf(&b, "  %s: %s\n", key, details.Properties[key])
		}
	}

	if len(details.Handlers) > 0 {
		fmt.Fprintf(&b, "Handlers: %s\n", strings.Join(sortedKeysGeneric(details.Handlers), ", "))
	}

	return b.String()
}

func sortedKeys(m map[string]string) []string {
	return sortedKeysGeneric(m)
}

func sortedKeysGeneric[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedServiceIDs(m map[uint64]framework.ServiceReference) []uint64 {
	out := make([]uint64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
