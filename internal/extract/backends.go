package extract

import (
	"fmt"
	"sort"
	"sync"
)

// BackendOptions configures a PDF backend built by name.
type BackendOptions struct {
	Pages     *PDFPages
	Languages []string
	Command   string
	Args      []string
}

// BackendFactory builds a PDF adapter.
type BackendFactory func(BackendOptions) (Adapter, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

func registerBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

func init() {
	registerBackend("marker", func(o BackendOptions) (Adapter, error) {
		command := o.Command
		if command == "" {
			command = "marker_single"
		}
		return NewCommandPDF(o.Pages, command, o.Args...), nil
	})
}

// NewBackend builds the PDF backend registered under name. Backends that
// need native libraries are only registered when built with their tag.
func NewBackend(name string, opts BackendOptions) (Adapter, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pdf backend %q is not available in this build (have %v)", name, Backends())
	}
	if opts.Pages == nil {
		opts.Pages = NewPDFPages()
	}
	return factory(opts)
}

// Backends lists the PDF backends compiled into this binary.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
