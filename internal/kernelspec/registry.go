package kernelspec

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"kernelbridge/pkg/logging"
)

// Resolver looks up kernel launch descriptors by kernel type.
type Resolver interface {
	Resolve(kernelType string) (KernelSpec, error)
	List() []KernelSpec
}

// Registry aggregates kernel specs from Jupyter kernelspec directories, YAML
// definitions and in-code registrations. Later sources override earlier ones in
// that order.
type Registry struct {
	mu             sync.RWMutex
	specs          map[string]KernelSpec
	registered     map[string]KernelSpec
	jupyterDirs    []string
	definitionDirs []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithJupyterDirs sets the Jupyter data directories, highest priority first.
func WithJupyterDirs(dirs ...string) RegistryOption {
	return func(r *Registry) { r.jupyterDirs = dirs }
}

// WithExtraJupyterDirs prepends dirs to the Jupyter data directories.
func WithExtraJupyterDirs(dirs ...string) RegistryOption {
	return func(r *Registry) { r.jupyterDirs = append(append([]string{}, dirs...), r.jupyterDirs...) }
}

// WithDefinitionDirs sets the YAML definition directories, lowest priority first.
func WithDefinitionDirs(dirs ...string) RegistryOption {
	return func(r *Registry) { r.definitionDirs = dirs }
}

// NewRegistry creates a registry over the default directories. Call Load to scan them.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		specs:          make(map[string]KernelSpec),
		registered:     make(map[string]KernelSpec),
		jupyterDirs:    JupyterDataDirs(),
		definitionDirs: DefinitionDirs(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load rescans all directories and rebuilds the merged view. Broken files are
// logged and skipped; only directory read failures are returned.
func (r *Registry) Load() error {
	jupyterSpecs, jupyterErrs := loadJupyterSpecs(r.jupyterDirs)
	if jupyterErrs.HasErrors() {
		logging.Warn("KernelSpecs", "Some kernelspec directories had errors:\n%s", jupyterErrs.GetSummary())
	}

	definitionSpecs, definitionErrs, err := loadDefinitions(r.definitionDirs)
	if err != nil {
		return fmt.Errorf("failed to load kernel definitions: %w", err)
	}
	if definitionErrs.HasErrors() {
		logging.Warn("KernelSpecs", "Some kernel definition files had errors:\n%s", definitionErrs.GetSummary())
	}

	merged := make(map[string]KernelSpec, len(jupyterSpecs)+len(definitionSpecs))
	for _, s := range jupyterSpecs {
		merged[s.Name] = s
	}
	for _, s := range definitionSpecs {
		merged[s.Name] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range r.registered {
		merged[name] = s
	}
	r.specs = merged

	logging.Info("KernelSpecs", "Loaded %d kernel specs (%d jupyter, %d definitions, %d registered)",
		len(merged), len(jupyterSpecs), len(definitionSpecs), len(r.registered))
	return nil
}

// Register adds or replaces a spec in code. It takes precedence over files.
func (r *Registry) Register(spec KernelSpec) error {
	spec = spec.Clone()
	spec.Name = strings.ToLower(spec.Name)
	if spec.Source == "" {
		spec.Source = SourceRegistered
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[spec.Name] = spec
	r.specs[spec.Name] = spec
	return nil
}

// Resolve returns a copy of the spec for kernelType. Unknown types yield a
// *NotFoundError, which matches ErrNotFound.
func (r *Registry) Resolve(kernelType string) (KernelSpec, error) {
	key := strings.ToLower(strings.TrimSpace(kernelType))

	r.mu.RLock()
	spec, ok := r.specs[key]
	r.mu.RUnlock()

	if !ok {
		return KernelSpec{}, &NotFoundError{KernelType: kernelType, Available: r.names()}
	}
	return spec.Clone(), nil
}

// List returns all specs sorted by name.
func (r *Registry) List() []KernelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]KernelSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
