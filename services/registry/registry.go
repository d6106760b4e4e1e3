package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"smallbiznis-licensing/pkg/errutil"

	"github.com/gosimple/slug"
)

// Entry describes a licensable module. Dependencies must be enabled before
// the module; OptionalDependencies are advisory only.
type Entry struct {
	Key                  string
	Name                 string
	Dependencies         []string
	OptionalDependencies []string
	Core                 bool
}

type Dependencies struct {
	Dependencies         []string `json:"dependencies"`
	OptionalDependencies []string `json:"optionalDependencies"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registered
	order   []string
	core    string
}

type registered struct {
	Entry
	index int
}

func New() *Registry {
	return &Registry{entries: make(map[string]*registered)}
}

// Normalize turns a module identifier into its registry key.
func Normalize(key string) string {
	return slug.Make(strings.TrimSpace(key))
}

func normalizeAll(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		n := Normalize(k)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (r *Registry) Register(e Entry) error {
	key := Normalize(e.Key)
	if key == "" {
		return fmt.Errorf("module key is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("module %q already registered", key)
	}

	e.Key = key
	e.Dependencies = normalizeAll(e.Dependencies)
	e.OptionalDependencies = normalizeAll(e.OptionalDependencies)
	for _, d := range e.Dependencies {
		if d == key {
			return errutil.NewCoded(errutil.CodeCyclicDependency, "module depends on itself", key)
		}
	}

	if e.Core {
		if r.core != "" {
			return fmt.Errorf("core module already registered as %q", r.core)
		}
		if len(e.Dependencies) > 0 {
			return fmt.Errorf("core module %q cannot have dependencies", key)
		}
		r.core = key
	}
	if e.Name == "" {
		e.Name = key
	}

	r.entries[key] = &registered{Entry: e, index: len(r.order)}
	r.order = append(r.order, key)
	return nil
}

func (r *Registry) MustRegister(entries ...Entry) *Registry {
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[Normalize(key)]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

func (r *Registry) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *Registry) CoreModule() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.core
}

func (r *Registry) IsCore(key string) bool {
	core := r.CoreModule()
	return core != "" && Normalize(key) == core
}

// Keys returns every registered module in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) GetModuleDependencies(key string) (Dependencies, error) {
	e, ok := r.Get(key)
	if !ok {
		return Dependencies{}, errutil.NewCoded(errutil.CodeModuleNotFound, "module not registered", Normalize(key))
	}
	return Dependencies{
		Dependencies:         append([]string{}, e.Dependencies...),
		OptionalDependencies: append([]string{}, e.OptionalDependencies...),
	}, nil
}

// GetLoadOrder sorts keys so every module follows the dependencies that are
// part of the same request. Ties go to the earlier registered module.
func (r *Registry) GetLoadOrder(keys []string) ([]string, error) {
	keys = normalizeAll(keys)

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]*registered, len(keys))
	for _, k := range keys {
		e, ok := r.entries[k]
		if !ok {
			return nil, errutil.NewCoded(errutil.CodeModuleNotFound, "module not registered", k)
		}
		set[k] = e
	}

	indegree := make(map[string]int, len(set))
	dependents := make(map[string][]string, len(set))
	for k := range set {
		indegree[k] = 0
	}
	for k, e := range set {
		for _, d := range e.Dependencies {
			if _, ok := set[d]; !ok {
				continue
			}
			indegree[k]++
			dependents[d] = append(dependents[d], k)
		}
	}

	var ready []*registered
	for k, n := range indegree {
		if n == 0 {
			ready = append(ready, set[k])
		}
	}

	order := make([]string, 0, len(set))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next.Key)

		for _, dep := range dependents[next.Key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, set[dep])
			}
		}
	}

	if len(order) != len(set) {
		var stuck []string
		for k, n := range indegree {
			if n > 0 {
				stuck = append(stuck, k)
			}
		}
		sort.Strings(stuck)
		return nil, errutil.NewCoded(errutil.CodeCyclicDependency, "module dependency graph has a cycle", stuck...)
	}
	return order, nil
}

// Dependents lists the modules in enabled that require key, in registration order.
func (r *Registry) Dependents(key string, enabled map[string]struct{}) []string {
	key = Normalize(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, k := range r.order {
		if k == key {
			continue
		}
		if _, ok := enabled[k]; !ok {
			continue
		}
		for _, d := range r.entries[k].Dependencies {
			if d == key {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// Validate checks that every dependency is registered and the full graph is acyclic.
func (r *Registry) Validate() error {
	keys := r.Keys()
	for _, k := range keys {
		e, _ := r.Get(k)
		for _, d := range e.Dependencies {
			if !r.Has(d) {
				return errutil.NewCoded(errutil.CodeModuleNotFound, fmt.Sprintf("dependency of %s not registered", k), d)
			}
		}
	}
	_, err := r.GetLoadOrder(keys)
	return err
}
