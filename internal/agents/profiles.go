// Package agents holds the optional named agent profiles loaded from
// agents.yaml. A request referencing a profile by name inherits its
// model, system prompt, and tool policy for any field the request left
// unset.
package agents

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Profile is a named execution preset.
type Profile struct {
	Name            string   `yaml:"name"`
	Model           string   `yaml:"model,omitempty"`
	SystemPrompt    string   `yaml:"system_prompt,omitempty"`
	AllowedTools    []string `yaml:"allowed_tools,omitempty"`
	DisallowedTools []string `yaml:"disallowed_tools,omitempty"`
}

type profilesFile struct {
	Agents []Profile `yaml:"agents"`
}

// Registry is a read-mostly set of profiles keyed by name.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// LoadRegistry reads profiles from a YAML file. A missing file yields an
// empty registry, not an error.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}
	for _, p := range file.Agents {
		if p.Name == "" {
			return nil, fmt.Errorf("agents file: profile with empty name")
		}
		r.profiles[p.Name] = p
	}
	return r, nil
}

// Resolve returns the profile for name, if registered.
func (r *Registry) Resolve(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Names lists registered profile names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

// Replace swaps the registry contents, used when the file is re-read.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	fresh := make(map[string]Profile, len(other.profiles))
	for k, v := range other.profiles {
		fresh[k] = v
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.profiles = fresh
	r.mu.Unlock()
}
