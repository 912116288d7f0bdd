package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelRegistry holds the configured model profiles and the active
// selection. The active profile is the only mutable piece of Config;
// switching it persists active_model back to settings.yaml so the choice
// survives restarts.
type ModelRegistry struct {
	mu        sync.RWMutex
	configDir string
	activeID  string
	profiles  map[string]*ModelProfile
}

func newModelRegistry(configDir, activeID string, raw map[string]modelProfileYAML) *ModelRegistry {
	profiles := make(map[string]*ModelProfile, len(raw))
	for id, p := range raw {
		name := p.Name
		if name == "" {
			name = id
		}
		profiles[id] = &ModelProfile{
			ID:          id,
			Name:        name,
			ModelPath:   p.ModelPath,
			MmprojPath:  p.MmprojPath,
			GPULayers:   p.GPULayers,
			ContextSize: p.ContextSize,
		}
	}

	// Fall back to the lexicographically first profile when active_model
	// is unset or stale.
	if _, ok := profiles[activeID]; !ok {
		activeID = ""
		ids := make([]string, 0, len(profiles))
		for id := range profiles {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if len(ids) > 0 {
			activeID = ids[0]
		}
	}

	return &ModelRegistry{
		configDir: configDir,
		activeID:  activeID,
		profiles:  profiles,
	}
}

// NewModelRegistry builds a registry from already-resolved profiles.
// Initialize is the usual path; this is for callers that assemble
// configuration programmatically.
func NewModelRegistry(configDir, activeID string, profiles []*ModelProfile) *ModelRegistry {
	m := make(map[string]*ModelProfile, len(profiles))
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		cp := *p
		m[p.ID] = &cp
		ids = append(ids, p.ID)
	}
	if _, ok := m[activeID]; !ok {
		sort.Strings(ids)
		activeID = ""
		if len(ids) > 0 {
			activeID = ids[0]
		}
	}
	return &ModelRegistry{configDir: configDir, activeID: activeID, profiles: m}
}

// ActiveID returns the ID of the active model profile.
func (r *ModelRegistry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// Active returns the active model profile.
func (r *ModelRegistry) Active() (*ModelProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[r.activeID]
	if !ok {
		return nil, ErrNoModelProfiles
	}
	cp := *p
	return &cp, nil
}

// Get returns the profile with the given ID.
func (r *ModelRegistry) Get(id string) (*ModelProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	cp := *p
	return &cp, nil
}

// List returns all profiles sorted by ID.
func (r *ModelRegistry) List() []*ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ModelProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Present reports whether the profile's model files exist on disk.
func (r *ModelRegistry) Present(id string) bool {
	p, err := r.Get(id)
	if err != nil {
		return false
	}
	if _, err := os.Stat(p.ModelPath); err != nil {
		return false
	}
	if p.MmprojPath != "" {
		if _, err := os.Stat(p.MmprojPath); err != nil {
			return false
		}
	}
	return true
}

// SetActive switches the active profile and persists the choice.
// Persistence failure is returned but the in-memory switch sticks, so a
// read-only config volume degrades to per-session selection.
func (r *ModelRegistry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	r.activeID = id
	return r.persistActiveLocked()
}

// persistActiveLocked rewrites only the active_model key in settings.yaml,
// preserving everything else the user wrote.
func (r *ModelRegistry) persistActiveLocked() error {
	path := filepath.Join(r.configDir, SettingsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading settings for active_model update: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing settings for active_model update: %w", err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	doc["active_model"] = r.activeID

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing settings: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}
