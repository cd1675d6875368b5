package engine

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// WeightTolerance bounds how far preset weights may drift from summing to 1.
const WeightTolerance = 1e-3

// CustomPresetName selects ad-hoc weights that are evaluated live and never
// registered.
const CustomPresetName = "custom"

type Preset struct {
	Name    string               `json:"name" yaml:"name"`
	Weights map[Category]float64 `json:"weights" yaml:"weights"`
	BuiltIn bool                 `json:"built_in" yaml:"-"`
}

// Weight returns 0 for categories the preset does not mention.
func (p Preset) Weight(c Category) float64 {
	return p.Weights[c]
}

var builtInPresets = []Preset{
	{Name: "equal", Weights: map[Category]float64{
		CategoryCapabilities: 0.25, CategoryAgents: 0.25, CategoryInputs: 0.25, CategorySecurity: 0.25,
	}},
	{Name: "aschenbrenner", Weights: map[Category]float64{
		CategoryCapabilities: 0.20, CategoryAgents: 0.30, CategoryInputs: 0.40, CategorySecurity: 0.10,
	}},
	{Name: "ai2027", Weights: map[Category]float64{
		CategoryCapabilities: 0.30, CategoryAgents: 0.35, CategoryInputs: 0.15, CategorySecurity: 0.20,
	}},
}

// ValidateWeights checks a category weight vector. The keys must be known
// categories, each weight in [0,1], the total 1 ± WeightTolerance, and the
// three top-level terms must carry some weight.
func ValidateWeights(weights map[Category]float64) error {
	if len(weights) == 0 {
		return invalid("weights", "at least one category weight is required")
	}
	var sum float64
	for c, w := range weights {
		if _, err := ParseCategory(string(c)); err != nil {
			return err
		}
		if math.IsNaN(w) || w < 0 || w > 1 {
			return invalid("weights."+string(c), "weight %v outside [0,1]", w)
		}
		sum += w
	}
	if math.Abs(sum-1) > WeightTolerance {
		return invalid("weights", "weights sum to %.4f, want 1.0 ± %g", sum, WeightTolerance)
	}
	top := weights[CategoryCapabilities] + weights[CategoryInputs] + weights[CategorySecurity]
	if top <= 0 {
		return invalid("weights", "capabilities, inputs and security carry no weight")
	}
	return nil
}

// PresetRegistry holds the built-in presets plus operator-registered custom
// ones. Built-ins cannot be replaced.
type PresetRegistry struct {
	mu      sync.RWMutex
	presets map[string]Preset
}

func NewPresetRegistry() *PresetRegistry {
	r := &PresetRegistry{presets: make(map[string]Preset, len(builtInPresets))}
	for _, p := range builtInPresets {
		p.BuiltIn = true
		p.Weights = copyWeights(p.Weights)
		r.presets[p.Name] = p
	}
	return r
}

func normalizePresetName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register validates and stores a custom preset. Re-registering a custom name
// replaces it.
func (r *PresetRegistry) Register(name string, weights map[Category]float64) (Preset, error) {
	n := normalizePresetName(name)
	if n == "" {
		return Preset{}, invalid("name", "preset name is required")
	}
	if n == CustomPresetName {
		return Preset{}, invalid("name", "%q is reserved for ad-hoc weights", CustomPresetName)
	}
	if len(n) > 64 {
		return Preset{}, invalid("name", "preset name longer than 64 characters")
	}
	if err := ValidateWeights(weights); err != nil {
		return Preset{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.presets[n]; ok && existing.BuiltIn {
		return Preset{}, invalid("name", "built-in preset %q is immutable", n)
	}
	p := Preset{Name: n, Weights: copyWeights(weights)}
	r.presets[n] = p
	return p, nil
}

func (r *PresetRegistry) Get(name string) (Preset, error) {
	n := normalizePresetName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[n]
	if !ok {
		return Preset{}, &NotFoundError{Kind: "preset", ID: name}
	}
	p.Weights = copyWeights(p.Weights)
	return p, nil
}

// Custom validates ad-hoc weights without registering them.
func (r *PresetRegistry) Custom(weights map[Category]float64) (Preset, error) {
	if err := ValidateWeights(weights); err != nil {
		return Preset{}, err
	}
	return Preset{Name: CustomPresetName, Weights: copyWeights(weights)}, nil
}

// List returns built-ins first, then custom presets, each sorted by name.
func (r *PresetRegistry) List() []Preset {
	r.mu.RLock()
	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		p.Weights = copyWeights(p.Weights)
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].BuiltIn != out[j].BuiltIn {
			return out[i].BuiltIn
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func copyWeights(in map[Category]float64) map[Category]float64 {
	out := make(map[Category]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
