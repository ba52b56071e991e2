// Package catalog holds the static model table the gateway routes against.
//
// The table is embedded at build time (models.yaml) and decoded once at
// process start. Nothing in the gateway mutates it afterwards, so a *Catalog
// is safe for concurrent use without locking.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var embedded []byte

// ProviderMapping binds a logical model to one provider's model id, with
// pricing and capability flags. Nil prices mean the cost is not computable.
type ProviderMapping struct {
	ProviderID      string
	ProviderModelID string
	// InputPrice and OutputPrice are USD per token.
	InputPrice  *float64
	OutputPrice *float64
	// RequestPrice is USD per request.
	RequestPrice *float64
	// ImageInputPrice is USD per image content part in the prompt, added
	// to the token-priced input cost.
	ImageInputPrice    *float64
	ContextSize        int
	MaxOutput          int
	StreamingSupported bool
	VisionSupported    bool
	ReasoningSupported bool
}

// HasPricing reports whether token pricing is defined for the mapping.
func (p ProviderMapping) HasPricing() bool {
	return p.InputPrice != nil && p.OutputPrice != nil
}

// AveragePrice is (input+output)/2 per token. ok is false when either price
// is missing.
func (p ProviderMapping) AveragePrice() (avg float64, ok bool) {
	if !p.HasPricing() {
		return 0, false
	}
	return (*p.InputPrice + *p.OutputPrice) / 2, true
}

// ModelDefinition is one logical model and every provider that serves it,
// in declaration order.
type ModelDefinition struct {
	Name          string
	Providers     []ProviderMapping
	JSONOutput    bool
	DeprecatedAt  *time.Time
	DeactivatedAt *time.Time
}

// Mapping returns the mapping for providerID.
func (m ModelDefinition) Mapping(providerID string) (ProviderMapping, bool) {
	for _, p := range m.Providers {
		if p.ProviderID == providerID {
			return p, true
		}
	}
	return ProviderMapping{}, false
}

// Deprecated reports whether the model is past its deprecation date.
func (m ModelDefinition) Deprecated(now time.Time) bool {
	return m.DeprecatedAt != nil && !now.Before(*m.DeprecatedAt)
}

// Deactivated reports whether the model can no longer be routed to.
func (m ModelDefinition) Deactivated(now time.Time) bool {
	return m.DeactivatedAt != nil && !now.Before(*m.DeactivatedAt)
}

// Catalog is the immutable, indexed model table.
type Catalog struct {
	version   string
	models    []ModelDefinition
	byName    map[string]int
	providers map[string]struct{}
	// upstream model ids keyed by provider-native id.
	upstream map[string]struct{}
}

var (
	ErrEmptyProviders    = errors.New("catalog: model has no provider mappings")
	ErrDuplicateModel    = errors.New("catalog: duplicate model name")
	ErrDuplicateProvider = errors.New("catalog: duplicate provider mapping")
)

// Load decodes the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(embedded)
}

type fileDoc struct {
	Version string      `yaml:"version"`
	Models  []modelNode `yaml:"models"`
}

type modelNode struct {
	Name          string        `yaml:"name"`
	JSONOutput    bool          `yaml:"jsonOutput"`
	DeprecatedAt  string        `yaml:"deprecatedAt"`
	DeactivatedAt string        `yaml:"deactivatedAt"`
	Providers     []mappingNode `yaml:"providers"`
}

type mappingNode struct {
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	InputPrice      *float64 `yaml:"inputPrice"`
	OutputPrice     *float64 `yaml:"outputPrice"`
	RequestPrice    *float64 `yaml:"requestPrice"`
	ImageInputPrice *float64 `yaml:"imageInputPrice"`
	ContextSize     int      `yaml:"contextSize"`
	MaxOutput       int      `yaml:"maxOutput"`
	Streaming       bool     `yaml:"streaming"`
	Vision          bool     `yaml:"vision"`
	Reasoning       bool     `yaml:"reasoning"`
}

// Parse decodes a YAML catalog document and validates it.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	models := make([]ModelDefinition, 0, len(doc.Models))
	for _, n := range doc.Models {
		def := ModelDefinition{
			Name:       n.Name,
			JSONOutput: n.JSONOutput,
			Providers:  make([]ProviderMapping, 0, len(n.Providers)),
		}
		var err error
		if def.DeprecatedAt, err = parseDate(n.DeprecatedAt); err != nil {
			return nil, fmt.Errorf("catalog: model %q deprecatedAt: %w", n.Name, err)
		}
		if def.DeactivatedAt, err = parseDate(n.DeactivatedAt); err != nil {
			return nil, fmt.Errorf("catalog: model %q deactivatedAt: %w", n.Name, err)
		}
		for _, p := range n.Providers {
			def.Providers = append(def.Providers, ProviderMapping{
				ProviderID:         p.Provider,
				ProviderModelID:    p.Model,
				InputPrice:         p.InputPrice,
				OutputPrice:        p.OutputPrice,
				RequestPrice:       p.RequestPrice,
				ImageInputPrice:    p.ImageInputPrice,
				ContextSize:        p.ContextSize,
				MaxOutput:          p.MaxOutput,
				StreamingSupported: p.Streaming,
				VisionSupported:    p.Vision,
				ReasoningSupported: p.Reasoning,
			})
		}
		models = append(models, def)
	}

	c, err := New(models)
	if err != nil {
		return nil, err
	}
	c.version = doc.Version
	return c, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// New builds a Catalog from already-decoded definitions.
func New(models []ModelDefinition) (*Catalog, error) {
	c := &Catalog{
		models:    models,
		byName:    make(map[string]int, len(models)),
		providers: make(map[string]struct{}),
		upstream:  make(map[string]struct{}),
	}
	for i, m := range models {
		if m.Name == "" {
			return nil, fmt.Errorf("catalog: model #%d has no name", i)
		}
		if len(m.Providers) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyProviders, m.Name)
		}
		if _, dup := c.byName[m.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, m.Name)
		}
		c.byName[m.Name] = i

		seen := make(map[string]struct{}, len(m.Providers))
		for _, p := range m.Providers {
			if p.ProviderID == "" || p.ProviderModelID == "" {
				return nil, fmt.Errorf("catalog: model %q has a mapping without provider or model id", m.Name)
			}
			if _, dup := seen[p.ProviderID]; dup {
				return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateProvider, p.ProviderID, m.Name)
			}
			seen[p.ProviderID] = struct{}{}
			c.providers[p.ProviderID] = struct{}{}
			c.upstream[p.ProviderModelID] = struct{}{}
		}
	}
	return c, nil
}

// Version is the catalog's declared data version.
func (c *Catalog) Version() string { return c.version }

// Lookup finds a model by logical name.
func (c *Catalog) Lookup(name string) (ModelDefinition, bool) {
	i, ok := c.byName[name]
	if !ok {
		return ModelDefinition{}, false
	}
	return c.models[i], true
}

// LookupProviderModel finds the model served by providerID under either its
// logical name or the provider's own model id.
func (c *Catalog) LookupProviderModel(providerID, model string) (ModelDefinition, ProviderMapping, bool) {
	if def, ok := c.Lookup(model); ok {
		if m, ok := def.Mapping(providerID); ok {
			return def, m, true
		}
	}
	for _, def := range c.models {
		for _, m := range def.Providers {
			if m.ProviderID == providerID && m.ProviderModelID == model {
				return def, m, true
			}
		}
	}
	return ModelDefinition{}, ProviderMapping{}, false
}

// Models returns every definition in declaration order. The slice must not
// be modified.
func (c *Catalog) Models() []ModelDefinition { return c.models }

// HasProvider reports whether any model is served by providerID.
func (c *Catalog) HasProvider(providerID string) bool {
	_, ok := c.providers[providerID]
	return ok
}

// IsUpstreamID reports whether id is some provider's native model id.
func (c *Catalog) IsUpstreamID(id string) bool {
	_, ok := c.upstream[id]
	return ok
}
