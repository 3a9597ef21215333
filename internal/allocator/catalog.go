package allocator

import "sync"

// DefaultRequirementMB is used for models missing from the catalog.
const DefaultRequirementMB int64 = 8000

var defaultCatalog = map[string]int64{
	"llama-3-8b":          16000,
	"llama-3-70b":         140000,
	"llama-2-7b":          14000,
	"llama-2-13b":         26000,
	"mistral-7b":          15000,
	"mixtral-8x7b":        90000,
	"phi-3-mini":          8000,
	"gemma-7b":            17000,
	"stable-diffusion-xl": 12000,
	"whisper-large":       10000,
}

// Catalog maps model names to an approximate VRAM requirement in MB.
type Catalog struct {
	mu       sync.RWMutex
	models   map[string]int64
	fallback int64
}

// NewCatalog returns the built-in table with overrides applied. A
// non-positive fallback selects DefaultRequirementMB.
func NewCatalog(overrides map[string]int64, fallback int64) *Catalog {
	if fallback <= 0 {
		fallback = DefaultRequirementMB
	}
	c := &Catalog{models: make(map[string]int64, len(defaultCatalog)+len(overrides)), fallback: fallback}
	for k, v := range defaultCatalog {
		c.models[k] = v
	}
	for k, v := range overrides {
		c.models[k] = v
	}
	return c
}

// Requirement returns the VRAM estimate for a model.
func (c *Catalog) Requirement(model string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if mb, ok := c.models[model]; ok {
		return mb
	}
	return c.fallback
}

// Set adds or replaces one entry.
func (c *Catalog) Set(model string, mb int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model] = mb
}
