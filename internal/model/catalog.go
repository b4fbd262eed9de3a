// ABOUTME: Model catalog loaded from a TOML file at startup
// ABOUTME: Maps model ids to their provider, streaming capability and generation limits

package model

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// ErrUnknownModel is returned when a model id is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Model describes one entry in the catalog.
type Model struct {
	ID          string  `toml:"-"`
	Provider    string  `toml:"provider"`
	Streaming   bool    `toml:"streaming"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	TopP        float64 `toml:"top_p"`
}

// Catalog is the set of models the gateway can route to. It is loaded
// once at startup and read-only afterwards.
type Catalog struct {
	models map[string]*Model
}

// catalogFile is the on-disk TOML shape:
//
//	[models."gpt-4o"]
//	provider = "openai"
//	streaming = true
//	max_tokens = 4096
type catalogFile struct {
	Models map[string]*Model `toml:"models"`
}

// Load reads a catalog from a TOML file.
func Load(path string) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parsing model catalog: %w", err)
	}
	return New(file.Models)
}

// New builds a catalog from an id -> model map, validating each entry.
func New(models map[string]*Model) (*Catalog, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("model catalog is empty")
	}
	c := &Catalog{models: make(map[string]*Model, len(models))}
	for id, m := range models {
		if m.Provider == "" {
			return nil, fmt.Errorf("model %q: provider is required", id)
		}
		copied := *m
		copied.ID = id
		if copied.MaxTokens <= 0 {
			copied.MaxTokens = 1024
		}
		if copied.Temperature == 0 {
			copied.Temperature = 0.7
		}
		if copied.TopP == 0 {
			copied.TopP = 1.0
		}
		c.models[id] = &copied
	}
	return c, nil
}

// Get returns the model for an id, or ErrUnknownModel.
func (c *Catalog) Get(id string) (*Model, error) {
	m, ok := c.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return m, nil
}

// List returns all models sorted by id.
func (c *Catalog) List() []*Model {
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
