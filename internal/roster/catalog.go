package roster

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/taskforce/internal/persistence"
	"gopkg.in/yaml.v3"
)

// TemplateSpec is the YAML form of a catalog template.
type TemplateSpec struct {
	Slug               string   `yaml:"slug"`
	DisplayName        string   `yaml:"display_name"`
	Role               string   `yaml:"role"`
	SystemPrompt       string   `yaml:"system_prompt"`
	AllowedTools       []string `yaml:"allowed_tools"`
	IsLead             bool     `yaml:"is_lead"`
	CompletionContract bool     `yaml:"completion_contract"`
	ToolProtocol       string   `yaml:"tool_protocol"`
}

type catalogFile struct {
	Templates []TemplateSpec `yaml:"templates"`
}

// LoadCatalogFile parses a catalog YAML file.
func LoadCatalogFile(path string) ([]TemplateSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, t := range f.Templates {
		if strings.TrimSpace(t.Slug) == "" {
			return nil, fmt.Errorf("catalog template %d: slug is required", i)
		}
		if t.DisplayName == "" {
			f.Templates[i].DisplayName = t.Slug
		}
	}
	return f.Templates, nil
}

// Catalog is the public template source, stored under the public scope.
type Catalog struct {
	store *persistence.Store
	cache *TemplateCache
}

func NewCatalog(store *persistence.Store, cache *TemplateCache) *Catalog {
	return &Catalog{store: store, cache: cache}
}

// Import upserts specs into the public catalog and returns how many were written.
func (c *Catalog) Import(ctx context.Context, specs []TemplateSpec) (int, error) {
	n := 0
	for _, spec := range specs {
		tpl := &persistence.AgentTemplate{
			ScopeID:      persistence.PublicScope,
			Slug:         Normalize(spec.Slug),
			DisplayName:  spec.DisplayName,
			Role:         spec.Role,
			SystemPrompt: spec.SystemPrompt,
			AllowedTools: spec.AllowedTools,
			Capabilities: persistence.Capabilities{
				IsLead:             spec.IsLead,
				CompletionContract: spec.CompletionContract,
				ToolProtocol:       strings.ToLower(spec.ToolProtocol),
			},
		}
		if err := c.store.UpsertTemplate(ctx, tpl); err != nil {
			return n, fmt.Errorf("import %s: %w", spec.Slug, err)
		}
		n++
	}
	c.cache.Invalidate(persistence.PublicScope)
	return n, nil
}

// ImportFile loads and imports a catalog file.
func (c *Catalog) ImportFile(ctx context.Context, path string) (int, error) {
	specs, err := LoadCatalogFile(path)
	if err != nil {
		return 0, err
	}
	return c.Import(ctx, specs)
}

// Find returns the public template matching a normalized name, or nil.
func (c *Catalog) Find(ctx context.Context, normalized string) (*persistence.AgentTemplate, error) {
	templates, err := c.cache.Get(ctx, persistence.PublicScope)
	if err != nil {
		return nil, err
	}
	return matchTemplate(templates, normalized), nil
}

// List returns the public templates.
func (c *Catalog) List(ctx context.Context) ([]persistence.AgentTemplate, error) {
	return c.cache.Get(ctx, persistence.PublicScope)
}

func matchTemplate(templates []persistence.AgentTemplate, normalized string) *persistence.AgentTemplate {
	if normalized == "" {
		return nil
	}
	for i := range templates {
		t := &templates[i]
		if Normalize(t.Slug) == normalized {
			return t
		}
	}
	for i := range templates {
		t := &templates[i]
		if d := Normalize(t.DisplayName); d == normalized || compact(d) == compact(normalized) {
			return t
		}
	}
	return nil
}
