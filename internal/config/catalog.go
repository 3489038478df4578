package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ashureev/agentdesk/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultModel is used when a create request names no model.
const DefaultModel = "claude-sonnet-4-20250514"

// Geometry bounds the desktop size a session may declare.
type Geometry struct {
	MinWidth      int `yaml:"min_width"`
	MaxWidth      int `yaml:"max_width"`
	MinHeight     int `yaml:"min_height"`
	MaxHeight     int `yaml:"max_height"`
	DefaultWidth  int `yaml:"default_width"`
	DefaultHeight int `yaml:"default_height"`
}

// ModelCatalog lists the model identifiers sessions may select.
type ModelCatalog struct {
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
	Geometry     Geometry `yaml:"geometry"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *ModelCatalog {
	return &ModelCatalog{
		DefaultModel: DefaultModel,
		Models: []string{
			"claude-sonnet-4-20250514",
			"claude-opus-4-20250514",
			"claude-3-7-sonnet-20250219",
			"claude-3-5-sonnet-20241022",
		},
		Geometry: Geometry{
			MinWidth:      800,
			MaxWidth:      1920,
			MinHeight:     600,
			MaxHeight:     1080,
			DefaultWidth:  1024,
			DefaultHeight: 768,
		},
	}
}

// LoadCatalog reads a YAML catalog. Missing fields fall back to the built-in values.
func LoadCatalog(path string) (*ModelCatalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	cat := DefaultCatalog()
	var file ModelCatalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}

	if len(file.Models) > 0 {
		cat.Models = file.Models
	}
	if file.DefaultModel != "" {
		cat.DefaultModel = file.DefaultModel
	}
	if file.Geometry != (Geometry{}) {
		cat.Geometry = file.Geometry
	}

	if !slices.Contains(cat.Models, cat.DefaultModel) {
		return nil, fmt.Errorf("model catalog %s: default model %q is not listed", path, cat.DefaultModel)
	}
	return cat, nil
}

// Resolve fills defaults into cfg and validates it against the catalog.
func (c *ModelCatalog) Resolve(cfg domain.SessionConfig) (domain.SessionConfig, error) {
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = c.DefaultModel
	}
	if cfg.ScreenWidth == 0 {
		cfg.ScreenWidth = c.Geometry.DefaultWidth
	}
	if cfg.ScreenHeight == 0 {
		cfg.ScreenHeight = c.Geometry.DefaultHeight
	}

	if !slices.Contains(c.Models, cfg.Model) {
		return cfg, domain.InvalidConfigf("unknown model %q", cfg.Model)
	}
	g := c.Geometry
	if cfg.ScreenWidth < g.MinWidth || cfg.ScreenWidth > g.MaxWidth {
		return cfg, domain.InvalidConfigf("screen_width %d outside %d-%d", cfg.ScreenWidth, g.MinWidth, g.MaxWidth)
	}
	if cfg.ScreenHeight < g.MinHeight || cfg.ScreenHeight > g.MaxHeight {
		return cfg, domain.InvalidConfigf("screen_height %d outside %d-%d", cfg.ScreenHeight, g.MinHeight, g.MaxHeight)
	}
	return cfg, nil
}
