package route

import (
	"context"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Defaults are router-wide settings merged into every route that does not
// override them.
type Defaults struct {
	Properties             map[string]any `yaml:"properties,omitempty"`
	StatusThresholdSeconds *int           `yaml:"statusThresholdSeconds,omitempty"`
}

// Document is the on-disk shape of the route configuration source.
type Document struct {
	Defaults Defaults `yaml:"defaults,omitempty"`
	Routes   []Config `yaml:"routes"`
}

// FileSource reads the route set from a YAML document.
type FileSource struct {
	path     string
	validate *validator.Validate
}

func NewFileSource(path string) *FileSource {
	return &FileSource{
		path:     path,
		validate: validator.New(),
	}
}

func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) Load(_ context.Context) ([]Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route document: %w", err)
	}
	return s.parse(data)
}

func (s *FileSource) parse(data []byte) ([]Config, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode route document: %w", err)
	}
	if len(doc.Routes) == 0 {
		return nil, fmt.Errorf("route document declares no routes")
	}
	for i := range doc.Routes {
		cfg := &doc.Routes[i]
		cfg.ID = strings.TrimSpace(cfg.ID)
		cfg.EndpointType = EndpointType(strings.ToUpper(strings.TrimSpace(string(cfg.EndpointType))))
		if err := s.applyDefaults(cfg, &doc.Defaults); err != nil {
			return nil, fmt.Errorf("failed to apply defaults to route %q: %w", cfg.ID, err)
		}
		if err := s.validate.Struct(cfg); err != nil {
			return nil, fmt.Errorf("route %q failed validation: %w", cfg.ID, err)
		}
	}
	return doc.Routes, nil
}

// applyDefaults fills omitted per-route settings from the document defaults.
// Explicit route values always win, including explicit zeroes.
func (s *FileSource) applyDefaults(cfg *Config, defaults *Defaults) error {
	if cfg.StatusThresholdSeconds == nil && defaults.StatusThresholdSeconds != nil {
		v := *defaults.StatusThresholdSeconds
		cfg.StatusThresholdSeconds = &v
	}
	if len(defaults.Properties) == 0 {
		return nil
	}
	if cfg.Properties == nil {
		cfg.Properties = make(map[string]any, len(defaults.Properties))
	}
	return mergo.Merge(&cfg.Properties, defaults.Properties)
}
