package route

import (
	"time"
)

// EndpointType discriminates the protocol family of a route's endpoint.
// Tokens are uppercase; the recognised set is whatever the drivers registered
// at startup report.
type EndpointType string

const (
	EndpointSOAP EndpointType = "SOAP"
	EndpointREST EndpointType = "REST"
)

func (e EndpointType) String() string {
	return string(e)
}

// DefaultStatusThresholdSeconds applies when a route omits the threshold.
const DefaultStatusThresholdSeconds = 300

// Config describes one execution endpoint submissions can be routed to.
// Configs are immutable once loaded; a reload replaces the whole set.
type Config struct {
	ID           string       `json:"routeId"      yaml:"routeId"      mapstructure:"routeId"      validate:"required"`
	EndpointType EndpointType `json:"endpointType" yaml:"endpointType" mapstructure:"endpointType" validate:"required"`
	EndpointURL  string       `json:"endpointUrl"  yaml:"endpointUrl"  mapstructure:"endpointUrl"  validate:"required,url"`
	UserID       string       `json:"userId,omitempty" yaml:"userId,omitempty" mapstructure:"userId,omitempty"`
	// Password never leaves the process; it is excluded from JSON on purpose.
	Password   string         `json:"-"                    yaml:"password,omitempty"   mapstructure:"password,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty" mapstructure:"properties,omitempty"`
	// StatusThresholdSeconds distinguishes an explicit zero (always stale)
	// from an omitted value (default applies).
	StatusThresholdSeconds *int `json:"statusThresholdSeconds,omitempty" yaml:"statusThresholdSeconds,omitempty" mapstructure:"statusThresholdSeconds,omitempty" validate:"omitempty,gte=0"`
}

// Threshold returns the age beyond which a stored non-terminal submission is
// considered stale and must be refreshed before it is served.
func (c *Config) Threshold() time.Duration {
	if c.StatusThresholdSeconds == nil {
		return DefaultStatusThresholdSeconds * time.Second
	}
	return time.Duration(*c.StatusThresholdSeconds) * time.Second
}

// StringProperty reads a string entry from the open properties mapping.
func (c *Config) StringProperty(key, fallback string) string {
	if v, ok := c.Properties[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// MapProperty reads a nested mapping entry from the open properties mapping.
func (c *Config) MapProperty(key string) map[string]any {
	if v, ok := c.Properties[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}
