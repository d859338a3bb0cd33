package config

import (
	"context"
	"sync"

	"github.com/flowgate/flowgate/pkg/logger"
)

// ContextKey is an alias used for storing values in context.
type ContextKey string

// ConfigCtxKey is the context key used to store the active *Config.
const ConfigCtxKey ContextKey = "flowgate_config"

// ContextWithConfig stores the configuration in the context.
func ContextWithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ConfigCtxKey, cfg)
}

var (
	defaultConfig     *Config
	defaultConfigOnce sync.Once
)

// FromContext returns the configuration attached to ctx. When none is
// attached it falls back to a lazily-loaded configuration built from
// defaults plus environment overrides, so components always have usable
// settings.
func FromContext(ctx context.Context) *Config {
	if ctx != nil {
		if cfg, ok := ctx.Value(ConfigCtxKey).(*Config); ok && cfg != nil {
			return cfg
		}
	}
	return getDefaultConfig(ctx)
}

func getDefaultConfig(ctx context.Context) *Config {
	defaultConfigOnce.Do(func() {
		cfg, err := NewService().Load(ctx)
		if err != nil {
			logger.FromContext(ctx).Warn(
				"failed to load configuration, using built-in defaults", "error", err)
			cfg = Default()
		}
		defaultConfig = cfg
	})
	return defaultConfig
}
