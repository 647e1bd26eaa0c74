/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package downstreamqueue

import (
	"fmt"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "downstreamQueue"

const (
	cfgKeyMaxConnsPerHost = "maxConnsPerHost"
	cfgKeyUnifiedHost     = "unifiedHost"
)

// Config represents a set of configuration parameters for the downstream queue.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// MaxConnsPerHost limits the number of simultaneously active downstream
	// connections per host key. Zero means no limit.
	MaxConnsPerHost int `mapstructure:"maxConnsPerHost" yaml:"maxConnsPerHost" json:"maxConnsPerHost"`

	// UnifiedHost collapses all authorities into a single host key,
	// turning the per-host cap into a single global cap.
	UnifiedHost bool `mapstructure:"unifiedHost" yaml:"unifiedHost" json:"unifiedHost"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the queue in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxConnsPerHost, 0)
	dp.SetDefault(cfgKeyUnifiedHost, false)
}

// Set sets queue configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.MaxConnsPerHost, err = dp.GetInt(cfgKeyMaxConnsPerHost); err != nil {
		return err
	}
	if c.MaxConnsPerHost < 0 {
		return dp.WrapKeyErr(cfgKeyMaxConnsPerHost, fmt.Errorf("must be non-negative, got %d", c.MaxConnsPerHost))
	}

	if c.UnifiedHost, err = dp.GetBool(cfgKeyUnifiedHost); err != nil {
		return err
	}

	return nil
}
