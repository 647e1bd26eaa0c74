/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package downstreamqueue

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-appkit/config"
)

type AppConfig struct {
	DownstreamQueue *Config `mapstructure:"downstreamQueue" json:"downstreamQueue" yaml:"downstreamQueue"`
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgDataType config.DataType
		cfgData     string
		expectedCfg func() *Config
	}{
		{
			name:        "yaml config",
			cfgDataType: config.DataTypeYAML,
			cfgData: `
downstreamQueue:
  maxConnsPerHost: 8
  unifiedHost: true
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.MaxConnsPerHost = 8
				cfg.UnifiedHost = true
				return cfg
			},
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData: `
{
	"downstreamQueue": {
		"maxConnsPerHost": 42,
		"unifiedHost": false
	}
}`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.MaxConnsPerHost = 42
				return cfg
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Load config using config.Loader.
			appCfg := AppConfig{DownstreamQueue: NewDefaultConfig()}
			expectedAppCfg := AppConfig{DownstreamQueue: tt.expectedCfg()}
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), tt.cfgDataType, appCfg.DownstreamQueue)
			require.NoError(t, err)
			require.Equal(t, expectedAppCfg, appCfg)

			// Load config using yaml/json unmarshal.
			appCfg = AppConfig{DownstreamQueue: NewDefaultConfig()}
			expectedAppCfg = AppConfig{DownstreamQueue: tt.expectedCfg()}
			switch tt.cfgDataType {
			case config.DataTypeYAML:
				require.NoError(t, yaml.Unmarshal([]byte(tt.cfgData), &appCfg))
				require.Equal(t, expectedAppCfg, appCfg)
			case config.DataTypeJSON:
				require.NoError(t, json.Unmarshal([]byte(tt.cfgData), &appCfg))
				require.Equal(t, expectedAppCfg, appCfg)
			default:
				t.Fatalf("unsupported config data type: %s", tt.cfgDataType)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	cfgData := `
downstreamQueue:
  maxConnsPerHost: -1
`
	cfg := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer([]byte(cfgData)), config.DataTypeYAML, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be non-negative")
}

func TestNewDefaultConfig(t *testing.T) {
	// Empty config, all defaults for the data provider should be used.
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, NewDefaultConfig(), cfg)
	require.Equal(t, 0, cfg.MaxConnsPerHost)
	require.False(t, cfg.UnifiedHost)
}

func TestConfigWithKeyPrefix(t *testing.T) {
	cfgData := `
customQueue:
  maxConnsPerHost: 3
`
	expectedCfg := NewDefaultConfig(WithKeyPrefix("customQueue"))
	expectedCfg.MaxConnsPerHost = 3

	cfg := NewConfig(WithKeyPrefix("customQueue"))
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer([]byte(cfgData)), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, expectedCfg, cfg)
}
