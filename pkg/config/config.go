package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nspcc-dev/msgmon/pkg/msgmon"
	"github.com/nspcc-dev/msgmon/pkg/msgmon/policy"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile is the name of the configuration file looked up by
	// Load.
	DefaultConfigFile = "msgmon.yml"
	// DefaultDialTimeout is the default websocket handshake timeout.
	DefaultDialTimeout = 5 * time.Second
	// DefaultRequestTimeout is the default RPC request timeout.
	DefaultRequestTimeout = 10 * time.Second
)

// Version is the version of the tool, set at build time.
var Version string

// Config top level struct representing the config for the monitoring tool.
type Config struct {
	ApplicationConfiguration ApplicationConfiguration `yaml:"ApplicationConfiguration"`
}

// Default returns the configuration used when there is no config file.
func Default() Config {
	return Config{
		ApplicationConfiguration: ApplicationConfiguration{
			RPC: RPC{
				DialTimeout:    DefaultDialTimeout,
				RequestTimeout: DefaultRequestTimeout,
				Reconnect:      policy.DefaultNetwork(),
			},
			Monitor: msgmon.Config{
				ExpirationCheckInterval: msgmon.DefaultExpirationCheckInterval,
				NetworkRetry:            policy.DefaultNetwork(),
				ExpirationRetry:         policy.DefaultExpiration(),
			},
		},
	}
}

// Load attempts to load the config from the DefaultConfigFile in the given
// directory.
func Load(path string) (Config, error) {
	return LoadFile(filepath.Join(path, DefaultConfigFile))
}

// LoadFile loads config from the provided path. Values missing in the file
// are taken from Default.
func LoadFile(configPath string) (Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config '%s' doesn't exist", configPath)
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(configData))
	decoder.KnownFields(true)
	err = decoder.Decode(&config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	err = config.ApplicationConfiguration.Validate()
	if err != nil {
		return Config{}, err
	}
	return config, nil
}
