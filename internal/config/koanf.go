package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"apigate/internal/clientip"
)

const (
	envPrefix = "APIGATE_"
	// PathEnvVar overrides the config file location.
	PathEnvVar = "APIGATE_CONFIG"
)

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{"config.yaml", "config.yml", "/etc/apigate/config.yaml"}

// sliceKeys accept comma-separated strings from the environment.
var sliceKeys = []string{
	"admin.master_keys",
	"defense.blacklist",
	"gateway.trusted_proxies",
}

// Load reads .env files, then layers defaults, the config file and the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(findConfigFile())
}

// LoadFile is Load without .env handling and with an explicit file. An empty
// path skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps APIGATE_SERVER__ADDR to server.addr.
func envKey(name string) string {
	name = strings.TrimPrefix(name, envPrefix)
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Server.WriteTimeout <= c.Gateway.HandlerTimeout {
		return fmt.Errorf("invalid configuration: server.write_timeout (%s) must exceed gateway.handler_timeout (%s)",
			c.Server.WriteTimeout, c.Gateway.HandlerTimeout)
	}
	if _, err := clientip.ParseTrustedProxies(c.Gateway.TrustedProxies); err != nil {
		return fmt.Errorf("invalid configuration: gateway.trusted_proxies: %w", err)
	}
	if c.Defense.CircuitCount > 0 && c.Defense.CircuitCount <= c.Defense.AutoblockCount {
		return fmt.Errorf("invalid configuration: defense.circuit_count must exceed defense.autoblock_count")
	}
	return nil
}
