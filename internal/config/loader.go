package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
)

const (
	userConfigDir  = ".mcp/authful_mcp_proxy"
	configFileName = "config.yaml"

	// DefaultEnvFile is read from the working directory when present.
	DefaultEnvFile = ".env"
)

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// ConfigFile is an explicit YAML file. It must exist. When empty, the
	// default file is used if it exists.
	ConfigFile string

	// EnvFile overrides DefaultEnvFile. "-" disables .env loading.
	EnvFile string

	// Environ replaces the process environment, for tests.
	Environ map[string]string
}

// DefaultConfigPath returns ~/.mcp/authful_mcp_proxy/config.yaml.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

// Load builds the configuration from defaults, the YAML file, the .env file
// and the environment. It does not validate.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if err := loadFile(cfg, opts.ConfigFile); err != nil {
		return nil, err
	}

	environ := make(map[string]string)
	if opts.Environ != nil {
		for k, v := range opts.Environ {
			environ[k] = v
		}
	} else {
		environ = environMap(os.Environ())
	}
	if err := mergeDotEnv(environ, opts.EnvFile); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			logging.Debug("ConfigLoader", "Skipping default config file: %v", err)
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			logging.Debug("ConfigLoader", "No config file at %s, using defaults", path)
			return nil
		}
		return fmt.Errorf("error reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error loading config from %s: %w", path, err)
	}
	logging.Debug("ConfigLoader", "Loaded configuration from %s", path)
	return nil
}

// mergeDotEnv adds variables from the .env file that are not set in environ.
func mergeDotEnv(environ map[string]string, path string) error {
	if path == "-" {
		return nil
	}
	if path == "" {
		path = DefaultEnvFile
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	warnInsecureEnvFile(path)

	for k, v := range values {
		if _, set := environ[k]; !set {
			environ[k] = v
		}
	}
	logging.Debug("ConfigLoader", "Loaded %d variables from %s", len(values), path)
	return nil
}

// warnInsecureEnvFile warns when the .env file, which may hold the client
// secret, is readable by group or others.
func warnInsecureEnvFile(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		logging.Warn("ConfigLoader", "%s has insecure permissions %04o; recommended 0600", path, mode)
	}
}

func environMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}
