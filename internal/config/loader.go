package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/wasilibs/go-re2"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// EnvPrefix prefixes every environment override, e.g. OVSX_SCAN_DATABASE_URL.
const EnvPrefix = "OVSX_SCAN"

var _ Loader = (*FileLoader)(nil)

// FileLoader reads a YAML file, applies defaults and environment overrides and
// validates the result. ${VAR} references inside the file are replaced with
// environment values so credentials can stay out of it.
type FileLoader struct {
	path    string
	envFile string
}

// LoaderOption configures a FileLoader.
type LoaderOption func(*FileLoader)

// WithEnvFile loads the given dotenv file before reading the environment.
// A missing file is ignored.
func WithEnvFile(path string) LoaderOption {
	return func(l *FileLoader) { l.envFile = path }
}

// NewFileLoader creates a loader for path. An empty path loads defaults and
// environment only.
func NewFileLoader(path string, opts ...LoaderOption) *FileLoader {
	l := &FileLoader{path: path, envFile: ".env"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the configuration file path.
func (l *FileLoader) Path() string { return l.path }

// Load builds and validates the configuration.
func (l *FileLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(expandEnv(raw))); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is shorthand for NewFileLoader(path).Load.
func Load(ctx context.Context, path string) (*Config, error) {
	return NewFileLoader(path).Load(ctx)
}

var envRef = re2.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the variable's value. Bare $ is left alone
// so regular expressions in the file survive.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}
