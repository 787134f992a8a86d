// Package config loads mlschat configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the MLSCHAT_CONFIG environment variable. Without either, Default applies.
// Command-line flags override file values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	mls "github.com/suhasHere/mlschat"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "MLSCHAT_CONFIG"

type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

type Config struct {
	// DataDir holds the persisted state.
	DataDir string `yaml:"data_dir"`

	// Backend selects the store: "file" or "sqlite".
	Backend Backend `yaml:"backend"`

	// CipherSuite is used for identities created by init.
	CipherSuite string `yaml:"cipher_suite"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// KeyCacheSize bounds the number of cached message keys.
	KeyCacheSize int `yaml:"key_cache_size"`

	Keystore KeystoreConfig `yaml:"keystore"`
}

type KeystoreConfig struct {
	// PassphraseEnv names the environment variable holding the passphrase
	// that encrypts private keys at rest. Empty leaves them unencrypted.
	PassphraseEnv string `yaml:"passphrase_env"`

	// ScryptWorkFactor is the log2 scrypt cost. Zero uses the default.
	ScryptWorkFactor int `yaml:"scrypt_work_factor"`
}

func Default() *Config {
	return &Config{
		DataDir:      "mls_chat_data",
		Backend:      BackendFile,
		CipherSuite:  mls.X25519_AES128GCM_SHA256_Ed25519.String(),
		LogLevel:     "info",
		KeyCacheSize: mls.DefaultKeyCacheSize,
	}
}

// Load reads the file at path, or the file named by MLSCHAT_CONFIG when path
// is empty. With neither, it returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Backend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := c.Suite(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.KeyCacheSize < 0 {
		errs = append(errs, fmt.Errorf("key_cache_size must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) Suite() (mls.CipherSuite, error) {
	return mls.ParseCipherSuite(c.CipherSuite)
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// Passphrase returns the keystore passphrase from the configured
// environment variable. An unset variable is an error once one is named.
func (c *Config) Passphrase() (string, error) {
	if c.Keystore.PassphraseEnv == "" {
		return "", nil
	}
	passphrase := os.Getenv(c.Keystore.PassphraseEnv)
	if passphrase == "" {
		return "", fmt.Errorf("config: keystore passphrase variable %s is not set", c.Keystore.PassphraseEnv)
	}
	return passphrase, nil
}
