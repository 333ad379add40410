// Package config loads and persists the authbroker configuration: declared
// providers, their persisted dynamic client registrations, and callback
// settings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"authbroker/pkg/oauth"
)

const (
	userConfigDir  = ".config/authbroker"
	configFileName = "config.yaml"
	tokensDirName  = "tokens"
)

// ProviderConfig declares one authorization server the broker can
// authenticate against.
type ProviderConfig struct {
	ID                    string   `yaml:"id"`
	Label                 string   `yaml:"label,omitempty"`
	Issuer                string   `yaml:"issuer"`
	AuthorizationEndpoint string   `yaml:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string   `yaml:"tokenEndpoint,omitempty"`
	RegistrationEndpoint  string   `yaml:"registrationEndpoint,omitempty"`
	ClientID              string   `yaml:"clientId,omitempty"` // persisted after dynamic registration
	Scopes                []string `yaml:"scopes,omitempty"`
}

// Metadata converts the declared endpoints into server metadata.
func (p ProviderConfig) Metadata() oauth.ServerMetadata {
	return oauth.ServerMetadata{
		Issuer:                p.Issuer,
		AuthorizationEndpoint: p.AuthorizationEndpoint,
		TokenEndpoint:         p.TokenEndpoint,
		RegistrationEndpoint:  p.RegistrationEndpoint,
	}
}

// DisplayLabel returns the label, falling back to the issuer.
func (p ProviderConfig) DisplayLabel() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Issuer
}

// Config is the authbroker configuration file.
type Config struct {
	// CallbackPort is the port for the local OAuth callback server.
	// Zero selects an ephemeral port.
	CallbackPort int `yaml:"callbackPort,omitempty"`

	Providers []ProviderConfig `yaml:"providers,omitempty"`
}

// Provider returns the declared provider with the given id.
func (c Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// SetClientID records a provider's client id (typically obtained via
// dynamic registration) so registration need not repeat.
func (c *Config) SetClientID(providerID, clientID string) {
	for i := range c.Providers {
		if c.Providers[i].ID == providerID {
			c.Providers[i].ClientID = clientID
			return
		}
	}
}

// DefaultDir returns the user configuration directory.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// TokensPath returns the token file for one provider under the given
// configuration directory.
func TokensPath(configDir, providerID string) string {
	return filepath.Join(configDir, tokensDirName, providerID+".json")
}

// Load reads the configuration from the given directory. A missing file
// yields the default (empty) configuration.
func Load(configDir string) (Config, error) {
	path := filepath.Join(configDir, configFileName)

	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("no config file found, using defaults", "path", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config from %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("malformed config at %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config at %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration back to the given directory.
func Save(configDir string, cfg Config) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(configDir, configFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}

func (c Config) validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return errors.New("provider id must not be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		if p.Issuer == "" {
			return fmt.Errorf("provider %q has no issuer", p.ID)
		}
	}
	return nil
}
