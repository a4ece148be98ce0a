// Copyright 2026 the mailvault authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the account profiles mailvault syncs.
// Profiles are immutable during a run; secrets absent from the file
// are resolved through the system keyring.
package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/mailvault/mailvault/internal/homedir"
)

// RemoteConfig selects and parameterizes a remote mailbox client.
type RemoteConfig struct {
	// Kind is "jmap" or "gmail".
	Kind string `mapstructure:"kind"`

	// Endpoint is the JMAP host or URL.  Unused for gmail.
	Endpoint string `mapstructure:"endpoint"`

	// Auth is "basic" or "token".
	Auth string `mapstructure:"auth"`

	Username string `mapstructure:"username"`

	// Secret may be empty, in which case it is resolved from the
	// system keyring under <account>/remote-secret.
	Secret string `mapstructure:"secret"`

	// TokenCommand, for gmail remotes, names an external program
	// that prints a fresh OAuth access token.
	TokenCommand string `mapstructure:"token_command"`
}

// StorageConfig locates the account's archive.
type StorageConfig struct {
	// Root is the object store root directory.
	Root string `mapstructure:"root"`
}

// Account is one named sync profile.
type Account struct {
	Name    string        `mapstructure:"name"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Storage StorageConfig `mapstructure:"storage"`
}

// Config is the whole configuration file.
type Config struct {
	// StateDir holds the sync-state database and account lock
	// files.  Defaults to ~/.mailvault.
	StateDir string `mapstructure:"state_dir"`

	// Index enables the searchable header index.
	Index bool `mapstructure:"index"`

	Accounts []Account `mapstructure:"accounts"`
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(homedir.DataDir(), "config.toml")
}

// Load reads the configuration at path, or the default location when
// path is empty.  MAILVAULT_STATE_DIR and MAILVAULT_INDEX override
// file values; account definitions only come from the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("MAILVAULT")
	// Viper only resolves env vars for keys it already knows about,
	// so each overridable key is bound by name.
	for _, key := range []string{"state_dir", "index"} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "unable to bind env for %q", key)
		}
	}
	v.SetDefault("state_dir", homedir.DataDir())

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "unable to read config %q", path)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config %q", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("no accounts configured")
	}
	seen := make(map[string]bool)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Name == "" {
			return errors.Errorf("account %d has no name", i)
		}
		if seen[a.Name] {
			return errors.Errorf("duplicate account name %q", a.Name)
		}
		seen[a.Name] = true
		switch a.Remote.Kind {
		case "jmap":
			if a.Remote.Endpoint == "" {
				return errors.Errorf("account %q: jmap remote needs an endpoint", a.Name)
			}
		case "gmail":
		default:
			return errors.Errorf("account %q: unknown remote kind %q", a.Name, a.Remote.Kind)
		}
		switch a.Remote.Auth {
		case "", "basic", "token":
		default:
			return errors.Errorf("account %q: unknown auth mode %q", a.Name, a.Remote.Auth)
		}
		if a.Storage.Root == "" {
			return errors.Errorf("account %q has no storage root", a.Name)
		}
	}
	return nil
}

// Account returns the named account.
func (c *Config) Account(name string) (*Account, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, errors.Errorf("no account named %q", name)
}

// ResolveSecret returns the account's remote secret, falling back to
// the system keyring when the config file omits it.
func (a *Account) ResolveSecret() (string, error) {
	if a.Remote.Secret != "" {
		return a.Remote.Secret, nil
	}
	secret, err := keyringGet(a.Name + "/remote-secret")
	if err != nil {
		return "", errors.Wrapf(err,
			"no secret configured for account %q and keyring lookup failed", a.Name)
	}
	return secret, nil
}
