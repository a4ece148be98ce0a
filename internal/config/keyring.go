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

package config

import (
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"

	"github.com/mailvault/mailvault/internal/homedir"
)

const keyringService = "mailvault"

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(homedir.DataDir(), "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("mailvault-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to open keyring")
	}
	return ring, nil
}

func keyringGet(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", errors.Wrapf(err, "unable to read %q from keyring", key)
	}
	return string(item.Data), nil
}

// KeyringSet stores a secret for later ResolveSecret lookups.  Used
// by the CLI's store-secret command.
func KeyringSet(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{Key: key, Data: []byte(value)})
	return errors.Wrapf(err, "unable to store %q in keyring", key)
}
