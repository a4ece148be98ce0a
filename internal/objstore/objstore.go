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

// Package objstore provides the object store the archive writes
// into: a uniform put/get/list/exists surface over opaque keys, with
// no filesystem semantics assumed by callers.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// ErrNotExist reports that no object is stored under the given key.
var ErrNotExist = errors.New("objstore: object does not exist")

// IsNotExist reports whether err is, or wraps, ErrNotExist.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// Store is a backend-agnostic object store keyed by opaque strings.
//
// Put must be atomic as observed through Exists and Get: a key either
// resolves to the complete object or does not resolve at all.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, handler func(key string) error) error
}

// ContentKey returns the content address of data: a SHA-256 digest in
// the form "sha256:<64 hex>".  Identical bytes always produce the
// same key, which is what makes archive writes idempotent.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
