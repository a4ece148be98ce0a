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

// Package remote defines the contract a remote mailbox must satisfy
// for the sync engine to archive it.  Implementations live in the
// jmap and gmail subpackages.
package remote

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mailvault/mailvault/internal/message"
)

var (
	// ErrTokenExpired reports that the remote can no longer compute
	// changes from the given token.  The caller must fall back to a
	// full resynchronization from an empty token.
	ErrTokenExpired = errors.New("remote: change token expired")

	// ErrObjectNotFound reports that a message listed in a change
	// feed cannot be fetched.  Change feeds deliver such ghosts in
	// practice; callers acknowledge and skip them.
	ErrObjectNotFound = errors.New("remote: object not found")
)

// IsTokenExpired reports whether err is, or wraps, ErrTokenExpired.
func IsTokenExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsObjectNotFound reports whether err is, or wraps, ErrObjectNotFound.
func IsObjectNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// ChangeLister reports changes in a remote mailbox since an opaque
// token.  An empty token asks for a full enumeration: every message
// is reported as Created and the final token reflects the remote's
// position when enumeration began.
type ChangeLister interface {
	Changes(ctx context.Context, sinceToken string, maxRecords int) (*message.ChangePage, error)
}

// ObjectFetcher retrieves the canonical bytes of a single message.
type ObjectFetcher interface {
	Fetch(ctx context.Context, remoteID string) ([]byte, error)
}

// Profiler gets per-account metadata from a remote mailbox.
type Profiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// Mailbox provides all actions the engine needs from a remote
// mailbox.
type Mailbox interface {
	ChangeLister
	ObjectFetcher
	Profiler
}
